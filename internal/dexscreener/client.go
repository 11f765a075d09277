// Package dexscreener sources outreach candidates from the public DEXScreener
// API and enriches them with market data.
package dexscreener

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public API host.
const DefaultBaseURL = "https://api.dexscreener.com"

const userAgent = "outreachd/1.0 (+https://github.com/JakeFAU/outreach-daemon)"

// maxBodyBytes bounds a single API response.
const maxBodyBytes = 8 << 20

// Config configures the API client and the candidate filters.
type Config struct {
	BaseURL string
	// Chain restricts candidates and pairs to one chain id. Empty accepts all.
	Chain string
	// RPS throttles requests across feed and enricher.
	RPS     float64
	Timeout time.Duration

	MinLiquidity float64
	MinVolume24h float64
	// MaxAgeHours rejects pairs older than this. Zero disables the check.
	MaxAgeHours float64
}

// StatusError reports a non-200 API response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dexscreener %s: HTTP %d", e.URL, e.Code)
}

// Temporary reports whether retrying later may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Client performs throttled GET requests against the API.
type Client struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient builds a Client. A nil httpClient gets a default with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.RPS <= 0 {
		return nil, fmt.Errorf("rps must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		http:    httpClient,
		base:    base,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		logger:  logger.Named("dexscreener"),
	}, nil
}

// getJSON fetches path and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("dexscreener throttle: %w", err)
	}
	u := c.base + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dexscreener %s: %w", path, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	c.logger.Debug("api request",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return &StatusError{URL: path, Code: resp.StatusCode}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func sameChain(want, got string) bool {
	return want == "" || strings.EqualFold(want, got)
}

// Package httpaction performs join, identify and message actions through an
// HTTP collaborator service that owns the messaging account.
package httpaction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-daemon/internal/collab"
	"github.com/JakeFAU/outreach-daemon/internal/outreach"
)

const maxBodyBytes = 1 << 20

// Config configures the collaborator endpoint.
type Config struct {
	BaseURL         string
	APIKey          string
	MessageTemplate string
	Timeout         time.Duration
}

type actionRequest struct {
	EntityID   string              `json:"entity_id"`
	Group      string              `json:"group,omitempty"`
	Recipient  string              `json:"recipient,omitempty"`
	Message    string              `json:"message,omitempty"`
	Attributes outreach.Attributes `json:"attributes,omitempty"`
}

type actionResponse struct {
	Attributes outreach.Attributes `json:"attributes"`
	Admins     []collab.Admin      `json:"admins"`
	Error      string              `json:"error"`
}

// Client implements outreach.ActionClient over HTTP.
type Client struct {
	http   *http.Client
	cfg    Config
	logger *zap.Logger
}

var _ outreach.ActionClient = (*Client)(nil)

// New builds a Client. A nil httpClient gets a default with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("collaborator base url is required")
	}
	if cfg.MessageTemplate == "" {
		return nil, fmt.Errorf("message template is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{http: httpClient, cfg: cfg, logger: logger.Named("collaborator")}, nil
}

// Perform posts the action to {base}/v1/actions/{kind} and maps the response
// onto an outcome. Transport failures are returned as errors.
func (c *Client) Perform(ctx context.Context, e outreach.Entity, kind outreach.ActionKind) (outreach.Outcome, error) {
	if skip := collab.Precheck(e, kind); skip != nil {
		return skip, nil
	}
	body := actionRequest{EntityID: e.ID, Group: e.Attributes.String(collab.AttrGroup)}
	if kind == outreach.KindMessage {
		body.Recipient = e.Attributes.String(collab.AttrTargetAdmin)
		body.Message = collab.RenderMessage(c.cfg.MessageTemplate, e)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal action request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/actions/"+string(kind), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("collaborator %s: %w", kind, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read collaborator response: %w", err)
	}
	var decoded actionResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil && resp.StatusCode == http.StatusOK {
			return nil, fmt.Errorf("decode collaborator response: %w", err)
		}
	}

	outcome := c.mapResponse(kind, resp, decoded)
	c.logger.Debug("collaborator responded",
		zap.String("entity_id", e.ID),
		zap.String("kind", string(kind)),
		zap.Int("status", resp.StatusCode),
		zap.String("outcome", string(outcome.Class())),
	)
	return outcome, nil
}

func (c *Client) mapResponse(kind outreach.ActionKind, resp *http.Response, body actionResponse) outreach.Outcome {
	cause := body.Error
	if cause == "" {
		cause = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	switch code := resp.StatusCode; {
	case code == http.StatusOK:
		return success(kind, body)
	case code == http.StatusTooManyRequests:
		return outreach.RetryableFailure{Cause: cause, SuggestedDelay: retryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case code == http.StatusUnauthorized:
		return outreach.Fatal{Cause: cause}
	case code == http.StatusForbidden, code == http.StatusNotFound, code == http.StatusGone, code == http.StatusUnprocessableEntity:
		return outreach.PermanentSkip{Cause: cause}
	default:
		return outreach.RetryableFailure{Cause: cause}
	}
}

func success(kind outreach.ActionKind, body actionResponse) outreach.Outcome {
	attrs := body.Attributes.Clone()
	if kind == outreach.KindIdentify {
		picked, ok := collab.IdentifyAttributes(body.Admins)
		if !ok {
			return outreach.PermanentSkip{Cause: collab.ReasonNoAdmins}
		}
		for k, v := range picked {
			attrs[k] = v
		}
	}
	return outreach.Success{Attributes: attrs}
}

// retryAfter parses delta-seconds or an HTTP date. Unparseable values yield
// zero so the limiter's own backoff applies.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

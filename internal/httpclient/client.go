// Package httpclient builds the retrying HTTP client used for read-only
// upstream APIs.
package httpclient

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Config controls retries and the overall request timeout.
type Config struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// Timeout bounds one logical request including every retry.
	Timeout time.Duration
}

// DefaultConfig mirrors what the feed uses when nothing is configured.
func DefaultConfig() Config {
	return Config{
		RetryMax:     3,
		RetryWaitMin: time.Second,
		RetryWaitMax: 10 * time.Second,
		Timeout:      20 * time.Second,
	}
}

// leveledZap adapts zap to retryablehttp.LeveledLogger. Errors are logged at
// warn because the client retries them.
type leveledZap struct {
	inner *zap.SugaredLogger
}

func (l leveledZap) Error(msg string, keysAndValues ...any) {
	l.inner.Warnw(msg, keysAndValues...)
}

func (l leveledZap) Warn(msg string, keysAndValues ...any) {
	l.inner.Warnw(msg, keysAndValues...)
}

func (l leveledZap) Info(msg string, keysAndValues ...any) {
	l.inner.Infow(msg, keysAndValues...)
}

func (l leveledZap) Debug(msg string, keysAndValues ...any) {
	l.inner.Debugw(msg, keysAndValues...)
}

// New returns a standard *http.Client that retries connection errors, 5xx
// responses (except 501) and 429s, honouring Retry-After. Only use it for
// idempotent requests.
func New(cfg Config, logger *zap.Logger) *http.Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = def.RetryWaitMin
	}
	if cfg.RetryWaitMax < cfg.RetryWaitMin {
		cfg.RetryWaitMax = max(def.RetryWaitMax, cfg.RetryWaitMin)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = cfg.RetryWaitMin
	retryClient.RetryWaitMax = cfg.RetryWaitMax
	retryClient.Logger = retryablehttp.LeveledLogger(leveledZap{logger.Named("http").Sugar()})
	client := retryClient.StandardClient()
	client.Timeout = cfg.Timeout
	return client
}

// Package executor performs one external action for an entity and classifies
// the result into an outreach.Outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-daemon/internal/outreach"
)

// DefaultTimeout bounds a single external call when none is configured.
const DefaultTimeout = 45 * time.Second

// Config controls Executor behavior.
type Config struct {
	Timeout time.Duration
}

// Executor routes enrich to the Enricher and every other kind to the
// ActionClient.
type Executor struct {
	actions  outreach.ActionClient
	enricher outreach.Enricher
	timeout  time.Duration
	logger   *zap.Logger
}

// New constructs an Executor. Either collaborator may be nil, in which case
// the kinds it serves are skipped permanently.
func New(actions outreach.ActionClient, enricher outreach.Enricher, cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Executor{
		actions:  actions,
		enricher: enricher,
		timeout:  cfg.Timeout,
		logger:   logger.Named("executor"),
	}
}

// Execute performs kind against e. It never returns nil: transport failures
// and timeouts become RetryableFailure.
func (x *Executor) Execute(ctx context.Context, e outreach.Entity, kind outreach.ActionKind) outreach.Outcome {
	callCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	start := time.Now()
	var outcome outreach.Outcome
	if kind == outreach.KindEnrich {
		outcome = x.enrich(callCtx, e)
	} else {
		outcome = x.perform(callCtx, e, kind)
	}
	x.logger.Debug("action executed",
		zap.String("entity_id", e.ID),
		zap.String("kind", string(kind)),
		zap.String("outcome", string(outcome.Class())),
		zap.String("reason", outcome.Reason()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return outcome
}

func (x *Executor) enrich(ctx context.Context, e outreach.Entity) outreach.Outcome {
	if x.enricher == nil {
		return outreach.PermanentSkip{Cause: "no enricher configured"}
	}
	attrs, err := x.enricher.Enrich(ctx, e)
	switch {
	case err == nil:
		return outreach.Success{Attributes: attrs}
	case errors.Is(err, outreach.ErrIneligible):
		return outreach.PermanentSkip{Cause: err.Error()}
	default:
		return x.transient(ctx, err)
	}
}

func (x *Executor) perform(ctx context.Context, e outreach.Entity, kind outreach.ActionKind) outreach.Outcome {
	if x.actions == nil {
		return outreach.PermanentSkip{Cause: fmt.Sprintf("no action client for %s", kind)}
	}
	outcome, err := x.actions.Perform(ctx, e, kind)
	if err != nil {
		return x.transient(ctx, err)
	}
	if outcome == nil {
		return outreach.RetryableFailure{Cause: "collaborator returned no outcome"}
	}
	return outcome
}

func (x *Executor) transient(ctx context.Context, err error) outreach.Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return outreach.RetryableFailure{Cause: fmt.Sprintf("timeout after %s", x.timeout)}
	}
	return outreach.RetryableFailure{Cause: err.Error()}
}

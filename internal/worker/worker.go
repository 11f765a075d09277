// Package worker runs one action kind per cycle: it pulls the eligible batch,
// paces each call through the rate limiter and records every outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-daemon/internal/metrics"
	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/policy/ratelimit"
	"github.com/JakeFAU/outreach-daemon/internal/progress"
	"github.com/JakeFAU/outreach-daemon/internal/store"
)

// Store is the slice of persistence a worker touches.
type Store interface {
	QueryEligible(ctx context.Context, kind outreach.ActionKind, limit int, now time.Time) ([]outreach.Entity, error)
	RecordOutcome(ctx context.Context, id string, a outreach.Attempt) (outreach.Entity, error)
	LogError(ctx context.Context, entry store.ErrorEntry) error
}

// Limiter gates and paces actions of one kind.
type Limiter interface {
	Remaining(kind outreach.ActionKind, now time.Time) int
	Acquire(kind outreach.ActionKind, now time.Time) (time.Duration, error)
	Release(kind outreach.ActionKind)
	Complete(kind outreach.ActionKind, outcome outreach.Outcome, now time.Time) ratelimit.Decision
}

// Executor performs one action.
type Executor interface {
	Execute(ctx context.Context, e outreach.Entity, kind outreach.ActionKind) outreach.Outcome
}

// Session is the run-scoped state shared by every worker of a daemon.
type Session interface {
	// Paused reports whether kind is halted until an operator resumes it.
	Paused(kind outreach.ActionKind) bool
	// Halted reports whether the process-wide error threshold is reached.
	Halted(now time.Time) bool
	// Claim reserves one action against the session ceiling.
	Claim(kind outreach.ActionKind) bool
	// Unclaim returns a reservation that was never used.
	Unclaim(kind outreach.ActionKind)
	// Observe feeds an outcome into the process-wide error window.
	Observe(kind outreach.ActionKind, outcome outreach.Outcome, at time.Time)
	// Pause halts kind after a fatal outcome.
	Pause(kind outreach.ActionKind, cause string, at time.Time)
}

// Config controls Worker behavior.
type Config struct {
	Kind      outreach.ActionKind
	BatchSize int
}

// StopReason explains why a worker ended its batch early.
type StopReason string

// Stop reasons. The zero value means the batch ran to completion.
const (
	StopNone       StopReason = ""
	StopCancelled  StopReason = "cancelled"
	StopPaused     StopReason = "paused"
	StopHalted     StopReason = "error_threshold"
	StopQuota      StopReason = "quota"
	StopSessionCap StopReason = "session_cap"
)

// Result summarises one worker run.
type Result struct {
	Kind     outreach.ActionKind
	Selected int
	Outcomes map[outreach.OutcomeClass]int
	Stopped  StopReason
}

// Attempted is the number of actions actually executed.
func (r Result) Attempted() int {
	n := 0
	for _, c := range r.Outcomes {
		n += c
	}
	return n
}

// Worker executes the eligible batch of one action kind serially.
type Worker struct {
	store    Store
	limiter  Limiter
	executor Executor
	clock    outreach.Clock
	sleeper  outreach.Sleeper
	events   progress.Emitter
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	st Store,
	limiter Limiter,
	executor Executor,
	clock outreach.Clock,
	sleeper outreach.Sleeper,
	events progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = progress.NopEmitter{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	return &Worker{
		store:    st,
		limiter:  limiter,
		executor: executor,
		clock:    clock,
		sleeper:  sleeper,
		events:   events,
		cfg:      cfg,
		logger:   logger.Named("worker").With(zap.String("kind", string(cfg.Kind))),
	}
}

// Kind returns the action kind this worker drives.
func (w *Worker) Kind() outreach.ActionKind {
	return w.cfg.Kind
}

// Run selects and processes one batch.
func (w *Worker) Run(ctx context.Context, cycleID [16]byte, session Session) (Result, error) {
	batch, stop, err := w.Select(ctx, session)
	if err != nil || stop != StopNone {
		return Result{Kind: w.cfg.Kind, Outcomes: map[outreach.OutcomeClass]int{}, Stopped: stop}, err
	}
	return w.Process(ctx, cycleID, batch, session)
}

// Select snapshots the eligible batch, bounded by the batch size and the
// remaining quota. A non-empty StopReason means the kind is skipped this
// cycle. The returned error is non-nil only for store failures.
func (w *Worker) Select(ctx context.Context, session Session) ([]outreach.Entity, StopReason, error) {
	kind := w.cfg.Kind
	now := w.clock.Now()
	if session.Paused(kind) {
		return nil, StopPaused, nil
	}
	remaining := w.limiter.Remaining(kind, now)
	metrics.SetQuotaRemaining(string(kind), remaining)
	limit := min(w.cfg.BatchSize, remaining)
	if limit <= 0 {
		w.logger.Debug("quota exhausted, skipping kind")
		return nil, StopQuota, nil
	}
	batch, err := w.store.QueryEligible(ctx, kind, limit, now)
	if err != nil {
		if ctx.Err() != nil {
			return nil, StopCancelled, nil
		}
		metrics.ObserveStoreError("query eligible")
		return nil, StopNone, fmt.Errorf("query eligible %s: %w", kind, err)
	}
	return batch, StopNone, nil
}

// Process executes batch serially. Cancelling ctx stops the worker before the
// next entity; an action already started is completed and recorded on a
// detached context. The returned error is non-nil only for store failures.
func (w *Worker) Process(ctx context.Context, cycleID [16]byte, batch []outreach.Entity, session Session) (Result, error) {
	kind := w.cfg.Kind
	res := Result{Kind: kind, Selected: len(batch), Outcomes: map[outreach.OutcomeClass]int{}}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for _, e := range batch {
		if reason := w.checkpoint(ctx, session); reason != StopNone {
			res.Stopped = reason
			break
		}
		if !session.Claim(kind) {
			res.Stopped = StopSessionCap
			break
		}
		wait, err := w.limiter.Acquire(kind, w.clock.Now())
		if err != nil {
			session.Unclaim(kind)
			if errors.Is(err, ratelimit.ErrQuotaExhausted) {
				res.Stopped = StopQuota
				break
			}
			return res, fmt.Errorf("acquire %s slot: %w", kind, err)
		}
		if wait > 0 {
			metrics.ObserveLimiterWait(string(kind), wait)
			if err := w.sleeper.Sleep(ctx, wait); err != nil {
				w.limiter.Release(kind)
				session.Unclaim(kind)
				res.Stopped = StopCancelled
				break
			}
		}

		outcome, err := w.attempt(context.WithoutCancel(ctx), cycleID, e, session)
		res.Outcomes[outcome.Class()]++
		if err != nil {
			return res, err
		}
	}
	metrics.SetQuotaRemaining(string(kind), w.limiter.Remaining(kind, w.clock.Now()))
	return res, nil
}

// checkpoint is evaluated between entities, the only place a batch may stop.
func (w *Worker) checkpoint(ctx context.Context, session Session) StopReason {
	switch {
	case ctx.Err() != nil:
		return StopCancelled
	case session.Paused(w.cfg.Kind):
		return StopPaused
	case session.Halted(w.clock.Now()):
		return StopHalted
	default:
		return StopNone
	}
}

// attempt executes and records one action. ctx must not be cancellable: the
// call and its persistence always run to completion together.
func (w *Worker) attempt(ctx context.Context, cycleID [16]byte, e outreach.Entity, session Session) (outreach.Outcome, error) {
	kind := w.cfg.Kind
	start := w.clock.Now()
	outcome := w.executor.Execute(ctx, e, kind)
	at := w.clock.Now()
	decision := w.limiter.Complete(kind, outcome, at)
	session.Observe(kind, outcome, at)

	next, err := w.store.RecordOutcome(ctx, e.ID, outreach.Attempt{
		Kind:    kind,
		Outcome: outcome,
		At:      at,
		RetryAt: decision.RetryAt,
	})
	log := w.logger.With(
		zap.String("entity_id", e.ID),
		zap.String("outcome", string(outcome.Class())),
	)
	switch {
	case errors.Is(err, outreach.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
		log.Warn("outcome not applied", zap.Error(err))
		return outcome, nil
	case err != nil:
		metrics.ObserveStoreError("record outcome")
		log.Error("record outcome failed", zap.Error(err))
		return outcome, fmt.Errorf("record %s outcome for %s: %w", kind, e.ID, err)
	}

	if reason := outcome.Reason(); reason != "" {
		log = log.With(zap.String("reason", reason))
	}
	log.Info("action recorded",
		zap.String("state", string(next.State)),
		zap.Duration("retry_in", decision.RetryAt.Sub(at)),
	)

	w.events.Emit(progress.Event{
		CycleID:  cycleID,
		TS:       at,
		Stage:    progress.StageActionDone,
		Kind:     kind,
		EntityID: e.ID,
		Outcome:  outcome.Class(),
		Tier:     next.Tier,
		State:    next.State,
		Dur:      at.Sub(start),
		Note:     outcome.Reason(),
	})

	if err := w.report(ctx, cycleID, e, next, outcome, at, session); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// report writes the operator-visible side effects of pauses and exhaustion.
func (w *Worker) report(
	ctx context.Context,
	cycleID [16]byte,
	before, after outreach.Entity,
	outcome outreach.Outcome,
	at time.Time,
	session Session,
) error {
	kind := w.cfg.Kind
	var entry store.ErrorEntry
	switch o := outcome.(type) {
	case outreach.Fatal:
		session.Pause(kind, o.Cause, at)
		w.logger.Error("action kind paused", zap.String("entity_id", before.ID), zap.String("cause", o.Cause))
		w.events.Emit(progress.Event{CycleID: cycleID, TS: at, Stage: progress.StageKindPaused, Kind: kind, Note: o.Cause})
		entry = store.ErrorEntry{At: at, Scope: store.ScopeKind, Kind: kind, EntityID: before.ID, Message: o.Cause}
	case outreach.RetryableFailure:
		if after.State != outreach.StateExhausted || before.State == outreach.StateExhausted {
			return nil
		}
		entry = store.ErrorEntry{
			At:       at,
			Scope:    store.ScopeEntity,
			Kind:     kind,
			EntityID: before.ID,
			Message:  fmt.Sprintf("%s: %s", outreach.ReasonRetriesExhausted, o.Cause),
		}
	default:
		return nil
	}
	if err := w.store.LogError(ctx, entry); err != nil {
		metrics.ObserveStoreError("log error")
		return fmt.Errorf("log %s error: %w", entry.Scope, err)
	}
	return nil
}

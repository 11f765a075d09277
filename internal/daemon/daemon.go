package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/outreach-daemon/internal/metrics"
	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/policy/ratelimit"
	"github.com/JakeFAU/outreach-daemon/internal/progress"
	"github.com/JakeFAU/outreach-daemon/internal/store"
	"github.com/JakeFAU/outreach-daemon/internal/worker"
)

var (
	// ErrInactive is returned by RunCycle outside the active-hours window.
	ErrInactive = errors.New("outside active hours")
	// ErrErrorThreshold is returned by RunCycle while the process-wide error
	// window is over its threshold.
	ErrErrorThreshold = errors.New("error threshold reached")
	// ErrSessionCap is returned by RunCycle once the session action ceiling
	// is spent.
	ErrSessionCap = errors.New("session action ceiling reached")
	// ErrNotPaused is returned by Resume for a kind that is running.
	ErrNotPaused = errors.New("action kind is not paused")
)

// Config controls the control loop.
type Config struct {
	ActiveHours          ActiveHours
	CycleInterval        time.Duration
	BatchSize            int
	MaxActionsPerSession int
	ErrorThreshold       int
	ErrorWindow          time.Duration
	ErrorPause           time.Duration
	// ErrorRetry is the short wait after an aborted cycle.
	ErrorRetry time.Duration
	// InactivePoll caps a single sleep while waiting for the window to open.
	InactivePoll time.Duration
	// IgnoreActiveHours lets a one-off cycle run outside the window.
	IgnoreActiveHours bool
	// Kinds restricts the workers; empty means every kind.
	Kinds []outreach.ActionKind
}

func (c Config) withDefaults() Config {
	if c.CycleInterval <= 0 {
		c.CycleInterval = 30 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.ErrorPause <= 0 {
		c.ErrorPause = time.Hour
	}
	if c.ErrorRetry <= 0 {
		c.ErrorRetry = time.Minute
	}
	if c.InactivePoll <= 0 {
		c.InactivePoll = 5 * time.Minute
	}
	if len(c.Kinds) == 0 {
		c.Kinds = outreach.Kinds()
	}
	return c
}

// Deps are the collaborators of a Daemon. Feed may be nil.
type Deps struct {
	Store    store.Store
	Feed     outreach.Feed
	Executor worker.Executor
	Limiter  *ratelimit.Limiter
	Clock    outreach.Clock
	Sleeper  outreach.Sleeper
	IDs      outreach.IDGenerator
	Events   progress.Emitter
}

// Report summarises one cycle.
type Report struct {
	CycleID      string                 `json:"cycle_id"`
	StartedAt    time.Time              `json:"started_at"`
	FinishedAt   time.Time              `json:"finished_at"`
	Status       store.CheckpointStatus `json:"status"`
	Ingested     int                    `json:"ingested"`
	New          int                    `json:"new"`
	Qualified    int                    `json:"qualified"`
	Disqualified int                    `json:"disqualified"`
	Workers      []worker.Result        `json:"workers"`
	Error        string                 `json:"error,omitempty"`
}

// Actions flattens the report into checkpoint counters.
func (r Report) Actions() map[string]int {
	out := map[string]int{
		"ingested":     r.Ingested,
		"new":          r.New,
		"qualified":    r.Qualified,
		"disqualified": r.Disqualified,
	}
	for _, res := range r.Workers {
		for class, n := range res.Outcomes {
			out[fmt.Sprintf("%s.%s", res.Kind, class)] += n
		}
	}
	return out
}

// Phase is what the control loop is doing.
type Phase string

// Loop phases.
const (
	PhaseIdle     Phase = "idle"
	PhaseCycle    Phase = "cycle"
	PhaseSleeping Phase = "sleeping"
	PhaseInactive Phase = "inactive"
	PhaseCooldown Phase = "cooldown"
	PhaseStopped  Phase = "stopped"
)

// Status is an operator view of the daemon.
type Status struct {
	Phase     Phase                                        `json:"phase"`
	Session   SessionStatus                                `json:"session"`
	Limits    map[outreach.ActionKind]ratelimit.KindStatus `json:"limits"`
	LastCycle *Report                                      `json:"last_cycle,omitempty"`
}

// Daemon is the orchestrator control loop.
type Daemon struct {
	store   store.Store
	feed    outreach.Feed
	limiter *ratelimit.Limiter
	workers []*worker.Worker
	clock   outreach.Clock
	sleeper outreach.Sleeper
	ids     outreach.IDGenerator
	events  progress.Emitter
	session *Session
	cfg     Config
	logger  *zap.Logger

	mu    sync.Mutex
	phase Phase
	last  *Report
}

// New wires a Daemon.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Daemon, error) {
	if deps.Store == nil || deps.Executor == nil || deps.Limiter == nil {
		return nil, errors.New("daemon requires a store, an executor and a limiter")
	}
	if deps.Clock == nil || deps.Sleeper == nil || deps.IDs == nil {
		return nil, errors.New("daemon requires a clock, a sleeper and an id generator")
	}
	if err := cfg.ActiveHours.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = progress.NopEmitter{}
	}
	cfg = cfg.withDefaults()
	d := &Daemon{
		store:   deps.Store,
		feed:    deps.Feed,
		limiter: deps.Limiter,
		clock:   deps.Clock,
		sleeper: deps.Sleeper,
		ids:     deps.IDs,
		events:  deps.Events,
		session: NewSession(cfg.MaxActionsPerSession, cfg.ErrorThreshold, cfg.ErrorWindow, deps.Clock.Now()),
		cfg:     cfg,
		logger:  logger.Named("daemon"),
		phase:   PhaseIdle,
	}
	for _, kind := range cfg.Kinds {
		if kind.Gate() == "" {
			return nil, fmt.Errorf("unknown action kind %q", kind)
		}
		d.workers = append(d.workers, worker.New(
			deps.Store,
			deps.Limiter,
			deps.Executor,
			deps.Clock,
			deps.Sleeper,
			deps.Events,
			worker.Config{Kind: kind, BatchSize: cfg.BatchSize},
			logger,
		))
	}
	return d, nil
}

// Session exposes the run state.
func (d *Daemon) Session() *Session {
	return d.session
}

// Resume lifts a fatal pause on kind.
func (d *Daemon) Resume(kind outreach.ActionKind) error {
	if !d.session.Resume(kind) {
		return fmt.Errorf("%w: %s", ErrNotPaused, kind)
	}
	d.logger.Info("action kind resumed", zap.String("kind", string(kind)))
	return nil
}

// Status returns an operator snapshot.
func (d *Daemon) Status() Status {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Status{
		Phase:   d.phase,
		Session: d.session.Status(now),
		Limits:  d.limiter.Status(now),
	}
	if d.last != nil {
		last := *d.last
		st.LastCycle = &last
	}
	return st
}

func (d *Daemon) setPhase(p Phase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phase = p
}

// Recover inspects the previous checkpoint and reseeds the limiter from
// persisted successes so quotas consumed before a restart stay consumed.
func (d *Daemon) Recover(ctx context.Context) error {
	now := d.clock.Now()
	cp, err := d.store.LatestCheckpoint(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load checkpoint: %w", err)
	case cp.Status == store.CheckpointRunning:
		d.logger.Warn("previous cycle did not finish", zap.String("cycle_id", cp.CycleID), zap.Time("started_at", cp.StartedAt))
		cp.Status = store.CheckpointAborted
		cp.FinishedAt = now
		cp.Note = "unclean shutdown"
		if err := d.store.SaveCheckpoint(ctx, cp); err != nil {
			return fmt.Errorf("close checkpoint %s: %w", cp.CycleID, err)
		}
		if err := d.store.LogError(ctx, store.ErrorEntry{
			At:      now,
			Scope:   store.ScopeProcess,
			Message: fmt.Sprintf("cycle %s interrupted by unclean shutdown", cp.CycleID),
		}); err != nil {
			return fmt.Errorf("log recovery: %w", err)
		}
	}

	counts, err := d.store.DailyCounts(ctx, outreach.DayKey(now, d.cfg.ActiveHours.loc()))
	if err != nil {
		return fmt.Errorf("load daily counts: %w", err)
	}
	today := map[outreach.ActionKind]int{}
	for _, c := range counts {
		if c.Outcome == outreach.ClassSuccess {
			today[c.Kind] += c.Count
		}
	}
	for _, kind := range d.cfg.Kinds {
		hour, err := d.store.SuccessesSince(ctx, kind, now.Add(-time.Hour))
		if err != nil {
			return fmt.Errorf("load %s successes: %w", kind, err)
		}
		d.limiter.Seed(kind, hour, today[kind], now)
		d.logger.Info("limiter reseeded",
			zap.String("kind", string(kind)),
			zap.Int("hour_count", len(hour)),
			zap.Int("day_count", today[kind]),
		)
	}
	return nil
}

// RunCycle performs one pass of the pipeline. A store failure aborts the
// cycle after every decided outcome is persisted.
func (d *Daemon) RunCycle(ctx context.Context) (Report, error) {
	now := d.clock.Now()
	switch {
	case !d.cfg.IgnoreActiveHours && !d.cfg.ActiveHours.Contains(now):
		return Report{}, ErrInactive
	case d.session.Halted(now):
		return Report{}, ErrErrorThreshold
	case d.session.CapReached():
		return Report{}, ErrSessionCap
	}

	id, err := d.ids.NewID()
	if err != nil {
		return Report{}, fmt.Errorf("generate cycle id: %w", err)
	}
	cycleID := cycleBytes(id)
	ctx, span := otel.Tracer("outreach/daemon").Start(ctx, "cycle")
	defer span.End()
	span.SetAttributes(attribute.String("cycle_id", id))

	d.setPhase(PhaseCycle)
	defer d.setPhase(PhaseIdle)
	report := Report{CycleID: id, StartedAt: now, Status: store.CheckpointRunning}
	safe := context.WithoutCancel(ctx)
	if err := d.store.SaveCheckpoint(safe, d.checkpoint(report)); err != nil {
		return report, fmt.Errorf("save checkpoint: %w", err)
	}
	d.events.Emit(progress.Event{CycleID: cycleID, TS: now, Stage: progress.StageCycleStart})
	log := d.logger.With(zap.String("cycle_id", id))
	log.Info("cycle started")

	err = d.runStages(ctx, &report)
	return d.finish(safe, cycleID, report, ctx.Err(), err)
}

func (d *Daemon) runStages(ctx context.Context, report *Report) error {
	if err := d.ingest(ctx, report); err != nil {
		return err
	}
	if err := d.qualify(ctx, report); err != nil {
		return err
	}

	// Batches are selected in pipeline order before any worker starts, so an
	// entity advances at most one stage per cycle.
	cycleID := cycleBytes(report.CycleID)
	results := make([]worker.Result, len(d.workers))
	batches := make([][]outreach.Entity, len(d.workers))
	for i, w := range d.workers {
		batch, stop, err := w.Select(ctx, d.session)
		if err != nil {
			return err
		}
		results[i] = worker.Result{Kind: w.Kind(), Outcomes: map[outreach.OutcomeClass]int{}, Stopped: stop}
		batches[i] = batch
	}
	report.Workers = results

	g, gctx := errgroup.WithContext(ctx)
	for i, w := range d.workers {
		if results[i].Stopped != worker.StopNone {
			continue
		}
		g.Go(func() error {
			res, err := w.Process(gctx, cycleID, batches[i], d.session)
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	if err != nil {
		return err
	}
	// Entities enriched during this cycle are ready for join on the next one.
	return d.qualify(ctx, report)
}

func (d *Daemon) finish(ctx context.Context, cycleID [16]byte, report Report, stopErr, err error) (Report, error) {
	now := d.clock.Now()
	report.FinishedAt = now
	stage := progress.StageCycleDone
	switch {
	case err != nil:
		report.Status = store.CheckpointAborted
		report.Error = err.Error()
		stage = progress.StageCycleError
		d.session.RecordError(now)
		d.logger.Error("cycle aborted", zap.String("cycle_id", report.CycleID), zap.Error(err))
		if logErr := d.store.LogError(ctx, store.ErrorEntry{
			At:      now,
			Scope:   store.ScopeProcess,
			Message: fmt.Sprintf("cycle %s aborted: %v", report.CycleID, err),
		}); logErr != nil {
			d.logger.Error("error log write failed", zap.Error(logErr))
		}
	case stopErr != nil:
		report.Status = store.CheckpointStopped
	default:
		report.Status = store.CheckpointCompleted
	}

	if cpErr := d.store.SaveCheckpoint(ctx, d.checkpoint(report)); cpErr != nil {
		metrics.ObserveStoreError("save checkpoint")
		err = errors.Join(err, fmt.Errorf("save checkpoint: %w", cpErr))
	}
	d.events.Emit(progress.Event{
		CycleID: cycleID,
		TS:      now,
		Stage:   stage,
		Dur:     now.Sub(report.StartedAt),
		Note:    report.Error,
	})
	d.mu.Lock()
	d.last = &report
	d.mu.Unlock()
	d.logger.Info("cycle finished",
		zap.String("cycle_id", report.CycleID),
		zap.String("status", string(report.Status)),
		zap.Any("actions", report.Actions()),
	)
	return report, err
}

func (d *Daemon) checkpoint(r Report) store.Checkpoint {
	return store.Checkpoint{
		CycleID:    r.CycleID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Status:     r.Status,
		Actions:    r.Actions(),
		Note:       r.Error,
	}
}

// ingest upserts every feed candidate. Feed errors are logged and skipped;
// store errors abort.
func (d *Daemon) ingest(ctx context.Context, report *Report) error {
	if d.feed == nil {
		return nil
	}
	for c, err := range d.feed.Candidates(ctx) {
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			metrics.ObserveFeedCandidate("error")
			d.logger.Warn("feed error", zap.Error(err))
			continue
		}
		if c.ID == "" {
			metrics.ObserveFeedCandidate("error")
			continue
		}
		if c.SeenAt.IsZero() {
			c.SeenAt = d.clock.Now()
		}
		_, isNew, err := d.store.Upsert(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.ObserveStoreError("upsert")
			return fmt.Errorf("upsert %s: %w", c.ID, err)
		}
		report.Ingested++
		if isNew {
			report.New++
			metrics.ObserveFeedCandidate("new")
		} else {
			metrics.ObserveFeedCandidate("seen")
		}
	}
	return nil
}

// qualify scores every ENRICHED entity against the threshold.
func (d *Daemon) qualify(ctx context.Context, report *Report) error {
	enriched, err := d.store.ListByState(ctx, outreach.StateEnriched, 0)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		metrics.ObserveStoreError("list enriched")
		return fmt.Errorf("list enriched: %w", err)
	}
	for _, e := range enriched {
		if ctx.Err() != nil {
			return nil
		}
		q, err := d.store.Qualify(context.WithoutCancel(ctx), e.ID, d.clock.Now())
		switch {
		case errors.Is(err, outreach.ErrInvalidTransition):
			continue
		case err != nil:
			metrics.ObserveStoreError("qualify")
			return fmt.Errorf("qualify %s: %w", e.ID, err)
		case q.State == outreach.StateQualified:
			report.Qualified++
		default:
			report.Disqualified++
			d.logger.Debug("entity disqualified", zap.String("entity_id", q.ID), zap.String("reason", q.StateReason))
		}
	}
	return nil
}

// Once recovers and runs a single cycle.
func (d *Daemon) Once(ctx context.Context) (Report, error) {
	if err := d.Recover(ctx); err != nil {
		return Report{}, err
	}
	return d.RunCycle(ctx)
}

// Run recovers and then loops until ctx is cancelled or the session ceiling
// is spent.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.setPhase(PhaseStopped)
	if err := d.Recover(ctx); err != nil {
		return err
	}
	d.logger.Info("daemon started",
		zap.Int("start_hour", d.cfg.ActiveHours.Start),
		zap.Int("end_hour", d.cfg.ActiveHours.End),
		zap.Duration("cycle_interval", d.cfg.CycleInterval),
		zap.Float64("maturity_multiplier", d.limiter.Multiplier()),
	)
	for {
		if ctx.Err() != nil {
			d.logger.Info("daemon stopping")
			return nil
		}
		now := d.clock.Now()
		if !d.cfg.ActiveHours.Contains(now) {
			wait := min(d.cfg.ActiveHours.NextOpen(now).Sub(now), d.cfg.InactivePoll)
			d.logger.Info("outside active hours, sleeping", zap.Duration("wait", wait))
			if !d.sleep(ctx, PhaseInactive, wait) {
				return nil
			}
			continue
		}
		if d.session.Halted(now) {
			if !d.cooldown(ctx, now) {
				return nil
			}
			continue
		}

		_, err := d.RunCycle(ctx)
		switch {
		case errors.Is(err, ErrSessionCap):
			d.logger.Info("session action ceiling reached, exiting")
			return nil
		case errors.Is(err, ErrInactive), errors.Is(err, ErrErrorThreshold):
			continue
		case err != nil:
			if !d.sleep(ctx, PhaseSleeping, d.cfg.ErrorRetry) {
				return nil
			}
			continue
		}
		if d.session.CapReached() {
			d.logger.Info("session action ceiling reached, exiting")
			return nil
		}
		if !d.sleep(ctx, PhaseSleeping, d.cfg.CycleInterval) {
			return nil
		}
	}
}

func (d *Daemon) cooldown(ctx context.Context, now time.Time) bool {
	st := d.session.Status(now)
	msg := fmt.Sprintf("%d errors within %s, pausing for %s", st.ErrorsInWindow, d.cfg.ErrorWindow, d.cfg.ErrorPause)
	d.logger.Warn("error threshold reached", zap.String("cause", msg))
	d.events.Emit(progress.Event{TS: now, Stage: progress.StageDaemonPaused, Dur: d.cfg.ErrorPause, Note: msg})
	if err := d.store.LogError(context.WithoutCancel(ctx), store.ErrorEntry{At: now, Scope: store.ScopeProcess, Message: msg}); err != nil {
		d.logger.Error("error log write failed", zap.Error(err))
	}
	if !d.sleep(ctx, PhaseCooldown, d.cfg.ErrorPause) {
		return false
	}
	d.session.ResetErrors()
	return true
}

func (d *Daemon) sleep(ctx context.Context, phase Phase, wait time.Duration) bool {
	d.setPhase(phase)
	defer d.setPhase(PhaseIdle)
	return d.sleeper.Sleep(ctx, wait) == nil
}

// cycleBytes maps a cycle id onto the 16-byte event form. Non-UUID ids are
// hashed into a name-based UUID.
func cycleBytes(id string) [16]byte {
	u, err := uuid.Parse(id)
	if err != nil {
		u = uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))
	}
	return progress.UUIDToBytes(u)
}

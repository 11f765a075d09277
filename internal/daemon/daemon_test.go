package daemon

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-daemon/internal/clock/fake"
	"github.com/JakeFAU/outreach-daemon/internal/executor"
	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/policy/ratelimit"
	"github.com/JakeFAU/outreach-daemon/internal/progress"
	"github.com/JakeFAU/outreach-daemon/internal/storage/memory"
	"github.com/JakeFAU/outreach-daemon/internal/store"
	"github.com/JakeFAU/outreach-daemon/internal/store/storetest"
)

type sliceFeed struct {
	candidates []outreach.Candidate
	err        error
}

func (f sliceFeed) Candidates(context.Context) iter.Seq2[outreach.Candidate, error] {
	return func(yield func(outreach.Candidate, error) bool) {
		for _, c := range f.candidates {
			if !yield(c, nil) {
				return
			}
		}
		if f.err != nil {
			yield(outreach.Candidate{}, f.err)
		}
	}
}

type stubEnricher struct{}

func (stubEnricher) Enrich(_ context.Context, e outreach.Entity) (outreach.Attributes, error) {
	return outreach.Attributes{"enriched": true, "symbol": e.ID}, nil
}

type scriptedClient struct {
	mu       sync.Mutex
	outcomes map[outreach.ActionKind]outreach.Outcome
	calls    map[outreach.ActionKind][]string
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		outcomes: map[outreach.ActionKind]outreach.Outcome{},
		calls:    map[outreach.ActionKind][]string{},
	}
}

func (c *scriptedClient) Perform(_ context.Context, e outreach.Entity, kind outreach.ActionKind) (outreach.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[kind] = append(c.calls[kind], e.ID)
	if o, ok := c.outcomes[kind]; ok {
		return o, nil
	}
	return outreach.Success{}, nil
}

func (c *scriptedClient) set(kind outreach.ActionKind, o outreach.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o == nil {
		delete(c.outcomes, kind)
		return
	}
	c.outcomes[kind] = o
}

func (c *scriptedClient) count(kind outreach.ActionKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls[kind])
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("00000000-0000-7000-8000-%012d", s.n), nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) has(stage progress.Stage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Stage == stage {
			return true
		}
	}
	return false
}

type brokenStore struct {
	*memory.Store
}

func (brokenStore) RecordOutcome(context.Context, string, outreach.Attempt) (outreach.Entity, error) {
	return outreach.Entity{}, store.Wrap("record outcome", errors.New("database is locked"))
}

type harness struct {
	store   *memory.Store
	client  *scriptedClient
	clock   *fake.Clock
	limiter *ratelimit.Limiter
	events  *recordingEmitter
	feed    sliceFeed
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	kc := ratelimit.KindConfig{MaxPerHour: 10, MaxPerDay: 100, BaseDelay: time.Second, BackoffFactor: 1, MaxRetries: 3}
	l, err := ratelimit.New(ratelimit.Config{
		Kinds: map[outreach.ActionKind]ratelimit.KindConfig{
			outreach.KindEnrich:   kc,
			outreach.KindJoin:     kc,
			outreach.KindIdentify: kc,
			outreach.KindMessage:  kc,
		},
		AccountAge: 365 * 24 * time.Hour,
		Seed:       1,
	})
	require.NoError(t, err)
	return &harness{
		store:   memory.NewStore(store.Config{Rules: storetest.Rules()}),
		client:  newScriptedClient(),
		clock:   fake.New(storetest.Epoch),
		limiter: l,
		events:  &recordingEmitter{},
		feed: sliceFeed{candidates: []outreach.Candidate{
			{ID: "hi", Attributes: outreach.Attributes{storetest.AttrScore: 95.0}},
			{ID: "lo", Attributes: outreach.Attributes{storetest.AttrScore: 20.0}},
		}},
	}
}

func (h *harness) daemon(t *testing.T, st store.Store, mutate func(*Config)) *Daemon {
	t.Helper()
	cfg := Config{
		ActiveHours:    ActiveHours{Start: 9, End: 22},
		CycleInterval:  30 * time.Minute,
		BatchSize:      10,
		ErrorThreshold: 5,
		ErrorWindow:    30 * time.Minute,
		ErrorPause:     time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(Deps{
		Store:    st,
		Feed:     h.feed,
		Executor: executor.New(h.client, stubEnricher{}, executor.Config{}, zap.NewNop()),
		Limiter:  h.limiter,
		Clock:    h.clock,
		Sleeper:  h.clock,
		IDs:      &seqIDs{},
		Events:   h.events,
	}, cfg, zap.NewNop())
	require.NoError(t, err)
	return d
}

func TestCyclesDrivePipelineToContacted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	d := h.daemon(t, h.store, nil)
	ctx := context.Background()

	states := []outreach.State{
		outreach.StateQualified,
		outreach.StateGroupJoined,
		outreach.StateAdminIdentified,
		outreach.StateContacted,
	}
	for i, want := range states {
		report, err := d.RunCycle(ctx)
		require.NoError(t, err, "cycle %d", i)
		require.Equal(t, store.CheckpointCompleted, report.Status)
		hi, err := h.store.Get(ctx, "hi")
		require.NoError(t, err)
		require.Equal(t, want, hi.State, "cycle %d", i)
		h.clock.Advance(time.Minute)
	}

	lo, err := h.store.Get(ctx, "lo")
	require.NoError(t, err)
	assert.Equal(t, outreach.StateDisqualified, lo.State)
	assert.Equal(t, "score 20.0 below threshold 50.0", lo.StateReason)

	report, err := d.RunCycle(ctx)
	require.NoError(t, err)
	for _, res := range report.Workers {
		assert.Zero(t, res.Attempted(), "kind %s", res.Kind)
	}
	assert.Equal(t, 1, h.client.count(outreach.KindJoin))
	assert.Equal(t, 1, h.client.count(outreach.KindMessage))

	cp, err := h.store.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.CycleID, cp.CycleID)
	assert.Equal(t, store.CheckpointCompleted, cp.Status)
	assert.Equal(t, 2, cp.Actions["ingested"])
	assert.True(t, h.events.has(progress.StageCycleDone))
}

func TestFirstCycleCountsEnrichmentAndQualification(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	d := h.daemon(t, h.store, nil)

	report, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.New)
	assert.Equal(t, 1, report.Qualified)
	assert.Equal(t, 1, report.Disqualified)
	assert.Equal(t, 2, report.Actions()["enrich.success"])
}

func TestRunCycleOutsideActiveHours(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.clock.Set(time.Date(2026, 5, 4, 3, 0, 0, 0, time.UTC))
	d := h.daemon(t, h.store, nil)

	_, err := d.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrInactive)

	forced := h.daemon(t, h.store, func(c *Config) { c.IgnoreActiveHours = true })
	_, err = forced.RunCycle(context.Background())
	require.NoError(t, err)
}

func TestFatalPausesOnlyAffectedKind(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.feed.candidates = append(h.feed.candidates, outreach.Candidate{ID: "mid", Attributes: outreach.Attributes{storetest.AttrScore: 80.0}})
	d := h.daemon(t, h.store, nil)
	ctx := context.Background()

	_, err := d.RunCycle(ctx)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	_, err = d.RunCycle(ctx)
	require.NoError(t, err)

	// Both qualified entities have joined; break identify.
	h.client.set(outreach.KindIdentify, outreach.Fatal{Cause: "session revoked"})
	h.clock.Advance(time.Minute)
	report, err := d.RunCycle(ctx)
	require.NoError(t, err)
	require.True(t, d.Session().Paused(outreach.KindIdentify))
	require.False(t, d.Session().Paused(outreach.KindJoin))
	require.Equal(t, 1, h.client.count(outreach.KindIdentify))
	for _, res := range report.Workers {
		if res.Kind == outreach.KindIdentify {
			require.Equal(t, 1, res.Outcomes[outreach.ClassFatal])
		}
	}

	h.clock.Advance(time.Minute)
	_, err = d.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, h.client.count(outreach.KindIdentify))

	h.client.set(outreach.KindIdentify, nil)
	require.NoError(t, d.Resume(outreach.KindIdentify))
	require.ErrorIs(t, d.Resume(outreach.KindIdentify), ErrNotPaused)
	h.clock.Advance(time.Minute)
	_, err = d.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, h.client.count(outreach.KindIdentify))

	errs, err := h.store.RecentErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, store.ScopeKind, errs[0].Scope)
}

func TestStoreErrorAbortsCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	d := h.daemon(t, brokenStore{h.store}, nil)

	report, err := d.RunCycle(context.Background())
	var se *store.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, store.CheckpointAborted, report.Status)

	cp, err := h.store.LatestCheckpoint(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.CheckpointAborted, cp.Status)
	require.Contains(t, cp.Note, "database is locked")

	errs, err := h.store.RecentErrors(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, errs)
	require.Equal(t, store.ScopeProcess, errs[0].Scope)
	require.True(t, h.events.has(progress.StageCycleError))
}

func TestRecoverClosesInterruptedCycleAndReseedsQuota(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	first := h.daemon(t, h.store, nil)
	_, err := first.RunCycle(ctx)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	_, err = first.RunCycle(ctx)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	require.NoError(t, h.store.SaveCheckpoint(ctx, store.Checkpoint{
		CycleID:   "crashed",
		StartedAt: h.clock.Now(),
		Status:    store.CheckpointRunning,
		Actions:   map[string]int{},
	}))

	// A fresh process: new limiter, same store.
	restarted := newHarness(t)
	restarted.store = h.store
	restarted.clock = h.clock
	d := restarted.daemon(t, h.store, nil)
	require.NoError(t, d.Recover(ctx))

	cp, err := h.store.LatestCheckpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, "crashed", cp.CycleID)
	require.Equal(t, store.CheckpointAborted, cp.Status)
	require.Equal(t, "unclean shutdown", cp.Note)

	st := restarted.limiter.Status(h.clock.Now())
	require.Equal(t, 1, st[outreach.KindJoin].HourCount)
	require.Equal(t, 1, st[outreach.KindJoin].DayCount)
	require.Equal(t, 2, st[outreach.KindEnrich].DayCount)

	h.clock.Advance(time.Minute)
	_, err = d.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, h.client.count(outreach.KindJoin), "joined entity is not re-attempted")
	require.Zero(t, restarted.client.count(outreach.KindJoin))
}

func TestSessionCapEndsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.feed.candidates = append(h.feed.candidates, outreach.Candidate{ID: "mid", Attributes: outreach.Attributes{storetest.AttrScore: 80.0}})
	d := h.daemon(t, h.store, func(c *Config) { c.MaxActionsPerSession = 1 })

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop at the session ceiling")
	}
	require.Equal(t, 1, h.client.count(outreach.KindJoin))
	require.Equal(t, PhaseStopped, d.Status().Phase)
}

func TestRunSleepsUntilActiveWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.clock.Set(time.Date(2026, 5, 4, 3, 0, 0, 0, time.UTC))
	d := h.daemon(t, h.store, func(c *Config) { c.InactivePoll = 24 * time.Hour })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.clock.OnSleep(func(d time.Duration) {
		if d == 30*time.Minute {
			cancel()
		}
	})
	require.NoError(t, d.Run(ctx))

	slept := h.clock.Slept()
	require.NotEmpty(t, slept)
	require.Equal(t, 6*time.Hour, slept[0])
	cp, err := h.store.LatestCheckpoint(context.Background())
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC), cp.StartedAt)
}

func TestRunPausesAfterErrorBurst(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	d := h.daemon(t, h.store, func(c *Config) { c.ErrorThreshold = 2 })
	d.Session().RecordError(h.clock.Now())
	d.Session().RecordError(h.clock.Now())

	_, err := d.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrErrorThreshold)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.clock.OnSleep(func(d time.Duration) {
		if d == 30*time.Minute {
			cancel()
		}
	})
	require.NoError(t, d.Run(ctx))

	slept := h.clock.Slept()
	require.Equal(t, time.Hour, slept[0])
	require.True(t, h.events.has(progress.StageDaemonPaused))
	errs, err := h.store.RecentErrors(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, store.ScopeProcess, errs[0].Scope)
	require.Contains(t, errs[0].Message, "2 errors within 30m0s")
}

func TestFeedErrorsDoNotAbortCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.feed.err = errors.New("upstream 502")
	d := h.daemon(t, h.store, nil)

	report, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Ingested)
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)
}

// Package storetest holds behavioural tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/store"
)

// Factory builds an empty store for one test.
type Factory func(t *testing.T, cfg store.Config) store.Store

// Epoch is the fixed instant the suite builds timestamps from.
var Epoch = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

// AttrScore is read verbatim by the suite's scorer.
const AttrScore = "score"

type attrScorer struct{}

func (attrScorer) Score(attrs outreach.Attributes) outreach.ScoreResult {
	v, _ := attrs.Float(AttrScore)
	return outreach.ScoreResult{Score: v, Tier: outreach.TierFor(v), Version: "w-test"}
}

// Rules returns the rules the suite runs with.
func Rules() outreach.Rules {
	return outreach.Rules{
		Scorer:      attrScorer{},
		Threshold:   50,
		MaxAttempts: map[outreach.ActionKind]int{outreach.KindJoin: 2, outreach.KindEnrich: 3},
	}
}

// Run exercises the full store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	build := func(t *testing.T) store.Store {
		t.Helper()
		s := newStore(t, store.Config{Rules: Rules(), Location: time.UTC})
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("upsert merges absent attributes", func(t *testing.T) {
		s := build(t)
		ctx := context.Background()

		e, isNew, err := s.Upsert(ctx, candidate("tok-1", Epoch, outreach.Attributes{"name": "One", AttrScore: 10.0}))
		require.NoError(t, err)
		require.True(t, isNew)
		require.Equal(t, outreach.StateDiscovered, e.State)
		require.InDelta(t, 10.0, e.Score, 1e-9)
		require.Equal(t, "w-test", e.WeightsVersion)

		e, isNew, err = s.Upsert(ctx, candidate("tok-1", Epoch.Add(time.Minute), outreach.Attributes{
			"name":  "Renamed",
			"chain": "solana",
		}))
		require.NoError(t, err)
		require.False(t, isNew)
		assert.Equal(t, "One", e.Attributes.String("name"))
		assert.Equal(t, "solana", e.Attributes.String("chain"))

		got, err := s.Get(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, "solana", got.Attributes.String("chain"))
		assert.True(t, got.CreatedAt.Equal(Epoch))
	})

	t.Run("upsert rescores when attributes arrive", func(t *testing.T) {
		s := build(t)
		ctx := context.Background()

		_, _, err := s.Upsert(ctx, candidate("tok-1", Epoch, outreach.Attributes{"name": "One"}))
		require.NoError(t, err)
		e, _, err := s.Upsert(ctx, candidate("tok-1", Epoch, outreach.Attributes{AttrScore: 80.0}))
		require.NoError(t, err)
		require.InDelta(t, 80.0, e.Score, 1e-9)
		require.Equal(t, outreach.TierB, e.Tier)
	})

	t.Run("success replay is a no-op", func(t *testing.T) {
		s := build(t)
		ctx := context.Background()
		seed(t, s, "tok-1", 60)

		at := Epoch.Add(time.Minute)
		first, err := s.RecordOutcome(ctx, "tok-1", attempt(outreach.KindEnrich, outreach.Success{}, at))
		require.NoError(t, err)
		require.Equal(t, outreach.StateEnriched, first.State)

		again, err := s.RecordOutcome(ctx, "tok-1", attempt(outreach.KindEnrich, outreach.Success{}, at.Add(time.Minute)))
		require.NoError(t, err)
		require.Equal(t, outreach.StateEnriched, again.State)
		require.Len(t, again.History, 1)

		_, err = s.RecordOutcome(ctx, "tok-1", attempt(outreach.KindEnrich, outreach.RetryableFailure{Cause: "late"}, at))
		require.ErrorIs(t, err, outreach.ErrInvalidTransition)

		counts, err := s.DailyCounts(ctx, outreach.DayKey(at, time.UTC))
		require.NoError(t, err)
		require.Equal(t, []store.DailyCount{{
			Day: outreach.DayKey(at, time.UTC), Kind: outreach.KindEnrich, Outcome: outreach.ClassSuccess, Count: 1,
		}}, counts)
	})

	t.Run("unknown entity", func(t *testing.T) {
		s := build(t)
		ctx := context.Background()

		_, err := s.Get(ctx, "missing")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.RecordOutcome(ctx, "missing", attempt(outreach.KindEnrich, outreach.Success{}, Epoch))
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.Qualify(ctx, "missing", Epoch)
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.MarkResponded(ctx, "missing", Epoch)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("query eligible orders by tier score id", func(t *testing.T) {
		s := build(t)
		ctx := context.Background()
		for id, score := range map[string]float64{"b": 75, "y": 55, "a": 75, "x": 95, "z": 40} {
			seed(t, s, id, score)
			qualify(t, s, id)
		}

		got, err := s.QueryEligible(ctx, outreach.KindJoin, 10, Epoch.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, []string{"x", "a", "b", "y"}, ids(got))

		got, err = s.QueryEligible(ctx, outreach.KindJoin, 2, Epoch.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, []string{"x", "a"}, ids(got))

		z, err := s.Get(ctx, "z")
		require.NoError(t, err)
		require.Equal(t, outreach.StateDisqualified, z.State)
		require.Equal(t, "score 40.0 below threshold 50.0", z.StateReason)

		disq, err := s.ListByState(ctx, outreach.StateDisqualified, 0)
		require.NoError(t, err)
		require.Equal(t, []string{"z"}, ids(disq))
	})

	t.Run("retry time gates eligibility", func(t *testing.T) {
		s := build(t)
		ctx := context.Background()
		seed(t, s, "tok-1", 80)
		qualify(t, s, "tok-1")

		at := Epoch.Add(time.Hour)
		a := attempt(outreach.KindJoin, outreach.RetryableFailure{Cause: "timeout"}, at)
		a.RetryAt = at.Add(10 * time.Minute)
		e, err := s.RecordOutcome(ctx, "tok-1", a)
		require.NoError(t, err)
		require.Equal(t, outreach.StateQualified, e.State)
		require.Equal(t, 1, e.Attempts[outreach.KindJoin])

		got, err := s.QueryEligible(ctx, outreach.KindJoin, 10, at.Add(5*time.Minute))
		require.NoError(t, err)
		require.Empty(t, got)

		got, err = s.QueryEligible(ctx, outreach.KindJoin, 10, at.Add(11*time.Minute))
		require.NoError(t, err)
		require.Equal(t, []string{"tok-1"}, ids(got))
		require.Equal(t, 1, got[0].Attempts[outreach.KindJoin])
	})

	t.Run("retries exhaust the entity", func(t *testing.T) {
		s := build(t)
		ctx := context.Background()
		seed(t, s, "tok-1", 80)
		qualify(t, s, "tok-1")

		at := Epoch.Add(time.Hour)
		var e outreach.Entity
		var err error
		for i := range 2 {
			e, err = s.RecordOutcome(ctx, "tok-1",
				attempt(outreach.KindJoin, outreach.RetryableFailure{Cause: "timeout"}, at.Add(time.Duration(i)*time.Minute)))
			require.NoError(t, err)
		}
		require.Equal(t, outreach.StateExhausted, e.State)
		require.Equal(t, outreach.ReasonRetriesExhausted, e.StateReason)
		require.Len(t, e.History, 3)
	})

	t.Run("full pipeline to responded", func(t *testing.T) {
		s := build(t)
		ctx := context.Background()
		seed(t, s, "tok-1", 92)
		qualify(t, s, "tok-1")

		at := Epoch.Add(time.Hour)
		_, err := s.RecordOutcome(ctx, "tok-1", attempt(outreach.KindJoin, outreach.Success{}, at))
		require.NoError(t, err)
		e, err := s.RecordOutcome(ctx, "tok-1", attempt(outreach.KindIdentify, outreach.Success{
			Attributes: outreach.Attributes{"target_admin": "@owner"},
		}, at.Add(time.Minute)))
		require.NoError(t, err)
		require.Equal(t, outreach.StateAdminIdentified, e.State)
		require.Equal(t, "@owner", e.Attributes.String("target_admin"))

		_, err = s.MarkResponded(ctx, "tok-1", at)
		require.ErrorIs(t, err, outreach.ErrInvalidTransition)

		_, err = s.RecordOutcome(ctx, "tok-1", attempt(outreach.KindMessage, outreach.Success{}, at.Add(2*time.Minute)))
		require.NoError(t, err)
		e, err = s.MarkResponded(ctx, "tok-1", at.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, outreach.StateResponded, e.State)
		e, err = s.MarkResponded(ctx, "tok-1", at.Add(2*time.Hour))
		require.NoError(t, err)
		require.Equal(t, outreach.StateResponded, e.State)

		since, err := s.SuccessesSince(ctx, outreach.KindJoin, at.Add(-time.Minute))
		require.NoError(t, err)
		require.Len(t, since, 1)
		require.True(t, since[0].Equal(at))

		last, ok := e.LastAction()
		require.True(t, ok)
		require.Equal(t, outreach.KindMessage, last.Kind)
	})

	t.Run("permanent skip and fatal", func(t *testing.T) {
		s := build(t)
		ctx := context.Background()
		seed(t, s, "tok-1", 80)
		qualify(t, s, "tok-1")

		at := Epoch.Add(time.Hour)
		e, err := s.RecordOutcome(ctx, "tok-1", attempt(outreach.KindJoin, outreach.Fatal{Cause: "session revoked"}, at))
		require.NoError(t, err)
		require.Equal(t, outreach.StateQualified, e.State)
		require.Len(t, e.History, 2)

		e, err = s.RecordOutcome(ctx, "tok-1", attempt(outreach.KindJoin, outreach.PermanentSkip{Cause: "private group"}, at))
		require.NoError(t, err)
		require.Equal(t, outreach.StateExhausted, e.State)
		require.Equal(t, "private group", e.StateReason)
	})

	t.Run("list is ordered by id", func(t *testing.T) {
		s := build(t)
		ctx := context.Background()
		for _, id := range []string{"c", "a", "b"} {
			seed(t, s, id, 10)
		}
		all, err := s.List(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, ids(all))
	})

	t.Run("checkpoints", func(t *testing.T) {
		s := build(t)
		ctx := context.Background()

		_, err := s.LatestCheckpoint(ctx)
		require.ErrorIs(t, err, store.ErrNotFound)

		older := store.Checkpoint{CycleID: "c-1", StartedAt: Epoch, Status: store.CheckpointCompleted,
			FinishedAt: Epoch.Add(time.Minute), Actions: map[string]int{"join": 1}}
		require.NoError(t, s.SaveCheckpoint(ctx, older))
		cp := store.Checkpoint{CycleID: "c-2", StartedAt: Epoch.Add(time.Hour), Status: store.CheckpointRunning,
			Actions: map[string]int{}}
		require.NoError(t, s.SaveCheckpoint(ctx, cp))
		cp.Status = store.CheckpointCompleted
		cp.FinishedAt = Epoch.Add(2 * time.Hour)
		cp.Actions = map[string]int{"enrich": 3}
		cp.Note = "ok"
		require.NoError(t, s.SaveCheckpoint(ctx, cp))

		latest, err := s.LatestCheckpoint(ctx)
		require.NoError(t, err)
		require.Equal(t, "c-2", latest.CycleID)
		require.Equal(t, store.CheckpointCompleted, latest.Status)
		require.Equal(t, map[string]int{"enrich": 3}, latest.Actions)
		require.Equal(t, "ok", latest.Note)
		require.True(t, latest.FinishedAt.Equal(cp.FinishedAt))
	})

	t.Run("error log is newest first", func(t *testing.T) {
		s := build(t)
		ctx := context.Background()
		for i, msg := range []string{"first", "second", "third"} {
			require.NoError(t, s.LogError(ctx, store.ErrorEntry{
				At:      Epoch.Add(time.Duration(i) * time.Minute),
				Scope:   store.ScopeKind,
				Kind:    outreach.KindJoin,
				Message: msg,
			}))
		}
		got, err := s.RecentErrors(ctx, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, "third", got[0].Message)
		require.Equal(t, "second", got[1].Message)
		require.Equal(t, store.ScopeKind, got[0].Scope)
		require.Equal(t, outreach.KindJoin, got[0].Kind)
	})
}

func candidate(id string, at time.Time, attrs outreach.Attributes) outreach.Candidate {
	return outreach.Candidate{ID: id, Attributes: attrs, SeenAt: at}
}

func attempt(kind outreach.ActionKind, o outreach.Outcome, at time.Time) outreach.Attempt {
	return outreach.Attempt{Kind: kind, Outcome: o, At: at}
}

func seed(t *testing.T, s store.Store, id string, score float64) {
	t.Helper()
	_, _, err := s.Upsert(context.Background(), candidate(id, Epoch, outreach.Attributes{AttrScore: score}))
	require.NoError(t, err)
}

func qualify(t *testing.T, s store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.RecordOutcome(ctx, id, attempt(outreach.KindEnrich, outreach.Success{}, Epoch.Add(time.Second)))
	require.NoError(t, err)
	_, err = s.Qualify(ctx, id, Epoch.Add(2*time.Second))
	require.NoError(t, err)
}

func ids(entities []outreach.Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.ID
	}
	return out
}

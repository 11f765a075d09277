// Package memory provides in-process entity and blob stores for tests and dry
// runs.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/store"
)

type counterKey struct {
	day     string
	kind    outreach.ActionKind
	outcome outreach.OutcomeClass
}

// Store is an in-memory store.Store for development and tests. Nothing
// survives a restart.
type Store struct {
	cfg store.Config

	mu          sync.RWMutex
	entities    map[string]outreach.Entity
	counters    map[counterKey]int
	checkpoints []store.Checkpoint
	errors      []store.ErrorEntry
}

var _ store.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore(cfg store.Config) *Store {
	return &Store{
		cfg:      cfg,
		entities: make(map[string]outreach.Entity),
		counters: make(map[counterKey]int),
	}
}

// Upsert implements store.EntityStore.
func (s *Store) Upsert(_ context.Context, c outreach.Candidate) (outreach.Entity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.entities[c.ID]
	if !ok {
		e := outreach.NewEntity(c, s.cfg.Rules)
		s.entities[c.ID] = e
		return e.Clone(), true, nil
	}
	merged, changed := outreach.Merge(existing, c, s.cfg.Rules)
	if changed {
		s.entities[c.ID] = merged
	}
	return merged.Clone(), false, nil
}

// RecordOutcome implements store.EntityStore.
func (s *Store) RecordOutcome(_ context.Context, id string, a outreach.Attempt) (outreach.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return outreach.Entity{}, store.ErrNotFound
	}
	next, changed, err := outreach.Apply(e, a, s.cfg.Rules)
	if err != nil {
		return e.Clone(), err
	}
	if changed {
		s.entities[id] = next
		s.counters[counterKey{
			day:     outreach.DayKey(a.At, s.cfg.Loc()),
			kind:    a.Kind,
			outcome: a.Outcome.Class(),
		}]++
	}
	return next.Clone(), nil
}

// QueryEligible implements store.EntityStore.
func (s *Store) QueryEligible(
	_ context.Context,
	kind outreach.ActionKind,
	limit int,
	now time.Time,
) ([]outreach.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]outreach.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		all = append(all, e)
	}
	selected := outreach.SelectEligible(all, kind, limit, now)
	for i := range selected {
		selected[i] = selected[i].Clone()
	}
	return selected, nil
}

// ListByState implements store.EntityStore.
func (s *Store) ListByState(_ context.Context, state outreach.State, limit int) ([]outreach.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []outreach.Entity
	for _, e := range s.entities {
		if e.State == state {
			out = append(out, e.Clone())
		}
	}
	slices.SortFunc(out, byID)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Qualify implements store.EntityStore.
func (s *Store) Qualify(_ context.Context, id string, at time.Time) (outreach.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return outreach.Entity{}, store.ErrNotFound
	}
	next, err := outreach.Qualify(e, s.cfg.Rules, at)
	if err != nil {
		return e.Clone(), err
	}
	s.entities[id] = next
	return next.Clone(), nil
}

// MarkResponded implements store.EntityStore.
func (s *Store) MarkResponded(_ context.Context, id string, at time.Time) (outreach.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return outreach.Entity{}, store.ErrNotFound
	}
	next, changed, err := outreach.MarkResponded(e, at)
	if err != nil {
		return e.Clone(), err
	}
	if changed {
		s.entities[id] = next
	}
	return next.Clone(), nil
}

// Get implements store.EntityStore.
func (s *Store) Get(_ context.Context, id string) (outreach.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return outreach.Entity{}, store.ErrNotFound
	}
	return e.Clone(), nil
}

// List implements store.EntityStore.
func (s *Store) List(_ context.Context) ([]outreach.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]outreach.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.Clone())
	}
	slices.SortFunc(out, byID)
	return out, nil
}

// DailyCounts implements store.QuotaRepository.
func (s *Store) DailyCounts(_ context.Context, day string) ([]store.DailyCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.DailyCount
	for k, n := range s.counters {
		if k.day == day {
			out = append(out, store.DailyCount{Day: k.day, Kind: k.kind, Outcome: k.outcome, Count: n})
		}
	}
	slices.SortFunc(out, func(a, b store.DailyCount) int {
		if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		return cmp.Compare(a.Outcome, b.Outcome)
	})
	return out, nil
}

// SuccessesSince implements store.QuotaRepository.
func (s *Store) SuccessesSince(_ context.Context, kind outreach.ActionKind, since time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []time.Time
	for _, e := range s.entities {
		for _, rec := range e.History {
			if rec.Kind == kind && rec.Outcome == outreach.ClassSuccess && !rec.At.Before(since) {
				out = append(out, rec.At)
			}
		}
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out, nil
}

// SaveCheckpoint implements store.CheckpointRepository. Saving an existing
// cycle id replaces it.
func (s *Store) SaveCheckpoint(_ context.Context, cp store.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.checkpoints {
		if s.checkpoints[i].CycleID == cp.CycleID {
			s.checkpoints[i] = cp
			return nil
		}
	}
	s.checkpoints = append(s.checkpoints, cp)
	return nil
}

// LatestCheckpoint implements store.CheckpointRepository.
func (s *Store) LatestCheckpoint(_ context.Context) (store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.checkpoints) == 0 {
		return store.Checkpoint{}, store.ErrNotFound
	}
	latest := s.checkpoints[0]
	for _, cp := range s.checkpoints[1:] {
		if !cp.StartedAt.Before(latest.StartedAt) {
			latest = cp
		}
	}
	return latest, nil
}

// LogError implements store.ErrorLog.
func (s *Store) LogError(_ context.Context, entry store.ErrorEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, entry)
	return nil
}

// RecentErrors implements store.ErrorLog.
func (s *Store) RecentErrors(_ context.Context, limit int) ([]store.ErrorEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.errors)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]store.ErrorEntry, 0, n)
	for i := len(s.errors) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.errors[i])
	}
	return out, nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return nil
}

func byID(a, b outreach.Entity) int {
	return cmp.Compare(a.ID, b.ID)
}

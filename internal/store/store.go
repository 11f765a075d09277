package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/outreach-daemon/internal/outreach"
)

// ErrNotFound signals that the requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

// Error wraps a persistence failure. Callers treat it as fatal for the current
// cycle.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns err as a *Error unless it is nil, already a *Error, or a
// domain error that callers must be able to match directly.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) || errors.Is(err, ErrNotFound) || errors.Is(err, outreach.ErrInvalidTransition) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Config carries the run-scoped rules shared by every implementation.
type Config struct {
	Rules outreach.Rules
	// Location buckets daily counters into calendar days.
	Location *time.Location
}

// Loc returns the configured location, defaulting to UTC.
func (c Config) Loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// EntityStore persists entities and their action history.
type EntityStore interface {
	// Upsert inserts an unseen candidate or merges absent attributes into an
	// existing entity. The boolean reports whether the entity is new.
	Upsert(ctx context.Context, c outreach.Candidate) (outreach.Entity, bool, error)
	// RecordOutcome applies an attempt through the state machine. Replaying a
	// success returns the unchanged entity.
	RecordOutcome(ctx context.Context, id string, a outreach.Attempt) (outreach.Entity, error)
	// QueryEligible returns entities whose state permits kind and whose
	// NextEligibleAt is not after now, best first.
	QueryEligible(ctx context.Context, kind outreach.ActionKind, limit int, now time.Time) ([]outreach.Entity, error)
	// ListByState returns up to limit entities in state, ordered by id.
	ListByState(ctx context.Context, state outreach.State, limit int) ([]outreach.Entity, error)
	// Qualify moves an ENRICHED entity to QUALIFIED or DISQUALIFIED.
	Qualify(ctx context.Context, id string, at time.Time) (outreach.Entity, error)
	// MarkResponded moves a CONTACTED entity to RESPONDED.
	MarkResponded(ctx context.Context, id string, at time.Time) (outreach.Entity, error)
	// Get loads one entity.
	Get(ctx context.Context, id string) (outreach.Entity, error)
	// List returns every entity ordered by id.
	List(ctx context.Context) ([]outreach.Entity, error)
}

// DailyCount is one row of the per-day action counters.
type DailyCount struct {
	Day     string                `json:"day"`
	Kind    outreach.ActionKind   `json:"kind"`
	Outcome outreach.OutcomeClass `json:"outcome"`
	Count   int                   `json:"count"`
}

// QuotaRepository exposes the counters the rate limiter is reseeded from.
type QuotaRepository interface {
	DailyCounts(ctx context.Context, day string) ([]DailyCount, error)
	SuccessesSince(ctx context.Context, kind outreach.ActionKind, since time.Time) ([]time.Time, error)
}

// CheckpointStatus is the lifecycle of a daemon cycle.
type CheckpointStatus string

// Checkpoint statuses.
const (
	CheckpointRunning   CheckpointStatus = "running"
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointAborted   CheckpointStatus = "aborted"
	CheckpointStopped   CheckpointStatus = "stopped"
)

// Checkpoint records the progress of one cycle.
type Checkpoint struct {
	CycleID    string           `json:"cycle_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at,omitzero"`
	Status     CheckpointStatus `json:"status"`
	Actions    map[string]int   `json:"actions"`
	Note       string           `json:"note,omitempty"`
}

// CheckpointRepository stores cycle checkpoints.
type CheckpointRepository interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	// LatestCheckpoint returns ErrNotFound when no cycle has run.
	LatestCheckpoint(ctx context.Context) (Checkpoint, error)
}

// ErrorScope names what a logged error affected.
type ErrorScope string

// Error scopes.
const (
	ScopeEntity  ErrorScope = "entity"
	ScopeKind    ErrorScope = "action_kind"
	ScopeProcess ErrorScope = "process"
)

// ErrorEntry is one operator-visible error log row.
type ErrorEntry struct {
	At       time.Time           `json:"at"`
	Scope    ErrorScope          `json:"scope"`
	Kind     outreach.ActionKind `json:"kind,omitempty"`
	EntityID string              `json:"entity_id,omitempty"`
	Message  string              `json:"message"`
}

// ErrorLog keeps an append-only record of pauses and failures.
type ErrorLog interface {
	LogError(ctx context.Context, entry ErrorEntry) error
	// RecentErrors returns up to limit entries, newest first.
	RecentErrors(ctx context.Context, limit int) ([]ErrorEntry, error)
}

// Store is the full persistence surface used by the daemon.
type Store interface {
	EntityStore
	QuotaRepository
	CheckpointRepository
	ErrorLog
	Close() error
}

package outreach

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when an attempt does not fit the entity's
// current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// ReasonRetriesExhausted is the state reason recorded when an entity runs out
// of retryable attempts for a kind.
const ReasonRetriesExhausted = "retries exhausted"

// ScoreResult is the output of a Scorer.
type ScoreResult struct {
	Score   float64
	Tier    Tier
	Version string
}

// Scorer maps attributes to a score. Implementations must be pure.
type Scorer interface {
	Score(attrs Attributes) ScoreResult
}

// Rules carries the run-scoped parameters of the state machine.
type Rules struct {
	Scorer    Scorer
	Threshold float64
	// MaxAttempts caps retryable attempts per kind. Zero means unlimited.
	MaxAttempts map[ActionKind]int
}

func (r Rules) rescore(e *Entity) {
	if r.Scorer == nil {
		return
	}
	res := r.Scorer.Score(e.Attributes)
	e.Score = res.Score
	e.Tier = res.Tier
	e.WeightsVersion = res.Version
}

// NewEntity builds the first-sighting entity for a candidate.
func NewEntity(c Candidate, rules Rules) Entity {
	e := Entity{
		ID:         c.ID,
		Attributes: c.Attributes.Clone(),
		Tier:       TierD,
		State:      StateDiscovered,
		Attempts:   map[ActionKind]int{},
		CreatedAt:  c.SeenAt,
		UpdatedAt:  c.SeenAt,
	}
	rules.rescore(&e)
	return e
}

// Merge augments an existing entity with a later sighting. Present attributes
// are kept; the score is recomputed only when something was added.
func Merge(e Entity, c Candidate, rules Rules) (Entity, bool) {
	out := e.Clone()
	if out.Attributes.MergeAbsent(c.Attributes) == 0 {
		return e, false
	}
	rules.rescore(&out)
	out.UpdatedAt = c.SeenAt
	return out, true
}

// Apply records an attempt against an entity and returns the next entity. The
// boolean is false when the attempt was an idempotent replay and nothing needs
// persisting.
func Apply(e Entity, a Attempt, rules Rules) (Entity, bool, error) {
	if a.Outcome == nil {
		return e, false, fmt.Errorf("%w: missing outcome", ErrInvalidTransition)
	}
	if e.Succeeded(a.Kind) {
		if a.Outcome.Class() == ClassSuccess {
			return e, false, nil
		}
		return e, false, fmt.Errorf("%w: %s already succeeded for %s", ErrInvalidTransition, a.Kind, e.ID)
	}
	if a.Kind.Gate() == "" {
		return e, false, fmt.Errorf("%w: unknown kind %q", ErrInvalidTransition, a.Kind)
	}
	if e.State != a.Kind.Gate() {
		return e, false, fmt.Errorf("%w: %s not allowed in state %s", ErrInvalidTransition, a.Kind, e.State)
	}

	out := e.Clone()
	if out.Attempts == nil {
		out.Attempts = map[ActionKind]int{}
	}
	rec := ActionRecord{
		Kind:    a.Kind,
		At:      a.At,
		Outcome: a.Outcome.Class(),
		Reason:  a.Outcome.Reason(),
	}

	switch o := a.Outcome.(type) {
	case Success:
		if out.Attributes.MergeAbsent(o.Attributes) > 0 {
			rules.rescore(&out)
		}
		out.State = a.Kind.Advance()
		out.StateReason = ""
		out.NextEligibleAt = a.RetryAt
	case RetryableFailure:
		rec.Delay = o.SuggestedDelay
		out.Attempts[a.Kind]++
		if limit := rules.MaxAttempts[a.Kind]; limit > 0 && out.Attempts[a.Kind] >= limit {
			out.State = StateExhausted
			out.StateReason = ReasonRetriesExhausted
			break
		}
		next := a.RetryAt
		if hinted := a.At.Add(o.SuggestedDelay); hinted.After(next) {
			next = hinted
		}
		out.NextEligibleAt = next
	case PermanentSkip:
		out.State = a.Kind.Refused()
		out.StateReason = o.Cause
	case Fatal:
		// The credential is at fault, not the entity.
	default:
		return e, false, fmt.Errorf("%w: unsupported outcome %T", ErrInvalidTransition, a.Outcome)
	}

	out.History = append(out.History, rec)
	out.UpdatedAt = a.At
	return out, true, nil
}

// Qualify moves an enriched entity to QUALIFIED or DISQUALIFIED.
func Qualify(e Entity, rules Rules, at time.Time) (Entity, error) {
	if e.State != StateEnriched {
		return e, fmt.Errorf("%w: qualify requires %s, entity is %s", ErrInvalidTransition, StateEnriched, e.State)
	}
	out := e.Clone()
	if out.Score >= rules.Threshold {
		out.State = StateQualified
		out.StateReason = ""
	} else {
		out.State = StateDisqualified
		out.StateReason = fmt.Sprintf("score %.1f below threshold %.1f", out.Score, rules.Threshold)
	}
	out.UpdatedAt = at
	return out, nil
}

// MarkResponded records an observed reply. Replaying it is a no-op.
func MarkResponded(e Entity, at time.Time) (Entity, bool, error) {
	switch e.State {
	case StateResponded:
		return e, false, nil
	case StateContacted:
		out := e.Clone()
		out.State = StateResponded
		out.StateReason = ""
		out.UpdatedAt = at
		return out, true, nil
	default:
		return e, false, fmt.Errorf("%w: respond requires %s, entity is %s", ErrInvalidTransition, StateContacted, e.State)
	}
}

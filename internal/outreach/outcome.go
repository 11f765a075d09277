package outreach

import (
	"fmt"
	"time"
)

// OutcomeClass is the persisted name of an outcome variant.
type OutcomeClass string

// Outcome classes.
const (
	ClassSuccess   OutcomeClass = "success"
	ClassRetryable OutcomeClass = "retryable"
	ClassSkip      OutcomeClass = "permanent_skip"
	ClassFatal     OutcomeClass = "fatal"
)

// ParseOutcomeClass validates a persisted outcome class.
func ParseOutcomeClass(raw string) (OutcomeClass, error) {
	switch c := OutcomeClass(raw); c {
	case ClassSuccess, ClassRetryable, ClassSkip, ClassFatal:
		return c, nil
	default:
		return "", fmt.Errorf("unknown outcome class %q", raw)
	}
}

// Outcome is the classified result of one attempt. The set of variants is
// closed: Success, RetryableFailure, PermanentSkip and Fatal.
type Outcome interface {
	Class() OutcomeClass
	Reason() string
	outcome()
}

// Success means the effect was applied. Attributes learned by the action are
// merged into the entity.
type Success struct {
	Attributes Attributes
}

// RetryableFailure is a transient failure. SuggestedDelay carries an explicit
// cool-down instruction from the collaborator when non-zero.
type RetryableFailure struct {
	Cause          string
	SuggestedDelay time.Duration
}

// PermanentSkip means the target refuses or is structurally ineligible.
type PermanentSkip struct {
	Cause string
}

// Fatal means the acting credential or session is unusable.
type Fatal struct {
	Cause string
}

// Class implements Outcome.
func (Success) Class() OutcomeClass { return ClassSuccess }

// Reason implements Outcome.
func (Success) Reason() string { return "" }

func (Success) outcome() {}

// Class implements Outcome.
func (RetryableFailure) Class() OutcomeClass { return ClassRetryable }

// Reason implements Outcome.
func (r RetryableFailure) Reason() string { return r.Cause }

func (RetryableFailure) outcome() {}

// Class implements Outcome.
func (PermanentSkip) Class() OutcomeClass { return ClassSkip }

// Reason implements Outcome.
func (p PermanentSkip) Reason() string { return p.Cause }

func (PermanentSkip) outcome() {}

// Class implements Outcome.
func (Fatal) Class() OutcomeClass { return ClassFatal }

// Reason implements Outcome.
func (f Fatal) Reason() string { return f.Cause }

func (Fatal) outcome() {}

// Attempt is an outcome ready to be recorded against an entity.
type Attempt struct {
	Kind    ActionKind
	Outcome Outcome
	At      time.Time
	// RetryAt is the earliest time the entity may be attempted again. The
	// limiter computes it; zero means immediately.
	RetryAt time.Time
}

package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/outreach-daemon/internal/outreach"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageCycleStart   Stage = "CYCLE_START"
	StageCycleDone    Stage = "CYCLE_DONE"
	StageCycleError   Stage = "CYCLE_ERROR"
	StageActionDone   Stage = "ACTION_DONE"
	StageKindPaused   Stage = "KIND_PAUSED"
	StageDaemonPaused Stage = "DAEMON_PAUSED"
)

// Event captures one daemon milestone.
type Event struct {
	// CycleID is the 16-byte UUID of the cycle that produced the event.
	CycleID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Kind, EntityID, Outcome, Tier and State describe an action; Kind alone
	// scopes a kind pause.
	Kind     outreach.ActionKind
	EntityID string
	Outcome  outreach.OutcomeClass
	Tier     outreach.Tier
	State    outreach.State
	// Dur is the action latency or the cycle wall time.
	Dur time.Duration
	// Note carries low-volume context such as the outcome reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCycleStart, StageCycleDone, StageCycleError:
		if e.CycleID == [16]byte{} {
			return errors.New("cycle id is required")
		}
	case StageActionDone:
		if e.CycleID == [16]byte{} {
			return errors.New("cycle id is required")
		}
		if e.Kind == "" || e.EntityID == "" {
			return errors.New("action event requires kind and entity id")
		}
		if e.Outcome == "" {
			return errors.New("action event requires outcome")
		}
	case StageKindPaused:
		if e.Kind == "" {
			return errors.New("kind pause requires kind")
		}
	case StageDaemonPaused:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// CycleUUID converts the binary cycle ID to uuid.UUID.
func (e Event) CycleUUID() uuid.UUID {
	return uuid.UUID(e.CycleID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

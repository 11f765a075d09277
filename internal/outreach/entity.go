package outreach

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// State is the lifecycle stage of an entity.
type State string

// Entity lifecycle states.
const (
	StateDiscovered      State = "DISCOVERED"
	StateEnriched        State = "ENRICHED"
	StateQualified       State = "QUALIFIED"
	StateDisqualified    State = "DISQUALIFIED"
	StateGroupJoined     State = "GROUP_JOINED"
	StateAdminIdentified State = "ADMIN_IDENTIFIED"
	StateContacted       State = "CONTACTED"
	StateResponded       State = "RESPONDED"
	StateExhausted       State = "EXHAUSTED"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateDiscovered, StateEnriched, StateQualified, StateDisqualified, StateGroupJoined,
		StateAdminIdentified, StateContacted, StateResponded, StateExhausted:
		return true
	}
	return false
}

// Terminal reports whether no action of this pipeline can move the entity on.
func (s State) Terminal() bool {
	switch s {
	case StateDisqualified, StateResponded, StateExhausted:
		return true
	}
	return false
}

// Tier is the coarse quality bucket derived from a score.
type Tier string

// Quality tiers, best first.
const (
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
	TierD Tier = "D"
)

// TierFor maps a 0-100 score onto a tier.
func TierFor(score float64) Tier {
	switch {
	case score >= 90:
		return TierA
	case score >= 70:
		return TierB
	case score >= 50:
		return TierC
	default:
		return TierD
	}
}

// Rank orders tiers so that a higher rank means a better tier.
func (t Tier) Rank() int {
	switch t {
	case TierA:
		return 4
	case TierB:
		return 3
	case TierC:
		return 2
	case TierD:
		return 1
	default:
		return 0
	}
}

// ActionKind is one discrete external effect of the pipeline.
type ActionKind string

// Action kinds in pipeline order.
const (
	KindEnrich   ActionKind = "enrich"
	KindJoin     ActionKind = "join"
	KindIdentify ActionKind = "identify"
	KindMessage  ActionKind = "message"
)

// Kinds lists every action kind in pipeline order.
func Kinds() []ActionKind {
	return []ActionKind{KindEnrich, KindJoin, KindIdentify, KindMessage}
}

// ParseKind validates a textual action kind.
func ParseKind(raw string) (ActionKind, error) {
	kind := ActionKind(strings.ToLower(strings.TrimSpace(raw)))
	if kind.Gate() == "" {
		return "", fmt.Errorf("unknown action kind %q", raw)
	}
	return kind, nil
}

// Gate is the state an entity must be in for the kind to be attempted.
func (k ActionKind) Gate() State {
	switch k {
	case KindEnrich:
		return StateDiscovered
	case KindJoin:
		return StateQualified
	case KindIdentify:
		return StateGroupJoined
	case KindMessage:
		return StateAdminIdentified
	default:
		return ""
	}
}

// Advance is the state reached when the kind succeeds.
func (k ActionKind) Advance() State {
	switch k {
	case KindEnrich:
		return StateEnriched
	case KindJoin:
		return StateGroupJoined
	case KindIdentify:
		return StateAdminIdentified
	case KindMessage:
		return StateContacted
	default:
		return ""
	}
}

// Refused is the state reached when the target permanently refuses the kind.
func (k ActionKind) Refused() State {
	if k == KindEnrich {
		return StateDisqualified
	}
	return StateExhausted
}

// Attributes carries enrichment fields. Keys are only ever added.
type Attributes map[string]any

// Clone returns a shallow copy that is safe to mutate.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	return maps.Clone(a)
}

// MergeAbsent copies keys from extra that are not yet present and returns the
// number of keys added. Present keys are never overwritten.
func (a Attributes) MergeAbsent(extra Attributes) int {
	added := 0
	for k, v := range extra {
		if v == nil {
			continue
		}
		if _, ok := a[k]; ok {
			continue
		}
		a[k] = v
		added++
	}
	return added
}

// Float reads a numeric attribute tolerating the shapes JSON decoding and
// upstream feeds produce.
func (a Attributes) Float(key string) (float64, bool) {
	switch v := a[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// String reads a non-empty string attribute.
func (a Attributes) String(key string) string {
	v, ok := a[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// ActionRecord is one attempt in an entity's history.
type ActionRecord struct {
	Kind    ActionKind    `json:"kind"`
	At      time.Time     `json:"at"`
	Outcome OutcomeClass  `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
}

// Entity is a discovered candidate moving through the pipeline.
type Entity struct {
	ID             string             `json:"id"`
	Attributes     Attributes         `json:"attributes"`
	Score          float64            `json:"score"`
	Tier           Tier               `json:"tier"`
	WeightsVersion string             `json:"weights_version"`
	State          State              `json:"state"`
	StateReason    string             `json:"state_reason,omitempty"`
	History        []ActionRecord     `json:"history"`
	Attempts       map[ActionKind]int `json:"attempts,omitempty"`
	NextEligibleAt time.Time          `json:"next_eligible_at"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Clone deep-copies the mutable parts of the entity.
func (e Entity) Clone() Entity {
	out := e
	out.Attributes = e.Attributes.Clone()
	out.History = append([]ActionRecord(nil), e.History...)
	out.Attempts = maps.Clone(e.Attempts)
	return out
}

// Succeeded reports whether kind already has a success record.
func (e Entity) Succeeded(kind ActionKind) bool {
	for _, rec := range e.History {
		if rec.Kind == kind && rec.Outcome == ClassSuccess {
			return true
		}
	}
	return false
}

// LastAction returns the most recent history record, if any.
func (e Entity) LastAction() (ActionRecord, bool) {
	if len(e.History) == 0 {
		return ActionRecord{}, false
	}
	return e.History[len(e.History)-1], true
}

// EligibleFor reports whether kind may be attempted on the entity at now.
func (e Entity) EligibleFor(kind ActionKind, now time.Time) bool {
	if kind.Gate() == "" || e.State != kind.Gate() {
		return false
	}
	return !e.NextEligibleAt.After(now)
}

// Candidate is a raw record yielded by a feed.
type Candidate struct {
	ID         string
	Attributes Attributes
	SeenAt     time.Time
}

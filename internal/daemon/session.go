package daemon

import (
	"maps"
	"sync"
	"time"

	"github.com/JakeFAU/outreach-daemon/internal/metrics"
	"github.com/JakeFAU/outreach-daemon/internal/outreach"
)

// Pause describes why a kind stopped.
type Pause struct {
	Cause string    `json:"cause"`
	At    time.Time `json:"at"`
}

// SessionStatus is a snapshot of the run state.
type SessionStatus struct {
	StartedAt      time.Time                     `json:"started_at"`
	Actions        int                           `json:"actions"`
	MaxActions     int                           `json:"max_actions"`
	ErrorsInWindow int                           `json:"errors_in_window"`
	ErrorThreshold int                           `json:"error_threshold"`
	Paused         map[outreach.ActionKind]Pause `json:"paused"`
}

// Session is the explicit run state shared by the daemon and its workers:
// the session action ceiling, the process-wide error window and kind pauses.
// It is safe for concurrent use.
type Session struct {
	mu         sync.Mutex
	startedAt  time.Time
	maxActions int
	actions    int
	threshold  int
	window     time.Duration
	errors     []time.Time
	paused     map[outreach.ActionKind]Pause
}

// NewSession returns an empty run state. Zero maxActions or threshold
// disables the respective limit.
func NewSession(maxActions, threshold int, window time.Duration, startedAt time.Time) *Session {
	return &Session{
		startedAt:  startedAt,
		maxActions: maxActions,
		threshold:  threshold,
		window:     window,
		paused:     map[outreach.ActionKind]Pause{},
	}
}

// Paused implements worker.Session.
func (s *Session) Paused(kind outreach.ActionKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.paused[kind]
	return ok
}

// Halted implements worker.Session.
func (s *Session) Halted(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold > 0 && s.errorsSince(now) >= s.threshold
}

// Claim implements worker.Session. Enrichment is read-only toward the target
// and does not count against the ceiling.
func (s *Session) Claim(kind outreach.ActionKind) bool {
	if kind == outreach.KindEnrich {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxActions > 0 && s.actions >= s.maxActions {
		return false
	}
	s.actions++
	return true
}

// Unclaim implements worker.Session.
func (s *Session) Unclaim(kind outreach.ActionKind) {
	if kind == outreach.KindEnrich {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actions > 0 {
		s.actions--
	}
}

// CapReached reports whether the session ceiling is spent.
func (s *Session) CapReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActions > 0 && s.actions >= s.maxActions
}

// Observe implements worker.Session. A success clears the error run; a
// retryable failure without a cooldown hint or a fatal outcome extends it.
func (s *Session) Observe(_ outreach.ActionKind, outcome outreach.Outcome, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch o := outcome.(type) {
	case outreach.Success:
		s.errors = s.errors[:0]
	case outreach.RetryableFailure:
		if o.SuggestedDelay == 0 {
			s.errors = append(s.errors, at)
		}
	case outreach.Fatal:
		s.errors = append(s.errors, at)
	}
}

// RecordError adds a process-level failure, such as an aborted cycle, to the
// error window.
func (s *Session) RecordError(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, at)
}

// ResetErrors empties the error window after a cooldown.
func (s *Session) ResetErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = s.errors[:0]
}

// Pause implements worker.Session.
func (s *Session) Pause(kind outreach.ActionKind, cause string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[kind] = Pause{Cause: cause, At: at}
	metrics.SetKindPaused(string(kind), true)
}

// Resume lifts a kind pause. It reports whether the kind was paused.
func (s *Session) Resume(kind outreach.ActionKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.paused[kind]; !ok {
		return false
	}
	delete(s.paused, kind)
	metrics.SetKindPaused(string(kind), false)
	return true
}

// Status returns a snapshot at now.
func (s *Session) Status(now time.Time) SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatus{
		StartedAt:      s.startedAt,
		Actions:        s.actions,
		MaxActions:     s.maxActions,
		ErrorsInWindow: s.errorsSince(now),
		ErrorThreshold: s.threshold,
		Paused:         maps.Clone(s.paused),
	}
}

func (s *Session) errorsSince(now time.Time) int {
	if s.window <= 0 {
		return len(s.errors)
	}
	cutoff := now.Add(-s.window)
	n := 0
	for _, at := range s.errors {
		if at.After(cutoff) {
			n++
		}
	}
	return n
}

// Package ratelimit implements the per-action-kind governor: pacing between
// actions, error-driven backoff, account-maturity scaling and hourly/daily
// quotas.
package ratelimit

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/outreach-daemon/internal/outreach"
)

// ErrQuotaExhausted is returned by Acquire when the hourly or daily ceiling for
// a kind has been reached.
var ErrQuotaExhausted = errors.New("action quota exhausted")

// KindConfig governs one action kind.
type KindConfig struct {
	MaxPerHour    int
	MaxPerDay     int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxRetries    int
	MaxDelay      time.Duration
}

// MaturityBucket scales base delays for accounts younger than MaxAge.
type MaturityBucket struct {
	MaxAge     time.Duration
	Multiplier float64
}

// DefaultBuckets slows young accounts down.
func DefaultBuckets() []MaturityBucket {
	day := 24 * time.Hour
	return []MaturityBucket{
		{MaxAge: 7 * day, Multiplier: 3},
		{MaxAge: 30 * day, Multiplier: 2},
		{MaxAge: 90 * day, Multiplier: 1.5},
	}
}

// Config holds rate limiter configuration.
type Config struct {
	Kinds          map[outreach.ActionKind]KindConfig
	AccountAge     time.Duration
	Buckets        []MaturityBucket
	JitterFraction float64
	// Seed fixes the jitter sequence. Zero seeds from the wall clock.
	Seed uint64
	// Location defines calendar days for the daily quota.
	Location *time.Location
}

// Decision tells the caller when the entity may be attempted again.
type Decision struct {
	RetryAt      time.Time
	Delay        time.Duration
	CountedError bool
}

// KindStatus is a point-in-time view of one kind's limiter state.
type KindStatus struct {
	BaseDelay         time.Duration `json:"base_delay"`
	CurrentDelay      time.Duration `json:"current_delay"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	HourCount         int           `json:"hour_count"`
	DayCount          int           `json:"day_count"`
	Remaining         int           `json:"remaining"`
}

type kindState struct {
	cfg               KindConfig
	base              time.Duration
	current           time.Duration
	consecutiveErrors int
	hour              []time.Time
	day               string
	dayCount          int
	inFlight          int
	pacer             *rate.Limiter
}

// Limiter manages per-kind pacing and quotas. It is safe for concurrent use.
type Limiter struct {
	mu         sync.Mutex
	kinds      map[outreach.ActionKind]*kindState
	rng        *rand.Rand
	jitter     float64
	loc        *time.Location
	multiplier float64
}

// New creates a new Limiter.
func New(cfg Config) (*Limiter, error) {
	if len(cfg.Kinds) == 0 {
		return nil, fmt.Errorf("at least one action kind must be configured")
	}
	if cfg.JitterFraction < 0 || cfg.JitterFraction >= 1 {
		return nil, fmt.Errorf("jitter fraction must be in [0,1)")
	}
	multiplier, err := maturityMultiplier(cfg.AccountAge, cfg.Buckets)
	if err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	l := &Limiter{
		kinds:      make(map[outreach.ActionKind]*kindState, len(cfg.Kinds)),
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		jitter:     cfg.JitterFraction,
		loc:        loc,
		multiplier: multiplier,
	}
	for kind, kc := range cfg.Kinds {
		if kind.Gate() == "" {
			return nil, fmt.Errorf("unknown action kind %q", kind)
		}
		if kc.BaseDelay < 0 || kc.BackoffFactor < 0 || kc.MaxPerHour < 0 || kc.MaxPerDay < 0 {
			return nil, fmt.Errorf("%s: limits and delays must be >= 0", kind)
		}
		base := time.Duration(float64(kc.BaseDelay) * multiplier)
		if kc.MaxDelay <= 0 {
			kc.MaxDelay = base * 10
		}
		if kc.MaxDelay < base {
			kc.MaxDelay = base
		}
		l.kinds[kind] = &kindState{
			cfg:     kc,
			base:    base,
			current: base,
			pacer:   rate.NewLimiter(every(base), 1),
		}
	}
	return l, nil
}

func maturityMultiplier(age time.Duration, buckets []MaturityBucket) (float64, error) {
	sorted := slices.Clone(buckets)
	slices.SortFunc(sorted, func(a, b MaturityBucket) int {
		return cmp.Compare(a.MaxAge, b.MaxAge)
	})
	prev := math.Inf(1)
	for _, b := range sorted {
		if b.Multiplier <= 0 {
			return 0, fmt.Errorf("maturity multiplier must be > 0")
		}
		if b.Multiplier > prev {
			return 0, fmt.Errorf("maturity multipliers must not increase with account age")
		}
		prev = b.Multiplier
	}
	for _, b := range sorted {
		if age < b.MaxAge {
			return b.Multiplier, nil
		}
	}
	return 1, nil
}

func every(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// Multiplier is the maturity multiplier applied to every base delay.
func (l *Limiter) Multiplier() float64 {
	return l.multiplier
}

// MaxRetries returns the configured retry ceiling for kind.
func (l *Limiter) MaxRetries(kind outreach.ActionKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.kinds[kind]; ok {
		return st.cfg.MaxRetries
	}
	return 0
}

// BaseDelay returns the maturity-scaled base delay for kind.
func (l *Limiter) BaseDelay(kind outreach.ActionKind) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.kinds[kind]; ok {
		return st.base
	}
	return 0
}

// Delay returns the current un-jittered delay for kind.
func (l *Limiter) Delay(kind outreach.ActionKind) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.kinds[kind]; ok {
		return st.current
	}
	return 0
}

// Remaining reports how many more actions of kind fit the hourly and daily
// ceilings at now, counting slots already claimed by Acquire.
func (l *Limiter) Remaining(kind outreach.ActionKind, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.kinds[kind]
	if !ok {
		return 0
	}
	l.roll(st, now)
	return remaining(st)
}

func remaining(st *kindState) int {
	left := math.MaxInt
	if st.cfg.MaxPerHour > 0 {
		left = min(left, st.cfg.MaxPerHour-len(st.hour)-st.inFlight)
	}
	if st.cfg.MaxPerDay > 0 {
		left = min(left, st.cfg.MaxPerDay-st.dayCount-st.inFlight)
	}
	return max(left, 0)
}

// Acquire claims one slot for kind and returns how long the caller must wait
// before acting. Every successful Acquire must be followed by Complete or
// Release.
func (l *Limiter) Acquire(kind outreach.ActionKind, now time.Time) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.kinds[kind]
	if !ok {
		return 0, fmt.Errorf("unknown action kind %q", kind)
	}
	l.roll(st, now)
	if remaining(st) <= 0 {
		return 0, ErrQuotaExhausted
	}
	st.inFlight++
	wait := st.pacer.ReserveN(now, 1).DelayFrom(now)
	if wait > 0 {
		wait = l.jittered(wait)
	}
	return wait, nil
}

// Release returns a slot claimed by Acquire that was never used.
func (l *Limiter) Release(kind outreach.ActionKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.kinds[kind]; ok && st.inFlight > 0 {
		st.inFlight--
	}
}

// Complete feeds an outcome back into the limiter and returns when the entity
// may be attempted again.
func (l *Limiter) Complete(kind outreach.ActionKind, outcome outreach.Outcome, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.kinds[kind]
	if !ok {
		return Decision{}
	}
	if st.inFlight > 0 {
		st.inFlight--
	}
	l.roll(st, now)

	switch o := outcome.(type) {
	case outreach.Success:
		st.consecutiveErrors = 0
		l.setDelay(st, st.base, now)
		st.hour = append(st.hour, now)
		st.dayCount++
		return Decision{}
	case outreach.RetryableFailure:
		if o.SuggestedDelay > 0 {
			delay := o.SuggestedDelay + l.positiveJitter(o.SuggestedDelay)
			return Decision{RetryAt: now.Add(delay), Delay: delay}
		}
		st.consecutiveErrors++
		backoff := time.Duration(float64(st.base) * (1 + float64(st.consecutiveErrors)*st.cfg.BackoffFactor))
		l.setDelay(st, min(backoff, st.cfg.MaxDelay), now)
		delay := l.jittered(st.current)
		return Decision{RetryAt: now.Add(delay), Delay: delay, CountedError: true}
	default:
		return Decision{}
	}
}

// Seed restores quota counters after a restart. hour holds success times from
// the last hour; dayCount is the successes already spent today.
func (l *Limiter) Seed(kind outreach.ActionKind, hour []time.Time, dayCount int, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.kinds[kind]
	if !ok {
		return
	}
	st.hour = st.hour[:0]
	cutoff := now.Add(-time.Hour)
	for _, ts := range hour {
		if ts.After(cutoff) && !ts.After(now) {
			st.hour = append(st.hour, ts)
		}
	}
	slices.SortFunc(st.hour, func(a, b time.Time) int { return a.Compare(b) })
	st.day = outreach.DayKey(now, l.loc)
	st.dayCount = dayCount
}

// Status reports the state of every configured kind.
func (l *Limiter) Status(now time.Time) map[outreach.ActionKind]KindStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[outreach.ActionKind]KindStatus, len(l.kinds))
	for kind, st := range l.kinds {
		l.roll(st, now)
		out[kind] = KindStatus{
			BaseDelay:         st.base,
			CurrentDelay:      st.current,
			ConsecutiveErrors: st.consecutiveErrors,
			HourCount:         len(st.hour),
			DayCount:          st.dayCount,
			Remaining:         remaining(st),
		}
	}
	return out
}

func (l *Limiter) roll(st *kindState, now time.Time) {
	cutoff := now.Add(-time.Hour)
	drop := 0
	for drop < len(st.hour) && !st.hour[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		st.hour = append(st.hour[:0], st.hour[drop:]...)
	}
	if day := outreach.DayKey(now, l.loc); day != st.day {
		st.day = day
		st.dayCount = 0
	}
}

func (l *Limiter) setDelay(st *kindState, d time.Duration, now time.Time) {
	if d == st.current {
		return
	}
	st.current = d
	st.pacer.SetLimitAt(now, every(d))
}

func (l *Limiter) jittered(d time.Duration) time.Duration {
	if l.jitter == 0 || d <= 0 {
		return d
	}
	offset := (l.rng.Float64()*2 - 1) * l.jitter * float64(d)
	return max(d+time.Duration(offset), 0)
}

func (l *Limiter) positiveJitter(d time.Duration) time.Duration {
	if l.jitter == 0 || d <= 0 {
		return 0
	}
	return time.Duration(l.rng.Float64() * l.jitter * float64(d))
}

package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/outreach-daemon/internal/outreach"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestLimiter(t *testing.T, mutate func(*Config)) *Limiter {
	t.Helper()
	cfg := Config{
		Kinds: map[outreach.ActionKind]KindConfig{
			outreach.KindJoin: {
				MaxPerHour:    3,
				MaxPerDay:     5,
				BaseDelay:     30 * time.Second,
				BackoffFactor: 1,
				MaxRetries:    3,
				MaxDelay:      2 * time.Minute,
			},
			outreach.KindMessage: {
				MaxPerHour:    5,
				MaxPerDay:     30,
				BaseDelay:     time.Minute,
				BackoffFactor: 2,
				MaxDelay:      time.Hour,
			},
		},
		AccountAge: 365 * 24 * time.Hour,
		Buckets:    DefaultBuckets(),
		Seed:       42,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := New(cfg)
	require.NoError(t, err)
	return l
}

func TestBackoffIsMonotonicAndCapped(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, nil)
	prev := l.Delay(outreach.KindJoin)
	require.Equal(t, 30*time.Second, prev)

	now := t0
	for i := range 10 {
		now = now.Add(time.Second)
		d := l.Complete(outreach.KindJoin, outreach.RetryableFailure{Cause: "timeout"}, now)
		require.True(t, d.CountedError)
		cur := l.Delay(outreach.KindJoin)
		require.GreaterOrEqual(t, cur, prev, "step %d", i)
		require.LessOrEqual(t, cur, 2*time.Minute)
		prev = cur
	}
	require.Equal(t, 2*time.Minute, prev)
	require.Equal(t, 10, l.Status(now)[outreach.KindJoin].ConsecutiveErrors)
}

func TestBackoffFormula(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, nil)
	l.Complete(outreach.KindMessage, outreach.RetryableFailure{}, t0)
	require.Equal(t, 3*time.Minute, l.Delay(outreach.KindMessage))
	l.Complete(outreach.KindMessage, outreach.RetryableFailure{}, t0)
	require.Equal(t, 5*time.Minute, l.Delay(outreach.KindMessage))
}

func TestSuccessResetsBackoff(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, nil)
	l.Complete(outreach.KindJoin, outreach.RetryableFailure{}, t0)
	l.Complete(outreach.KindJoin, outreach.RetryableFailure{}, t0)
	require.Greater(t, l.Delay(outreach.KindJoin), l.BaseDelay(outreach.KindJoin))

	l.Complete(outreach.KindJoin, outreach.Success{}, t0)
	require.Equal(t, l.BaseDelay(outreach.KindJoin), l.Delay(outreach.KindJoin))
	require.Zero(t, l.Status(t0)[outreach.KindJoin].ConsecutiveErrors)
}

func TestCooldownHintIsPerEntityAndNotCounted(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, func(c *Config) { c.JitterFraction = 0.2 })
	d := l.Complete(outreach.KindJoin, outreach.RetryableFailure{Cause: "flood wait", SuggestedDelay: 300 * time.Second}, t0)

	require.False(t, d.CountedError)
	require.False(t, d.RetryAt.Before(t0.Add(300*time.Second)))
	require.LessOrEqual(t, d.RetryAt.Sub(t0), 360*time.Second)
	require.Equal(t, l.BaseDelay(outreach.KindJoin), l.Delay(outreach.KindJoin))
}

func TestMaturityScalesBaseDelay(t *testing.T) {
	t.Parallel()

	young := newTestLimiter(t, func(c *Config) { c.AccountAge = 3 * 24 * time.Hour })
	mid := newTestLimiter(t, func(c *Config) { c.AccountAge = 45 * 24 * time.Hour })
	old := newTestLimiter(t, nil)

	require.Equal(t, 90*time.Second, young.BaseDelay(outreach.KindJoin))
	require.Equal(t, 45*time.Second, mid.BaseDelay(outreach.KindJoin))
	require.Equal(t, 30*time.Second, old.BaseDelay(outreach.KindJoin))
}

func TestNewRejectsIncreasingMaturityMultipliers(t *testing.T) {
	t.Parallel()

	_, err := New(Config{
		Kinds: map[outreach.ActionKind]KindConfig{outreach.KindJoin: {BaseDelay: time.Second}},
		Buckets: []MaturityBucket{
			{MaxAge: 24 * time.Hour, Multiplier: 1},
			{MaxAge: 48 * time.Hour, Multiplier: 2},
		},
	})
	require.Error(t, err)
}

func TestHourlyQuotaRollsOver(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, nil)
	now := t0
	for range 3 {
		_, err := l.Acquire(outreach.KindJoin, now)
		require.NoError(t, err)
		l.Complete(outreach.KindJoin, outreach.Success{}, now)
		now = now.Add(time.Minute)
	}
	require.Zero(t, l.Remaining(outreach.KindJoin, now))
	_, err := l.Acquire(outreach.KindJoin, now)
	require.True(t, errors.Is(err, ErrQuotaExhausted))

	require.Equal(t, 1, l.Remaining(outreach.KindJoin, t0.Add(time.Hour+time.Second)))
}

func TestDailyQuotaResetsAtMidnight(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, nil)
	l.Seed(outreach.KindJoin, nil, 5, t0)
	require.Zero(t, l.Remaining(outreach.KindJoin, t0.Add(2*time.Hour)))

	nextDay := time.Date(2026, 3, 2, 0, 0, 1, 0, time.UTC)
	require.Equal(t, 3, l.Remaining(outreach.KindJoin, nextDay))
}

func TestSeedRestoresRollingHour(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, nil)
	l.Seed(outreach.KindJoin, []time.Time{
		t0.Add(-2 * time.Hour),
		t0.Add(-30 * time.Minute),
		t0.Add(-10 * time.Minute),
	}, 3, t0)

	st := l.Status(t0)[outreach.KindJoin]
	assert.Equal(t, 2, st.HourCount)
	assert.Equal(t, 3, st.DayCount)
	assert.Equal(t, 1, st.Remaining)
}

func TestAcquireClaimsSlotUntilReleased(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, nil)
	_, err := l.Acquire(outreach.KindJoin, t0)
	require.NoError(t, err)
	require.Equal(t, 2, l.Remaining(outreach.KindJoin, t0))

	l.Release(outreach.KindJoin)
	require.Equal(t, 3, l.Remaining(outreach.KindJoin, t0))
}

func TestAcquirePacesSuccessiveActions(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, nil)
	first, err := l.Acquire(outreach.KindJoin, t0)
	require.NoError(t, err)
	require.Zero(t, first)
	l.Complete(outreach.KindJoin, outreach.Success{}, t0)

	second, err := l.Acquire(outreach.KindJoin, t0)
	require.NoError(t, err)
	require.InDelta(t, float64(30*time.Second), float64(second), float64(time.Millisecond))
}

func TestJitterIsSeedable(t *testing.T) {
	t.Parallel()

	withJitter := func(c *Config) { c.JitterFraction = 0.25 }
	a := newTestLimiter(t, withJitter)
	b := newTestLimiter(t, withJitter)

	for i := range 5 {
		now := t0.Add(time.Duration(i) * time.Second)
		da := a.Complete(outreach.KindMessage, outreach.RetryableFailure{}, now)
		db := b.Complete(outreach.KindMessage, outreach.RetryableFailure{}, now)
		require.Equal(t, da.RetryAt, db.RetryAt)
		base := a.Delay(outreach.KindMessage)
		require.InDelta(t, float64(base), float64(da.Delay), 0.25*float64(base)+1)
	}
}

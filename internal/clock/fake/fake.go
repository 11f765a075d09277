// Package fake provides a manually driven clock for tests. Sleep advances the
// clock instead of blocking, so loops with long pacing waits run instantly.
package fake

import (
	"context"
	"sync"
	"time"
)

// Clock is a deterministic outreach.Clock and outreach.Sleeper.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	slept  []time.Duration
	onWake func(d time.Duration)
}

// New returns a Clock starting at now.
func New(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// OnSleep registers fn to run after every Sleep advances the clock.
func (c *Clock) OnSleep(fn func(d time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWake = fn
}

// Sleep records d and advances the clock. It fails if ctx is already done or
// becomes done in the OnSleep hook.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(max(d, 0))
	c.slept = append(c.slept, d)
	hook := c.onWake
	c.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

// Slept returns every duration passed to Sleep.
func (c *Clock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

// TotalSlept sums every duration passed to Sleep.
func (c *Clock) TotalSlept() time.Duration {
	var total time.Duration
	for _, d := range c.Slept() {
		total += d
	}
	return total
}

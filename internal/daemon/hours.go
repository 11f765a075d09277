package daemon

import (
	"fmt"
	"time"
)

// ActiveHours is a daily window of whole hours. Start > End wraps midnight;
// Start == End means always active.
type ActiveHours struct {
	Start    int
	End      int
	Location *time.Location
}

// Validate checks the hour bounds.
func (h ActiveHours) Validate() error {
	if h.Start < 0 || h.Start > 23 {
		return fmt.Errorf("active hours start %d out of range [0,23]", h.Start)
	}
	if h.End < 0 || h.End > 24 {
		return fmt.Errorf("active hours end %d out of range [0,24]", h.End)
	}
	return nil
}

func (h ActiveHours) loc() *time.Location {
	if h.Location == nil {
		return time.UTC
	}
	return h.Location
}

func (h ActiveHours) always() bool {
	return h.Start == h.End%24
}

// Contains reports whether t falls inside the window.
func (h ActiveHours) Contains(t time.Time) bool {
	if h.always() {
		return true
	}
	hour := t.In(h.loc()).Hour()
	if h.Start < h.End {
		return hour >= h.Start && hour < h.End
	}
	return hour >= h.Start || hour < h.End
}

// NextOpen returns t if the window is open, otherwise the next instant it
// opens.
func (h ActiveHours) NextOpen(t time.Time) time.Time {
	if h.Contains(t) {
		return t
	}
	local := t.In(h.loc())
	open := time.Date(local.Year(), local.Month(), local.Day(), h.Start, 0, 0, 0, h.loc())
	if !open.After(local) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

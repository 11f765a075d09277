package outreach

import (
	"cmp"
	"slices"
	"time"
)

// ComparePriority orders entities best first: tier descending, score
// descending, then id ascending.
func ComparePriority(a, b Entity) int {
	if c := cmp.Compare(b.Tier.Rank(), a.Tier.Rank()); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SelectEligible filters entities eligible for kind at now, sorts them by
// priority and truncates to limit.
func SelectEligible(entities []Entity, kind ActionKind, limit int, now time.Time) []Entity {
	if limit <= 0 {
		return nil
	}
	out := make([]Entity, 0, min(limit, len(entities)))
	for _, e := range entities {
		if e.EligibleFor(kind, now) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, ComparePriority)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// DayKey buckets t into a calendar day in loc.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.DateOnly)
}

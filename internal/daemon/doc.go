// Package daemon drives the outreach pipeline. A cycle ingests the feed,
// qualifies enriched entities, runs one worker per action kind concurrently
// and persists a checkpoint. Run repeats cycles inside the active-hours
// window, pausing on a burst of process-wide errors.
package daemon

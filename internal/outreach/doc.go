// Package outreach holds the domain model of the outreach pipeline: entities,
// action kinds, outcomes, and the state machine that turns a recorded attempt
// into the next entity state. Everything here is pure; persistence and
// transport live behind the interfaces declared in interfaces.go.
package outreach

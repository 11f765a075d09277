// Package progress defines the events the daemon emits while it runs cycles
// and actions, plus a non-blocking hub that batches them out to sinks such as
// Prometheus, the log and the notification publisher.
package progress

// Package sinks implements progress consumers: Prometheus collectors, a zap
// log sink and a notification publisher. Each satisfies progress.Sink.
package sinks

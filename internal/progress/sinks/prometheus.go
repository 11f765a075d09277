package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/outreach-daemon/internal/progress"
)

// PrometheusSink exports daemon progress as Prometheus collectors.
type PrometheusSink struct {
	cyclesStarted   prometheus.Counter
	cyclesCompleted *prometheus.CounterVec
	cycleRuntime    *prometheus.HistogramVec

	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	pauses         *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		cyclesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outreach_cycles_started_total",
			Help: "Total daemon cycles started.",
		}),
		cyclesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_cycles_completed_total",
			Help: "Total daemon cycles finished partitioned by result.",
		}, []string{"result"}),
		cycleRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outreach_cycle_runtime_seconds",
			Help:    "Wall time per finished cycle.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_actions_total",
			Help: "Actions executed partitioned by kind, outcome and tier.",
		}, []string{"kind", "outcome", "tier"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outreach_action_duration_seconds",
			Help:    "External call latency partitioned by kind and outcome.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"kind", "outcome"}),
		pauses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_pauses_total",
			Help: "Pauses partitioned by scope (kind name or daemon).",
		}, []string{"scope"}),
	}
	for _, collector := range []prometheus.Collector{
		s.cyclesStarted,
		s.cyclesCompleted,
		s.cycleRuntime,
		s.actions,
		s.actionDuration,
		s.pauses,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageCycleStart:
			s.cyclesStarted.Inc()
		case progress.StageCycleDone:
			s.finishCycle(evt, "success")
		case progress.StageCycleError:
			s.finishCycle(evt, "error")
		case progress.StageActionDone:
			tier := string(evt.Tier)
			if tier == "" {
				tier = "unknown"
			}
			s.actions.WithLabelValues(string(evt.Kind), string(evt.Outcome), tier).Inc()
			if evt.Dur > 0 {
				s.actionDuration.WithLabelValues(string(evt.Kind), string(evt.Outcome)).Observe(evt.Dur.Seconds())
			}
		case progress.StageKindPaused:
			s.pauses.WithLabelValues(string(evt.Kind)).Inc()
		case progress.StageDaemonPaused:
			s.pauses.WithLabelValues("daemon").Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) finishCycle(evt progress.Event, result string) {
	s.cyclesCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.cycleRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

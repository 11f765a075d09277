// Package metrics exposes Prometheus collectors for the outreach daemon.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	limiterWaitSeconds         *prometheus.HistogramVec
	quotaRemaining             *prometheus.GaugeVec
	kindPaused                 *prometheus.GaugeVec
	activeWorkers              prometheus.Gauge
	feedCandidatesTotal        *prometheus.CounterVec
	storeErrorsTotal           *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		limiterWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outreach_limiter_wait_seconds",
				Help:    "Histogram of pacing waits imposed by the rate limiter, labeled by action kind.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"kind"},
		)

		quotaRemaining = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "outreach_quota_remaining",
				Help: "Actions left in the tighter of the hourly and daily quota, labeled by kind.",
			},
			[]string{"kind"},
		)

		kindPaused = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "outreach_kind_paused",
				Help: "1 while an action kind is paused after a fatal outcome.",
			},
			[]string{"kind"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_active_workers",
				Help: "Number of per-kind workers currently running.",
			},
		)

		feedCandidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_feed_candidates_total",
				Help: "Candidates read from the feed, labeled by result (new, merged, unchanged, error).",
			},
			[]string{"result"},
		)

		storeErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_store_errors_total",
				Help: "Persistence failures, labeled by operation.",
			},
			[]string{"op"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveLimiterWait records a pacing wait for kind.
func ObserveLimiterWait(kind string, d time.Duration) {
	if limiterWaitSeconds == nil {
		return
	}
	limiterWaitSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// SetQuotaRemaining publishes the remaining quota for kind.
func SetQuotaRemaining(kind string, n int) {
	if quotaRemaining == nil {
		return
	}
	quotaRemaining.WithLabelValues(kind).Set(float64(n))
}

// SetKindPaused flips the pause gauge for kind.
func SetKindPaused(kind string, paused bool) {
	if kindPaused == nil {
		return
	}
	v := 0.0
	if paused {
		v = 1
	}
	kindPaused.WithLabelValues(kind).Set(v)
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// ObserveFeedCandidate counts one feed record by ingest result.
func ObserveFeedCandidate(result string) {
	if feedCandidatesTotal == nil {
		return
	}
	feedCandidatesTotal.WithLabelValues(result).Inc()
}

// ObserveStoreError counts one persistence failure.
func ObserveStoreError(op string) {
	if storeErrorsTotal == nil {
		return
	}
	storeErrorsTotal.WithLabelValues(op).Inc()
}

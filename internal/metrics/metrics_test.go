package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if httpRequestsTotal == nil || limiterWaitSeconds == nil || quotaRemaining == nil ||
		kindPaused == nil || activeWorkers == nil || feedCandidatesTotal == nil || storeErrorsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestKindGauges(t *testing.T) {
	Init()

	SetKindPaused("join", true)
	if val := testutil.ToFloat64(kindPaused.WithLabelValues("join")); val != 1 {
		t.Errorf("expected join paused gauge to be 1, got %f", val)
	}
	SetKindPaused("join", false)
	if val := testutil.ToFloat64(kindPaused.WithLabelValues("join")); val != 0 {
		t.Errorf("expected join paused gauge to be 0, got %f", val)
	}

	SetQuotaRemaining("message", 4)
	if val := testutil.ToFloat64(quotaRemaining.WithLabelValues("message")); val != 4 {
		t.Errorf("expected message quota gauge to be 4, got %f", val)
	}
}

func TestCounters(t *testing.T) {
	Init()

	before := testutil.ToFloat64(storeErrorsTotal.WithLabelValues("record outcome"))
	ObserveStoreError("record outcome")
	if val := testutil.ToFloat64(storeErrorsTotal.WithLabelValues("record outcome")); val != before+1 {
		t.Errorf("expected store errors to increase by 1, got %f", val-before)
	}

	ObserveFeedCandidate("new")
	ObserveLimiterWait("join", 3*time.Second)
	if n := testutil.CollectAndCount(limiterWaitSeconds, "outreach_limiter_wait_seconds"); n < 1 {
		t.Errorf("expected limiter wait series, got %d", n)
	}

	IncActiveWorkers()
	DecActiveWorkers()
}

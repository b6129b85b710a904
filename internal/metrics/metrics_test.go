package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveJob(t *testing.T) {
	before := testutil.ToFloat64(jobsTotal.WithLabelValues("metrics", "complete"))
	ObserveJob("metrics", "complete")
	require.InDelta(t, before+1, testutil.ToFloat64(jobsTotal.WithLabelValues("metrics", "complete")), 0.001)
}

func TestInFlightGauge(t *testing.T) {
	before := testutil.ToFloat64(inFlightJobs)
	IncInFlight()
	IncInFlight()
	DecInFlight()
	require.InDelta(t, before+1, testutil.ToFloat64(inFlightJobs), 0.001)
	DecInFlight()
}

func TestObserveClassificationAndBlocked(t *testing.T) {
	before := testutil.ToFloat64(classificationsTotal.WithLabelValues("pro", "blocked"))
	ObserveClassification("pro", "blocked")
	require.InDelta(t, before+1, testutil.ToFloat64(classificationsTotal.WithLabelValues("pro", "blocked")), 0.001)

	blockedBefore := testutil.ToFloat64(blockedTotal)
	ObserveBlocked()
	require.InDelta(t, blockedBefore+1, testutil.ToFloat64(blockedTotal), 0.001)
}

func TestObserveReuse(t *testing.T) {
	before := testutil.ToFloat64(reusedTotal)
	ObserveReuse()
	require.InDelta(t, before+1, testutil.ToFloat64(reusedTotal), 0.001)
}

func TestObserveRateLimitDelay(t *testing.T) {
	ObserveRateLimitDelay(1500 * time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(rateLimitDelaySeconds))
}

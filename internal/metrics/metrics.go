// Package metrics exposes Prometheus collectors for the orchestration service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagetest_submissions_total",
			Help: "Total job submissions, labeled by transport and outcome.",
		},
		[]string{"transport", "outcome"},
	)

	pollAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagetest_poll_attempts_total",
			Help: "Total poll attempts, labeled by timeline and observed signal.",
		},
		[]string{"timeline", "signal"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagetest_jobs_total",
			Help: "Total jobs reaching a final state, labeled by timeline and status.",
		},
		[]string{"timeline", "status"},
	)

	classificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagetest_classifications_total",
			Help: "Provider responses by transport and classification.",
		},
		[]string{"transport", "kind"},
	)

	blockedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagetest_blocked_total",
			Help: "Times the shared cooldown was tripped by a blocked response.",
		},
	)

	reusedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagetest_reused_submissions_total",
			Help: "Submissions answered with a recent job for the same URL.",
		},
	)

	inFlightJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagetest_in_flight_jobs",
			Help: "Number of jobs currently being polled.",
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagetest_rate_limit_delay_seconds",
			Help:    "Histogram of rate limiter wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

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
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSubmission records one submission attempt through a transport.
func ObserveSubmission(transport, outcome string) {
	submissionsTotal.WithLabelValues(transport, outcome).Inc()
}

// ObservePollAttempt records one poll attempt.
func ObservePollAttempt(timeline, signal string) {
	pollAttemptsTotal.WithLabelValues(timeline, signal).Inc()
}

// ObserveJob records a timeline reaching a final state.
func ObserveJob(timeline, status string) {
	jobsTotal.WithLabelValues(timeline, status).Inc()
}

// ObserveClassification records a classified provider response.
func ObserveClassification(transport, kind string) {
	classificationsTotal.WithLabelValues(transport, kind).Inc()
}

// ObserveBlocked increments the blocked trip counter.
func ObserveBlocked() {
	blockedTotal.Inc()
}

// ObserveReuse counts a submission served by a recent job.
func ObserveReuse() {
	reusedTotal.Inc()
}

// IncInFlight increments the in-flight jobs gauge.
func IncInFlight() {
	inFlightJobs.Inc()
}

// DecInFlight decrements the in-flight jobs gauge.
func DecInFlight() {
	inFlightJobs.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Package metrics exposes Prometheus collectors for the harvest service.
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
	remoteCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_remote_calls_total",
			Help: "Total number of remote API calls, labeled by category and outcome.",
		},
		[]string{"category", "outcome"},
	)

	quotaUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvest_quota_usage_ratio",
			Help: "Used fraction of the current quota window, labeled by ledger key.",
		},
		[]string{"category"},
	)

	invokerRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_invoker_retries_total",
			Help: "Total number of invoker retries, labeled by category and reason.",
		},
		[]string{"category", "reason"},
	)

	credentialRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_credential_rotations_total",
			Help: "Total number of credential rotations.",
		},
	)

	backoffSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvest_backoff_seconds",
			Help:    "Histogram of invoker sleep durations before a retry.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
		[]string{"category"},
	)

	strategyRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_strategy_runs_total",
			Help: "Total number of strategy runs, labeled by strategy and status.",
		},
		[]string{"strategy", "status"},
	)

	strategySkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_strategy_skips_total",
			Help: "Triggers skipped because the previous run was still active.",
		},
		[]string{"strategy"},
	)

	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_records_total",
			Help: "Total number of processed records, labeled by source kind and result.",
		},
		[]string{"source", "result"},
	)

	pacerDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvest_pacer_delay_seconds",
			Help:    "Histogram of pacer wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"category"},
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

// ObserveRemoteCall counts one remote call attempt.
func ObserveRemoteCall(category, outcome string) {
	remoteCallsTotal.WithLabelValues(category, outcome).Inc()
}

// SetQuotaUsage records the usage ratio of a quota window.
func SetQuotaUsage(key string, ratio float64) {
	quotaUsageRatio.WithLabelValues(key).Set(ratio)
}

// ObserveRetry counts one invoker retry.
func ObserveRetry(category, reason string) {
	invokerRetriesTotal.WithLabelValues(category, reason).Inc()
}

// ObserveRotation counts one credential rotation.
func ObserveRotation() {
	credentialRotationsTotal.Inc()
}

// ObserveBackoff records a sleep taken by the invoker.
func ObserveBackoff(category string, d time.Duration) {
	backoffSeconds.WithLabelValues(category).Observe(d.Seconds())
}

// ObserveStrategyRun counts a finished strategy run.
func ObserveStrategyRun(strategy, status string) {
	strategyRunsTotal.WithLabelValues(strategy, status).Inc()
}

// ObserveStrategySkip counts a trigger dropped by the overlap guard.
func ObserveStrategySkip(strategy string) {
	strategySkipsTotal.WithLabelValues(strategy).Inc()
}

// ObserveRecord counts one record outcome (inserted, updated, skipped, dropped).
func ObserveRecord(source, result string) {
	recordsTotal.WithLabelValues(source, result).Inc()
}

// ObservePacerDelay records the duration of a pacer wait.
func ObservePacerDelay(category string, d time.Duration) {
	pacerDelaySeconds.WithLabelValues(category).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

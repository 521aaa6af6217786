// Package metrics exposes the gateway's Prometheus counters and
// histograms: attempts, failovers, retry-budget exhaustion, and audit
// queue drops.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relaygate"

var (
	// DispatchAttemptsTotal counts every upstream attempt, labeled by
	// backend and outcome (success, transient, terminal).
	DispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Total upstream attempts made by the dispatcher.",
		},
		[]string{"backend", "outcome"},
	)

	// DispatchFailoversTotal counts transitions to a fallback model.
	DispatchFailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failovers_total",
			Help:      "Total fallback transitions triggered by transient failures.",
		},
		[]string{"from_backend"},
	)

	// DispatchExhaustedTotal counts requests that exhausted all candidates
	// or the retry budget without a successful response.
	DispatchExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_exhausted_total",
			Help:      "Total requests that ended in a synthesized error.",
		},
		[]string{"error_type"},
	)

	// DispatchLatencySeconds observes end-to-end request latency.
	DispatchLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_seconds",
			Help:      "End-to-end latency of dispatched requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint", "final_status"},
	)

	// AuditQueueDroppedTotal counts audit records dropped because the
	// bounded channel was full.
	AuditQueueDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_records_dropped_total",
			Help:      "Audit records dropped when the bounded write queue was full.",
		},
	)

	// AuditWriteErrorsTotal counts failed writes to the SQLite store.
	AuditWriteErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_errors_total",
			Help:      "Audit record writes that failed after being dequeued.",
		},
	)

	// RouterCandidatesTotal observes how many candidates a route call
	// produced, labeled by the requested model. Route calls that match no
	// backend are not observed.
	RouterCandidatesTotal = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "router_candidates",
			Help:      "Number of backend candidates returned per route call.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		},
		[]string{"model"},
	)
)

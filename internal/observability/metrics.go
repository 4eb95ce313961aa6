package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// PermitsCurrent mirrors the global concurrency manager's in-flight count.
	PermitsCurrent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concurrency_permits_current",
			Help: "Number of permits currently held",
		},
	)
	PermitsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concurrency_waiters_queued",
			Help: "Number of waiters queued for a permit",
		},
	)
	PermitAcquireLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "concurrency_acquire_latency_seconds",
			Help:    "Latency of permit acquisition",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"queue"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"queue"},
	)
	JobsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_active",
			Help: "Number of jobs currently processing",
		},
		[]string{"queue"},
	)

	OutboxPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_total",
			Help: "Outbox events processed by terminal status",
		},
		[]string{"status"},
	)
	OutboxUnresolvedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_unresolved_total",
			Help: "Relationship candidates skipped because an endpoint did not resolve",
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per service (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)

	BatchFlushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batched_writer_flush_total",
			Help: "Batched writer flushes by table and outcome",
		},
		[]string{"table", "outcome"},
	)
	GraphNodesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "graph_nodes_projected_total",
			Help: "POI nodes projected into the graph store",
		},
	)
	GraphEdgesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "graph_edges_projected_total",
			Help: "Validated relationship edges projected into the graph store",
		},
	)
)

// InitMetrics registers all pipeline metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(PermitsCurrent)
	prometheus.MustRegister(PermitsQueued)
	prometheus.MustRegister(PermitAcquireLatency)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsActive)
	prometheus.MustRegister(OutboxPublishedTotal)
	prometheus.MustRegister(OutboxUnresolvedTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BatchFlushTotal)
	prometheus.MustRegister(GraphNodesTotal)
	prometheus.MustRegister(GraphEdgesTotal)
}

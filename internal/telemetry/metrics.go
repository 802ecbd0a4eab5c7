package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs accepted by the broker"}, []string{"queue"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Job attempts that failed and were rescheduled"}, []string{"queue"})
	JobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_dead_lettered_total", Help: "Jobs moved to the dead set"}, []string{"queue"})
	QueueDepth       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_pending_depth", Help: "Pending jobs per queue"}, []string{"queue"})
	JobsInFlight     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently being processed"}, []string{"queue"})
	DispatchWaits    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_dispatch_waits_total", Help: "Dispatch attempts deferred by the rate gate"}, []string{"queue"})

	EventsIngested = prometheus.NewCounter(prometheus.CounterOpts{Name: "events_ingested_total", Help: "Engagement events accepted"})
	EventsRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "events_rejected_total", Help: "Engagement events rejected at validation"})

	AggregateRuns     = prometheus.NewCounter(prometheus.CounterOpts{Name: "aggregate_runs_total", Help: "Popularity aggregation runs completed"})
	AggregateFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "aggregate_failures_total", Help: "Popularity aggregation runs aborted"})

	CacheHits   = prometheus.NewCounter(prometheus.CounterOpts{Name: "cache_hits_total", Help: "Ephemeral cache hits"})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{Name: "cache_misses_total", Help: "Ephemeral cache misses, including lazy expiries"})

	AuditDropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "audit_dropped_total", Help: "Audit records lost to storage failures"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			QueueDepth,
			JobsInFlight,
			DispatchWaits,
			EventsIngested,
			EventsRejected,
			AggregateRuns,
			AggregateFailures,
			CacheHits,
			CacheMisses,
			AuditDropped,
		)
	})
	return promhttp.Handler()
}

package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BatchesDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chunk_batches_dispatched_total", Help: "Batches submitted by operation"}, []string{"operation"})
	JobsDispatched    = prometheus.NewCounter(prometheus.CounterOpts{Name: "chunk_jobs_dispatched_total", Help: "Jobs submitted across all batches"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "chunk_dispatch_rate_limit_rejects_total", Help: "Dispatch requests rejected by rate limiter"})
	JobsProcessed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chunk_jobs_processed_total", Help: "Jobs reaching a terminal state by type and outcome"}, []string{"type", "outcome"})
	BatchesCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "chunk_batches_completed_total", Help: "Batches whose pending count reached zero"})
	BatchesCancelled  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chunk_batches_cancelled_total", Help: "Batches cancelled by reason"}, []string{"reason"})
	BreakerTrips      = prometheus.NewCounter(prometheus.CounterOpts{Name: "chunk_batch_error_limit_trips_total", Help: "Jobs skipped because their batch hit the error limit"})
	LinterRepairs     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chunk_linter_repairs_total", Help: "Linter repairs by kind"}, []string{"kind"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chunk_queue_depth", Help: "Ready queue depth"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chunk_jobs_inflight", Help: "Jobs currently executing in this process"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BatchesDispatched,
			JobsDispatched,
			RateLimitRejects,
			JobsProcessed,
			BatchesCompleted,
			BatchesCancelled,
			BreakerTrips,
			LinterRepairs,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}

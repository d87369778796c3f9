package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnrollmentsAccepted = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrollments_accepted_total", Help: "Enrollments persisted and enqueued"})
	EnrollmentsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enrollments_rejected_total", Help: "Submissions rejected by reason"}, []string{"reason"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrollments_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerOutcomes      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enrollment_work_items_total", Help: "Work items handled by outcome"}, []string{"outcome"})
	DeadLetters         = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrollment_dead_letters_total", Help: "Messages routed to the dead-letter sink"})
	Republished         = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrollment_reconciled_total", Help: "Stale PENDING enrollments republished by the reconciler"})
	ReconcileFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrollment_reconcile_failures_total", Help: "Republish attempts that failed"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "enrollment_queue_depth", Help: "Ready work items"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "enrollment_queue_inflight", Help: "Work items currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnrollmentsAccepted,
			EnrollmentsRejected,
			RateLimitRejects,
			WorkerOutcomes,
			DeadLetters,
			Republished,
			ReconcileFailures,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}

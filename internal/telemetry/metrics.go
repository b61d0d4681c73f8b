package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_enqueued_total", Help: "Total enqueued envelopes"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Workflow starts rejected by the rate limiter"})
	TaskSuccess        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_tasks_completed_total", Help: "Tasks completed successfully"})
	TaskRetries        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_tasks_retried_total", Help: "Task failures scheduled for retry"})
	TaskAbandoned      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_tasks_abandoned_total", Help: "Tasks abandoned after exhausting retries"})
	StaleReclaims      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_stale_claims_reclaimed_total", Help: "Leases reclaimed from crashed workers"})
	WorkflowsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_workflows_completed_total", Help: "Workflows that reached the final stage"})
	WorkflowsAbandoned = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_workflows_abandoned_total", Help: "Workflows terminated by an abandoned stage"})
	QueueDepthGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Ready backlog depth per queue"}, []string{"queue"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_inflight", Help: "Envelopes currently leased"})
	WorkerSlotsGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_worker_slots", Help: "Live execution slots in this process"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			TaskSuccess,
			TaskRetries,
			TaskAbandoned,
			StaleReclaims,
			WorkflowsCompleted,
			WorkflowsAbandoned,
			QueueDepthGauge,
			InFlightGauge,
			WorkerSlotsGauge,
		)
	})
	return promhttp.Handler()
}

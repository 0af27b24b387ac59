package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_enqueued_total", Help: "Jobs accepted by the enqueue API"})
	JobsClaimed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_claimed_total", Help: "Jobs leased by workers"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_completed_total", Help: "Jobs finished successfully"})
	JobsRetried       = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_retried_total", Help: "Failed attempts rescheduled with backoff"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_failed_total", Help: "Jobs that reached terminal failure"})
	JobsReclaimed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_reclaimed_total", Help: "Stale leases returned to the queue"})
	EventsEmitted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_events_emitted_total", Help: "Progress events appended"})
	ApprovalDecisions = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_approval_decisions_total", Help: "Approval decisions applied"})
	ApprovalConflicts = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_approval_conflicts_total", Help: "Approval decisions rejected on stale version"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "agent_queue_depth", Help: "Jobs eligible for claim"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "agent_jobs_inflight", Help: "Jobs currently executing"})
	ActiveStreams     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "agent_event_streams_active", Help: "Open event stream connections"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsReclaimed,
			EventsEmitted,
			ApprovalDecisions,
			ApprovalConflicts,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			ActiveStreams,
		)
	})
	return promhttp.Handler()
}

package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agency_jobs_enqueued_total", Help: "Jobs submitted to the queue"}, []string{"type", "priority"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agency_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agency_jobs_retried_total", Help: "Jobs that failed and were scheduled for retry"}, []string{"type"})
	JobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agency_jobs_dead_lettered_total", Help: "Jobs moved to the dead-letter list"}, []string{"type"})
	SyncFallbacks    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agency_jobs_sync_fallback_total", Help: "Jobs run inline because the queue backend was unavailable"}, []string{"type"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "agency_queue_depth", Help: "Ready queue depth per priority"}, []string{"priority"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "agency_jobs_inflight", Help: "Jobs currently leased by this worker"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "agency_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})

	OrchestrationRuns    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agency_orchestrations_total", Help: "Orchestration runs by demand type and outcome"}, []string{"demand_type", "outcome"})
	FocusGroupIterations = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "agency_focus_group_iterations", Help: "Generation iterations per orchestration", Buckets: []float64{1, 2, 3, 4, 5, 8}})
	CrewStepDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "agency_crew_step_seconds", Help: "Crew step latency", Buckets: prometheus.ExponentialBuckets(0.5, 2, 9)}, []string{"step", "outcome"})
	DraftOutcomes        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agency_action_drafts_total", Help: "Action draft transitions"}, []string{"action_type", "outcome"})
	DecisionOutcomes     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agency_decisions_total", Help: "Decision transitions"}, []string{"outcome"})
	EventsHandled        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "agency_events_handled_total", Help: "Events processed by type and outcome"}, []string{"event_type", "outcome"})
	DetachedFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "agency_detached_failures_total", Help: "Fire-and-forget follow-ups that failed"})
	DetachedDropped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "agency_detached_dropped_total", Help: "Fire-and-forget follow-ups skipped because the runner was full"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds every collector to the default registry once. Safe to call from tests and mains.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			SyncFallbacks,
			QueueDepthGauge,
			InFlightGauge,
			RateLimitRejects,
			OrchestrationRuns,
			FocusGroupIterations,
			CrewStepDuration,
			DraftOutcomes,
			DecisionOutcomes,
			EventsHandled,
			DetachedFailures,
			DetachedDropped,
		)
	})
}

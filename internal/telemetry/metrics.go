package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated       = prometheus.NewCounter(prometheus.CounterOpts{Name: "podcast_jobs_created_total", Help: "Jobs accepted by the supervisor"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "podcast_rate_limit_rejects_total", Help: "Job creations rejected by the rate limiter"})
	StatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "podcast_status_transitions_total", Help: "Persisted job status transitions"}, []string{"status"})

	MessagesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "podcast_messages_published_total", Help: "Messages appended to topic streams"}, []string{"topic"})
	PublishRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "podcast_publish_retries_total", Help: "Publish attempts retried after a transient error"})
	DeadLettered      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "podcast_dead_lettered_total", Help: "Messages routed to the dead-letter stream"}, []string{"component"})
	MessagesHandled   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "podcast_messages_handled_total", Help: "Deliveries processed by workers"}, []string{"topic", "outcome"})
	HandlerDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "podcast_handler_duration_seconds", Help: "Handler latency per topic", Buckets: prometheus.ExponentialBuckets(0.05, 2, 12)}, []string{"topic"})
	StreamDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "podcast_stream_depth", Help: "Entries currently held by each topic stream"}, []string{"topic"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "podcast_inflight", Help: "Deliveries currently being handled"})

	Evaluations        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "podcast_evaluations_total", Help: "Evaluation gate outcomes"}, []string{"stage", "passed"})
	GuardrailFailures  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "podcast_guardrail_failures_total", Help: "Jobs terminated by a guardrail"}, []string{"stage"})
	ApprovalDecisions  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "podcast_approval_decisions_total", Help: "Approvals granted or rejected"}, []string{"stage", "action"})
	ApprovalTimeouts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "podcast_approval_timeouts_total", Help: "Jobs failed by the approval timeout sweep"})
	ReconciledJobs     = prometheus.NewCounter(prometheus.CounterOpts{Name: "podcast_reconciled_jobs_total", Help: "Messages re-emitted by the reconciler"})
	SynthesizedChunks  = prometheus.NewCounter(prometheus.CounterOpts{Name: "podcast_synthesized_chunks_total", Help: "Speech synthesis requests issued"})
	RetryCeilingFailed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "podcast_retry_ceiling_failures_total", Help: "Jobs failed after exhausting regeneration attempts"}, []string{"stage"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			RateLimitRejects,
			StatusTransitions,
			MessagesPublished,
			PublishRetries,
			DeadLettered,
			MessagesHandled,
			HandlerDuration,
			StreamDepthGauge,
			InFlightGauge,
			Evaluations,
			GuardrailFailures,
			ApprovalDecisions,
			ApprovalTimeouts,
			ReconciledJobs,
			SynthesizedChunks,
			RetryCeilingFailed,
		)
	})
	return promhttp.Handler()
}

package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_jobs_created_total", Help: "Jobs accepted for transcription"})
	Submissions      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "transcription_submissions_total", Help: "Backend submissions by result"}, []string{"result"})
	RetriesScheduled = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_retries_scheduled_total", Help: "Submissions scheduled for retry"})
	RetriesExhausted = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_retries_exhausted_total", Help: "Jobs failed after exhausting retries"})
	RetryTimers      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "transcription_retry_timers", Help: "In-process retry timers pending"})
	Reconciliations  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "transcription_reconciliations_total", Help: "Terminal results applied or discarded"}, []string{"outcome"})
	PollErrors       = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_poll_errors_total", Help: "Backend status checks that failed"})
	PollRateLimited  = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_poll_rate_limited_total", Help: "Explicit polls rejected by the rate limiter"})
	WebhookRejected  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "transcription_webhooks_rejected_total", Help: "Inbound notifications rejected before reconciliation"}, []string{"reason"})
	SweepRuns        = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_sweep_runs_total", Help: "Recovery sweeps executed"})
	SweepFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_sweep_job_failures_total", Help: "Per-job errors during sweeps"})
	ArtifactFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_artifact_failures_total", Help: "Transcript artifacts that failed to persist"})
	Notifications    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "transcription_notifications_total", Help: "Downstream notifications by sink and result"}, []string{"sink", "result"})
	NotifyQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{Name: "transcription_notify_queue_depth", Help: "Webhook notifications waiting for delivery"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			Submissions,
			RetriesScheduled,
			RetriesExhausted,
			RetryTimers,
			Reconciliations,
			PollErrors,
			PollRateLimited,
			WebhookRejected,
			SweepRuns,
			SweepFailures,
			ArtifactFailures,
			Notifications,
			NotifyQueueDepth,
		)
	})
	return promhttp.Handler()
}

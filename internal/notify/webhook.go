package notify

import (
	"context"

	"github.com/sirupsen/logrus"

	"transcription-jobs/internal/models"
	"transcription-jobs/pkg/cloudevent"
)

// Webhook posts CloudEvents to the job's callback URL, or to a default
// endpoint when the job has none.
type Webhook struct {
	dispatcher *Dispatcher
	defaultURL string
	signingKey string
	logger     logrus.FieldLogger
}

// NewWebhook builds a webhook notifier over d.
func NewWebhook(d *Dispatcher, defaultURL, signingKey string, logger logrus.FieldLogger) *Webhook {
	return &Webhook{dispatcher: d, defaultURL: defaultURL, signingKey: signingKey, logger: logger}
}

func (w *Webhook) NotifyCreated(_ context.Context, job models.Job) {
	w.send(job, createdEvent(job))
}

func (w *Webhook) NotifyCompleted(_ context.Context, job models.Job, result models.Result) {
	w.send(job, completedEvent(job, result))
}

func (w *Webhook) NotifyFailed(_ context.Context, job models.Job, message string) {
	w.send(job, failedEvent(job, message))
}

func (w *Webhook) send(job models.Job, event *cloudevent.CloudEvent) {
	target := job.CallbackURL
	if target == "" {
		target = w.defaultURL
	}
	if target == "" {
		return
	}
	if err := w.dispatcher.Dispatch(target, event, w.signingKey); err != nil {
		w.logger.WithFields(logrus.Fields{"job_id": job.ID, "type": event.Type}).WithError(err).Warn("notification not queued")
	}
}

var _ Notifier = (*Webhook)(nil)

// Package notify delivers job lifecycle events to downstream consumers.
// Delivery is fire-and-forget: failures are logged and counted, never
// returned, and never affect the persisted job.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"transcription-jobs/internal/models"
	"transcription-jobs/pkg/cloudevent"
)

const (
	EventCreated   = "transcription.job.created"
	EventCompleted = "transcription.job.completed"
	EventFailed    = "transcription.job.failed"

	eventSource = "/transcription-jobs"
)

// Notifier receives lifecycle events.
type Notifier interface {
	NotifyCreated(ctx context.Context, job models.Job)
	NotifyCompleted(ctx context.Context, job models.Job, result models.Result)
	NotifyFailed(ctx context.Context, job models.Job, message string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) NotifyCreated(context.Context, models.Job)                  {}
func (Nop) NotifyCompleted(context.Context, models.Job, models.Result) {}
func (Nop) NotifyFailed(context.Context, models.Job, string)           {}

// Multi fans every event out to each notifier in order.
type Multi []Notifier

func (m Multi) NotifyCreated(ctx context.Context, job models.Job) {
	for _, n := range m {
		n.NotifyCreated(ctx, job)
	}
}

func (m Multi) NotifyCompleted(ctx context.Context, job models.Job, result models.Result) {
	for _, n := range m {
		n.NotifyCompleted(ctx, job, result)
	}
}

func (m Multi) NotifyFailed(ctx context.Context, job models.Job, message string) {
	for _, n := range m {
		n.NotifyFailed(ctx, job, message)
	}
}

func createdEvent(job models.Job) *cloudevent.CloudEvent {
	return newEvent(EventCreated, job, nil)
}

func completedEvent(job models.Job, result models.Result) *cloudevent.CloudEvent {
	return newEvent(EventCompleted, job, map[string]any{"result": result})
}

func failedEvent(job models.Job, message string) *cloudevent.CloudEvent {
	return newEvent(EventFailed, job, map[string]any{"error_message": message})
}

func newEvent(eventType string, job models.Job, extra map[string]any) *cloudevent.CloudEvent {
	data := map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"media_ref":   job.MediaRef,
		"retry_count": job.RetryCount,
		"created_at":  job.CreatedAt.Format(time.RFC3339Nano),
	}
	if job.ExternalJobID != "" {
		data["external_job_id"] = job.ExternalJobID
	}
	if job.CompletedAt != nil {
		data["completed_at"] = job.CompletedAt.Format(time.RFC3339Nano)
	}
	for k, v := range extra {
		data[k] = v
	}
	return cloudevent.New(eventType, eventSource, job.ID, uuid.NewString(), data)
}

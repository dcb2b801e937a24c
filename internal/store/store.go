// Package store persists transcription jobs keyed by id with a secondary index
// on the backend's external job id. All mutation goes through CompareAndSwap.
package store

import (
	"context"
	"time"

	"transcription-jobs/internal/models"
)

// Store is the persisted job table.
type Store interface {
	// Create inserts a new job. A duplicate id is an apperrors.ErrConflict.
	Create(ctx context.Context, job models.Job) error
	// Get returns apperrors.ErrNotFound when the id is unknown.
	Get(ctx context.Context, id string) (models.Job, error)
	// GetByExternalID looks a job up by the id the backend assigned it.
	GetByExternalID(ctx context.Context, externalJobID string) (models.Job, error)
	// CompareAndSwap writes every mutable field of next iff the stored version
	// equals expectedVersion, bumping the version. It reports whether it wrote.
	CompareAndSwap(ctx context.Context, next models.Job, expectedVersion int64) (bool, error)
	// ListByStatus returns up to limit jobs in status whose status clock is at
	// or before the given time, oldest first. The clock is the time the job
	// entered the status, except for Retry where it is the retry due time.
	// A limit <= 0 means no limit.
	ListByStatus(ctx context.Context, status models.Status, before time.Time, limit int) ([]models.Job, error)
	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error
	Close()
}

// enteredAt is the status clock ListByStatus filters on.
func enteredAt(j models.Job) time.Time {
	switch j.Status {
	case models.StatusUploaded:
		return j.CreatedAt
	case models.StatusProcessing:
		if j.SubmittedAt != nil {
			return *j.SubmittedAt
		}
	case models.StatusRetry:
		if j.NextRetryAt != nil {
			return *j.NextRetryAt
		}
		if j.LastRetryAt != nil {
			return *j.LastRetryAt
		}
	}
	return j.UpdatedAt
}

// enteredAtColumn mirrors enteredAt for the SQL stores.
func enteredAtColumn(status models.Status) string {
	switch status {
	case models.StatusUploaded:
		return "created_at"
	case models.StatusProcessing:
		return "submitted_at"
	case models.StatusRetry:
		return "COALESCE(next_retry_at, last_retry_at)"
	default:
		return "updated_at"
	}
}

// Package gateway talks to the external transcription backend.
package gateway

import (
	"context"

	"transcription-jobs/internal/models"
)

// Gateway is the backend surface the job lifecycle consumes.
type Gateway interface {
	// Submit hands mediaRef to the backend and returns the id it assigned.
	// Failures should be classifiable with Classify.
	Submit(ctx context.Context, mediaRef string) (string, error)
	// PollStatus fetches the current backend view of a submitted job.
	PollStatus(ctx context.Context, externalJobID string) (models.Outcome, error)
}

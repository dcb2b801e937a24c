// Package lifecycle drives transcription jobs from upload to a terminal state.
//
// Every state change goes through Engine.Apply, a read-verify-compare-and-swap
// loop keyed on the record version. A mutation that no longer applies to the
// persisted record is a no-op that returns the stored job, so webhook
// deliveries, explicit polls, sweeps and retry timers can race freely.
package lifecycle

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"transcription-jobs/internal/apperrors"
	"transcription-jobs/internal/models"
	"transcription-jobs/internal/store"
)

const defaultCASAttempts = 5

// legal lists the permitted successors of each non-terminal status.
var legal = map[models.Status][]models.Status{
	models.StatusUploaded:   {models.StatusProcessing, models.StatusRetry, models.StatusError},
	models.StatusRetry:      {models.StatusProcessing, models.StatusRetry, models.StatusError, models.StatusCompleted},
	models.StatusProcessing: {models.StatusCompleted, models.StatusError},
}

// CanTransition reports whether from -> to is an edge of the job state graph.
// Staying in a non-terminal status (lease bookkeeping) is always allowed.
func CanTransition(from, to models.Status) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Mutation derives the next record from the current one. Returning false
// declines the write; the engine then reports the current record unchanged.
type Mutation func(cur models.Job, now time.Time) (models.Job, bool)

// Engine performs guarded conditional writes against the store.
type Engine struct {
	store    store.Store
	now      func() time.Time
	attempts int
	logger   logrus.FieldLogger
}

// NewEngine builds an engine over st.
func NewEngine(st store.Store, logger logrus.FieldLogger) *Engine {
	return &Engine{
		store:    st,
		now:      func() time.Time { return time.Now().UTC() },
		attempts: defaultCASAttempts,
		logger:   logger,
	}
}

// Apply reads job id, runs mutate and writes the result if the version is
// unchanged. Lost races are retried against a fresh read. Terminal records
// are never handed to mutate.
func (e *Engine) Apply(ctx context.Context, id string, mutate Mutation) (models.Job, bool, error) {
	for attempt := 0; attempt < e.attempts; attempt++ {
		cur, err := e.store.Get(ctx, id)
		if err != nil {
			return models.Job{}, false, err
		}
		if cur.Status.Terminal() {
			return cur, false, nil
		}
		now := e.now()
		next, ok := mutate(cur, now)
		if !ok {
			return cur, false, nil
		}
		if !CanTransition(cur.Status, next.Status) {
			e.logger.WithFields(logrus.Fields{
				"job_id": id,
				"from":   cur.Status,
				"to":     next.Status,
			}).Warn("rejected illegal transition")
			return cur, false, nil
		}
		next.ID = cur.ID
		next.UpdatedAt = now
		swapped, err := e.store.CompareAndSwap(ctx, next, cur.Version)
		if err != nil {
			return models.Job{}, false, err
		}
		if swapped {
			next.Version = cur.Version + 1
			return next, true, nil
		}
	}
	return models.Job{}, false, apperrors.Conflict("job", "concurrent updates to job "+id+" did not settle")
}

// Now returns the engine clock.
func (e *Engine) Now() time.Time {
	return e.now()
}

// ClaimLease marks an outbound call as in flight for a job in one of the
// given statuses. It fails to apply while another unexpired claim exists.
func (e *Engine) ClaimLease(ctx context.Context, id string, lease time.Duration, from ...models.Status) (models.Job, bool, error) {
	return e.Apply(ctx, id, func(cur models.Job, now time.Time) (models.Job, bool) {
		if !statusIn(cur.Status, from) || cur.Leased(now) {
			return cur, false
		}
		next := cur
		next.LeaseUntil = models.TimePtr(now.Add(lease))
		return next, true
	})
}

// ReleaseLease drops an in-flight claim without changing the status.
func (e *Engine) ReleaseLease(ctx context.Context, id string) (models.Job, bool, error) {
	return e.Apply(ctx, id, func(cur models.Job, _ time.Time) (models.Job, bool) {
		if cur.LeaseUntil == nil {
			return cur, false
		}
		next := cur
		next.LeaseUntil = nil
		return next, true
	})
}

// MarkSubmitted records a successful submission: Uploaded|Retry -> Processing.
func (e *Engine) MarkSubmitted(ctx context.Context, id, externalJobID string) (models.Job, bool, error) {
	return e.Apply(ctx, id, func(cur models.Job, now time.Time) (models.Job, bool) {
		if cur.Status != models.StatusUploaded && cur.Status != models.StatusRetry {
			return cur, false
		}
		if cur.ExternalJobID != "" && cur.ExternalJobID != externalJobID {
			return cur, false
		}
		next := cur
		next.Status = models.StatusProcessing
		next.ExternalJobID = externalJobID
		next.SubmittedAt = models.TimePtr(now)
		next.NextRetryAt = nil
		next.LeaseUntil = nil
		next.ErrorMessage = ""
		return next, true
	})
}

// MarkSubmissionFailed moves Uploaded|Retry straight to Error.
func (e *Engine) MarkSubmissionFailed(ctx context.Context, id, message string) (models.Job, bool, error) {
	return e.Apply(ctx, id, func(cur models.Job, now time.Time) (models.Job, bool) {
		if cur.Status != models.StatusUploaded && cur.Status != models.StatusRetry {
			return cur, false
		}
		return failed(cur, now, message), true
	})
}

func failed(cur models.Job, now time.Time, message string) models.Job {
	next := cur
	next.Status = models.StatusError
	next.ErrorMessage = message
	next.CompletedAt = models.TimePtr(now)
	next.NextRetryAt = nil
	next.LeaseUntil = nil
	return next
}

func statusIn(s models.Status, set []models.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

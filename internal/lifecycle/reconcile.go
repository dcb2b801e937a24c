package lifecycle

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"transcription-jobs/internal/artifact"
	"transcription-jobs/internal/models"
	"transcription-jobs/internal/notify"
	"transcription-jobs/internal/store"
	"transcription-jobs/internal/telemetry"
)

// Ref names a job either by its own id or by the backend's id.
type Ref struct {
	ID         string
	ExternalID string
}

// ByID refers to a job by its id.
func ByID(id string) Ref { return Ref{ID: id} }

// ByExternalID refers to a job by the backend's id.
func ByExternalID(id string) Ref { return Ref{ExternalID: id} }

// Reconciliation is the result of ApplyResult. Applied is false when the
// outcome was not terminal, or another caller already finished the job; Job
// then holds the stored record.
type Reconciliation struct {
	Job     models.Job
	Applied bool
}

// Reconciler applies terminal backend outcomes to jobs exactly once. Push
// notifications and polls both come through ApplyResult.
type Reconciler struct {
	engine    *Engine
	store     store.Store
	artifacts artifact.Store
	notifier  notify.Notifier
	logger    logrus.FieldLogger
}

// NewReconciler builds a reconciler. artifacts may be nil.
func NewReconciler(engine *Engine, st store.Store, artifacts artifact.Store, notifier notify.Notifier, logger logrus.FieldLogger) *Reconciler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Reconciler{engine: engine, store: st, artifacts: artifacts, notifier: notifier, logger: logger}
}

// ApplyResult moves a Processing job (or a Retry job already holding the
// same external id) to Completed or Error. Only the caller whose conditional
// write wins runs the side effects, artifact upload first and notification
// second; their failures are logged and never undo the transition.
func (r *Reconciler) ApplyResult(ctx context.Context, ref Ref, outcome models.Outcome) (Reconciliation, error) {
	job, err := r.lookup(ctx, ref)
	if err != nil {
		return Reconciliation{}, err
	}
	if !outcome.Terminal() {
		return Reconciliation{Job: job}, nil
	}

	var artifactKey string
	if r.artifacts != nil && outcome.Status == models.BackendCompleted {
		artifactKey = artifact.TranscriptKey(job.ID)
	}

	next, applied, err := r.engine.Apply(ctx, job.ID, func(cur models.Job, now time.Time) (models.Job, bool) {
		if !awaitingResult(cur, outcome.ExternalJobID) {
			return cur, false
		}
		if outcome.Status == models.BackendFailed {
			return failed(cur, now, "Transcription failed: "+outcome.Error), true
		}
		next := cur
		res := models.Result{}
		if outcome.Result != nil {
			res = *outcome.Result
		}
		res.ArtifactKey = artifactKey
		next.Status = models.StatusCompleted
		next.Result = &res
		next.ErrorMessage = ""
		next.CompletedAt = models.TimePtr(now)
		next.NextRetryAt = nil
		next.LeaseUntil = nil
		return next, true
	})
	if err != nil {
		return Reconciliation{}, err
	}
	if !applied {
		telemetry.Reconciliations.WithLabelValues("noop").Inc()
		return Reconciliation{Job: next}, nil
	}

	log := r.logger.WithFields(logrus.Fields{"job_id": next.ID, "external_job_id": next.ExternalJobID})
	if next.Status == models.StatusCompleted {
		telemetry.Reconciliations.WithLabelValues("completed").Inc()
		log.Info("transcription completed")
		r.persistArtifact(ctx, next, log)
		r.notifier.NotifyCompleted(ctx, next, *next.Result)
	} else {
		telemetry.Reconciliations.WithLabelValues("failed").Inc()
		log.WithField("error", next.ErrorMessage).Warn("transcription failed")
		r.notifier.NotifyFailed(ctx, next, next.ErrorMessage)
	}
	return Reconciliation{Job: next, Applied: true}, nil
}

func (r *Reconciler) lookup(ctx context.Context, ref Ref) (models.Job, error) {
	if ref.ID != "" {
		return r.store.Get(ctx, ref.ID)
	}
	return r.store.GetByExternalID(ctx, ref.ExternalID)
}

func (r *Reconciler) persistArtifact(ctx context.Context, job models.Job, log logrus.FieldLogger) {
	if r.artifacts == nil || job.Result == nil || job.Result.ArtifactKey == "" {
		return
	}
	body, err := artifact.EncodeTranscript(job)
	if err == nil {
		_, err = r.artifacts.Put(ctx, job.Result.ArtifactKey, body, artifact.ContentTypeJSON)
	}
	if err != nil {
		telemetry.ArtifactFailures.Inc()
		log.WithError(err).Error("failed to persist transcript artifact")
	}
}

// awaitingResult reports whether cur can accept a terminal outcome for
// externalID. An empty externalID matches the job's own.
func awaitingResult(cur models.Job, externalID string) bool {
	if externalID != "" && cur.ExternalJobID != externalID {
		return false
	}
	switch cur.Status {
	case models.StatusProcessing:
		return true
	case models.StatusRetry:
		return cur.ExternalJobID != ""
	default:
		return false
	}
}

package lifecycle

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"transcription-jobs/internal/apperrors"
	"transcription-jobs/internal/artifact"
	"transcription-jobs/internal/gateway"
	"transcription-jobs/internal/models"
	"transcription-jobs/internal/notify"
	"transcription-jobs/internal/store"
	"transcription-jobs/internal/telemetry"
)

const defaultCallLease = 2 * time.Minute

// Deps are the collaborators a Coordinator drives. Notifier, Artifacts and
// Index are optional.
type Deps struct {
	Store     store.Store
	Gateway   gateway.Gateway
	Notifier  notify.Notifier
	Artifacts artifact.Store
	Index     RetryIndex
	Logger    logrus.FieldLogger
}

// Options tune retry and lease behaviour.
type Options struct {
	MaxRetries  int
	RetryBase   time.Duration
	RetryCap    time.Duration
	RetryJitter time.Duration
	CallLease   time.Duration
}

// Coordinator owns the job lifecycle: creation, submission, explicit polls
// and terminal results all go through it.
type Coordinator struct {
	engine     *Engine
	store      store.Store
	gateway    gateway.Gateway
	notifier   notify.Notifier
	scheduler  *RetryScheduler
	reconciler *Reconciler
	lease      time.Duration
	logger     logrus.FieldLogger
}

// NewCoordinator wires the engine, retry scheduler and reconciler over d.
func NewCoordinator(d Deps, o Options) *Coordinator {
	logger := d.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	lease := o.CallLease
	if lease <= 0 {
		lease = defaultCallLease
	}

	engine := NewEngine(d.Store, logger)
	c := &Coordinator{
		engine:     engine,
		store:      d.Store,
		gateway:    d.Gateway,
		notifier:   notifier,
		reconciler: NewReconciler(engine, d.Store, d.Artifacts, notifier, logger),
		lease:      lease,
		logger:     logger,
	}
	backoff := Backoff{Base: o.RetryBase, Cap: o.RetryCap, Jitter: o.RetryJitter}
	c.scheduler = NewRetryScheduler(engine, backoff, o.MaxRetries, d.Index, logger)
	c.scheduler.resubmit = c.Submit
	return c
}

// CreateParams describes a new transcription request.
type CreateParams struct {
	MediaRef    string
	CallbackURL string
}

func (p CreateParams) validate() error {
	if strings.TrimSpace(p.MediaRef) == "" {
		return apperrors.Validation("media_ref", "media_ref is required")
	}
	if p.CallbackURL != "" {
		u, err := url.Parse(p.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperrors.Validation("callback_url", "callback_url must be an absolute http(s) URL")
		}
	}
	return nil
}

// Create persists an Uploaded job and submits it. A failed submission is
// recorded on the job, not returned. The submission outlives ctx so a caller
// that goes away does not strand the job mid-handoff.
func (c *Coordinator) Create(ctx context.Context, p CreateParams) (models.Job, error) {
	if err := p.validate(); err != nil {
		return models.Job{}, err
	}
	now := c.engine.Now()
	job := models.Job{
		ID:          uuid.NewString(),
		MediaRef:    strings.TrimSpace(p.MediaRef),
		CallbackURL: p.CallbackURL,
		Status:      models.StatusUploaded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.Create(ctx, job); err != nil {
		return models.Job{}, err
	}
	telemetry.JobsCreated.Inc()
	c.logger.WithFields(logrus.Fields{"job_id": job.ID, "media_ref": job.MediaRef}).Info("job created")
	c.notifier.NotifyCreated(ctx, job)
	return c.Submit(context.WithoutCancel(ctx), job.ID)
}

// Submit hands an Uploaded or Retry job to the backend. It does nothing when
// the job is in another status or another submission is in flight. Once the
// backend has answered, the outcome is recorded even if ctx was cancelled.
func (c *Coordinator) Submit(ctx context.Context, id string) (models.Job, error) {
	job, claimed, err := c.engine.ClaimLease(ctx, id, c.lease, models.StatusUploaded, models.StatusRetry)
	if err != nil || !claimed {
		return job, err
	}
	log := c.logger.WithFields(logrus.Fields{"job_id": id, "retry_count": job.RetryCount})

	extID, subErr := c.gateway.Submit(ctx, job.MediaRef)
	ctx = context.WithoutCancel(ctx)
	if subErr != nil {
		d, err := c.scheduler.HandleFailure(ctx, id, subErr)
		if err != nil {
			return job, err
		}
		switch {
		case !d.Applied:
		case d.Retry:
			telemetry.Submissions.WithLabelValues("retry").Inc()
		default:
			telemetry.Submissions.WithLabelValues("failed").Inc()
			c.notifier.NotifyFailed(ctx, d.Job, d.Job.ErrorMessage)
		}
		return d.Job, nil
	}

	next, applied, err := c.engine.MarkSubmitted(ctx, id, extID)
	if err != nil {
		return job, err
	}
	if !applied {
		log.WithField("external_job_id", extID).Warn("submission accepted but job moved on")
		return next, nil
	}
	telemetry.Submissions.WithLabelValues("accepted").Inc()
	log.WithField("external_job_id", extID).Info("job submitted")
	return next, nil
}

// Poll asks the backend for the status of a Processing job and applies a
// terminal answer. A job that is still running is left unchanged.
func (c *Coordinator) Poll(ctx context.Context, id string) (Reconciliation, error) {
	job, err := c.store.Get(ctx, id)
	if err != nil {
		return Reconciliation{}, err
	}
	if job.Status != models.StatusProcessing || job.ExternalJobID == "" {
		return Reconciliation{Job: job}, nil
	}
	job, claimed, err := c.engine.ClaimLease(ctx, id, c.lease, models.StatusProcessing)
	if err != nil || !claimed {
		return Reconciliation{Job: job}, err
	}

	outcome, pollErr := c.gateway.PollStatus(ctx, job.ExternalJobID)
	if pollErr != nil {
		telemetry.PollErrors.Inc()
		c.release(ctx, job)
		var pe *gateway.PollError
		if !errors.As(pollErr, &pe) {
			pollErr = &gateway.PollError{ExternalJobID: job.ExternalJobID, Err: pollErr}
		}
		return Reconciliation{Job: job}, pollErr
	}
	if outcome.ExternalJobID == "" {
		outcome.ExternalJobID = job.ExternalJobID
	}
	if !outcome.Terminal() {
		return Reconciliation{Job: c.release(ctx, job)}, nil
	}

	rec, err := c.reconciler.ApplyResult(ctx, ByID(id), outcome)
	if err != nil || !rec.Applied {
		c.release(ctx, job)
	}
	return rec, err
}

// release drops a poll or submit claim and returns the freshest record.
func (c *Coordinator) release(ctx context.Context, job models.Job) models.Job {
	next, _, err := c.engine.ReleaseLease(ctx, job.ID)
	if err != nil {
		c.logger.WithField("job_id", job.ID).WithError(err).Warn("failed to release lease")
		return job
	}
	return next
}

// ApplyResult applies a pushed backend outcome.
func (c *Coordinator) ApplyResult(ctx context.Context, ref Ref, outcome models.Outcome) (Reconciliation, error) {
	return c.reconciler.ApplyResult(ctx, ref, outcome)
}

// Get returns the stored job.
func (c *Coordinator) Get(ctx context.Context, id string) (models.Job, error) {
	return c.store.Get(ctx, id)
}

// Ping checks the job store.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Recover resubmits retries that are due, for callers without a Sweeper.
func (c *Coordinator) Recover(ctx context.Context, limit int) (RecoveryReport, error) {
	return c.scheduler.Recover(ctx, limit)
}

// Close stops pending retry timers.
func (c *Coordinator) Close() {
	c.scheduler.Close()
}

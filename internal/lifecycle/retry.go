package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"transcription-jobs/internal/gateway"
	"transcription-jobs/internal/models"
	"transcription-jobs/internal/telemetry"
	"transcription-jobs/pkg/backoff"
)

// Backoff computes retry delays: min(base*2^n + jitter, cap).
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration
}

func (b Backoff) config() *backoff.Config {
	return &backoff.Config{Initial: b.Base, Max: b.Cap}
}

// Delay is the jittered wait before retry n (0-based).
func (b Backoff) Delay(n int) time.Duration {
	return backoff.WithJitter(n+1, b.config(), b.Jitter)
}

// Floor is the un-jittered wait before retry n. Recovery uses it so a
// restarted process never resubmits earlier than the original timer would.
func (b Backoff) Floor(n int) time.Duration {
	return backoff.Exponential(n+1, b.config())
}

// RetryIndex optionally mirrors retry due times outside the job table.
type RetryIndex interface {
	Schedule(ctx context.Context, jobID string, runAt time.Time) error
	Remove(ctx context.Context, jobID string) error
	PromoteDue(ctx context.Context, now time.Time, limit int64) ([]string, error)
}

// RetryScheduler decides between retrying and failing a submission, persists
// that decision, and arranges the resubmission. The persisted Retry status
// and LastRetryAt are the source of truth; the in-process timer and the
// optional index are only fast paths to the same resubmission.
type RetryScheduler struct {
	engine     *Engine
	backoff    Backoff
	maxRetries int
	index      RetryIndex
	resubmit   func(ctx context.Context, id string) (models.Job, error)
	logger     logrus.FieldLogger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewRetryScheduler builds a scheduler. resubmit is called when a retry is due.
func NewRetryScheduler(engine *Engine, b Backoff, maxRetries int, index RetryIndex, logger logrus.FieldLogger) *RetryScheduler {
	return &RetryScheduler{
		engine:     engine,
		backoff:    b,
		maxRetries: maxRetries,
		index:      index,
		logger:     logger,
		timers:     make(map[string]*time.Timer),
	}
}

// Decision is what HandleFailure persisted.
type Decision struct {
	Job     models.Job
	Applied bool
	Retry   bool
	Delay   time.Duration
}

// HandleFailure records a failed submission of job id. Terminal errors and
// exhausted retries finish the job with Error; transient ones move it to
// Retry with an incremented attempt count and arm a resubmission.
func (s *RetryScheduler) HandleFailure(ctx context.Context, id string, cause error) (Decision, error) {
	se := gateway.Classify(cause)
	var delay time.Duration
	var retry bool

	job, applied, err := s.engine.Apply(ctx, id, func(cur models.Job, now time.Time) (models.Job, bool) {
		if cur.Status != models.StatusUploaded && cur.Status != models.StatusRetry {
			return cur, false
		}
		retry = false
		if !se.Transient() {
			return failed(cur, now, "Submission rejected: "+se.Reason()), true
		}
		next := cur
		if cur.Status == models.StatusRetry {
			next.RetryCount = cur.RetryCount + 1
		}
		if s.maxRetries <= 0 || next.RetryCount >= s.maxRetries {
			next = failed(next, now, fmt.Sprintf("Submission failed after %d retry attempts: %s", next.RetryCount, se.Reason()))
			return next, true
		}
		retry = true
		delay = s.backoff.Delay(next.RetryCount)
		next.Status = models.StatusRetry
		next.LastRetryAt = models.TimePtr(now)
		next.NextRetryAt = models.TimePtr(now.Add(s.backoff.Floor(next.RetryCount)))
		next.LeaseUntil = nil
		next.ErrorMessage = fmt.Sprintf("%s; retrying in %s (attempt %d of %d)",
			se.Reason(), delay.Round(time.Second), next.RetryCount+1, s.maxRetries)
		return next, true
	})
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Job: job, Applied: applied, Retry: applied && retry, Delay: delay}
	if !applied {
		return d, nil
	}

	log := s.logger.WithFields(logrus.Fields{"job_id": id, "retry_count": job.RetryCount})
	switch {
	case d.Retry:
		telemetry.RetriesScheduled.Inc()
		log.WithError(cause).WithField("delay", delay.String()).Warn("submission failed, retry scheduled")
		s.arm(ctx, id, job.LastRetryAt.Add(delay), delay)
	case se.Transient():
		telemetry.RetriesExhausted.Inc()
		log.WithError(cause).Error("submission retries exhausted")
	default:
		log.WithError(cause).Error("submission rejected")
	}
	return d, nil
}

// arm starts the in-process timer and mirrors the due time to the index.
func (s *RetryScheduler) arm(ctx context.Context, id string, dueAt time.Time, delay time.Duration) {
	if s.index != nil {
		if err := s.index.Schedule(ctx, id, dueAt); err != nil {
			s.logger.WithField("job_id", id).WithError(err).Warn("failed to index retry")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.resubmit == nil {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id) })
	telemetry.RetryTimers.Set(float64(len(s.timers)))
}

func (s *RetryScheduler) fire(id string) {
	s.mu.Lock()
	delete(s.timers, id)
	telemetry.RetryTimers.Set(float64(len(s.timers)))
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if s.index != nil {
		_ = s.index.Remove(context.Background(), id)
	}
	if _, err := s.resubmit(context.Background(), id); err != nil {
		s.logger.WithField("job_id", id).WithError(err).Warn("scheduled resubmission failed")
	}
}

// Due reports whether a Retry job's backoff has elapsed at now. Rows written
// without NextRetryAt fall back to LastRetryAt plus the floor.
func (s *RetryScheduler) Due(job models.Job, now time.Time) bool {
	if job.Status != models.StatusRetry {
		return false
	}
	if job.NextRetryAt != nil {
		return !now.Before(*job.NextRetryAt)
	}
	if job.LastRetryAt == nil {
		return false
	}
	return !now.Before(job.LastRetryAt.Add(s.backoff.Floor(job.RetryCount)))
}

// RecoveryReport summarises one Recover pass.
type RecoveryReport struct {
	Resubmitted int
	Failed      int
}

// Recover resubmits Retry jobs whose backoff has elapsed, re-derived purely
// from the persisted record, then drains due entries from the index. The
// store lists Retry jobs by due time, so jobs still backing off never crowd
// due ones out of a batch.
func (s *RetryScheduler) Recover(ctx context.Context, limit int) (RecoveryReport, error) {
	var rep RecoveryReport
	if s.resubmit == nil {
		return rep, nil
	}
	now := s.engine.Now()
	jobs, err := s.engine.store.ListByStatus(ctx, models.StatusRetry, now, limit)
	if err != nil {
		return rep, err
	}
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if !s.Due(job, now) || job.Leased(now) {
			continue
		}
		seen[job.ID] = true
		s.resubmitOne(ctx, job.ID, &rep)
	}

	if s.index != nil {
		ids, err := s.index.PromoteDue(ctx, now, int64(limit))
		if err != nil {
			s.logger.WithError(err).Warn("failed to promote indexed retries")
		}
		for _, id := range ids {
			if !seen[id] {
				s.resubmitOne(ctx, id, &rep)
			}
		}
	}
	return rep, nil
}

func (s *RetryScheduler) resubmitOne(ctx context.Context, id string, rep *RecoveryReport) {
	s.cancelTimer(id)
	job, err := s.resubmit(ctx, id)
	if err != nil {
		rep.Failed++
		s.logger.WithField("job_id", id).WithError(err).Warn("recovered resubmission failed")
		return
	}
	if job.Status == models.StatusRetry && job.Leased(s.engine.Now()) {
		return
	}
	rep.Resubmitted++
}

func (s *RetryScheduler) cancelTimer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
		telemetry.RetryTimers.Set(float64(len(s.timers)))
	}
}

// Pending returns the number of armed timers.
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops all pending timers. Their jobs stay in Retry and are picked up
// by the next Recover.
func (s *RetryScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	telemetry.RetryTimers.Set(0)
}

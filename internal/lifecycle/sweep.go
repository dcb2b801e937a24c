package lifecycle

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"transcription-jobs/internal/models"
	"transcription-jobs/internal/telemetry"
)

// SweepOptions configure a Sweeper.
type SweepOptions struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Polled      int
	Resolved    int
	Resubmitted int
	Failed      int
}

// Sweeper periodically recovers jobs whose push notification never arrived,
// whose retry timer died with a previous process, or which were stranded
// between creation and first submission.
type Sweeper struct {
	coord      *Coordinator
	interval   time.Duration
	staleAfter time.Duration
	batch      int
	logger     logrus.FieldLogger
}

// NewSweeper builds a sweeper over coord.
func NewSweeper(coord *Coordinator, o SweepOptions) *Sweeper {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 10 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	return &Sweeper{
		coord:      coord,
		interval:   o.Interval,
		staleAfter: o.StaleAfter,
		batch:      o.BatchSize,
		logger:     coord.logger.WithField("component", "sweeper"),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		rep := s.SweepOnce(ctx)
		if rep != (SweepReport{}) {
			s.logger.WithFields(logrus.Fields{
				"polled":      rep.Polled,
				"resolved":    rep.Resolved,
				"resubmitted": rep.Resubmitted,
				"failed":      rep.Failed,
			}).Info("sweep finished")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs the three recovery passes. Per-job errors are counted and
// logged; they never stop the remaining work.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepReport {
	telemetry.SweepRuns.Inc()
	var rep SweepReport
	now := s.coord.engine.Now()
	cutoff := now.Add(-s.staleAfter)

	for _, job := range s.list(ctx, models.StatusProcessing, cutoff, &rep) {
		if job.Leased(now) {
			continue
		}
		rec, err := s.coord.Poll(ctx, job.ID)
		if err != nil {
			s.fail(job.ID, "poll", err, &rep)
			continue
		}
		rep.Polled++
		if rec.Applied {
			rep.Resolved++
		}
	}

	recovered, err := s.coord.scheduler.Recover(ctx, s.batch)
	if err != nil {
		s.fail("", "recover retries", err, &rep)
	}
	rep.Resubmitted += recovered.Resubmitted
	rep.Failed += recovered.Failed

	for _, job := range s.list(ctx, models.StatusUploaded, cutoff, &rep) {
		if job.Leased(now) {
			continue
		}
		next, err := s.coord.Submit(ctx, job.ID)
		if err != nil {
			s.fail(job.ID, "resubmit", err, &rep)
			continue
		}
		// Still Uploaded means another caller holds the claim.
		if next.Status != models.StatusUploaded {
			rep.Resubmitted++
		}
	}
	return rep
}

func (s *Sweeper) list(ctx context.Context, status models.Status, before time.Time, rep *SweepReport) []models.Job {
	jobs, err := s.coord.store.ListByStatus(ctx, status, before, s.batch)
	if err != nil {
		s.fail("", "list "+string(status), err, rep)
		return nil
	}
	return jobs
}

func (s *Sweeper) fail(id, step string, err error, rep *SweepReport) {
	rep.Failed++
	telemetry.SweepFailures.Inc()
	log := s.logger.WithField("step", step)
	if id != "" {
		log = log.WithField("job_id", id)
	}
	log.WithError(err).Warn("sweep step failed")
}

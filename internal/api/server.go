package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"transcription-jobs/internal/apperrors"
	"transcription-jobs/internal/gateway"
	"transcription-jobs/internal/lifecycle"
	"transcription-jobs/internal/models"
	"transcription-jobs/internal/ratelimit"
	"transcription-jobs/internal/telemetry"
	"transcription-jobs/internal/webhook"
)

const (
	maxWebhookBody = 1 << 20
	healthTimeout  = 2 * time.Second
)

// Lifecycle is the job surface the HTTP handlers drive.
type Lifecycle interface {
	Create(ctx context.Context, p lifecycle.CreateParams) (models.Job, error)
	Get(ctx context.Context, id string) (models.Job, error)
	Poll(ctx context.Context, id string) (lifecycle.Reconciliation, error)
	ApplyResult(ctx context.Context, ref lifecycle.Ref, outcome models.Outcome) (lifecycle.Reconciliation, error)
	Ping(ctx context.Context) error
}

// Limiter throttles explicit polls per job.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the job API and the backend webhook.
type Server struct {
	jobs    Lifecycle
	guard   *webhook.Guard
	limiter Limiter
	logger  logrus.FieldLogger
}

// New constructs the API server. limiter may be nil.
func New(jobs Lifecycle, guard *webhook.Guard, limiter Limiter, logger logrus.FieldLogger) *Server {
	return &Server{
		jobs:    jobs,
		guard:   guard,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreate)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/poll", s.handlePoll)
	r.Post("/webhooks/transcription", s.handleWebhook)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.jobs.Ping(ctx); err != nil {
		s.logger.WithError(err).Warn("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRequest struct {
	MediaRef    string `json:"media_ref"`
	CallbackURL string `json:"callback_url"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Validation("body", "invalid json"))
		return
	}
	job, err := s.jobs.Create(r.Context(), lifecycle.CreateParams{MediaRef: req.MediaRef, CallbackURL: req.CallbackURL})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), id)
		if err != nil {
			s.writeError(w, apperrors.Internal("poll rate limit", err))
			return
		}
		if !d.Allowed {
			telemetry.PollRateLimited.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			s.writeError(w, apperrors.RateLimited("poll"))
			return
		}
	}

	rec, err := s.jobs.Poll(r.Context(), id)
	var pe *gateway.PollError
	if errors.As(err, &pe) {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "transcription backend status check failed"})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.Job)
}

type webhookResponse struct {
	Status  string `json:"status"`
	Applied bool   `json:"applied"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, apperrors.Validation("body", "unreadable body"))
		return
	}
	n, err := s.guard.Check(r.Context(), body, r.Header)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if n.Duplicate {
		writeJSON(w, http.StatusOK, webhookResponse{Status: "duplicate"})
		return
	}

	rec, err := s.jobs.ApplyResult(r.Context(), lifecycle.ByExternalID(n.Outcome.ExternalJobID), n.Outcome)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.guard.Remember(r.Context(), n); err != nil {
		s.logger.WithField("external_job_id", n.Outcome.ExternalJobID).WithError(err).Warn("failed to record webhook delivery")
	}
	writeJSON(w, http.StatusOK, webhookResponse{Status: string(rec.Job.Status), Applied: rec.Applied})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := apperrors.HTTPStatus(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		s.logger.WithError(err).Error("request failed")
		msg = "internal error"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

package models

import (
	"time"
)

// Status enumerates lifecycle states persisted for a transcription job.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusRetry      Status = "retry"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether no further mutation is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Valid reports whether s is one of the persisted states.
func (s Status) Valid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusRetry, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Job represents a transcription request tracked from submission to completion.
type Job struct {
	ID            string     `json:"id"`
	MediaRef      string     `json:"media_ref"`
	CallbackURL   string     `json:"callback_url,omitempty"`
	ExternalJobID string     `json:"external_job_id,omitempty"`
	Status        Status     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	LastRetryAt   *time.Time `json:"last_retry_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	LeaseUntil    *time.Time `json:"-"`
	Result        *Result    `json:"result,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	Version       int64      `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Leased reports whether an unexpired in-flight claim exists at now.
func (j Job) Leased(now time.Time) bool {
	return j.LeaseUntil != nil && now.Before(*j.LeaseUntil)
}

// Result is the transcription payload stored on completed jobs.
type Result struct {
	Text           string    `json:"text"`
	Segments       []Segment `json:"segments,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	Sentiment      string    `json:"sentiment,omitempty"`
	Translation    string    `json:"translation,omitempty"`
	Captions       string    `json:"captions,omitempty"`
	ProcessingTime float64   `json:"processing_time,omitempty"`
	ArtifactKey    string    `json:"artifact_key,omitempty"`
}

// Segment is a timestamped span of the transcript.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// TimePtr returns a pointer to a UTC copy of t.
func TimePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

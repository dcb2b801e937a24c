package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"transcription-jobs/internal/apperrors"
)

// Kind separates failures worth retrying from ones that never will succeed.
type Kind int

const (
	Terminal Kind = iota
	Transient
)

func (k Kind) String() string {
	if k == Transient {
		return "transient"
	}
	return "terminal"
}

// ErrCircuitOpen is returned without contacting the backend while the breaker is open.
var ErrCircuitOpen = errors.New("transcription backend circuit open")

// HTTPError is a non-2xx backend response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// SubmissionError is a classified failure of Submit.
type SubmissionError struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s submission error: %v", e.Kind, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Transient reports whether the submission may be retried.
func (e *SubmissionError) Transient() bool { return e.Kind == Transient }

// Reason is the human-readable cause shown on the job record.
func (e *SubmissionError) Reason() string {
	switch {
	case e.StatusCode > 0 && e.Kind == Transient:
		return fmt.Sprintf("Transcription service unavailable (HTTP %d)", e.StatusCode)
	case e.StatusCode > 0:
		return fmt.Sprintf("Transcription service rejected the request (HTTP %d)", e.StatusCode)
	case errors.Is(e.Err, ErrCircuitOpen):
		return "Transcription service circuit open"
	default:
		return fmt.Sprintf("Transcription service unreachable: %v", e.Err)
	}
}

// PollError wraps a failed status check. Poll failures are always transient:
// the next poll or sweep tries again and the job is left as it was.
type PollError struct {
	ExternalJobID string
	StatusCode    int
	Err           error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll %s: %v", e.ExternalJobID, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// ClassifyStatus maps an HTTP status code to a failure kind.
func ClassifyStatus(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return Transient
	case code >= 500:
		return Transient
	default:
		return Terminal
	}
}

// Classify turns any Submit failure into a SubmissionError. Network errors,
// timeouts, cancellation and an open breaker are transient; validation
// failures and anything unrecognised are terminal.
func Classify(err error) *SubmissionError {
	if err == nil {
		return nil
	}
	var se *SubmissionError
	if errors.As(err, &se) {
		return se
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return &SubmissionError{Kind: ClassifyStatus(he.StatusCode), StatusCode: he.StatusCode, Err: err}
	}
	if errors.Is(err, apperrors.ErrValidation) {
		return &SubmissionError{Kind: Terminal, Err: err}
	}
	if errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return &SubmissionError{Kind: Transient, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &SubmissionError{Kind: Transient, Err: err}
	}
	return &SubmissionError{Kind: Terminal, Err: err}
}

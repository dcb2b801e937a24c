package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"transcription-jobs/internal/apperrors"
	"transcription-jobs/internal/models"
	"transcription-jobs/pkg/circuitbreaker"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code int
		want Kind
	}{
		{400, Terminal},
		{401, Terminal},
		{404, Terminal},
		{408, Transient},
		{422, Terminal},
		{425, Transient},
		{429, Transient},
		{500, Transient},
		{503, Transient},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.code); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, Transient},
		{"net timeout", timeoutErr{}, Transient},
		{"circuit open", ErrCircuitOpen, Transient},
		{"http 503", &HTTPError{StatusCode: 503}, Transient},
		{"http 400", &HTTPError{StatusCode: 400}, Terminal},
		{"validation", apperrors.Validation("media_ref", "bad"), Terminal},
		{"unknown", errors.New("something odd"), Terminal},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.err).Kind; got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestSubmissionError_Reason(t *testing.T) {
	t.Parallel()
	se := Classify(&HTTPError{StatusCode: 503})
	if se.Reason() != "Transcription service unavailable (HTTP 503)" {
		t.Fatalf("unexpected reason %q", se.Reason())
	}
	if !errors.As(se, new(*HTTPError)) {
		t.Fatal("expected HTTPError to stay reachable through Unwrap")
	}
}

func TestHTTPClient_Submit(t *testing.T) {
	t.Parallel()
	var got submitRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/transcriptions" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"job_id":"ext-1"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(ClientConfig{BaseURL: srv.URL + "/", APIKey: "key", WebhookURL: "https://hooks.example/t"})
	id, err := c.Submit(context.Background(), "s3://bucket/a.wav")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "ext-1" {
		t.Fatalf("id = %q", id)
	}
	if auth != "Bearer key" || got.MediaURL != "s3://bucket/a.wav" || got.WebhookURL != "https://hooks.example/t" {
		t.Fatalf("unexpected request auth=%q body=%+v", auth, got)
	}
}

func TestHTTPClient_SubmitClassifiesStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code int
		want Kind
	}{
		{http.StatusServiceUnavailable, Transient},
		{http.StatusTooManyRequests, Transient},
		{http.StatusUnprocessableEntity, Terminal},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", tt.code)
		}))
		_, err := NewHTTPClient(ClientConfig{BaseURL: srv.URL}).Submit(context.Background(), "media")
		srv.Close()

		var se *SubmissionError
		if !errors.As(err, &se) {
			t.Fatalf("%d: expected SubmissionError, got %v", tt.code, err)
		}
		if se.Kind != tt.want || se.StatusCode != tt.code {
			t.Errorf("%d: got kind=%s status=%d", tt.code, se.Kind, se.StatusCode)
		}
	}
}

func TestHTTPClient_SubmitUnreachableIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPClient(ClientConfig{BaseURL: url, Timeout: time.Second}).Submit(context.Background(), "media")
	if se := Classify(err); se == nil || !se.Transient() {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestHTTPClient_PollStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/transcriptions/ext-done":
			_, _ = w.Write([]byte(`{"status":"completed","transcript":"hello","processing_time":2}`))
		case "/v1/transcriptions/ext-running":
			_, _ = w.Write([]byte(`{"job_id":"ext-running","status":"processing"}`))
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	c := NewHTTPClient(ClientConfig{BaseURL: srv.URL})

	out, err := c.PollStatus(context.Background(), "ext-done")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if out.ExternalJobID != "ext-done" || out.Status != models.BackendCompleted || out.Result.Text != "hello" || out.Result.ProcessingTime != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}

	out, err = c.PollStatus(context.Background(), "ext-running")
	if err != nil || out.Terminal() {
		t.Fatalf("expected running outcome, got %+v err=%v", out, err)
	}

	_, err = c.PollStatus(context.Background(), "ext-broken")
	var pe *PollError
	if !errors.As(err, &pe) || pe.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected PollError 502, got %v", err)
	}
}

type flakyGateway struct {
	calls atomic.Int32
	err   error
}

func (f *flakyGateway) Submit(context.Context, string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "ext", nil
}

func (f *flakyGateway) PollStatus(context.Context, string) (models.Outcome, error) {
	return models.Outcome{Status: models.BackendProcessing}, nil
}

func TestBreaker_OpensOnTransientFailures(t *testing.T) {
	t.Parallel()
	inner := &flakyGateway{err: &SubmissionError{Kind: Transient, StatusCode: 503, Err: &HTTPError{StatusCode: 503}}}
	gw := WithBreaker(inner, circuitbreaker.Config{Threshold: 2, Cooldown: time.Hour})

	for i := 0; i < 2; i++ {
		if _, err := gw.Submit(context.Background(), "m"); err == nil {
			t.Fatal("expected failure")
		}
	}
	_, err := gw.Submit(context.Background(), "m")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if se := Classify(err); !se.Transient() {
		t.Fatal("open circuit must be transient")
	}
	if inner.calls.Load() != 2 {
		t.Fatalf("backend called %d times, want 2", inner.calls.Load())
	}
}

func TestBreaker_TerminalFailuresDoNotOpen(t *testing.T) {
	t.Parallel()
	inner := &flakyGateway{err: &SubmissionError{Kind: Terminal, StatusCode: 400, Err: &HTTPError{StatusCode: 400}}}
	gw := WithBreaker(inner, circuitbreaker.Config{Threshold: 1, Cooldown: time.Hour})

	for i := 0; i < 3; i++ {
		_, _ = gw.Submit(context.Background(), "m")
	}
	if gw.State() != circuitbreaker.Closed || inner.calls.Load() != 3 {
		t.Fatalf("expected closed circuit and 3 calls, got %s/%d", gw.State(), inner.calls.Load())
	}
}

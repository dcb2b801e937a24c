package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func decode(t *testing.T, body string) map[string]any {
	t.Helper()
	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return raw
}

func TestParseOutcome_Completed(t *testing.T) {
	t.Parallel()
	raw := decode(t, `{
		"job_id": "ext-1",
		"status": "completed",
		"transcript": "hello",
		"segments": [{"start": 0, "end": 1.5, "text": "hello", "speaker": "A"}],
		"summary": "greeting",
		"sentiment": {"label": "positive"},
		"processing_time": 3.25,
		"timestamp": 1700000000
	}`)

	out, err := ParseOutcome(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.ExternalJobID != "ext-1" || out.Status != BackendCompleted || !out.Terminal() {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Result == nil || out.Result.Text != "hello" {
		t.Fatalf("expected transcript hello, got %+v", out.Result)
	}
	if len(out.Result.Segments) != 1 || out.Result.Segments[0].End != 1.5 || out.Result.Segments[0].Speaker != "A" {
		t.Fatalf("unexpected segments %+v", out.Result.Segments)
	}
	if out.Result.Sentiment != `{"label":"positive"}` {
		t.Fatalf("expected sentiment object kept as json, got %q", out.Result.Sentiment)
	}
	if out.Result.ProcessingTime != 3.25 {
		t.Fatalf("unexpected processing time %v", out.Result.ProcessingTime)
	}
	if !out.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected timestamp %v", out.Timestamp)
	}
}

func TestParseOutcome_Failed(t *testing.T) {
	t.Parallel()
	out, err := ParseOutcome(decode(t, `{"job_id":"ext-2","status":"FAILED","error":"unsupported codec"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Status != BackendFailed || out.Error != "unsupported codec" || out.Result != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestParseOutcome_UnknownStatusIsNonTerminal(t *testing.T) {
	t.Parallel()
	out, err := ParseOutcome(decode(t, `{"job_id":"ext-3","status":"transcoding"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Status != BackendUnknown || out.Terminal() {
		t.Fatalf("expected unknown non-terminal, got %+v", out)
	}
}

func TestParseOutcome_MissingStatus(t *testing.T) {
	t.Parallel()
	_, err := ParseOutcome(decode(t, `{"job_id":"ext-4"}`))
	if !errors.Is(err, ErrMissingStatus) {
		t.Fatalf("expected ErrMissingStatus, got %v", err)
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   any
	}{
		{"seconds", float64(want.Unix())},
		{"millis", float64(want.UnixMilli())},
		{"numeric string", "1714564800"},
		{"rfc3339", "2024-05-01T12:00:00Z"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTimestamp(tt.in)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !got.Equal(want) {
				t.Fatalf("got %v want %v", got, want)
			}
		})
	}

	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatal("expected error for unparseable timestamp")
	}
	if _, err := ParseTimestamp(true); err == nil {
		t.Fatal("expected error for bool timestamp")
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []Status{StatusCompleted, StatusError} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusUploaded, StatusProcessing, StatusRetry} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if Status("bogus").Valid() {
		t.Error("bogus status should be invalid")
	}
}

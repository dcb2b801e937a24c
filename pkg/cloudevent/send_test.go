package cloudevent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIsClientError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"400", &HTTPError{StatusCode: 400}, true},
		{"499 boundary", &HTTPError{StatusCode: 499}, true},
		{"wrapped 404", fmt.Errorf("deliver: %w", &HTTPError{StatusCode: 404}), true},
		{"500", &HTTPError{StatusCode: 500}, false},
		{"non-HTTP", context.DeadlineExceeded, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsClientError(tt.err); got != tt.want {
				t.Errorf("IsClientError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSignatureAndVerify(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"test":"data"}`)

	sig := Signature(payload, "secret-key")
	if len(sig) != len("sha256=")+64 || sig[:7] != "sha256=" {
		t.Fatalf("unexpected signature format %q", sig)
	}
	if !Verify(payload, "secret-key", sig) {
		t.Fatal("expected signature to verify")
	}
	if Verify(payload, "other-key", sig) {
		t.Fatal("different key must not verify")
	}
	if Verify([]byte(`{"test":"tampered"}`), "secret-key", sig) {
		t.Fatal("tampered payload must not verify")
	}
	if Verify(payload, "secret-key", "") {
		t.Fatal("empty signature must not verify")
	}
}

func TestSender_Send(t *testing.T) {
	t.Parallel()
	var gotSig, gotType string
	var got CloudEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		gotType = r.Header.Get("Ce-Type")
		_ = json.Unmarshal(body, &got)
		if !Verify(body, "k", gotSig) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	event := New("transcription.job.completed", "/jobs", "job-1", "evt-1", map[string]any{"status": "completed"})
	if err := NewSender(time.Second).Send(context.Background(), srv.URL, event, "k"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotType != "transcription.job.completed" || got.Subject != "job-1" || got.Data["status"] != "completed" {
		t.Fatalf("unexpected delivery type=%q event=%+v", gotType, got)
	}
}

func TestSender_SendReturnsHTTPError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewSender(time.Second).Send(context.Background(), srv.URL, New("t", "s", "j", "i", nil), "")
	he, ok := err.(*HTTPError)
	if !ok || he.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected HTTP 503 error, got %v", err)
	}
	if IsClientError(err) {
		t.Fatal("503 is not a client error")
	}
}

package artifact

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"transcription-jobs/internal/models"
)

func TestLocalPut(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := NewLocal(dir)

	path, err := store.Put(context.Background(), "../../"+TranscriptKey("job-1"), []byte(`{}`), ContentTypeJSON)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	want := filepath.Join(dir, "transcripts", "job-1.json")
	if path != want {
		t.Fatalf("path = %q, want %q", path, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("file not written: %v", err)
	}
}

func TestEncodeTranscript(t *testing.T) {
	t.Parallel()
	b, err := EncodeTranscript(models.Job{
		ID:            "job-1",
		ExternalJobID: "ext-1",
		MediaRef:      "s3://media/a.wav",
		Result:        &models.Result{Text: "hello", ArtifactKey: TranscriptKey("job-1")},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var doc Transcript
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.JobID != "job-1" || doc.Result.Text != "hello" || doc.ExternalJobID != "ext-1" {
		t.Fatalf("unexpected document %+v", doc)
	}
}

func TestS3Put(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var gotPath, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath, gotType, gotBody = r.URL.Path, r.Header.Get("Content-Type"), body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "test", SecretAccessKey: "test"}, nil
		}),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
	})

	loc, err := NewS3(client, "transcripts-bucket").Put(context.Background(), TranscriptKey("job-9"), []byte(`{"ok":true}`), ContentTypeJSON)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if loc != "s3://transcripts-bucket/transcripts/job-9.json" {
		t.Fatalf("location = %q", loc)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/transcripts-bucket/transcripts/job-9.json" {
		t.Fatalf("request path = %q", gotPath)
	}
	if gotType != ContentTypeJSON || string(gotBody) != `{"ok":true}` {
		t.Fatalf("unexpected upload type=%q body=%q", gotType, gotBody)
	}
}

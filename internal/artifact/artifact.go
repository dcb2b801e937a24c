// Package artifact persists completed transcripts to object storage or disk.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"transcription-jobs/internal/config"
	"transcription-jobs/internal/models"
)

// ContentTypeJSON is used for transcript documents.
const ContentTypeJSON = "application/json"

// Store writes an object and returns its location.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// TranscriptKey is where a job's transcript document lives.
func TranscriptKey(jobID string) string {
	return "transcripts/" + jobID + ".json"
}

// Transcript is the document written for a completed job.
type Transcript struct {
	JobID         string        `json:"job_id"`
	ExternalJobID string        `json:"external_job_id"`
	MediaRef      string        `json:"media_ref"`
	Result        models.Result `json:"result"`
}

// EncodeTranscript renders the document for job.
func EncodeTranscript(job models.Job) ([]byte, error) {
	doc := Transcript{JobID: job.ID, ExternalJobID: job.ExternalJobID, MediaRef: job.MediaRef}
	if job.Result != nil {
		doc.Result = *job.Result
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	return b, nil
}

// New picks S3 when a bucket is configured and the local directory otherwise.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.ArtifactBucket == "" {
		return NewLocal(cfg.ArtifactDir), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArtifactEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArtifactEndpoint)
		}
		o.UsePathStyle = cfg.ArtifactPathStyle
	})
	return NewS3(client, cfg.ArtifactBucket), nil
}

// Local writes objects under a base directory.
type Local struct {
	baseDir string
}

// NewLocal returns a Local store rooted at dir.
func NewLocal(dir string) *Local {
	if dir == "" {
		dir = "./artifacts"
	}
	return &Local{baseDir: dir}
}

func (l *Local) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3 writes objects to a bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 returns an S3 store for bucket.
func NewS3(client *s3.Client, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

func (s *S3) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// sanitizeKey keeps keys relative so they cannot escape the base directory.
func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

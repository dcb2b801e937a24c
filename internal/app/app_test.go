package app

import (
	"context"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus/hooks/test"

	"transcription-jobs/internal/config"
	"transcription-jobs/internal/lifecycle"
	"transcription-jobs/internal/models"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.StoreDriver = "memory"
	cfg.RedisAddr = ""
	cfg.NATSURL = ""
	cfg.ArtifactBucket = ""
	cfg.ArtifactDir = t.TempDir()
	cfg.BackendURL = "http://127.0.0.1:1"
	return cfg
}

func TestNew_Memory(t *testing.T) {
	logger, _ := test.NewNullLogger()
	a, err := New(context.Background(), testConfig(t), logger)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close(context.Background())
	if a.Coordinator == nil || a.Redis != nil {
		t.Fatalf("unexpected app %+v", a)
	}

	// The backend is unreachable, so the job lands in Retry rather than failing.
	job, err := a.Coordinator.Create(context.Background(), lifecycle.CreateParams{MediaRef: "s3://media/a.mp3"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != models.StatusRetry {
		t.Fatalf("status = %s, want retry", job.Status)
	}
}

func TestNew_SQLiteWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	cfg := testConfig(t)
	cfg.StoreDriver = "sqlite"
	cfg.SQLitePath = filepath.Join(t.TempDir(), "jobs.db")
	cfg.RedisAddr = mr.Addr()

	logger, _ := test.NewNullLogger()
	a, err := New(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close(context.Background())
	if a.Redis == nil {
		t.Fatal("redis client should be configured")
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = "cassandra"
	if _, err := OpenStore(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for an unknown driver")
	}
}

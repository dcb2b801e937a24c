package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newIndex(t *testing.T) *RetryIndex {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRetryIndex(client, "test:retries")
}

func TestRetryIndex_PromoteDue(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t)
	now := time.Now()

	_ = idx.Schedule(ctx, "early", now.Add(-2*time.Second))
	_ = idx.Schedule(ctx, "due", now.Add(-time.Second))
	_ = idx.Schedule(ctx, "later", now.Add(time.Minute))

	ids, err := idx.PromoteDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if len(ids) != 2 || ids[0] != "early" || ids[1] != "due" {
		t.Fatalf("unexpected promoted ids %v", ids)
	}

	again, _ := idx.PromoteDue(ctx, now, 10)
	if len(again) != 0 {
		t.Fatalf("promoted entries must be claimed once, got %v", again)
	}
	if depth, _ := idx.Depth(ctx); depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}
}

func TestRetryIndex_LimitAndRemove(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t)
	past := time.Now().Add(-time.Minute)

	for _, id := range []string{"a", "b", "c"} {
		_ = idx.Schedule(ctx, id, past)
	}
	if err := idx.Remove(ctx, "b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	ids, _ := idx.PromoteDue(ctx, time.Now(), 1)
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("expected only a, got %v", ids)
	}
	rest, _ := idx.PromoteDue(ctx, time.Now(), 10)
	if len(rest) != 1 || rest[0] != "c" {
		t.Fatalf("expected c, got %v", rest)
	}
}

func TestRetryIndex_RescheduleReplacesDueTime(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t)
	now := time.Now()

	_ = idx.Schedule(ctx, "job", now.Add(-time.Second))
	_ = idx.Schedule(ctx, "job", now.Add(time.Hour))
	if ids, _ := idx.PromoteDue(ctx, now, 10); len(ids) != 0 {
		t.Fatalf("rescheduled job should not be due, got %v", ids)
	}
}

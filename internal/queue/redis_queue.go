package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"transcription-jobs/internal/config"
)

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RetryIndex mirrors scheduled retry due times in a Redis sorted set so any
// process can pick up due retries without scanning the job table. The job
// record stays authoritative; a lost index entry is recovered by the sweep.
type RetryIndex struct {
	client *redis.Client
	key    string
}

// NewRetryIndex uses the sorted set at key.
func NewRetryIndex(client *redis.Client, key string) *RetryIndex {
	if key == "" {
		key = "transcription:retries"
	}
	return &RetryIndex{client: client, key: key}
}

// Schedule records that jobID is due at runAt, replacing any earlier entry.
func (q *RetryIndex) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.key, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID}).Err()
}

// Remove forgets jobID.
func (q *RetryIndex) Remove(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.key, jobID).Err()
}

// PromoteDue atomically claims up to limit entries due at or before now and
// returns their job ids. Each entry is handed to exactly one caller.
func (q *RetryIndex) PromoteDue(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := promoteScript.Run(ctx, q.client, []string{q.key}, now.UnixMilli(), limit).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from promote script: %T", res)
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// Depth returns how many retries are waiting.
func (q *RetryIndex) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for i=1,#ids do
  redis.call('ZREM', KEYS[1], ids[i])
end
return ids
`)

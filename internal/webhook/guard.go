// Package webhook validates inbound backend notifications before they reach
// reconciliation: signature, freshness and duplicate suppression.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"transcription-jobs/internal/apperrors"
	"transcription-jobs/internal/models"
	"transcription-jobs/internal/telemetry"
	"transcription-jobs/pkg/cloudevent"
)

const (
	// TimestampHeader carries the delivery time when the body has none.
	TimestampHeader = "X-Webhook-Timestamp"

	defaultWindow    = 300 * time.Second
	defaultKeyPrefix = "transcription:webhook:"
)

// Rejection reasons, used as metric labels.
const (
	ReasonMalformed = "malformed"
	ReasonStale     = "stale"
	ReasonSignature = "signature"
)

// Config configures a Guard. Redis is optional and enables duplicate
// suppression.
type Config struct {
	Window    time.Duration
	Secret    string
	Redis     *redis.Client
	KeyPrefix string
}

// Guard rejects notifications that are unsigned, malformed or outside the
// replay window.
type Guard struct {
	window time.Duration
	secret string
	redis  *redis.Client
	prefix string
	now    func() time.Time
}

// NewGuard builds a guard from cfg.
func NewGuard(cfg Config) *Guard {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	return &Guard{
		window: cfg.Window,
		secret: cfg.Secret,
		redis:  cfg.Redis,
		prefix: cfg.KeyPrefix,
		now:    time.Now,
	}
}

// Notification is an accepted delivery.
type Notification struct {
	Outcome   models.Outcome
	Timestamp time.Time
	// Duplicate is set when the same delivery was already reconciled.
	Duplicate bool
}

// Check validates one delivery. Errors are classified with apperrors:
// ErrValidation for malformed input, ErrExpired for stale timestamps and
// ErrUnauthorized for a bad signature.
func (g *Guard) Check(ctx context.Context, body []byte, header http.Header) (Notification, error) {
	if g.secret != "" && !cloudevent.Verify(body, g.secret, header.Get(cloudevent.SignatureHeader)) {
		return Notification{}, reject(ReasonSignature, apperrors.Unauthorized("invalid webhook signature"))
	}

	raw := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Notification{}, reject(ReasonMalformed, apperrors.Validation("body", "invalid JSON payload"))
	}
	outcome, err := models.ParseOutcome(raw)
	if err != nil {
		return Notification{}, reject(ReasonMalformed, apperrors.Validation("body", err.Error()))
	}
	if outcome.ExternalJobID == "" {
		return Notification{}, reject(ReasonMalformed, apperrors.Validation("job_id", "job_id is required"))
	}

	ts := outcome.Timestamp
	if ts.IsZero() {
		if v := header.Get(TimestampHeader); v != "" {
			if ts, err = models.ParseTimestamp(v); err != nil {
				return Notification{}, reject(ReasonMalformed, apperrors.Validation("timestamp", err.Error()))
			}
		}
	}
	if ts.IsZero() {
		return Notification{}, reject(ReasonMalformed, apperrors.Validation("timestamp", "timestamp is required"))
	}
	outcome.Timestamp = ts

	skew := g.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > g.window {
		return Notification{}, reject(ReasonStale, apperrors.Expired(
			fmt.Sprintf("notification timestamp is %s away from now, outside the %s window", skew.Round(time.Second), g.window)))
	}

	n := Notification{Outcome: outcome, Timestamp: ts}
	if g.redis != nil {
		seen, err := g.redis.Exists(ctx, g.key(n)).Result()
		if err != nil {
			return Notification{}, fmt.Errorf("check webhook replay: %w", err)
		}
		n.Duplicate = seen > 0
	}
	return n, nil
}

// Remember records a successfully reconciled delivery so a replay within the
// window is recognised. It is a no-op without Redis.
func (g *Guard) Remember(ctx context.Context, n Notification) error {
	if g.redis == nil {
		return nil
	}
	// Entries outlive the window so a replay at its far edge still matches.
	if err := g.redis.SetNX(ctx, g.key(n), 1, 2*g.window).Err(); err != nil {
		return fmt.Errorf("remember webhook: %w", err)
	}
	return nil
}

func (g *Guard) key(n Notification) string {
	return fmt.Sprintf("%s%s:%s:%d", g.prefix, n.Outcome.ExternalJobID, n.Outcome.Status, n.Timestamp.UnixMilli())
}

func reject(reason string, err error) error {
	telemetry.WebhookRejected.WithLabelValues(reason).Inc()
	return err
}

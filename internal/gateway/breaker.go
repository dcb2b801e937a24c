package gateway

import (
	"context"

	"transcription-jobs/internal/models"
	"transcription-jobs/pkg/circuitbreaker"
)

// Breaker short-circuits calls while the backend keeps failing. Only
// transient failures count against the circuit; a rejected request says
// nothing about backend health.
type Breaker struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
}

// WithBreaker wraps next in a circuit breaker.
func WithBreaker(next Gateway, cfg circuitbreaker.Config) *Breaker {
	return &Breaker{next: next, breaker: circuitbreaker.New(cfg)}
}

// State exposes the circuit state for health reporting.
func (b *Breaker) State() circuitbreaker.State {
	return b.breaker.State()
}

func (b *Breaker) Submit(ctx context.Context, mediaRef string) (string, error) {
	if !b.breaker.Allow() {
		return "", &SubmissionError{Kind: Transient, Err: ErrCircuitOpen}
	}
	id, err := b.next.Submit(ctx, mediaRef)
	if err != nil {
		if se := Classify(err); se.Transient() {
			b.breaker.RecordFailure()
		} else {
			b.breaker.RecordSuccess()
		}
		return "", err
	}
	b.breaker.RecordSuccess()
	return id, nil
}

func (b *Breaker) PollStatus(ctx context.Context, externalJobID string) (models.Outcome, error) {
	if !b.breaker.Allow() {
		return models.Outcome{}, &PollError{ExternalJobID: externalJobID, Err: ErrCircuitOpen}
	}
	out, err := b.next.PollStatus(ctx, externalJobID)
	if err != nil {
		b.breaker.RecordFailure()
		return models.Outcome{}, err
	}
	b.breaker.RecordSuccess()
	return out, nil
}

var _ Gateway = (*Breaker)(nil)

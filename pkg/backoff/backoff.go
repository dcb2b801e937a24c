// Package backoff provides exponential backoff calculation.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

func (c *Config) bounds() (time.Duration, time.Duration) {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if c != nil {
		if c.Initial > 0 {
			initial = c.Initial
		}
		if c.Max > 0 {
			maxBackoff = c.Max
		}
	}
	return initial, maxBackoff
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxBackoff := cfg.bounds()
	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(maxBackoff) || math.IsInf(d, 0) {
		return maxBackoff
	}
	return time.Duration(d)
}

// WithJitter adds a uniform random delay in [0, jitter] to Exponential and
// caps the sum at cfg.Max.
func WithJitter(attempt int, cfg *Config, jitter time.Duration) time.Duration {
	_, maxBackoff := cfg.bounds()
	d := Exponential(attempt, cfg)
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter) + 1))
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

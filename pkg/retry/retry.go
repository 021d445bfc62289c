// Package retry provides retry with exponential backoff for calls across
// the columnar RPC plane (peer Flight endpoints, shuffle sends).
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/swarmsql/swarmsql/pkg/swarmerr"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	OnRetry      func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns the engine's default retry policy: three attempts,
// short exponential backoff, jittered to avoid thundering herds when many
// coordinators retry the same flaky shard at once.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer executes a function with retry/backoff, retrying only errors the
// swarmerr taxonomy marks Retryable (Unavailable, Timeout).
type Retryer struct {
	config Config
}

// New creates a Retryer, filling in zero-valued fields from DefaultConfig.
func New(config Config) *Retryer {
	d := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = d.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = d.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = d.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = d.Multiplier
	}
	return &Retryer{config: config}
}

// Do runs fn, retrying per policy. It never retries a context cancellation.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return swarmerr.TimeoutErr("retry", "canceled before attempt %d", attempt).WithCause(ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt >= r.config.MaxAttempts || !isRetryable(err) {
			return err
		}

		delay := r.delayFor(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return swarmerr.TimeoutErr("retry", "canceled during backoff after attempt %d", attempt).WithCause(ctx.Err())
		case <-time.After(delay):
		}
	}

	return swarmerr.Unavailable("retry", "exhausted %d attempts", r.config.MaxAttempts).WithCause(lastErr)
}

func isRetryable(err error) bool {
	se, ok := err.(*swarmerr.Error)
	if !ok {
		return false
	}
	return se.Retryable()
}

func (r *Retryer) delayFor(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do is a convenience wrapper using DefaultConfig.
func Do(ctx context.Context, fn func(context.Context) error) error {
	return New(DefaultConfig()).Do(ctx, fn)
}

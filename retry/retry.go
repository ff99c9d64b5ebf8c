// Package retry provides exponential backoff for store operations. Agents
// use it around publishes: failures back off exponentially and give up after
// a bounded number of attempts so a stuck store never wedges a tool call.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	// A value of 0 or 1 means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the delay after each retry. 2.0 gives
	// exponential backoff.
	BackoffMultiplier float64
	// Jitter adds randomness to each delay. 0.1 adds up to 10%.
	Jitter float64
}

// DefaultConfig returns the publish retry policy: three attempts backing off
// from 250 ms toward an 8 s cap.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        8 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// ExhaustedError is returned when all attempts failed.
type ExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int
	// TotalDuration is the total time spent retrying.
	TotalDuration time.Duration
	// LastError is the error from the final attempt.
	LastError error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the final attempt's error.
func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Do runs fn until it succeeds, the attempts are exhausted, or ctx is
// canceled. The zero Config means a single attempt.
func Do(ctx context.Context, cfg Config, fn func(context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		delay := cfg.backoff(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return &ExhaustedError{
		Attempts:      attempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// backoff computes the delay before the given retry (1-based attempt that
// just failed).
func (cfg Config) backoff(attempt int) time.Duration {
	base := cfg.InitialBackoff
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	mult := cfg.BackoffMultiplier
	if mult <= 1 {
		mult = 2.0
	}
	d := time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	if cfg.MaxBackoff > 0 && d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	if cfg.Jitter > 0 {
		d += time.Duration(rand.Float64() * cfg.Jitter * float64(d))
	}
	return d
}

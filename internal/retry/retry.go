// Package retry provides the bounded exponential-backoff helper used by the
// sync processor for remote writes.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Config controls retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries. Default: 10s.
	MaxBackoff time.Duration

	// Multiplier grows the backoff after each attempt. Default: 2.0.
	Multiplier float64

	// Jitter is the fraction of random spread applied to each delay
	// (0.1 means +/-10%). Default: 0.1.
	Jitter float64

	// RetryIf decides whether an error is worth retrying. If nil, every
	// error is retried.
	RetryIf func(error) bool

	// Sleep overrides the delay mechanism; tests inject a fake.
	// If nil, a context-aware time.After wait is used.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns the processor's standard retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2.0
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = 0.1
	}
	if c.Sleep == nil {
		c.Sleep = sleep
	}
}

// Result reports how a retried operation concluded.
type Result struct {
	Attempts int
	Err      error // nil on success
}

// Do runs op with retries per the config. The last error is returned in
// the result after attempts are exhausted or a non-retryable error occurs;
// the operation is never silently dropped.
func Do(ctx context.Context, cfg Config, op func() error) Result {
	cfg.applyDefaults()

	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return Result{Attempts: attempt}
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return Result{Attempts: attempt, Err: lastErr}
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if err := cfg.Sleep(ctx, withJitter(backoff, cfg.Jitter)); err != nil {
			return Result{Attempts: attempt, Err: err}
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return Result{Attempts: cfg.MaxAttempts, Err: lastErr}
}

func withJitter(d time.Duration, jitter float64) time.Duration {
	if jitter == 0 {
		return d
	}
	spread := float64(d) * jitter
	return time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

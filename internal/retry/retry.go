// Package retry provides the exponential backoff used by reconnecting transports and
// transient store operations.
package retry

import (
	"context"
	"math/rand"
	"time"

	serrors "github.com/p-blackswan/sentinel/internal/errors"
)

// Backoff computes reconnect delays: min(Base * 2^failures, Max).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter scales each delay by a random factor in [0.5, 1.0).
	Jitter bool
}

// DefaultBackoff returns the transport defaults.
func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second}
}

// Delay returns the wait after the given number of consecutive failures.
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	delay := b.Max
	// Beyond 2^30 the product overflows well past any sane Max.
	if failures < 31 {
		if d := b.Base << uint(failures); d > 0 && d < b.Max {
			delay = d
		}
	}
	if b.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	return delay
}

// Config holds retry configuration for Do.
type Config struct {
	MaxAttempts int
	Backoff     Backoff
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: true},
	}
}

// Do executes fn with exponential backoff. Only transient errors are retried.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !serrors.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(cfg.Backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

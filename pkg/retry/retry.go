package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds capped-exponential-backoff retry configuration.
type Config struct {
	MaxAttempts  int           // attempts after the first try
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // backoff cap
	Multiplier   float64       // typically 2.0
	Jitter       bool          // randomize +/-25% to avoid thundering herd
}

// DefaultConfig returns the backoff used for signaling reconnects.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Do runs fn until it succeeds, the attempt budget is spent, or ctx is
// cancelled. The delay between attempts grows exponentially up to MaxDelay.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-time.After(Delay(cfg, attempt)):
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// Delay returns the backoff delay for the given zero-based attempt.
func Delay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	d := time.Duration(delay)
	if cfg.Jitter {
		jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
		d = d - d/4 + jitter
	}
	return d
}

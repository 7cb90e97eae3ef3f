package governance

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrMaxAttemptsExceeded is returned when every retry attempt has failed;
// the last underlying failure is wrapped alongside it.
var ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

// RetryConfig defines retry behaviour for a pipeline step.
type RetryConfig struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int
	// Delay is the base wait between attempts.
	Delay time.Duration
	// BackoffMultiplier grows the delay per attempt; <=1 keeps it fixed.
	BackoffMultiplier float64
	// Jitter adds up to 25% randomness to each delay.
	Jitter bool
}

// DefaultRetryConfig returns sensible defaults for step retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		Delay:             time.Second,
		BackoffMultiplier: 1.0,
		Jitter:            false,
	}
}

// Backoff returns the delay before the given retry attempt (0-based count of
// completed attempts).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	delay := c.Delay
	if c.BackoffMultiplier > 1 {
		delay = time.Duration(float64(c.Delay) * math.Pow(c.BackoffMultiplier, float64(attempt)))
	}
	if c.Jitter && delay > 0 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		delay += time.Duration(rand.Int63n(int64(delay/4) + 1))
	}
	return delay
}

// Retry executes fn until it succeeds, attempts are exhausted, or the context
// is cancelled. After the final failure the last error propagates, wrapped
// with ErrMaxAttemptsExceeded. A cancelled delay returns ctx.Err().
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}
		delay := cfg.Backoff(attempt)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return errors.Join(ErrMaxAttemptsExceeded, lastErr)
}

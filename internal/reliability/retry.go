package reliability

import (
	"context"
	"math"
	"time"
)

// RetryConfig controls Retry. The zero value is usable: it performs a single
// attempt with no delay.
type RetryConfig struct {
	// MaxRetries is the number of attempts made after the first one.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Factor multiplies the delay after each failed attempt. Values below 1
	// fall back to 2.
	Factor float64
	// ShouldRetry stops the loop early for errors that cannot succeed on a
	// later attempt. Nil retries everything.
	ShouldRetry func(error) bool
	// OnRetry is invoked before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig is the conservative policy used for control-plane calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Factor:       2,
	}
}

// Retry runs fn until it succeeds, the retry budget is spent, ShouldRetry
// rejects the error, or ctx is done. Total attempts never exceed
// MaxRetries+1 and the last error from fn is returned unchanged.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := RetryValue(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryValue is Retry for operations that produce a value.
func RetryValue[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	factor := cfg.Factor
	if factor < 1 {
		factor = 2
	}
	delay := cfg.InitialDelay

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		// Ending a call flips the context; never start an attempt after that.
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if attempt == maxRetries {
			break
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			break
		}

		wait := delay
		if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, wait, err)
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, lastErr
			case <-timer.C:
			}
		}
		delay = nextDelay(delay, factor, cfg.MaxDelay)
	}
	return zero, lastErr
}

// nextDelay grows delay by factor, capped at ceiling, or at the largest
// Duration when ceiling is unset.
func nextDelay(delay time.Duration, factor float64, ceiling time.Duration) time.Duration {
	limit := time.Duration(math.MaxInt64)
	if ceiling > 0 {
		limit = ceiling
	}
	next := float64(delay) * factor
	if next >= float64(limit) || time.Duration(next) > limit {
		return limit
	}
	return time.Duration(next)
}

// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config bounds a retry loop.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration

	// Multiplier grows the delay after each attempt.
	Multiplier float64
}

// ShouldRetry reports whether err is worth another attempt.
type ShouldRetry func(error) bool

// WithRetry calls fn until it succeeds, shouldRetry rejects its error, the
// attempt budget is spent or ctx is done. The last error is returned.
func WithRetry[T any](ctx context.Context, config Config, shouldRetry ShouldRetry, fn func() (T, error)) (T, error) {
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	op := func() (T, error) {
		res, err := fn()
		if err != nil && (shouldRetry == nil || !shouldRetry(err)) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(newBackOff(config)),
		backoff.WithMaxTries(uint(attempts)),
	)
}

func newBackOff(config Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if config.InitialDelay > 0 {
		b.InitialInterval = config.InitialDelay
	}
	if config.MaxDelay > 0 {
		b.MaxInterval = config.MaxDelay
	}
	if config.Multiplier >= 1 {
		b.Multiplier = config.Multiplier
	}
	b.RandomizationFactor = 0
	return b
}

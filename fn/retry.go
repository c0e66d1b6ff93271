package fn

import (
	"context"
	"time"
)

// RetryConfig defines the parameters for exponential backoff retry behavior.
type RetryConfig struct {
	// MaxRetries specifies how many times to retry after the initial
	// attempt fails.
	MaxRetries int

	// InitialBackoff sets the delay before the first retry attempt.
	InitialBackoff time.Duration

	// BackoffMultiplier determines the exponential growth rate of the
	// backoff duration between successive retries.
	BackoffMultiplier float64

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the retry settings used for calls to remote
// services that may fail transiently.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        5,
		InitialBackoff:    200 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Second,
	}
}

// RetryFuncN executes the provided function with exponential backoff retry
// logic. The function respects context cancellation and returns immediately
// if the context is cancelled.
func RetryFuncN[T any](ctx context.Context, config RetryConfig,
	fn func() (T, error)) (T, error) {

	var (
		result T
		err    error
	)

	backoff := config.InitialBackoff
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}

		if attempt == config.MaxRetries {
			return result, err
		}

		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()

		case <-time.After(backoff):
			backoff = time.Duration(
				float64(backoff) * config.BackoffMultiplier,
			)
		}
	}

	return result, err
}

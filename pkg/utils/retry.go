package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOptions contains configuration for retry behavior.
type RetryOptions struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// GetLoginRetryOptions returns retry options for the startup session login.
// The platform throttles login attempts aggressively, so intervals are long.
func GetLoginRetryOptions() RetryOptions {
	return RetryOptions{
		MaxElapsedTime:  5 * time.Minute,
		InitialInterval: 10 * time.Second,
		MaxInterval:     60 * time.Second,
		MaxRetries:      5,
	}
}

// WithRetry executes the given operation with exponential backoff using provided options.
func WithRetry[T any](ctx context.Context, operation func() (T, error), opts RetryOptions) (T, error) {
	var result T

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(opts.MaxElapsedTime),
		backoff.WithInitialInterval(opts.InitialInterval),
		backoff.WithMaxInterval(opts.MaxInterval),
	), opts.MaxRetries)

	backoffOperation := func() error {
		var err error
		result, err = operation()
		return err
	}

	err := backoff.Retry(backoffOperation, backoff.WithContext(b, ctx))

	return result, err
}

package platform

import (
	"context"
	"time"
)

// RetryBackoff is the pause before the single retry attempt.
const RetryBackoff = 2 * time.Second

// WithRetry runs fn and, if it fails with a retryable platform error, runs it
// once more after a short backoff. Non-retryable errors return immediately.
func WithRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !IsRetryable(err) {
		return err
	}

	select {
	case <-time.After(RetryBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}

	return fn()
}

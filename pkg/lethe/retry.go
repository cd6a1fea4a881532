package lethe

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"
)

const (
	maxRetries = 5
	retryBase  = 50 * time.Millisecond
)

func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ETIMEDOUT)
}

// retry runs fn with exponential backoff while it fails with a transient error.
func retry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransient(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		if attempt == maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBase * (1 << (attempt - 1))):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, maxRetries, lastErr)
}

package utils

import (
	"context"
	"fmt"
	"strings"
	"time"
)

var sleep = time.Sleep

// WaitFor blocks for d or until ctx is done.
func WaitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sleep(d)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// TruncateForLog shortens the provided string to the specified limit, appending an ellipsis when truncated.
func TruncateForLog(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

// Retry calls fn up to attempts times while retryable reports the returned
// error as worth another try. The wait between attempts grows linearly with
// backoff. The last error is returned unwrapped so callers can inspect it.
func Retry[T any](ctx context.Context, attempts int, backoff time.Duration, retryable func(error) bool, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := fn(i + 1)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if retryable == nil || !retryable(err) || i == attempts-1 {
			break
		}

		if err := WaitFor(ctx, time.Duration(i+1)*backoff); err != nil {
			return zero, lastErr
		}
	}

	if lastErr == nil {
		return zero, fmt.Errorf("no attempts made")
	}
	return zero, lastErr
}

package httpapi

import (
	"context"
	"time"

	"gatehouse.dev/internal/auth"
)

// Idempotent calls that fail with auth.ErrUnavailable are retried up to
// retryAttempts times in total, doubling the pause between attempts.
var (
	retryAttempts = 3
	retryDelay    = 50 * time.Millisecond
)

func withRetry[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	delay := retryDelay
	for attempt := 1; ; attempt++ {
		out, err := fn(ctx)
		if err == nil || attempt >= retryAttempts || auth.KindOf(err) != auth.KindUnavailable {
			return out, err
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return out, err
		}
		delay *= 2
	}
}

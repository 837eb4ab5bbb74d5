package llm

import (
	"context"
	"time"
)

// withRetries runs fn up to attempts times, doubling the wait between
// attempts starting from baseWait. Context cancellation aborts the loop
// and is never retried.
func withRetries(ctx context.Context, attempts int, baseWait time.Duration, onRetry func(), fn func(context.Context) error) error {
	var lastErr error
	wait := baseWait
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

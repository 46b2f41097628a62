package jobs

import (
	"context"
	"fmt"
	"time"
)

// Default retry policy of the post-conversation jobs.
const (
	postAttempts  = 3
	postRetryBase = time.Second
	postRetryCap  = 30 * time.Second
)

// Retry runs fn up to attempts times with exponential backoff (base
// doubling up to cap between attempts). It returns nil on the first
// success, ctx.Err() if the context ends while waiting, and the last
// attempt's error otherwise.
func Retry(ctx context.Context, attempts int, base, cap time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	var last error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			if delay *= 2; delay > cap {
				delay = cap
			}
		}
		if last = fn(ctx); last == nil {
			return nil
		}
		if ctx.Err() != nil {
			return last
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, last)
}

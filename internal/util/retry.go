package util

import (
	"context"
	"fmt"
	"time"
)

// Retry runs fn until it succeeds, giving up after attempts tries. The wait
// between tries starts at delay and doubles each time. Cancelling the context
// aborts a pending wait, not a call already in flight.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}
		if last = fn(); last == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, last)
}

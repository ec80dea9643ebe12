// Package retry implements bounded exponential backoff, used by the host
// backend's container delete, generalized from the deadline-bounded
// stop/force-kill retry idiom in warren's containerd runtime driver.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Backoff retries fn until it returns a nil error, ctx is done, or the
// deadline elapses, doubling the delay each attempt up to max, with up to
// 20% jitter. Deadline is relative to the call, not absolute.
func Backoff(ctx context.Context, deadline, initial, max time.Duration, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	delay := initial
	var lastErr error
	for {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if delay > max {
			delay = max
		}
		jitter := time.Duration(rand.Int63n(int64(delay) / 5 + 1))
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}

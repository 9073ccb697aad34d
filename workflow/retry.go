package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/songzhibin97/approval-engine/types"
)

// RetryOnConflict calls fn until it returns anything other than a
// concurrent_modification error, at most attempts times. The wait between
// attempts grows linearly from backoff. fn must re-read the instance, so
// a retried action that lost its race against an advancing instance fails
// with stale_action instead of being applied twice.
func RetryOnConflict(ctx context.Context, attempts int, backoff time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn(ctx)
		if lastErr == nil || !errors.Is(lastErr, types.ErrConcurrentModification) {
			return lastErr
		}
		if i < attempts-1 && backoff > 0 {
			timer := time.NewTimer(backoff * time.Duration(i+1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return lastErr
}

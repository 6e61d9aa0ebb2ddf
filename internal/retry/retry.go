// Package retry provides the single retryable-call wrapper used by every
// outbound call that should tolerate transient failure: provider reads,
// balance checks, and notification sends. It is deliberately not used around
// broadcast-and-confirm, where a blind retry risks double-submitting a
// transaction.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Do runs op up to attempts times with exponential backoff starting at base,
// stopping early when ctx is canceled. The last error is returned when all
// attempts fail.
func Do(ctx context.Context, attempts uint64, base time.Duration, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	if attempts == 0 {
		attempts = 1
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, attempts-1), ctx))
}

// Permanent marks err as non-retryable, aborting the backoff loop.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

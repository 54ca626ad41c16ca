package consolidate

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/memtier/memory"
)

// Error kinds surfaced by the engine. Individual record and group failures
// degrade the report rather than aborting the run; only a store failure on a
// rule's eligibility query aborts that rule.
var (
	// ErrStoreUnavailable wraps vector store connectivity failures.
	ErrStoreUnavailable = errors.New("vector store unavailable")

	// ErrDataIntegrity marks records with malformed or inconsistent data.
	// These are excluded and logged, never retried.
	ErrDataIntegrity = errors.New("memory data integrity violation")
)

// isRetryable reports whether an error is worth another attempt. Integrity
// violations and malformed metadata never are; everything else at an IO
// boundary is assumed transient.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrDataIntegrity) || errors.Is(err, memory.ErrMissingField) {
		return false
	}
	return true
}

// withRetry runs fn up to maxRetries times, backing off linearly between
// attempts. The context aborts the wait, not a running attempt.
func withRetry(ctx context.Context, maxRetries int, backoff time.Duration, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isRetryable(err) || attempt == maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(attempt)):
		}
	}
	return err
}

package shared

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds retries of SQLite writes that hit lock contention.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy retries three times starting at 100ms.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond}

// RetryOnConflict runs fn until it succeeds, returns a non-conflict error,
// or the policy is exhausted. Delays double after each attempt.
func RetryOnConflict(ctx context.Context, p RetryPolicy, op string, fn func() error) error {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 1
	}

	var err error
	for i := 0; i < p.MaxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsSQLiteConflictError(err) || i == p.MaxRetries-1 {
			break
		}

		delay := p.BaseDelay * time.Duration(1<<i)
		slog.Debug("sqlite conflict, retrying", "op", op, "attempt", i+1, "delay", delay)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}

	if IsSQLiteConflictError(err) {
		return fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxRetries, err)
	}
	return err
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	herrors "github.com/healthdb/healthdb/internal/errors"
)

// RetryPolicy retries transient storage errors with linearly increasing
// backoff: the n-th retry waits n × BaseDelay.
type RetryPolicy struct {
	// Attempts is the total number of attempts, including the first
	Attempts int

	// BaseDelay is multiplied by the attempt number between attempts
	BaseDelay time.Duration

	// Sleep waits between attempts; nil uses a context-aware timer
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, BaseDelay: 250 * time.Millisecond}
}

// Do runs operation until it succeeds, fails with a non-transient error or
// runs out of attempts. Exhaustion yields an IO_FAILURE error.
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, op string, operation func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = classify(err)
		if !herrors.IsRetryable(lastErr) {
			return lastErr
		}

		if attempt < attempts {
			delay := time.Duration(attempt) * p.BaseDelay
			if logger != nil {
				logger.Warn("transient storage error, retrying",
					zap.String("op", op),
					zap.Int("attempt", attempt),
					zap.Duration("backoff", delay),
					zap.Error(lastErr))
			}
			if err := p.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}

	return herrors.NewStorageError(herrors.CodeIOFailure,
		fmt.Sprintf("%s: giving up after %d attempts", op, attempts), lastErr)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// classify maps driver errors onto the error taxonomy. Lock contention and
// timeouts are transient; constraint violations are integrity errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var he *herrors.HealthError
	if errors.As(err, &he) {
		return err
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return herrors.NewStorageError(herrors.CodeBusy, "database busy", err)
		case sqlite3.ErrConstraint:
			return herrors.NewStorageError(herrors.CodeIntegrity, "constraint violation", err)
		}
		return herrors.NewInternalError("sqlite error", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return herrors.NewStorageError(herrors.CodeTimeout, "storage operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return herrors.NewInternalError("storage error", err)
}

// Package retry runs an operation again with exponential backoff. Store
// writes, provider follow-ups after a committed settlement, and the release
// cron client all go through it.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it without another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Backoff is the wait before retry n (0-based): base doubled n times, with
// up to a quarter of it added or removed at random.
func Backoff(base time.Duration, n int) time.Duration {
	d := base << n
	if d <= 0 {
		return 0
	}
	spread := int64(d / 4)
	if spread == 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(2*spread+1)-spread)
}

// Do calls fn until it succeeds, returns a permanent error, maxAttempts is
// used up, or ctx is done. The last error from fn is returned; a permanent
// error is unwrapped first.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	maxAttempts = max(maxAttempts, 1)

	for n := 0; ; n++ {
		err := fn()
		if err == nil {
			return nil
		}
		if pe := (*PermanentError)(nil); errors.As(err, &pe) {
			return pe.Err
		}
		if n+1 >= maxAttempts {
			return err
		}

		t := time.NewTimer(Backoff(baseDelay, n))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// DoIf retries only the errors retryable accepts. Anything else stops the
// loop as though wrapped with Permanent.
func DoIf(ctx context.Context, maxAttempts int, baseDelay time.Duration, retryable func(error) bool, fn func() error) error {
	return Do(ctx, maxAttempts, baseDelay, func() error {
		if err := fn(); err != nil {
			if !retryable(err) {
				return Permanent(err)
			}
			return err
		}
		return nil
	})
}

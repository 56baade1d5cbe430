package queue

import (
	"errors"
	"math/rand"
	"time"
)

// noRetryError aborts the retry loop: the message dead-letters immediately.
type noRetryError struct{ err error }

func (e *noRetryError) Error() string { return "no retry: " + e.err.Error() }
func (e *noRetryError) Unwrap() error { return e.err }

// NoRetry marks err as terminal for the current message.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &noRetryError{err: err}
}

func isNoRetry(err error) bool {
	var nr *noRetryError
	return errors.As(err, &nr)
}

// retryAfterError overrides the computed backoff delay for one attempt.
type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

// RetryAfter wraps err with an explicit delay before the next attempt,
// e.g. from a server-provided retry hint.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryAfterError{err: err, after: after}
}

func retryAfterHint(err error) (time.Duration, bool) {
	var ra *retryAfterError
	if errors.As(err, &ra) && ra.after > 0 {
		return ra.after, true
	}
	return 0, false
}

// backoffDelay computes base*2^(attempt-1) capped at maxDelay, with
// symmetric jitter of the given fraction.
func backoffDelay(base, maxDelay time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			d = maxDelay
			break
		}
	}
	if jitter > 0 {
		span := float64(d) * jitter
		d += time.Duration((rand.Float64()*2 - 1) * span)
	}
	if d < 0 {
		d = 0
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// Package courier holds the shared error taxonomy of the delivery engine.
//
// Sentinels distinguish "not found" from "operation failed" from "retry
// later": callers match with errors.Is and never have to interpret nil-vs-zero
// results.
package courier

import "errors"

var (
	// ErrTransientNetwork marks failures the queue retries per backoff policy.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrDuplicateMessage is returned when duplicate suppression rejects an
	// enqueue. It is logged and swallowed by callers; it is not a failure.
	ErrDuplicateMessage = errors.New("duplicate message suppressed")

	// ErrNotPrimary rejects enqueue/transfer calls from a device that does not
	// hold the primary role for the session.
	ErrNotPrimary = errors.New("device is not the session primary")

	// ErrPrimaryConflict signals two devices claiming primary at once. It is
	// resolved automatically by re-election and only ever logged.
	ErrPrimaryConflict = errors.New("primary conflict")

	// ErrQueueFull rejects enqueues under backpressure. Low priority items are
	// rejected first.
	ErrQueueFull = errors.New("queue full")

	// ErrDeadLettered marks a message that exhausted all delivery attempts.
	// Terminal; only an explicit replay re-enqueues it.
	ErrDeadLettered = errors.New("message dead-lettered")

	ErrUnknownDevice  = errors.New("unknown device")
	ErrUnknownSession = errors.New("unknown session")

	// ErrNotLockOwner rejects a session lock release by a device that does not
	// hold the lock.
	ErrNotLockOwner = errors.New("not the lock owner")

	// ErrStopped is returned by operations invoked after shutdown began.
	ErrStopped = errors.New("stopped")
)

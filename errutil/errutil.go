// Package errutil classifies errors the way the chains coordinator must
// (spec §4.3 "Concurrency and failure semantics", §7 "Error handling
// design"): retry-local, drop-event, or fatal. Subcomponents wrap their
// errors in one of these so the coordinator can dispatch on the class with
// errors.As instead of string-matching, the way beacon-chain/sync/error.go
// gives sync errors typed wrappers instead of bare fmt.Errorf.
package errutil

import "github.com/pkg/errors"

// RetryLocal wraps a transient error (e.g. KV contention) that the caller
// should retry with backoff.
type RetryLocal struct {
	cause error
}

// NewRetryLocal wraps err as retry-local.
func NewRetryLocal(err error) *RetryLocal { return &RetryLocal{cause: err} }

func (e *RetryLocal) Error() string { return "retry-local: " + e.cause.Error() }
func (e *RetryLocal) Unwrap() error { return e.cause }

// DropEvent wraps a non-fatal error (e.g. a malformed operation) that
// should be logged and the triggering event discarded.
type DropEvent struct {
	cause error
}

// NewDropEvent wraps err as drop-event.
func NewDropEvent(err error) *DropEvent { return &DropEvent{cause: err} }

func (e *DropEvent) Error() string { return "drop-event: " + e.cause.Error() }
func (e *DropEvent) Unwrap() error { return e.cause }

// Fatal wraps an error that indicates local corruption or a consensus
// invariant violation; the process must abort (spec §6 "Exit codes").
type Fatal struct {
	cause error
}

// NewFatal wraps err as fatal.
func NewFatal(err error) *Fatal { return &Fatal{cause: err} }

func (e *Fatal) Error() string { return "fatal: " + e.cause.Error() }
func (e *Fatal) Unwrap() error { return e.cause }

// IsRetryLocal reports whether err (or a wrapped cause) is retry-local.
func IsRetryLocal(err error) bool {
	var r *RetryLocal
	return errors.As(err, &r)
}

// IsDropEvent reports whether err (or a wrapped cause) is drop-event.
func IsDropEvent(err error) bool {
	var d *DropEvent
	return errors.As(err, &d)
}

// IsFatal reports whether err (or a wrapped cause) is fatal.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}

package errs

import (
	"errors"
	"fmt"
)

// The collector uses a three-variant error taxonomy. Phases and providers
// raise one of these; drivers inspect the variant to decide whether to
// continue, skip the expiry, or skip the index. Broad catches are forbidden:
// an unknown error reaching a phase boundary is wrapped as fatal.

// PhaseRecoverableError marks a failure the driver may retry or skip past
// (transient I/O, rate limit exhaustion, soft deadline exceeded).
type PhaseRecoverableError struct {
	Op  string
	Err error
}

func (e *PhaseRecoverableError) Error() string {
	return fmt.Sprintf("%s: recoverable: %v", e.Op, e.Err)
}

func (e *PhaseRecoverableError) Unwrap() error { return e.Err }

// PhaseAbortError marks an early, intentional stop for the current expiry
// (preventive validation tripped, empty enrichment with strict flags).
type PhaseAbortError struct {
	Op     string
	Reason string
}

func (e *PhaseAbortError) Error() string {
	return fmt.Sprintf("%s: abort: %s", e.Op, e.Reason)
}

// PhaseFatalError marks a failure that invalidates the rest of the index
// for this cycle (persistence failure, invariant violation).
type PhaseFatalError struct {
	Op  string
	Err error
}

func (e *PhaseFatalError) Error() string {
	return fmt.Sprintf("%s: fatal: %v", e.Op, e.Err)
}

func (e *PhaseFatalError) Unwrap() error { return e.Err }

// Recoverable wraps err as a PhaseRecoverableError.
func Recoverable(op string, err error) error {
	return &PhaseRecoverableError{Op: op, Err: err}
}

// Abort returns a PhaseAbortError with the given reason.
func Abort(op, reason string) error {
	return &PhaseAbortError{Op: op, Reason: reason}
}

// Fatal wraps err as a PhaseFatalError.
func Fatal(op string, err error) error {
	return &PhaseFatalError{Op: op, Err: err}
}

// IsRecoverable reports whether err is (or wraps) a recoverable phase error.
func IsRecoverable(err error) bool {
	var e *PhaseRecoverableError
	return errors.As(err, &e)
}

// IsAbort reports whether err is (or wraps) an abort.
func IsAbort(err error) bool {
	var e *PhaseAbortError
	return errors.As(err, &e)
}

// IsFatal reports whether err is (or wraps) a fatal phase error.
func IsFatal(err error) bool {
	var e *PhaseFatalError
	return errors.As(err, &e)
}

// Classify normalizes an arbitrary error into the taxonomy. Errors already
// in the taxonomy pass through; anything unknown becomes fatal with the
// original message preserved.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsRecoverable(err) || IsAbort(err) || IsFatal(err) {
		return err
	}
	return &PhaseFatalError{Op: op, Err: err}
}

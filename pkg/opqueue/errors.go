package opqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadySubmitted is returned when Submit is called on a descriptor more than once.
	ErrAlreadySubmitted = errors.New("operation already submitted")
	// ErrFrozen is recorded when a descriptor is reconfigured after Submit.
	ErrFrozen = errors.New("operation is frozen after submit")
	// ErrDuplicateConnect is returned when a second connect submission is made while
	// the first one is unresolved.
	ErrDuplicateConnect = errors.New("connect operation already outstanding")

	// ErrCancelled matches every *CancelledError.
	ErrCancelled = errors.New("submission cancelled")
	// ErrTimeout is the failure cause of a submission whose timeout expired while executing.
	ErrTimeout = errors.New("operation timed out")
	// ErrConnectFailed is the cancel cause of work queued behind a connect that did not succeed.
	ErrConnectFailed = errors.New("connect operation did not succeed")
	// ErrConnectionClosed is the cancel cause of work still pending when the queue closes.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrConnectionLost is the cancel cause of pending work after an abnormal connection loss.
	ErrConnectionLost = errors.New("connection lost")
	// ErrClosedDuringExecution is the failure cause of the executing submission after an
	// abnormal connection loss.
	ErrClosedDuringExecution = errors.New("connection closed during execution")
)

// UsageError reports misuse of the descriptor or submission API. It is surfaced
// synchronously and never affects other queued work.
type UsageError struct {
	Op  string
	Err error
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("opqueue: %s: %v", e.Op, e.Err)
}

func (e *UsageError) Unwrap() error {
	return e.Err
}

// CancelledError is returned by Wait for a submission resolved Cancelled.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause == nil {
		return ErrCancelled.Error()
	}
	return fmt.Sprintf("%v: %v", ErrCancelled, e.Cause)
}

func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}

func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// IsUsageError reports whether err is, or wraps, a *UsageError.
func IsUsageError(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}

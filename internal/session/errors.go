package session

import (
	"errors"
	"fmt"
)

var (
	ErrSessionClosed = errors.New("session closed")

	// ErrAdmission is wrapped by every limit violation.
	ErrAdmission              = errors.New("admission rejected")
	ErrTooManyTasks           = fmt.Errorf("%w: session task limit reached", ErrAdmission)
	ErrTooManyBackgroundTasks = fmt.Errorf("%w: background task limit reached", ErrAdmission)
	ErrTooManyPendingPatches  = fmt.Errorf("%w: pending patch limit reached", ErrAdmission)

	errTaskTimeout = errors.New("timeout")
)

// IsAdmissionError reports whether err is a rejected spawn or patch due to
// a session limit.
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrAdmission)
}

// CancelledError is returned by a pipeline to stop its task. The task ends
// CANCELLED with Reason recorded as its error.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "cancelled"
	}
	return "cancelled: " + e.Reason
}

// Cancelled returns the error a pipeline returns to end its task as
// CANCELLED with reason.
func Cancelled(reason string) error {
	return &CancelledError{Reason: reason}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("pipeline panic: %v", e.value)
}

// errorType names the failure for observers. Errors may supply their own
// name through an ErrorType method.
func errorType(err error) string {
	var named interface{ ErrorType() string }
	if errors.As(err, &named) {
		return named.ErrorType()
	}
	var p *panicError
	if errors.As(err, &p) {
		return "panic"
	}
	return fmt.Sprintf("%T", err)
}

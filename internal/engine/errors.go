package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyPaired is returned by Pair when either envelope already has an opponent.
	ErrAlreadyPaired = errors.New("envelope already paired")

	// ErrSelfPair is returned by Pair when both arguments are the same envelope.
	ErrSelfPair = errors.New("envelope cannot be paired with itself")

	// ErrNotOccupied is returned when an envelope is handed to a dispatcher without being occupied.
	ErrNotOccupied = errors.New("envelope not occupied")

	// ErrDispatcherStopped is returned when work is offered to a finished dispatcher.
	ErrDispatcherStopped = errors.New("dispatcher stopped")

	// ErrDispatcherRunning is returned by Start and Run when the loop is already active.
	ErrDispatcherRunning = errors.New("dispatcher already running")
)

// DispatchError describes a failure observed at the dispatch boundary.
//
// Dispatch errors never propagate into the dispatcher loop. They are logged,
// counted in Stats, and handed to the configured failure hook.
type DispatchError struct {
	// Code identifies the error category.
	Code DispatchErrorCode

	// Envelope is the name of the envelope being dispatched.
	Envelope string

	// Command is the command the consumer was processing.
	Command int

	// Cause is the recovered panic value, wrapped as an error when possible.
	Cause error
}

// DispatchErrorCode categorizes dispatch errors.
type DispatchErrorCode string

const (
	// ErrCodePanic indicates the consumer or order action panicked.
	ErrCodePanic DispatchErrorCode = "PANIC"

	// ErrCodeStopped indicates the envelope was dropped because its dispatcher had stopped.
	ErrCodeStopped DispatchErrorCode = "STOPPED"
)

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: envelope %q cmd=%d: %v", e.Code, e.Envelope, e.Command, e.Cause)
	}
	return fmt.Sprintf("%s: envelope %q cmd=%d", e.Code, e.Envelope, e.Command)
}

// Unwrap returns the underlying cause.
func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// IsPanicError returns true if the error is a recovered consumer panic.
// Uses errors.As to handle wrapped errors.
func IsPanicError(err error) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Code == ErrCodePanic
	}
	return false
}

// newPanicError converts a recovered value into a DispatchError.
func newPanicError(name string, cmd int, r any) *DispatchError {
	cause, ok := r.(error)
	if !ok {
		cause = fmt.Errorf("%v", r)
	}
	return &DispatchError{
		Code:     ErrCodePanic,
		Envelope: name,
		Command:  cmd,
		Cause:    cause,
	}
}

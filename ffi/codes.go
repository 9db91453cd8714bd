package ffi

import (
	"errors"
	"fmt"

	"github.com/hupe1980/findex/cas"
)

// Status codes shared by engine calls and callbacks.
const (
	CodeOK               = 0
	CodeError            = 1
	CodeBufferTooSmall   = 2
	CodeTooManyConflicts = 3
	CodeCallbackError    = 42
)

// Progress callback answers.
const (
	ProgressContinue = 0
	ProgressStop     = 1
)

var (
	// ErrBufferProtocol is returned when a callee asks to grow a buffer
	// a second time.
	ErrBufferProtocol = errors.New("buffer too small after resize")

	// ErrReservedCodeWithoutCause is returned when the engine reports a
	// callback failure that no callback recorded.
	ErrReservedCodeWithoutCause = errors.New("callback error code returned without a recorded cause")

	// ErrCallback is returned engine-side when a callback answered
	// CodeCallbackError.
	ErrCallback = errors.New("host callback failed")
)

// StatusError is a non-OK status returned by the engine.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("engine returned status %d", e.Code)
	}
	return fmt.Sprintf("engine returned status %d: %s", e.Code, e.Message)
}

// Is maps CodeTooManyConflicts onto cas.ErrTooManyConflicts.
func (e *StatusError) Is(target error) bool {
	return e.Code == CodeTooManyConflicts && target == cas.ErrTooManyConflicts
}

// CodeOf maps an engine-side error to the status it is reported with.
func CodeOf(err error) int {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrCallback):
		return CodeCallbackError
	case errors.Is(err, cas.ErrTooManyConflicts):
		return CodeTooManyConflicts
	default:
		return CodeError
	}
}

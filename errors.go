package findex

import (
	"errors"
	"fmt"

	"github.com/hupe1980/findex/cas"
	"github.com/hupe1980/findex/compact"
	"github.com/hupe1980/findex/ffi"
)

var (
	// ErrTooManyConflicts is returned when an upsert loses the CAS race more
	// often than the configured retry budget allows.
	ErrTooManyConflicts = cas.ErrTooManyConflicts

	// ErrInvalidKey is returned for master keys of the wrong size.
	ErrInvalidKey = errors.New("invalid master key")

	// ErrInvalidPhases is returned when compaction is asked for fewer than
	// one phase.
	ErrInvalidPhases = compact.ErrInvalidPhases

	// ErrEmptyKeyword is returned when a request carries an empty keyword.
	ErrEmptyKeyword = errors.New("keyword must not be empty")

	// ErrEmptyLocation is returned when an association points to an empty
	// location.
	ErrEmptyLocation = errors.New("location must not be empty")

	// ErrClosed is returned when a closed Index or KeyCache is used.
	ErrClosed = errors.New("closed")

	// ErrForeignKeyCache is returned when a KeyCache created by another Index
	// is passed in.
	ErrForeignKeyCache = errors.New("key cache belongs to another index")

	// ErrBufferProtocol is returned when the engine asks for a larger buffer
	// twice in a row.
	ErrBufferProtocol = ffi.ErrBufferProtocol
)

// EngineError is a non-zero status code returned by the engine together
// with its last error message.
//
// The original underlying error can be accessed via errors.Unwrap.
type EngineError struct {
	Code    int
	Message string
	cause   error
}

func (e *EngineError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("findex engine: status %d", e.Code)
	}
	return fmt.Sprintf("findex engine: status %d: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ffi.ErrKeyCacheClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	var se *ffi.StatusError
	if errors.As(err, &se) {
		ee := &EngineError{Code: se.Code, Message: se.Message, cause: err}
		if se.Code == ffi.CodeTooManyConflicts {
			return fmt.Errorf("%w: %w", ErrTooManyConflicts, ee)
		}
		return ee
	}

	return err
}

package cas

import (
	"errors"
	"fmt"

	"github.com/hupe1980/findex/model"
)

// ErrTooManyConflicts is returned when rows are still rejected after the
// retry cap.
var ErrTooManyConflicts = errors.New("too many upsert conflicts")

// ConflictError names the rows that never committed.
type ConflictError struct {
	UIDs   []model.Uid32
	Rounds int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %d rows still rejected after %d rounds", ErrTooManyConflicts, len(e.UIDs), e.Rounds)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrTooManyConflicts
}

package compact

import (
	"errors"
	"fmt"
	"time"
)

// ErrPublishConflict is matched by errors.Is for every ConflictError.
var ErrPublishConflict = errors.New("publish conflict")

// ConflictError is returned when another compaction holds the publish lock.
// Nothing was written; the caller may retry once the holder finishes.
type ConflictError struct {
	Holder     string
	AcquiredAt time.Time
}

func (e *ConflictError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("%v: publish lock lost", ErrPublishConflict)
	}
	if e.AcquiredAt.IsZero() {
		return fmt.Sprintf("%v: compaction %s in progress", ErrPublishConflict, e.Holder)
	}
	return fmt.Sprintf("%v: compaction %s in progress since %s",
		ErrPublishConflict, e.Holder, e.AcquiredAt.UTC().Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrPublishConflict) true.
func (e *ConflictError) Is(target error) bool {
	return target == ErrPublishConflict
}

// Retryable is always true: the conflict clears when the holder finishes
// or its lock expires.
func (e *ConflictError) Retryable() bool {
	return true
}

// IsPublishConflict reports whether err is a publish conflict.
func IsPublishConflict(err error) bool {
	return errors.Is(err, ErrPublishConflict)
}

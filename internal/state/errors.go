package state

import (
	"errors"
	"fmt"
)

// State store errors.
var (
	// ErrStaleWrite is matched by every *StaleWriteError.
	ErrStaleWrite = errors.New("stale write")

	// ErrEmptyKey is returned when a key is empty.
	ErrEmptyKey = errors.New("state key cannot be empty")

	// ErrNilCallback is returned when subscribing a nil callback.
	ErrNilCallback = errors.New("state callback cannot be nil")
)

// StaleWriteError reports a write based on an outdated version. It is not
// fatal: the caller may re-read and retry.
type StaleWriteError struct {
	Key     string
	Base    uint64
	Current uint64
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write to %q: based on version %d, current is %d", e.Key, e.Base, e.Current)
}

func (e *StaleWriteError) Is(target error) bool {
	return target == ErrStaleWrite
}

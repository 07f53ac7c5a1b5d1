package events

import (
	"errors"
	"fmt"
)

// Event bus errors.
var (
	// ErrSchemaValidation is matched by every *SchemaValidationError.
	ErrSchemaValidation = errors.New("schema validation failed")

	// ErrSkipDelivery is returned by a middleware to drop an event silently.
	ErrSkipDelivery = errors.New("skip delivery")

	// ErrEmptyType is returned when emitting or subscribing without a type.
	ErrEmptyType = errors.New("event type cannot be empty")

	// ErrNilHandler is returned when subscribing a nil handler.
	ErrNilHandler = errors.New("event handler cannot be nil")

	// ErrBusClosed is returned by Emit after Close.
	ErrBusClosed = errors.New("event bus closed")
)

// SchemaValidationError reports a payload rejected by a registered schema.
// Nothing has been recorded or delivered when it is returned.
type SchemaValidationError struct {
	Type   string
	Reason string
	Err    error
}

func (e *SchemaValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema: type=%s: %s: %v", e.Type, e.Reason, e.Err)
	}
	return fmt.Sprintf("schema: type=%s: %s", e.Type, e.Reason)
}

func (e *SchemaValidationError) Unwrap() error { return e.Err }

func (e *SchemaValidationError) Is(target error) bool {
	return target == ErrSchemaValidation
}

// HandlerError wraps a failure (returned error or recovered panic) of one
// subscriber. It is logged, never returned to the emitter.
type HandlerError struct {
	Type    string
	EventID string
	Attempt int
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s (event %s, attempt %d): %v", e.Type, e.EventID, e.Attempt, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

package events

import (
	"fmt"
	"reflect"
)

// Schema validates payloads of one event type. Version is stamped on events
// that do not declare one; a declared version that differs is rejected.
type Schema struct {
	Version  int
	Validate func(payload any) error
}

// RequireFields builds a validator for map payloads that must carry the given
// keys.
func RequireFields(fields ...string) func(any) error {
	return func(payload any) error {
		m, ok := payload.(map[string]any)
		if !ok {
			return fmt.Errorf("expected map[string]any payload, got %T", payload)
		}
		for _, f := range fields {
			if _, ok := m[f]; !ok {
				return fmt.Errorf("missing field %q", f)
			}
		}
		return nil
	}
}

// PayloadOf builds a validator that accepts only payloads of type T.
func PayloadOf[T any]() func(any) error {
	want := reflect.TypeOf((*T)(nil)).Elem()
	return func(payload any) error {
		if _, ok := payload.(T); !ok {
			return fmt.Errorf("expected %s payload, got %T", want, payload)
		}
		return nil
	}
}

// check runs the schema against one emission.
func (s Schema) check(eventType string, declared int, payload any) error {
	if declared != 0 && s.Version != 0 && declared != s.Version {
		return &SchemaValidationError{
			Type:   eventType,
			Reason: fmt.Sprintf("schema version %d not registered (have %d)", declared, s.Version),
		}
	}
	if s.Validate == nil {
		return nil
	}
	if err := s.Validate(payload); err != nil {
		return &SchemaValidationError{Type: eventType, Reason: "invalid payload", Err: err}
	}
	return nil
}

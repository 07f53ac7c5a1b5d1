package deps

import (
	"errors"
	"fmt"
	"strings"
)

// Resolver errors.
var (
	// ErrDependencyConflict is returned when a requested range does not
	// contain the version already active for a shared dependency.
	ErrDependencyConflict = errors.New("shared dependency conflict")

	// ErrInvalidRange is returned when a range cannot be parsed or no
	// version can be derived from it.
	ErrInvalidRange = errors.New("invalid version range")

	// ErrModuleNameEmpty is returned when a descriptor has no name.
	ErrModuleNameEmpty = errors.New("module name cannot be empty")
)

// Conflict is a single incompatible dependency.
type Conflict struct {
	Dep       string
	Active    string
	Requested string
	Consumers []string
}

// ConflictError lists every dependency of Module that could not be reserved.
type ConflictError struct {
	Module    string
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s: active %s (used by %s) not in %s",
			c.Dep, c.Active, strings.Join(c.Consumers, ","), c.Requested))
	}
	return fmt.Sprintf("module %s: %s: %s", e.Module, ErrDependencyConflict, strings.Join(parts, "; "))
}

// Is matches ErrDependencyConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrDependencyConflict
}

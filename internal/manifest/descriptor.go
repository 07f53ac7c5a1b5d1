// Package manifest holds the host-facing data model: module descriptors and
// the YAML manifest that lists the fragments a host composes.
package manifest

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strings"
)

// Descriptor identifies one remote fragment. It is plain data, immutable once
// handed to the runtime.
type Descriptor struct {
	Name          string `yaml:"name" json:"name"`
	URL           string `yaml:"url" json:"url"`
	ExposedExport string `yaml:"export" json:"export"`

	// RequiredSharedDeps maps a shared library to the semver range the
	// fragment was built against, e.g. {"react": "^18.0.0"}.
	RequiredSharedDeps map[string]string `yaml:"shared,omitempty" json:"shared,omitempty"`
}

// Descriptor validation errors.
var (
	ErrNameEmpty   = errors.New("descriptor name cannot be empty")
	ErrURLEmpty    = errors.New("descriptor url cannot be empty")
	ErrExportEmpty = errors.New("descriptor export cannot be empty")
)

// Validate checks the descriptor is usable. Version ranges are checked by the
// resolver, not here.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return ErrNameEmpty
	}
	if strings.TrimSpace(d.URL) == "" {
		return fmt.Errorf("%w: %s", ErrURLEmpty, d.Name)
	}
	if _, err := url.Parse(d.URL); err != nil {
		return fmt.Errorf("descriptor %s: invalid url: %w", d.Name, err)
	}
	if strings.TrimSpace(d.ExposedExport) == "" {
		return fmt.Errorf("%w: %s", ErrExportEmpty, d.Name)
	}
	return nil
}

// Equal reports whether two descriptors describe the same bundle.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.Name == o.Name &&
		d.URL == o.URL &&
		d.ExposedExport == o.ExposedExport &&
		maps.Equal(d.RequiredSharedDeps, o.RequiredSharedDeps)
}

// Clone returns a copy that does not share the deps map.
func (d Descriptor) Clone() Descriptor {
	d.RequiredSharedDeps = maps.Clone(d.RequiredSharedDeps)
	return d
}

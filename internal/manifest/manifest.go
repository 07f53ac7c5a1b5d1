package manifest

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Manifest lists the fragments a host composes and the shared library
// versions the host process offers.
//
//	shared:
//	  react: ["18.2.0", "18.3.1"]
//	fragments:
//	  - name: header
//	    url: https://cdn.example.com/header/bundle.go
//	    export: Render
//	    shared:
//	      react: ^18.0.0
//	    fallback_url: file:///srv/fallbacks/header.go
type Manifest struct {
	Shared    map[string][]string `yaml:"shared,omitempty"`
	Fragments []Entry             `yaml:"fragments"`
}

// Entry is one fragment in the manifest.
type Entry struct {
	Descriptor `yaml:",inline"`

	// FallbackURL points at a bundle (usually file://) executed once at
	// registration and served when the primary URL cannot be loaded.
	FallbackURL string `yaml:"fallback_url,omitempty"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates manifest YAML.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks every entry and that names are unique.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Fragments))
	for i, e := range m.Fragments {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("fragment %d: %w", i, err)
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate fragment name: %s", e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

// Descriptors returns the descriptors in manifest order.
func (m *Manifest) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(m.Fragments))
	for _, e := range m.Fragments {
		out = append(out, e.Descriptor.Clone())
	}
	return out
}

// Lookup returns the entry for name.
func (m *Manifest) Lookup(name string) (Entry, bool) {
	for _, e := range m.Fragments {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Changes describes how a manifest differs from its previous version.
type Changes struct {
	Added   []Entry
	Changed []Entry
	Removed []string
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Changed) == 0 && len(c.Removed) == 0
}

// Diff compares prev (may be nil) against next.
func Diff(prev, next *Manifest) Changes {
	var c Changes
	old := make(map[string]Entry)
	if prev != nil {
		for _, e := range prev.Fragments {
			old[e.Name] = e
		}
	}

	for _, e := range next.Fragments {
		before, ok := old[e.Name]
		switch {
		case !ok:
			c.Added = append(c.Added, e)
		case !before.Descriptor.Equal(e.Descriptor) || before.FallbackURL != e.FallbackURL:
			c.Changed = append(c.Changed, e)
		}
		delete(old, e.Name)
	}

	for name := range old {
		c.Removed = append(c.Removed, name)
	}
	sort.Strings(c.Removed)
	return c
}

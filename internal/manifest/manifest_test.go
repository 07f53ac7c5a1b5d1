package manifest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
shared:
  react: ["18.2.0", "18.3.1"]
fragments:
  - name: header
    url: https://cdn.example.com/header.go
    export: Render
    shared:
      react: ^18.0.0
  - name: cart
    url: file:///srv/cart.go
    export: Mount
    fallback_url: file:///srv/fallbacks/cart.go
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sample))
	require.NoError(t, err)

	require.Len(t, m.Fragments, 2)
	assert.Equal(t, []string{"18.2.0", "18.3.1"}, m.Shared["react"])

	header, ok := m.Lookup("header")
	require.True(t, ok)
	assert.Equal(t, "Render", header.ExposedExport)
	assert.Equal(t, "^18.0.0", header.RequiredSharedDeps["react"])

	cart, _ := m.Lookup("cart")
	assert.Equal(t, "file:///srv/fallbacks/cart.go", cart.FallbackURL)

	ds := m.Descriptors()
	require.Len(t, ds, 2)
	ds[0].RequiredSharedDeps["react"] = "mutated"
	assert.Equal(t, "^18.0.0", m.Fragments[0].RequiredSharedDeps["react"], "descriptors are copies")
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "fragments:\n  - url: x\n    export: E\n"},
		{"missing url", "fragments:\n  - name: a\n    export: E\n"},
		{"missing export", "fragments:\n  - name: a\n    url: x\n"},
		{"duplicate", "fragments:\n  - {name: a, url: x, export: E}\n  - {name: a, url: y, export: E}\n"},
		{"not yaml", "fragments: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDescriptorValidateErrors(t *testing.T) {
	assert.ErrorIs(t, Descriptor{}.Validate(), ErrNameEmpty)
	assert.ErrorIs(t, Descriptor{Name: "a"}.Validate(), ErrURLEmpty)
	assert.ErrorIs(t, Descriptor{Name: "a", URL: "x"}.Validate(), ErrExportEmpty)
}

func TestDiff(t *testing.T) {
	prev, err := Parse([]byte(sample))
	require.NoError(t, err)

	next, err := Parse([]byte(`
fragments:
  - name: header
    url: https://cdn.example.com/header-v2.go
    export: Render
    shared:
      react: ^18.0.0
  - name: footer
    url: https://cdn.example.com/footer.go
    export: Render
`))
	require.NoError(t, err)

	c := Diff(prev, next)
	require.Len(t, c.Added, 1)
	assert.Equal(t, "footer", c.Added[0].Name)
	require.Len(t, c.Changed, 1)
	assert.Equal(t, "header", c.Changed[0].Name)
	assert.Equal(t, []string{"cart"}, c.Removed)

	assert.True(t, Diff(next, next).Empty())
	assert.Len(t, Diff(nil, next).Added, 2)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fragments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))

	initial, err := Load(path)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []Changes
	w, err := NewWatcher(path, initial, func(_ context.Context, _ *Manifest, c Changes) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	w.SetDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Invalid content is ignored.
	require.NoError(t, os.WriteFile(path, []byte("fragments: ["), 0644))
	assert.Eventually(t, func() bool { return w.Stats().InvalidReads >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Same(t, initial, w.Current())

	updated := sample + "  - name: footer\n    url: https://cdn.example.com/footer.go\n    export: Render\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Len(t, got[0].Added, 1)
	assert.Equal(t, "footer", got[0].Added[0].Name)
	mu.Unlock()

	_, ok := w.Current().Lookup("footer")
	assert.True(t, ok)
}

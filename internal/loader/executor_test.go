package loader

import (
	"context"
	"testing"
	"time"

	"fragmesh/internal/config"
	"fragmesh/internal/manifest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const headerBundle = `package header

import "strings"

func Render(user string) string {
	return "<h1>" + strings.ToUpper(user) + "</h1>"
}
`

func TestYaegiExecutorRendersExport(t *testing.T) {
	ye := NewYaegiExecutor(config.DefaultAllowedImports())
	d := manifest.Descriptor{Name: "header", URL: "file:///header.go", ExposedExport: "Render"}

	handle, err := ye.Execute(context.Background(), d, []byte(headerBundle))
	require.NoError(t, err)

	render, ok := handle.(func(string) string)
	require.True(t, ok, "unexpected handle type %T", handle)
	assert.Equal(t, "<h1>ADA</h1>", render("ada"))
}

func TestYaegiExecutorRejectsForbiddenImports(t *testing.T) {
	ye := NewYaegiExecutor(config.DefaultAllowedImports())
	src := `package evil

import (
	"os"
	"strings"
)

func Render() string { return strings.Join(os.Environ(), ",") }
`
	_, err := ye.Execute(context.Background(), manifest.Descriptor{Name: "evil", URL: "u", ExposedExport: "Render"}, []byte(src))
	require.ErrorIs(t, err, ErrForbiddenImport)
	assert.Contains(t, err.Error(), "os")
}

func TestYaegiExecutorMissingExport(t *testing.T) {
	ye := NewYaegiExecutor(config.DefaultAllowedImports())
	d := manifest.Descriptor{Name: "header", URL: "u", ExposedExport: "Mount"}
	_, err := ye.Execute(context.Background(), d, []byte(headerBundle))
	assert.ErrorIs(t, err, ErrExportNotFound)
}

func TestYaegiExecutorSyntaxError(t *testing.T) {
	ye := NewYaegiExecutor(nil)
	_, err := ye.Execute(context.Background(), manifest.Descriptor{Name: "x", URL: "u", ExposedExport: "E"}, []byte("package x\nfunc ("))
	assert.Error(t, err)
}

func TestYaegiExecutorWithLoader(t *testing.T) {
	h := newHarness(t, func(context.Context, string) ([]byte, error) { return []byte(headerBundle), nil })
	h.loader.executor = NewYaegiExecutor(config.DefaultAllowedImports())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := h.loader.Load(ctx, manifest.Descriptor{Name: "header", URL: "https://cdn.example.com/header.go", ExposedExport: "Render"})
	require.NoError(t, err)
	assert.Equal(t, "<h1>GRACE</h1>", m.Handle.(func(string) string)("grace"))
}

package loader

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"sort"
	"strconv"

	"fragmesh/internal/manifest"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Executor turns bundle source into the handle of a descriptor's export.
type Executor interface {
	Execute(ctx context.Context, d manifest.Descriptor, source []byte) (any, error)
}

// YaegiExecutor interprets Go source bundles with yaegi. Each bundle gets a
// fresh interpreter and may only import allow-listed stdlib packages.
//
// A bundle is a single Go file:
//
//	package header
//
//	import "strings"
//
//	func Render(user string) string { return "<h1>" + strings.ToUpper(user) + "</h1>" }
//
// With export "Render" the handle is the func(string) string value.
type YaegiExecutor struct {
	allowedPackages map[string]bool
}

// NewYaegiExecutor creates an executor restricted to allowed imports.
func NewYaegiExecutor(allowed []string) *YaegiExecutor {
	ye := &YaegiExecutor{allowedPackages: make(map[string]bool, len(allowed))}
	for _, pkg := range allowed {
		ye.allowedPackages[pkg] = true
	}
	return ye
}

// Execute evaluates source and returns the exported symbol.
func (ye *YaegiExecutor) Execute(ctx context.Context, d manifest.Descriptor, source []byte) (any, error) {
	pkgName, err := ye.inspect(d.Name, source)
	if err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}

	if _, err := i.EvalWithContext(ctx, string(source)); err != nil {
		return nil, fmt.Errorf("bundle %s evaluation failed: %w", d.Name, err)
	}

	v, err := i.EvalWithContext(ctx, pkgName+"."+d.ExposedExport)
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%s: %v", ErrExportNotFound, pkgName, d.ExposedExport, err)
	}
	if !v.IsValid() || !v.CanInterface() {
		return nil, fmt.Errorf("%w: %s.%s", ErrExportNotFound, pkgName, d.ExposedExport)
	}
	return v.Interface(), nil
}

// inspect parses the import block, enforces the allow-list and returns the
// package name.
func (ye *YaegiExecutor) inspect(name string, source []byte) (string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, name+".go", source, parser.ImportsOnly)
	if err != nil {
		return "", fmt.Errorf("bundle %s: %w", name, err)
	}

	var forbidden []string
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return "", fmt.Errorf("bundle %s: bad import %s", name, imp.Path.Value)
		}
		if !ye.allowedPackages[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		return "", fmt.Errorf("%w in bundle %s: %v (allowed: %v)",
			ErrForbiddenImport, name, forbidden, ye.allowed())
	}
	return file.Name.Name, nil
}

func (ye *YaegiExecutor) allowed() []string {
	pkgs := make([]string, 0, len(ye.allowedPackages))
	for pkg := range ye.allowedPackages {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}

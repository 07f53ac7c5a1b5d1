package loader

import "errors"

// Loader errors.
var (
	// ErrCircuitOpen is returned while a module's circuit is open.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrModuleLoadFailed is returned when every attempt failed and no
	// fallback was available.
	ErrModuleLoadFailed = errors.New("module load failed")

	// ErrCancelled is returned when every caller waiting on a load gave up.
	ErrCancelled = errors.New("module load cancelled")

	// ErrUnsupportedScheme is returned for bundle URLs the fetcher cannot read.
	ErrUnsupportedScheme = errors.New("unsupported bundle url scheme")

	// ErrBundleTooLarge is returned when a bundle exceeds the size limit.
	ErrBundleTooLarge = errors.New("bundle exceeds size limit")

	// ErrForbiddenImport is returned when a bundle imports outside the allow-list.
	ErrForbiddenImport = errors.New("forbidden import")

	// ErrExportNotFound is returned when the exposed export is missing.
	ErrExportNotFound = errors.New("export not found")
)

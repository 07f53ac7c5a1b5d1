package manifest

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"fragmesh/internal/logging"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeFunc receives the new manifest and its diff against the previous one.
type ChangeFunc func(ctx context.Context, next *Manifest, changes Changes)

// Watcher reloads a manifest file when it changes on disk. It watches the
// parent directory so editors that replace the file atomically are seen.
// An invalid manifest is logged and ignored; the last good one stays current.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	path        string
	current     *Manifest
	onChange    ChangeFunc
	debounceDur time.Duration
	pendingAt   time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	logger      *zap.Logger

	stats WatcherStats
}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	Events        int
	Reloads       int
	InvalidReads  int
	Errors        int
	LastEventTime time.Time
	LastEventType string
}

// NewWatcher creates a watcher for path. current is the manifest already
// applied by the caller (may be nil).
func NewWatcher(path string, current *Manifest, onChange ChangeFunc, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		path:        abs,
		current:     current,
		onChange:    onChange,
		debounceDur: 200 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logging.For(logger, logging.CategoryManifest),
	}, nil
}

// SetDebounce overrides the settle time before a reload (tests).
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounceDur = d
	w.mu.Unlock()
}

// Start begins watching. It is non-blocking and idempotent.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	w.logger.Info("watching manifest", zap.String("path", w.path))

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.logger.Error("error closing watcher", zap.Error(err))
	}
}

// Current returns the last successfully applied manifest.
func (w *Watcher) Current() *Manifest {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Stats returns a snapshot of watcher activity.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.processDebounced(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}

	var eventType string
	switch {
	case event.Op&fsnotify.Create != 0:
		eventType = "create"
	case event.Op&fsnotify.Write != 0:
		eventType = "modify"
	case event.Op&fsnotify.Rename != 0:
		eventType = "rename"
	default:
		return // removal keeps the last good manifest; chmod is noise
	}

	w.mu.Lock()
	w.stats.Events++
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventType = eventType
	w.pendingAt = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processDebounced(ctx context.Context) {
	w.mu.Lock()
	if w.pendingAt.IsZero() || time.Since(w.pendingAt) < w.debounceDur {
		w.mu.Unlock()
		return
	}
	w.pendingAt = time.Time{}
	w.mu.Unlock()

	w.reload(ctx)
}

func (w *Watcher) reload(ctx context.Context) {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("ignoring invalid manifest", zap.String("path", w.path), zap.Error(err))
		w.mu.Lock()
		w.stats.InvalidReads++
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.stats.Reloads++
	w.mu.Unlock()

	changes := Diff(prev, next)
	if changes.Empty() {
		w.logger.Debug("manifest rewritten without fragment changes")
		return
	}
	w.logger.Info("manifest changed",
		zap.Int("added", len(changes.Added)),
		zap.Int("changed", len(changes.Changed)),
		zap.Int("removed", len(changes.Removed)))

	if w.onChange != nil {
		w.onChange(ctx, next, changes)
	}
}

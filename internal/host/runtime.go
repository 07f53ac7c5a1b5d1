// Package host composes the loader, resolver, event bus and state store into
// one Runtime and drives it from a manifest.
package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"fragmesh/internal/bundlecache"
	"fragmesh/internal/config"
	"fragmesh/internal/deps"
	"fragmesh/internal/events"
	"fragmesh/internal/loader"
	"fragmesh/internal/logging"
	"fragmesh/internal/manifest"
	"fragmesh/internal/metrics"
	"fragmesh/internal/state"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultMountConcurrency bounds parallel mounts in MountAll.
const DefaultMountConcurrency = 4

// Runtime is one isolated composition of fragments. Several runtimes may
// coexist in a process; none of them share registries.
type Runtime struct {
	Bus      *events.Bus
	State    *state.Store
	Resolver *deps.Resolver
	Loader   *loader.Loader
	Metrics  *metrics.Metrics

	fetcher  loader.Fetcher
	executor loader.Executor
	cache    *bundlecache.Cache
	logger   *zap.Logger

	mu      sync.Mutex
	mounted map[string]manifest.Entry
	watcher *manifest.Watcher
}

type options struct {
	logger   *zap.Logger
	fetcher  loader.Fetcher
	executor loader.Executor
	loader   []loader.Option
}

// Option configures a Runtime.
type Option func(*options)

// WithLogger sets the base logger shared by every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f loader.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithExecutor replaces the yaegi executor.
func WithExecutor(e loader.Executor) Option {
	return func(o *options) { o.executor = e }
}

// WithLoaderOptions appends loader options after the config-derived ones.
func WithLoaderOptions(opts ...loader.Option) Option {
	return func(o *options) { o.loader = append(o.loader, opts...) }
}

// New builds a runtime from cfg.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	base := o.logger
	if base == nil {
		base = zap.NewNop()
	}

	m := metrics.New()
	bus := events.NewBus(
		events.WithHistorySize(cfg.Bus.HistorySize),
		events.WithLogger(base),
		events.WithMetrics(m),
	)
	registerSchemas(bus)

	r := &Runtime{
		Bus:      bus,
		State:    state.NewStore(bus, state.WithLogger(base), state.WithMetrics(m)),
		Resolver: deps.NewResolver(deps.WithLogger(base)),
		Metrics:  m,
		fetcher:  o.fetcher,
		executor: o.executor,
		logger:   logging.For(base, logging.CategoryHost),
		mounted:  make(map[string]manifest.Entry),
	}

	if r.fetcher == nil {
		r.fetcher = loader.NewHTTPFetcher(loader.FetcherConfig{
			RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
			Burst:             cfg.Fetch.Burst,
			UserAgent:         cfg.Fetch.UserAgent,
			MaxBundleBytes:    cfg.Fetch.MaxBundleBytes,
		})
	}
	if r.executor == nil {
		r.executor = loader.NewYaegiExecutor(cfg.Loader.AllowedImports)
	}

	loaderOpts := []loader.Option{
		loader.WithBus(bus),
		loader.WithLogger(base),
		loader.WithMetrics(m),
		loader.WithRetryPolicy(loader.RetryPolicy{
			MaxAttempts:    cfg.Loader.MaxAttempts,
			BaseDelay:      cfg.GetBaseDelay(),
			MaxDelay:       cfg.GetMaxDelay(),
			AttemptTimeout: cfg.GetAttemptTimeout(),
		}),
		loader.WithCircuitPolicy(loader.CircuitPolicy{
			FailureThreshold: cfg.Circuit.FailureThreshold,
			Window:           cfg.GetWindow(),
			Cooldown:         cfg.GetCooldown(),
			MaxCooldown:      cfg.GetMaxCooldown(),
		}),
	}

	if cfg.Cache.Enabled {
		cache, err := bundlecache.Open(cfg.Cache.Path, base)
		if err != nil {
			bus.Close()
			return nil, fmt.Errorf("open bundle cache: %w", err)
		}
		r.cache = cache
		loaderOpts = append(loaderOpts, loader.WithCache(cache))
	}

	r.Loader = loader.New(r.fetcher, r.executor, r.Resolver, append(loaderOpts, o.loader...)...)
	return r, nil
}

func registerSchemas(bus *events.Bus) {
	moduleSchema := events.Schema{Version: 1, Validate: events.PayloadOf[loader.ModuleEvent]()}
	for _, topic := range []string{loader.TopicLoaded, loader.TopicFallback, loader.TopicLoadFailed, loader.TopicUnloaded} {
		bus.RegisterSchema(topic, moduleSchema)
	}
	stateSchema := events.Schema{Version: 1, Validate: events.PayloadOf[state.Change]()}
	bus.RegisterSchema(state.TopicChanged, stateSchema)
	bus.RegisterSchema(state.TopicRemoved, stateSchema)
}

// Offer publishes the manifest's shared scope to the resolver.
func (r *Runtime) Offer(m *manifest.Manifest) {
	for dep, versions := range m.Shared {
		r.Resolver.Offer(dep, versions...)
	}
}

// Mount loads one manifest entry. A fallback bundle, when configured, is
// executed first and registered so an unavailable origin degrades instead of
// failing.
func (r *Runtime) Mount(ctx context.Context, e manifest.Entry) (*loader.LoadedModule, error) {
	if e.FallbackURL != "" {
		if err := r.registerFallback(ctx, e); err != nil {
			r.logger.Warn("fallback unavailable",
				zap.String("module", e.Name),
				zap.String("url", e.FallbackURL),
				zap.Error(err))
		}
	}

	m, err := r.Loader.Load(ctx, e.Descriptor)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.mounted[e.Name] = e
	r.mu.Unlock()

	r.logger.Info("mounted",
		zap.String("module", e.Name),
		zap.String("state", m.State.String()),
		zap.String("source", string(m.Source)))
	return m, nil
}

func (r *Runtime) registerFallback(ctx context.Context, e manifest.Entry) error {
	src, err := r.fetcher.Fetch(ctx, e.FallbackURL)
	if err != nil {
		return err
	}
	handle, err := r.executor.Execute(ctx, e.Descriptor, src)
	if err != nil {
		return err
	}
	r.Loader.RegisterFallback(e.Name, handle)
	return nil
}

// MountAll mounts entries with at most limit loads in flight. Every entry is
// attempted; the returned error joins the individual failures.
func (r *Runtime) MountAll(ctx context.Context, entries []manifest.Entry, limit int) error {
	if limit <= 0 {
		limit = DefaultMountConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)

	var mu sync.Mutex
	var errs []error
	for _, e := range entries {
		e := e
		g.Go(func() error {
			if _, err := r.Mount(ctx, e); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("mount %s: %w", e.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}

// Apply offers the manifest's shared scope, drops cached bundles of fragments
// the manifest no longer lists, and mounts every fragment.
func (r *Runtime) Apply(ctx context.Context, m *manifest.Manifest) error {
	r.Offer(m)
	r.pruneCache(ctx, m)
	return r.MountAll(ctx, m.Fragments, DefaultMountConcurrency)
}

// ApplyChanges reconciles the runtime with an updated manifest: removed
// fragments are unmounted, changed ones remounted, added ones mounted.
func (r *Runtime) ApplyChanges(ctx context.Context, next *manifest.Manifest, c manifest.Changes) error {
	r.Offer(next)

	for _, name := range c.Removed {
		r.Unmount(name)
		r.evict(ctx, name)
	}
	for _, e := range c.Changed {
		r.Unmount(e.Name)
	}

	toMount := append(append([]manifest.Entry{}, c.Changed...), c.Added...)
	err := r.MountAll(ctx, toMount, DefaultMountConcurrency)
	if err != nil {
		r.logger.Warn("manifest reload left fragments unmounted", zap.Error(err))
	}
	return err
}

// Watch reloads path on change and applies the diff. The watcher stops on
// Close or when ctx ends.
func (r *Runtime) Watch(ctx context.Context, path string, current *manifest.Manifest) error {
	w, err := manifest.NewWatcher(path, current, func(ctx context.Context, next *manifest.Manifest, c manifest.Changes) {
		_ = r.ApplyChanges(ctx, next, c)
	}, r.logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.watcher
	r.watcher = w
	r.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	return nil
}

func (r *Runtime) pruneCache(ctx context.Context, m *manifest.Manifest) {
	if r.cache == nil {
		return
	}
	names, err := r.cache.Names(ctx)
	if err != nil {
		r.logger.Warn("failed to list cached bundles", zap.Error(err))
		return
	}
	for _, name := range names {
		if _, ok := m.Lookup(name); !ok {
			r.evict(ctx, name)
		}
	}
}

// evict removes the last-known-good bundle of a fragment that left the
// manifest, so it can never be served as a fallback again.
func (r *Runtime) evict(ctx context.Context, name string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, name); err != nil {
		r.logger.Warn("failed to evict cached bundle", zap.String("module", name), zap.Error(err))
		return
	}
	r.logger.Debug("evicted cached bundle", zap.String("module", name))
}

// Unmount unloads name. It reports whether the fragment was loaded.
func (r *Runtime) Unmount(name string) bool {
	r.mu.Lock()
	delete(r.mounted, name)
	r.mu.Unlock()
	return r.Loader.Unload(name)
}

// Mounted returns the names of mounted fragments in order.
func (r *Runtime) Mounted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.mounted))
	for name := range r.mounted {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops the watcher, aborts in-flight loads and releases resources.
func (r *Runtime) Close() error {
	r.mu.Lock()
	w := r.watcher
	r.watcher = nil
	r.mu.Unlock()
	if w != nil {
		w.Stop()
	}

	r.Loader.Close()
	r.Bus.Close()
	if r.cache != nil {
		return r.cache.Close()
	}
	return nil
}

// Check resolves every fragment's shared dependencies against a fresh
// registry without fetching anything. It returns the joined conflicts.
func Check(m *manifest.Manifest) ([]deps.Entry, error) {
	resolver := deps.NewResolver()
	for dep, versions := range m.Shared {
		resolver.Offer(dep, versions...)
	}

	var errs []error
	for _, d := range m.Descriptors() {
		if err := resolver.Reserve(d); err != nil {
			errs = append(errs, err)
		}
	}
	return resolver.Snapshot(), errors.Join(errs...)
}

// Package loader fetches and executes remote fragment bundles. Loads are
// deduplicated per name, retried with backoff, guarded by a per-name circuit
// breaker and degrade to a cached or registered fallback when the origin is
// unavailable.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fragmesh/internal/bundlecache"
	"fragmesh/internal/deps"
	"fragmesh/internal/events"
	"fragmesh/internal/logging"
	"fragmesh/internal/manifest"
	"fragmesh/internal/metrics"

	"go.uber.org/zap"
)

// Lifecycle events emitted on the bus.
const (
	TopicLoaded     = "module:loaded"
	TopicFallback   = "module:fallback"
	TopicLoadFailed = "module:load-failed"
	TopicUnloaded   = "module:unloaded"
)

// State is the lifecycle state of a LoadedModule.
type State int

const (
	StateLoading State = iota
	StateReady
	StateFailed
	StateFallback
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Source says where a module's handle came from.
type Source string

const (
	SourceRemote   Source = "remote"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// LoadedModule is the loader's record of one fragment.
type LoadedModule struct {
	Descriptor manifest.Descriptor
	Handle     any
	LoadedAt   time.Time
	State      State
	Attempts   int
	Source     Source
}

// ModuleEvent is the payload of the module:* topics.
type ModuleEvent struct {
	Name     string
	URL      string
	State    string
	Source   string
	Attempts int
	Error    string
}

// Emitter publishes lifecycle events.
type Emitter interface {
	Emit(eventType string, payload any, opts ...events.EmitOption) (string, error)
}

// Reserver reserves shared dependencies for a module.
type Reserver interface {
	Reserve(d manifest.Descriptor) error
	Release(module string)
}

// Cache stores last-known-good bundle source.
type Cache interface {
	Get(ctx context.Context, name string) (*bundlecache.Bundle, error)
	Put(ctx context.Context, b bundlecache.Bundle) error
}

// call is one in-flight load shared by every caller of the same name.
type call struct {
	done      chan struct{}
	mod       *LoadedModule
	err       error
	waiters   int
	abandoned bool
	cancel    context.CancelFunc
}

// Loader owns the module registry, the in-flight table and the breakers.
type Loader struct {
	mu        sync.Mutex
	modules   map[string]*LoadedModule
	inflight  map[string]*call
	breakers  map[string]*breaker
	fallbacks map[string]any
	wg        sync.WaitGroup

	fetcher  Fetcher
	executor Executor
	resolver Reserver
	bus      Emitter
	cache    Cache

	retry   RetryPolicy
	circuit CircuitPolicy
	jitter  *jitter
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	logger     *zap.Logger
	circuitLog *zap.Logger
	metrics    *metrics.Metrics
}

// Option configures a Loader.
type Option func(*Loader)

// WithBus emits lifecycle events on e.
func WithBus(e Emitter) Option {
	return func(l *Loader) { l.bus = e }
}

// WithCache enables the last-known-good fallback.
func WithCache(c Cache) Option {
	return func(l *Loader) { l.cache = c }
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(l *Loader) { l.retry = p }
}

// WithCircuitPolicy overrides the breaker policy.
func WithCircuitPolicy(p CircuitPolicy) Option {
	return func(l *Loader) { l.circuit = p }
}

// WithLogger sets the base logger.
func WithLogger(lg *zap.Logger) Option {
	return func(l *Loader) {
		l.logger = logging.For(lg, logging.CategoryLoader)
		l.circuitLog = logging.For(lg, logging.CategoryCircuit)
	}
}

// WithMetrics records load metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// WithClock replaces time.Now for breaker bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) { l.now = now }
}

// WithSleep replaces the backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loader) { l.sleep = fn }
}

// WithJitterSeed makes backoff jitter deterministic.
func WithJitterSeed(seed int64) Option {
	return func(l *Loader) { l.jitter = newJitter(seed) }
}

// New creates a loader.
func New(fetcher Fetcher, executor Executor, resolver Reserver, opts ...Option) *Loader {
	l := &Loader{
		modules:    make(map[string]*LoadedModule),
		inflight:   make(map[string]*call),
		breakers:   make(map[string]*breaker),
		fallbacks:  make(map[string]any),
		fetcher:    fetcher,
		executor:   executor,
		resolver:   resolver,
		retry:      DefaultRetryPolicy(),
		circuit:    DefaultCircuitPolicy(),
		jitter:     newJitter(time.Now().UnixNano()),
		now:        time.Now,
		sleep:      sleepContext,
		logger:     zap.NewNop(),
		circuitLog: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.retry.MaxAttempts < 1 {
		l.retry.MaxAttempts = 1
	}
	return l
}

// Load returns the module for d, loading it if needed. Concurrent callers for
// the same name share one load. ctx only bounds this caller's wait; the load
// itself is aborted once every waiter has gone.
func (l *Loader) Load(ctx context.Context, d manifest.Descriptor) (*LoadedModule, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	d = d.Clone()

	for {
		l.mu.Lock()
		if m, ok := l.modules[d.Name]; ok {
			l.mu.Unlock()
			cp := *m
			return &cp, nil
		}

		if c, ok := l.inflight[d.Name]; ok {
			if c.abandoned {
				l.mu.Unlock()
				// Wait for the aborted load to clean up, then start over.
				select {
				case <-c.done:
					continue
				case <-ctx.Done():
					return nil, fmt.Errorf("%w: %s: %v", ErrCancelled, d.Name, ctx.Err())
				}
			}
			c.waiters++
			l.mu.Unlock()
			return l.wait(ctx, d.Name, c)
		}

		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c := &call{done: make(chan struct{}), waiters: 1, cancel: cancel}
		l.inflight[d.Name] = c
		l.wg.Add(1)
		l.mu.Unlock()

		go l.run(runCtx, c, d)
		return l.wait(ctx, d.Name, c)
	}
}

func (l *Loader) wait(ctx context.Context, name string, c *call) (*LoadedModule, error) {
	select {
	case <-c.done:
		if c.err != nil {
			return nil, c.err
		}
		cp := *c.mod
		return &cp, nil
	case <-ctx.Done():
		l.mu.Lock()
		c.waiters--
		last := c.waiters == 0
		if last {
			c.abandoned = true
		}
		l.mu.Unlock()
		if last {
			c.cancel()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCancelled, name, ctx.Err())
	}
}

func (l *Loader) run(ctx context.Context, c *call, d manifest.Descriptor) {
	defer l.wg.Done()
	defer c.cancel()

	mod, source, err := l.load(ctx, d)
	if err != nil {
		// Before leaving the in-flight table, so a new load of the same name
		// cannot lose its reservation to this one.
		l.resolver.Release(d.Name)
	}

	l.mu.Lock()
	delete(l.inflight, d.Name)
	if err == nil {
		l.modules[d.Name] = mod
	}
	c.mod, c.err = mod, err
	l.mu.Unlock()

	l.finish(d, mod, source, err)
	close(c.done)
}

// finish performs the side effects of a completed load.
func (l *Loader) finish(d manifest.Descriptor, mod *LoadedModule, source []byte, err error) {
	log := l.logger.With(zap.String("module", d.Name))

	if err != nil {
		outcome := metrics.OutcomeFailed
		switch {
		case errors.Is(err, ErrCancelled):
			log.Info("load cancelled")
			l.metrics.RecordLoad(d.Name, metrics.OutcomeCanceled)
			return
		case errors.Is(err, ErrCircuitOpen):
			outcome = metrics.OutcomeOpen
		case errors.Is(err, deps.ErrDependencyConflict):
			outcome = metrics.OutcomeConflict
		}
		log.Warn("load failed", zap.String("outcome", outcome), zap.Error(err))
		l.metrics.RecordLoad(d.Name, outcome)
		l.emit(TopicLoadFailed, d, ModuleEvent{
			Name:  d.Name,
			URL:   d.URL,
			State: StateFailed.String(),
			Error: err.Error(),
		})
		return
	}

	evt := ModuleEvent{
		Name:     d.Name,
		URL:      d.URL,
		State:    mod.State.String(),
		Source:   string(mod.Source),
		Attempts: mod.Attempts,
	}

	if mod.State == StateFallback {
		log.Warn("serving fallback", zap.String("source", string(mod.Source)), zap.Int("attempts", mod.Attempts))
		l.metrics.RecordLoad(d.Name, metrics.OutcomeFallback)
		l.emit(TopicFallback, d, evt)
		return
	}

	if l.cache != nil && source != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := l.cache.Put(ctx, bundlecache.Bundle{
			Name:   d.Name,
			URL:    d.URL,
			Export: d.ExposedExport,
			Source: source,
		})
		cancel()
		if err != nil {
			log.Warn("failed to cache bundle", zap.Error(err))
		}
	}

	log.Info("module loaded", zap.Int("attempts", mod.Attempts))
	l.metrics.RecordLoad(d.Name, metrics.OutcomeReady)
	l.emit(TopicLoaded, d, evt)
}

// load runs reservation, the retry loop and the fallback chain.
func (l *Loader) load(ctx context.Context, d manifest.Descriptor) (*LoadedModule, []byte, error) {
	log := l.logger.With(zap.String("module", d.Name))

	if err := l.resolver.Reserve(d); err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", d.Name, err)
	}

	br := l.breaker(d.Name)
	allowed := br.allow(l.now())
	l.recordCircuit(d.Name, br)
	if !allowed {
		return nil, nil, fmt.Errorf("%w: %s until %s", ErrCircuitOpen, d.Name, br.retryAt().Format(time.RFC3339))
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= l.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			allowed := br.allow(l.now())
			l.recordCircuit(d.Name, br)
			if !allowed {
				log.Debug("breaker rejected retry", zap.Int("attempt", attempt))
				break
			}
		}
		attempts = attempt

		start := time.Now()
		handle, source, err := l.attempt(ctx, d)
		l.metrics.RecordAttempt(d.Name, err == nil, time.Since(start))

		if err == nil {
			br.success()
			l.recordCircuit(d.Name, br)
			return &LoadedModule{
				Descriptor: d,
				Handle:     handle,
				LoadedAt:   l.now(),
				State:      StateReady,
				Attempts:   attempts,
				Source:     SourceRemote,
			}, source, nil
		}

		if ctx.Err() != nil {
			br.abandon()
			l.recordCircuit(d.Name, br)
			return nil, nil, fmt.Errorf("%w: %s", ErrCancelled, d.Name)
		}

		lastErr = err
		log.Debug("attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		if br.failure(l.now()) {
			l.circuitLog.Warn("circuit opened",
				zap.String("module", d.Name),
				zap.Time("retry_at", br.retryAt()))
			l.recordCircuit(d.Name, br)
			break
		}

		if attempt < l.retry.MaxAttempts {
			if err := l.sleep(ctx, backoffDelay(l.retry, attempt, l.jitter)); err != nil {
				return nil, nil, fmt.Errorf("%w: %s", ErrCancelled, d.Name)
			}
		}
	}

	return l.exhausted(ctx, d, attempts, lastErr)
}

// attempt fetches and executes the bundle once, bounded by AttemptTimeout.
func (l *Loader) attempt(ctx context.Context, d manifest.Descriptor) (any, []byte, error) {
	if l.retry.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.retry.AttemptTimeout)
		defer cancel()
	}

	source, err := l.fetcher.Fetch(ctx, d.URL)
	if err != nil {
		return nil, nil, err
	}
	handle, err := l.executor.Execute(ctx, d, source)
	if err != nil {
		return nil, nil, err
	}
	return handle, source, nil
}

// exhausted runs the fallback chain: cached bundle, then registered handle.
func (l *Loader) exhausted(ctx context.Context, d manifest.Descriptor, attempts int, lastErr error) (*LoadedModule, []byte, error) {
	if ctx.Err() != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrCancelled, d.Name)
	}
	log := l.logger.With(zap.String("module", d.Name))

	fallback := func(handle any, src Source) *LoadedModule {
		return &LoadedModule{
			Descriptor: d,
			Handle:     handle,
			LoadedAt:   l.now(),
			State:      StateFallback,
			Attempts:   attempts,
			Source:     src,
		}
	}

	if l.cache != nil {
		if handle, err := l.fromCache(ctx, d); err == nil {
			return fallback(handle, SourceCache), nil, nil
		} else if !errors.Is(err, bundlecache.ErrNotFound) {
			log.Warn("cached bundle unusable", zap.Error(err))
		}
	}

	l.mu.Lock()
	handle, ok := l.fallbacks[d.Name]
	l.mu.Unlock()
	if ok {
		return fallback(handle, SourceFallback), nil, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no attempt admitted")
	}
	return nil, nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrModuleLoadFailed, d.Name, attempts, lastErr)
}

func (l *Loader) fromCache(ctx context.Context, d manifest.Descriptor) (any, error) {
	if l.retry.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.retry.AttemptTimeout)
		defer cancel()
	}
	b, err := l.cache.Get(ctx, d.Name)
	if err != nil {
		return nil, err
	}
	return l.executor.Execute(ctx, d, b.Source)
}

// Unload drops the module and its dependency reservation. It reports whether
// anything was loaded under name.
func (l *Loader) Unload(name string) bool {
	l.mu.Lock()
	m, ok := l.modules[name]
	delete(l.modules, name)
	l.mu.Unlock()
	if !ok {
		return false
	}

	l.resolver.Release(name)
	l.logger.Info("module unloaded", zap.String("module", name))
	l.emit(TopicUnloaded, m.Descriptor, ModuleEvent{
		Name:   name,
		URL:    m.Descriptor.URL,
		State:  m.State.String(),
		Source: string(m.Source),
	})
	return true
}

// RegisterFallback sets the handle served when name cannot be loaded.
func (l *Loader) RegisterFallback(name string, handle any) {
	l.mu.Lock()
	l.fallbacks[name] = handle
	l.mu.Unlock()
}

// CircuitState returns the breaker state for name.
func (l *Loader) CircuitState(name string) CircuitState {
	l.mu.Lock()
	br, ok := l.breakers[name]
	l.mu.Unlock()
	if !ok {
		return CircuitClosed
	}
	return l.recordCircuit(name, br)
}

// Module returns a copy of the loaded module record.
func (l *Loader) Module(name string) (LoadedModule, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.modules[name]
	if !ok {
		return LoadedModule{}, false
	}
	return *m, true
}

// Modules returns every loaded module sorted by name.
func (l *Loader) Modules() []LoadedModule {
	l.mu.Lock()
	out := make([]LoadedModule, 0, len(l.modules))
	for _, m := range l.modules {
		out = append(out, *m)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.Name < out[j].Descriptor.Name })
	return out
}

// Close aborts in-flight loads and waits for them to finish.
func (l *Loader) Close() {
	l.mu.Lock()
	for _, c := range l.inflight {
		c.abandoned = true
		c.cancel()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Loader) breaker(name string) *breaker {
	l.mu.Lock()
	defer l.mu.Unlock()
	br, ok := l.breakers[name]
	if !ok {
		br = newBreaker(l.circuit)
		l.breakers[name] = br
	}
	return br
}

// recordCircuit publishes the breaker's state as of now to the gauge.
func (l *Loader) recordCircuit(name string, br *breaker) CircuitState {
	state := br.current(l.now())
	l.metrics.SetCircuitState(name, int(state))
	return state
}

func (l *Loader) emit(topic string, d manifest.Descriptor, evt ModuleEvent) {
	if l.bus == nil {
		return
	}
	if _, err := l.bus.Emit(topic, evt, events.WithSource(d.Name)); err != nil {
		l.logger.Debug("lifecycle event dropped", zap.String("topic", topic), zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package state implements the shared reactive key/value store. Every change
// is broadcast on the event bus so fragments that never import each other can
// still observe the same data.
package state

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"fragmesh/internal/events"
	"fragmesh/internal/logging"
	"fragmesh/internal/metrics"

	"go.uber.org/zap"
)

// Event types published by the store.
const (
	TopicChanged = "state:changed"
	TopicRemoved = "state:removed"
)

// Entry is the current value of one key.
type Entry struct {
	Key        string
	Value      any
	LastWriter string
	Version    uint64
}

// Change is the payload of state:changed and state:removed, and what
// subscriber callbacks receive.
type Change struct {
	Key           string `json:"key"`
	Value         any    `json:"value,omitempty"`
	PreviousValue any    `json:"previousValue,omitempty"`
	Version       uint64 `json:"version"`
	Writer        string `json:"writer,omitempty"`
	Removed       bool   `json:"removed,omitempty"`
}

// Callback observes one key.
type Callback func(Change)

// Publisher is the part of the event bus the store needs.
type Publisher interface {
	Emit(eventType string, payload any, opts ...events.EmitOption) (string, error)
	Subscribe(eventType string, handler events.Handler, opts ...events.SubscribeOption) (func(), error)
}

// Store is safe for concurrent use. Versions are per key, monotonic, and
// survive Remove so a re-created key never reuses an old version.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	versions map[string]uint64

	// outbox holds changes in version order until they are emitted; one
	// goroutine at a time drains it.
	outbox   []outgoing
	draining bool

	bus     Publisher
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the base logger; the store logs under the "state" category.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = logging.For(l, logging.CategoryState) }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a store broadcasting on bus.
func NewStore(bus Publisher, opts ...Option) *Store {
	s := &Store{
		entries:  make(map[string]*Entry),
		versions: make(map[string]uint64),
		bus:      bus,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WriteOption customizes a Set.
type WriteOption func(*writeOptions)

type writeOptions struct {
	writer    string
	base      uint64
	checkBase bool
}

// WithWriter records which fragment wrote the value.
func WithWriter(id string) WriteOption {
	return func(o *writeOptions) { o.writer = id }
}

// WithBaseVersion rejects the write with ErrStaleWrite if the key has moved
// past version v since the writer read it.
func WithBaseVersion(v uint64) WriteOption {
	return func(o *writeOptions) {
		o.base = v
		o.checkBase = true
	}
}

// Set stores value under key, bumps its version and emits state:changed.
// Changes are emitted in the order they were committed, across keys.
// Without WithBaseVersion it only fails on an empty key.
func (s *Store) Set(key string, value any, opts ...WriteOption) error {
	if key == "" {
		return ErrEmptyKey
	}
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	current := s.versions[key]
	if o.checkBase && o.base < current {
		s.mu.Unlock()
		s.metrics.RecordStateWrite("stale")
		err := &StaleWriteError{Key: key, Base: o.base, Current: current}
		s.logger.Debug("rejected stale write", zap.String("key", key), zap.String("writer", o.writer), zap.Error(err))
		return err
	}

	var previous any
	if e, ok := s.entries[key]; ok {
		previous = e.Value
	}
	version := current + 1
	s.versions[key] = version
	s.entries[key] = &Entry{Key: key, Value: value, LastWriter: o.writer, Version: version}
	s.outbox = append(s.outbox, outgoing{topic: TopicChanged, writer: o.writer, change: Change{
		Key:           key,
		Value:         value,
		PreviousValue: previous,
		Version:       version,
		Writer:        o.writer,
	}})
	s.mu.Unlock()

	s.metrics.RecordStateWrite("ok")
	s.flush()
	return nil
}

// Get returns the current value for key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Entry returns a copy of the entry for key, including its version.
func (s *Store) Entry(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Version returns the current version of key; removed keys keep theirs.
func (s *Store) Version(key string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[key]
}

// Keys returns the present keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Remove deletes key and emits state:removed. Removing an absent key is a
// no-op.
func (s *Store) Remove(key string, opts ...WriteOption) {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	version := s.versions[key] + 1
	s.versions[key] = version
	delete(s.entries, key)
	s.outbox = append(s.outbox, outgoing{topic: TopicRemoved, writer: o.writer, change: Change{
		Key:           key,
		PreviousValue: e.Value,
		Version:       version,
		Writer:        o.writer,
		Removed:       true,
	}})
	s.mu.Unlock()

	s.flush()
}

// Subscribe invokes cb with the current value of key (if any) and then with
// every later change or removal. Each subscriber sees versions in increasing
// order; a notification overtaken by a newer one is dropped.
func (s *Store) Subscribe(key string, cb Callback) (func(), error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if cb == nil {
		return nil, ErrNilCallback
	}
	if s.bus == nil {
		return nil, fmt.Errorf("state store for %q has no event bus", key)
	}

	w := &watcher{key: key, cb: cb}
	handler := func(evt events.Event) error {
		change, ok := evt.Payload.(Change)
		if !ok || change.Key != key {
			return nil
		}
		w.notify(change)
		return nil
	}

	unsubChanged, err := s.bus.Subscribe(TopicChanged, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", TopicChanged, err)
	}
	unsubRemoved, err := s.bus.Subscribe(TopicRemoved, handler)
	if err != nil {
		unsubChanged()
		return nil, fmt.Errorf("subscribe %s: %w", TopicRemoved, err)
	}

	// Registered before the snapshot, so no write can fall between the two.
	if e, ok := s.Entry(key); ok {
		w.notify(Change{Key: key, Value: e.Value, Version: e.Version, Writer: e.LastWriter})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubChanged()
			unsubRemoved()
		})
	}, nil
}

type outgoing struct {
	topic  string
	change Change
	writer string
}

// flush emits queued changes in the order they were committed. A write made
// while another goroutine (or a callback further up this one) is draining is
// left for that drainer, so emissions never overtake each other.
func (s *Store) flush() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	defer func() {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}()
	for len(s.outbox) > 0 {
		next := s.outbox[0]
		s.outbox[0] = outgoing{}
		s.outbox = s.outbox[1:]
		s.mu.Unlock()
		s.publish(next.topic, next.change, next.writer)
		s.mu.Lock()
	}
	s.mu.Unlock()
}

func (s *Store) publish(topic string, change Change, writer string) {
	if s.bus == nil {
		return
	}
	var opts []events.EmitOption
	if writer != "" {
		opts = append(opts, events.WithSource(writer))
	}
	if _, err := s.bus.Emit(topic, change, opts...); err != nil {
		s.logger.Warn("failed to publish state change", zap.String("key", change.Key), zap.Error(err))
	}
}

// watcher filters out-of-order notifications for one subscriber.
type watcher struct {
	key  string
	cb   Callback
	last atomic.Uint64
}

func (w *watcher) notify(c Change) {
	for {
		seen := w.last.Load()
		if c.Version <= seen {
			return
		}
		if w.last.CompareAndSwap(seen, c.Version) {
			break
		}
	}
	w.cb(c)
}

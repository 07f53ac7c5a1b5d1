package events

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fragmesh/internal/logging"
	"fragmesh/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultHistorySize is the replay window when none is configured.
const DefaultHistorySize = 100

// Bus delivers events synchronously, in subscription order, on the emitting
// goroutine. Handler failures are isolated per subscriber. It keeps a bounded
// history for late joiners.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string][]*subscription
	schemas    map[string]Schema
	middleware []Middleware
	history    *ring
	timers     map[*time.Timer]struct{}
	closed     bool

	// Temporal ordering
	sequence atomic.Uint64
	subSeq   atomic.Uint64

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type subscription struct {
	id        uint64
	eventType string
	handler   Handler
	once      bool
	retry     RetryPolicy

	active atomic.Bool
	// claimed serializes once-subscriptions so concurrent emissions cannot
	// both deliver to them.
	claimed atomic.Bool

	// parked holds events that reached a once-subscription while a claimed
	// delivery (possibly retrying) was unresolved.
	parkMu sync.Mutex
	parked []Event
}

// park queues evt behind the current claim. It reports false if the claim
// was released in the meantime.
func (s *subscription) park(evt Event) bool {
	s.parkMu.Lock()
	defer s.parkMu.Unlock()
	if !s.claimed.Load() {
		return false
	}
	s.parked = append(s.parked, evt)
	return true
}

// release drops the claim and hands back the parked events in order.
func (s *subscription) release() []Event {
	s.parkMu.Lock()
	defer s.parkMu.Unlock()
	s.claimed.Store(false)
	parked := s.parked
	s.parked = nil
	return parked
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistorySize sets the replay window. Zero disables history.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n < 0 {
			n = 0
		}
		b.history = newRing(n)
	}
}

// WithLogger sets the base logger; the bus logs under the "bus" category.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.logger = logging.For(l, logging.CategoryBus) }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// NewBus creates a bus with a 100-event history.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[string][]*subscription),
		schemas: make(map[string]Schema),
		history: newRing(DefaultHistorySize),
		timers:  make(map[*time.Timer]struct{}),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterSchema sets (or replaces) the schema for an event type.
func (b *Bus) RegisterSchema(eventType string, s Schema) {
	b.mu.Lock()
	b.schemas[eventType] = s
	b.mu.Unlock()
}

// Use appends a middleware to the chain. Middleware run in registration order.
func (b *Bus) Use(mw Middleware) {
	if mw == nil {
		return
	}
	b.mu.Lock()
	b.middleware = append(b.middleware, mw)
	b.mu.Unlock()
}

// Emit validates, transforms, records and delivers one event, returning its
// id. A schema mismatch returns a *SchemaValidationError before anything is
// delivered. Handler failures never reach the caller.
func (b *Bus) Emit(eventType string, payload any, opts ...EmitOption) (string, error) {
	if eventType == "" {
		return "", ErrEmptyType
	}
	var o emitOptions
	for _, opt := range opts {
		opt(&o)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return "", ErrBusClosed
	}
	schema, hasSchema := b.schemas[eventType]
	chain := b.middleware
	b.mu.RUnlock()

	if hasSchema {
		if err := schema.check(eventType, o.schemaVersion, payload); err != nil {
			b.logger.Debug("rejected event", zap.String("type", eventType), zap.Error(err))
			return "", err
		}
		if o.schemaVersion == 0 {
			o.schemaVersion = schema.Version
		}
	}

	evt := Event{
		ID:            uuid.NewString(),
		Seq:           b.sequence.Add(1),
		Type:          eventType,
		Payload:       payload,
		Timestamp:     b.now(),
		Source:        o.source,
		SchemaVersion: o.schemaVersion,
	}

	for _, mw := range chain {
		next, err := mw(evt)
		if errors.Is(err, ErrSkipDelivery) {
			b.logger.Debug("event dropped by middleware", zap.String("type", evt.Type), zap.String("id", evt.ID))
			return evt.ID, nil
		}
		if err != nil {
			return "", fmt.Errorf("middleware rejected %s: %w", evt.Type, err)
		}
		evt = next
	}

	b.mu.Lock()
	b.history.push(evt)
	targets := make([]*subscription, 0, len(b.subs[evt.Type])+len(b.subs[AllTypes]))
	targets = append(targets, b.subs[evt.Type]...)
	if evt.Type != AllTypes {
		targets = append(targets, b.subs[AllTypes]...)
	}
	b.mu.Unlock()

	b.metrics.RecordEvent(evt.Type)

	for _, sub := range targets {
		b.deliver(sub, evt, 0)
	}
	return evt.ID, nil
}

// Subscribe registers handler for eventType (or AllTypes). The returned
// function removes the subscription and is safe to call more than once.
func (b *Bus) Subscribe(eventType string, handler Handler, opts ...SubscribeOption) (func(), error) {
	if eventType == "" {
		return nil, ErrEmptyType
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	sub := &subscription{
		id:        b.subSeq.Add(1),
		eventType: eventType,
		handler:   handler,
	}
	for _, opt := range opts {
		opt(sub)
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub) })
	}, nil
}

// Replay returns retained events matching filter, oldest first. Events that
// fell out of the history window are not returned.
func (b *Bus) Replay(filter Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	b.history.each(func(e Event) {
		if filter.match(e) {
			out = append(out, e)
		}
	})
	return out
}

// Close stops pending retries and rejects further emissions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = make(map[*time.Timer]struct{})
}

// Stats returns current event bus statistics.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subs {
		count += len(subs)
	}
	return BusStats{
		SubscriberCount: count,
		HistoryLen:      b.history.len(),
		HistoryCap:      b.history.cap(),
		TotalEmitted:    b.sequence.Load(),
		SchemaCount:     len(b.schemas),
		MiddlewareCount: len(b.middleware),
		PendingRetries:  len(b.timers),
	}
}

// BusStats holds event bus statistics.
type BusStats struct {
	SubscriberCount int
	HistoryLen      int
	HistoryCap      int
	TotalEmitted    uint64
	SchemaCount     int
	MiddlewareCount int
	PendingRetries  int
}

func (b *Bus) remove(sub *subscription) {
	sub.active.Store(false)

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.eventType]
	for i, s := range subs {
		if s == sub {
			// Copy so snapshots taken by in-progress emissions stay valid.
			next := make([]*subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, sub.eventType)
			} else {
				b.subs[sub.eventType] = next
			}
			return
		}
	}
}

// deliver invokes one subscriber. attempt 0 is the initial delivery.
func (b *Bus) deliver(sub *subscription, evt Event, attempt int) {
	if !sub.active.Load() {
		return
	}
	if sub.once && attempt == 0 {
		for !sub.claimed.CompareAndSwap(false, true) {
			if sub.park(evt) {
				return
			}
		}
	}

	err := invoke(sub.handler, evt)
	if err == nil {
		if sub.once {
			b.remove(sub)
		}
		return
	}

	herr := &HandlerError{Type: evt.Type, EventID: evt.ID, Attempt: attempt, Err: err}
	if attempt < sub.retry.MaxRetries {
		b.metrics.RecordHandlerFailure(evt.Type, false)
		b.logger.Warn("handler failed, scheduling retry",
			zap.Uint64("subscription", sub.id),
			zap.Duration("delay", sub.retry.delay(attempt)),
			zap.Error(herr))
		b.scheduleRetry(sub, evt, attempt+1)
		return
	}

	b.metrics.RecordHandlerFailure(evt.Type, true)
	if sub.retry.MaxRetries > 0 {
		b.logger.Error("permanent delivery failure",
			zap.Uint64("subscription", sub.id),
			zap.Int("retries", sub.retry.MaxRetries),
			zap.Error(herr))
	} else {
		b.logger.Error("handler failed", zap.Uint64("subscription", sub.id), zap.Error(herr))
	}
	if sub.once {
		for _, next := range sub.release() {
			b.deliver(sub, next, 0)
		}
	}
}

func (b *Bus) scheduleRetry(sub *subscription, evt Event, attempt int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(sub.retry.delay(attempt-1), func() {
		b.mu.Lock()
		_, pending := b.timers[t]
		delete(b.timers, t)
		b.mu.Unlock()
		if pending {
			b.deliver(sub, evt, attempt)
		}
	})
	b.timers[t] = struct{}{}
}

// invoke calls h, converting a panic into an error.
func invoke(h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(evt)
}

// Package events implements the in-process publish/subscribe bus fragments use
// to talk to each other without holding references to one another.
package events

import (
	"slices"
	"time"
)

// AllTypes subscribes to every event type. Wildcard subscribers are notified
// after the type-specific ones.
const AllTypes = "*"

// Event is immutable once emitted.
type Event struct {
	ID            string    `json:"id"`
	Seq           uint64    `json:"seq"`
	Type          string    `json:"type"`
	Payload       any       `json:"payload,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source,omitempty"`
	SchemaVersion int       `json:"schema_version,omitempty"`
}

// Handler receives one event. A returned error (or a panic) is isolated to
// this subscriber and may trigger its retry policy.
type Handler func(Event) error

// Middleware runs before an event is recorded and delivered. It may return a
// transformed event, ErrSkipDelivery to drop the event, or any other error to
// abort the emission.
type Middleware func(Event) (Event, error)

// RetryPolicy controls per-subscriber redelivery after a handler failure.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration // doubled per retry; 100ms when zero
	MaxDelay   time.Duration // 5s when zero
}

func (p RetryPolicy) delay(retry int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	d := base << retry
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

// Filter selects events from the retained history. Zero fields match all.
type Filter struct {
	Since  time.Time // inclusive
	Types  []string
	Source string
}

func (f Filter) match(e Event) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	return true
}

// EmitOption customizes a single emission.
type EmitOption func(*emitOptions)

type emitOptions struct {
	source        string
	schemaVersion int
}

// WithSource tags the event with the emitting fragment.
func WithSource(id string) EmitOption {
	return func(o *emitOptions) { o.source = id }
}

// WithSchemaVersion declares which schema version the payload follows.
func WithSchemaVersion(v int) EmitOption {
	return func(o *emitOptions) { o.schemaVersion = v }
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscription)

// Once removes the subscription after its first successful delivery. Events
// arriving while a failed delivery awaits its retry are held and delivered in
// order if that delivery is finally given up.
func Once() SubscribeOption {
	return func(s *subscription) { s.once = true }
}

// WithRetry sets the per-subscriber retry policy.
func WithRetry(p RetryPolicy) SubscribeOption {
	return func(s *subscription) { s.retry = p }
}

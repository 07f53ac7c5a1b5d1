package loader

import (
	"sync"
	"time"
)

// CircuitState is the breaker state of one module.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitPolicy configures every breaker of a loader.
type CircuitPolicy struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	MaxCooldown      time.Duration
}

// DefaultCircuitPolicy returns 5 failures in 60s, 30s cooldown capped at 5m.
func DefaultCircuitPolicy() CircuitPolicy {
	return CircuitPolicy{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
	}
}

// breaker guards the attempts for one module name.
type breaker struct {
	mu       sync.Mutex
	policy   CircuitPolicy
	state    CircuitState
	failures []time.Time

	opens         int // consecutive opens without a success
	nextAttemptAt time.Time
	trialInFlight bool
}

func newBreaker(p CircuitPolicy) *breaker {
	return &breaker{policy: p}
}

// allow reports whether an attempt may start now. In half-open only one trial
// is admitted until it reports back.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if now.Before(b.nextAttemptAt) {
			return false
		}
		b.state = CircuitHalfOpen
		b.trialInFlight = true
		return true
	case CircuitHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return true
	}
}

// success closes the circuit and resets every counter.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.failures = b.failures[:0]
	b.opens = 0
	b.trialInFlight = false
}

// failure records a failed attempt and reports whether the circuit opened.
func (b *breaker) failure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		b.trip(now)
		return true
	}

	cutoff := now.Add(-b.policy.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.policy.FailureThreshold {
		b.trip(now)
		return true
	}
	return false
}

// abandon returns a half-open trial slot without a verdict (cancelled
// attempts are not failures).
func (b *breaker) abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitHalfOpen && b.trialInFlight {
		b.state = CircuitOpen
		b.trialInFlight = false
	}
}

func (b *breaker) trip(now time.Time) {
	cooldown := b.policy.Cooldown
	for i := 0; i < b.opens && cooldown < b.policy.MaxCooldown; i++ {
		cooldown *= 2
	}
	if b.policy.MaxCooldown > 0 && cooldown > b.policy.MaxCooldown {
		cooldown = b.policy.MaxCooldown
	}
	b.state = CircuitOpen
	b.nextAttemptAt = now.Add(cooldown)
	b.opens++
	b.failures = b.failures[:0]
	b.trialInFlight = false
}

// current returns the state as seen at now: an open circuit past its
// cooldown reads as half-open.
func (b *breaker) current(now time.Time) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && !now.Before(b.nextAttemptAt) {
		return CircuitHalfOpen
	}
	return b.state
}

// retryAt returns when an open circuit admits its next trial.
func (b *breaker) retryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextAttemptAt
}

package loader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerTransitions(t *testing.T) {
	p := CircuitPolicy{FailureThreshold: 2, Window: time.Minute, Cooldown: 10 * time.Second, MaxCooldown: 25 * time.Second}
	b := newBreaker(p)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, b.allow(now))
	assert.False(t, b.failure(now))
	assert.True(t, b.failure(now.Add(time.Second)))
	assert.Equal(t, CircuitOpen, b.current(now.Add(time.Second)))
	assert.False(t, b.allow(now.Add(5*time.Second)))

	// Cooldown elapsed: exactly one trial.
	now = now.Add(11 * time.Second)
	assert.Equal(t, CircuitHalfOpen, b.current(now))
	assert.True(t, b.allow(now))
	assert.False(t, b.allow(now), "second trial rejected while the first is in flight")

	// Failed trial doubles the cooldown: 20s.
	assert.True(t, b.failure(now))
	assert.False(t, b.allow(now.Add(19*time.Second)))
	now = now.Add(20 * time.Second)
	assert.True(t, b.allow(now))

	// Third open is capped at 25s instead of 40s.
	b.failure(now)
	assert.Equal(t, now.Add(25*time.Second), b.retryAt())

	now = now.Add(25 * time.Second)
	assert.True(t, b.allow(now))
	b.success()
	assert.Equal(t, CircuitClosed, b.current(now))

	// Counters reset: one failure does not reopen.
	assert.False(t, b.failure(now))
}

func TestBreakerAbandonReturnsTrial(t *testing.T) {
	b := newBreaker(CircuitPolicy{FailureThreshold: 1, Window: time.Minute, Cooldown: time.Second, MaxCooldown: time.Minute})
	now := time.Now()
	b.failure(now)

	now = now.Add(time.Second)
	assert.True(t, b.allow(now))
	b.abandon()
	assert.True(t, b.allow(now), "abandoned trial frees the slot")
}

func TestBackoffDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, backoffDelay(p, 1, nil))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(p, 2, nil))
	assert.Equal(t, 350*time.Millisecond, backoffDelay(p, 3, nil))
	assert.Equal(t, time.Duration(0), backoffDelay(RetryPolicy{}, 2, nil))

	j := newJitter(42)
	for i := 0; i < 50; i++ {
		d := backoffDelay(p, 2, j)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 300*time.Millisecond)
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "fallback", StateFallback.String())
}

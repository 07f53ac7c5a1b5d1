package loader

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy bounds the attempts of a single Load.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 200ms base, 5s cap, 10s per attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

// jitter is a goroutine-safe source for backoff jitter.
type jitter struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newJitter(seed int64) *jitter {
	return &jitter{rng: rand.New(rand.NewSource(seed))}
}

// factor returns a multiplier in [0.5, 1.5).
func (j *jitter) factor() float64 {
	if j == nil {
		return 1
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return 0.5 + j.rng.Float64()
}

// backoffDelay returns the wait after the given failed attempt (1-based):
// base * 2^(attempt-1), jittered, capped at MaxDelay.
func backoffDelay(p RetryPolicy, attempt int, j *jitter) time.Duration {
	if p.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	delay *= j.factor()
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

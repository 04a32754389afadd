package venue

import (
	"sync"
	"time"
)

// Breaker counts connection failures in a sliding window and opens once
// the threshold is reached. It never closes on its own; the client arms
// a timer for the automatic reset.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	failures  []time.Time
	open      bool
	openedAt  time.Time
	now       func() time.Time
}

func NewBreaker(threshold int, window time.Duration, now func() time.Time) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{threshold: threshold, window: window, now: now}
}

// RecordFailure adds one failure and reports whether this call tripped the breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures = append(b.failures, now)
	b.pruneLocked(now)

	if b.open || len(b.failures) < b.threshold {
		return false
	}
	b.open = true
	b.openedAt = now
	return true
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}

func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Failures returns the failure count inside the current window.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return len(b.failures)
}

// Reset closes the breaker and forgets past failures. It reports whether
// the breaker was open.
func (b *Breaker) Reset() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasOpen := b.open
	b.open = false
	b.openedAt = time.Time{}
	b.failures = b.failures[:0]
	return wasOpen
}

func (b *Breaker) Window() time.Duration { return b.window }

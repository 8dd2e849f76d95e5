package dlq

import (
	"errors"
	"sync"
	"time"
)

// ErrSuppressed is returned by Send while the dead-letter topic is considered
// down. The record is not published.
var ErrSuppressed = errors.New("dead-letter publishing suppressed")

// Breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// breaker stops dead-letter publishes after consecutive failures so an
// unreachable broker costs one timeout per cooldown instead of one per record.
// After the cooldown a single probe is let through; its outcome closes or
// re-opens the breaker.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openedAt  time.Time
	probing   bool
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &breaker{threshold: threshold, cooldown: cooldown}
}

func (b *breaker) open() bool { return b.failures >= b.threshold }

// allow reports whether a publish may be attempted at now.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open() {
		return true
	}
	if b.probing || now.Sub(b.openedAt) < b.cooldown {
		return false
	}
	b.probing = true
	return true
}

// record updates the breaker with the outcome of an allowed publish.
func (b *breaker) record(err error, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if err == nil {
		b.failures = 0
		return
	}
	b.failures++
	if b.open() {
		b.openedAt = now
	}
}

// Suppressing reports whether publishes are currently being skipped.
func (h *Handler) Suppressing() bool {
	h.breaker.mu.Lock()
	defer h.breaker.mu.Unlock()
	return h.breaker.open()
}

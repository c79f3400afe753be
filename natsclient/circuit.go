package natsclient

import (
	"sync"
	"time"
)

const initialBackoff = time.Second

// breaker counts connection failures. Once a round reaches the threshold the
// circuit opens for the current backoff, which doubles on every further
// trip up to the ceiling.
type breaker struct {
	threshold int32
	ceiling   time.Duration

	mu          sync.Mutex
	total       int32
	round       int32
	backoff     time.Duration
	lastFailure time.Time
	open        bool
}

func newBreaker(threshold int32, ceiling time.Duration) *breaker {
	return &breaker{threshold: threshold, ceiling: ceiling, backoff: initialBackoff}
}

// trip records a failure. It reports whether the circuit just opened and
// how long it stays open before half-opening.
func (b *breaker) trip(now time.Time) (opened bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	b.round++
	b.lastFailure = now
	if b.round < b.threshold {
		return false, 0
	}
	b.round = 0

	wait = b.backoff
	b.backoff = min(b.backoff*2, b.ceiling)
	if b.open {
		return false, wait
	}
	b.open = true
	return true, wait
}

// halfOpen lets the next connection attempt through
func (b *breaker) halfOpen() {
	b.mu.Lock()
	b.open = false
	b.mu.Unlock()
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total, b.round = 0, 0
	b.backoff = initialBackoff
	b.lastFailure = time.Time{}
	b.open = false
}

func (b *breaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *breaker) snapshot() (failures int32, backoff time.Duration, last time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total, b.backoff, b.lastFailure
}

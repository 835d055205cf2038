package resilience

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Clock supplies the current time and backoff timers to a Policy.
type Clock interface {
	backoff.Clock
	NewTimer() backoff.Timer
}

// ManualClock is a Clock whose time only moves when a retry waits. Every wait
// completes immediately after advancing the clock by the requested delay, so a
// five minute retry budget runs in microseconds.
type ManualClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

// NewManualClock creates a ManualClock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now implements backoff.Clock.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Waits returns every delay requested so far, in order.
func (c *ManualClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.waits))
	copy(out, c.waits)
	return out
}

// NewTimer implements Clock.
func (c *ManualClock) NewTimer() backoff.Timer {
	return &manualTimer{clock: c, ch: make(chan time.Time, 1)}
}

type manualTimer struct {
	clock *ManualClock
	ch    chan time.Time
}

func (t *manualTimer) Start(d time.Duration) {
	t.clock.mu.Lock()
	t.clock.now = t.clock.now.Add(d)
	t.clock.waits = append(t.clock.waits, d)
	now := t.clock.now
	t.clock.mu.Unlock()

	select {
	case t.ch <- now:
	default:
	}
}

func (t *manualTimer) Stop() {}

func (t *manualTimer) C() <-chan time.Time {
	return t.ch
}

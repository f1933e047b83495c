package store_test

import (
	"slices"
	"sync"
	"time"

	"github.com/calvinalkan/jsonstate/pkg/store"
)

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock    *manualClock
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) store.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &manualTimer{clock: c, deadline: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)

	return t
}

// Advance moves time forward and runs every due timer on the caller's
// goroutine, in deadline order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)

	var due []*manualTimer

	remaining := c.timers[:0]

	for _, t := range c.timers {
		switch {
		case t.stopped || t.fired:
		case !t.deadline.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			remaining = append(remaining, t)
		}
	}

	c.timers = remaining
	c.mu.Unlock()

	slices.SortStableFunc(due, func(a, b *manualTimer) int { return a.deadline.Compare(b.deadline) })

	for _, t := range due {
		t.fn()
	}
}

// Armed returns how many timers are waiting to fire.
func (c *manualClock) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0

	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}

	return n
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}

	t.stopped = true

	return true
}

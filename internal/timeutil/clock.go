// Package timeutil lets command timeouts and replay pacing run against a
// clock that tests can drive by hand.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the part of package time the device code depends on.
type Clock interface {
	Now() time.Time
	// NewTimer fires once, no earlier than d from Now.
	NewTimer(d time.Duration) Timer
}

// Timer is a one-shot timer.
type Timer interface {
	C() <-chan time.Time
	// Stop reports whether the call prevented the timer from firing.
	Stop() bool
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTimer(d time.Duration) Timer { return stdTimer{time.NewTimer(d)} }

type stdTimer struct{ t *time.Timer }

func (s stdTimer) C() <-chan time.Time { return s.t.C }
func (s stdTimer) Stop() bool          { return s.t.Stop() }

// MockClock only moves when Advance is called. Timers whose deadline has
// been reached fire during Advance, each at most once.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	pending map[*MockTimer]struct{}
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start, pending: make(map[*MockTimer]struct{})}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &MockTimer{clock: c, ch: make(chan time.Time, 1), deadline: c.now.Add(d)}
	c.pending[t] = struct{}{}
	return t
}

// Advance moves the clock forward by d and fires every timer that is due.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for t := range c.pending {
		if c.now.Before(t.deadline) {
			continue
		}
		delete(c.pending, t)
		t.ch <- c.now
	}
}

// ActiveTimers counts timers that have neither fired nor been stopped.
// Tests poll it to know a goroutine has armed its timeout before advancing.
func (c *MockClock) ActiveTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// MockTimer belongs to a MockClock.
type MockTimer struct {
	clock    *MockClock
	ch       chan time.Time
	deadline time.Time
}

func (t *MockTimer) C() <-chan time.Time { return t.ch }

func (t *MockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if _, ok := t.clock.pending[t]; !ok {
		return false
	}
	delete(t.clock.pending, t)
	return true
}

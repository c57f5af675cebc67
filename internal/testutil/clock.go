package testutil

import (
	"sync"
	"time"
)

// DefaultEpoch is the start time of a ManualClock created with a zero time.
var DefaultEpoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

// ManualClock is a clock for tests whose time only moves when told to.
//
// It implements engine.Clock. Timers created with After fire when Advance or
// Set moves the clock to or past their deadline, so suspensions of the
// processing loop can be driven without real sleeps.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []manualTimer
}

type manualTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManualClock creates a clock at start, or DefaultEpoch if start is zero.
func NewManualClock(start time.Time) *ManualClock {
	if start.IsZero() {
		start = DefaultEpoch
	}
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock reaches now+d.
// A non-positive d fires immediately.
func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, manualTimer{deadline: c.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward by d and fires due timers.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(c.now.Add(d))
}

// Set moves the clock to t and fires due timers. Moving backwards is ignored.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.setLocked(t)
	}
}

// Pending returns the number of timers that have not fired.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// NextDeadline returns the earliest pending timer deadline.
func (c *ManualClock) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var earliest time.Time
	for i, t := range c.timers {
		if i == 0 || t.deadline.Before(earliest) {
			earliest = t.deadline
		}
	}
	return earliest, len(c.timers) > 0
}

func (c *ManualClock) setLocked(t time.Time) {
	c.now = t
	remaining := c.timers[:0]
	for _, timer := range c.timers {
		if !timer.deadline.After(t) {
			timer.ch <- t
			continue
		}
		remaining = append(remaining, timer)
	}
	// Drop references to fired timers.
	for i := len(remaining); i < len(c.timers); i++ {
		c.timers[i] = manualTimer{}
	}
	c.timers = remaining
}

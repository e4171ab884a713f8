package testutil

import (
	"sync"
	"time"
)

// Clock provides a controllable time source for tests. Pass c.Now
// wherever a func() time.Time is accepted.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock initialized to the given time, or FixedTime.
func NewClock(now ...time.Time) *Clock {
	t := FixedTime
	if len(now) > 0 {
		t = now[0]
	}
	return &Clock{now: t}
}

// Now returns the clock's current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Tick returns the current time and then advances by d, so successive
// calls yield strictly increasing timestamps.
func (c *Clock) Tick(d time.Duration) func() time.Time {
	return func() time.Time {
		c.mu.Lock()
		defer c.mu.Unlock()
		now := c.now
		c.now = c.now.Add(d)
		return now
	}
}

// Package testutil holds shared test fixtures.
package testutil

import (
	"sync"
	"time"
)

// FixedClock is a manually advanced time source. Tests that depend on
// reading age or sync timing use it instead of time.Now so the same
// scenario produces the same drops every run.
//
// Thread-safety: safe for concurrent use.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock creates a clock frozen at start.
func NewFixedClock(start time.Time) *FixedClock {
	return &FixedClock{now: start}
}

// Now returns the clock's current time without advancing it.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward and returns the new time. Negative
// durations are allowed for constructing out-of-order readings.
func (c *FixedClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

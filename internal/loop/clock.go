// Package loop is the orchestrator: a fixed-cadence, single-threaded
// cycle driver running sense → analyze → feedback in order, handing
// material to the learning engine fire-and-forget, and recording one
// health record per cycle.
package loop

import "sync/atomic"

// Clock is the monotonic logical cycle counter. Every reading batch,
// analysis result, and health record is stamped with a cycle number from
// this clock, so ordering never depends on wall time.
//
// Thread-safety: safe for concurrent use, though the orchestrator's
// single-writer design means only the loop goroutine calls Next.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming from a known cycle, used when
// continuing on top of an existing health history.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next cycle number and advances the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the latest issued cycle number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

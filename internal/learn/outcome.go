// Package learn is the asynchronous adaptation stage: it credits executed
// actions with delayed performance deltas, tracks prediction-model
// accuracy, detects concept drift, and tunes controller parameters with
// an epsilon-greedy bandit. Nothing in this package ever blocks the loop.
package learn

import "time"

// Outcome is one credited learning result: the performance delta
// attributed to an action after the configured attribution lag.
type Outcome struct {
	ActionID         string
	ActionType       string
	Cycle            int64 // cycle at which credit was assigned
	PerformanceDelta float64
	DriftDetected    bool
	At               time.Time
}

// ring is a fixed-capacity outcome buffer. Oldest entries are overwritten
// once full; the loop's memory use stays bounded no matter how long it
// runs.
type ring struct {
	buf  []Outcome
	next int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Outcome, capacity)}
}

func (r *ring) push(o Outcome) {
	r.buf[r.next] = o
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ring) len() int { return r.size }

// all returns the retained outcomes oldest-first.
func (r *ring) all() []Outcome {
	out := make([]Outcome, 0, r.size)
	start := r.next - r.size
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

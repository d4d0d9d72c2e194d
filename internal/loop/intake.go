package loop

import (
	"context"
	"sync/atomic"

	"github.com/adrianco/consciousness-sub000/internal/sensor"
)

// Intake is the bounded buffer between adapter push notifications and
// the sense phase. Capacity and overflow policy come from configuration:
// drop_oldest sheds the stalest reading to admit the new one, block makes
// the producer wait for space (or its context).
type Intake struct {
	ch       chan sensor.Reading
	overflow string
	dropped  atomic.Int64
}

// NewIntake creates an intake queue.
func NewIntake(capacity int, overflow string) *Intake {
	return &Intake{
		ch:       make(chan sensor.Reading, capacity),
		overflow: overflow,
	}
}

// Push offers one reading. Under drop_oldest it never blocks; under
// block it waits for space until ctx is done. Returns false when the
// reading was not admitted.
func (q *Intake) Push(ctx context.Context, r sensor.Reading) bool {
	if q.overflow == "block" {
		select {
		case q.ch <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case q.ch <- r:
			return true
		default:
		}
		// Full: shed the oldest queued reading and retry. Losing the
		// stalest sample beats losing the freshest.
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// Drain removes and returns everything currently queued, without
// blocking. Called once per cycle by the sense phase.
func (q *Intake) Drain() []sensor.Reading {
	var out []sensor.Reading
	for {
		select {
		case r := <-q.ch:
			out = append(out, r)
		default:
			return out
		}
	}
}

// Dropped returns the number of readings shed by drop_oldest overflow.
func (q *Intake) Dropped() int64 {
	return q.dropped.Load()
}

// Len returns the number of queued readings.
func (q *Intake) Len() int {
	return len(q.ch)
}

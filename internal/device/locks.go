package device

import (
	"context"
	"sync"
	"time"
)

// LockTable serializes mutators of one device's canonical state. The
// feedback controller holds a device's lock across checkpoint → execute →
// commit/rollback, and the twin synchronizer holds it for the length of a
// reconciliation pass, so the two can never interleave on one device.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]chan struct{})}
}

func (t *LockTable) lockFor(deviceID string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.locks[deviceID]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[deviceID] = ch
	}
	return ch
}

// Acquire takes the device's lock, waiting at most wait. Returns false
// if the lock could not be acquired in time; callers treat that as
// cycle-fatal per the propagation policy.
func (t *LockTable) Acquire(ctx context.Context, deviceID string, wait time.Duration) bool {
	ch := t.lockFor(deviceID)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Release returns the device's lock. Must only be called by the holder.
func (t *LockTable) Release(deviceID string) {
	ch := t.lockFor(deviceID)
	select {
	case <-ch:
	default:
		// Releasing an unheld lock is a programming error; make it loud
		// in tests rather than silently corrupting the discipline.
		panic("device: release of unheld lock for " + deviceID)
	}
}

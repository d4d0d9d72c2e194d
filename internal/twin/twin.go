// Package twin maintains digital twins of physical devices: a modeled
// copy of each device's state kept in sync on an independent cadence,
// with conflict resolution, divergence tracking, and detached what-if
// scenarios through pluggable physics models.
package twin

import (
	"fmt"
	"sync"
	"time"

	"github.com/adrianco/consciousness-sub000/internal/state"
)

// SyncState is the twin's position in its sync lifecycle.
type SyncState string

const (
	SyncUninitialized SyncState = "uninitialized"
	SyncSyncing       SyncState = "syncing"
	SyncSynchronized  SyncState = "synchronized"
	SyncDiverged      SyncState = "diverged"
	SyncReconciling   SyncState = "reconciling"
)

// StateChange records one attribute reconciliation during a sync pass.
type StateChange struct {
	Attribute string
	From      state.Value
	To        state.Value
	Source    string // "device" or "twin"
}

// DeviceTwin is the modeled counterpart of one physical device. The twin
// holds its own copy of state; the device remains the sole owner of real
// state, and the two are reconciled only by the synchronizer.
//
// Thread-safety: all access goes through the mutex; the synchronizer and
// scenario runner may touch a twin from different goroutines.
type DeviceTwin struct {
	mu sync.Mutex

	ID       string
	DeviceID string

	model    state.State
	intents  state.State // twin-side changes awaiting push to the device
	sync     SyncState
	fidelity float64
	lastSync time.Time

	divergedPasses int
	detached       bool
}

// NewTwin creates an uninitialized twin for the given device. The first
// sync pass adopts the device's state wholesale.
func NewTwin(id, deviceID string) *DeviceTwin {
	return &DeviceTwin{
		ID:       id,
		DeviceID: deviceID,
		model:    state.State{},
		intents:  state.State{},
		sync:     SyncUninitialized,
	}
}

// Model returns an independent copy of the twin's modeled state.
func (t *DeviceTwin) Model() state.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.model.Clone()
}

// SetIntent records a twin-side desired change. Under twin_wins the next
// sync pass proposes it to the device through the safety validator;
// under device_wins a conflicting device value discards it.
func (t *DeviceTwin) SetIntent(attribute string, v state.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.intents[attribute] = v
}

// Status returns the twin's sync state, fidelity, and last sync time.
func (t *DeviceTwin) Status() (SyncState, float64, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sync, t.fidelity, t.lastSync
}

// Detached reports whether the twin is a scenario clone. Detached twins
// are stepped by a physics model and never reconciled against, or emit
// actions at, a real device.
func (t *DeviceTwin) Detached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detached
}

// Detach returns an independent detached clone for scenario use. The
// original twin continues syncing unaffected.
func (t *DeviceTwin) Detach(cloneID string) *DeviceTwin {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &DeviceTwin{
		ID:       cloneID,
		DeviceID: t.DeviceID,
		model:    t.model.Clone(),
		intents:  state.State{},
		sync:     t.sync,
		fidelity: t.fidelity,
		lastSync: t.lastSync,
		detached: true,
	}
}

// Seed replaces a detached twin's modeled state, for scenarios that
// start from a constructed state rather than a live twin's. Live twins
// get their state from sync passes only.
func (t *DeviceTwin) Seed(s state.State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.detached {
		return fmt.Errorf("twin %s is live; only detached twins can be seeded", t.ID)
	}
	t.model = s.Clone()
	return nil
}

// setModel replaces the detached twin's state after a physics step.
func (t *DeviceTwin) setModel(s state.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.model = s
}

// Package device defines the boundary contract between the control loop
// and physical devices. The core never assumes a specific protocol;
// vendor adapters live behind the Adapter interface.
package device

import (
	"context"
	"time"

	"github.com/adrianco/consciousness-sub000/internal/sensor"
	"github.com/adrianco/consciousness-sub000/internal/state"
)

// State is a snapshot of a device's real attributes at one moment.
// The physical device is the sole owner of real state; twins keep their
// own copy and never share the Attrs map.
type State struct {
	DeviceID   string
	Attrs      state.State
	ReportedAt time.Time
}

// Clone returns an independent copy safe to hand across an ownership
// boundary.
func (s State) Clone() State {
	return State{
		DeviceID:   s.DeviceID,
		Attrs:      s.Attrs.Clone(),
		ReportedAt: s.ReportedAt,
	}
}

// StateEvent is a push notification of a device state change, delivered
// through a bounded channel rather than callback fan-out.
type StateEvent struct {
	State State
}

// Command is the device-facing shape of an approved control action.
// It carries only what an adapter needs; validation bookkeeping stays in
// the control package.
type Command struct {
	ActionID string
	DeviceID string
	Type     string
	Params   state.State
	Deadline time.Time
}

// Result reports one command execution.
type Result struct {
	ActionID  string
	OK        bool
	Detail    string
	Completed time.Time
}

// Adapter is the contract a vendor integration must satisfy.
type Adapter interface {
	// ID returns the device identifier the adapter serves.
	ID() string

	// Read collects the current raw sensor readings.
	Read(ctx context.Context) ([]sensor.Reading, error)

	// Execute applies one approved command to the device.
	Execute(ctx context.Context, cmd Command) (Result, error)

	// GetState returns the device's current real state.
	GetState(ctx context.Context) (State, error)

	// Subscribe registers a channel for push state events. Adapters must
	// drop events rather than block when the channel is full.
	Subscribe(ch chan<- StateEvent)
}

// BatchExecutor is an optional capability: adapters that support it can
// apply several same-priority commands in one call.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, cmds []Command) ([]Result, error)
}

package twin

import (
	"fmt"
	"time"

	"github.com/adrianco/consciousness-sub000/internal/state"
)

// PhysicsModel advances a modeled state by one time step. Models must be
// pure with respect to their inputs: the returned state is a new value
// and the passed state is never mutated.
type PhysicsModel interface {
	ID() string
	Step(s state.State, inputs state.State, dt time.Duration) (state.State, error)
}

// ThermalModel is a first-order room thermal model: temperature relaxes
// toward ambient, shifted by a heater setpoint when one is present in
// the inputs.
type ThermalModel struct {
	// Ambient is the outside temperature the room drifts toward.
	Ambient float64

	// Coupling is the relaxation rate per second.
	Coupling float64
}

// ID implements PhysicsModel.
func (m ThermalModel) ID() string { return "thermal" }

// Step implements PhysicsModel.
func (m ThermalModel) Step(s state.State, inputs state.State, dt time.Duration) (state.State, error) {
	cur, ok := state.AsFloat(s["temperature"])
	if !ok {
		return nil, fmt.Errorf("thermal model needs a numeric temperature attribute")
	}

	target := m.Ambient
	if setpoint, ok := state.AsFloat(inputs["setpoint"]); ok {
		target = setpoint
	}

	next := s.Clone()
	next["temperature"] = state.Float(cur + m.Coupling*(target-cur)*dt.Seconds())
	return next, nil
}

package safety

import (
	"math"

	"github.com/adrianco/consciousness-sub000/internal/state"
)

// Hazard is one estimated hazard for a proposal in context. Probability
// and Severity are both in [0,1]; their product is compared against the
// configured risk threshold.
type Hazard struct {
	Name        string
	Probability float64
	Severity    float64
}

// HazardModel estimates the dominant hazard of a proposal given the
// current and projected device state. Implementations must be pure so
// validation stays idempotent.
type HazardModel interface {
	ID() string
	Assess(p Proposal, current, projected state.State) Hazard
}

// SwingHazard flags large single-step changes to one attribute. A
// thermostat jumping 15 degrees in one action is riskier than a
// half-degree nudge even when both land inside static bounds.
type SwingHazard struct {
	// Attribute names the attribute this model watches.
	Attribute string
	// FullSwing is the change magnitude treated as probability 1.
	FullSwing float64
	// Severity is the declared severity weight of an abrupt swing.
	HazardSeverity float64
}

// ID implements HazardModel.
func (h SwingHazard) ID() string { return "swing:" + h.Attribute }

// Assess implements HazardModel.
func (h SwingHazard) Assess(p Proposal, current, projected state.State) Hazard {
	hz := Hazard{Name: h.ID(), Severity: h.HazardSeverity}

	proposed, ok := p.Changes[h.Attribute]
	if !ok {
		return hz
	}
	newVal, ok := state.AsFloat(proposed)
	if !ok {
		return hz
	}
	oldVal, ok := state.AsFloat(current[h.Attribute])
	if !ok {
		return hz // no prior value, nothing to swing from
	}

	if h.FullSwing <= 0 {
		return hz
	}
	hz.Probability = math.Min(1, math.Abs(newVal-oldVal)/h.FullSwing)
	return hz
}

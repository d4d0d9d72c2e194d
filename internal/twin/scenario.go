package twin

import (
	"context"
	"fmt"
	"time"

	"github.com/adrianco/consciousness-sub000/internal/state"
)

// Scenario steps a detached twin through a physics model for what-if
// analysis. The detached twin is isolated: its trajectory never touches
// the live twin or the physical device.
type Scenario struct {
	twin   *DeviceTwin
	model  PhysicsModel
	inputs state.State
	dt     time.Duration
}

// NewScenario wraps a detached twin. Attached twins are rejected; detach
// a clone first.
func NewScenario(t *DeviceTwin, model PhysicsModel, inputs state.State, dt time.Duration) (*Scenario, error) {
	if !t.Detached() {
		return nil, fmt.Errorf("scenario requires a detached twin; got live twin %s", t.ID)
	}
	if dt <= 0 {
		return nil, fmt.Errorf("scenario step must be positive, got %v", dt)
	}
	return &Scenario{twin: t, model: model, inputs: inputs.Clone(), dt: dt}, nil
}

// Run advances the twin `steps` times and returns the trajectory, one
// state snapshot per step (the starting state is not included).
func (sc *Scenario) Run(ctx context.Context, steps int) ([]state.State, error) {
	trajectory := make([]state.State, 0, steps)
	current := sc.twin.Model()

	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return trajectory, err
		}
		next, err := sc.model.Step(current, sc.inputs, sc.dt)
		if err != nil {
			return trajectory, fmt.Errorf("step %d: %w", i, err)
		}
		current = next
		sc.twin.setModel(next.Clone())
		trajectory = append(trajectory, next)
	}
	return trajectory, nil
}

// Lookahead runs a short detached projection from a live twin's current
// model and returns the final projected state. Used by the analyzer as
// optional extra context for prediction models.
func Lookahead(ctx context.Context, t *DeviceTwin, model PhysicsModel, inputs state.State, horizon, dt time.Duration) (state.State, error) {
	clone := t.Detach(t.ID + ":lookahead")
	sc, err := NewScenario(clone, model, inputs, dt)
	if err != nil {
		return nil, err
	}
	steps := int(horizon / dt)
	if steps < 1 {
		steps = 1
	}
	traj, err := sc.Run(ctx, steps)
	if err != nil {
		return nil, err
	}
	return traj[len(traj)-1], nil
}

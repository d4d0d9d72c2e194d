package control

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrianco/consciousness-sub000/internal/analyze"
	"github.com/adrianco/consciousness-sub000/internal/config"
	"github.com/adrianco/consciousness-sub000/internal/device"
	"github.com/adrianco/consciousness-sub000/internal/fault"
	"github.com/adrianco/consciousness-sub000/internal/policy"
	"github.com/adrianco/consciousness-sub000/internal/safety"
	"github.com/adrianco/consciousness-sub000/internal/sensor"
	"github.com/adrianco/consciousness-sub000/internal/state"
)

func testPolicy() *policy.Set {
	maxTemp := 35.0
	return &policy.Set{
		Constraints: []policy.Constraint{
			{Name: "temperature-limit", Device: "*", Attribute: "temperature", Max: &maxTemp, Severity: policy.SeverityCritical},
		},
		Calibrations: map[string]policy.Calibration{
			"temperature": {SensorType: "temperature", Min: -10, Max: 50, Unit: "C"},
		},
	}
}

func testController(t *testing.T, adapters map[string]device.Adapter, ids ...string) *Controller {
	t.Helper()
	pol := testPolicy()
	return New(
		config.Default().Control,
		10*time.Millisecond,
		pol,
		safety.New(pol, 1.0), // hazard gate off; static constraints only
		adapters,
		device.NewLockTable(),
		NewFixedGenerator(ids...),
	)
}

func TestPlan_CriticalAnomalyBecomesRealtimeMitigation(t *testing.T) {
	c := testController(t, nil, "a-1")
	now := time.Now()

	actions := c.Plan(analyze.Result{
		Cycle: 7,
		Anomalies: []analyze.Anomaly{
			{
				Kind:     analyze.AnomalyRule,
				SourceID: "thermostat:temperature",
				Type:     "temperature",
				Severity: policy.SeverityCritical,
				Value:    45,
				Detail:   "temperature 45.00 above limit",
			},
		},
	}, now)

	require.Len(t, actions, 1)
	a := actions[0]
	assert.Equal(t, "a-1", a.ID)
	assert.Equal(t, "thermostat", a.TargetDeviceID)
	assert.Equal(t, "mitigate", a.Type)
	assert.Equal(t, PriorityRealtime, a.Priority)
	assert.Equal(t, state.Float(35), a.Params["temperature"])
	assert.Equal(t, []string{"temperature-limit"}, a.Constraints)
	assert.Equal(t, int64(7), a.Cycle)
}

func TestPlan_NonCriticalAnomalyIgnored(t *testing.T) {
	c := testController(t, nil)

	actions := c.Plan(analyze.Result{
		Anomalies: []analyze.Anomaly{
			{SourceID: "thermostat:temperature", Type: "temperature", Severity: policy.SeverityMedium, Value: 45},
		},
	}, time.Now())

	assert.Empty(t, actions)
}

func TestPlan_ConfidentPredictionBecomesPreventive(t *testing.T) {
	c := testController(t, nil, "a-1")

	actions := c.Plan(analyze.Result{
		Predictions: []analyze.Prediction{
			{ModelID: "trend", SourceID: "thermostat:temperature", Type: "temperature", Value: 40, Confidence: 0.9},
			{ModelID: "trend", SourceID: "thermostat:temperature", Type: "temperature", Value: 41, Confidence: 0.3}, // below floor
		},
	}, time.Now())

	require.Len(t, actions, 1)
	assert.Equal(t, "prevent", actions[0].Type)
	assert.Equal(t, PriorityHigh, actions[0].Priority)
	assert.Equal(t, state.Float(35), actions[0].Params["temperature"])
}

func TestPlan_InBoundsPredictionProducesNoAction(t *testing.T) {
	c := testController(t, nil)

	actions := c.Plan(analyze.Result{
		Predictions: []analyze.Prediction{
			{ModelID: "trend", SourceID: "thermostat:temperature", Type: "temperature", Value: 24, Confidence: 0.95},
		},
	}, time.Now())

	assert.Empty(t, actions)
}

func TestPlan_StablePatternBecomesOptimization(t *testing.T) {
	c := testController(t, nil, "a-1")

	actions := c.Plan(analyze.Result{
		Patterns: []analyze.Pattern{
			{Kind: analyze.PatternPeriodic, SourceID: "thermostat:temperature", Type: "temperature", Confidence: 0.95},
		},
	}, time.Now())

	require.Len(t, actions, 1)
	assert.Equal(t, "optimize", actions[0].Type)
	assert.Equal(t, PriorityLow, actions[0].Priority)
	// Middle of the calibrated [-10, 50] range.
	assert.Equal(t, state.Float(20), actions[0].Params["temperature"])
}

func TestValidate_RejectsUnsafeAction(t *testing.T) {
	c := testController(t, nil)
	now := time.Now()

	queued, rejected := c.Validate([]Action{
		{ID: "bad", TargetDeviceID: "thermostat", Params: state.State{"temperature": state.Float(45)}, Priority: PriorityNormal, Deadline: now},
		{ID: "good", TargetDeviceID: "thermostat", Params: state.State{"mode": state.String("eco")}, Priority: PriorityNormal, Deadline: now},
	}, map[string]state.State{"thermostat": {"temperature": state.Float(22)}})

	require.Len(t, queued, 1)
	assert.Equal(t, "good", queued[0].ID)
	assert.Equal(t, StatusQueued, queued[0].Status)

	require.Len(t, rejected, 1)
	assert.Equal(t, StatusRejected, rejected[0].Status)
	assert.True(t, fault.IsSafetyViolation(rejected[0].Err))
}

func TestValidate_PriorityThenDeadlineOrdering(t *testing.T) {
	c := testController(t, nil)
	now := time.Now()

	// Distinct devices so no conflicts; shuffled input order.
	in := []Action{
		{ID: "low", TargetDeviceID: "d1", Params: state.State{"mode": state.String("a")}, Priority: PriorityLow, Deadline: now},
		{ID: "rt", TargetDeviceID: "d2", Params: state.State{"mode": state.String("b")}, Priority: PriorityRealtime, Deadline: now},
		{ID: "normal-late", TargetDeviceID: "d3", Params: state.State{"mode": state.String("c")}, Priority: PriorityNormal, Deadline: now.Add(time.Second)},
		{ID: "high", TargetDeviceID: "d4", Params: state.State{"mode": state.String("d")}, Priority: PriorityHigh, Deadline: now},
		{ID: "normal-early", TargetDeviceID: "d5", Params: state.State{"mode": state.String("e")}, Priority: PriorityNormal, Deadline: now},
	}

	queued, rejected := c.Validate(in, nil)
	require.Empty(t, rejected)

	var order []string
	for _, a := range queued {
		order = append(order, a.ID)
	}
	assert.Equal(t, []string{"rt", "high", "normal-early", "normal-late", "low"}, order)
}

func TestValidate_ConflictDefersLowerPriority(t *testing.T) {
	c := testController(t, nil)
	now := time.Now()

	queued, _ := c.Validate([]Action{
		{ID: "loser", TargetDeviceID: "lamp", Params: state.State{"brightness": state.Float(30)}, Priority: PriorityLow, Deadline: now},
		{ID: "winner", TargetDeviceID: "lamp", Params: state.State{"brightness": state.Float(80)}, Priority: PriorityHigh, Deadline: now},
	}, nil)

	require.Len(t, queued, 1)
	assert.Equal(t, "winner", queued[0].ID)
	assert.Equal(t, 1, c.Deferred())

	// The loser re-enters planning next cycle as a fresh proposal.
	next := c.Plan(analyze.Result{Cycle: 2}, now)
	require.Len(t, next, 1)
	assert.Equal(t, "loser", next[0].ID)
	assert.Equal(t, StatusProposed, next[0].Status)
	assert.Equal(t, int64(2), next[0].Cycle)
	assert.Equal(t, 0, c.Deferred())
}

func TestValidate_DisjointParamsSameDeviceNotConflicting(t *testing.T) {
	c := testController(t, nil)
	now := time.Now()

	queued, _ := c.Validate([]Action{
		{ID: "a", TargetDeviceID: "lamp", Params: state.State{"brightness": state.Float(30)}, Priority: PriorityNormal, Deadline: now},
		{ID: "b", TargetDeviceID: "lamp", Params: state.State{"mode": state.String("eco")}, Priority: PriorityNormal, Deadline: now},
	}, nil)

	assert.Len(t, queued, 2)
	assert.Equal(t, 0, c.Deferred())
}

func TestExecute_AppliesActionToDevice(t *testing.T) {
	sim := device.NewSim("thermostat", state.State{"temperature": state.Float(22)}, 21)
	c := testController(t, map[string]device.Adapter{"thermostat": sim})

	results, err := c.Execute(context.Background(), []Action{{
		ID:             "a-1",
		TargetDeviceID: "thermostat",
		Type:           "mitigate",
		Params:         state.State{"temperature": state.Float(25)},
		Status:         StatusQueued,
	}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusCompleted, results[0].Status)
	assert.NotEmpty(t, results[0].Checkpoint)

	st, err := sim.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.Float(25), st.Attrs["temperature"])
}

func TestExecute_RollbackRestoresCheckpoint(t *testing.T) {
	before := state.State{"temperature": state.Float(22), "mode": state.String("eco")}
	sim := device.NewSim("thermostat", before, 21)
	c := testController(t, map[string]device.Adapter{"thermostat": sim})

	wantHash, err := state.Checkpoint(before)
	require.NoError(t, err)

	sim.FailNext("relay stuck")
	results, err := c.Execute(context.Background(), []Action{{
		ID:             "a-1",
		TargetDeviceID: "thermostat",
		Params:         state.State{"temperature": state.Float(30)},
		Status:         StatusQueued,
	}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusRolledBack, results[0].Status)
	assert.True(t, fault.IsExecutionFailure(results[0].Err))
	assert.Equal(t, wantHash, results[0].Checkpoint)

	// Bit-for-bit restoration: the post-rollback canonical hash matches
	// the pre-action checkpoint.
	st, err := sim.GetState(context.Background())
	require.NoError(t, err)
	gotHash, err := state.Checkpoint(st.Attrs)
	require.NoError(t, err)
	assert.Equal(t, wantHash, gotHash)
}

func TestExecute_LockTimeoutIsCycleFatal(t *testing.T) {
	sim := device.NewSim("thermostat", state.State{"temperature": state.Float(22)}, 21)
	locks := device.NewLockTable()
	pol := testPolicy()
	c := New(config.Default().Control, 5*time.Millisecond, pol, safety.New(pol, 1.0),
		map[string]device.Adapter{"thermostat": sim}, locks, NewFixedGenerator())

	// Another holder keeps the device lock for the whole attempt.
	require.True(t, locks.Acquire(context.Background(), "thermostat", time.Millisecond))
	defer locks.Release("thermostat")

	_, err := c.Execute(context.Background(), []Action{{
		ID:             "a-1",
		TargetDeviceID: "thermostat",
		Params:         state.State{"temperature": state.Float(25)},
		Status:         StatusQueued,
	}})
	require.Error(t, err)
	assert.True(t, fault.IsLockTimeout(err))
}

// barrierAdapter only completes Execute once commands for both devices
// are in flight, so the test deadlocks unless the wave runs the two
// devices concurrently.
type barrierAdapter struct {
	id      string
	arrived *atomic.Int32
	release chan struct{}
}

func (b *barrierAdapter) ID() string { return b.id }

func (b *barrierAdapter) Read(context.Context) ([]sensor.Reading, error) { return nil, nil }

func (b *barrierAdapter) Execute(_ context.Context, cmd device.Command) (device.Result, error) {
	if b.arrived.Add(1) == 2 {
		close(b.release)
	}
	select {
	case <-b.release:
		return device.Result{ActionID: cmd.ActionID, OK: true, Completed: time.Now()}, nil
	case <-time.After(2 * time.Second):
		return device.Result{}, fmt.Errorf("peer command never arrived")
	}
}

func (b *barrierAdapter) GetState(context.Context) (device.State, error) {
	return device.State{DeviceID: b.id, Attrs: state.State{}, ReportedAt: time.Now()}, nil
}

func (b *barrierAdapter) Subscribe(chan<- device.StateEvent) {}

// Same-priority actions on unrelated devices go out concurrently within
// one wave.
func TestExecute_SamePriorityUnrelatedDevicesRunConcurrently(t *testing.T) {
	var arrived atomic.Int32
	release := make(chan struct{})
	adapters := map[string]device.Adapter{
		"lamp":       &barrierAdapter{id: "lamp", arrived: &arrived, release: release},
		"thermostat": &barrierAdapter{id: "thermostat", arrived: &arrived, release: release},
	}
	c := testController(t, adapters)

	results, err := c.Execute(context.Background(), []Action{
		{ID: "a-1", TargetDeviceID: "lamp", Params: state.State{"brightness": state.Float(50)}, Priority: PriorityHigh, Status: StatusQueued},
		{ID: "a-2", TargetDeviceID: "thermostat", Params: state.State{"temperature": state.Float(22)}, Priority: PriorityHigh, Status: StatusQueued},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a-1", results[0].Action.ID)
	assert.Equal(t, "a-2", results[1].Action.ID)
	for _, r := range results {
		assert.Equal(t, StatusCompleted, r.Status)
	}
}

// A lower-priority action never starts before the preceding wave has
// finished, even on a different device.
func TestExecute_PriorityWavesStayOrdered(t *testing.T) {
	simA := device.NewSim("lamp", state.State{"brightness": state.Float(10)}, 21)
	simB := device.NewSim("thermostat", state.State{"temperature": state.Float(22)}, 21)
	c := testController(t, map[string]device.Adapter{"lamp": simA, "thermostat": simB})

	results, err := c.Execute(context.Background(), []Action{
		{ID: "rt", TargetDeviceID: "lamp", Params: state.State{"brightness": state.Float(80)}, Priority: PriorityRealtime, Status: StatusQueued},
		{ID: "low", TargetDeviceID: "thermostat", Params: state.State{"temperature": state.Float(25)}, Priority: PriorityLow, Status: StatusQueued},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "rt", results[0].Action.ID)
	assert.Equal(t, "low", results[1].Action.ID)
}

func TestExecute_UnknownDeviceFailsAction(t *testing.T) {
	c := testController(t, map[string]device.Adapter{})

	results, err := c.Execute(context.Background(), []Action{{
		ID:             "a-1",
		TargetDeviceID: "ghost",
		Params:         state.State{"mode": state.String("on")},
	}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusRolledBack, results[0].Status)
	assert.True(t, fault.IsExecutionFailure(results[0].Err))
}

// Safety gate totality: no action reaches a device without passing the
// validator first. Random proposals are fed through Validate; everything
// queued must satisfy the static bound, everything over it is rejected.
func TestValidate_GateTotality(t *testing.T) {
	c := testController(t, nil)
	now := time.Now()
	rng := rand.New(rand.NewSource(7))

	var actions []Action
	for i := 0; i < 300; i++ {
		actions = append(actions, Action{
			ID:             fmt.Sprintf("a-%03d", i),
			TargetDeviceID: fmt.Sprintf("dev-%d", i), // distinct devices, no conflicts
			Params:         state.State{"temperature": state.Float(rng.Float64()*80 - 10)},
			Priority:       Priority(rng.Intn(4)),
			Deadline:       now,
		})
	}

	queued, rejected := c.Validate(actions, nil)
	assert.Equal(t, len(actions), len(queued)+len(rejected))

	for _, a := range queued {
		v, _ := state.AsFloat(a.Params["temperature"])
		assert.LessOrEqual(t, v, 35.0, "queued action %s exceeds the bound", a.ID)
	}
	for _, r := range rejected {
		v, _ := state.AsFloat(r.Action.Params["temperature"])
		assert.Greater(t, v, 35.0, "rejected action %s was within bounds", r.Action.ID)
	}
}

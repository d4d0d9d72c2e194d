package twin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrianco/consciousness-sub000/internal/config"
	"github.com/adrianco/consciousness-sub000/internal/device"
	"github.com/adrianco/consciousness-sub000/internal/fault"
	"github.com/adrianco/consciousness-sub000/internal/policy"
	"github.com/adrianco/consciousness-sub000/internal/safety"
	"github.com/adrianco/consciousness-sub000/internal/state"
)

type seqIDs struct{ n int }

func (g *seqIDs) Generate() string {
	g.n++
	return string(rune('a'+g.n-1)) + "-pass"
}

func testPol() *policy.Set {
	maxBright := 100.0
	minBright := 0.0
	return &policy.Set{
		Constraints: []policy.Constraint{
			{Name: "brightness-range", Device: "*", Attribute: "brightness", Min: &minBright, Max: &maxBright, Severity: policy.SeverityHigh},
		},
		Calibrations: map[string]policy.Calibration{
			"brightness":  {SensorType: "brightness", Min: 0, Max: 100, Unit: "%"},
			"temperature": {SensorType: "temperature", Min: -10, Max: 50, Unit: "C"},
		},
	}
}

func newSync(strategy string, adapters map[string]device.Adapter) *Synchronizer {
	cfg := config.Default().Twin
	cfg.Strategy = strategy
	cfg.MaxDivergenceWindow = 3
	pol := testPol()
	return NewSynchronizer(cfg, 10*time.Millisecond, pol, safety.New(pol, 1.0),
		adapters, device.NewLockTable(), &seqIDs{})
}

func TestSyncOne_FirstPassAdoptsDeviceState(t *testing.T) {
	lamp := device.NewSim("lamp", state.State{"brightness": state.Float(70)}, 21)
	s := newSync("device_wins", map[string]device.Adapter{"lamp": lamp})
	tw := NewTwin("twin-lamp", "lamp")

	res, err := s.SyncOne(context.Background(), tw)
	require.NoError(t, err)
	assert.Equal(t, SyncSynchronized, res.State)
	assert.Equal(t, state.Float(70), tw.Model()["brightness"])

	st, fidelity, _ := tw.Status()
	assert.Equal(t, SyncSynchronized, st)
	assert.Equal(t, 1.0, fidelity)
}

// External change 70→30 under device_wins: the device's value propagates
// to the twin and a pending twin intent is discarded, not retried.
func TestSyncOne_DeviceWinsExternalChange(t *testing.T) {
	lamp := device.NewSim("lamp", state.State{"brightness": state.Float(70)}, 21)
	s := newSync("device_wins", map[string]device.Adapter{"lamp": lamp})
	tw := NewTwin("twin-lamp", "lamp")

	_, err := s.SyncOne(context.Background(), tw)
	require.NoError(t, err)

	lamp.SetAttr("brightness", state.Float(30))
	tw.SetIntent("brightness", state.Float(80))

	res, err := s.SyncOne(context.Background(), tw)
	require.NoError(t, err)
	assert.Equal(t, SyncSynchronized, res.State)
	assert.Equal(t, 1, res.ConflictsResolved)
	assert.Equal(t, "device_wins", res.StrategyUsed)
	assert.Equal(t, state.Float(30), tw.Model()["brightness"])

	require.Len(t, res.AppliedChanges, 1)
	assert.Equal(t, "device", res.AppliedChanges[0].Source)
	assert.Equal(t, state.Float(70), res.AppliedChanges[0].From)
	assert.Equal(t, state.Float(30), res.AppliedChanges[0].To)

	// Execution on the real device did not happen: the intent lost.
	st, err := lamp.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.Float(30), st.Attrs["brightness"])
}

func TestSyncOne_TwinWinsPushesIntentThroughValidator(t *testing.T) {
	lamp := device.NewSim("lamp", state.State{"brightness": state.Float(70)}, 21)
	s := newSync("twin_wins", map[string]device.Adapter{"lamp": lamp})
	tw := NewTwin("twin-lamp", "lamp")

	_, err := s.SyncOne(context.Background(), tw)
	require.NoError(t, err)

	tw.SetIntent("brightness", state.Float(40))
	res, err := s.SyncOne(context.Background(), tw)
	require.NoError(t, err)
	assert.Equal(t, SyncSynchronized, res.State)
	assert.Equal(t, 1, res.ConflictsResolved)

	st, err := lamp.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.Float(40), st.Attrs["brightness"])

	require.NotEmpty(t, res.AppliedChanges)
	assert.Equal(t, "twin", res.AppliedChanges[0].Source)
}

func TestSyncOne_TwinWinsUnsafeIntentRejected(t *testing.T) {
	lamp := device.NewSim("lamp", state.State{"brightness": state.Float(70)}, 21)
	s := newSync("twin_wins", map[string]device.Adapter{"lamp": lamp})
	tw := NewTwin("twin-lamp", "lamp")

	_, err := s.SyncOne(context.Background(), tw)
	require.NoError(t, err)

	tw.SetIntent("brightness", state.Float(150)) // over the declared range
	res, err := s.SyncOne(context.Background(), tw)
	require.NoError(t, err)
	assert.Equal(t, SyncSynchronized, res.State)

	// The device was never touched and the twin converged on its value.
	st, err := lamp.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.Float(70), st.Attrs["brightness"])
	assert.Equal(t, state.Float(70), tw.Model()["brightness"])
}

func TestSyncOne_DivergenceConvergesWithinOnePass(t *testing.T) {
	therm := device.NewSim("thermostat", state.State{"temperature": state.Float(20)}, 21)
	s := newSync("device_wins", map[string]device.Adapter{"thermostat": therm})
	tw := NewTwin("twin-t", "thermostat")

	_, err := s.SyncOne(context.Background(), tw)
	require.NoError(t, err)

	// A 12-degree jump over a 60-degree span: divergence 0.2 > 0.05.
	therm.SetAttr("temperature", state.Float(32))

	res, err := s.SyncOne(context.Background(), tw)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, res.Divergence, 1e-9)
	assert.Equal(t, SyncSynchronized, res.State)
	assert.Equal(t, state.Float(32), tw.Model()["temperature"])

	_, fidelity, _ := tw.Status()
	assert.Equal(t, 1.0, fidelity)
}

func TestSyncOne_SustainedDivergenceEscalates(t *testing.T) {
	therm := device.NewSim("thermostat", state.State{"temperature": state.Float(20)}, 21)
	s := newSync("device_wins", map[string]device.Adapter{"thermostat": therm})
	tw := NewTwin("twin-t", "thermostat")

	_, err := s.SyncOne(context.Background(), tw)
	require.NoError(t, err)

	// The device keeps jumping away from the model every pass; after
	// max_divergence_window consecutive diverged arrivals the pass
	// escalates a hard failure.
	jump := 40.0
	var lastErr error
	for i := 0; i < 3; i++ {
		jump = -jump
		cur, _ := state.AsFloat(tw.Model()["temperature"])
		therm.SetAttr("temperature", state.Float(cur+jump))
		_, lastErr = s.SyncOne(context.Background(), tw)
	}
	require.Error(t, lastErr)
	assert.True(t, fault.IsSyncDivergence(lastErr))

	st, _, _ := tw.Status()
	assert.Equal(t, SyncDiverged, st)
}

func TestDivergenceScores_TrackLatestPass(t *testing.T) {
	therm := device.NewSim("thermostat", state.State{"temperature": state.Float(20)}, 21)
	s := newSync("device_wins", map[string]device.Adapter{"thermostat": therm})
	tw := NewTwin("twin-t", "thermostat")
	require.NoError(t, s.Register(tw))

	assert.Empty(t, s.DivergenceScores(), "no scores before the first pass")

	_, err := s.SyncOne(context.Background(), tw)
	require.NoError(t, err)
	assert.InDelta(t, 0, s.DivergenceScores()["thermostat"], 1e-9)

	// 12 degrees over the 60-degree span scores 0.2 on arrival.
	therm.SetAttr("temperature", state.Float(32))
	_, err = s.SyncOne(context.Background(), tw)
	require.NoError(t, err)

	scores := s.DivergenceScores()
	require.Contains(t, scores, "thermostat")
	assert.InDelta(t, 0.2, scores["thermostat"], 1e-9)
}

func TestLookahead_ProjectsThermalModel(t *testing.T) {
	therm := device.NewSim("thermostat", state.State{"temperature": state.Float(20)}, 21)
	cfg := config.Default().Twin
	cfg.LookaheadHorizon = config.Duration(2 * time.Second)
	cfg.LookaheadStep = config.Duration(time.Second)
	pol := testPol()
	s := NewSynchronizer(cfg, 10*time.Millisecond, pol, safety.New(pol, 1.0),
		map[string]device.Adapter{"thermostat": therm}, device.NewLockTable(), &seqIDs{})
	tw := NewTwin("twin-t", "thermostat")
	require.NoError(t, s.Register(tw))
	require.NoError(t, s.RegisterModel("thermostat",
		ThermalModel{Ambient: 30, Coupling: 0.5}, state.State{}))

	assert.Empty(t, s.Lookahead(context.Background()), "uninitialized twins are skipped")

	_, err := s.SyncOne(context.Background(), tw)
	require.NoError(t, err)

	samples := s.Lookahead(context.Background())
	require.Len(t, samples, 1)

	// Two 1s steps at coupling 0.5 toward ambient 30: 20 → 25 → 27.5,
	// which is 0.625 normalized in the [-10, 50] calibration.
	assert.Equal(t, "thermostat:temperature", samples[0].SourceID)
	assert.Equal(t, "temperature", samples[0].Type)
	assert.InDelta(t, 0.625, samples[0].Normalized, 1e-9)
	assert.Equal(t, 1.0, samples[0].Confidence)

	// The projection never leaks into the live twin.
	cur, _ := state.AsFloat(tw.Model()["temperature"])
	assert.InDelta(t, 20, cur, 1e-9)
}

func TestRegisterModel_RequiresRegisteredTwin(t *testing.T) {
	s := newSync("device_wins", nil)
	err := s.RegisterModel("ghost", ThermalModel{Ambient: 20, Coupling: 0.1}, nil)
	assert.Error(t, err)
}

func TestSyncOne_LockTimeout(t *testing.T) {
	lamp := device.NewSim("lamp", state.State{"brightness": state.Float(70)}, 21)
	locks := device.NewLockTable()
	pol := testPol()
	s := NewSynchronizer(config.Default().Twin, 5*time.Millisecond, pol, safety.New(pol, 1.0),
		map[string]device.Adapter{"lamp": lamp}, locks, &seqIDs{})
	tw := NewTwin("twin-lamp", "lamp")

	require.True(t, locks.Acquire(context.Background(), "lamp", time.Millisecond))
	defer locks.Release("lamp")

	_, err := s.SyncOne(context.Background(), tw)
	require.Error(t, err)
	assert.True(t, fault.IsLockTimeout(err))
}

func TestRegister_RejectsDetachedAndDuplicates(t *testing.T) {
	s := newSync("device_wins", nil)
	tw := NewTwin("twin-lamp", "lamp")

	require.NoError(t, s.Register(tw))
	assert.Error(t, s.Register(NewTwin("twin-lamp-2", "lamp")))
	assert.Error(t, s.Register(tw.Detach("clone")))
}

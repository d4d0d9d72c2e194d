package twin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adrianco/consciousness-sub000/internal/config"
	"github.com/adrianco/consciousness-sub000/internal/device"
	"github.com/adrianco/consciousness-sub000/internal/fault"
	"github.com/adrianco/consciousness-sub000/internal/policy"
	"github.com/adrianco/consciousness-sub000/internal/safety"
	"github.com/adrianco/consciousness-sub000/internal/sensor"
	"github.com/adrianco/consciousness-sub000/internal/state"
)

// IDGenerator produces sync pass IDs. Satisfied by control.UUIDv7Generator.
type IDGenerator interface {
	Generate() string
}

// SyncResult reports one reconciliation pass for one twin.
type SyncResult struct {
	PassID            string
	DeviceID          string
	AppliedChanges    []StateChange
	ConflictsResolved int
	StrategyUsed      string
	Divergence        float64 // score before reconciliation
	State             SyncState
}

// Synchronizer reconciles registered twins against their devices on an
// independent cadence. Device→twin updates apply directly; twin→device
// updates go through the safety validator like any control action.
type Synchronizer struct {
	cfg       config.Twin
	lockWait  time.Duration
	policy    *policy.Set
	validator *safety.Validator
	adapters  map[string]device.Adapter
	locks     *device.LockTable
	ids       IDGenerator

	twins  map[string]*DeviceTwin  // keyed by device ID
	models map[string]modelBinding // physics models for lookahead, keyed by device ID

	mu             sync.Mutex
	lastDivergence map[string]float64 // latest pre-reconcile score per device
}

// modelBinding pairs a device's physics model with the exogenous inputs
// lookahead projections step it with.
type modelBinding struct {
	model  PhysicsModel
	inputs state.State
}

// NewSynchronizer creates a synchronizer with no registered twins.
func NewSynchronizer(
	cfg config.Twin,
	lockWait time.Duration,
	pol *policy.Set,
	validator *safety.Validator,
	adapters map[string]device.Adapter,
	locks *device.LockTable,
	ids IDGenerator,
) *Synchronizer {
	return &Synchronizer{
		cfg:            cfg,
		lockWait:       lockWait,
		policy:         pol,
		validator:      validator,
		adapters:       adapters,
		locks:          locks,
		ids:            ids,
		twins:          make(map[string]*DeviceTwin),
		models:         make(map[string]modelBinding),
		lastDivergence: make(map[string]float64),
	}
}

// Register adds a twin. Detached twins are rejected; they belong to
// scenarios, not the sync schedule.
func (s *Synchronizer) Register(t *DeviceTwin) error {
	if t.Detached() {
		return fmt.Errorf("twin %s is detached and cannot be registered for sync", t.ID)
	}
	if _, exists := s.twins[t.DeviceID]; exists {
		return fmt.Errorf("device %s already has a registered twin", t.DeviceID)
	}
	s.twins[t.DeviceID] = t
	return nil
}

// RegisterModel binds a physics model to a registered twin's device so
// Lookahead can project it. Called at wiring time, before Run.
func (s *Synchronizer) RegisterModel(deviceID string, m PhysicsModel, inputs state.State) error {
	if _, ok := s.twins[deviceID]; !ok {
		return fmt.Errorf("device %s has no registered twin", deviceID)
	}
	s.models[deviceID] = modelBinding{model: m, inputs: inputs.Clone()}
	return nil
}

// Twin returns the registered twin for a device.
func (s *Synchronizer) Twin(deviceID string) (*DeviceTwin, bool) {
	t, ok := s.twins[deviceID]
	return t, ok
}

// DivergenceScores returns the latest pre-reconcile divergence score per
// device. Devices whose twin has not completed a scored pass are absent.
func (s *Synchronizer) DivergenceScores() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.lastDivergence))
	for id, d := range s.lastDivergence {
		out[id] = d
	}
	return out
}

// Lookahead projects every model-bound twin a short horizon ahead and
// returns the numeric attributes of the projected states as normalized
// samples, confidence-weighted by twin fidelity. Twins that are
// unregistered, uninitialized, or fail to project are skipped.
func (s *Synchronizer) Lookahead(ctx context.Context) []sensor.NormalizedSample {
	horizon := s.cfg.LookaheadHorizon.Std()
	step := s.cfg.LookaheadStep.Std()
	if horizon <= 0 || step <= 0 {
		return nil
	}

	ids := make([]string, 0, len(s.models))
	for id := range s.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []sensor.NormalizedSample
	now := time.Now()
	for _, id := range ids {
		t, ok := s.twins[id]
		if !ok {
			continue
		}
		syncState, fidelity, _ := t.Status()
		if syncState == SyncUninitialized {
			continue
		}
		b := s.models[id]
		projected, err := Lookahead(ctx, t, b.model, b.inputs, horizon, step)
		if err != nil {
			slog.Debug("lookahead skipped", "device", id, "error", err)
			continue
		}
		out = append(out, s.projectedSamples(id, projected, fidelity, now)...)
	}
	return out
}

// projectedSamples converts one projected state's numeric attributes into
// normalized samples, in attribute order. Attributes without a
// calibration carry no normalized scale and are skipped.
func (s *Synchronizer) projectedSamples(deviceID string, projected state.State, fidelity float64, now time.Time) []sensor.NormalizedSample {
	attrs := make([]string, 0, len(projected))
	for k := range projected {
		attrs = append(attrs, k)
	}
	sort.Strings(attrs)

	var out []sensor.NormalizedSample
	for _, attr := range attrs {
		v, ok := state.AsFloat(projected[attr])
		if !ok {
			continue
		}
		cal, ok := s.policy.Calibration(attr)
		if !ok || cal.Max <= cal.Min {
			continue
		}
		normalized := (v - cal.Min) / (cal.Max - cal.Min)
		if normalized < 0 {
			normalized = 0
		}
		if normalized > 1 {
			normalized = 1
		}
		out = append(out, sensor.NormalizedSample{
			SourceID:   deviceID + ":" + attr,
			Type:       attr,
			Normalized: normalized,
			Confidence: fidelity,
			RawRef:     "twin:" + deviceID + ":lookahead",
			DerivedAt:  now,
		})
	}
	return out
}

// Run reconciles all twins on the configured interval until ctx is
// cancelled. Per-twin failures are logged and do not stop the schedule.
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SyncInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, res := range s.SyncAll(ctx) {
				if res.State == SyncDiverged {
					slog.Warn("twin diverged",
						"pass", res.PassID,
						"device", res.DeviceID,
						"divergence", res.Divergence,
					)
				}
			}
		}
	}
}

// SyncAll runs one reconciliation pass over every registered twin, in
// deterministic device order.
func (s *Synchronizer) SyncAll(ctx context.Context) []SyncResult {
	ids := make([]string, 0, len(s.twins))
	for id := range s.twins {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make([]SyncResult, 0, len(ids))
	for _, id := range ids {
		res, err := s.SyncOne(ctx, s.twins[id])
		if err != nil {
			slog.Error("sync pass failed", "device", id, "error", err)
		}
		results = append(results, res)
	}
	return results
}

// SyncOne reconciles one twin against its device. The returned error is
// non-nil for pass-level failures (lock timeout, unreachable device,
// escalated divergence); the result is valid either way.
func (s *Synchronizer) SyncOne(ctx context.Context, t *DeviceTwin) (SyncResult, error) {
	res := SyncResult{
		PassID:       s.ids.Generate(),
		DeviceID:     t.DeviceID,
		StrategyUsed: s.cfg.Strategy,
	}

	adapter, ok := s.adapters[t.DeviceID]
	if !ok {
		res.State = SyncDiverged
		return res, fmt.Errorf("no adapter for device %s", t.DeviceID)
	}

	if !s.locks.Acquire(ctx, t.DeviceID, s.lockWait) {
		res.State, _, _ = t.Status()
		return res, fault.LockTimeout(t.DeviceID,
			fmt.Sprintf("device lock not acquired within %v", s.lockWait))
	}
	defer s.locks.Release(t.DeviceID)

	devState, err := adapter.GetState(ctx)
	if err != nil {
		res.State = SyncDiverged
		return res, fmt.Errorf("read device state: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sync == SyncUninitialized {
		t.model = devState.Attrs.Clone()
		t.intents = state.State{}
		t.sync = SyncSynchronized
		t.fidelity = 1
		t.lastSync = time.Now()
		res.State = SyncSynchronized
		s.recordDivergence(t.DeviceID, 0)
		return res, nil
	}

	// Divergence is scored on arrival, before reconciliation: the counter
	// tracks how many consecutive passes found the device far from the
	// model, which is the signal that the model itself is wrong.
	res.Divergence = divergence(t.model, devState.Attrs, s.policy)
	s.recordDivergence(t.DeviceID, res.Divergence)
	if res.Divergence > s.cfg.DivergenceThreshold {
		t.divergedPasses++
		t.sync = SyncReconciling
	} else {
		t.divergedPasses = 0
		t.sync = SyncSyncing
	}

	s.resolveConflictsLocked(ctx, t, adapter, devState.Attrs, &res)
	s.applyDeviceChangesLocked(t, devState.Attrs, &res)

	after := divergence(t.model, devState.Attrs, s.policy)
	t.fidelity = 1 - after
	t.lastSync = time.Now()

	if t.divergedPasses >= s.cfg.MaxDivergenceWindow {
		t.sync = SyncDiverged
		res.State = SyncDiverged
		return res, fault.Divergence(t.DeviceID, res.Divergence, t.divergedPasses)
	}
	if after > s.cfg.DivergenceThreshold {
		t.sync = SyncDiverged
		res.State = SyncDiverged
		return res, nil
	}
	t.sync = SyncSynchronized
	res.State = SyncSynchronized
	return res, nil
}

func (s *Synchronizer) recordDivergence(deviceID string, score float64) {
	s.mu.Lock()
	s.lastDivergence[deviceID] = score
	s.mu.Unlock()
}

// resolveConflictsLocked handles attributes with a pending twin intent.
// device_wins discards the intent in favor of the device's value;
// twin_wins proposes the intent to the device through the validator and
// falls back to the device's value when rejected.
func (s *Synchronizer) resolveConflictsLocked(
	ctx context.Context,
	t *DeviceTwin,
	adapter device.Adapter,
	actual state.State,
	res *SyncResult,
) {
	for attr, want := range t.intents {
		have, onDevice := actual[attr]
		if onDevice && have == want {
			delete(t.intents, attr)
			continue
		}

		if s.cfg.Strategy == "twin_wins" && s.pushIntentLocked(ctx, t, adapter, attr, want, res) {
			actual[attr] = want
			delete(t.intents, attr)
			res.ConflictsResolved++
			continue
		}

		// device_wins, or a rejected/failed twin_wins push: the device's
		// value stands and the intent is discarded, not retried.
		delete(t.intents, attr)
		res.ConflictsResolved++
		slog.Debug("twin intent discarded",
			"pass", res.PassID,
			"device", t.DeviceID,
			"attribute", attr,
			"strategy", s.cfg.Strategy,
		)
	}
}

// pushIntentLocked validates and executes one twin→device change.
func (s *Synchronizer) pushIntentLocked(
	ctx context.Context,
	t *DeviceTwin,
	adapter device.Adapter,
	attr string,
	want state.Value,
	res *SyncResult,
) bool {
	changes := state.State{attr: want}
	verdict := s.validator.Validate(safety.Proposal{
		ActionID: res.PassID,
		DeviceID: t.DeviceID,
		Changes:  changes,
	}, t.model)
	if !verdict.Safe {
		slog.Warn("twin intent rejected by validator",
			"pass", res.PassID,
			"device", t.DeviceID,
			"attribute", attr,
			"constraint", verdict.Violations[0].ConstraintName,
		)
		return false
	}

	_, err := adapter.Execute(ctx, device.Command{
		ActionID: res.PassID,
		DeviceID: t.DeviceID,
		Type:     "twin_sync",
		Params:   changes,
	})
	if err != nil {
		slog.Warn("twin intent execution failed",
			"pass", res.PassID, "device", t.DeviceID, "error", err)
		return false
	}

	res.AppliedChanges = append(res.AppliedChanges, StateChange{
		Attribute: attr,
		From:      t.model[attr],
		To:        want,
		Source:    "twin",
	})
	t.model[attr] = want
	return true
}

// applyDeviceChangesLocked brings the twin's model up to the device's
// actual state for every remaining differing attribute.
func (s *Synchronizer) applyDeviceChangesLocked(t *DeviceTwin, actual state.State, res *SyncResult) {
	keys := make([]string, 0, len(actual))
	for k := range actual {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		av := actual[k]
		if mv, ok := t.model[k]; ok && mv == av {
			continue
		}
		res.AppliedChanges = append(res.AppliedChanges, StateChange{
			Attribute: k,
			From:      t.model[k],
			To:        av,
			Source:    "device",
		})
		t.model[k] = av
	}
}

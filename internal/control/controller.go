package control

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adrianco/consciousness-sub000/internal/analyze"
	"github.com/adrianco/consciousness-sub000/internal/config"
	"github.com/adrianco/consciousness-sub000/internal/device"
	"github.com/adrianco/consciousness-sub000/internal/fault"
	"github.com/adrianco/consciousness-sub000/internal/policy"
	"github.com/adrianco/consciousness-sub000/internal/safety"
	"github.com/adrianco/consciousness-sub000/internal/state"
)

// Controller is the feedback stage: it turns analysis results into
// actions, gates every one of them through the safety validator, orders
// and de-conflicts the queue, and executes with rollback.
//
// All methods are called from the orchestrator's loop goroutine. Execute
// spawns short-lived per-device goroutines within a wave and joins them
// before returning; nothing outlives the call.
type Controller struct {
	cfg       config.Control
	lockWait  time.Duration
	policy    *policy.Set
	validator *safety.Validator
	adapters  map[string]device.Adapter
	locks     *device.LockTable
	ids       IDGenerator
	tuner     Tuner

	// deferred holds conflict losers carried into the next cycle. They
	// re-enter validation there; approval is never cached across cycles.
	deferred []Action
}

// New creates a Controller.
func New(
	cfg config.Control,
	lockWait time.Duration,
	pol *policy.Set,
	validator *safety.Validator,
	adapters map[string]device.Adapter,
	locks *device.LockTable,
	ids IDGenerator,
) *Controller {
	return &Controller{
		cfg:       cfg,
		lockWait:  lockWait,
		policy:    pol,
		validator: validator,
		adapters:  adapters,
		locks:     locks,
		ids:       ids,
	}
}

// Tuner supplies the adaptive prediction-confidence floor. Implemented by
// the learning engine's bandit; nil means the configured floor is used
// unchanged.
type Tuner interface {
	PredictionFloor() float64
}

// SetTuner installs the adaptive parameter source. Called once during
// wiring, before the loop starts.
func (c *Controller) SetTuner(t Tuner) { c.tuner = t }

// Plan generates proposed actions from one cycle's analysis result:
// critical anomalies become realtime mitigations, high-confidence
// predictions become preventive actions, and stable patterns become
// low-priority optimizations. Deferred actions from the previous cycle
// are re-proposed ahead of new ones.
func (c *Controller) Plan(result analyze.Result, now time.Time) []Action {
	var actions []Action

	for _, a := range c.deferred {
		a.Status = StatusProposed
		a.Cycle = result.Cycle
		actions = append(actions, a)
	}
	c.deferred = nil

	for _, anom := range result.Anomalies {
		if anom.Severity != policy.SeverityCritical {
			continue
		}
		act, ok := c.mitigation(anom, result.Cycle, now)
		if !ok {
			slog.Warn("no safe mitigation target", "source", anom.SourceID, "detail", anom.Detail)
			continue
		}
		actions = append(actions, act)
	}

	floor := c.cfg.PredictionConfidence
	if c.tuner != nil {
		floor = c.tuner.PredictionFloor()
	}
	for _, pred := range result.Predictions {
		if pred.Confidence < floor {
			continue
		}
		if act, ok := c.preventive(pred, result.Cycle, now); ok {
			actions = append(actions, act)
		}
	}

	for _, pat := range result.Patterns {
		if pat.Kind != analyze.PatternPeriodic || pat.Confidence < 0.9 {
			continue
		}
		if act, ok := c.optimization(pat, result.Cycle, now); ok {
			actions = append(actions, act)
		}
	}

	return actions
}

// mitigation steers the offending attribute back to the nearest declared
// safe bound. Without a bound there is no defensible target, so no
// action is produced.
func (c *Controller) mitigation(anom analyze.Anomaly, cycle int64, now time.Time) (Action, bool) {
	target, constraint, ok := c.safeBound(deviceOf(anom.SourceID), anom.Type, anom.Value)
	if !ok {
		return Action{}, false
	}
	return Action{
		ID:             c.ids.Generate(),
		TargetDeviceID: deviceOf(anom.SourceID),
		Type:           "mitigate",
		Params:         state.State{anom.Type: state.Float(target)},
		Priority:       PriorityRealtime,
		Constraints:    []string{constraint},
		Deadline:       now.Add(c.cfg.ActionDeadline.Std()),
		Cycle:          cycle,
		Status:         StatusProposed,
		Reason:         anom.Detail,
	}, true
}

// preventive fires when a confident forecast lands outside a declared
// bound: act now, gently, instead of mitigating later.
func (c *Controller) preventive(pred analyze.Prediction, cycle int64, now time.Time) (Action, bool) {
	target, constraint, ok := c.safeBound(deviceOf(pred.SourceID), pred.Type, pred.Value)
	if !ok {
		return Action{}, false
	}
	return Action{
		ID:             c.ids.Generate(),
		TargetDeviceID: deviceOf(pred.SourceID),
		Type:           "prevent",
		Params:         state.State{pred.Type: state.Float(target)},
		Priority:       PriorityHigh,
		Constraints:    []string{constraint},
		Deadline:       now.Add(c.cfg.ActionDeadline.Std()),
		Cycle:          cycle,
		Status:         StatusProposed,
		Reason:         fmt.Sprintf("model %s predicts %s=%.2f", pred.ModelID, pred.Type, pred.Value),
	}, true
}

// optimization nudges a stably periodic source toward the middle of its
// operating range, trading responsiveness for wear.
func (c *Controller) optimization(pat analyze.Pattern, cycle int64, now time.Time) (Action, bool) {
	cal, ok := c.policy.Calibration(pat.Type)
	if !ok {
		return Action{}, false
	}
	mid := cal.Min + (cal.Max-cal.Min)/2
	return Action{
		ID:             c.ids.Generate(),
		TargetDeviceID: deviceOf(pat.SourceID),
		Type:           "optimize",
		Params:         state.State{pat.Type: state.Float(mid)},
		Priority:       PriorityLow,
		Deadline:       now.Add(c.cfg.ActionDeadline.Std()),
		Cycle:          cycle,
		Status:         StatusProposed,
		Reason:         fmt.Sprintf("stable %s pattern (confidence %.2f)", pat.Kind, pat.Confidence),
	}, true
}

// safeBound finds the tightest declared bound that the observed or
// predicted value breaks, and returns that bound as the target.
func (c *Controller) safeBound(deviceID, attribute string, value float64) (float64, string, bool) {
	for _, con := range c.policy.Constraints {
		if con.Attribute != attribute || !con.AppliesTo(deviceID) {
			continue
		}
		if con.Max != nil && value > *con.Max {
			return *con.Max, con.Name, true
		}
		if con.Min != nil && value < *con.Min {
			return *con.Min, con.Name, true
		}
	}
	return 0, "", false
}

// Validate gates every proposed action through the safety validator.
// Rejected actions transition directly to rejected and are reported;
// they are never queued, retried, or silently downgraded.
func (c *Controller) Validate(actions []Action, states map[string]state.State) (queued []Action, rejected []ExecutionResult) {
	for _, a := range actions {
		verdict := c.validator.Validate(safety.Proposal{
			ActionID: a.ID,
			DeviceID: a.TargetDeviceID,
			Changes:  a.Params,
		}, states[a.TargetDeviceID])

		if !verdict.Safe {
			a.Status = StatusRejected
			v := verdict.Violations[0]
			rejected = append(rejected, ExecutionResult{
				Action: a,
				Status: StatusRejected,
				Err:    fault.Safety(a.ID, v.ConstraintName, v.Description),
			})
			slog.Warn("action rejected",
				"action", a.ID,
				"device", a.TargetDeviceID,
				"constraint", v.ConstraintName,
				"severity", v.Severity,
				"risk", verdict.RiskScore,
			)
			continue
		}

		a.Status = StatusQueued
		queued = append(queued, a)
	}

	// Priority order, deadline as tie-break, ID for full determinism.
	sort.SliceStable(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority < queued[j].Priority
		}
		if !queued[i].Deadline.Equal(queued[j].Deadline) {
			return queued[i].Deadline.Before(queued[j].Deadline)
		}
		return queued[i].ID < queued[j].ID
	})

	return c.deconflict(queued), rejected
}

// deconflict walks the ordered queue and defers any action whose
// capability set overlaps an earlier (higher-priority) action on the
// same device. Deferred actions re-enter planning next cycle.
func (c *Controller) deconflict(queued []Action) []Action {
	var kept []Action
	for _, a := range queued {
		conflicted := false
		for _, winner := range kept {
			if a.Conflicts(winner) {
				conflicted = true
				break
			}
		}
		if conflicted {
			a.Status = StatusDeferred
			c.deferred = append(c.deferred, a)
			slog.Debug("action deferred on conflict", "action", a.ID, "device", a.TargetDeviceID)
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

// Execute runs the validated queue as priority waves: each maximal run
// of same-priority actions goes out as one wave, and within a wave
// unrelated devices execute concurrently. A higher-priority wave always
// finishes before the next one starts. The returned error is non-nil
// only for cycle-fatal failures (lock acquisition timeout); completed
// work from the same wave still stands.
func (c *Controller) Execute(ctx context.Context, queue []Action) ([]ExecutionResult, error) {
	var results []ExecutionResult

	for start := 0; start < len(queue); {
		end := start + 1
		for end < len(queue) && queue[end].Priority == queue[start].Priority {
			end++
		}
		waveResults, err := c.executeWave(ctx, queue[start:end])
		results = append(results, waveResults...)
		if err != nil {
			return results, err
		}
		start = end
	}

	return results, nil
}

// executeWave partitions one same-priority wave by device and runs each
// device's slice on its own goroutine. Results come back grouped by
// device in first-appearance order.
func (c *Controller) executeWave(ctx context.Context, wave []Action) ([]ExecutionResult, error) {
	order := make([]string, 0, len(wave))
	perDevice := make(map[string][]Action, len(wave))
	for _, a := range wave {
		if _, seen := perDevice[a.TargetDeviceID]; !seen {
			order = append(order, a.TargetDeviceID)
		}
		perDevice[a.TargetDeviceID] = append(perDevice[a.TargetDeviceID], a)
	}

	type outcome struct {
		results []ExecutionResult
		err     error
	}
	outcomes := make([]outcome, len(order))

	var wg sync.WaitGroup
	for i, id := range order {
		wg.Add(1)
		go func(i int, actions []Action) {
			defer wg.Done()
			res, err := c.executeDevice(ctx, actions)
			outcomes[i] = outcome{results: res, err: err}
		}(i, perDevice[id])
	}
	wg.Wait()

	var results []ExecutionResult
	var firstErr error
	for _, o := range outcomes {
		results = append(results, o.results...)
		if o.err != nil && firstErr == nil {
			firstErr = o.err
		}
	}
	return results, firstErr
}

// executeDevice runs one device's slice of a wave. Per lock hold: take
// the device lock, snapshot state as the rollback checkpoint, execute,
// and on failure restore the checkpoint. Batch-capable adapters take up
// to MaxBatch actions per hold; the slice is disjoint after
// deconfliction, so one batch call is safe.
func (c *Controller) executeDevice(ctx context.Context, queue []Action) ([]ExecutionResult, error) {
	deviceID := queue[0].TargetDeviceID
	adapter, ok := c.adapters[deviceID]
	if !ok {
		results := make([]ExecutionResult, len(queue))
		for i, a := range queue {
			a.Status = StatusRolledBack
			results[i] = ExecutionResult{
				Action: a, Status: StatusRolledBack,
				Err: fault.Execution(a.ID, deviceID, "no adapter for device"),
			}
		}
		return results, nil
	}

	var results []ExecutionResult
	for i := 0; i < len(queue); {
		n := 1
		if _, canBatch := adapter.(device.BatchExecutor); canBatch {
			n = len(queue) - i
			if n > c.cfg.MaxBatch {
				n = c.cfg.MaxBatch
			}
		}

		if !c.locks.Acquire(ctx, deviceID, c.lockWait) {
			return results, fault.LockTimeout(deviceID,
				fmt.Sprintf("device lock not acquired within %v", c.lockWait))
		}
		batchResults := c.executeLocked(ctx, adapter, queue[i:i+n])
		c.locks.Release(deviceID)

		results = append(results, batchResults...)
		i += n
	}

	return results, nil
}

// executeLocked runs one batch under the device lock: checkpoint, then
// execute, then commit or roll back. Checkpointing is atomic relative to
// the batch because the lock is held throughout.
func (c *Controller) executeLocked(ctx context.Context, adapter device.Adapter, batch []Action) []ExecutionResult {
	started := time.Now()
	deviceID := batch[0].TargetDeviceID

	snapshot, err := adapter.GetState(ctx)
	if err != nil {
		return failAll(batch, deviceID, fmt.Sprintf("checkpoint read failed: %v", err), started)
	}
	checkpoint, err := state.Checkpoint(snapshot.Attrs)
	if err != nil {
		return failAll(batch, deviceID, fmt.Sprintf("checkpoint hash failed: %v", err), started)
	}

	var execErr error
	if be, ok := adapter.(device.BatchExecutor); ok && len(batch) > 1 {
		cmds := make([]device.Command, len(batch))
		for i, a := range batch {
			cmds[i] = commandOf(a)
		}
		_, execErr = be.ExecuteBatch(ctx, cmds)
	} else {
		for _, a := range batch {
			if _, err := adapter.Execute(ctx, commandOf(a)); err != nil {
				execErr = err
				break
			}
		}
	}

	if execErr != nil {
		// Restore the full pre-action attribute set. Rollback happens
		// under the same lock, so nothing else touched the device.
		restore := device.Command{
			ActionID: "rollback:" + batch[0].ID,
			DeviceID: deviceID,
			Type:     "rollback",
			Params:   snapshot.Attrs.Clone(),
		}
		if _, rbErr := adapter.Execute(ctx, restore); rbErr != nil {
			slog.Error("rollback failed", "device", deviceID, "error", rbErr)
		}
		results := failAll(batch, deviceID, execErr.Error(), started)
		for i := range results {
			results[i].Checkpoint = checkpoint
		}
		return results
	}

	results := make([]ExecutionResult, len(batch))
	for i, a := range batch {
		a.Status = StatusCompleted
		results[i] = ExecutionResult{
			Action:     a,
			Status:     StatusCompleted,
			Checkpoint: checkpoint,
			Duration:   time.Since(started),
		}
	}
	return results
}

func failAll(batch []Action, deviceID, detail string, started time.Time) []ExecutionResult {
	results := make([]ExecutionResult, len(batch))
	for i, a := range batch {
		a.Status = StatusRolledBack
		results[i] = ExecutionResult{
			Action:   a,
			Status:   StatusRolledBack,
			Err:      fault.Execution(a.ID, deviceID, detail),
			Duration: time.Since(started),
		}
	}
	return results
}

func commandOf(a Action) device.Command {
	return device.Command{
		ActionID: a.ID,
		DeviceID: a.TargetDeviceID,
		Type:     a.Type,
		Params:   a.Params,
		Deadline: a.Deadline,
	}
}

// Deferred returns the number of actions carried to the next cycle.
func (c *Controller) Deferred() int {
	return len(c.deferred)
}

// deviceOf extracts the device ID from a "device:sensor" source ID.
func deviceOf(sourceID string) string {
	for i := 0; i < len(sourceID); i++ {
		if sourceID[i] == ':' {
			return sourceID[:i]
		}
	}
	return sourceID
}

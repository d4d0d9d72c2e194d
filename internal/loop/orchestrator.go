package loop

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adrianco/consciousness-sub000/internal/analyze"
	"github.com/adrianco/consciousness-sub000/internal/config"
	"github.com/adrianco/consciousness-sub000/internal/control"
	"github.com/adrianco/consciousness-sub000/internal/device"
	"github.com/adrianco/consciousness-sub000/internal/learn"
	"github.com/adrianco/consciousness-sub000/internal/sense"
	"github.com/adrianco/consciousness-sub000/internal/sensor"
	"github.com/adrianco/consciousness-sub000/internal/state"
)

// Orchestrator drives the control cycle on a fixed cadence. Phases run
// in order on one goroutine with individual context budgets; a phase
// overrunning its budget degrades the cycle, never delays the next tick,
// and cycles are never queued up behind a slow one.
type Orchestrator struct {
	cfg        config.Config
	clock      *Clock
	intake     *Intake
	adapters   map[string]device.Adapter
	normalizer *sense.Normalizer
	analyzer   *analyze.Analyzer
	controller *control.Controller
	learner    *learn.Engine
	recorder   Recorder

	twins TwinSource

	mu   sync.Mutex
	last HealthRecord
}

// TwinSource is the orchestrator's view of the twin synchronizer:
// projected near-future samples for the analyze phase and the latest
// divergence scores for health reporting. Satisfied by
// twin.Synchronizer.
type TwinSource interface {
	Lookahead(ctx context.Context) []sensor.NormalizedSample
	DivergenceScores() map[string]float64
}

// New wires an orchestrator. learner and recorder may be nil.
func New(
	cfg config.Config,
	adapters map[string]device.Adapter,
	normalizer *sense.Normalizer,
	analyzer *analyze.Analyzer,
	controller *control.Controller,
	learner *learn.Engine,
	recorder Recorder,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		clock:      NewClock(),
		intake:     NewIntake(cfg.Intake.Capacity, cfg.Intake.Overflow),
		adapters:   adapters,
		normalizer: normalizer,
		analyzer:   analyzer,
		controller: controller,
		learner:    learner,
		recorder:   recorder,
	}
}

// SetTwins wires the twin synchronizer in after construction. Nil leaves
// analysis without lookahead context and health without divergence.
func (o *Orchestrator) SetTwins(t TwinSource) {
	o.twins = t
}

// ResumeFrom restarts the cycle counter above an existing history, so a
// restarted loop never reuses recorded cycle numbers. Call before Run.
func (o *Orchestrator) ResumeFrom(cycle int64) {
	o.clock = NewClockAt(cycle)
}

// Intake returns the reading queue adapters push into.
func (o *Orchestrator) Intake() *Intake {
	return o.intake
}

// Watch subscribes to adapter push events and feeds their numeric
// attributes into the intake until ctx is cancelled. Discrete
// attributes are left to the polling path; the normalizer's
// monotonicity check deduplicates against polled readings.
func (o *Orchestrator) Watch(ctx context.Context) {
	events := make(chan device.StateEvent, o.cfg.Intake.Capacity)
	for _, id := range o.sortedDeviceIDs() {
		o.adapters[id].Subscribe(events)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			for _, r := range eventReadings(ev) {
				if !o.intake.Push(ctx, r) {
					return
				}
			}
		}
	}
}

func eventReadings(ev device.StateEvent) []sensor.Reading {
	keys := make([]string, 0, len(ev.State.Attrs))
	for k := range ev.State.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	readings := make([]sensor.Reading, 0, len(keys))
	for _, k := range keys {
		v, ok := state.AsFloat(ev.State.Attrs[k])
		if !ok {
			continue
		}
		readings = append(readings, sensor.Reading{
			SensorID:  ev.State.DeviceID + ":" + k,
			Type:      k,
			Value:     v,
			Timestamp: ev.State.ReportedAt,
			Quality:   sensor.QualityHigh,
		})
	}
	return readings
}

// Health returns the most recent cycle's health record.
func (o *Orchestrator) Health() HealthRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Run drives cycles until ctx is cancelled. Ticks that arrive while a
// cycle is in flight are coalesced by the ticker, so the loop can fall
// behind wall time but never builds a backlog.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Loop.Interval.Std())
	defer ticker.Stop()

	slog.Info("loop started",
		"interval", o.cfg.Loop.Interval.Std(),
		"devices", len(o.adapters),
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("loop stopped", "cycles", o.clock.Current())
			return ctx.Err()
		case <-ticker.C:
			o.runCycle(ctx)
		}
	}
}

func (o *Orchestrator) runCycle(ctx context.Context) {
	cycle := o.clock.Next()
	start := time.Now()
	rec := HealthRecord{Cycle: cycle, StartedAt: start}

	batch := o.sensePhase(ctx, cycle)
	rec.Samples = len(batch.Samples)
	rec.DroppedReads = len(batch.Drops)

	result := o.analyzePhase(ctx, batch)
	rec.Patterns = len(result.Patterns)
	rec.Anomalies = len(result.Anomalies)
	rec.Predictions = len(result.Predictions)
	rec.Confidence = result.OverallConfidence
	rec.Partial = result.Partial

	results := o.feedbackPhase(ctx, result, &rec)

	if o.learner != nil {
		o.learner.Submit(learn.Report{
			Cycle:       cycle,
			Metric:      result.OverallConfidence,
			Results:     results,
			Predictions: result.Predictions,
			Samples:     batch.Samples,
		})
	}

	if o.twins != nil {
		if scores := o.twins.DivergenceScores(); len(scores) > 0 {
			rec.Divergence = scores
		}
	}

	rec.Duration = time.Since(start)
	o.record(ctx, rec, results)

	o.mu.Lock()
	o.last = rec
	o.mu.Unlock()

	slog.Info("cycle complete",
		"cycle", cycle,
		"duration", rec.Duration,
		"samples", rec.Samples,
		"anomalies", rec.Anomalies,
		"completed", rec.Completed,
		"rejected", rec.ActionsRejected,
		"degraded", rec.Degraded,
	)
}

// sensePhase collects pushed and polled readings and normalizes them.
// A failing adapter loses its readings for the cycle, nothing more.
func (o *Orchestrator) sensePhase(ctx context.Context, cycle int64) sensor.Batch {
	sctx, cancel := context.WithTimeout(ctx, o.cfg.Loop.SenseTimeout.Std())
	defer cancel()

	readings := o.intake.Drain()
	for _, id := range o.sortedDeviceIDs() {
		rs, err := o.adapters[id].Read(sctx)
		if err != nil {
			slog.Warn("adapter read failed", "device", id, "error", err)
			continue
		}
		readings = append(readings, rs...)
	}
	return o.normalizer.Normalize(cycle, readings, time.Now())
}

func (o *Orchestrator) analyzePhase(ctx context.Context, batch sensor.Batch) analyze.Result {
	actx, cancel := context.WithTimeout(ctx, o.cfg.Loop.AnalyzeTimeout.Std())
	defer cancel()

	var lookahead []sensor.NormalizedSample
	if o.twins != nil {
		lookahead = o.twins.Lookahead(actx)
	}
	return o.analyzer.Analyze(actx, batch, lookahead)
}

// feedbackPhase plans, validates, and executes this cycle's actions.
// A lock timeout degrades the cycle; everything already executed stands.
func (o *Orchestrator) feedbackPhase(ctx context.Context, result analyze.Result, rec *HealthRecord) []control.ExecutionResult {
	fctx, cancel := context.WithTimeout(ctx, o.cfg.Loop.FeedbackTimeout.Std())
	defer cancel()

	actions := o.controller.Plan(result, time.Now())
	rec.ActionsPlanned = len(actions)
	if len(actions) == 0 {
		return nil
	}

	queued, rejected := o.controller.Validate(actions, o.deviceStates(fctx, actions))
	rec.ActionsRejected = len(rejected)

	executed, err := o.controller.Execute(fctx, queued)
	if err != nil {
		rec.Degraded = true
		rec.Fault = err.Error()
		slog.Error("cycle degraded", "cycle", rec.Cycle, "error", err)
	}
	for _, r := range executed {
		switch r.Status {
		case control.StatusCompleted:
			rec.Completed++
		case control.StatusRolledBack:
			rec.RolledBack++
		}
	}
	rec.Deferred = o.controller.Deferred()

	return append(executed, rejected...)
}

// deviceStates snapshots current state for every device the plan
// touches. An unreadable device validates against an empty state; the
// static gate still applies to the proposed changes themselves.
func (o *Orchestrator) deviceStates(ctx context.Context, actions []control.Action) map[string]state.State {
	states := make(map[string]state.State)
	for _, a := range actions {
		if _, done := states[a.TargetDeviceID]; done {
			continue
		}
		adapter, ok := o.adapters[a.TargetDeviceID]
		if !ok {
			continue
		}
		st, err := adapter.GetState(ctx)
		if err != nil {
			slog.Warn("state read failed", "device", a.TargetDeviceID, "error", err)
			continue
		}
		states[a.TargetDeviceID] = st.Attrs
	}
	return states
}

func (o *Orchestrator) record(ctx context.Context, rec HealthRecord, results []control.ExecutionResult) {
	if o.recorder == nil {
		return
	}

	if err := o.recorder.RecordHealth(ctx, rec); err != nil {
		slog.Warn("health record write failed", "cycle", rec.Cycle, "error", err)
	}
	if len(results) == 0 {
		return
	}
	audits := make([]ActionAudit, len(results))
	for i, r := range results {
		detail := ""
		if r.Err != nil {
			detail = r.Err.Error()
		}
		audits[i] = ActionAudit{
			ActionID: r.Action.ID,
			DeviceID: r.Action.TargetDeviceID,
			Type:     r.Action.Type,
			Priority: r.Action.Priority.String(),
			Status:   string(r.Status),
			Reason:   r.Action.Reason,
			Detail:   detail,
		}
	}
	if err := o.recorder.RecordActions(ctx, rec.Cycle, audits); err != nil {
		slog.Warn("action audit write failed", "cycle", rec.Cycle, "error", err)
	}
}

func (o *Orchestrator) sortedDeviceIDs() []string {
	ids := make([]string, 0, len(o.adapters))
	for id := range o.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

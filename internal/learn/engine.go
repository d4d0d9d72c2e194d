package learn

import (
	"log/slog"
	"sync"
	"time"

	"github.com/adrianco/consciousness-sub000/internal/analyze"
	"github.com/adrianco/consciousness-sub000/internal/config"
	"github.com/adrianco/consciousness-sub000/internal/control"
	"github.com/adrianco/consciousness-sub000/internal/policy"
	"github.com/adrianco/consciousness-sub000/internal/sensor"
)

// Report is one cycle's material for learning, submitted fire-and-forget
// by the orchestrator after the feedback phase.
type Report struct {
	Cycle int64

	// Metric is the cycle's scalar performance measure (the orchestrator
	// uses the analyzer's overall confidence). Deltas of this metric
	// across the attribution lag are the reward signal.
	Metric float64

	Results     []control.ExecutionResult
	Predictions []analyze.Prediction
	Samples     []sensor.NormalizedSample
}

// Sink receives credited outcomes for persistence.
type Sink func(Outcome)

// ModelUpdater is the engine's handle back into the registered prediction
// models: incremental corrections when a model falls below the accuracy
// threshold, and a full reset when concept drift fires. Satisfied by
// analyze.Registry.
type ModelUpdater interface {
	UpdatePredictor(id, sourceID string, predicted, actual float64) bool
	ResetPredictors() int
}

type pendingCredit struct {
	actionID   string
	actionType string
	cycle      int64
	baseline   float64
	arm        int
}

type pendingForecast struct {
	cycle int64
	preds []analyze.Prediction
}

type modelAccuracy struct {
	count int
	mean  float64
}

// Engine consumes cycle reports on its own goroutine. Submissions never
// block: when the queue is full the report is dropped and counted, which
// loses a learning sample but keeps the loop on cadence.
type Engine struct {
	cfg    config.Learn
	policy *policy.Set
	tuner  *Tuner
	sink   Sink
	models ModelUpdater

	queue chan Report
	wg    sync.WaitGroup

	mu        sync.Mutex
	outcomes  *ring
	pending   []pendingCredit
	forecasts []pendingForecast
	accuracy  map[string]*modelAccuracy
	drift     *driftDetector
	driftHits int
	dropped   int
}

// NewEngine creates a learning engine. The sink may be nil; the tuner may
// be nil when adaptive tuning is disabled.
func NewEngine(cfg config.Learn, pol *policy.Set, tuner *Tuner, sink Sink) *Engine {
	return &Engine{
		cfg:      cfg,
		policy:   pol,
		tuner:    tuner,
		sink:     sink,
		queue:    make(chan Report, cfg.QueueCapacity),
		outcomes: newRing(cfg.HistorySize),
		accuracy: make(map[string]*modelAccuracy),
		drift:    newDriftDetector(cfg.HistorySize, cfg.DriftThreshold),
	}
}

// SetModels wires the prediction-model registry in after construction,
// mirroring the controller's tuner hookup. Nil disables model feedback.
func (e *Engine) SetModels(m ModelUpdater) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.models = m
}

// Start launches the worker goroutine.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for r := range e.queue {
			e.process(r)
		}
	}()
}

// Close stops the worker after draining queued reports.
func (e *Engine) Close() {
	close(e.queue)
	e.wg.Wait()
}

// Submit hands one cycle report to the engine without blocking. Returns
// false when the queue was full and the report was dropped.
func (e *Engine) Submit(r Report) bool {
	select {
	case e.queue <- r:
		return true
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		return false
	}
}

func (e *Engine) process(r Report) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.enqueueCompletedLocked(r)
	e.creditLocked(r)
	e.scoreForecastsLocked(r)

	if len(r.Predictions) > 0 {
		e.forecasts = append(e.forecasts, pendingForecast{cycle: r.Cycle, preds: r.Predictions})
	}
}

// enqueueCompletedLocked registers completed actions for delayed credit,
// remembering the tuner arm in effect when they executed.
func (e *Engine) enqueueCompletedLocked(r Report) {
	arm := 0
	if e.tuner != nil {
		arm = e.tuner.CurrentArm()
	}
	for _, res := range r.Results {
		if res.Status != control.StatusCompleted {
			continue
		}
		e.pending = append(e.pending, pendingCredit{
			actionID:   res.Action.ID,
			actionType: res.Action.Type,
			cycle:      r.Cycle,
			baseline:   r.Metric,
			arm:        arm,
		})
	}
}

// creditLocked assigns performance deltas to actions whose attribution
// lag has elapsed.
func (e *Engine) creditLocked(r Report) {
	lag := int64(e.cfg.AttributionLag)
	kept := e.pending[:0]
	for _, p := range e.pending {
		if r.Cycle-p.cycle < lag {
			kept = append(kept, p)
			continue
		}

		delta := r.Metric - p.baseline
		drifted := e.drift.observe(delta)
		if drifted {
			e.driftHits++
			reset := 0
			if e.models != nil {
				reset = e.models.ResetPredictors()
				// Accuracy means predate the drift; scoring restarts clean.
				e.accuracy = make(map[string]*modelAccuracy)
			}
			slog.Warn("concept drift detected",
				"action", p.actionID,
				"delta", delta,
				"threshold", e.cfg.DriftThreshold,
				"models_reset", reset,
			)
		}

		o := Outcome{
			ActionID:         p.actionID,
			ActionType:       p.actionType,
			Cycle:            r.Cycle,
			PerformanceDelta: delta,
			DriftDetected:    drifted,
			At:               time.Now(),
		}
		e.outcomes.push(o)
		if e.tuner != nil {
			e.tuner.Credit(p.arm, delta)
		}
		if e.sink != nil {
			e.sink(o)
		}
	}
	e.pending = kept
}

// scoreForecastsLocked compares forecasts made attribution-lag cycles ago
// against this cycle's actual samples and updates per-model accuracy.
func (e *Engine) scoreForecastsLocked(r Report) {
	lag := int64(e.cfg.AttributionLag)
	kept := e.forecasts[:0]
	for _, f := range e.forecasts {
		if r.Cycle-f.cycle < lag {
			kept = append(kept, f)
			continue
		}
		for _, pred := range f.preds {
			actual, ok := e.actualValue(pred, r.Samples)
			if !ok {
				continue
			}
			e.scoreModelLocked(pred, actual)
		}
	}
	e.forecasts = kept
}

// actualValue denormalizes the matching sample back into the forecast's
// physical units via the sensor calibration.
func (e *Engine) actualValue(pred analyze.Prediction, samples []sensor.NormalizedSample) (float64, bool) {
	cal, ok := e.policy.Calibration(pred.Type)
	if !ok {
		return 0, false
	}
	for _, s := range samples {
		if s.SourceID != pred.SourceID {
			continue
		}
		return cal.Min + s.Normalized*(cal.Max-cal.Min), true
	}
	return 0, false
}

func (e *Engine) scoreModelLocked(pred analyze.Prediction, actual float64) {
	cal, _ := e.policy.Calibration(pred.Type)
	span := cal.Max - cal.Min
	if span <= 0 {
		return
	}
	miss := pred.Value - actual
	if miss < 0 {
		miss = -miss
	}
	score := 1 - miss/span
	if score < 0 {
		score = 0
	}

	acc, ok := e.accuracy[pred.ModelID]
	if !ok {
		acc = &modelAccuracy{}
		e.accuracy[pred.ModelID] = acc
	}
	acc.count++
	acc.mean += (score - acc.mean) / float64(acc.count)

	if acc.count >= 8 && acc.mean < e.cfg.AccuracyThreshold {
		updated := false
		if e.models != nil {
			updated = e.models.UpdatePredictor(pred.ModelID, pred.SourceID, pred.Value, actual)
		}
		slog.Warn("model accuracy below threshold",
			"model", pred.ModelID,
			"accuracy", acc.mean,
			"threshold", e.cfg.AccuracyThreshold,
			"updated", updated,
		)
	}
}

// Snapshot is a point-in-time view of the engine for health reporting.
type Snapshot struct {
	Outcomes      int
	Dropped       int
	DriftEvents   int
	ModelAccuracy map[string]float64
	Tuner         TunerSnapshot
}

// Snapshot returns current learning statistics.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	acc := make(map[string]float64, len(e.accuracy))
	for id, a := range e.accuracy {
		acc[id] = a.mean
	}
	s := Snapshot{
		Outcomes:      e.outcomes.len(),
		Dropped:       e.dropped,
		DriftEvents:   e.driftHits,
		ModelAccuracy: acc,
	}
	if e.tuner != nil {
		s.Tuner = e.tuner.Snapshot()
	}
	return s
}

// Recent returns the retained outcomes oldest-first.
func (e *Engine) Recent() []Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outcomes.all()
}

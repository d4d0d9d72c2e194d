package analyze

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adrianco/consciousness-sub000/internal/config"
	"github.com/adrianco/consciousness-sub000/internal/fault"
	"github.com/adrianco/consciousness-sub000/internal/policy"
	"github.com/adrianco/consciousness-sub000/internal/sensor"
)

const pipelineCount = 3

// Analyzer owns the per-source rolling baselines and runs the three
// detection pipelines over each cycle's batch. Analyze is called from
// the orchestrator's single loop goroutine; the pipelines it spawns work
// on snapshots, so the baselines need no lock.
type Analyzer struct {
	cfg      config.Analyze
	policy   *policy.Set
	registry *Registry
	history  map[string]*baseline
}

// New creates an Analyzer.
func New(cfg config.Analyze, pol *policy.Set, registry *Registry) *Analyzer {
	return &Analyzer{
		cfg:      cfg,
		policy:   pol,
		registry: registry,
		history:  make(map[string]*baseline),
	}
}

// Analyze runs pattern, anomaly, and prediction pipelines concurrently
// over the batch. lookahead carries the twins' predicted near-future
// state as extra model context; it never enters the baselines.
//
// The caller bounds the whole call through ctx. A pipeline that misses
// the deadline is reported in Result.Partial and OverallConfidence is
// scaled by completed/total; the cycle proceeds instead of stalling.
func (a *Analyzer) Analyze(ctx context.Context, batch sensor.Batch, lookahead []sensor.NormalizedSample) Result {
	started := time.Now()

	// Zero-confidence samples are excluded outright, never treated as 0.5.
	samples := make([]sensor.NormalizedSample, 0, len(batch.Samples))
	for _, s := range batch.Samples {
		if s.Confidence > 0 {
			samples = append(samples, s)
		}
	}

	// Feed the baselines and snapshot the series before fanning out.
	for _, s := range samples {
		if len(s.Vector) > 0 {
			continue
		}
		b, ok := a.history[s.SourceID]
		if !ok {
			b = newBaseline(a.cfg.BaselineWindow)
			a.history[s.SourceID] = b
		}
		b.push(s.Normalized)
	}
	series := make(map[string][]float64, len(a.history))
	types := make(map[string]string, len(samples))
	for id, b := range a.history {
		series[id] = b.series()
	}
	for _, s := range samples {
		types[s.SourceID] = s.Type
	}

	modelInput := samples
	if len(lookahead) > 0 {
		modelInput = append(append([]sensor.NormalizedSample{}, samples...), lookahead...)
	}

	patternCh := make(chan []Pattern, 1)
	anomalyCh := make(chan []Anomaly, 1)
	predictCh := make(chan []Prediction, 1)

	go func() { patternCh <- a.detectPatterns(series, types, samples) }()
	go func() { anomalyCh <- a.detectAnomalies(ctx, samples, series, modelInput) }()
	go func() { predictCh <- a.runPredictions(ctx, modelInput) }()

	result := Result{Cycle: batch.Cycle}
	completed := 0
	for i := 0; i < pipelineCount; i++ {
		select {
		case result.Patterns = <-patternCh:
			patternCh = nil
			completed++
		case result.Anomalies = <-anomalyCh:
			anomalyCh = nil
			completed++
		case result.Predictions = <-predictCh:
			predictCh = nil
			completed++
		case <-ctx.Done():
			if patternCh != nil {
				result.Partial = append(result.Partial, "patterns")
			}
			if anomalyCh != nil {
				result.Partial = append(result.Partial, "anomalies")
			}
			if predictCh != nil {
				result.Partial = append(result.Partial, "predictions")
			}
			i = pipelineCount // stop waiting; abandoned goroutines exit on their own
		}
	}

	base := batchConfidence(samples)
	result.OverallConfidence = base * float64(completed) / pipelineCount
	result.CycleLatency = time.Since(started)

	if len(result.Partial) > 0 {
		for _, stage := range result.Partial {
			slog.Warn("analysis degraded",
				"cycle", batch.Cycle,
				"fault", fault.AnalysisTimeout(stage, "pipeline missed the cycle budget"),
				"confidence", result.OverallConfidence,
			)
		}
	}
	return result
}

// detectPatterns scans each source's series for periodicity and linear
// trends. Only sources present in this cycle's batch are scanned; idle
// series produce nothing new.
func (a *Analyzer) detectPatterns(series map[string][]float64, types map[string]string, samples []sensor.NormalizedSample) []Pattern {
	var out []Pattern
	seen := make(map[string]bool, len(samples))
	for _, s := range samples {
		if seen[s.SourceID] || len(s.Vector) > 0 {
			continue
		}
		seen[s.SourceID] = true

		hist := series[s.SourceID]
		if freq, amp, phase, power := dominantFrequency(hist); power >= a.cfg.PeriodThreshold {
			out = append(out, Pattern{
				Kind:       PatternPeriodic,
				SourceID:   s.SourceID,
				Type:       types[s.SourceID],
				Confidence: power,
				Frequency:  freq,
				Amplitude:  amp,
				Phase:      phase,
			})
		}

		if slope, r2 := linearTrend(hist); r2 >= a.cfg.TrendR2Threshold && slope != 0 {
			direction := 1
			if slope < 0 {
				direction = -1
			}
			out = append(out, Pattern{
				Kind:       PatternTrend,
				SourceID:   s.SourceID,
				Type:       types[s.SourceID],
				Confidence: r2,
				Slope:      slope,
				R2:         r2,
				Direction:  direction,
			})
		}
	}
	return out
}

// detectAnomalies runs statistical, model-based, and rule-based checks
// and merges them with severity-then-confidence priority.
func (a *Analyzer) detectAnomalies(ctx context.Context, samples []sensor.NormalizedSample, series map[string][]float64, modelInput []sensor.NormalizedSample) []Anomaly {
	statistical := statisticalAnomalies(samples, series, a.cfg.ZScoreThreshold)
	rules := ruleAnomalies(samples, a.policy)

	var modelBased []Anomaly
	for _, entry := range a.registry.sortedScorers() {
		modelCtx, cancel := context.WithTimeout(ctx, entry.budget)
		found, err := entry.model.ScoreAnomalies(modelCtx, modelInput)
		cancel()
		if err != nil {
			slog.Warn("anomaly model skipped", "fault", modelFault(entry.model.ID(), err))
			continue
		}
		modelBased = append(modelBased, found...)
	}

	return mergeAnomalies(statistical, modelBased, rules)
}

// runPredictions asks every registered model for a forecast, each inside
// its own budget. A model that fails or times out is skipped and logged,
// never allowed to block the cycle.
func (a *Analyzer) runPredictions(ctx context.Context, modelInput []sensor.NormalizedSample) []Prediction {
	var out []Prediction
	for _, entry := range a.registry.sortedPredictors() {
		modelCtx, cancel := context.WithTimeout(ctx, entry.budget)
		pred, err := entry.model.Predict(modelCtx, modelInput)
		cancel()
		if errors.Is(err, ErrNoForecast) {
			continue
		}
		if err != nil {
			slog.Warn("prediction model skipped", "fault", modelFault(entry.model.ID(), err))
			continue
		}
		out = append(out, pred)
	}
	return out
}

// modelFault categorizes a skipped model: budget misses become analysis
// timeouts, everything else a model failure.
func modelFault(modelID string, err error) *fault.Fault {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.AnalysisTimeout(modelID, "model exceeded its budget")
	}
	return fault.Model(modelID, err.Error())
}

// batchConfidence is the mean sample confidence, the base the pipeline
// completion ratio scales.
func batchConfidence(samples []sensor.NormalizedSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Confidence
	}
	return sum / float64(len(samples))
}

package analyze

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrianco/consciousness-sub000/internal/config"
	"github.com/adrianco/consciousness-sub000/internal/fault"
	"github.com/adrianco/consciousness-sub000/internal/policy"
	"github.com/adrianco/consciousness-sub000/internal/sensor"
)

func testPolicy() *policy.Set {
	max := 35.0
	return &policy.Set{
		Constraints: []policy.Constraint{
			{Name: "temperature-limit", Device: "*", Attribute: "temperature", Max: &max, Severity: policy.SeverityCritical},
		},
		Calibrations: map[string]policy.Calibration{
			"temperature": {SensorType: "temperature", Min: -10, Max: 50, PlausibleMin: -40, PlausibleMax: 60},
		},
	}
}

func newTestAnalyzer() *Analyzer {
	cfg := config.Default().Analyze
	return New(cfg, testPolicy(), NewRegistry(cfg.DefaultModelBudget.Std()))
}

func sample(source string, normalized float64, at time.Time) sensor.NormalizedSample {
	return sensor.NormalizedSample{
		SourceID:   source,
		Type:       "temperature",
		Normalized: normalized,
		Confidence: 1,
		DerivedAt:  at,
	}
}

func feed(a *Analyzer, source string, values []float64) {
	now := time.Now()
	for i, v := range values {
		batch := sensor.Batch{Cycle: int64(i), Samples: []sensor.NormalizedSample{sample(source, v, now)}}
		a.Analyze(context.Background(), batch, nil)
	}
}

func TestAnalyze_ExcludesZeroConfidenceSamples(t *testing.T) {
	a := newTestAnalyzer()
	now := time.Now()

	s := sample("t-1", 0.5, now)
	s.Confidence = 0
	result := a.Analyze(context.Background(), sensor.Batch{Cycle: 1, Samples: []sensor.NormalizedSample{s}}, nil)

	assert.Zero(t, result.OverallConfidence)
	assert.Nil(t, a.history["t-1"], "excluded sample must not enter the baseline")
}

func TestAnalyze_DetectsTrend(t *testing.T) {
	a := newTestAnalyzer()

	values := make([]float64, 20)
	for i := range values {
		values[i] = 0.1 + float64(i)*0.02
	}
	feed(a, "t-1", values[:19])

	batch := sensor.Batch{Cycle: 20, Samples: []sensor.NormalizedSample{sample("t-1", values[19], time.Now())}}
	result := a.Analyze(context.Background(), batch, nil)

	var trend *Pattern
	for i := range result.Patterns {
		if result.Patterns[i].Kind == PatternTrend {
			trend = &result.Patterns[i]
		}
	}
	require.NotNil(t, trend, "steady ramp should produce a trend pattern")
	assert.Equal(t, 1, trend.Direction)
	assert.Greater(t, trend.R2, 0.95)
}

func TestAnalyze_DetectsPeriodicity(t *testing.T) {
	a := newTestAnalyzer()

	values := make([]float64, 32)
	for i := range values {
		// 4 full periods across the window
		values[i] = 0.5 + 0.3*math.Sin(2*math.Pi*4*float64(i)/32)
	}
	feed(a, "t-1", values[:31])

	batch := sensor.Batch{Cycle: 32, Samples: []sensor.NormalizedSample{sample("t-1", values[31], time.Now())}}
	result := a.Analyze(context.Background(), batch, nil)

	var periodic *Pattern
	for i := range result.Patterns {
		if result.Patterns[i].Kind == PatternPeriodic {
			periodic = &result.Patterns[i]
		}
	}
	require.NotNil(t, periodic, "clean sinusoid should produce a periodic pattern")
	assert.InDelta(t, 4.0/32.0, periodic.Frequency, 0.02)
	assert.Greater(t, periodic.Confidence, 0.5)
}

func TestAnalyze_StatisticalOutlier(t *testing.T) {
	a := newTestAnalyzer()

	// Stable baseline with slight jitter, then a spike.
	values := make([]float64, 30)
	for i := range values {
		values[i] = 0.5 + 0.005*math.Sin(float64(i))
	}
	feed(a, "t-1", values)

	batch := sensor.Batch{Cycle: 31, Samples: []sensor.NormalizedSample{sample("t-1", 0.9, time.Now())}}
	result := a.Analyze(context.Background(), batch, nil)

	require.NotEmpty(t, result.Anomalies)
	assert.Equal(t, "t-1", result.Anomalies[0].SourceID)
}

func TestAnalyze_RuleAnomalyFromConstraint(t *testing.T) {
	a := newTestAnalyzer()
	now := time.Now()

	// 45C denormalizes from (45 - -10)/60 in the [-10,50] calibration.
	normalized := (45.0 + 10.0) / 60.0
	batch := sensor.Batch{Cycle: 1, Samples: []sensor.NormalizedSample{sample("thermostat:temperature", normalized, now)}}
	result := a.Analyze(context.Background(), batch, nil)

	require.NotEmpty(t, result.Anomalies)
	anom := result.Anomalies[0]
	assert.Equal(t, AnomalyRule, anom.Kind)
	assert.Equal(t, policy.SeverityCritical, anom.Severity)
	assert.Contains(t, anom.Detail, "temperature-limit")
}

type stubPredictor struct {
	id        string
	pred      Prediction
	err       error
	delay     time.Duration
	ignoreCtx bool // simulates a model that does not honor cancellation
}

func (s stubPredictor) ID() string { return s.id }

func (s stubPredictor) Predict(ctx context.Context, _ []sensor.NormalizedSample) (Prediction, error) {
	if s.delay > 0 {
		if s.ignoreCtx {
			time.Sleep(s.delay)
		} else {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return Prediction{}, ctx.Err()
			}
		}
	}
	return s.pred, s.err
}

func TestAnalyze_FailingModelIsSkipped(t *testing.T) {
	cfg := config.Default().Analyze
	reg := NewRegistry(cfg.DefaultModelBudget.Std())
	require.NoError(t, reg.RegisterPredictor(stubPredictor{id: "bad", err: errors.New("boom")}, 0))
	require.NoError(t, reg.RegisterPredictor(stubPredictor{
		id:   "good",
		pred: Prediction{ModelID: "good", SourceID: "t-1", Value: 0.6, Confidence: 0.9},
	}, 0))
	a := New(cfg, testPolicy(), reg)

	batch := sensor.Batch{Cycle: 1, Samples: []sensor.NormalizedSample{sample("t-1", 0.5, time.Now())}}
	result := a.Analyze(context.Background(), batch, nil)

	require.Len(t, result.Predictions, 1)
	assert.Equal(t, "good", result.Predictions[0].ModelID)
}

func TestAnalyze_SlowModelTimesOutWithoutBlockingCycle(t *testing.T) {
	cfg := config.Default().Analyze
	reg := NewRegistry(cfg.DefaultModelBudget.Std())
	require.NoError(t, reg.RegisterPredictor(stubPredictor{id: "slow", delay: time.Second}, 5*time.Millisecond))
	a := New(cfg, testPolicy(), reg)

	batch := sensor.Batch{Cycle: 1, Samples: []sensor.NormalizedSample{sample("t-1", 0.5, time.Now())}}

	done := make(chan Result, 1)
	go func() { done <- a.Analyze(context.Background(), batch, nil) }()

	select {
	case result := <-done:
		assert.Empty(t, result.Predictions)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("slow model blocked the analyzer")
	}
}

func TestAnalyze_PartialOnDeadline(t *testing.T) {
	cfg := config.Default().Analyze
	reg := NewRegistry(time.Second) // model budget exceeds the analyzer budget
	require.NoError(t, reg.RegisterPredictor(stubPredictor{id: "slow", delay: time.Second, ignoreCtx: true}, time.Second))
	a := New(cfg, testPolicy(), reg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	batch := sensor.Batch{Cycle: 1, Samples: []sensor.NormalizedSample{sample("t-1", 0.5, time.Now())}}
	result := a.Analyze(ctx, batch, nil)

	assert.Contains(t, result.Partial, "predictions")
	assert.Less(t, result.OverallConfidence, 1.0)
	assert.GreaterOrEqual(t, result.OverallConfidence, 0.0)
}

func TestModelFault_Categorizes(t *testing.T) {
	timeout := modelFault("slow", context.DeadlineExceeded)
	assert.Equal(t, fault.CodeAnalysisTimeout, timeout.Code)
	assert.Equal(t, "slow", timeout.Details["stage"])

	failure := modelFault("bad", errors.New("boom"))
	assert.Equal(t, fault.CodeModelFailure, failure.Code)
	assert.Equal(t, "bad", failure.Details["model"])
}

func TestMergeAnomalies_DedupKeepsHighestSeverity(t *testing.T) {
	low := Anomaly{SourceID: "t-1", Kind: AnomalyStatistical, Severity: policy.SeverityMedium, Confidence: 0.9}
	high := Anomaly{SourceID: "t-1", Kind: AnomalyRule, Severity: policy.SeverityCritical, Confidence: 0.7}
	other := Anomaly{SourceID: "t-2", Kind: AnomalyModelKind, Severity: policy.SeverityLow, Confidence: 0.5}

	merged := mergeAnomalies([]Anomaly{low}, []Anomaly{high, other})

	require.Len(t, merged, 2)
	assert.Equal(t, policy.SeverityCritical, merged[0].Severity)
	assert.Equal(t, "t-1", merged[0].SourceID)
	assert.Equal(t, "t-2", merged[1].SourceID)
}

func TestLinearTrend_Flat(t *testing.T) {
	slope, r2 := linearTrend([]float64{0.5, 0.5, 0.5, 0.5})
	assert.Zero(t, slope)
	assert.Zero(t, r2)
}

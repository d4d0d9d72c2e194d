package analyze

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adrianco/consciousness-sub000/internal/policy"
	"github.com/adrianco/consciousness-sub000/internal/sensor"
)

// TrendPredictor is the built-in prediction model: a least-squares
// extrapolation over each source's recent normalized series, emitting the
// single best-fitting forecast per cycle. It implements Updatable, so the
// learning engine can nudge a persistently-off source with a bias
// correction and wipe learned state when drift is detected.
//
// Twin lookahead samples arrive through the same input and fold into the
// same series, which pulls the fit toward the projected near future.
type TrendPredictor struct {
	mu      sync.Mutex
	policy  *policy.Set
	horizon int
	window  int
	step    time.Duration
	series  map[string][]float64
	types   map[string]string
	bias    map[string]float64
}

// NewTrendPredictor creates a trend model forecasting horizon samples
// ahead from windows of at most window points. step is the real-time
// spacing between samples (the loop cadence), used only to report the
// forecast horizon as a duration.
func NewTrendPredictor(pol *policy.Set, horizon, window int, step time.Duration) *TrendPredictor {
	if horizon < 1 {
		horizon = 1
	}
	if window < 8 {
		window = 8
	}
	return &TrendPredictor{
		policy:  pol,
		horizon: horizon,
		window:  window,
		step:    step,
		series:  make(map[string][]float64),
		types:   make(map[string]string),
		bias:    make(map[string]float64),
	}
}

func (p *TrendPredictor) ID() string { return "trend" }

// Predict folds the batch into the per-source windows and returns the
// forecast with the best trend fit. ErrNoForecast means no source has
// accumulated enough points with a nonzero slope yet.
func (p *TrendPredictor) Predict(ctx context.Context, samples []sensor.NormalizedSample) (Prediction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range samples {
		if len(s.Vector) > 0 {
			continue
		}
		hist := append(p.series[s.SourceID], s.Normalized)
		if len(hist) > p.window {
			hist = hist[len(hist)-p.window:]
		}
		p.series[s.SourceID] = hist
		p.types[s.SourceID] = s.Type
	}

	ids := make([]string, 0, len(p.series))
	for id := range p.series {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best := Prediction{}
	bestR2 := 0.0
	found := false
	for _, id := range ids {
		hist := p.series[id]
		if len(hist) < 8 {
			continue
		}
		cal, ok := p.policy.Calibration(p.types[id])
		if !ok {
			continue
		}
		slope, r2 := linearTrend(hist)
		if slope == 0 || r2 <= bestR2 {
			continue
		}
		projected := hist[len(hist)-1] + slope*float64(p.horizon)
		best = Prediction{
			ModelID:    p.ID(),
			SourceID:   id,
			Type:       p.types[id],
			Value:      cal.Min + projected*(cal.Max-cal.Min) + p.bias[id],
			Horizon:    time.Duration(p.horizon) * p.step,
			Confidence: r2,
			At:         time.Now(),
		}
		bestR2 = r2
		found = true
	}
	if !found {
		return Prediction{}, ErrNoForecast
	}
	return best, nil
}

// Update shifts the source's bias toward the observed residual. Half-step
// damping keeps a single noisy outcome from whipping the correction.
func (p *TrendPredictor) Update(sourceID string, predicted, actual float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bias[sourceID] += 0.5 * (actual - predicted)
}

// Reset drops all windows and bias corrections, forcing the model to
// relearn from post-drift data.
func (p *TrendPredictor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.series = make(map[string][]float64)
	p.types = make(map[string]string)
	p.bias = make(map[string]float64)
}

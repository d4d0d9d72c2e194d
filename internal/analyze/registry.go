package analyze

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adrianco/consciousness-sub000/internal/sensor"
)

var (
	ErrModelExists   = errors.New("model already registered")
	ErrModelNotFound = errors.New("model not found")

	// ErrNoForecast signals a model that has nothing to say this cycle.
	// The analyzer skips it silently instead of logging a failure.
	ErrNoForecast = errors.New("no forecast available")
)

// PredictionModel emits short-horizon forecasts from a normalized batch.
// Implementations that fail or exceed their budget are skipped for the
// cycle, never allowed to block it.
type PredictionModel interface {
	ID() string
	Predict(ctx context.Context, samples []sensor.NormalizedSample) (Prediction, error)
}

// AnomalyModel scores a batch for model-based anomalies (predictive
// disagreement, learned envelopes).
type AnomalyModel interface {
	ID() string
	ScoreAnomalies(ctx context.Context, samples []sensor.NormalizedSample) ([]Anomaly, error)
}

// Updatable is the optional capability a registered model implements to
// accept incremental corrections from scored outcomes. Update feeds one
// predicted-vs-actual pair back into the model; Reset discards learned
// state entirely when drift invalidates it.
type Updatable interface {
	Update(sourceID string, predicted, actual float64)
	Reset()
}

type registeredPredictor struct {
	model  PredictionModel
	budget time.Duration
}

type registeredScorer struct {
	model  AnomalyModel
	budget time.Duration
}

// Registry is the tagged model registry: entries are looked up by
// declared identifier and each carries its own timeout budget. No
// reflection, no open-ended dispatch.
type Registry struct {
	mu         sync.RWMutex
	predictors map[string]registeredPredictor
	scorers    map[string]registeredScorer
	defBudget  time.Duration
}

// NewRegistry creates a registry whose entries default to defBudget when
// registered without an explicit one.
func NewRegistry(defBudget time.Duration) *Registry {
	return &Registry{
		predictors: make(map[string]registeredPredictor),
		scorers:    make(map[string]registeredScorer),
		defBudget:  defBudget,
	}
}

// RegisterPredictor adds a prediction model. budget <= 0 means use the
// registry default.
func (r *Registry) RegisterPredictor(m PredictionModel, budget time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.predictors[m.ID()]; exists {
		return ErrModelExists
	}
	if budget <= 0 {
		budget = r.defBudget
	}
	r.predictors[m.ID()] = registeredPredictor{model: m, budget: budget}
	return nil
}

// RegisterScorer adds an anomaly model.
func (r *Registry) RegisterScorer(m AnomalyModel, budget time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.scorers[m.ID()]; exists {
		return ErrModelExists
	}
	if budget <= 0 {
		budget = r.defBudget
	}
	r.scorers[m.ID()] = registeredScorer{model: m, budget: budget}
	return nil
}

// UpdatePredictor feeds a scored prediction back into the named model.
// Returns false when the model is unknown or does not accept updates.
func (r *Registry) UpdatePredictor(id, sourceID string, predicted, actual float64) bool {
	r.mu.RLock()
	reg, ok := r.predictors[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	u, ok := reg.model.(Updatable)
	if !ok {
		return false
	}
	u.Update(sourceID, predicted, actual)
	return true
}

// ResetPredictors discards learned state on every updatable prediction
// model and reports how many were reset.
func (r *Registry) ResetPredictors() int {
	r.mu.RLock()
	models := make([]PredictionModel, 0, len(r.predictors))
	for _, reg := range r.predictors {
		models = append(models, reg.model)
	}
	r.mu.RUnlock()

	n := 0
	for _, m := range models {
		if u, ok := m.(Updatable); ok {
			u.Reset()
			n++
		}
	}
	return n
}

// sortedPredictors returns registered prediction models in ID order for
// deterministic iteration.
func (r *Registry) sortedPredictors() []registeredPredictor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.predictors))
	for id := range r.predictors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]registeredPredictor, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.predictors[id])
	}
	return out
}

// sortedScorers returns registered anomaly models in ID order.
func (r *Registry) sortedScorers() []registeredScorer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.scorers))
	for id := range r.scorers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]registeredScorer, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.scorers[id])
	}
	return out
}

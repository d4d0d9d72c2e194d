// Package analyze runs the three detection pipelines (patterns,
// anomalies, predictions) concurrently over each cycle's normalized
// batch and merges their output into one AnalysisResult.
package analyze

import (
	"time"

	"github.com/adrianco/consciousness-sub000/internal/policy"
)

// PatternKind tags a detected pattern.
type PatternKind string

const (
	PatternPeriodic PatternKind = "periodic"
	PatternTrend    PatternKind = "trend"
)

// Pattern is one detected regularity in a source's recent series.
type Pattern struct {
	Kind       PatternKind
	SourceID   string
	Type       string
	Confidence float64

	// Periodic fields: dominant frequency in cycles per sample, with
	// amplitude and phase of that component.
	Frequency float64
	Amplitude float64
	Phase     float64

	// Trend fields: least-squares slope per sample and fit quality.
	Slope     float64
	R2        float64
	Direction int // +1 rising, -1 falling
}

// AnomalyKind tags the detector that produced an anomaly.
type AnomalyKind string

const (
	AnomalyStatistical AnomalyKind = "statistical"
	AnomalyModelKind   AnomalyKind = "model"
	AnomalyRule        AnomalyKind = "rule"
)

// Anomaly is one flagged sample. Duplicates for the same source within a
// cycle are merged keeping the highest severity.
type Anomaly struct {
	Kind       AnomalyKind
	SourceID   string
	Type       string
	Severity   policy.Severity
	Confidence float64
	Value      float64
	Detail     string
	At         time.Time
}

// Prediction is one model's short-horizon forecast for a source.
type Prediction struct {
	ModelID    string
	SourceID   string
	Type       string
	Value      float64
	Horizon    time.Duration
	Confidence float64
	At         time.Time
}

// Result is the analyzer's output for one cycle. When a pipeline times
// out, its slice is empty, Partial lists what was missing, and
// OverallConfidence is scaled down proportionally.
type Result struct {
	Cycle             int64
	Patterns          []Pattern
	Anomalies         []Anomaly
	Predictions       []Prediction
	OverallConfidence float64
	CycleLatency      time.Duration
	Partial           []string // names of pipelines that missed the budget
}

// CriticalAnomalies returns anomalies at critical severity, the trigger
// for realtime mitigation actions.
func (r Result) CriticalAnomalies() []Anomaly {
	var out []Anomaly
	for _, a := range r.Anomalies {
		if a.Severity == policy.SeverityCritical {
			out = append(out, a)
		}
	}
	return out
}

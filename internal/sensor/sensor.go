// Package sensor defines raw readings and their normalized form.
//
// A Reading is immutable once produced and is discarded after the
// normalizer consumes it; everything downstream sees only
// NormalizedSample values owned by the cycle that produced them.
package sensor

import (
	"fmt"
	"time"
)

// Quality grades a raw reading.
type Quality string

const (
	QualityHigh    Quality = "high"
	QualityMedium  Quality = "medium"
	QualityLow     Quality = "low"
	QualityInvalid Quality = "invalid"
)

// ParseQuality validates a quality string from an adapter payload.
func ParseQuality(s string) (Quality, error) {
	switch Quality(s) {
	case QualityHigh, QualityMedium, QualityLow, QualityInvalid:
		return Quality(s), nil
	default:
		return "", fmt.Errorf("unknown quality %q", s)
	}
}

// Confidence weight contributed by each quality grade.
func (q Quality) Weight() float64 {
	switch q {
	case QualityHigh:
		return 1.0
	case QualityMedium:
		return 0.75
	case QualityLow:
		return 0.5
	default:
		return 0
	}
}

// Reading is one raw sensor measurement as delivered by a device adapter.
// Scalar sensors populate Value; vector sensors (accelerometers) populate
// Vector and leave Value zero.
type Reading struct {
	SensorID  string
	Type      string // "temperature", "humidity", "acceleration", ...
	Value     float64
	Vector    []float64
	Unit      string
	Timestamp time.Time
	Quality   Quality
}

// IsVector reports whether the reading carries a vector payload.
func (r Reading) IsVector() bool {
	return len(r.Vector) > 0
}

// NormalizedSample is the canonical bounded representation produced by
// the normalizer. Normalized is in [0,1] for scalar sensors; vector
// sensors carry a z-scored Vector instead. Not mutated after creation.
type NormalizedSample struct {
	SourceID   string
	Type       string
	Normalized float64
	Vector     []float64
	Confidence float64 // in [0,1]; 0 means "exclude from analysis"
	RawRef     string  // sensor ID + timestamp of the originating reading
	DerivedAt  time.Time
}

// Drop records one reading rejected during normalization, with the reason
// preserved for the cycle report.
type Drop struct {
	SensorID string
	Reason   string
}

// Batch is the normalizer's output for one cycle. A cycle with zero valid
// samples still completes; Empty distinguishes "nothing survived" from
// "nothing arrived".
type Batch struct {
	Cycle   int64
	Samples []NormalizedSample
	Drops   []Drop
}

// Empty reports whether the batch carries no usable samples.
func (b Batch) Empty() bool {
	return len(b.Samples) == 0
}

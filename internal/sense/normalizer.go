// Package sense validates and normalizes raw readings into the bounded
// representation the analyzer consumes. Failures are always per-reading:
// a cycle with zero valid samples still completes and is reported as
// empty, never as a cycle-level failure.
package sense

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/adrianco/consciousness-sub000/internal/fault"
	"github.com/adrianco/consciousness-sub000/internal/policy"
	"github.com/adrianco/consciousness-sub000/internal/sensor"
)

// Normalizer converts one cycle's raw readings into NormalizedSamples.
// Per-type bounds come from the compiled policy calibrations. The
// normalizer tracks the last accepted timestamp per sensor to enforce
// monotonicity; it is otherwise stateless across cycles.
type Normalizer struct {
	policy        *policy.Set
	maxReadingAge time.Duration
	lastSeen      map[string]time.Time
}

// New creates a Normalizer.
func New(pol *policy.Set, maxReadingAge time.Duration) *Normalizer {
	return &Normalizer{
		policy:        pol,
		maxReadingAge: maxReadingAge,
		lastSeen:      make(map[string]time.Time),
	}
}

// Normalize processes a batch of readings for one cycle. Readings that
// fail validation are recorded as drops with their reason; the rest
// become samples. now is passed in so staleness checks are testable.
func (n *Normalizer) Normalize(cycle int64, readings []sensor.Reading, now time.Time) sensor.Batch {
	batch := sensor.Batch{Cycle: cycle}

	for _, r := range readings {
		sample, err := n.normalizeOne(r, now)
		if err != nil {
			batch.Drops = append(batch.Drops, sensor.Drop{SensorID: r.SensorID, Reason: err.Error()})
			slog.Debug("reading dropped", "sensor", r.SensorID, "reason", err)
			continue
		}
		batch.Samples = append(batch.Samples, sample)
	}

	if batch.Empty() {
		slog.Debug("empty sense batch", "cycle", cycle, "drops", len(batch.Drops))
	}
	return batch
}

func (n *Normalizer) normalizeOne(r sensor.Reading, now time.Time) (sensor.NormalizedSample, error) {
	var zero sensor.NormalizedSample

	if r.Quality == sensor.QualityInvalid {
		return zero, fault.Sensor(r.SensorID, "invalid quality")
	}
	if r.Quality.Weight() == 0 {
		return zero, fault.Sensor(r.SensorID, fmt.Sprintf("unknown quality %q", r.Quality))
	}

	age := now.Sub(r.Timestamp)
	if age > n.maxReadingAge {
		return zero, fault.Sensor(r.SensorID, fmt.Sprintf("stale reading: age %v exceeds %v", age.Truncate(time.Millisecond), n.maxReadingAge))
	}
	if last, ok := n.lastSeen[r.SensorID]; ok && !r.Timestamp.After(last) {
		return zero, fault.Sensor(r.SensorID, fmt.Sprintf("non-monotonic timestamp: %v not after %v", r.Timestamp, last))
	}

	sample := sensor.NormalizedSample{
		SourceID:  r.SensorID,
		Type:      r.Type,
		RawRef:    fmt.Sprintf("%s@%d", r.SensorID, r.Timestamp.UnixNano()),
		DerivedAt: now,
	}

	if r.IsVector() {
		vec, conf := zScoreVector(r.Vector)
		sample.Vector = vec
		sample.Confidence = r.Quality.Weight() * conf
	} else {
		cal, ok := n.policy.Calibration(r.Type)
		if !ok {
			return zero, fault.Sensor(r.SensorID, fmt.Sprintf("no calibration for sensor type %q", r.Type))
		}
		if r.Value < cal.PlausibleMin || r.Value > cal.PlausibleMax {
			return zero, fault.Sensor(r.SensorID, fmt.Sprintf("value %v outside plausible range [%v, %v]", r.Value, cal.PlausibleMin, cal.PlausibleMax))
		}
		sample.Normalized = minMax(r.Value, cal.Min, cal.Max)
		sample.Confidence = r.Quality.Weight() * boundsProximity(r.Value, cal.Min, cal.Max)
	}

	n.lastSeen[r.SensorID] = r.Timestamp
	return sample, nil
}

// minMax scales v into [0,1] against the calibration's operating bounds,
// clamping values that sit between operating and plausible limits.
func minMax(v, lo, hi float64) float64 {
	scaled := (v - lo) / (hi - lo)
	if scaled < 0 {
		return 0
	}
	if scaled > 1 {
		return 1
	}
	return scaled
}

// boundsProximity returns 1 for values well inside the operating range,
// falling off linearly to 0.5 at the edges. Readings hugging a
// calibration bound are less trustworthy than mid-range ones.
func boundsProximity(v, lo, hi float64) float64 {
	span := hi - lo
	if span <= 0 {
		return 0.5
	}
	distToEdge := math.Min(v-lo, hi-v)
	if distToEdge < 0 {
		distToEdge = 0
	}
	// Full confidence once the value is at least 10% of the span inside.
	edgeZone := 0.1 * span
	if distToEdge >= edgeZone {
		return 1
	}
	return 0.5 + 0.5*(distToEdge/edgeZone)
}

// zScoreVector standardizes a vector payload to zero mean and unit
// variance. Confidence is reduced for degenerate (constant) vectors.
func zScoreVector(v []float64) ([]float64, float64) {
	n := float64(len(v))
	var mean float64
	for _, x := range v {
		mean += x
	}
	mean /= n

	var variance float64
	for _, x := range v {
		d := x - mean
		variance += d * d
	}
	variance /= n

	out := make([]float64, len(v))
	if variance == 0 {
		// Constant vector carries no shape information.
		return out, 0.5
	}

	std := math.Sqrt(variance)
	for i, x := range v {
		out[i] = (x - mean) / std
	}
	return out, 1
}

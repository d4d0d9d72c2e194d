package learn

import "math"

// welch computes the two-sample Welch t statistic between a and b.
// Returns 0 when either sample is too small or has no variance to
// compare against.
func welch(a, b []float64) float64 {
	if len(a) < 2 || len(b) < 2 {
		return 0
	}
	ma, va := meanVar(a)
	mb, vb := meanVar(b)

	denom := math.Sqrt(va/float64(len(a)) + vb/float64(len(b)))
	if denom == 0 {
		return 0
	}
	return (mb - ma) / denom
}

func meanVar(xs []float64) (mean, variance float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs) - 1)
	return mean, variance
}

// driftDetector watches the stream of performance deltas and fires when
// the recent half of the window differs from the historical half by more
// than the configured Welch statistic.
type driftDetector struct {
	window    []float64
	capacity  int
	threshold float64
}

func newDriftDetector(capacity int, threshold float64) *driftDetector {
	if capacity < 16 {
		capacity = 16
	}
	return &driftDetector{capacity: capacity, threshold: threshold}
}

// observe records one delta and reports whether drift is detected at this
// point. Detection needs at least 16 observations.
func (d *driftDetector) observe(delta float64) bool {
	d.window = append(d.window, delta)
	if len(d.window) > d.capacity {
		d.window = d.window[len(d.window)-d.capacity:]
	}
	if len(d.window) < 16 {
		return false
	}
	half := len(d.window) / 2
	t := welch(d.window[:half], d.window[half:])
	return math.Abs(t) > d.threshold
}

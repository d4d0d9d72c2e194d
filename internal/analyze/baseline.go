package analyze

import "math"

// baseline is a bounded rolling window of one source's normalized values,
// used both as the statistical-anomaly reference and as the series the
// pattern pipeline scans. Oldest entries are evicted, so memory stays
// constant under sustained load.
type baseline struct {
	values []float64
	cap    int
	start  int
	count  int
}

func newBaseline(capacity int) *baseline {
	return &baseline{values: make([]float64, capacity), cap: capacity}
}

func (b *baseline) push(v float64) {
	idx := (b.start + b.count) % b.cap
	if b.count == b.cap {
		b.values[b.start] = v
		b.start = (b.start + 1) % b.cap
		return
	}
	b.values[idx] = v
	b.count++
}

// series returns the window oldest-first as a fresh slice.
func (b *baseline) series() []float64 {
	out := make([]float64, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.values[(b.start+i)%b.cap]
	}
	return out
}

func (b *baseline) len() int { return b.count }

// stats returns mean and standard deviation of the window.
func (b *baseline) stats() (mean, std float64) {
	if b.count == 0 {
		return 0, 0
	}
	for i := 0; i < b.count; i++ {
		mean += b.values[(b.start+i)%b.cap]
	}
	mean /= float64(b.count)

	var variance float64
	for i := 0; i < b.count; i++ {
		d := b.values[(b.start+i)%b.cap] - mean
		variance += d * d
	}
	variance /= float64(b.count)
	return mean, math.Sqrt(variance)
}

package learn

import (
	"math/rand"
	"sync"
)

// defaultFloors are the candidate prediction-confidence floors the tuner
// explores. The controller asks for the current floor each planning pass;
// the tuner credits the arm that was active when an action executed.
var defaultFloors = []float64{0.7, 0.75, 0.8, 0.85, 0.9}

// Tuner is an epsilon-greedy bandit over a controller parameter.
//
// Thread-safety: safe for concurrent use; the controller reads the floor
// from the loop goroutine while the learning engine credits rewards from
// its worker.
type Tuner struct {
	mu      sync.Mutex
	rng     *rand.Rand
	epsilon float64
	arms    []float64
	counts  []int
	means   []float64
	current int
}

// NewTuner creates a tuner exploring the given arms (defaultFloors when
// none are supplied) with the given explore rate. The seed makes test
// runs reproducible.
func NewTuner(epsilon float64, seed int64, arms ...float64) *Tuner {
	if len(arms) == 0 {
		arms = defaultFloors
	}
	return &Tuner{
		rng:     rand.New(rand.NewSource(seed)),
		epsilon: epsilon,
		arms:    arms,
		counts:  make([]int, len(arms)),
		means:   make([]float64, len(arms)),
	}
}

// PredictionFloor selects an arm epsilon-greedily and returns its value.
// The selection becomes the current arm until the next call.
func (t *Tuner) PredictionFloor() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rng.Float64() < t.epsilon {
		t.current = t.rng.Intn(len(t.arms))
	} else {
		t.current = t.bestLocked()
	}
	return t.arms[t.current]
}

// CurrentArm returns the index of the arm selected by the last
// PredictionFloor call. The engine records it against pending actions so
// delayed rewards credit the arm that was actually in effect.
func (t *Tuner) CurrentArm() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Credit applies a delayed reward to the given arm, updating its running
// mean.
func (t *Tuner) Credit(arm int, reward float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if arm < 0 || arm >= len(t.arms) {
		return
	}
	t.counts[arm]++
	t.means[arm] += (reward - t.means[arm]) / float64(t.counts[arm])
}

func (t *Tuner) bestLocked() int {
	best := 0
	for i := range t.arms {
		// Untried arms win ties so every arm gets sampled eventually.
		if t.counts[i] == 0 && t.counts[best] > 0 {
			return i
		}
		if t.means[i] > t.means[best] {
			best = i
		}
	}
	return best
}

// TunerSnapshot is a point-in-time view for health reporting.
type TunerSnapshot struct {
	Arms    []float64
	Counts  []int
	Means   []float64
	Current int
}

// Snapshot returns copies of the tuner's internal statistics.
func (t *Tuner) Snapshot() TunerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := TunerSnapshot{
		Arms:    append([]float64(nil), t.arms...),
		Counts:  append([]int(nil), t.counts...),
		Means:   append([]float64(nil), t.means...),
		Current: t.current,
	}
	return s
}

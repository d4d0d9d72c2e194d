package twin

import (
	"math"

	"github.com/adrianco/consciousness-sub000/internal/policy"
	"github.com/adrianco/consciousness-sub000/internal/state"
)

// divergence scores how far the twin's model sits from the device's real
// state: a weighted normalized distance over overlapping attributes in
// [0, 1]. Numeric attributes are normalized by their calibrated span when
// one is declared; discrete attributes contribute 0 or 1.
func divergence(model, actual state.State, pol *policy.Set) float64 {
	var total, weight float64

	for key, mv := range model {
		av, ok := actual[key]
		if !ok {
			continue
		}
		total += attributeDistance(key, mv, av, pol)
		weight++
	}
	if weight == 0 {
		return 0
	}
	return total / weight
}

func attributeDistance(attribute string, a, b state.Value, pol *policy.Set) float64 {
	fa, aNum := state.AsFloat(a)
	fb, bNum := state.AsFloat(b)
	if !aNum || !bNum {
		if a == b {
			return 0
		}
		return 1
	}

	diff := math.Abs(fa - fb)
	if cal, ok := pol.Calibration(attribute); ok && cal.Max > cal.Min {
		d := diff / (cal.Max - cal.Min)
		return math.Min(d, 1)
	}

	// No declared span: normalize by magnitude so large absolute values
	// do not dominate the score.
	scale := math.Max(math.Max(math.Abs(fa), math.Abs(fb)), 1)
	return math.Min(diff/scale, 1)
}

package analyze

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/adrianco/consciousness-sub000/internal/policy"
	"github.com/adrianco/consciousness-sub000/internal/sensor"
)

// statisticalAnomalies flags samples whose denormalized value sits far
// from the source's rolling baseline. Severity scales with how far past
// the z-score threshold the sample lands.
func statisticalAnomalies(samples []sensor.NormalizedSample, series map[string][]float64, zThreshold float64) []Anomaly {
	var out []Anomaly
	for _, s := range samples {
		if len(s.Vector) > 0 {
			continue // vector sources have no scalar baseline
		}
		hist := series[s.SourceID]
		if len(hist) < 8 {
			continue // not enough evidence for an outlier call
		}

		mean, std := meanStd(hist)
		if std == 0 {
			continue
		}
		z := (s.Normalized - mean) / std
		if z < 0 {
			z = -z
		}
		if z < zThreshold {
			continue
		}

		sev := policy.SeverityMedium
		switch {
		case z >= 2*zThreshold:
			sev = policy.SeverityCritical
		case z >= 1.5*zThreshold:
			sev = policy.SeverityHigh
		}

		conf := z / (2 * zThreshold)
		if conf > 1 {
			conf = 1
		}

		out = append(out, Anomaly{
			Kind:       AnomalyStatistical,
			SourceID:   s.SourceID,
			Type:       s.Type,
			Severity:   sev,
			Confidence: conf * s.Confidence,
			Value:      s.Normalized,
			Detail:     fmt.Sprintf("z-score %.2f against rolling baseline", z),
			At:         s.DerivedAt,
		})
	}
	return out
}

// ruleAnomalies applies the hard domain rules: the declared policy
// constraints, evaluated against observed (denormalized) sensor values.
// A temperature reading of 45C against `temperature-limit: max 35` is an
// anomaly here regardless of what the baseline says.
func ruleAnomalies(samples []sensor.NormalizedSample, pol *policy.Set) []Anomaly {
	var out []Anomaly
	for _, s := range samples {
		if len(s.Vector) > 0 {
			continue
		}
		cal, ok := pol.Calibration(s.Type)
		if !ok {
			continue
		}
		value := cal.Min + s.Normalized*(cal.Max-cal.Min)

		for _, c := range pol.Constraints {
			if c.Attribute != s.Type || !c.AppliesTo(deviceOf(s.SourceID)) {
				continue
			}
			var detail string
			switch {
			case c.Max != nil && value > *c.Max:
				detail = fmt.Sprintf("value %.2f exceeds %s limit %.2f", value, c.Name, *c.Max)
			case c.Min != nil && value < *c.Min:
				detail = fmt.Sprintf("value %.2f below %s limit %.2f", value, c.Name, *c.Min)
			default:
				continue
			}
			out = append(out, Anomaly{
				Kind:       AnomalyRule,
				SourceID:   s.SourceID,
				Type:       s.Type,
				Severity:   c.Severity,
				Confidence: s.Confidence,
				Value:      value,
				Detail:     detail,
				At:         s.DerivedAt,
			})
		}
	}
	return out
}

// mergeAnomalies combines the three detectors' output, prioritized by
// severity then detector confidence, deduplicating per source: only the
// most severe finding for a source in one cycle survives.
func mergeAnomalies(groups ...[]Anomaly) []Anomaly {
	best := make(map[string]Anomaly)
	for _, group := range groups {
		for _, a := range group {
			cur, seen := best[a.SourceID]
			if !seen {
				best[a.SourceID] = a
				continue
			}
			if a.Severity.Rank() > cur.Severity.Rank() ||
				(a.Severity.Rank() == cur.Severity.Rank() && a.Confidence > cur.Confidence) {
				best[a.SourceID] = a
			}
		}
	}

	out := make([]Anomaly, 0, len(best))
	for _, a := range best {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}

// deviceOf extracts the device ID from a "device:sensor" source ID.
// Sources without the separator are their own device.
func deviceOf(sourceID string) string {
	if i := strings.IndexByte(sourceID, ':'); i > 0 {
		return sourceID[:i]
	}
	return sourceID
}

func meanStd(series []float64) (mean, std float64) {
	n := float64(len(series))
	for _, v := range series {
		mean += v
	}
	mean /= n

	var variance float64
	for _, v := range series {
		d := v - mean
		variance += d * d
	}
	variance /= n
	return mean, math.Sqrt(variance)
}

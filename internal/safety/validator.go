// Package safety is the single authority deciding whether a proposed
// change may reach a device or its twin. Validation is pure: no side
// effects, and identical inputs always produce identical verdicts.
package safety

import (
	"fmt"
	"sort"

	"github.com/adrianco/consciousness-sub000/internal/policy"
	"github.com/adrianco/consciousness-sub000/internal/state"
)

// Proposal is the validator's view of a control action or twin-originated
// change: the attributes it wants to set on a device. Both the feedback
// controller and the twin synchronizer funnel through this shape, so
// there is exactly one gate.
type Proposal struct {
	ActionID string
	DeviceID string
	Changes  state.State
}

// Violation names one failed constraint or hazard. Never persisted beyond
// the validation call that produced it; callers log what they need.
type Violation struct {
	ConstraintName string
	Severity       policy.Severity
	Description    string
}

// Verdict is the validation outcome. An action with a non-empty
// Violations list is never executed, queued for retry, or silently
// downgraded.
type Verdict struct {
	Safe       bool
	Violations []Violation
	RiskScore  float64
}

// Validator evaluates proposals against the compiled static constraints
// and the registered dynamic hazard models.
type Validator struct {
	constraints   []policy.Constraint
	hazards       []HazardModel
	riskThreshold float64
}

// New creates a Validator. Hazard models are evaluated in the order
// given; order only affects violation listing, not the verdict.
func New(pol *policy.Set, riskThreshold float64, hazards ...HazardModel) *Validator {
	return &Validator{
		constraints:   pol.Constraints,
		hazards:       hazards,
		riskThreshold: riskThreshold,
	}
}

// Validate checks a proposal against current device state. Both the
// static constraints and the dynamic hazard estimate must pass.
func (v *Validator) Validate(p Proposal, current state.State) Verdict {
	verdict := Verdict{}

	// The state the device would reach if the proposal executed.
	projected := current.Clone()
	if projected == nil {
		projected = state.State{}
	}
	for k, val := range p.Changes {
		projected[k] = val
	}

	for _, c := range v.constraints {
		if !c.AppliesTo(p.DeviceID) {
			continue
		}
		val, changed := p.Changes[c.Attribute]
		if !changed {
			continue // constraints gate proposed changes, not standing state
		}
		if viol, bad := checkConstraint(c, val); bad {
			verdict.Violations = append(verdict.Violations, viol)
		}
	}

	for _, h := range v.hazards {
		hz := h.Assess(p, current, projected)
		risk := hz.Probability * hz.Severity
		if risk > verdict.RiskScore {
			verdict.RiskScore = risk
		}
		if risk > v.riskThreshold {
			verdict.Violations = append(verdict.Violations, Violation{
				ConstraintName: "hazard:" + hz.Name,
				Severity:       hazardSeverity(hz.Severity),
				Description:    fmt.Sprintf("estimated risk %.3f exceeds threshold %.3f", risk, v.riskThreshold),
			})
		}
	}

	sort.SliceStable(verdict.Violations, func(i, j int) bool {
		return verdict.Violations[i].Severity.Rank() > verdict.Violations[j].Severity.Rank()
	})
	verdict.Safe = len(verdict.Violations) == 0
	return verdict
}

func checkConstraint(c policy.Constraint, val state.Value) (Violation, bool) {
	if f, ok := state.AsFloat(val); ok {
		if c.Max != nil && f > *c.Max {
			return Violation{
				ConstraintName: c.Name,
				Severity:       c.Severity,
				Description:    fmt.Sprintf("%s=%v exceeds maximum %v", c.Attribute, f, *c.Max),
			}, true
		}
		if c.Min != nil && f < *c.Min {
			return Violation{
				ConstraintName: c.Name,
				Severity:       c.Severity,
				Description:    fmt.Sprintf("%s=%v below minimum %v", c.Attribute, f, *c.Min),
			}, true
		}
	}
	if s, ok := val.(state.String); ok {
		for _, forbidden := range c.Forbid {
			if string(s) == forbidden {
				return Violation{
					ConstraintName: c.Name,
					Severity:       c.Severity,
					Description:    fmt.Sprintf("%s=%q is forbidden", c.Attribute, s),
				}, true
			}
		}
	}
	return Violation{}, false
}

func hazardSeverity(s float64) policy.Severity {
	switch {
	case s >= 0.75:
		return policy.SeverityCritical
	case s >= 0.5:
		return policy.SeverityHigh
	case s >= 0.25:
		return policy.SeverityMedium
	default:
		return policy.SeverityLow
	}
}

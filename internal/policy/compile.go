package policy

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CompileError reports a malformed policy document with its CUE position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CompileConstraint parses one CUE constraint struct into a Constraint.
// The value is the struct under `constraint: "<name>": {...}`, e.g.:
//
//	constraint: "temperature-limit": {
//	    device:    "*"
//	    attribute: "temperature"
//	    max:       35.0
//	    severity:  "critical"
//	}
func CompileConstraint(name string, v cue.Value) (Constraint, error) {
	c := Constraint{Name: name, Device: "*"}

	if err := v.Err(); err != nil {
		return c, formatCUEError(err)
	}

	if deviceVal := v.LookupPath(cue.ParsePath("device")); deviceVal.Exists() {
		device, err := deviceVal.String()
		if err != nil {
			return c, formatCUEError(err)
		}
		c.Device = device
	}

	attrVal := v.LookupPath(cue.ParsePath("attribute"))
	if !attrVal.Exists() {
		return c, &CompileError{Field: "attribute", Message: "attribute is required", Pos: v.Pos()}
	}
	attr, err := attrVal.String()
	if err != nil {
		return c, formatCUEError(err)
	}
	c.Attribute = attr

	if minVal := v.LookupPath(cue.ParsePath("min")); minVal.Exists() {
		f, err := minVal.Float64()
		if err != nil {
			return c, formatCUEError(err)
		}
		c.Min = &f
	}
	if maxVal := v.LookupPath(cue.ParsePath("max")); maxVal.Exists() {
		f, err := maxVal.Float64()
		if err != nil {
			return c, formatCUEError(err)
		}
		c.Max = &f
	}

	if forbidVal := v.LookupPath(cue.ParsePath("forbid")); forbidVal.Exists() {
		iter, err := forbidVal.List()
		if err != nil {
			return c, formatCUEError(err)
		}
		for iter.Next() {
			s, err := iter.Value().String()
			if err != nil {
				return c, formatCUEError(err)
			}
			c.Forbid = append(c.Forbid, s)
		}
	}

	if c.Min == nil && c.Max == nil && len(c.Forbid) == 0 {
		return c, &CompileError{
			Field:   name,
			Message: "constraint must declare at least one of min, max, forbid",
			Pos:     v.Pos(),
		}
	}

	sevVal := v.LookupPath(cue.ParsePath("severity"))
	if !sevVal.Exists() {
		return c, &CompileError{Field: "severity", Message: "severity is required", Pos: v.Pos()}
	}
	sev, err := sevVal.String()
	if err != nil {
		return c, formatCUEError(err)
	}
	c.Severity = Severity(sev)
	if !c.Severity.Valid() {
		return c, &CompileError{
			Field:   "severity",
			Message: fmt.Sprintf("unknown severity %q (want low|medium|high|critical)", sev),
			Pos:     sevVal.Pos(),
		}
	}

	return c, nil
}

// CompileCalibration parses one CUE calibration struct, keyed by sensor
// type:
//
//	calibration: temperature: {
//	    min:  -10.0
//	    max:  50.0
//	    unit: "C"
//	    plausible: {min: -40.0, max: 60.0}
//	}
func CompileCalibration(sensorType string, v cue.Value) (Calibration, error) {
	cal := Calibration{SensorType: sensorType}

	if err := v.Err(); err != nil {
		return cal, formatCUEError(err)
	}

	var err error
	if cal.Min, err = requiredFloat(v, "min"); err != nil {
		return cal, err
	}
	if cal.Max, err = requiredFloat(v, "max"); err != nil {
		return cal, err
	}
	if cal.Min >= cal.Max {
		return cal, &CompileError{
			Field:   sensorType,
			Message: fmt.Sprintf("min %v must be below max %v", cal.Min, cal.Max),
			Pos:     v.Pos(),
		}
	}

	if unitVal := v.LookupPath(cue.ParsePath("unit")); unitVal.Exists() {
		if cal.Unit, err = unitVal.String(); err != nil {
			return cal, formatCUEError(err)
		}
	}

	// Plausible bounds default to the operating bounds when omitted.
	cal.PlausibleMin, cal.PlausibleMax = cal.Min, cal.Max
	if pl := v.LookupPath(cue.ParsePath("plausible")); pl.Exists() {
		if cal.PlausibleMin, err = requiredFloat(pl, "min"); err != nil {
			return cal, err
		}
		if cal.PlausibleMax, err = requiredFloat(pl, "max"); err != nil {
			return cal, err
		}
	}

	return cal, nil
}

func requiredFloat(v cue.Value, field string) (float64, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return 0, &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	f, err := fv.Float64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	return f, nil
}

// formatCUEError converts a CUE error into a CompileError with position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	pos := errors.Positions(err)
	if len(pos) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: errors.Details(err, nil),
			Pos:     pos[0],
		}
	}
	return &CompileError{Field: "cue", Message: err.Error()}
}

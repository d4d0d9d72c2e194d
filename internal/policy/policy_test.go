package policy

import (
	"testing"

	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPolicy = `
constraint: "temperature-limit": {
	device:    "*"
	attribute: "temperature"
	max:       35.0
	severity:  "critical"
}

constraint: "brightness-range": {
	device:    "lamp-1"
	attribute: "brightness"
	min:       0.0
	max:       100.0
	severity:  "medium"
}

constraint: "no-unattended-heat": {
	attribute: "mode"
	forbid:    ["heat_boost"]
	severity:  "high"
}

calibration: temperature: {
	min:  -10.0
	max:  50.0
	unit: "C"
	plausible: {min: -40.0, max: 60.0}
}

calibration: humidity: {
	min: 0.0
	max: 100.0
}
`

func compileString(t *testing.T, src string) (*Set, []error) {
	t.Helper()
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	require.NoError(t, v.Err())
	return Compile(v)
}

func TestCompile_ValidPolicy(t *testing.T) {
	set, errs := compileString(t, validPolicy)
	require.Empty(t, errs)

	require.Len(t, set.Constraints, 3)
	// Sorted by name for deterministic validation output.
	assert.Equal(t, "brightness-range", set.Constraints[0].Name)
	assert.Equal(t, "no-unattended-heat", set.Constraints[1].Name)
	assert.Equal(t, "temperature-limit", set.Constraints[2].Name)

	tl := set.Constraints[2]
	assert.Equal(t, "*", tl.Device)
	assert.Equal(t, "temperature", tl.Attribute)
	require.NotNil(t, tl.Max)
	assert.Equal(t, 35.0, *tl.Max)
	assert.Nil(t, tl.Min)
	assert.Equal(t, SeverityCritical, tl.Severity)

	br := set.Constraints[0]
	assert.True(t, br.AppliesTo("lamp-1"))
	assert.False(t, br.AppliesTo("lamp-2"))

	nh := set.Constraints[1]
	assert.Equal(t, []string{"heat_boost"}, nh.Forbid)

	cal, ok := set.Calibration("temperature")
	require.True(t, ok)
	assert.Equal(t, -10.0, cal.Min)
	assert.Equal(t, 50.0, cal.Max)
	assert.Equal(t, -40.0, cal.PlausibleMin)
	assert.Equal(t, 60.0, cal.PlausibleMax)
	assert.Equal(t, "C", cal.Unit)

	// Plausible bounds default to operating bounds when omitted.
	hum, ok := set.Calibration("humidity")
	require.True(t, ok)
	assert.Equal(t, 0.0, hum.PlausibleMin)
	assert.Equal(t, 100.0, hum.PlausibleMax)
}

func TestCompile_MissingAttribute(t *testing.T) {
	_, errs := compileString(t, `
constraint: "broken": {
	max:      10.0
	severity: "low"
}
`)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "attribute is required")
}

func TestCompile_UnknownSeverity(t *testing.T) {
	_, errs := compileString(t, `
constraint: "broken": {
	attribute: "temperature"
	max:       10.0
	severity:  "catastrophic"
}
`)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "unknown severity")
}

func TestCompile_ConstraintWithoutBounds(t *testing.T) {
	_, errs := compileString(t, `
constraint: "empty": {
	attribute: "temperature"
	severity:  "low"
}
`)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "at least one of min, max, forbid")
}

func TestCompile_CalibrationInvertedBounds(t *testing.T) {
	_, errs := compileString(t, `
constraint: "ok": {
	attribute: "temperature"
	max:       35.0
	severity:  "low"
}
calibration: temperature: {
	min: 50.0
	max: -10.0
}
`)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "must be below max")
}

func TestCompile_CollectsAllErrors(t *testing.T) {
	_, errs := compileString(t, `
constraint: "a": {
	max:      1.0
	severity: "low"
}
constraint: "b": {
	attribute: "x"
	max:       1.0
	severity:  "bogus"
}
`)
	assert.Len(t, errs, 2)
}

func TestCompile_NoConstraints(t *testing.T) {
	_, errs := compileString(t, `calibration: temperature: {min: 0.0, max: 1.0}`)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "declares no constraints")
}

func TestSeverity_Rank(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.False(t, Severity("bogus").Valid())
}

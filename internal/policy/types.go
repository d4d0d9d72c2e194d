// Package policy holds the declarative safety policy: static constraints
// and sensor calibrations, authored as CUE documents and compiled once at
// startup. The compiled Set is immutable for the lifetime of a running
// loop instance.
package policy

// Severity ranks constraint violations and anomalies.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns a numeric rank for ordering; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is one of the declared severities.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Constraint is one static safety predicate over a proposed attribute
// change. Device may be a concrete device ID or "*" for all devices.
// Min/Max are nil when unbounded on that side; Forbid lists string values
// the attribute must never take.
type Constraint struct {
	Name      string
	Device    string
	Attribute string
	Min       *float64
	Max       *float64
	Forbid    []string
	Severity  Severity
}

// AppliesTo reports whether the constraint governs the given device.
func (c Constraint) AppliesTo(deviceID string) bool {
	return c.Device == "*" || c.Device == deviceID
}

// Calibration declares the operating and plausible bounds for one sensor
// type. Operating bounds drive min-max normalization; plausible bounds
// drive the rule-based anomaly check (a value outside them is physically
// implausible, not just unusual).
type Calibration struct {
	SensorType   string
	Min          float64
	Max          float64
	Unit         string
	PlausibleMin float64
	PlausibleMax float64
}

// Set is the compiled policy: all constraints in declaration order and
// calibrations keyed by sensor type. Constraint order is preserved so
// validation output is deterministic.
type Set struct {
	Constraints  []Constraint
	Calibrations map[string]Calibration
}

// Calibration looks up the calibration for a sensor type.
func (s *Set) Calibration(sensorType string) (Calibration, bool) {
	c, ok := s.Calibrations[sensorType]
	return c, ok
}

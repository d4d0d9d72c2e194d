// Package fault defines the error taxonomy shared by the control loop.
//
// Every recoverable failure inside a cycle is represented as a *Fault with
// a category code and structured fields, so health reports can say why
// something was dropped rather than a bare "failed". Faults local to one
// sensor, one model, or one action never abort the cycle; only
// CodeLockTimeout is treated as cycle-fatal by the orchestrator.
package fault

import (
	"errors"
	"fmt"
)

// Code categorizes a fault.
type Code string

const (
	// CodeSensorFault marks a single reading that was dropped during
	// normalization (out of range, stale, or invalid quality).
	CodeSensorFault Code = "SENSOR_FAULT"

	// CodeAnalysisTimeout marks an analyzer pipeline that exceeded its
	// budget; the cycle proceeds with partial results.
	CodeAnalysisTimeout Code = "ANALYSIS_TIMEOUT"

	// CodeSafetyViolation marks a control action rejected by the
	// validator. Rejected actions are never retried.
	CodeSafetyViolation Code = "SAFETY_VIOLATION"

	// CodeExecutionFailure marks a device execution that failed and was
	// rolled back to its pre-action checkpoint.
	CodeExecutionFailure Code = "EXECUTION_FAILURE"

	// CodeSyncDivergence marks a twin whose divergence stayed above
	// threshold for the full divergence window. Hard failure.
	CodeSyncDivergence Code = "SYNC_DIVERGENCE"

	// CodeModelFailure marks one prediction/anomaly model that failed or
	// timed out and was skipped for the cycle.
	CodeModelFailure Code = "MODEL_FAILURE"

	// CodeLockTimeout marks a failure to acquire a per-device lock within
	// the bounded wait. The only cycle-fatal code.
	CodeLockTimeout Code = "LOCK_TIMEOUT"
)

// Fault is a categorized failure with enough context to reconstruct what
// was dropped and why.
type Fault struct {
	Code    Code
	Message string

	// DeviceID identifies the affected device, when one is involved.
	DeviceID string

	// SensorID identifies the dropped reading's sensor (sensor faults).
	SensorID string

	// ActionID identifies the affected control action (safety/execution).
	ActionID string

	// Details carries additional context such as constraint names or
	// divergence scores.
	Details map[string]string
}

// Error implements the error interface.
func (f *Fault) Error() string {
	switch {
	case f.ActionID != "":
		return fmt.Sprintf("%s: %s (action=%s)", f.Code, f.Message, f.ActionID)
	case f.SensorID != "":
		return fmt.Sprintf("%s: %s (sensor=%s)", f.Code, f.Message, f.SensorID)
	case f.DeviceID != "":
		return fmt.Sprintf("%s: %s (device=%s)", f.Code, f.Message, f.DeviceID)
	default:
		return fmt.Sprintf("%s: %s", f.Code, f.Message)
	}
}

// Is reports whether err is (or wraps) a Fault with the given code.
func Is(err error, code Code) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code == code
	}
	return false
}

// IsSensorFault reports whether err is a per-reading sensor fault.
func IsSensorFault(err error) bool { return Is(err, CodeSensorFault) }

// IsSafetyViolation reports whether err is a validator rejection.
func IsSafetyViolation(err error) bool { return Is(err, CodeSafetyViolation) }

// IsExecutionFailure reports whether err is a rolled-back execution.
func IsExecutionFailure(err error) bool { return Is(err, CodeExecutionFailure) }

// IsSyncDivergence reports whether err is an escalated divergence failure.
func IsSyncDivergence(err error) bool { return Is(err, CodeSyncDivergence) }

// IsLockTimeout reports whether err is a cycle-fatal lock acquisition
// failure.
func IsLockTimeout(err error) bool { return Is(err, CodeLockTimeout) }

// Sensor creates a per-reading sensor fault.
func Sensor(sensorID, message string) *Fault {
	return &Fault{Code: CodeSensorFault, Message: message, SensorID: sensorID}
}

// AnalysisTimeout creates a fault for an analyzer pipeline that missed
// its budget.
func AnalysisTimeout(stage, message string) *Fault {
	return &Fault{
		Code:    CodeAnalysisTimeout,
		Message: message,
		Details: map[string]string{"stage": stage},
	}
}

// Model creates a skipped-model fault.
func Model(modelID, message string) *Fault {
	return &Fault{
		Code:    CodeModelFailure,
		Message: message,
		Details: map[string]string{"model": modelID},
	}
}

// Safety creates a validator-rejection fault naming the failed constraint.
func Safety(actionID, constraint, message string) *Fault {
	return &Fault{
		Code:     CodeSafetyViolation,
		Message:  message,
		ActionID: actionID,
		Details:  map[string]string{"constraint": constraint},
	}
}

// Execution creates a rolled-back execution fault.
func Execution(actionID, deviceID, message string) *Fault {
	return &Fault{
		Code:     CodeExecutionFailure,
		Message:  message,
		ActionID: actionID,
		DeviceID: deviceID,
	}
}

// Divergence creates an escalated sync-divergence fault.
func Divergence(deviceID string, score float64, window int) *Fault {
	return &Fault{
		Code:     CodeSyncDivergence,
		Message:  fmt.Sprintf("divergence %.4f unresolved after %d passes", score, window),
		DeviceID: deviceID,
		Details: map[string]string{
			"divergence_score": fmt.Sprintf("%.4f", score),
			"window":           fmt.Sprintf("%d", window),
		},
	}
}

// LockTimeout creates a cycle-fatal lock acquisition fault.
func LockTimeout(deviceID string, message string) *Fault {
	return &Fault{Code: CodeLockTimeout, Message: message, DeviceID: deviceID}
}

// Package control converts analysis output into prioritized, validated,
// conflict-free control actions and executes them with rollback.
package control

import (
	"time"

	"github.com/adrianco/consciousness-sub000/internal/state"
)

// Priority orders action classes. Lower numeric value executes first.
type Priority int

const (
	PriorityRealtime Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityRealtime:
		return "realtime"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Status tracks an action through its lifecycle:
// proposed → validated → queued → executing → completed|rolled_back|rejected.
type Status string

const (
	StatusProposed   Status = "proposed"
	StatusValidated  Status = "validated"
	StatusQueued     Status = "queued"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusRolledBack Status = "rolled_back"
	StatusRejected   Status = "rejected"
	StatusDeferred   Status = "deferred" // conflict loser, retried next cycle
)

// Action is one control decision. IDs are unique and never reused;
// parameters are never mutated after creation — a superseding intent is a
// new action. Only Status advances, and only the controller advances it.
type Action struct {
	ID             string
	TargetDeviceID string
	Type           string // "mitigate", "prevent", "optimize"
	Params         state.State
	Priority       Priority
	Constraints    []string // names of constraints consulted at validation
	Deadline       time.Time
	Cycle          int64
	Status         Status
	Reason         string // what analysis finding produced this action
}

// Conflicts reports whether two actions target overlapping capabilities
// of the same device (both setting brightness, for example).
func (a Action) Conflicts(b Action) bool {
	if a.TargetDeviceID != b.TargetDeviceID {
		return false
	}
	for k := range a.Params {
		if _, overlap := b.Params[k]; overlap {
			return true
		}
	}
	return false
}

// ExecutionResult reports one action's terminal outcome for the cycle.
type ExecutionResult struct {
	Action     Action
	Status     Status
	Checkpoint string // canonical state hash taken before execution
	Err        error
	Duration   time.Duration
}

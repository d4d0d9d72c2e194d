package loop

import (
	"context"
	"time"
)

// HealthRecord is the per-cycle health summary written to the store and
// served by the health command.
type HealthRecord struct {
	Cycle     int64         `json:"cycle"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Samples      int `json:"samples"`
	DroppedReads int `json:"dropped_reads"`

	Patterns    int `json:"patterns"`
	Anomalies   int `json:"anomalies"`
	Predictions int `json:"predictions"`

	ActionsPlanned  int `json:"actions_planned"`
	ActionsRejected int `json:"actions_rejected"`
	Completed       int `json:"completed"`
	RolledBack      int `json:"rolled_back"`
	Deferred        int `json:"deferred"`

	Confidence float64  `json:"confidence"`
	Partial    []string `json:"partial,omitempty"`

	// Divergence carries the synchronizer's latest per-device twin
	// divergence scores at the end of the cycle.
	Divergence map[string]float64 `json:"divergence,omitempty"`

	// Degraded marks a cycle that hit a cycle-fatal fault; Fault carries
	// its message.
	Degraded bool   `json:"degraded"`
	Fault    string `json:"fault,omitempty"`
}

// Recorder persists cycle output. Implemented by the sqlite store; a nil
// recorder disables persistence.
type Recorder interface {
	RecordHealth(ctx context.Context, rec HealthRecord) error
	RecordActions(ctx context.Context, cycle int64, results []ActionAudit) error
}

// ActionAudit is the persistence shape of one action outcome.
type ActionAudit struct {
	ActionID string
	DeviceID string
	Type     string
	Priority string
	Status   string
	Reason   string
	Detail   string
}

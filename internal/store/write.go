package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adrianco/consciousness-sub000/internal/learn"
	"github.com/adrianco/consciousness-sub000/internal/loop"
)

// RecordHealth implements loop.Recorder. One row per cycle; re-recording
// a cycle replaces it (the loop retries writes after transient errors).
func (s *Store) RecordHealth(ctx context.Context, rec loop.HealthRecord) error {
	divergence := ""
	if len(rec.Divergence) > 0 {
		data, err := json.Marshal(rec.Divergence)
		if err != nil {
			return fmt.Errorf("encode divergence for cycle %d: %w", rec.Cycle, err)
		}
		divergence = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO health_records (
			cycle, started_at, duration_us, samples, dropped_reads,
			patterns, anomalies, predictions,
			actions_planned, actions_rejected, completed, rolled_back, deferred,
			confidence, partial, divergence, degraded, fault
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Cycle,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.Duration.Microseconds(),
		rec.Samples,
		rec.DroppedReads,
		rec.Patterns,
		rec.Anomalies,
		rec.Predictions,
		rec.ActionsPlanned,
		rec.ActionsRejected,
		rec.Completed,
		rec.RolledBack,
		rec.Deferred,
		rec.Confidence,
		strings.Join(rec.Partial, ","),
		divergence,
		boolToInt(rec.Degraded),
		rec.Fault,
	)
	if err != nil {
		return fmt.Errorf("insert health record for cycle %d: %w", rec.Cycle, err)
	}
	return nil
}

// RecordActions implements loop.Recorder, writing the cycle's audit rows
// in one transaction.
func (s *Store) RecordActions(ctx context.Context, cycle int64, audits []loop.ActionAudit) error {
	if len(audits) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin action audit tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO action_audit (
			cycle, action_id, device_id, type, priority, status, reason, detail
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare action audit insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range audits {
		if _, err := stmt.ExecContext(ctx,
			cycle, a.ActionID, a.DeviceID, a.Type, a.Priority, a.Status, a.Reason, a.Detail,
		); err != nil {
			return fmt.Errorf("insert action audit %s: %w", a.ActionID, err)
		}
	}
	return tx.Commit()
}

// RecordOutcome persists one credited learning outcome. Shaped to serve
// as the learning engine's sink.
func (s *Store) RecordOutcome(ctx context.Context, o learn.Outcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learning_outcomes (
			action_id, action_type, cycle, performance_delta, drift_detected, credited_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		o.ActionID,
		o.ActionType,
		o.Cycle,
		o.PerformanceDelta,
		boolToInt(o.DriftDetected),
		o.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert learning outcome for action %s: %w", o.ActionID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

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

// RecentHealth returns up to limit health records, newest cycle first.
func (s *Store) RecentHealth(ctx context.Context, limit int) ([]loop.HealthRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle, started_at, duration_us, samples, dropped_reads,
		       patterns, anomalies, predictions,
		       actions_planned, actions_rejected, completed, rolled_back, deferred,
		       confidence, partial, divergence, degraded, fault
		FROM health_records
		ORDER BY cycle DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query health records: %w", err)
	}
	defer rows.Close()

	var out []loop.HealthRecord
	for rows.Next() {
		var (
			rec        loop.HealthRecord
			startedAt  string
			durationUS int64
			partial    string
			divergence string
			degraded   int
		)
		if err := rows.Scan(
			&rec.Cycle, &startedAt, &durationUS, &rec.Samples, &rec.DroppedReads,
			&rec.Patterns, &rec.Anomalies, &rec.Predictions,
			&rec.ActionsPlanned, &rec.ActionsRejected, &rec.Completed, &rec.RolledBack, &rec.Deferred,
			&rec.Confidence, &partial, &divergence, &degraded, &rec.Fault,
		); err != nil {
			return nil, fmt.Errorf("scan health record: %w", err)
		}

		rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at for cycle %d: %w", rec.Cycle, err)
		}
		rec.Duration = time.Duration(durationUS) * time.Microsecond
		if partial != "" {
			rec.Partial = strings.Split(partial, ",")
		}
		if divergence != "" {
			if err := json.Unmarshal([]byte(divergence), &rec.Divergence); err != nil {
				return nil, fmt.Errorf("decode divergence for cycle %d: %w", rec.Cycle, err)
			}
		}
		rec.Degraded = degraded != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ActionsForCycle returns the audit rows of one cycle in insertion order.
func (s *Store) ActionsForCycle(ctx context.Context, cycle int64) ([]loop.ActionAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action_id, device_id, type, priority, status, reason, detail
		FROM action_audit
		WHERE cycle = ?
		ORDER BY id`, cycle)
	if err != nil {
		return nil, fmt.Errorf("query action audit for cycle %d: %w", cycle, err)
	}
	defer rows.Close()

	var out []loop.ActionAudit
	for rows.Next() {
		var a loop.ActionAudit
		if err := rows.Scan(&a.ActionID, &a.DeviceID, &a.Type, &a.Priority, &a.Status, &a.Reason, &a.Detail); err != nil {
			return nil, fmt.Errorf("scan action audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecentOutcomes returns up to limit learning outcomes, newest first.
func (s *Store) RecentOutcomes(ctx context.Context, limit int) ([]learn.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action_id, action_type, cycle, performance_delta, drift_detected, credited_at
		FROM learning_outcomes
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query learning outcomes: %w", err)
	}
	defer rows.Close()

	var out []learn.Outcome
	for rows.Next() {
		var (
			o         learn.Outcome
			drift     int
			creditedAt string
		)
		if err := rows.Scan(&o.ActionID, &o.ActionType, &o.Cycle, &o.PerformanceDelta, &drift, &creditedAt); err != nil {
			return nil, fmt.Errorf("scan learning outcome: %w", err)
		}
		o.DriftDetected = drift != 0
		o.At, err = time.Parse(time.RFC3339Nano, creditedAt)
		if err != nil {
			return nil, fmt.Errorf("parse credited_at for action %s: %w", o.ActionID, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// LastCycle returns the highest recorded cycle number, or 0 when the
// database is empty. Used to resume the cycle clock.
func (s *Store) LastCycle(ctx context.Context) (int64, error) {
	var cycle int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(cycle), 0) FROM health_records`).Scan(&cycle)
	if err != nil {
		return 0, fmt.Errorf("query last cycle: %w", err)
	}
	return cycle, nil
}

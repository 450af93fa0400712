package persistence

import (
	"context"
	"fmt"
)

// RecordTask appends a task transition. The run must already be recorded.
func (s *SQLiteStore) RecordTask(ctx context.Context, ev TaskEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events (run_id, task, status, attempt, error, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.RunID, ev.Task, ev.Status, ev.Attempt, ev.Error, formatTime(ev.At))
	if err != nil {
		return fmt.Errorf("failed to record task %s: %w", ev.Task, err)
	}
	return nil
}

// ListTaskEvents returns the transitions of a run in the order they happened.
func (s *SQLiteStore) ListTaskEvents(ctx context.Context, runID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, task, status, attempt, error, at
		FROM task_events WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task events: %w", err)
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var at string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Task, &ev.Status, &ev.Attempt, &ev.Error, &at); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		if ev.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("task event %d: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task events: %w", err)
	}
	return events, nil
}

// RecordApproval stores a gate decision.
func (s *SQLiteStore) RecordApproval(ctx context.Context, rec ApprovalRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (run_id, task, action, reason, decided_by, timed_out, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.Task, rec.Action, rec.Reason, rec.DecidedBy, rec.TimedOut, formatTime(rec.DecidedAt))
	if err != nil {
		return fmt.Errorf("failed to record approval for %s: %w", rec.Task, err)
	}
	return nil
}

// ListApprovals returns the decisions of a run in the order they were made.
func (s *SQLiteStore) ListApprovals(ctx context.Context, runID string) ([]ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task, action, reason, decided_by, timed_out, decided_at
		FROM approvals WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer rows.Close()

	var recs []ApprovalRecord
	for rows.Next() {
		var rec ApprovalRecord
		var decidedAt string
		if err := rows.Scan(&rec.RunID, &rec.Task, &rec.Action, &rec.Reason, &rec.DecidedBy, &rec.TimedOut, &decidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		if rec.DecidedAt, err = parseTime(decidedAt); err != nil {
			return nil, fmt.Errorf("approval for %s: %w", rec.Task, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}
	return recs, nil
}

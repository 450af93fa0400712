package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordRun inserts a run or, for a resumed run, updates its status and
// restart count. The original start time is kept.
func (s *SQLiteStore) RecordRun(ctx context.Context, run RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, workflow_id, status, user, host, started_at, ended_at, failure_reason, restart_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			user = excluded.user,
			host = excluded.host,
			ended_at = excluded.ended_at,
			failure_reason = excluded.failure_reason,
			restart_count = excluded.restart_count
	`, run.RunID, run.WorkflowID, run.Status, run.User, run.Host,
		formatTime(run.StartedAt), formatTime(run.EndedAt), run.FailureReason, run.RestartCount)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.RunID, err)
	}
	return nil
}

// FinishRun stores the terminal status of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID, status, reason string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, failure_reason = ?, ended_at = ? WHERE run_id = ?
	`, status, reason, formatTime(endedAt), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// GetRun loads one run.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, workflow_id, status, user, host, started_at, ended_at, failure_reason, restart_count
		FROM runs WHERE run_id = ?
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return run, nil
}

// ListRuns returns the runs of a workflow, oldest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, workflowID string) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, workflow_id, status, user, host, started_at, ended_at, failure_reason, restart_count
		FROM runs WHERE workflow_id = ? ORDER BY started_at, run_id
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*RunRecord, error) {
	var run RunRecord
	var started, ended string
	if err := sc.Scan(&run.RunID, &run.WorkflowID, &run.Status, &run.User, &run.Host,
		&started, &ended, &run.FailureReason, &run.RestartCount); err != nil {
		return nil, err
	}
	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if run.EndedAt, err = parseTime(ended); err != nil {
		return nil, err
	}
	return &run, nil
}

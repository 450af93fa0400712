// Package persistence keeps an audit journal of runs, task transitions and
// approval decisions in SQLite. Captured task output is never journaled.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// RunRecord is one row of the runs table.
type RunRecord struct {
	RunID         string
	WorkflowID    string
	Status        string
	User          string
	Host          string
	StartedAt     time.Time
	EndedAt       time.Time
	FailureReason string
	RestartCount  int
}

// TaskEvent is one task status transition.
type TaskEvent struct {
	ID      int64
	RunID   string
	Task    string
	Status  string
	Attempt int
	Error   string
	At      time.Time
}

// ApprovalRecord is one gate decision.
type ApprovalRecord struct {
	RunID     string
	Task      string
	Action    string
	Reason    string
	DecidedBy string
	TimedOut  bool
	DecidedAt time.Time
}

// Journal defines the audit operations the runner needs.
type Journal interface {
	RecordRun(ctx context.Context, run RunRecord) error
	FinishRun(ctx context.Context, runID, status, reason string, endedAt time.Time) error
	RecordTask(ctx context.Context, ev TaskEvent) error
	RecordApproval(ctx context.Context, rec ApprovalRecord) error

	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, workflowID string) ([]RunRecord, error)
	ListTaskEvents(ctx context.Context, runID string) ([]TaskEvent, error)
	ListApprovals(ctx context.Context, runID string) ([]ApprovalRecord, error)

	Close() error
}

// SQLiteStore implements Journal using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the journal at dbPath with WAL mode and a
// busy timeout. Parent directories are created owner-only.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates a private in-memory journal for tests.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	// Unique name so parallel tests never share a database
	connStr := fmt.Sprintf("file:journal-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Pragmas in the DSN apply to every pooled connection; one writer is enough
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Package history implements a supplementary, best-effort execution-history
// store (SPEC_FULL.md DOMAIN STACK). It is consulted optionally by the
// Planner and Judge Aggregator for recent-failure context; every exported
// method is nil-safe on a nil *Store so callers never need to special-case
// its absence, mirroring spec.md's treatment of out-of-scope notification
// transports.
//
// Grounded on internal/learning/store.go's embedded-schema SQLite idiom
// from the teacher, narrowed from its full adaptive-learning schema to a
// single task_executions table sized for spec.md's needs.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Store persists a rolling record of task execution outcomes.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dbPath and applies the
// embedded schema. dbPath may be ":memory:" for tests.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating history directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle. Safe on a nil Store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Execution is one recorded task execution outcome.
type Execution struct {
	SessionID        string
	TaskID           string
	Provider         string
	Model            string
	Success          bool
	ValidationPassed bool
	JudgePassed      bool
	FailureSummary   string
	Duration         time.Duration
}

// RecordExecution inserts one execution record. Safe on a nil Store (no-op,
// nil error) since history is best-effort.
func (s *Store) RecordExecution(ctx context.Context, e Execution) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_executions
			(session_id, task_id, provider, model, success, validation_passed, judge_passed, failure_summary, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.TaskID, e.Provider, e.Model,
		e.Success, e.ValidationPassed, e.JudgePassed, e.FailureSummary, e.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("recording execution: %w", err)
	}
	return nil
}

// RecentFailures returns a short human-readable summary of the most recent
// failed executions, newest first, for the Planner to fold into its
// prompt. Safe on a nil Store (returns nil) and swallows query errors since
// history is a best-effort collaborator, never a pipeline dependency.
func (s *Store) RecentFailures(ctx context.Context, limit int) []string {
	if s == nil || s.db == nil {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, provider, failure_summary, created_at
		FROM task_executions
		WHERE success = 0
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var taskID, provider, summary string
		var createdAt time.Time
		if err := rows.Scan(&taskID, &provider, &summary, &createdAt); err != nil {
			continue
		}
		out = append(out, fmt.Sprintf("%s (%s, %s): %s", taskID, provider, createdAt.Format("2006-01-02"), summary))
	}
	return out
}

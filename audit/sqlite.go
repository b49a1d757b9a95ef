// Package audit records collect phase completions for operational
// history: when a phase started and finished, whether it failed, and how
// many rows it produced. It never touches row contents -- only metadata --
// so turning it on carries none of the data-exposure risk of persisting
// query results.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// PhaseRecord is one completed phase's audit trail entry.
type PhaseRecord struct {
	TaskID    string
	PhaseName string
	StartedAt time.Time
	EndedAt   time.Time
	RowCount  int64
	Err       string
}

// Store persists PhaseRecord values to a SQLite database. Observer is the
// collect.TaskObserver that writes to it.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and
// ensures the phase_audit table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS phase_audit (
	task_id    TEXT NOT NULL,
	phase_name TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER NOT NULL,
	row_count  INTEGER NOT NULL,
	error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS phase_audit_task_id_idx ON phase_audit(task_id);
`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Record inserts one PhaseRecord.
func (s *Store) Record(ctx context.Context, r PhaseRecord) error {
	const stmt = `
INSERT INTO phase_audit (task_id, phase_name, started_at, ended_at, row_count, error)
VALUES (?, ?, ?, ?, ?, ?)
`
	_, err := s.db.ExecContext(ctx, stmt,
		r.TaskID, r.PhaseName, r.StartedAt.UnixNano(), r.EndedAt.UnixNano(), r.RowCount, r.Err)
	if err != nil {
		return fmt.Errorf("audit: record: %w", err)
	}
	return nil
}

// ForTask returns every PhaseRecord recorded for taskID, oldest first.
func (s *Store) ForTask(ctx context.Context, taskID string) ([]PhaseRecord, error) {
	const q = `
SELECT task_id, phase_name, started_at, ended_at, row_count, error
FROM phase_audit
WHERE task_id = ?
ORDER BY started_at ASC
`
	rows, err := s.db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []PhaseRecord
	for rows.Next() {
		var r PhaseRecord
		var startedAt, endedAt int64
		if err := rows.Scan(&r.TaskID, &r.PhaseName, &startedAt, &endedAt, &r.RowCount, &r.Err); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		r.StartedAt = time.Unix(0, startedAt)
		r.EndedAt = time.Unix(0, endedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

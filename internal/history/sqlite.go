// Package history persists an audit log of sb operations in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sb-go/internal/history/migrations"
	"sb-go/internal/sb"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements sb.History on an operations table.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ sb.History = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at path, applies pending migrations and
// confirms the schema version. path can be ":memory:".
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating history database: %w", err)
	}
	if err := migrations.CheckDBMigrationStatus(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("checking history database: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

func (s *SQLiteStore) Start(runID, kind, target string, startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(context.Background(),
		`INSERT INTO operations (run_id, operation, target, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		runID, kind, target, sb.OpRunning, formatTime(startedAt))
	if err != nil {
		return 0, fmt.Errorf("recording operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading operation id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) Finish(id int64, status, detail string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(context.Background(),
		`UPDATE operations SET status = ?, detail = ?, finished_at = ? WHERE id = ?`,
		status, detail, formatTime(finishedAt), id)
	if err != nil {
		return fmt.Errorf("finishing operation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finishing operation %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: operation %d", sb.ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) Recent(limit int) ([]sb.Operation, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, run_id, operation, target, status, detail, started_at, finished_at
		 FROM operations ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}
	defer rows.Close()

	var ops []sb.Operation
	for rows.Next() {
		var op sb.Operation
		var started string
		var finished sql.NullString
		if err := rows.Scan(&op.ID, &op.RunID, &op.Kind, &op.Target, &op.Status, &op.Detail, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		if op.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if finished.Valid {
			if op.FinishedAt, err = parseTime(finished.String); err != nil {
				return nil, err
			}
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operations: %w", err)
	}
	return ops, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

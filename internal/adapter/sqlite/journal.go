package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cwygoda/cardcatcher/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    start_index INTEGER NOT NULL,
    end_index   INTEGER NOT NULL,
    next_index  INTEGER NOT NULL,
    status      TEXT NOT NULL DEFAULT 'running',
    created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS outcomes (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id),
    url         TEXT NOT NULL,
    value_class TEXT NOT NULL,
    row_index   INTEGER NOT NULL,
    status      TEXT NOT NULL,
    source      TEXT,
    local_path  TEXT,
    error       TEXT,
    created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id);
`

// Journal implements domain.Journal using SQLite.
type Journal struct {
	db *sql.DB
}

var _ domain.Journal = (*Journal)(nil)

// New opens the journal at dbPath, initializing the schema if needed.
func New(dbPath string) (*Journal, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Rows are recorded from several workers; one connection avoids
	// "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Begin starts a new run over [start, end).
func (j *Journal) Begin(ctx context.Context, start, end int) (*domain.Run, error) {
	now := time.Now()
	run := &domain.Run{
		ID:        uuid.New().String(),
		Start:     start,
		End:       end,
		Next:      start,
		Status:    domain.RunRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, start_index, end_index, next_index, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Start, run.End, run.Next, run.Status, now, now,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Reopen marks an earlier run as running again so it can be resumed.
func (j *Journal) Reopen(ctx context.Context, runID string) (*domain.Run, error) {
	result, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status != ?`,
		domain.RunRunning, time.Now(), runID, domain.RunCompleted,
	)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, domain.ErrRunNotFound
	}
	return j.Get(ctx, runID)
}

// Checkpoint records that every row before next has been processed.
func (j *Journal) Checkpoint(ctx context.Context, runID string, next int) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE runs SET next_index = ?, updated_at = ? WHERE id = ?`,
		next, time.Now(), runID,
	)
	return err
}

// Record stores the outcome of one row.
func (j *Journal) Record(ctx context.Context, runID string, o domain.Outcome) error {
	var localPath, errMsg string
	status := domain.StateFailed
	if o.Succeeded() {
		status = domain.StateSucceeded
		localPath = o.Processed.LocalPath
	}
	if o.Err != nil {
		errMsg = o.Err.Error()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO outcomes (run_id, url, value_class, row_index, status, source, local_path, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, o.Row.Record.PhotoURL, o.Row.Class, o.Row.Index, status, o.Source, localPath, errMsg, time.Now(),
	)
	return err
}

// Finish sets the final status of a run.
func (j *Journal) Finish(ctx context.Context, runID string, status domain.RunStatus) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), runID,
	)
	return err
}

const runColumns = `id, start_index, end_index, next_index, status, created_at, updated_at`

// Get retrieves a run by ID.
func (j *Journal) Get(ctx context.Context, id string) (*domain.Run, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// Latest returns the most recently started run.
func (j *Journal) Latest(ctx context.Context) (*domain.Run, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT 1`)
	return scanRun(row)
}

// Counts returns the number of recorded outcomes per row state for a run.
func (j *Journal) Counts(ctx context.Context, runID string) (map[domain.RowState]int, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outcomes WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.RowState]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.RowState(status)] = n
	}
	return counts, rows.Err()
}

// RecoverStale marks runs left running by a crashed process as interrupted.
func (j *Journal) RecoverStale(ctx context.Context) (int64, error) {
	result, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE status = ?`,
		domain.RunInterrupted, time.Now(), domain.RunRunning,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var status string
	err := row.Scan(&run.ID, &run.Start, &run.End, &run.Next, &status, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	return &run, nil
}

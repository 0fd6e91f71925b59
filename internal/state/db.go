// Package state provides the SQLite run ledger for cohort.
// It records runs, the workers spawned for them and every step outcome in
// the project-local database (.cohort/state.db).
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/cohort/internal/config"
)

// DB is the run ledger. Writes are serialized through mu.
type DB struct {
	mu   sync.RWMutex
	conn *sql.DB
	path string
}

// ProjectDBPath returns where the ledger of projectRoot lives.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(config.ProjectDir(projectRoot), "state.db")
}

// Open opens the ledger at path, creating missing parent directories.
// The schema is not touched until Migrate is called.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return &DB{conn: conn, path: path}, nil
}

// OpenProject opens the ledger of the project rooted at projectRoot and
// brings its schema up to date.
func OpenProject(projectRoot string) (*DB, error) {
	db, err := Open(ProjectDBPath(projectRoot))
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the ledger file path.
func (db *DB) Path() string {
	return db.path
}

// migrations are applied in order. The schema version stored in
// PRAGMA user_version is the number of migrations already applied.
var migrations = []string{
	migrationV1Runs,
	migrationV2Workers,
	migrationV3Steps,
}

// SchemaVersion reports how many migrations the ledger has applied.
func (db *DB) SchemaVersion() (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var v int
	if err := db.conn.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Migrate applies the migrations the ledger has not seen yet. Each one runs
// in its own transaction together with the version bump.
func (db *DB) Migrate() error {
	applied, err := db.SchemaVersion()
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	for i := applied; i < len(migrations); i++ {
		if err := db.applyMigration(i+1, migrations[i]); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) applyMigration(version int, ddl string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("migration v%d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(ddl); err != nil {
		return fmt.Errorf("migration v%d: %w", version, err)
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("migration v%d: set version: %w", version, err)
	}
	return tx.Commit()
}

const migrationV1Runs = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	goal TEXT NOT NULL,
	plan TEXT,
	status TEXT NOT NULL DEFAULT 'started',
	final_state TEXT,
	started_at DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

const migrationV2Workers = `
CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	status TEXT NOT NULL,
	pid INTEGER,
	started_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workers_run_id ON workers(run_id);
`

const migrationV3Steps = `
CREATE TABLE IF NOT EXISTS steps (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	step_index INTEGER NOT NULL,
	agent TEXT NOT NULL,
	worker_id TEXT,
	instruction TEXT NOT NULL,
	output TEXT,
	status TEXT NOT NULL,
	error TEXT,
	started_at DATETIME NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, step_index)
);
`

// exec executes a query that doesn't return rows.
func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.ExecContext(ctx, query, args...)
}

// query executes a query that returns rows.
func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryContext(ctx, query, args...)
}

// queryRow executes a query that returns at most one row.
func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRowContext(ctx, query, args...)
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// parseNullableTime returns nil for NULL or unparseable values.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// PurgeOldRuns deletes finished runs started more than olderThan ago,
// together with their workers and steps. Returns the number of runs deleted.
func (db *DB) PurgeOldRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	result, err := db.exec(ctx, `
		DELETE FROM runs WHERE started_at < ? AND status != 'started'
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge old runs: %w", err)
	}

	return result.RowsAffected()
}

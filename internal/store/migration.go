package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Migration is one schema change. Plain DDL goes in SQL; changes SQLite
// cannot express idempotently (ALTER TABLE ADD COLUMN) provide Apply
// instead.
type Migration struct {
	Version     int
	Description string
	SQL         string
	Apply       func(ctx context.Context, tx *sql.Tx) error
}

// MigrationVersion records when a migration landed.
type MigrationVersion struct {
	Version   int
	AppliedAt time.Time
}

// migrations lists every schema change in order. Versions are strictly
// increasing and never reused.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with tasks and checkpoints",
		SQL: `
-- Task table: one row per submitted task, updated in place as the loop runs
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    prompt TEXT NOT NULL,
    backend TEXT NOT NULL,
    status TEXT NOT NULL,
    iteration INTEGER NOT NULL DEFAULT 0,
    max_iterations INTEGER NOT NULL DEFAULT 0,
    require_approval BOOLEAN NOT NULL DEFAULT 0,
    approval_decision TEXT NOT NULL DEFAULT '',
    stop_requested BOOLEAN NOT NULL DEFAULT 0,
    err_kind TEXT NOT NULL DEFAULT '',
    err_message TEXT NOT NULL DEFAULT '',
    context TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    last_update_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);

-- Checkpoint table: one row per durable iteration, plus an admission row
-- at iteration 0 written when a task first starts running
CREATE TABLE IF NOT EXISTS checkpoints (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    iteration INTEGER NOT NULL,
    snapshot TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    UNIQUE(task_id, iteration),
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_task_id ON checkpoints(task_id);
`,
	},
	{
		Version:     2,
		Description: "Add approval_tier for tiered approval gating",
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			return addColumnTx(ctx, tx, "tasks", "approval_tier", "TEXT NOT NULL DEFAULT 'low'")
		},
	},
}

const createVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`

// ApplyMigrations brings the database up to the current schema. Pending
// migrations run inside one serializable transaction, so two processes
// opening the same file cannot interleave half-applied schemas.
func (s *Store) ApplyMigrations(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	if _, err := tx.ExecContext(ctx, createVersionTable); err != nil {
		return fmt.Errorf("ensure schema_version table: %w", err)
	}

	done, err := appliedSetTx(ctx, tx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if done[m.Version] {
			continue
		}
		if err := runOneTx(ctx, tx, m); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

// runOneTx executes a single migration and records its version.
func runOneTx(ctx context.Context, tx *sql.Tx, m Migration) error {
	if m.Apply != nil {
		if err := m.Apply(ctx, tx); err != nil {
			return err
		}
	}
	if m.SQL != "" {
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			return err
		}
	}
	// OR IGNORE keeps a lost race with another opener harmless.
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, m.Version)
	if err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return nil
}

// appliedSetTx reads the versions already recorded, as a set.
func appliedSetTx(ctx context.Context, tx *sql.Tx) (map[int]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return nil, fmt.Errorf("read applied versions: %w", err)
	}
	defer rows.Close()

	done := make(map[int]bool, len(migrations))
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		done[v] = true
	}
	return done, rows.Err()
}

// GetAppliedVersions returns every applied migration in version order.
func (s *Store) GetAppliedVersions() ([]*MigrationVersion, error) {
	rows, err := s.db.Query(`SELECT version, applied_at FROM schema_version ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("query schema versions: %w", err)
	}
	defer rows.Close()

	var out []*MigrationVersion
	for rows.Next() {
		var v MigrationVersion
		if err := rows.Scan(&v.Version, &v.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan version row: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// IsMigrationApplied reports whether one version has been recorded.
func (s *Store) IsMigrationApplied(version int) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_version WHERE version = ?`, version).Scan(&n); err != nil {
		return false, fmt.Errorf("check migration: %w", err)
	}
	return n > 0, nil
}

// GetLatestVersion returns the highest applied version, 0 for a fresh
// database.
func (s *Store) GetLatestVersion() (int, error) {
	var v int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("query latest version: %w", err)
	}
	return v, nil
}

// addColumnTx adds a column unless it already exists. SQLite has no
// ADD COLUMN IF NOT EXISTS, so existence is checked through
// pragma_table_info first.
func addColumnTx(ctx context.Context, tx *sql.Tx, table, column, definition string) error {
	var n int
	check := `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`
	if err := tx.QueryRowContext(ctx, check, table, column).Scan(&n); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}

	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := tx.ExecContext(ctx, alter); err != nil {
		// A duplicate column still means the work is done.
		if strings.Contains(err.Error(), "duplicate column name") {
			return nil
		}
		return fmt.Errorf("alter %s: %w", table, err)
	}
	return nil
}

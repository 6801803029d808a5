// Package store persists tasks and their per-iteration checkpoints in
// SQLite. One database file backs every reprise command, so WAL mode
// and a busy timeout keep a running orchestrator and ad-hoc CLI
// invocations from tripping over each other.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/reprise/internal/models"
)

var (
	// ErrNotFound is returned when a task id has no row.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidState is returned when an operation does not apply to
	// the task's current status, such as approving a running task.
	ErrInvalidState = errors.New("task state does not allow operation")
)

// taskColumns is the canonical column list shared by every task query.
const taskColumns = `id, prompt, backend, status, iteration, max_iterations,
	require_approval, approval_tier, approval_decision, stop_requested,
	err_kind, err_message, context, created_at, started_at, last_update_at`

// Store manages the SQLite database holding tasks and checkpoints
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new Store instance and initializes the database
func NewStore(dbPath string) (*Store, error) {
	// Handle in-memory database
	if dbPath == ":memory:" {
		return openAndInitStore(dbPath)
	}

	// Ensure parent directory exists for file-based databases
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	return openAndInitStore(dbPath)
}

// openAndInitStore opens the database connection and initializes schema
func openAndInitStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Configure SQLite for concurrent access with retry logic.
	// Set busy_timeout FIRST so subsequent operations wait on locks.
	pragmas := []string{
		"PRAGMA busy_timeout=5000", // Must be first
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}

	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	store := &Store{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.ApplyMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return store, nil
}

// execWithRetry executes a SQL statement with exponential backoff retry on lock errors.
func execWithRetry(db *sql.DB, sql string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(sql)
		if err == nil {
			return nil
		}

		// Only retry on "database is locked" errors
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}

		lastErr = err
		delay := baseDelay * time.Duration(1<<attempt)
		time.Sleep(delay)
	}
	return lastErr
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DBPath returns the location of the database file.
func (s *Store) DBPath() string {
	return s.dbPath
}

// tableExists checks if a table exists in the database
func (s *Store) tableExists(tableName string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
	err := s.db.QueryRow(query, tableName).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check table existence: %w", err)
	}
	return count > 0, nil
}

// CreateTask inserts a new task row. The task is validated first;
// zero timestamps are stamped with the current time.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("validate task: %w", err)
	}

	contextJSON, err := marshalContext(task.Context)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.LastUpdateAt.IsZero() {
		task.LastUpdateAt = task.CreatedAt
	}
	if task.ApprovalTier == "" {
		task.ApprovalTier = models.TierLow
	}

	query := `INSERT INTO tasks
		(id, prompt, backend, status, iteration, max_iterations,
		 require_approval, approval_tier, approval_decision, stop_requested,
		 err_kind, err_message, context, created_at, started_at, last_update_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.Prompt,
		task.Backend,
		string(task.Status),
		task.Iteration,
		task.MaxIterations,
		task.RequireApproval,
		string(task.ApprovalTier),
		string(task.ApprovalDecision),
		task.StopRequested,
		string(task.ErrKind),
		task.ErrMessage,
		contextJSON,
		task.CreatedAt,
		nullableTime(task.StartedAt),
		task.LastUpdateAt,
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}

	return nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return task, nil
}

// ListTasks retrieves all tasks in submission order.
func (s *Store) ListTasks(ctx context.Context) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at ASC, id ASC`
	return s.queryTasks(ctx, query)
}

// ListTasksByStatus retrieves all tasks with the given status in
// submission order.
func (s *Store) ListTasksByStatus(ctx context.Context, status models.Status) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC`
	return s.queryTasks(ctx, query, string(status))
}

// LoadIncompleteTasks retrieves every task a resumed run should pick
// back up: queued, running, and awaiting approval.
func (s *Store) LoadIncompleteTasks(ctx context.Context) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status IN (?, ?, ?)
		ORDER BY created_at ASC, id ASC`
	return s.queryTasks(ctx, query,
		string(models.StatusQueued),
		string(models.StatusRunning),
		string(models.StatusAwaitingApproval),
	)
}

// MarkRunning transitions a task to running and writes its admission
// checkpoint at iteration 0, in one transaction. Re-marking an already
// running task (a crash resume) keeps the original start time.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	status, err := taskStatusTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return fmt.Errorf("task %s is %s: %w", id, status, ErrInvalidState)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = COALESCE(started_at, ?), last_update_at = ? WHERE id = ?`,
		string(models.StatusRunning), now, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark task %s running: %w", id, err)
	}

	// Admission checkpoint so a resumed run always has a floor to
	// restart from, even if the task crashed before iteration 1.
	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO checkpoints (task_id, iteration, snapshot, created_at) VALUES (?, 0, '', ?)`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("insert admission checkpoint for task %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark running: %w", err)
	}
	return nil
}

// SaveCheckpoint persists one finished iteration: the task row and its
// checkpoint land in a single transaction, so the loop never advances
// past state it could not record. Control fields written by other
// commands (stop_requested, approval_decision) are left untouched.
func (s *Store) SaveCheckpoint(ctx context.Context, task *models.Task, snapshot string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, iteration = ?, err_kind = ?, err_message = ?, last_update_at = ? WHERE id = ?`,
		string(task.Status),
		task.Iteration,
		string(task.ErrKind),
		task.ErrMessage,
		now,
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (task_id, iteration, snapshot, created_at) VALUES (?, ?, ?, ?)`,
		task.ID, task.Iteration, snapshot, now,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint %s/%d: %w", task.ID, task.Iteration, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}

	task.LastUpdateAt = now
	return nil
}

// UpdateStatus transitions a task without recording an iteration. Used
// for transitions that happen between invocations: suspension at the
// approval gate, stop requests honored at a boundary, budget exhaustion.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.Status, errKind models.ErrorKind, errMessage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, err_kind = ?, err_message = ?, last_update_at = ? WHERE id = ?`,
		string(status), string(errKind), errMessage, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update task %s status: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// RequestStop raises the cooperative stop flag. The loop engine honors
// it at the next iteration boundary.
func (s *Store) RequestStop(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	status, err := taskStatusTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return fmt.Errorf("task %s is %s: %w", id, status, ErrInvalidState)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET stop_requested = 1, last_update_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("request stop for task %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stop request: %w", err)
	}
	return nil
}

// RecordApprovalDecision stores a human decision for a suspended task.
// Only tasks awaiting approval accept a decision.
func (s *Store) RecordApprovalDecision(ctx context.Context, id string, decision models.ApprovalDecision) error {
	if decision != models.ApprovalGranted && decision != models.ApprovalRejected {
		return fmt.Errorf("invalid approval decision %q", decision)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	status, err := taskStatusTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if status != models.StatusAwaitingApproval {
		return fmt.Errorf("task %s is %s, not awaiting approval: %w", id, status, ErrInvalidState)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET approval_decision = ?, last_update_at = ? WHERE id = ?`,
		string(decision), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("record approval decision for task %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit approval decision: %w", err)
	}
	return nil
}

// LatestCheckpoint retrieves the newest checkpoint for a task.
func (s *Store) LatestCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	query := `SELECT task_id, iteration, snapshot, created_at FROM checkpoints
		WHERE task_id = ? ORDER BY iteration DESC LIMIT 1`

	cp := &models.Checkpoint{}
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(&cp.TaskID, &cp.Iteration, &cp.Snapshot, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("checkpoints for task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("query latest checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints retrieves all checkpoints for a task in iteration order.
func (s *Store) ListCheckpoints(ctx context.Context, taskID string) ([]*models.Checkpoint, error) {
	query := `SELECT task_id, iteration, snapshot, created_at FROM checkpoints
		WHERE task_id = ? ORDER BY iteration ASC`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*models.Checkpoint
	for rows.Next() {
		cp := &models.Checkpoint{}
		if err := rows.Scan(&cp.TaskID, &cp.Iteration, &cp.Snapshot, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoint rows: %w", err)
	}

	return checkpoints, nil
}

// Stats aggregates task counts and iteration totals across the store.
func (s *Store) Stats(ctx context.Context) (*models.Stats, error) {
	query := `SELECT
		COUNT(*),
		COUNT(CASE WHEN status = 'queued' THEN 1 END),
		COUNT(CASE WHEN status = 'running' THEN 1 END),
		COUNT(CASE WHEN status = 'awaiting_approval' THEN 1 END),
		COUNT(CASE WHEN status = 'completed' THEN 1 END),
		COUNT(CASE WHEN status = 'failed' THEN 1 END),
		COUNT(CASE WHEN status = 'stopped' THEN 1 END),
		COALESCE(SUM(iteration), 0)
		FROM tasks`

	stats := &models.Stats{}
	err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalTasks,
		&stats.Queued,
		&stats.Running,
		&stats.AwaitingApproval,
		&stats.Completed,
		&stats.Failed,
		&stats.Stopped,
		&stats.TotalIterations,
	)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}

	if stats.TotalTasks > 0 {
		stats.AverageIterations = float64(stats.TotalIterations) / float64(stats.TotalTasks)
	}

	return stats, nil
}

// queryTasks runs a SELECT over taskColumns and scans all rows.
func (s *Store) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}

	return tasks, nil
}

// taskStatusTx reads a task's status inside a transaction, mapping a
// missing row to ErrNotFound.
func taskStatusTx(ctx context.Context, tx *sql.Tx, id string) (models.Status, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("query task status: %w", err)
	}
	return models.Status(status), nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTask scans one task row in taskColumns order.
func scanTask(row scanner) (*models.Task, error) {
	task := &models.Task{}
	var status, tier, decision, errKind, contextJSON string
	var startedAt sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.Prompt,
		&task.Backend,
		&status,
		&task.Iteration,
		&task.MaxIterations,
		&task.RequireApproval,
		&tier,
		&decision,
		&task.StopRequested,
		&errKind,
		&task.ErrMessage,
		&contextJSON,
		&task.CreatedAt,
		&startedAt,
		&task.LastUpdateAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task row: %w", err)
	}

	task.Status = models.Status(status)
	task.ApprovalTier = models.ApprovalTier(tier)
	task.ApprovalDecision = models.ApprovalDecision(decision)
	task.ErrKind = models.ErrorKind(errKind)
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if contextJSON != "" && contextJSON != "{}" {
		if err := json.Unmarshal([]byte(contextJSON), &task.Context); err != nil {
			return nil, fmt.Errorf("unmarshal task context: %w", err)
		}
	}

	return task, nil
}

// marshalContext serializes the task context map, defaulting to an
// empty JSON object.
func marshalContext(contextMap map[string]string) (string, error) {
	if len(contextMap) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(contextMap)
	if err != nil {
		return "", fmt.Errorf("marshal task context: %w", err)
	}
	return string(data), nil
}

// nullableTime converts an optional timestamp for binding.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

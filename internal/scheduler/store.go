package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	commonsqlite "github.com/superagent/superagent/internal/common/sqlite"
)

// Task statuses. "executing" is a transient claim state used to keep
// overlapping ticks from double-firing; tasks never rest in it.
const (
	StatusPending   = "pending"
	StatusExecuting = "executing"
	StatusExecuted  = "executed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Task is one scheduled task row.
type Task struct {
	ID                 string
	AgentSlug          string
	ScheduleType       string // "at" or "cron"
	ScheduleExpression string
	Prompt             string
	Name               string
	Status             string
	NextExecutionAt    time.Time
	LastExecutedAt     *time.Time
	IsRecurring        bool
	ExecutionCount     int
	LastSessionID      string
	CreatedBySessionID string
	CreatedAt          time.Time
	CancelledAt        *time.Time
}

// Store defines scheduled task persistence.
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	ListByAgent(ctx context.Context, agentSlug string) ([]*Task, error)
	ListPendingByAgent(ctx context.Context, agentSlug string) ([]*Task, error)
	GetDue(ctx context.Context, now time.Time) ([]*Task, error)
	Claim(ctx context.Context, id string) (bool, error)
	Cancel(ctx context.Context, id string) error
	MarkExecuted(ctx context.Context, id string, executedAt time.Time, sessionID string) error
	UpdateNextExecution(ctx context.Context, id string, next, executedAt time.Time, sessionID string) error
	MarkFailed(ctx context.Context, id string) error
	Reset(ctx context.Context, id string, next time.Time) error
	Delete(ctx context.Context, id string) error
}

// SQLiteStore is the SQLite implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates the store and its schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize scheduled task schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		agent_slug TEXT NOT NULL,
		schedule_type TEXT NOT NULL,
		schedule_expression TEXT NOT NULL,
		prompt TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		next_execution_at TIMESTAMP NOT NULL,
		last_executed_at TIMESTAMP,
		is_recurring INTEGER NOT NULL DEFAULT 0,
		execution_count INTEGER NOT NULL DEFAULT 0,
		created_by_session_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		cancelled_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_agent ON scheduled_tasks(agent_slug);
	CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(status, next_execution_at);
	`)
	if err != nil {
		return err
	}
	// last_session_id postdates the first schema; migrate older databases
	// in place.
	return commonsqlite.EnsureColumn(s.db, "scheduled_tasks", "last_session_id", "TEXT NOT NULL DEFAULT ''")
}

const taskColumns = `id, agent_slug, schedule_type, schedule_expression, prompt, name, status,
	next_execution_at, last_executed_at, is_recurring, execution_count,
	last_session_id, created_by_session_id, created_at, cancelled_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	task := &Task{}
	var lastExecutedAt, cancelledAt sql.NullTime
	err := row.Scan(&task.ID, &task.AgentSlug, &task.ScheduleType, &task.ScheduleExpression,
		&task.Prompt, &task.Name, &task.Status, &task.NextExecutionAt, &lastExecutedAt,
		&task.IsRecurring, &task.ExecutionCount, &task.LastSessionID,
		&task.CreatedBySessionID, &task.CreatedAt, &cancelledAt)
	if err != nil {
		return nil, err
	}
	if lastExecutedAt.Valid {
		task.LastExecutedAt = &lastExecutedAt.Time
	}
	if cancelledAt.Valid {
		task.CancelledAt = &cancelledAt.Time
	}
	return task, nil
}

// Create inserts a new task. The caller has already computed
// NextExecutionAt; IsRecurring is derived from the schedule type.
func (s *SQLiteStore) Create(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.IsRecurring = task.ScheduleType == ScheduleTypeCron

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, agent_slug, schedule_type, schedule_expression, prompt, name, status,
			next_execution_at, is_recurring, execution_count, last_session_id, created_by_session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.AgentSlug, task.ScheduleType, task.ScheduleExpression, task.Prompt, task.Name,
		task.Status, task.NextExecutionAt, commonsqlite.BoolToInt(task.IsRecurring), task.ExecutionCount,
		task.LastSessionID, task.CreatedBySessionID, task.CreatedAt)
	return err
}

// Get retrieves one task.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scheduled task not found: %s", id)
	}
	return task, err
}

// ListByAgent returns all of an agent's tasks, soonest first.
func (s *SQLiteStore) ListByAgent(ctx context.Context, agentSlug string) ([]*Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE agent_slug = ? ORDER BY next_execution_at`,
		agentSlug)
}

// ListPendingByAgent returns an agent's pending tasks, soonest first.
func (s *SQLiteStore) ListPendingByAgent(ctx context.Context, agentSlug string) ([]*Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE agent_slug = ? AND status = ? ORDER BY next_execution_at`,
		agentSlug, StatusPending)
}

// GetDue returns pending tasks whose next execution time has passed.
func (s *SQLiteStore) GetDue(ctx context.Context, now time.Time) ([]*Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE status = ? AND next_execution_at <= ? ORDER BY next_execution_at`,
		StatusPending, now)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Claim atomically moves a pending task to executing. Returns false when
// another tick already claimed it.
func (s *SQLiteStore) Claim(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = ? WHERE id = ? AND status = ?`,
		StatusExecuting, id, StatusPending)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Cancel marks a task cancelled.
func (s *SQLiteStore) Cancel(ctx context.Context, id string) error {
	return s.update(ctx,
		`UPDATE scheduled_tasks SET status = ?, cancelled_at = ? WHERE id = ?`,
		StatusCancelled, time.Now().UTC(), id)
}

// MarkExecuted finalizes a one-shot task after its fire.
func (s *SQLiteStore) MarkExecuted(ctx context.Context, id string, executedAt time.Time, sessionID string) error {
	return s.update(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, last_executed_at = ?, last_session_id = ?, execution_count = execution_count + 1
		WHERE id = ?`,
		StatusExecuted, executedAt, sessionID, id)
}

// UpdateNextExecution re-arms a recurring task after a fire: increments
// the execution count, records the fire, and returns it to pending.
func (s *SQLiteStore) UpdateNextExecution(ctx context.Context, id string, next, executedAt time.Time, sessionID string) error {
	return s.update(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, next_execution_at = ?, last_executed_at = ?, last_session_id = ?, execution_count = execution_count + 1
		WHERE id = ?`,
		StatusPending, next, executedAt, sessionID, id)
}

// MarkFailed records a fire failure.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id string) error {
	return s.update(ctx,
		`UPDATE scheduled_tasks SET status = ? WHERE id = ?`,
		StatusFailed, id)
}

// Reset returns a failed or cancelled task to pending with a freshly
// computed next execution time.
func (s *SQLiteStore) Reset(ctx context.Context, id string, next time.Time) error {
	return s.update(ctx,
		`UPDATE scheduled_tasks SET status = ?, next_execution_at = ?, cancelled_at = NULL WHERE id = ?`,
		StatusPending, next, id)
}

// Delete removes a task.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	return s.update(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
}

func (s *SQLiteStore) update(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("scheduled task not found")
	}
	return nil
}

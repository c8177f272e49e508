package schedule

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrTaskNotFound is returned when a lookup by id or name matches no row.
var ErrTaskNotFound = errors.New("schedule: task not found")

// ErrDuplicateTaskName is returned by GetTaskByName when more than one
// task shares the given name — task names are expected unique but the
// schema does not enforce it at the column level, so callers that rely
// on name-based lookup must handle this explicitly.
var ErrDuplicateTaskName = errors.New("schedule: multiple tasks found with the same name")

// Store persists Tasks and their Executions in SQLite.
//
// Grounded on the teacher's internal/scheduler/store.go: same
// database/sql + mattn/go-sqlite3 pairing, same hand-written
// CREATE TABLE IF NOT EXISTS migration run at open time, same
// UUIDv7-with-v4-fallback id minting.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the SQLite database at dbPath
// and ensures its schema exists.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("schedule: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schedule: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	schedule    TEXT NOT NULL,
	target      TEXT NOT NULL,
	enabled     INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_name ON tasks(name);
CREATE INDEX IF NOT EXISTS idx_tasks_enabled ON tasks(enabled);

CREATE TABLE IF NOT EXISTS executions (
	id            TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	scheduled_at  TEXT NOT NULL,
	started_at    TEXT,
	completed_at  TEXT,
	status        TEXT NOT NULL,
	result        TEXT
);
CREATE INDEX IF NOT EXISTS idx_executions_task_id ON executions(task_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
`)
	return err
}

// NewID mints a UUIDv7 id, falling back to UUIDv4 if the v7 generator
// errors (it draws from crypto/rand and can fail only if the system
// entropy source is broken).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

type scheduleRow struct {
	Kind     ScheduleKind `json:"kind"`
	At       *time.Time   `json:"at,omitempty"`
	Every    *Duration    `json:"every,omitempty"`
	Cron     string       `json:"cron,omitempty"`
	Timezone string       `json:"timezone,omitempty"`
}

func encodeSchedule(sc Schedule) (string, error) {
	row := scheduleRow{Kind: sc.Kind, At: sc.At, Every: sc.Every, Cron: sc.Cron, Timezone: sc.Timezone}
	b, err := json.Marshal(row)
	return string(b), err
}

func decodeSchedule(s string) (Schedule, error) {
	var row scheduleRow
	if err := json.Unmarshal([]byte(s), &row); err != nil {
		return Schedule{}, err
	}
	return Schedule{Kind: row.Kind, At: row.At, Every: row.Every, Cron: row.Cron, Timezone: row.Timezone}, nil
}

// CreateTask inserts t, minting an id and timestamps if unset.
func (s *Store) CreateTask(t *Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	sched, err := encodeSchedule(t.Schedule)
	if err != nil {
		return fmt.Errorf("schedule: encode schedule: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO tasks (id, name, schedule, target, enabled, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, sched, t.Target, boolToInt(t.Enabled), t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("schedule: insert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(
		`SELECT id, name, schedule, target, enabled, created_at, updated_at FROM tasks WHERE id = ?`, id,
	)
	return scanTaskRow(row)
}

// GetTaskByName fetches the single task with the given name. If more
// than one task shares that name it returns ErrDuplicateTaskName
// rather than silently picking one — names are expected unique by
// convention but the schema doesn't enforce it, since tasks may be
// renamed concurrently with creation.
func (s *Store) GetTaskByName(name string) (*Task, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE name = ?`, name).Scan(&count); err != nil {
		return nil, fmt.Errorf("schedule: count tasks by name: %w", err)
	}
	if count == 0 {
		return nil, ErrTaskNotFound
	}
	if count > 1 {
		return nil, fmt.Errorf("%w: name=%q count=%d", ErrDuplicateTaskName, name, count)
	}

	row := s.db.QueryRow(
		`SELECT id, name, schedule, target, enabled, created_at, updated_at FROM tasks WHERE name = ? LIMIT 1`, name,
	)
	return scanTaskRow(row)
}

// ListTasks returns all tasks, optionally restricted to enabled ones.
func (s *Store) ListTasks(enabledOnly bool) ([]*Task, error) {
	query := `SELECT id, name, schedule, target, enabled, created_at, updated_at FROM tasks`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("schedule: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask persists changes to an existing task and bumps UpdatedAt.
func (s *Store) UpdateTask(t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	sched, err := encodeSchedule(t.Schedule)
	if err != nil {
		return fmt.Errorf("schedule: encode schedule: %w", err)
	}

	res, err := s.db.Exec(
		`UPDATE tasks SET name = ?, schedule = ?, target = ?, enabled = ?, updated_at = ? WHERE id = ?`,
		t.Name, sched, t.Target, boolToInt(t.Enabled), t.UpdatedAt.Format(time.RFC3339Nano), t.ID,
	)
	if err != nil {
		return fmt.Errorf("schedule: update task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes a task and its executions (cascaded by the FK).
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("schedule: delete task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func scanTask(rows *sql.Rows) (*Task, error) {
	var (
		t          Task
		sched      string
		enabledInt int
		createdAt  string
		updatedAt  string
	)
	if err := rows.Scan(&t.ID, &t.Name, &sched, &t.Target, &enabledInt, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("schedule: scan task: %w", err)
	}
	return finishTask(&t, sched, enabledInt, createdAt, updatedAt)
}

func scanTaskRow(row *sql.Row) (*Task, error) {
	var (
		t          Task
		sched      string
		enabledInt int
		createdAt  string
		updatedAt  string
	)
	if err := row.Scan(&t.ID, &t.Name, &sched, &t.Target, &enabledInt, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("schedule: scan task: %w", err)
	}
	return finishTask(&t, sched, enabledInt, createdAt, updatedAt)
}

func finishTask(t *Task, sched string, enabledInt int, createdAt, updatedAt string) (*Task, error) {
	s, err := decodeSchedule(sched)
	if err != nil {
		return nil, fmt.Errorf("schedule: decode schedule: %w", err)
	}
	t.Schedule = s
	t.Enabled = enabledInt != 0

	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("schedule: parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("schedule: parse updated_at: %w", err)
	}
	return t, nil
}

// CreateExecution inserts e, minting an id if unset.
func (s *Store) CreateExecution(e *Execution) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	_, err := s.db.Exec(
		`INSERT INTO executions (id, task_id, scheduled_at, started_at, completed_at, status, result) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.ScheduledAt.Format(time.RFC3339Nano), nullableTime(e.StartedAt), nullableTime(e.CompletedAt), string(e.Status), e.Result,
	)
	if err != nil {
		return fmt.Errorf("schedule: insert execution: %w", err)
	}
	return nil
}

// UpdateExecution persists changes to an existing execution.
func (s *Store) UpdateExecution(e *Execution) error {
	res, err := s.db.Exec(
		`UPDATE executions SET started_at = ?, completed_at = ?, status = ?, result = ? WHERE id = ?`,
		nullableTime(e.StartedAt), nullableTime(e.CompletedAt), string(e.Status), e.Result, e.ID,
	)
	if err != nil {
		return fmt.Errorf("schedule: update execution: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("schedule: execution %s: %w", e.ID, ErrTaskNotFound)
	}
	return nil
}

// ListExecutions returns executions for a task, most recent first.
func (s *Store) ListExecutions(taskID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, task_id, scheduled_at, started_at, completed_at, status, result FROM executions WHERE task_id = ? ORDER BY scheduled_at DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("schedule: list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(rows *sql.Rows) (*Execution, error) {
	var (
		e                      Execution
		scheduledAt            string
		startedAt, completedAt sql.NullString
		status                 string
		result                 sql.NullString
	)
	if err := rows.Scan(&e.ID, &e.TaskID, &scheduledAt, &startedAt, &completedAt, &status, &result); err != nil {
		return nil, fmt.Errorf("schedule: scan execution: %w", err)
	}

	var err error
	if e.ScheduledAt, err = time.Parse(time.RFC3339Nano, scheduledAt); err != nil {
		return nil, fmt.Errorf("schedule: parse scheduled_at: %w", err)
	}
	if startedAt.Valid {
		tm, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("schedule: parse started_at: %w", err)
		}
		e.StartedAt = &tm
	}
	if completedAt.Valid {
		tm, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("schedule: parse completed_at: %w", err)
		}
		e.CompletedAt = &tm
	}
	e.Status = ExecutionStatus(status)
	e.Result = result.String
	return &e, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

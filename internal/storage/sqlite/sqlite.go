package sqlite

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
	"github.com/steveyegge/analyzerd/internal/tasks"
)

// SQLiteStorage implements the task-state sink using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// New creates a new SQLite storage backend
func New(path string) (*SQLiteStorage, error) {
	dsn := path + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000"
	memory := path == ":memory:"
	if memory {
		dsn = ":memory:?_foreign_keys=ON"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// Every new connection to :memory: is a separate empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// TaskFilter selects tasks for ListTasks.
type TaskFilter struct {
	Statuses     []tasks.Status
	ServiceClass string
	Limit        int
}

// CreateTask records a newly submitted task.
func (s *SQLiteStorage) CreateTask(ctx context.Context, info tasks.Info) error {
	toolsJSON, err := json.Marshal(info.Tools)
	if err != nil {
		return fmt.Errorf("failed to marshal tools: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, service_class, model, app, tools, task_kind, priority,
			status, endpoint, shared_from, attempts, stuck_retries,
			error, result, submitted_at, started_at, finished_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		info.ID, info.ServiceClass, info.Target.Model, info.Target.App, string(toolsJSON),
		info.TaskKind, info.Priority, string(info.Status), info.Endpoint, info.SharedFrom,
		info.Attempts, info.StuckRetries, info.Error, nullResult(info.Result),
		info.SubmittedAt, nullTime(info.StartedAt), nullTime(info.FinishedAt), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", info.ID, err)
	}
	return nil
}

// UpdateTaskStatus records a status transition together with the endpoint,
// error and result that came with it.
func (s *SQLiteStorage) UpdateTaskStatus(ctx context.Context, info tasks.Info) error {
	if !info.Status.IsValid() {
		return fmt.Errorf("invalid status %q for task %s", info.Status, info.ID)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?, endpoint = ?, shared_from = ?, attempts = ?, stuck_retries = ?,
			error = ?, result = ?, started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ?
	`,
		string(info.Status), info.Endpoint, info.SharedFrom, info.Attempts, info.StuckRetries,
		info.Error, nullResult(info.Result), nullTime(info.StartedAt), nullTime(info.FinishedAt),
		time.Now(), info.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", info.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, info.ID)
	}
	return nil
}

const taskColumns = `
	id, service_class, model, app, tools, task_kind, priority, status,
	endpoint, shared_from, attempts, stuck_retries, error, result,
	submitted_at, started_at, finished_at
`

// GetTask retrieves a task by ID
func (s *SQLiteStorage) GetTask(ctx context.Context, id string) (*tasks.Info, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	info, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return info, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *SQLiteStorage) ListTasks(ctx context.Context, filter TaskFilter) ([]*tasks.Info, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE 1=1"
	args := []interface{}{}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if filter.ServiceClass != "" {
		query += " AND service_class = ?"
		args = append(args, filter.ServiceClass)
	}

	query += " ORDER BY submitted_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*tasks.Info
	for rows.Next() {
		info, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		result = append(result, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*tasks.Info, error) {
	var info tasks.Info
	var status, toolsJSON string
	var result sql.NullString
	var started, finished sql.NullTime

	err := row.Scan(
		&info.ID, &info.ServiceClass, &info.Target.Model, &info.Target.App, &toolsJSON,
		&info.TaskKind, &info.Priority, &status, &info.Endpoint, &info.SharedFrom,
		&info.Attempts, &info.StuckRetries, &info.Error, &result,
		&info.SubmittedAt, &started, &finished,
	)
	if err != nil {
		return nil, err
	}

	info.Status = tasks.Status(status)
	if err := json.Unmarshal([]byte(toolsJSON), &info.Tools); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tools: %w", err)
	}
	if result.Valid {
		info.Result = json.RawMessage(result.String)
	}
	if started.Valid {
		info.StartedAt = started.Time
	}
	if finished.Valid {
		info.FinishedAt = finished.Time
	}
	return &info, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullResult(r json.RawMessage) sql.NullString {
	return sql.NullString{String: string(r), Valid: len(r) > 0}
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/steveyegge/analyzerd/internal/events"
)

const eventColumns = `
	id, type, timestamp, task_id, service_class, endpoint, severity, message, data
`

// StoreTaskEvent stores a new task event in the database
func (s *SQLiteStorage) StoreTaskEvent(ctx context.Context, event *events.TaskEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Type,
		event.Timestamp,
		event.TaskID,
		event.ServiceClass,
		event.Endpoint,
		event.Severity,
		event.Message,
		string(dataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to store task event (type=%s, task=%s): %w", event.Type, event.TaskID, err)
	}
	return nil
}

// GetTaskEvents retrieves events matching the given filter, most recent
// first.
func (s *SQLiteStorage) GetTaskEvents(ctx context.Context, filter events.EventFilter) ([]*events.TaskEvent, error) {
	query := "SELECT " + eventColumns + " FROM task_events WHERE 1=1"
	args := []interface{}{}

	if filter.TaskID != "" {
		query += " AND task_id = ?"
		args = append(args, filter.TaskID)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, filter.Severity)
	}
	if !filter.AfterTime.IsZero() {
		query += " AND timestamp > ?"
		args = append(args, filter.AfterTime)
	}
	if !filter.BeforeTime.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, filter.BeforeTime)
	}

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// GetTaskEventsByTask retrieves a task's events in the order they happened.
func (s *SQLiteStorage) GetTaskEventsByTask(ctx context.Context, taskID string) ([]*events.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM task_events WHERE task_id = ? ORDER BY timestamp ASC", taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task events by task: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*events.TaskEvent, error) {
	var result []*events.TaskEvent

	for rows.Next() {
		var event events.TaskEvent
		var dataJSON string

		err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.Timestamp,
			&event.TaskID,
			&event.ServiceClass,
			&event.Endpoint,
			&event.Severity,
			&event.Message,
			&dataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}

		event.Data = make(map[string]interface{})
		if dataJSON != "" && dataJSON != "{}" && dataJSON != "null" {
			if err := json.Unmarshal([]byte(dataJSON), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}

		result = append(result, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task event rows: %w", err)
	}
	return result, nil
}

package sqlite

import (
	"context"
	"fmt"
	"time"
)

// EventCounts holds event count statistics for monitoring
type EventCounts struct {
	TotalEvents      int            `json:"total_events"`
	EventsByTask     map[string]int `json:"events_by_task"`
	EventsBySeverity map[string]int `json:"events_by_severity"`
	EventsByType     map[string]int `json:"events_by_type"`
}

// CleanupEventsByAge deletes events older than the retention period.
// Regular events (info, warning) use retention, error and critical events
// use criticalRetention. Deletions run in batches of batchSize rows.
func (s *SQLiteStorage) CleanupEventsByAge(ctx context.Context, retention, criticalRetention time.Duration, batchSize int) (int, error) {
	if retention < 0 || criticalRetention < 0 {
		return 0, fmt.Errorf("retention cannot be negative")
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	now := time.Now()
	deleted, err := s.deleteInBatches(ctx, batchSize, -1, `
		DELETE FROM task_events WHERE id IN (
			SELECT id FROM task_events
			WHERE timestamp < ? AND severity IN ('info', 'warning')
			ORDER BY timestamp ASC LIMIT ?
		)`, now.Add(-retention))
	if err != nil {
		return deleted, fmt.Errorf("failed to delete old regular events: %w", err)
	}

	critical, err := s.deleteInBatches(ctx, batchSize, -1, `
		DELETE FROM task_events WHERE id IN (
			SELECT id FROM task_events
			WHERE timestamp < ? AND severity IN ('error', 'critical')
			ORDER BY timestamp ASC LIMIT ?
		)`, now.Add(-criticalRetention))
	deleted += critical
	if err != nil {
		return deleted, fmt.Errorf("failed to delete old critical events: %w", err)
	}
	return deleted, nil
}

// CleanupEventsByTaskLimit keeps at most perTaskLimit events per task by
// deleting the oldest non-critical ones. 0 means unlimited.
func (s *SQLiteStorage) CleanupEventsByTaskLimit(ctx context.Context, perTaskLimit, batchSize int) (int, error) {
	if perTaskLimit < 0 {
		return 0, fmt.Errorf("per-task limit cannot be negative")
	}
	if perTaskLimit == 0 {
		return 0, nil
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, COUNT(*) AS event_count
		FROM task_events
		WHERE task_id != ''
		GROUP BY task_id
		HAVING event_count > ?
	`, perTaskLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to query task event counts: %w", err)
	}
	excess := map[string]int{}
	for rows.Next() {
		var taskID string
		var count int
		if err := rows.Scan(&taskID, &count); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan task count: %w", err)
		}
		excess[taskID] = count - perTaskLimit
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("error iterating task counts: %w", err)
	}
	_ = rows.Close()

	total := 0
	for taskID, n := range excess {
		deleted, err := s.deleteInBatches(ctx, batchSize, n, `
			DELETE FROM task_events WHERE id IN (
				SELECT id FROM task_events
				WHERE task_id = ? AND severity NOT IN ('error', 'critical')
				ORDER BY timestamp ASC LIMIT ?
			)`, taskID)
		total += deleted
		if err != nil {
			return total, fmt.Errorf("failed to delete events for task %s: %w", taskID, err)
		}
	}
	return total, nil
}

// CleanupEventsByGlobalLimit deletes the oldest non-critical events until at
// most globalLimit remain.
func (s *SQLiteStorage) CleanupEventsByGlobalLimit(ctx context.Context, globalLimit, batchSize int) (int, error) {
	if globalLimit < 1 {
		return 0, fmt.Errorf("global limit must be at least 1")
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_events").Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to get event count: %w", err)
	}
	if current <= globalLimit {
		return 0, nil
	}

	return s.deleteInBatches(ctx, batchSize, current-globalLimit, `
		DELETE FROM task_events WHERE id IN (
			SELECT id FROM task_events
			WHERE severity NOT IN ('error', 'critical')
			ORDER BY timestamp ASC LIMIT ?
		)`)
}

// deleteInBatches runs query repeatedly with args plus a LIMIT argument
// until it deletes fewer rows than asked, or max rows are gone (max < 0
// means no cap).
func (s *SQLiteStorage) deleteInBatches(ctx context.Context, batchSize, max int, query string, args ...interface{}) (int, error) {
	total := 0
	for max < 0 || total < max {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		limit := batchSize
		if max >= 0 && max-total < limit {
			limit = max - total
		}

		result, err := s.db.ExecContext(ctx, query, append(append([]interface{}{}, args...), limit)...)
		if err != nil {
			return total, fmt.Errorf("failed to execute delete: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += int(n)
		if n < int64(limit) {
			break
		}
	}
	return total, nil
}

// GetEventCounts returns detailed event count statistics for monitoring
func (s *SQLiteStorage) GetEventCounts(ctx context.Context) (*EventCounts, error) {
	counts := &EventCounts{}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_events").Scan(&counts.TotalEvents); err != nil {
		return nil, fmt.Errorf("failed to get total event count: %w", err)
	}

	var err error
	if counts.EventsByTask, err = s.countBy(ctx, "task_id"); err != nil {
		return nil, err
	}
	if counts.EventsBySeverity, err = s.countBy(ctx, "severity"); err != nil {
		return nil, err
	}
	if counts.EventsByType, err = s.countBy(ctx, "type"); err != nil {
		return nil, err
	}
	return counts, nil
}

// countBy groups task_events by a fixed column name.
func (s *SQLiteStorage) countBy(ctx context.Context, column string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s, COUNT(*) FROM task_events GROUP BY %s", column, column))
	if err != nil {
		return nil, fmt.Errorf("failed to query events by %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		out[key] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s counts: %w", column, err)
	}
	return out, nil
}

// VacuumDatabase runs the VACUUM command to reclaim disk space
// This can be slow and locks the database, so it should be run during maintenance windows
func (s *SQLiteStorage) VacuumDatabase(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}

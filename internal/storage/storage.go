// Package storage defines the persisted task-state sink and the event log.
package storage

import (
	"context"
	"time"

	"github.com/steveyegge/analyzerd/internal/events"
	"github.com/steveyegge/analyzerd/internal/storage/sqlite"
	"github.com/steveyegge/analyzerd/internal/tasks"
)

// Storage defines the interface for task-state storage backends
type Storage interface {
	// Task state: one row per task, updated on every transition
	CreateTask(ctx context.Context, info tasks.Info) error
	UpdateTaskStatus(ctx context.Context, info tasks.Info) error
	GetTask(ctx context.Context, id string) (*tasks.Info, error)
	ListTasks(ctx context.Context, filter sqlite.TaskFilter) ([]*tasks.Info, error)

	// Task events
	StoreTaskEvent(ctx context.Context, event *events.TaskEvent) error
	GetTaskEvents(ctx context.Context, filter events.EventFilter) ([]*events.TaskEvent, error)
	GetTaskEventsByTask(ctx context.Context, taskID string) ([]*events.TaskEvent, error)

	// Event cleanup
	CleanupEventsByAge(ctx context.Context, retention, criticalRetention time.Duration, batchSize int) (int, error)
	CleanupEventsByTaskLimit(ctx context.Context, perTaskLimit, batchSize int) (int, error)
	CleanupEventsByGlobalLimit(ctx context.Context, globalLimit, batchSize int) (int, error)
	GetEventCounts(ctx context.Context) (*sqlite.EventCounts, error)
	VacuumDatabase(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path
	// Default: ".analyzerd/analyzerd.db"
	// Special value ":memory:" creates an in-memory database (useful for tests)
	Path string `yaml:"path"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Path: ".analyzerd/analyzerd.db",
	}
}

// NewStorage creates a new SQLite storage backend
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	return sqlite.New(cfg.Path)
}

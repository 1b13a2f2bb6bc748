package sqlite

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/analyzerd/internal/protocol"
	"github.com/steveyegge/analyzerd/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB creates a storage backend on a temp file that is removed
// when the test ends.
func setupTestDB(t *testing.T) *SQLiteStorage {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "analyzerd-test-*.db")
	require.NoError(t, err)
	path := tmpfile.Name()
	_ = tmpfile.Close()

	store, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
		_ = os.Remove(path)
		_ = os.Remove(path + "-wal")
		_ = os.Remove(path + "-shm")
	})
	return store
}

func sampleInfo(id string, submitted time.Time) tasks.Info {
	return tasks.Info{
		ID:           id,
		ServiceClass: "static",
		Target:       protocol.Target{Model: "gpt", App: "app1"},
		Tools:        []string{"bandit", "pylint"},
		TaskKind:     "security",
		Priority:     2,
		Status:       tasks.StatusPending,
		SubmittedAt:  submitted,
	}
}

func TestNewCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "nested", "analyzerd.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	_, err = os.Stat(filepath.Join(dir, "nested"))
	assert.NoError(t, err)
}

func TestInMemoryDatabase(t *testing.T) {
	store, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, sampleInfo("t1", time.Now())))
	_, err = store.GetTask(ctx, "t1")
	assert.NoError(t, err)
}

func TestTaskLifecycle(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	submitted := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	info := sampleInfo("task-1", submitted)
	require.NoError(t, store.CreateTask(ctx, info))

	got, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusPending, got.Status)
	assert.Equal(t, []string{"bandit", "pylint"}, got.Tools)
	assert.Equal(t, "app1", got.Target.App)
	assert.True(t, got.SubmittedAt.Equal(submitted))
	assert.True(t, got.StartedAt.IsZero())
	assert.Nil(t, got.Result)

	info.Status = tasks.StatusRunning
	info.Endpoint = "ws://worker-1:9000"
	info.Attempts = 1
	info.StartedAt = submitted.Add(time.Second)
	require.NoError(t, store.UpdateTaskStatus(ctx, info))

	info.Status = tasks.StatusCompleted
	info.Result = json.RawMessage(`{"issues":3}`)
	info.FinishedAt = submitted.Add(time.Minute)
	require.NoError(t, store.UpdateTaskStatus(ctx, info))

	got, err = store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, got.Status)
	assert.Equal(t, "ws://worker-1:9000", got.Endpoint)
	assert.Equal(t, 1, got.Attempts)
	assert.JSONEq(t, `{"issues":3}`, string(got.Result))
	assert.True(t, got.FinishedAt.Equal(submitted.Add(time.Minute)))
}

func TestCreateTaskDuplicateID(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTask(ctx, sampleInfo("dup", time.Now())))
	assert.Error(t, store.CreateTask(ctx, sampleInfo("dup", time.Now())))
}

func TestUpdateTaskStatusErrors(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	missing := sampleInfo("missing", time.Now())
	missing.Status = tasks.StatusFailed
	assert.ErrorIs(t, store.UpdateTaskStatus(ctx, missing), tasks.ErrTaskNotFound)

	require.NoError(t, store.CreateTask(ctx, sampleInfo("t1", time.Now())))
	bad := sampleInfo("t1", time.Now())
	bad.Status = "exploded"
	assert.Error(t, store.UpdateTaskStatus(ctx, bad))
}

func TestGetTaskNotFound(t *testing.T) {
	store := setupTestDB(t)
	_, err := store.GetTask(context.Background(), "nope")
	assert.ErrorIs(t, err, tasks.ErrTaskNotFound)
}

func TestListTasks(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, st := range []tasks.Status{tasks.StatusPending, tasks.StatusFailed, tasks.StatusCompleted, tasks.StatusFailed} {
		info := sampleInfo(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
		if i == 3 {
			info.ServiceClass = "dynamic"
		}
		require.NoError(t, store.CreateTask(ctx, info))
		if st != tasks.StatusPending {
			info.Status = st
			require.NoError(t, store.UpdateTaskStatus(ctx, info))
		}
	}

	all, err := store.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "d", all[0].ID, "newest first")

	failed, err := store.ListTasks(ctx, TaskFilter{Statuses: []tasks.Status{tasks.StatusFailed}})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	staticFailed, err := store.ListTasks(ctx, TaskFilter{Statuses: []tasks.Status{tasks.StatusFailed}, ServiceClass: "static"})
	require.NoError(t, err)
	require.Len(t, staticFailed, 1)
	assert.Equal(t, "b", staticFailed[0].ID)

	limited, err := store.ListTasks(ctx, TaskFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

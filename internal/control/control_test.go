package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/analyzerd/internal/config"
	"github.com/steveyegge/analyzerd/internal/orchestrator"
	"github.com/steveyegge/analyzerd/internal/protocol"
	"github.com/steveyegge/analyzerd/internal/storage"
	"github.com/steveyegge/analyzerd/internal/tasks"
	"github.com/steveyegge/analyzerd/internal/telemetry"
	"github.com/steveyegge/analyzerd/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// socketPath returns a short path; Unix socket paths are length-limited.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ctl")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "c.sock")
}

func startServer(t *testing.T, h HandlerFunc) *Client {
	t.Helper()
	path := socketPath(t)
	srv, err := NewServer(path, h, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	return NewClient(path)
}

func startBackend(t *testing.T, handler worker.HandlerFunc) *orchestrator.Orchestrator {
	t.Helper()
	ws := worker.NewServer(handler, nil)
	ws.CloseWait = 2 * time.Second
	ts := httptest.NewServer(ws)
	t.Cleanup(ts.Close)

	store, err := storage.NewStorage(context.Background(), &storage.Config{Path: filepath.Join(t.TempDir(), "a.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultConfig()
	cfg.ServiceClasses = []config.ServiceClassConfig{{Name: "security", Endpoints: []string{ts.URL}}}
	cfg.Liveness.ProbeInterval = time.Hour
	cfg.Events.CleanupEnabled = false
	cfg.Dispatch.CancelGrace = 500 * time.Millisecond

	o, err := orchestrator.New(orchestrator.Options{Config: cfg, Store: store, MetricSink: telemetry.Discard()})
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Stop(ctx)
	})
	return o
}

func submission(app string) tasks.Submission {
	return tasks.Submission{
		ServiceClass: "security",
		Target:       protocol.Target{Model: "m", App: app},
		Tools:        []string{"bandit"},
	}
}

func TestSubmitWaitAck(t *testing.T) {
	o := startBackend(t, func(ctx context.Context, req protocol.Request, progress worker.ProgressFunc) (interface{}, error) {
		return map[string]string{"app": req.Target.App}, nil
	})
	c := startServer(t, NewHandler(o))

	info, err := c.Submit(submission("app1"))
	require.NoError(t, err)
	require.NotEmpty(t, info.ID)

	done, err := c.Wait(info.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, done.Status)
	assert.JSONEq(t, `{"app":"app1"}`, string(done.Result))

	listed, err := c.List(tasks.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, c.Acknowledge(info.ID))
	status, err := c.Status(info.ID)
	require.NoError(t, err, "acknowledged tasks are served from the store")
	assert.Equal(t, tasks.StatusCompleted, status.Status)

	evs, err := c.Events(EventQuery{TaskID: info.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, evs)

	eps, err := c.Endpoints()
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "security", eps[0].ServiceClass)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.True(t, stats.Running)
	assert.EqualValues(t, 1, stats.Dedup.Executions)
}

func TestCancelAndErrors(t *testing.T) {
	o := startBackend(t, func(ctx context.Context, req protocol.Request, progress worker.ProgressFunc) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := startServer(t, NewHandler(o))

	info, err := c.Submit(submission("app1"))
	require.NoError(t, err)

	assert.ErrorIs(t, c.Acknowledge(info.ID), tasks.ErrNotTerminal)

	_, err = c.Wait(info.ID, 100*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = c.Cancel(info.ID)
	require.NoError(t, err)
	done, err := c.Wait(info.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCancelled, done.Status)

	_, err = c.Status("missing")
	assert.ErrorIs(t, err, tasks.ErrTaskNotFound)

	_, err = c.Submit(tasks.Submission{ServiceClass: "security"})
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestUnknownCommand(t *testing.T) {
	c := startServer(t, NewHandler(nil))
	resp, err := c.SendCommand(Command{Type: "reboot"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, CodeInvalid, resp.Code)
	assert.Contains(t, resp.Error, `"reboot"`)
}

func TestMalformedCommand(t *testing.T) {
	path := socketPath(t)
	srv, err := NewServer(path, NewHandler(nil), nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	assert.False(t, resp.Success)
	assert.Equal(t, CodeInvalid, resp.Code)
}

func TestServerLifecycle(t *testing.T) {
	path := socketPath(t)
	srv, err := NewServer(path, NewHandler(nil), nil)
	require.NoError(t, err)
	assert.False(t, srv.IsRunning())

	require.NoError(t, srv.Start(context.Background()))
	assert.True(t, srv.IsRunning())
	assert.Error(t, srv.Start(context.Background()))
	assert.Equal(t, path, srv.SocketPath())

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "socket file removed")

	_, err = NewClient(path).Stats()
	assert.ErrorContains(t, err, "is it running?")
}

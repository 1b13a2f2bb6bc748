package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/steveyegge/analyzerd/internal/config"
	"github.com/steveyegge/analyzerd/internal/events"
	"github.com/steveyegge/analyzerd/internal/protocol"
	"github.com/steveyegge/analyzerd/internal/storage"
	"github.com/steveyegge/analyzerd/internal/storage/sqlite"
	"github.com/steveyegge/analyzerd/internal/tasks"
	"github.com/steveyegge/analyzerd/internal/telemetry"
	"github.com/steveyegge/analyzerd/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWorker(t *testing.T, fn worker.HandlerFunc) (*worker.Server, string) {
	t.Helper()
	srv := worker.NewServer(fn, nil)
	srv.CloseWait = 2 * time.Second
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func okHandler(ctx context.Context, req protocol.Request, progress worker.ProgressFunc) (interface{}, error) {
	if err := progress(map[string]string{"tool": req.Tools[0], "phase": "scan"}); err != nil {
		return nil, err
	}
	return map[string]interface{}{"app": req.Target.App, "issues": 1}, nil
}

func blockingHandler(ctx context.Context, req protocol.Request, progress worker.ProgressFunc) (interface{}, error) {
	_ = progress("started")
	<-ctx.Done()
	return nil, ctx.Err()
}

func testConfig(classes map[string][]string) config.Config {
	cfg := config.DefaultConfig()
	for name, addrs := range classes {
		cfg.ServiceClasses = append(cfg.ServiceClasses, config.ServiceClassConfig{
			Name:                     name,
			Endpoints:                addrs,
			MaxConcurrentConnections: 4,
		})
	}
	cfg.Liveness.ProbeInterval = time.Hour
	cfg.Tasks.SweepInterval = 50 * time.Millisecond
	cfg.Dispatch.AcquireTimeout = time.Second
	cfg.Dispatch.ConnectTimeout = 2 * time.Second
	cfg.Dispatch.CancelGrace = 500 * time.Millisecond
	cfg.Events.CleanupEnabled = false
	return cfg
}

func newStore(t *testing.T) storage.Storage {
	t.Helper()
	store, err := storage.NewStorage(context.Background(), &storage.Config{
		Path: filepath.Join(t.TempDir(), "analyzerd.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func startOrchestrator(t *testing.T, cfg config.Config, store storage.Storage) *Orchestrator {
	t.Helper()
	o, err := New(Options{Config: cfg, Store: store, MetricSink: telemetry.Discard()})
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
			t.Errorf("Stop: %v", err)
		}
	})
	return o
}

func submission(class, app string) tasks.Submission {
	return tasks.Submission{
		ServiceClass: class,
		Target:       protocol.Target{Model: "model-a", App: app},
		Tools:        []string{"bandit"},
		TaskKind:     "security",
	}
}

func waitTerminal(t *testing.T, o *Orchestrator, id string) tasks.Info {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := o.Wait(ctx, id)
	require.NoError(t, err)
	require.True(t, info.Status.IsTerminal(), "status %s", info.Status)
	return info
}

func TestSubmitPersistsLifecycle(t *testing.T) {
	_, url := startWorker(t, okHandler)
	store := newStore(t)
	o := startOrchestrator(t, testConfig(map[string][]string{"security": {url}}), store)

	submitted, err := o.Submit(submission("security", "app1"))
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusPending, submitted.Status)

	info := waitTerminal(t, o, submitted.ID)
	assert.Equal(t, tasks.StatusCompleted, info.Status)
	assert.JSONEq(t, `{"app":"app1","issues":1}`, string(info.Result))

	require.NoError(t, o.Acknowledge(submitted.ID))
	assert.Empty(t, o.Tasks())

	// Evicted from memory, answered by the store.
	persisted, err := o.Status(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, persisted.Status)
	assert.Equal(t, url, persisted.Endpoint)
	assert.JSONEq(t, `{"app":"app1","issues":1}`, string(persisted.Result))

	history, err := o.History(context.Background(), sqlite.TaskFilter{Statuses: []tasks.Status{tasks.StatusCompleted}})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, submitted.ID, history[0].ID)

	evs, err := o.Events(context.Background(), events.EventFilter{TaskID: submitted.ID})
	require.NoError(t, err)
	types := make(map[events.EventType]int)
	for _, e := range evs {
		types[e.Type]++
	}
	assert.Equal(t, 1, types[events.EventTypeTaskSubmitted])
	assert.Equal(t, 1, types[events.EventTypeTaskStarted])
	assert.Equal(t, 1, types[events.EventTypeTaskProgress])
	assert.Equal(t, 1, types[events.EventTypeTaskCompleted])
}

func TestSubmitValidation(t *testing.T) {
	_, url := startWorker(t, okHandler)
	cfg := testConfig(map[string][]string{"security": {url}})

	o, err := New(Options{Config: cfg, MetricSink: telemetry.Discard()})
	require.NoError(t, err)
	_, err = o.Submit(submission("security", "app1"))
	assert.ErrorIs(t, err, ErrNotRunning)

	o = startOrchestrator(t, cfg, nil)
	_, err = o.Submit(tasks.Submission{ServiceClass: "security"})
	assert.ErrorIs(t, err, ErrInvalidSubmission)
	assert.ErrorContains(t, err, "target.app, tools")

	assert.ErrorIs(t, o.Start(context.Background()), ErrAlreadyRunning)
}

func TestUnknownTask(t *testing.T) {
	_, url := startWorker(t, okHandler)
	o := startOrchestrator(t, testConfig(map[string][]string{"security": {url}}), newStore(t))

	_, err := o.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, tasks.ErrTaskNotFound)
	_, err = o.Cancel("missing")
	assert.ErrorIs(t, err, tasks.ErrTaskNotFound)
	assert.ErrorIs(t, o.Acknowledge("missing"), tasks.ErrTaskNotFound)
}

func TestNoStore(t *testing.T) {
	_, url := startWorker(t, okHandler)
	o := startOrchestrator(t, testConfig(map[string][]string{"security": {url}}), nil)

	_, err := o.Events(context.Background(), events.EventFilter{})
	assert.ErrorIs(t, err, ErrNoStore)
	_, err = o.History(context.Background(), sqlite.TaskFilter{})
	assert.ErrorIs(t, err, ErrNoStore)
	_, err = o.RunEventCleanup(context.Background())
	assert.ErrorIs(t, err, ErrNoStore)

	submitted, err := o.Submit(submission("security", "app1"))
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, waitTerminal(t, o, submitted.ID).Status)
}

func TestCancelRunningTask(t *testing.T) {
	srv, url := startWorker(t, blockingHandler)
	store := newStore(t)
	o := startOrchestrator(t, testConfig(map[string][]string{"security": {url}}), store)

	submitted, err := o.Submit(submission("security", "app1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, err := o.Status(context.Background(), submitted.ID)
		return err == nil && info.Status == tasks.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	_, err = o.Cancel(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCancelled, waitTerminal(t, o, submitted.ID).Status)
	assert.Eventually(t, func() bool { return srv.Stats.Cancels.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	evs, err := o.Events(context.Background(), events.EventFilter{TaskID: submitted.ID, Type: events.EventTypeTaskCancelled})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.SeverityWarning, evs[0].Severity)
}

func TestStopCancelsAfterDeadline(t *testing.T) {
	_, url := startWorker(t, blockingHandler)
	store := newStore(t)
	o, err := New(Options{Config: testConfig(map[string][]string{"security": {url}}), Store: store, MetricSink: telemetry.Discard()})
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))

	submitted, err := o.Submit(submission("security", "app1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, err := o.Status(context.Background(), submitted.ID)
		return err == nil && info.Status == tasks.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, o.Stop(ctx), context.DeadlineExceeded)

	info, err := o.Status(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCancelled, info.Status)

	// The writer drained before Stop returned.
	persisted, err := store.GetTask(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCancelled, persisted.Status)

	_, err = o.Submit(submission("security", "app2"))
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, o.Start(context.Background()), ErrNotRunning)
}

func TestBreakerTransitionsRecorded(t *testing.T) {
	const dead = "127.0.0.1:1"
	store := newStore(t)
	cfg := testConfig(map[string][]string{"security": {dead}})
	cfg.Dispatch.ConnectTimeout = 500 * time.Millisecond
	o := startOrchestrator(t, cfg, store)

	for _, app := range []string{"a", "b", "c"} {
		submitted, err := o.Submit(submission("security", app))
		require.NoError(t, err)
		info := waitTerminal(t, o, submitted.ID)
		assert.Equal(t, tasks.StatusFailed, info.Status)
	}

	eps := o.Endpoints()
	require.Len(t, eps, 1)
	assert.Equal(t, "open", eps[0].BreakerState)

	evs, err := o.Events(context.Background(), events.EventFilter{Type: events.EventTypeCircuitBreakerStateChange})
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	data, err := evs[0].GetBreakerStateChangeData()
	require.NoError(t, err)
	assert.Equal(t, "open", data.ToState)
	assert.Equal(t, dead, evs[0].Endpoint)
	assert.Equal(t, events.SeverityWarning, evs[0].Severity)
}

func TestRunEventCleanup(t *testing.T) {
	_, url := startWorker(t, okHandler)
	store := newStore(t)
	o := startOrchestrator(t, testConfig(map[string][]string{"security": {url}}), store)

	old := events.NewSimpleEvent(events.EventTypeTaskProgress, "t-old", "security", url, events.SeverityInfo, "progress")
	old.Timestamp = time.Now().AddDate(0, 0, -60)
	require.NoError(t, store.StoreTaskEvent(context.Background(), old))

	recent := events.NewSimpleEvent(events.EventTypeTaskProgress, "t-new", "security", url, events.SeverityInfo, "progress")
	require.NoError(t, store.StoreTaskEvent(context.Background(), recent))

	res, err := o.RunEventCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.TimeBasedDeleted)
	assert.Equal(t, 1, res.Total())
	assert.Equal(t, 1, res.EventsRemaining)

	summaries, err := o.Events(context.Background(), events.EventFilter{Type: events.EventTypeEventCleanupCompleted})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.EqualValues(t, 1, summaries[0].Data["events_deleted"])
	assert.Equal(t, true, summaries[0].Data["success"])
}

func TestStats(t *testing.T) {
	_, url := startWorker(t, okHandler)
	o := startOrchestrator(t, testConfig(map[string][]string{"security": {url}}), nil)

	submitted, err := o.Submit(submission("security", "app1"))
	require.NoError(t, err)
	waitTerminal(t, o, submitted.ID)

	stats := o.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, 1, stats.Tasks[tasks.StatusCompleted])
	require.Len(t, stats.Pools, 1)
	assert.Equal(t, int64(1), stats.Pools[0].Acquired)
	assert.Equal(t, int64(0), stats.Pools[0].InUse)
}

// stalledStore holds every event write until released.
type stalledStore struct {
	storage.Storage
	release chan struct{}
}

func (s *stalledStore) StoreTaskEvent(ctx context.Context, e *events.TaskEvent) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return s.Storage.StoreTaskEvent(ctx, e)
}

func TestSinkDropsWritesWhenStoreLags(t *testing.T) {
	store := &stalledStore{Storage: newStore(t), release: make(chan struct{})}
	w := newSizedSinkWriter(store, slog.New(slog.NewTextHandler(io.Discard, nil)), 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			e, err := events.NewProgressEvent("t1", "security", "", events.ProgressData{Payload: i})
			if err == nil {
				w.Event(e)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}

	// One write is stuck in the store and two wait in the queue.
	assert.GreaterOrEqual(t, w.Dropped(), int64(7))
	close(store.release)
	w.Close()
}

func TestPipelineStreamsThroughOrchestrator(t *testing.T) {
	_, url := startWorker(t, okHandler)
	o := startOrchestrator(t, testConfig(map[string][]string{"security": {url}}), nil)

	in := make(chan tasks.Submission)
	out := make(chan tasks.Info, 5)
	go func() {
		defer close(in)
		for _, app := range []string{"a", "b", "c", "d", "e"} {
			in <- submission("security", app)
		}
	}()

	require.NoError(t, o.Pipeline().Run(context.Background(), in, out))
	close(out)
	n := 0
	for info := range out {
		assert.Equal(t, tasks.StatusCompleted, info.Status)
		n++
	}
	assert.Equal(t, 5, n)
}

func TestRedisDedupAcrossOrchestrators(t *testing.T) {
	mr := miniredis.RunT(t)
	release := make(chan struct{})
	srv, url := startWorker(t, func(ctx context.Context, req protocol.Request, progress worker.ProgressFunc) (interface{}, error) {
		select {
		case <-release:
			return map[string]int{"issues": 3}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	cfg := testConfig(map[string][]string{"security": {url}})
	cfg.Dedup.RedisAddr = mr.Addr()
	cfg.Dedup.PollInterval = 20 * time.Millisecond
	a := startOrchestrator(t, cfg, nil)
	b := startOrchestrator(t, cfg, nil)

	leader, err := a.Submit(submission("security", "app1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Stats.Requests.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	follower, err := b.Submit(submission("security", "app1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, err := b.Status(context.Background(), follower.ID)
		return err == nil && info.SharedFrom == leader.ID
	}, 5*time.Second, 10*time.Millisecond)

	close(release)
	la := waitTerminal(t, a, leader.ID)
	fb := waitTerminal(t, b, follower.ID)
	assert.Equal(t, tasks.StatusCompleted, la.Status)
	assert.Equal(t, tasks.StatusCompleted, fb.Status)
	assert.JSONEq(t, `{"issues":3}`, string(fb.Result))
	assert.Equal(t, int64(1), srv.Stats.Requests.Load())
}

func TestCancelledRemoteLeaderReleasesClaim(t *testing.T) {
	mr := miniredis.RunT(t)
	var calls atomic.Int64
	srv, url := startWorker(t, func(ctx context.Context, req protocol.Request, progress worker.ProgressFunc) (interface{}, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return map[string]int{"issues": 4}, nil
	})

	cfg := testConfig(map[string][]string{"security": {url}})
	cfg.Dedup.RedisAddr = mr.Addr()
	cfg.Dedup.PollInterval = 20 * time.Millisecond
	a := startOrchestrator(t, cfg, nil)
	b := startOrchestrator(t, cfg, nil)

	leader, err := a.Submit(submission("security", "app1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Stats.Requests.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	follower, err := b.Submit(submission("security", "app1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, err := b.Status(context.Background(), follower.ID)
		return err == nil && info.SharedFrom == leader.ID
	}, 5*time.Second, 10*time.Millisecond)

	_, err = a.Cancel(leader.ID)
	require.NoError(t, err)

	assert.Equal(t, tasks.StatusCancelled, waitTerminal(t, a, leader.ID).Status)
	fb := waitTerminal(t, b, follower.ID)
	require.Equal(t, tasks.StatusCompleted, fb.Status, fb.Error)
	assert.JSONEq(t, `{"issues":4}`, string(fb.Result))
	assert.Equal(t, int64(2), srv.Stats.Requests.Load())
}

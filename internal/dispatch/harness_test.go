package dispatch

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steveyegge/analyzerd/internal/breaker"
	"github.com/steveyegge/analyzerd/internal/deduplication"
	"github.com/steveyegge/analyzerd/internal/endpoint"
	"github.com/steveyegge/analyzerd/internal/pool"
	"github.com/steveyegge/analyzerd/internal/protocol"
	"github.com/steveyegge/analyzerd/internal/tasks"
	"github.com/steveyegge/analyzerd/internal/telemetry"
	"github.com/steveyegge/analyzerd/internal/transport"
	"github.com/steveyegge/analyzerd/internal/worker"
	"github.com/stretchr/testify/require"
)

// countingDialer records every network dial and the number of open
// connections.
type countingDialer struct {
	inner   transport.Dialer
	dials   atomic.Int64
	open    atomic.Int64
	maxOpen atomic.Int64
}

func (d *countingDialer) Dial(ctx context.Context, address string) (transport.Conn, error) {
	d.dials.Add(1)
	conn, err := d.inner.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	n := d.open.Add(1)
	for {
		m := d.maxOpen.Load()
		if n <= m || d.maxOpen.CompareAndSwap(m, n) {
			break
		}
	}
	return &countedConn{Conn: conn, d: d}, nil
}

type countedConn struct {
	transport.Conn
	d    *countingDialer
	once sync.Once
}

func (c *countedConn) Close() error {
	c.once.Do(func() { c.d.open.Add(-1) })
	return c.Conn.Close()
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harnessOptions struct {
	classes        map[string][]string
	limit          int
	dispatch       Config
	breaker        breaker.Config
	stuckThreshold time.Duration
	sweepInterval  time.Duration
	dedupDisabled  bool
	endpointClock  func() time.Time
}

type harness struct {
	endpoints *endpoint.Registry
	pool      *pool.Pool
	tasks     *tasks.Registry
	dedup     *deduplication.Deduplicator
	dialer    *countingDialer
	d         *Dispatcher

	progressMu sync.Mutex
	progress   map[string]int
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	sink := telemetry.Discard()

	limits := map[string]int{}
	for class := range opts.classes {
		limits[class] = opts.limit
	}
	if opts.limit == 0 {
		for class := range limits {
			limits[class] = 8
		}
	}
	p, err := pool.New(pool.Config{Limits: limits, MetricSink: sink})
	require.NoError(t, err)

	epCfg := endpoint.Config{
		Classes:                opts.classes,
		Breaker:                opts.breaker,
		MaxConsecutiveFailures: 3,
		CooldownPeriod:         time.Minute,
		MetricSink:             sink,
		Now:                    opts.endpointClock,
	}
	eps, err := endpoint.NewRegistry(epCfg)
	require.NoError(t, err)

	reg := tasks.NewRegistry(tasks.Config{
		StuckThreshold: opts.stuckThreshold,
		SweepInterval:  opts.sweepInterval,
		MetricSink:     sink,
	})
	if opts.sweepInterval > 0 {
		reg.Start(context.Background())
		t.Cleanup(reg.Stop)
	}

	dcfg := deduplication.DefaultConfig()
	dcfg.Enabled = !opts.dedupDisabled
	dedup := deduplication.New(dcfg, nil, nil, sink)

	h := &harness{
		endpoints: eps,
		pool:      p,
		tasks:     reg,
		dedup:     dedup,
		dialer:    &countingDialer{inner: transport.NewWebSocketDialer()},
		progress:  map[string]int{},
	}

	cfg := opts.dispatch
	cfg.MetricSink = sink
	cfg.OnProgress = func(taskID string, _ json.RawMessage) {
		h.progressMu.Lock()
		h.progress[taskID]++
		h.progressMu.Unlock()
	}
	h.d, err = New(cfg, Deps{Endpoints: eps, Pool: p, Tasks: reg, Dedup: dedup, Dialer: h.dialer})
	require.NoError(t, err)
	return h
}

func (h *harness) progressCount(taskID string) int {
	h.progressMu.Lock()
	defer h.progressMu.Unlock()
	return h.progress[taskID]
}

// startWorker runs a worker runtime on a local test server and returns its
// address.
func startWorker(t *testing.T, fn worker.HandlerFunc) (*worker.Server, string) {
	t.Helper()
	srv := worker.NewServer(fn, nil)
	srv.CloseWait = 2 * time.Second
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func submission(class, app string) tasks.Submission {
	return tasks.Submission{
		ServiceClass: class,
		Target:       protocol.Target{Model: "model-a", App: app},
		Tools:        []string{"bandit"},
		TaskKind:     "security",
	}
}

func okHandler(ctx context.Context, req protocol.Request, progress worker.ProgressFunc) (interface{}, error) {
	if err := progress(map[string]string{"tool": "bandit", "phase": "scan"}); err != nil {
		return nil, err
	}
	return map[string]interface{}{"app": req.Target.App, "issues": 2}, nil
}

// blockingHandler never finishes until the caller cancels.
func blockingHandler(ctx context.Context, req protocol.Request, progress worker.ProgressFunc) (interface{}, error) {
	_ = progress("started")
	<-ctx.Done()
	return nil, ctx.Err()
}

// Package orchestrator owns the shared dispatch state (endpoint registry,
// connection pool, task registry, deduplicator) and exposes the caller
// contract used by the control socket, the HTTP API and the CLI.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/redis/go-redis/v9"
	"github.com/steveyegge/analyzerd/internal/breaker"
	"github.com/steveyegge/analyzerd/internal/config"
	"github.com/steveyegge/analyzerd/internal/deduplication"
	"github.com/steveyegge/analyzerd/internal/dispatch"
	"github.com/steveyegge/analyzerd/internal/endpoint"
	"github.com/steveyegge/analyzerd/internal/events"
	"github.com/steveyegge/analyzerd/internal/pool"
	"github.com/steveyegge/analyzerd/internal/storage"
	"github.com/steveyegge/analyzerd/internal/storage/sqlite"
	"github.com/steveyegge/analyzerd/internal/tasks"
	"github.com/steveyegge/analyzerd/internal/telemetry"
	"github.com/steveyegge/analyzerd/internal/transport"
)

var (
	// ErrNotRunning is returned by operations that need a started orchestrator.
	ErrNotRunning = errors.New("orchestrator is not running")
	// ErrAlreadyRunning is returned by a second Start.
	ErrAlreadyRunning = errors.New("orchestrator is already running")
	// ErrInvalidSubmission is returned for submissions missing required fields.
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrNoStore is returned by history queries when no sink is configured.
	ErrNoStore = errors.New("no task-state store configured")
	// ErrShutdown is the cancellation cause of tasks still running when
	// Stop gives up waiting.
	ErrShutdown = errors.New("orchestrator shutting down")
)

// Options are the injected dependencies. Only Config is required.
type Options struct {
	Config config.Config
	// Store persists task state and events. Nil keeps everything in memory;
	// the caller owns its lifetime.
	Store      storage.Storage
	Dialer     transport.Dialer
	Logger     *slog.Logger
	MetricSink metrics.MetricSink
}

// Orchestrator is the single owner of all dispatch state.
type Orchestrator struct {
	cfg    config.Config
	store  storage.Storage
	logger *slog.Logger
	msink  metrics.MetricSink

	endpoints  *endpoint.Registry
	pool       *pool.Pool
	tasks      *tasks.Registry
	dedup      *deduplication.Deduplicator
	redis      *redis.Client
	dispatcher *dispatch.Dispatcher
	prober     *endpoint.Prober
	sink       *sinkWriter

	mu       sync.Mutex
	running  bool
	stopped  bool
	baseCtx  context.Context
	cancel   context.CancelCauseFunc
	stopCh   chan struct{}
	loopDone chan struct{}
}

// New wires every component from opts.Config. Nothing runs until Start.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewWebSocketDialer()
	}

	o := &Orchestrator{
		cfg:    cfg,
		store:  opts.Store,
		logger: logger,
		msink:  telemetry.OrDefault(opts.MetricSink),
	}
	o.sink = newSinkWriter(opts.Store, logger)

	var err error
	pc := cfg.PoolConfig()
	pc.MetricSink = o.msink
	if o.pool, err = pool.New(pc); err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	ec := cfg.EndpointConfig()
	ec.OnBreakerTransition = o.onBreakerTransition
	ec.Logger = logger
	ec.MetricSink = o.msink
	if o.endpoints, err = endpoint.NewRegistry(ec); err != nil {
		return nil, fmt.Errorf("failed to create endpoint registry: %w", err)
	}

	tc := cfg.TasksConfig()
	tc.OnTransition = o.onTransition
	tc.Logger = logger
	tc.MetricSink = o.msink
	o.tasks = tasks.NewRegistry(tc)

	var claims deduplication.ClaimStore
	if cfg.Dedup.Enabled && cfg.Dedup.RedisAddr != "" {
		o.redis = deduplication.NewRedisClient(cfg.Dedup.RedisAddr)
		claims = deduplication.NewRedisClaimStore(o.redis, cfg.Dedup)
	}
	o.dedup = deduplication.New(cfg.Dedup, claims, logger, o.msink)

	dc := cfg.DispatchConfig()
	dc.OnProgress = o.onProgress
	dc.Logger = logger
	dc.MetricSink = o.msink
	o.dispatcher, err = dispatch.New(dc, dispatch.Deps{
		Endpoints: o.endpoints,
		Pool:      o.pool,
		Tasks:     o.tasks,
		Dedup:     o.dedup,
		Dialer:    dialer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	o.prober = endpoint.NewProber(o.endpoints, dialer, cfg.ProberConfig())
	return o, nil
}

// Start launches the liveness prober, the stuck-task sweeper and the event
// cleanup loop. ctx bounds the background loops; tasks are bounded by Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrAlreadyRunning
	}
	if o.stopped {
		return fmt.Errorf("%w: cannot restart a stopped orchestrator", ErrNotRunning)
	}

	o.baseCtx, o.cancel = context.WithCancelCause(context.Background())
	o.stopCh = make(chan struct{})
	o.loopDone = make(chan struct{})
	o.running = true

	o.prober.Start(ctx)
	o.tasks.Start(ctx)
	go o.eventCleanupLoop(ctx)

	o.logger.Info("orchestrator started",
		"service_classes", strings.Join(o.endpoints.ServiceClasses(), ","),
		"endpoints", len(o.endpoints.All()),
		"dedup", o.cfg.Dedup.String())
	return nil
}

// Stop refuses new submissions and waits for in-flight tasks. If ctx ends
// first the remaining tasks are cancelled and Stop waits for them to settle
// (each within cancel_grace) before returning ctx's error.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.running = false
	o.stopped = true
	o.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		o.dispatcher.Wait()
		close(drained)
	}()

	var waitErr error
	select {
	case <-drained:
	case <-ctx.Done():
		waitErr = ctx.Err()
		o.logger.Warn("shutdown deadline reached, cancelling in-flight tasks",
			"running", len(o.tasks.List(tasks.StatusPending, tasks.StatusRunning)))
		o.cancel(ErrShutdown)
		<-drained
	}
	o.cancel(ErrShutdown)

	o.prober.Stop()
	o.tasks.Stop()
	close(o.stopCh)
	<-o.loopDone

	o.sink.Close()
	if o.redis != nil {
		if err := o.redis.Close(); err != nil {
			o.logger.Warn("failed to close redis client", "error", err)
		}
	}
	o.logger.Info("orchestrator stopped")
	return waitErr
}

// Submit registers sub and dispatches it in the background. The task lives
// until Stop, independent of the caller's request.
func (o *Orchestrator) Submit(sub tasks.Submission) (tasks.Info, error) {
	if err := validateSubmission(sub); err != nil {
		return tasks.Info{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return tasks.Info{}, ErrNotRunning
	}
	t := o.dispatcher.Submit(o.baseCtx, sub)
	return t.Info(), nil
}

func validateSubmission(sub tasks.Submission) error {
	var missing []string
	if sub.ServiceClass == "" {
		missing = append(missing, "service_class")
	}
	if sub.Target.App == "" {
		missing = append(missing, "target.app")
	}
	if len(sub.Tools) == 0 {
		missing = append(missing, "tools")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidSubmission, strings.Join(missing, ", "))
	}
	return nil
}

// Cancel requests cancellation of a task. Terminal tasks are returned as is.
func (o *Orchestrator) Cancel(id string) (tasks.Info, error) {
	return o.tasks.Cancel(id)
}

// Status returns a task's current state. Tasks already evicted from memory
// are read back from the store.
func (o *Orchestrator) Status(ctx context.Context, id string) (tasks.Info, error) {
	t, err := o.tasks.Get(id)
	if err == nil {
		return t.Info(), nil
	}
	if !errors.Is(err, tasks.ErrTaskNotFound) || o.store == nil {
		return tasks.Info{}, err
	}

	info, serr := o.store.GetTask(ctx, id)
	if serr != nil {
		return tasks.Info{}, serr
	}
	return *info, nil
}

// Wait blocks until the task is terminal or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (tasks.Info, error) {
	t, err := o.tasks.Get(id)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) && o.store != nil {
			if info, serr := o.store.GetTask(ctx, id); serr == nil && info.Status.IsTerminal() {
				return *info, nil
			}
		}
		return tasks.Info{}, err
	}
	return t.Wait(ctx)
}

// Acknowledge releases a terminal task from memory. Its final state is
// flushed to the store first, so Status keeps answering for it.
func (o *Orchestrator) Acknowledge(id string) error {
	if err := o.tasks.Acknowledge(id); err != nil {
		return err
	}
	o.sink.Flush()
	return nil
}

// Tasks lists in-memory tasks, optionally filtered by status.
func (o *Orchestrator) Tasks(statuses ...tasks.Status) []tasks.Info {
	return o.tasks.List(statuses...)
}

// History lists persisted tasks, including acknowledged ones.
func (o *Orchestrator) History(ctx context.Context, filter sqlite.TaskFilter) ([]tasks.Info, error) {
	if o.store == nil {
		return nil, ErrNoStore
	}
	o.sink.Flush()
	rows, err := o.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]tasks.Info, 0, len(rows))
	for _, info := range rows {
		out = append(out, *info)
	}
	return out, nil
}

// Events returns recorded lifecycle events, newest first.
func (o *Orchestrator) Events(ctx context.Context, filter events.EventFilter) ([]*events.TaskEvent, error) {
	if o.store == nil {
		return nil, ErrNoStore
	}
	o.sink.Flush()
	return o.store.GetTaskEvents(ctx, filter)
}

// Endpoints returns a health snapshot of every endpoint.
func (o *Orchestrator) Endpoints() []endpoint.Status {
	return o.endpoints.Snapshot()
}

// Stats summarizes pool, dedup and task activity.
type Stats struct {
	Pools   []pool.Stats         `json:"pools"`
	Dedup   deduplication.Stats  `json:"dedup"`
	Tasks   map[tasks.Status]int `json:"tasks"`
	Running bool                 `json:"running"`

	// DroppedWrites counts store writes discarded while the store lagged.
	DroppedWrites int64 `json:"dropped_writes,omitempty"`
}

// Stats returns current counters.
func (o *Orchestrator) Stats() Stats {
	counts := make(map[tasks.Status]int)
	for _, info := range o.tasks.List() {
		counts[info.Status]++
	}
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	return Stats{
		Pools:   o.pool.Stats(),
		Dedup:   o.dedup.Stats(),
		Tasks:   counts,
		Running: running,

		DroppedWrites: o.sink.Dropped(),
	}
}

// Pipeline returns a streaming pipeline over this orchestrator's dispatcher.
func (o *Orchestrator) Pipeline() *dispatch.Pipeline {
	return dispatch.NewPipeline(o.dispatcher, o.cfg.PipelineConfig())
}

// ProbeNow runs one liveness round immediately and returns the number of
// endpoints probed.
func (o *Orchestrator) ProbeNow(ctx context.Context) int {
	return o.prober.ProbeOnce(ctx)
}

func (o *Orchestrator) onBreakerTransition(ep *endpoint.Endpoint, from, to breaker.State) {
	event, err := events.NewBreakerStateChangeEvent(ep.ServiceClass, ep.Address, events.BreakerStateChangeData{
		FromState:    from.String(),
		ToState:      to.String(),
		FailureCount: ep.Breaker().Snapshot().FailureCount,
	})
	if err != nil {
		o.logger.Warn("failed to build breaker event", "endpoint", ep.ID(), "error", err)
		return
	}
	o.sink.Event(event)
}

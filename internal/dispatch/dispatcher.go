// Package dispatch runs submitted analysis tasks against worker endpoints.
//
// For each task the Dispatcher deduplicates, selects an endpoint, acquires a
// pool slot, streams the worker's progress, and feeds the outcome back to the
// endpoint's breaker and liveness counter. Every wait selects on the task's
// cancellation token.
//
// Timing out on a pool slot fails the task with ErrConnectionTimeout. It is
// not counted against the selected endpoint and not retried, since the limit
// is shared by the whole service class.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/steveyegge/analyzerd/internal/breaker"
	"github.com/steveyegge/analyzerd/internal/deduplication"
	"github.com/steveyegge/analyzerd/internal/endpoint"
	"github.com/steveyegge/analyzerd/internal/pool"
	"github.com/steveyegge/analyzerd/internal/protocol"
	"github.com/steveyegge/analyzerd/internal/tasks"
	"github.com/steveyegge/analyzerd/internal/telemetry"
	"github.com/steveyegge/analyzerd/internal/transport"
	"golang.org/x/sync/semaphore"
)

// Error taxonomy surfaced to callers. Match with errors.Is.
var (
	ErrEndpointUnreachable = endpoint.ErrEndpointUnreachable
	ErrConnectionTimeout   = pool.ErrConnectionTimeout
	ErrProtocol            = protocol.ErrProtocol
	ErrTaskCancelled       = tasks.ErrTaskCancelled
	ErrStuckTask           = tasks.ErrStuckTask
	ErrCircuitOpen         = breaker.ErrCircuitOpen

	// ErrWorker wraps an error message reported by the worker.
	ErrWorker = errors.New("worker reported an error")
	// ErrTaskTimeout is the cause when an attempt exceeds TaskTimeout.
	ErrTaskTimeout = errors.New("task exceeded end-to-end timeout")
	// ErrConnectionLost is returned when the worker drops the connection
	// before sending a terminal message.
	ErrConnectionLost = errors.New("worker connection lost")
)

// ProgressFunc receives every progress payload of a task.
type ProgressFunc func(taskID string, data json.RawMessage)

// Config holds dispatcher configuration
type Config struct {
	AcquireTimeout      time.Duration // Pool slot wait (default: 5s)
	ConnectTimeout      time.Duration // Dial + handshake (default: 10s)
	TaskTimeout         time.Duration // One attempt end to end (default: 30m)
	CancelGrace         time.Duration // Budget for the cancel frame (default: 2s)
	MaxAttempts         int           // Transient-fault attempts per task (default: 3)
	MaxActiveDispatches int           // Concurrently running leaders (default: 64)

	OnProgress ProgressFunc
	Logger     *slog.Logger
	MetricSink metrics.MetricSink
}

// DefaultConfig returns default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		AcquireTimeout:      5 * time.Second,
		ConnectTimeout:      10 * time.Second,
		TaskTimeout:         30 * time.Minute,
		CancelGrace:         2 * time.Second,
		MaxAttempts:         3,
		MaxActiveDispatches: 64,
	}
}

// Validate checks the timeouts and limits.
func (c Config) Validate() error {
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire_timeout must be positive (got %v)", c.AcquireTimeout)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive (got %v)", c.ConnectTimeout)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task_timeout must be positive (got %v)", c.TaskTimeout)
	}
	if c.CancelGrace <= 0 {
		return fmt.Errorf("cancel_grace must be positive (got %v)", c.CancelGrace)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive (got %d)", c.MaxAttempts)
	}
	if c.MaxActiveDispatches <= 0 {
		return fmt.Errorf("max_active_dispatches must be positive (got %d)", c.MaxActiveDispatches)
	}
	return nil
}

// Deps are the shared registries the dispatcher coordinates. They are owned
// by the orchestrator and injected here.
type Deps struct {
	Endpoints *endpoint.Registry
	Pool      *pool.Pool
	Tasks     *tasks.Registry
	Dedup     *deduplication.Deduplicator
	Dialer    transport.Dialer
}

// Dispatcher executes tasks.
type Dispatcher struct {
	endpoints *endpoint.Registry
	pool      *pool.Pool
	tasks     *tasks.Registry
	dedup     *deduplication.Deduplicator
	dialer    transport.Dialer

	active *semaphore.Weighted
	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink

	wg sync.WaitGroup
}

// New creates a dispatcher. Zero config values fall back to defaults.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	def := DefaultConfig()
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxActiveDispatches <= 0 {
		cfg.MaxActiveDispatches = def.MaxActiveDispatches
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if deps.Endpoints == nil || deps.Pool == nil || deps.Tasks == nil || deps.Dialer == nil {
		return nil, fmt.Errorf("dispatcher requires endpoints, pool, tasks and dialer")
	}
	if deps.Dedup == nil {
		off := deduplication.DefaultConfig()
		off.Enabled = false
		deps.Dedup = deduplication.New(off, nil, cfg.Logger, cfg.MetricSink)
	}

	return &Dispatcher{
		endpoints: deps.Endpoints,
		pool:      deps.Pool,
		tasks:     deps.Tasks,
		dedup:     deps.Dedup,
		dialer:    deps.Dialer,
		active:    semaphore.NewWeighted(int64(cfg.MaxActiveDispatches)),
		cfg:       cfg,
		logger:    cfg.Logger,
		msink:     telemetry.OrDefault(cfg.MetricSink),
	}, nil
}

// Submit registers sub and executes it in the background. ctx bounds the
// execution; cancelling it cancels the task.
func (d *Dispatcher) Submit(ctx context.Context, sub tasks.Submission) *tasks.ManagedTask {
	t := d.tasks.Register(sub)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Execute(ctx, t)
	}()
	return t
}

// Wait blocks until every execution started by Submit has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Execute runs t to a terminal status and returns its final state. If ctx
// ends first the task is cancelled.
func (d *Dispatcher) Execute(ctx context.Context, t *tasks.ManagedTask) tasks.Info {
	stop := context.AfterFunc(ctx, func() { _, _ = d.tasks.Cancel(t.ID()) })
	defer stop()

	key := deduplication.KeyFor(t.Submission())
	for {
		exec, leader := d.dedup.Claim(key, t.ID())
		if leader {
			d.lead(t, key)
			if info := t.Info(); info.Status == tasks.StatusCancelled {
				d.dedup.Abandon(exec)
			} else {
				d.dedup.Finish(exec, outcomeOf(info))
			}
			return t.Info()
		}
		if !d.follow(t, exec) {
			return t.Info()
		}
		d.logger.Info("shared execution abandoned, claiming key",
			"task_id", t.ID(), "leader", exec.LeaderID, "key", key.String())
	}
}

// follow mirrors the outcome of an execution led by another task. It
// returns true when the leader was cancelled without an outcome and the
// key has to be claimed again.
func (d *Dispatcher) follow(t *tasks.ManagedTask, exec *deduplication.Execution) (reclaim bool) {
	_ = d.tasks.MarkShared(t.ID(), exec.LeaderID)

	out, err := exec.Wait(t.Token())
	switch {
	case errors.Is(err, deduplication.ErrAbandoned) && t.Token().Err() == nil:
		return true
	case err != nil:
		_ = d.tasks.MarkCancelled(t.ID())
		return false
	}
	d.mirror(t, out)
	return false
}

func (d *Dispatcher) lead(t *tasks.ManagedTask, key deduplication.Key) {
	if holder := d.dedup.ClaimRemote(t.Token(), key, t.ID()); holder != "" {
		_ = d.tasks.MarkShared(t.ID(), holder)
		out, err := d.dedup.AwaitRemote(t.Token(), key, holder)
		if err == nil {
			d.mirror(t, out)
			return
		}
		if t.Token().Err() != nil {
			_ = d.tasks.MarkCancelled(t.ID())
			return
		}
		d.logger.Warn("remote execution vanished, running locally",
			"task_id", t.ID(), "holder", holder, "error", err)
	} else {
		keep := d.dedup.KeepRemote(key, t.ID())
		defer func() {
			keep()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if info := t.Info(); info.Status == tasks.StatusCancelled {
				d.dedup.ReleaseRemote(ctx, key, t.ID())
			} else {
				d.dedup.PublishRemote(ctx, key, t.ID(), outcomeOf(info))
			}
		}()
	}

	start := time.Now()
	d.run(t)
	info := t.Info()
	labels := []metrics.Label{
		telemetry.LabelServiceClass.M(info.ServiceClass),
		telemetry.LabelOutcome.M(string(info.Status)),
	}
	d.msink.IncrCounterWithLabels(telemetry.MetricDispatchOutcome, 1, labels)
	d.msink.AddSampleWithLabels(telemetry.MetricDispatchDuration,
		float32(time.Since(start).Milliseconds()), labels)
}

func (d *Dispatcher) mirror(t *tasks.ManagedTask, out deduplication.Outcome) {
	var err error
	switch out.Status {
	case tasks.StatusCompleted:
		err = d.tasks.Complete(t.ID(), out.Result)
	case tasks.StatusCancelled:
		err = d.tasks.MarkCancelled(t.ID())
	default:
		msg := out.Error
		if msg == "" {
			msg = "shared execution failed"
		}
		err = d.tasks.Fail(t.ID(), errors.New(msg))
	}
	if err != nil && !errors.Is(err, tasks.ErrAlreadyTerminal) {
		d.logger.Warn("failed to record shared outcome", "task_id", t.ID(), "error", err)
	}
}

func outcomeOf(info tasks.Info) deduplication.Outcome {
	return deduplication.Outcome{
		Status:   info.Status,
		Result:   info.Result,
		Error:    info.Error,
		Endpoint: info.Endpoint,
	}
}

// run drives attempts until the task is terminal.
func (d *Dispatcher) run(t *tasks.ManagedTask) {
	if err := d.active.Acquire(t.Token(), 1); err != nil {
		d.finishInterrupted(t)
		return
	}
	defer d.active.Release(1)

	class := t.Submission().ServiceClass
	exclude := make(map[string]bool)
	attempts := 0
	var lastErr error

	for {
		if t.Token().Err() != nil {
			d.finishInterrupted(t)
			return
		}

		ep, err := d.endpoints.Select(class, exclude)
		if err != nil {
			if lastErr != nil {
				err = fmt.Errorf("%w; last attempt: %w", err, lastErr)
			}
			d.fail(t, err)
			return
		}

		res := d.attempt(t, ep)
		switch res.next {
		case stepDone:
			return
		case stepReselect:
			exclude[ep.Address] = true
		case stepRetryElsewhere:
			exclude[ep.Address] = true
			lastErr = res.err
			attempts++
			if attempts >= d.cfg.MaxAttempts {
				d.fail(t, fmt.Errorf("giving up after %d attempts: %w", attempts, res.err))
				return
			}
			d.logger.Info("retrying task on another endpoint",
				"task_id", t.ID(), "endpoint", ep.ID(), "attempt", attempts, "error", res.err)
		case stepRetryStuck:
			lastErr = res.err
		}
	}
}

type step int

const (
	stepDone step = iota
	stepReselect
	stepRetryElsewhere
	stepRetryStuck
)

type attemptResult struct {
	next step
	err  error
}

type received struct {
	msg protocol.Message
	err error
}

// attempt runs one try of t on ep. The slot is released on every return.
func (d *Dispatcher) attempt(t *tasks.ManagedTask, ep *endpoint.Endpoint) attemptResult {
	sub := t.Submission()

	slot, err := d.pool.Acquire(t.Token(), sub.ServiceClass, d.cfg.AcquireTimeout)
	if err != nil {
		if t.Token().Err() != nil {
			d.finishInterrupted(t)
			return attemptResult{next: stepDone}
		}
		// Pool exhaustion says nothing about this endpoint.
		d.fail(t, err)
		return attemptResult{next: stepDone}
	}
	defer slot.Release()

	// The endpoint may have failed while we waited for the slot.
	if err := ep.Allow(); err != nil {
		return attemptResult{next: stepReselect, err: err}
	}

	attemptCtx, err := d.tasks.BeginAttempt(t.ID(), ep.Address)
	if err != nil {
		d.finishInterrupted(t)
		return attemptResult{next: stepDone}
	}
	taskCtx, cancelTask := context.WithTimeoutCause(attemptCtx, d.cfg.TaskTimeout, ErrTaskTimeout)
	defer cancelTask()

	d.msink.IncrCounterWithLabels(telemetry.MetricDispatchAttempts, 1, []metrics.Label{
		telemetry.LabelServiceClass.M(ep.ServiceClass),
		telemetry.LabelEndpoint.M(ep.Address),
	})
	logger := d.logger.With("task_id", t.ID(), "endpoint", ep.ID())

	dialCtx, cancelDial := context.WithTimeout(taskCtx, d.cfg.ConnectTimeout)
	conn, err := d.dialer.Dial(dialCtx, ep.Address)
	dialTimedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	cancelDial()
	if err != nil {
		if taskCtx.Err() != nil {
			return d.interrupted(taskCtx, t, ep, nil)
		}
		if dialTimedOut {
			err = fmt.Errorf("%w: connecting to %s: %w", ErrConnectionTimeout, ep.ID(), err)
		}
		d.endpoints.RecordTaskFailure(ep, true)
		logger.Warn("failed to connect to worker", "error", err)
		return attemptResult{next: stepRetryElsewhere, err: err}
	}
	// Only this side closes the connection.
	defer conn.Close()

	req := protocol.Request{
		TaskID:   t.ID(),
		Tools:    sub.Tools,
		Target:   sub.Target,
		TaskKind: sub.TaskKind,
	}
	if err := conn.Send(taskCtx, req); err != nil {
		if taskCtx.Err() != nil {
			return d.interrupted(taskCtx, t, ep, nil)
		}
		d.endpoints.RecordTaskFailure(ep, true)
		logger.Warn("failed to send request", "error", err)
		return attemptResult{next: stepRetryElsewhere, err: err}
	}
	logger.Debug("request sent", "tools", sub.Tools, "target", sub.Target.String())

	// The reader has its own context so that cancelling the task does not
	// tear the connection down before the cancel frame is written.
	deadline, _ := taskCtx.Deadline()
	readCtx, cancelRead := context.WithDeadline(context.Background(), deadline)
	defer cancelRead()
	msgs := make(chan received)
	go func() {
		for {
			msg, err := conn.Receive(readCtx)
			select {
			case msgs <- received{msg: msg, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil || protocol.IsTerminal(msg) {
				return
			}
		}
	}()

	for {
		select {
		case <-taskCtx.Done():
			return d.interrupted(taskCtx, t, ep, conn)

		case r := <-msgs:
			if r.err != nil {
				if taskCtx.Err() != nil {
					return d.interrupted(taskCtx, t, ep, conn)
				}
				if errors.Is(r.err, protocol.ErrProtocol) {
					return d.protocolFault(t, ep, slot, conn, r.err)
				}
				d.endpoints.RecordTaskFailure(ep, true)
				err := fmt.Errorf("%w: %s: %w", ErrConnectionLost, ep.ID(), r.err)
				logger.Warn("worker connection lost", "error", r.err)
				return attemptResult{next: stepRetryElsewhere, err: err}
			}

			if id := protocol.TaskIDOf(r.msg); id != t.ID() {
				return d.protocolFault(t, ep, slot, conn,
					fmt.Errorf("%w: %s frame for task %q", protocol.ErrProtocol, r.msg.Type(), id))
			}

			switch m := r.msg.(type) {
			case protocol.Progress:
				d.tasks.Heartbeat(t.ID())
				if d.cfg.OnProgress != nil {
					d.cfg.OnProgress(t.ID(), m.Data)
				}
			case protocol.Result:
				_ = conn.Close()
				slot.Release()
				d.endpoints.RecordTaskSuccess(ep)
				if err := d.tasks.Complete(t.ID(), m.Data); err != nil {
					logger.Debug("result arrived for finished task", "error", err)
				}
				logger.Info("task completed", "held", slot.Held())
				return attemptResult{next: stepDone}
			case protocol.ErrorMessage:
				_ = conn.Close()
				slot.Release()
				d.endpoints.RecordTaskFailure(ep, false)
				d.fail(t, fmt.Errorf("%w: %s", ErrWorker, m.Message))
				return attemptResult{next: stepDone}
			default:
				return d.protocolFault(t, ep, slot, conn,
					fmt.Errorf("%w: unexpected %s frame during task", protocol.ErrProtocol, r.msg.Type()))
			}
		}
	}
}

// protocolFault fails only this execution; shared state is untouched
// apart from the endpoint's failure counters.
func (d *Dispatcher) protocolFault(t *tasks.ManagedTask, ep *endpoint.Endpoint, slot *pool.Slot, conn transport.Conn, err error) attemptResult {
	_ = conn.Close()
	slot.Release()
	d.endpoints.RecordTaskFailure(ep, true)
	d.logger.Warn("protocol fault", "task_id", t.ID(), "endpoint", ep.ID(), "error", err)
	d.fail(t, err)
	return attemptResult{next: stepDone}
}

// interrupted handles an attempt whose context ended: caller cancellation,
// the stuck sweep, or the end-to-end timeout.
func (d *Dispatcher) interrupted(ctx context.Context, t *tasks.ManagedTask, ep *endpoint.Endpoint, conn transport.Conn) attemptResult {
	if conn != nil {
		d.sendCancel(conn, t.ID())
		_ = conn.Close()
	}

	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, tasks.ErrTaskCancelled):
		_ = d.tasks.MarkCancelled(t.ID())
		d.logger.Info("task cancelled", "task_id", t.ID(), "endpoint", ep.ID())
		return attemptResult{next: stepDone}

	case errors.Is(cause, tasks.ErrStuckTask), errors.Is(cause, ErrTaskTimeout):
		d.endpoints.RecordTaskFailure(ep, true)
		retry, err := d.tasks.Stall(t.ID(), cause)
		if err != nil || !retry {
			return attemptResult{next: stepDone}
		}
		return attemptResult{next: stepRetryStuck, err: cause}

	default:
		// Finished elsewhere.
		return attemptResult{next: stepDone}
	}
}

// sendCancel forwards a best-effort cancel frame, bounded by CancelGrace.
func (d *Dispatcher) sendCancel(conn transport.Conn, taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.CancelGrace)
	defer cancel()
	if err := conn.Send(ctx, protocol.Cancel{TaskID: taskID}); err != nil {
		d.logger.Debug("cancel frame not delivered", "task_id", taskID, "error", err)
	}
}

// finishInterrupted records the terminal status for a task whose token
// fired outside an attempt.
func (d *Dispatcher) finishInterrupted(t *tasks.ManagedTask) {
	if errors.Is(context.Cause(t.Token()), tasks.ErrTaskCancelled) {
		_ = d.tasks.MarkCancelled(t.ID())
	}
}

func (d *Dispatcher) fail(t *tasks.ManagedTask, err error) {
	if ferr := d.tasks.Fail(t.ID(), err); ferr == nil {
		d.logger.Warn("task failed", "task_id", t.ID(), "service_class", t.Submission().ServiceClass, "error", err)
	}
}

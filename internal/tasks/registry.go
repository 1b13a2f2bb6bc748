package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/steveyegge/analyzerd/internal/telemetry"
)

// errFinished is the token cause once a task ends for any other reason.
var errFinished = errors.New("task finished")

// TransitionFunc observes every status change. It runs with the task's lock
// held, so transitions of one task arrive in order; it must not call back
// into the registry for the same task.
type TransitionFunc func(info Info, from Status)

// Config holds registry configuration
type Config struct {
	// StuckThreshold is how long a running task may go without a heartbeat
	// (default: 10m).
	StuckThreshold time.Duration
	// SweepInterval is the period of the background sweep (default: 30s).
	SweepInterval time.Duration
	// TerminalRetention evicts terminal tasks nobody acknowledged
	// (default: 1h, negative disables).
	TerminalRetention time.Duration

	OnTransition TransitionFunc
	Logger       *slog.Logger
	MetricSink   metrics.MetricSink
	Now          func() time.Time
}

// Registry tracks in-flight managed tasks.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*ManagedTask

	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink
	now    func() time.Time

	started  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.TerminalRetention == 0 {
		cfg.TerminalRetention = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		tasks:  make(map[string]*ManagedTask),
		cfg:    cfg,
		logger: cfg.Logger,
		msink:  telemetry.OrDefault(cfg.MetricSink),
		now:    cfg.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Register creates a PENDING task with a fresh id and cancellation token.
func (r *Registry) Register(sub Submission) *ManagedTask {
	token, cancel := context.WithCancelCause(context.Background())
	t := &ManagedTask{
		id:          uuid.NewString(),
		sub:         sub,
		status:      StatusPending,
		submittedAt: r.now(),
		token:       token,
		cancelToken: cancel,
		done:        make(chan struct{}),
	}
	t.sub.Tools = append([]string(nil), sub.Tools...)

	r.mu.Lock()
	r.tasks[t.id] = t
	r.mu.Unlock()

	t.mu.Lock()
	r.notifyLocked(t, "")
	t.mu.Unlock()
	return t
}

// Get returns a registered task.
func (r *Registry) Get(id string) (*ManagedTask, error) {
	r.mu.RLock()
	t, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// Cancel requests cancellation. Terminal tasks are left untouched. A
// PENDING task becomes CANCELLED immediately; for a RUNNING task the token
// is set and whoever runs it finishes it as CANCELLED.
func (r *Registry) Cancel(id string) (Info, error) {
	t, err := r.Get(id)
	if err != nil {
		return Info{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return t.infoLocked(), nil
	}
	t.cancelToken(ErrTaskCancelled)
	if t.status == StatusPending {
		r.finishLocked(t, StatusCancelled, ErrTaskCancelled.Error(), nil)
	}
	return t.infoLocked(), nil
}

// BeginAttempt moves the task to RUNNING on endpoint and returns a context
// for this attempt. The context is cancelled with ErrTaskCancelled when the
// task is cancelled and with ErrStuckTask when the sweep gives up on the
// attempt. It fails if the task is already terminal or cancelled, so a
// cancelled task never reaches the network.
func (r *Registry) BeginAttempt(id, endpoint string) (context.Context, error) {
	t, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.IsTerminal() {
		if t.status == StatusCancelled {
			return nil, ErrTaskCancelled
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, t.status)
	}
	if t.token.Err() != nil {
		return nil, context.Cause(t.token)
	}

	if t.cancelAttempt != nil {
		t.cancelAttempt(nil)
	}
	ctx, cancel := context.WithCancelCause(t.token)
	t.cancelAttempt = cancel

	now := r.now()
	from := t.status
	t.status = StatusRunning
	t.endpoint = endpoint
	t.sharedFrom = ""
	t.attempts++
	if t.startedAt.IsZero() {
		t.startedAt = now
	}
	t.lastHeartbeat = now
	r.notifyLocked(t, from)
	return ctx, nil
}

// MarkShared moves a deduplicated waiter to RUNNING, mirroring leader.
// Shared tasks have no attempt of their own and are skipped by the sweep.
// A task already shared is re-pointed at leaderID without a transition.
func (r *Registry) MarkShared(id, leaderID string) error {
	t, err := r.Get(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusRunning && t.sharedFrom != "" {
		t.sharedFrom = leaderID
		return nil
	}
	if t.status != StatusPending {
		return fmt.Errorf("cannot share %s: status is %s", id, t.status)
	}
	t.sharedFrom = leaderID
	t.status = StatusRunning
	t.startedAt = r.now()
	r.notifyLocked(t, StatusPending)
	return nil
}

// Heartbeat records liveness of a running attempt.
func (r *Registry) Heartbeat(id string) {
	t, err := r.Get(id)
	if err != nil {
		return
	}
	t.mu.Lock()
	if t.status == StatusRunning {
		t.lastHeartbeat = r.now()
	}
	t.mu.Unlock()
}

// Complete marks the task COMPLETED with result.
func (r *Registry) Complete(id string, result json.RawMessage) error {
	return r.finish(id, StatusCompleted, "", result)
}

// Fail marks the task FAILED.
func (r *Registry) Fail(id string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return r.finish(id, StatusFailed, msg, nil)
}

// MarkCancelled marks the task CANCELLED.
func (r *Registry) MarkCancelled(id string) error {
	return r.finish(id, StatusCancelled, ErrTaskCancelled.Error(), nil)
}

func (r *Registry) finish(id string, status Status, msg string, result json.RawMessage) error {
	t, err := r.Get(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, t.status)
	}
	r.finishLocked(t, status, msg, result)
	return nil
}

// finishLocked is the only place a task becomes terminal (must be called with t.mu held).
func (r *Registry) finishLocked(t *ManagedTask, status Status, msg string, result json.RawMessage) {
	from := t.status
	t.status = status
	t.errMsg = msg
	t.result = result
	t.finishedAt = r.now()
	if t.cancelAttempt != nil {
		t.cancelAttempt(errFinished)
		t.cancelAttempt = nil
	}
	t.cancelToken(errFinished)
	close(t.done)
	r.notifyLocked(t, from)
}

func (r *Registry) notifyLocked(t *ManagedTask, from Status) {
	r.msink.IncrCounterWithLabels(telemetry.MetricTaskTransitions, 1, []metrics.Label{
		telemetry.LabelServiceClass.M(t.sub.ServiceClass),
		telemetry.LabelFrom.M(string(from)),
		telemetry.LabelTo.M(string(t.status)),
	})
	if r.cfg.OnTransition != nil {
		r.cfg.OnTransition(t.infoLocked(), from)
	}
}

// Acknowledge removes a terminal task from the registry.
func (r *Registry) Acknowledge(id string) error {
	t, err := r.Get(id)
	if err != nil {
		return err
	}
	if !t.Status().IsTerminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, id)
	}
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
	return nil
}

// SweepResult reports what one sweep did.
type SweepResult struct {
	Requeued []string
	Failed   []string
	Evicted  []string
}

// Sweep handles stale and expired tasks as of now. A RUNNING task with no
// heartbeat for StuckThreshold has its attempt aborted with ErrStuckTask:
// the first time it goes back to PENDING for one retry, the second time it
// becomes FAILED. Terminal tasks older than TerminalRetention are evicted.
func (r *Registry) Sweep(now time.Time) SweepResult {
	r.mu.RLock()
	all := make([]*ManagedTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		all = append(all, t)
	}
	r.mu.RUnlock()

	var res SweepResult
	for _, t := range all {
		t.mu.Lock()
		switch {
		case t.status == StatusRunning && t.sharedFrom == "" &&
			now.Sub(t.lastHeartbeat) > r.cfg.StuckThreshold:
			if r.stallLocked(t, ErrStuckTask) {
				res.Requeued = append(res.Requeued, t.id)
			} else {
				res.Failed = append(res.Failed, t.id)
			}
		case t.status.IsTerminal() && r.cfg.TerminalRetention > 0 &&
			now.Sub(t.finishedAt) > r.cfg.TerminalRetention:
			res.Evicted = append(res.Evicted, t.id)
		}
		t.mu.Unlock()
	}

	if len(res.Evicted) > 0 {
		r.mu.Lock()
		for _, id := range res.Evicted {
			delete(r.tasks, id)
		}
		r.mu.Unlock()
	}
	return res
}

// Stall applies the stuck policy to a RUNNING task whose attempt produced
// no terminal message in time: the first stall requeues it to PENDING, the
// second fails it with ErrStuckTask. retry reports whether the caller should
// run another attempt. A task already requeued by the sweep reports true.
func (r *Registry) Stall(id string, cause error) (retry bool, err error) {
	t, err := r.Get(id)
	if err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case StatusRunning:
		return r.stallLocked(t, cause), nil
	case StatusPending:
		return true, nil
	default:
		return false, nil
	}
}

// stallLocked must be called with t.mu held on a RUNNING task.
func (r *Registry) stallLocked(t *ManagedTask, cause error) bool {
	r.msink.IncrCounterWithLabels(telemetry.MetricTasksStuck, 1, []metrics.Label{
		telemetry.LabelServiceClass.M(t.sub.ServiceClass),
	})
	if t.cancelAttempt != nil {
		t.cancelAttempt(ErrStuckTask)
		t.cancelAttempt = nil
	}
	if t.stuckRetries == 0 {
		t.stuckRetries++
		t.status = StatusPending
		r.notifyLocked(t, StatusRunning)
		r.logger.Warn("task stuck, requeued for one retry",
			"task_id", t.id, "endpoint", t.endpoint, "cause", cause, "last_heartbeat", t.lastHeartbeat)
		return true
	}
	msg := ErrStuckTask.Error()
	if cause != nil && !errors.Is(cause, ErrStuckTask) {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	r.finishLocked(t, StatusFailed, msg, nil)
	r.logger.Error("task stuck again, giving up", "task_id", t.id, "endpoint", t.endpoint, "cause", cause)
	return false
}

// List returns tasks in submission order, optionally filtered by status.
func (r *Registry) List(statuses ...Status) []Info {
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	r.mu.RLock()
	out := make([]Info, 0, len(r.tasks))
	for _, t := range r.tasks {
		info := t.Info()
		if len(want) == 0 || want[info.Status] {
			out = append(out, info)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Start runs the sweep every SweepInterval until ctx is done or Stop.
func (r *Registry) Start(ctx context.Context) {
	r.started.Store(true)
	go func() {
		defer close(r.doneCh)

		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				res := r.Sweep(r.now())
				if len(res.Requeued)+len(res.Failed)+len(res.Evicted) > 0 {
					r.logger.Debug("task sweep",
						"requeued", len(res.Requeued), "failed", len(res.Failed), "evicted", len(res.Evicted))
				}
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop started by Start and waits for it.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.started.Load() {
		<-r.doneCh
	}
}

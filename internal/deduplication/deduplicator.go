package deduplication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/steveyegge/analyzerd/internal/tasks"
	"github.com/steveyegge/analyzerd/internal/telemetry"
)

// Key identifies interchangeable work.
type Key struct {
	ServiceClass string `json:"service_class"`
	Model        string `json:"model"`
	App          string `json:"app"`
	TaskKind     string `json:"task_kind"`
}

// KeyFor derives the dedup key of a submission.
func KeyFor(sub tasks.Submission) Key {
	return Key{
		ServiceClass: sub.ServiceClass,
		Model:        sub.Target.Model,
		App:          sub.Target.App,
		TaskKind:     sub.TaskKind,
	}
}

func (k Key) String() string {
	return strings.Join([]string{k.ServiceClass, k.Model, k.App, k.TaskKind}, "|")
}

// Hash returns a fixed-length digest of the key, used in store keys.
func (k Key) Hash() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// Outcome is the single terminal result shared by every caller of a key.
type Outcome struct {
	Status   tasks.Status    `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	LeaderID string          `json:"leader_id"`
	Endpoint string          `json:"endpoint,omitempty"`
}

// Execution is one in-flight run of a key and the callers sharing it.
type Execution struct {
	Key      Key
	LeaderID string

	waiters   atomic.Int64
	done      chan struct{}
	outcome   Outcome
	abandoned bool
}

// ErrAbandoned is returned to waiters whose leader gave up the execution
// without an outcome. The key is free again and a waiter may claim it.
var ErrAbandoned = errors.New("execution abandoned by its leader")

// Done is closed when the outcome is available.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Outcome returns the shared outcome. Only valid after Done is closed.
func (e *Execution) Outcome() Outcome {
	<-e.done
	return e.outcome
}

// Wait blocks for the shared outcome. A waiter whose ctx ends detaches
// without affecting the execution. ErrAbandoned means the leader was
// cancelled before producing an outcome.
func (e *Execution) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-e.done:
		if e.abandoned {
			e.waiters.Add(-1)
			return Outcome{}, ErrAbandoned
		}
		return e.outcome, nil
	case <-ctx.Done():
		e.waiters.Add(-1)
		return Outcome{}, context.Cause(ctx)
	}
}

// Waiters returns how many callers are attached besides the leader.
func (e *Execution) Waiters() int {
	return int(e.waiters.Load())
}

// Stats counts deduplication activity.
type Stats struct {
	Executions int64 `json:"executions"`
	Shared     int64 `json:"shared"`
	InFlight   int   `json:"in_flight"`
}

// Deduplicator collapses concurrent identical submissions. The check and the
// registration happen under one mutex, so at most one execution per key is
// ever in flight in this process.
type Deduplicator struct {
	mu       sync.Mutex
	inflight map[Key]*Execution

	cfg    Config
	store  ClaimStore
	logger *slog.Logger
	msink  metrics.MetricSink

	executions atomic.Int64
	shared     atomic.Int64
}

// New creates a deduplicator. store may be nil for process-local operation.
func New(cfg Config, store ClaimStore, logger *slog.Logger, sink metrics.MetricSink) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{
		inflight: make(map[Key]*Execution),
		cfg:      cfg,
		store:    store,
		logger:   logger,
		msink:    telemetry.OrDefault(sink),
	}
}

// Enabled reports whether submissions are collapsed.
func (d *Deduplicator) Enabled() bool {
	return d.cfg.Enabled
}

// Claim registers taskID as the executor of key, or attaches it as a waiter
// of the execution already in flight. leader is true for the executor, who
// must call Finish exactly once.
func (d *Deduplicator) Claim(key Key, taskID string) (exec *Execution, leader bool) {
	if !d.cfg.Enabled {
		d.executions.Add(1)
		return &Execution{Key: key, LeaderID: taskID, done: make(chan struct{})}, true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.inflight[key]; ok {
		existing.waiters.Add(1)
		d.shared.Add(1)
		d.msink.IncrCounterWithLabels(telemetry.MetricDedupShared, 1, []metrics.Label{
			telemetry.LabelServiceClass.M(key.ServiceClass),
		})
		d.logger.Debug("attached to in-flight execution",
			"task_id", taskID, "leader", existing.LeaderID, "key", key.String())
		return existing, false
	}

	exec = &Execution{Key: key, LeaderID: taskID, done: make(chan struct{})}
	d.inflight[key] = exec
	d.executions.Add(1)
	return exec, true
}

// Finish publishes the outcome to every waiter and clears the key.
func (d *Deduplicator) Finish(exec *Execution, outcome Outcome) {
	d.mu.Lock()
	if d.inflight[exec.Key] == exec {
		delete(d.inflight, exec.Key)
	}
	d.mu.Unlock()

	outcome.LeaderID = exec.LeaderID
	exec.outcome = outcome
	close(exec.done)
}

// Abandon clears the key without an outcome. Waiters get ErrAbandoned and
// race to claim the key again, so one of them takes over as leader.
func (d *Deduplicator) Abandon(exec *Execution) {
	d.mu.Lock()
	if d.inflight[exec.Key] == exec {
		delete(d.inflight, exec.Key)
	}
	d.mu.Unlock()

	exec.abandoned = true
	close(exec.done)
}

// Stats returns counters.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	n := len(d.inflight)
	d.mu.Unlock()
	return Stats{
		Executions: d.executions.Load(),
		Shared:     d.shared.Load(),
		InFlight:   n,
	}
}

// ErrClaimLost is returned to remote waiters whose leader vanished without
// publishing an outcome.
var ErrClaimLost = errors.New("remote claim released without an outcome")

// ClaimStore coordinates executions across orchestrator processes.
type ClaimStore interface {
	// Claim atomically takes key for owner. When another owner holds it,
	// claimed is false and holder names that owner.
	Claim(ctx context.Context, key Key, owner string) (claimed bool, holder string, err error)
	// Publish stores the outcome for remote waiters and releases owner's claim.
	Publish(ctx context.Context, key Key, owner string, outcome Outcome) error
	// Await polls for the outcome published by holder.
	Await(ctx context.Context, key Key, holder string) (Outcome, error)
	// Refresh extends owner's claim. held is false once the claim is gone.
	Refresh(ctx context.Context, key Key, owner string) (held bool, err error)
	// Release drops owner's claim without an outcome.
	Release(ctx context.Context, key Key, owner string) error
}

// ClaimRemote takes the cross-process claim for a local leader. It returns
// the remote holder when another process already runs key, or "" when this
// process owns it (always, without a store). Store failures are logged and
// treated as owning the key, so a Redis outage degrades to local dedup.
func (d *Deduplicator) ClaimRemote(ctx context.Context, key Key, owner string) string {
	if d.store == nil || !d.cfg.Enabled {
		return ""
	}
	claimed, holder, err := d.store.Claim(ctx, key, owner)
	if err != nil {
		d.logger.Warn("dedup claim store unavailable, running locally", "key", key.String(), "error", err)
		return ""
	}
	if claimed {
		return ""
	}
	d.shared.Add(1)
	d.msink.IncrCounterWithLabels(telemetry.MetricDedupShared, 1, []metrics.Label{
		telemetry.LabelServiceClass.M(key.ServiceClass),
	})
	return holder
}

// AwaitRemote waits for the outcome of a remote holder.
func (d *Deduplicator) AwaitRemote(ctx context.Context, key Key, holder string) (Outcome, error) {
	return d.store.Await(ctx, key, holder)
}

// PublishRemote releases owner's cross-process claim with outcome.
func (d *Deduplicator) PublishRemote(ctx context.Context, key Key, owner string, outcome Outcome) {
	if d.store == nil || !d.cfg.Enabled {
		return
	}
	outcome.LeaderID = owner
	if err := d.store.Publish(ctx, key, owner, outcome); err != nil {
		d.logger.Warn("failed to publish dedup outcome", "key", key.String(), "error", err)
	}
}

// KeepRemote extends owner's cross-process claim every third of ClaimTTL
// until stop is called, so a leader that outlives ClaimTTL keeps the key.
// Refreshing ends early if the claim was lost.
func (d *Deduplicator) KeepRemote(key Key, owner string) (stop func()) {
	if d.store == nil || !d.cfg.Enabled {
		return func() {}
	}
	ttl := d.cfg.ClaimTTL
	if ttl <= 0 {
		ttl = DefaultConfig().ClaimTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			held, err := d.store.Refresh(ctx, key, owner)
			switch {
			case err != nil && ctx.Err() == nil:
				d.logger.Warn("failed to refresh dedup claim", "key", key.String(), "error", err)
			case err == nil && !held:
				d.logger.Warn("dedup claim lost while running", "key", key.String(), "owner", owner)
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// ReleaseRemote drops owner's cross-process claim without an outcome.
func (d *Deduplicator) ReleaseRemote(ctx context.Context, key Key, owner string) {
	if d.store == nil || !d.cfg.Enabled {
		return
	}
	if err := d.store.Release(ctx, key, owner); err != nil {
		d.logger.Warn("failed to release dedup claim", "key", key.String(), "error", err)
	}
}

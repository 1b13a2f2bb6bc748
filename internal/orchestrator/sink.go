package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/steveyegge/analyzerd/internal/events"
	"github.com/steveyegge/analyzerd/internal/storage"
	"github.com/steveyegge/analyzerd/internal/tasks"
	"golang.org/x/time/rate"
)

const (
	sinkQueueSize    = 1024
	sinkWriteTimeout = 5 * time.Second
)

// sinkOp is one ordered write. Exactly one field is set.
type sinkOp struct {
	created *tasks.Info
	updated *tasks.Info
	event   *events.TaskEvent
	flushed chan struct{}
}

// sinkWriter serializes store writes on one goroutine. Task transitions are
// observed under the task lock, so enqueueing them keeps per-task order
// without holding that lock across a database write. Enqueueing never
// blocks: when the store falls behind and the queue is full, writes are
// dropped and counted. Every update carries the full task row, so a later
// transition repairs a dropped one.
type sinkWriter struct {
	store  storage.Storage
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	ops    chan sinkOp
	done   chan struct{}

	dropped  atomic.Int64
	dropWarn rate.Sometimes
}

func newSinkWriter(store storage.Storage, logger *slog.Logger) *sinkWriter {
	return newSizedSinkWriter(store, logger, sinkQueueSize)
}

func newSizedSinkWriter(store storage.Storage, logger *slog.Logger, size int) *sinkWriter {
	w := &sinkWriter{
		store:    store,
		logger:   logger,
		ops:      make(chan sinkOp, size),
		done:     make(chan struct{}),
		dropWarn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	if store == nil {
		w.closed = true
		close(w.done)
		return w
	}
	go w.loop()
	return w
}

func (w *sinkWriter) enqueue(op sinkOp) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.ops <- op:
		return true
	default:
	}
	n := w.dropped.Add(1)
	w.dropWarn.Do(func() {
		w.logger.Warn("store writer backlogged, dropping writes", "dropped_total", n)
	})
	return false
}

// Dropped returns how many writes were discarded on a full queue.
func (w *sinkWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Created records a new task.
func (w *sinkWriter) Created(info tasks.Info) { w.enqueue(sinkOp{created: &info}) }

// Updated records a transition of a known task.
func (w *sinkWriter) Updated(info tasks.Info) { w.enqueue(sinkOp{updated: &info}) }

// Event appends to the event log.
func (w *sinkWriter) Event(e *events.TaskEvent) { w.enqueue(sinkOp{event: e}) }

// Flush waits until every write enqueued before it is done. Unlike writes,
// the marker waits for queue space.
func (w *sinkWriter) Flush() {
	ch := make(chan struct{})
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return
	}
	w.ops <- sinkOp{flushed: ch}
	w.mu.RUnlock()
	<-ch
}

// Close drains pending writes and stops the writer. Later writes are dropped.
func (w *sinkWriter) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ops)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *sinkWriter) loop() {
	defer close(w.done)
	for op := range w.ops {
		if op.flushed != nil {
			close(op.flushed)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
		w.apply(ctx, op)
		cancel()
	}
}

func (w *sinkWriter) apply(ctx context.Context, op sinkOp) {
	switch {
	case op.created != nil:
		if err := w.store.CreateTask(ctx, *op.created); err != nil {
			w.logger.Warn("failed to persist task", "task_id", op.created.ID, "error", err)
		}
	case op.updated != nil:
		err := w.store.UpdateTaskStatus(ctx, *op.updated)
		if errors.Is(err, tasks.ErrTaskNotFound) {
			// The create was lost; the full row is in the update.
			err = w.store.CreateTask(ctx, *op.updated)
		}
		if err != nil {
			w.logger.Warn("failed to persist task transition",
				"task_id", op.updated.ID, "status", op.updated.Status, "error", err)
		}
	case op.event != nil:
		if err := w.store.StoreTaskEvent(ctx, op.event); err != nil {
			w.logger.Warn("failed to store task event",
				"task_id", op.event.TaskID, "type", op.event.Type, "error", err)
		}
	}
}

// onTransition is the task registry observer. It runs under the task lock.
func (o *Orchestrator) onTransition(info tasks.Info, from tasks.Status) {
	if from == "" {
		o.sink.Created(info)
	} else {
		o.sink.Updated(info)
	}

	event, err := events.NewTransitionEvent(info.ID, info.ServiceClass, info.Endpoint, events.TransitionData{
		From:         string(from),
		To:           string(info.Status),
		Attempts:     info.Attempts,
		StuckRetries: info.StuckRetries,
		SharedFrom:   info.SharedFrom,
		Error:        info.Error,
	})
	if err != nil {
		o.logger.Warn("failed to build transition event", "task_id", info.ID, "error", err)
		return
	}
	o.sink.Event(event)
}

// onProgress records worker progress frames as events.
func (o *Orchestrator) onProgress(taskID string, data json.RawMessage) {
	var class, ep string
	if t, err := o.tasks.Get(taskID); err == nil {
		info := t.Info()
		class, ep = info.ServiceClass, info.Endpoint
	}

	var payload interface{} = string(data)
	if len(data) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(data, &decoded); err == nil {
			payload = decoded
		}
	}

	event, err := events.NewProgressEvent(taskID, class, ep, events.ProgressData{Payload: payload})
	if err != nil {
		o.logger.Warn("failed to build progress event", "task_id", taskID, "error", err)
		return
	}
	o.sink.Event(event)
}

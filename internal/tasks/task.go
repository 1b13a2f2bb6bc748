// Package tasks tracks orchestrator-managed tasks from submission to their
// single terminal status.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/steveyegge/analyzerd/internal/protocol"
)

// Status is the lifecycle state of a managed task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValid checks if the status value is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var (
	// ErrTaskNotFound is returned for unknown or evicted task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskCancelled is the cancellation cause of caller-cancelled tasks.
	ErrTaskCancelled = errors.New("task cancelled")
	// ErrStuckTask is the cancellation cause of attempts with no heartbeat.
	ErrStuckTask = errors.New("task stuck: no heartbeat within threshold")
	// ErrAlreadyTerminal is returned when finishing a finished task.
	ErrAlreadyTerminal = errors.New("task already terminal")
	// ErrNotTerminal is returned when acknowledging a task still in flight.
	ErrNotTerminal = errors.New("task not terminal")
)

// Submission is what a caller asks the orchestrator to run.
type Submission struct {
	ServiceClass string          `json:"service_class"`
	Target       protocol.Target `json:"target"`
	Tools        []string        `json:"tools"`
	TaskKind     string          `json:"task_kind,omitempty"`
	Priority     int             `json:"priority,omitempty"`
}

// Info is an immutable copy of a task's state.
type Info struct {
	ID            string          `json:"task_id"`
	ServiceClass  string          `json:"service_class"`
	Target        protocol.Target `json:"target"`
	Tools         []string        `json:"tools"`
	TaskKind      string          `json:"task_kind,omitempty"`
	Priority      int             `json:"priority,omitempty"`
	Status        Status          `json:"status"`
	Endpoint      string          `json:"endpoint,omitempty"`
	SharedFrom    string          `json:"shared_from,omitempty"`
	Attempts      int             `json:"attempts"`
	StuckRetries  int             `json:"stuck_retries"`
	Error         string          `json:"error,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	StartedAt     time.Time       `json:"started_at,omitempty"`
	LastHeartbeat time.Time       `json:"last_heartbeat,omitempty"`
	FinishedAt    time.Time       `json:"finished_at,omitempty"`
}

// ManagedTask is one tracked task. All fields are guarded by mu; callers
// read them through Info.
type ManagedTask struct {
	id  string
	sub Submission

	mu            sync.Mutex
	status        Status
	endpoint      string
	sharedFrom    string
	attempts      int
	stuckRetries  int
	errMsg        string
	result        json.RawMessage
	submittedAt   time.Time
	startedAt     time.Time
	lastHeartbeat time.Time
	finishedAt    time.Time

	// token is cancelled with ErrTaskCancelled by Cancel.
	token       context.Context
	cancelToken context.CancelCauseFunc

	// cancelAttempt aborts the current attempt only (stuck sweep).
	cancelAttempt context.CancelCauseFunc

	done chan struct{}
}

// ID returns the task id.
func (t *ManagedTask) ID() string {
	return t.id
}

// Submission returns what was submitted.
func (t *ManagedTask) Submission() Submission {
	return t.sub
}

// Token returns the task's cancellation token. Its cause is ErrTaskCancelled
// after Cancel.
func (t *ManagedTask) Token() context.Context {
	return t.token
}

// Done is closed once the task is terminal.
func (t *ManagedTask) Done() <-chan struct{} {
	return t.done
}

// Status returns the current status.
func (t *ManagedTask) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Info returns a copy of the task state.
func (t *ManagedTask) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.infoLocked()
}

func (t *ManagedTask) infoLocked() Info {
	return Info{
		ID:            t.id,
		ServiceClass:  t.sub.ServiceClass,
		Target:        t.sub.Target,
		Tools:         append([]string(nil), t.sub.Tools...),
		TaskKind:      t.sub.TaskKind,
		Priority:      t.sub.Priority,
		Status:        t.status,
		Endpoint:      t.endpoint,
		SharedFrom:    t.sharedFrom,
		Attempts:      t.attempts,
		StuckRetries:  t.stuckRetries,
		Error:         t.errMsg,
		Result:        t.result,
		SubmittedAt:   t.submittedAt,
		StartedAt:     t.startedAt,
		LastHeartbeat: t.lastHeartbeat,
		FinishedAt:    t.finishedAt,
	}
}

// Wait blocks until the task is terminal or ctx is done.
func (t *ManagedTask) Wait(ctx context.Context) (Info, error) {
	select {
	case <-t.done:
		return t.Info(), nil
	case <-ctx.Done():
		return t.Info(), ctx.Err()
	}
}

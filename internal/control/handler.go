package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/analyzerd/internal/endpoint"
	"github.com/steveyegge/analyzerd/internal/events"
	"github.com/steveyegge/analyzerd/internal/orchestrator"
	"github.com/steveyegge/analyzerd/internal/tasks"
)

// Error codes carried in Response.Code.
const (
	CodeInvalid     = "invalid"
	CodeNotFound    = "not_found"
	CodeNotTerminal = "not_terminal"
	CodeNotRunning  = "not_running"
	CodeNoStore     = "no_store"
	CodeTimeout     = "timeout"
)

// Backend is the orchestrator surface the control socket exposes.
type Backend interface {
	Submit(sub tasks.Submission) (tasks.Info, error)
	Cancel(id string) (tasks.Info, error)
	Status(ctx context.Context, id string) (tasks.Info, error)
	Wait(ctx context.Context, id string) (tasks.Info, error)
	Acknowledge(id string) error
	Tasks(statuses ...tasks.Status) []tasks.Info
	Endpoints() []endpoint.Status
	Events(ctx context.Context, filter events.EventFilter) ([]*events.TaskEvent, error)
	Stats() orchestrator.Stats
}

var errUnknownCommand = errors.New("unknown command")

// NewHandler maps commands onto b.
func NewHandler(b Backend) HandlerFunc {
	return func(ctx context.Context, cmd Command) (interface{}, error) {
		switch cmd.Type {
		case CmdSubmit:
			if cmd.Submission == nil {
				return nil, fmt.Errorf("%w: submit requires a submission", orchestrator.ErrInvalidSubmission)
			}
			return b.Submit(*cmd.Submission)
		case CmdCancel:
			return b.Cancel(cmd.TaskID)
		case CmdStatus:
			return b.Status(ctx, cmd.TaskID)
		case CmdWait:
			info, err := b.Wait(ctx, cmd.TaskID)
			if err != nil && ctx.Err() != nil {
				return nil, fmt.Errorf("task %s still %s: %w", cmd.TaskID, info.Status, context.DeadlineExceeded)
			}
			return info, err
		case CmdAck:
			if err := b.Acknowledge(cmd.TaskID); err != nil {
				return nil, err
			}
			return map[string]string{"task_id": cmd.TaskID}, nil
		case CmdList:
			return b.Tasks(cmd.Statuses...), nil
		case CmdEndpoints:
			return b.Endpoints(), nil
		case CmdEvents:
			return b.Events(ctx, cmd.Events.filter())
		case CmdStats:
			return b.Stats(), nil
		default:
			return nil, fmt.Errorf("%w: %q", errUnknownCommand, cmd.Type)
		}
	}
}

func (q *EventQuery) filter() events.EventFilter {
	if q == nil {
		return events.EventFilter{Limit: 100}
	}
	return events.EventFilter{
		TaskID:    q.TaskID,
		Type:      events.EventType(q.Type),
		Severity:  events.EventSeverity(q.Severity),
		AfterTime: q.After,
		Limit:     q.Limit,
	}
}

func codeOf(err error) string {
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		return CodeNotFound
	case errors.Is(err, tasks.ErrNotTerminal):
		return CodeNotTerminal
	case errors.Is(err, orchestrator.ErrNotRunning):
		return CodeNotRunning
	case errors.Is(err, orchestrator.ErrNoStore):
		return CodeNoStore
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, orchestrator.ErrInvalidSubmission), errors.Is(err, errUnknownCommand):
		return CodeInvalid
	}
	return ""
}

// errorFor rebuilds a sentinel-wrapped error from a failed response.
func errorFor(resp *Response) error {
	var sentinel error
	switch resp.Code {
	case CodeNotFound:
		sentinel = tasks.ErrTaskNotFound
	case CodeNotTerminal:
		sentinel = tasks.ErrNotTerminal
	case CodeNotRunning:
		sentinel = orchestrator.ErrNotRunning
	case CodeNoStore:
		sentinel = orchestrator.ErrNoStore
	case CodeTimeout:
		sentinel = context.DeadlineExceeded
	case CodeInvalid:
		sentinel = ErrInvalidCommand
	default:
		return fmt.Errorf("%w: %s", ErrCommandFailed, resp.Error)
	}
	return fmt.Errorf("%w: %s", sentinel, resp.Error)
}

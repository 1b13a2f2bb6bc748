package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/steveyegge/analyzerd/internal/endpoint"
	"github.com/steveyegge/analyzerd/internal/events"
	"github.com/steveyegge/analyzerd/internal/orchestrator"
	"github.com/steveyegge/analyzerd/internal/tasks"
)

var (
	// ErrCommandFailed wraps server-side failures without a known code.
	ErrCommandFailed = errors.New("control command failed")
	// ErrInvalidCommand is returned for rejected commands or submissions.
	ErrInvalidCommand = errors.New("invalid control command")
)

// Client sends control commands to a running orchestrator
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new control client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    10 * time.Second, // Default 10s timeout
	}
}

// SetTimeout sets the client timeout for commands
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// SendCommand sends a command to the orchestrator and waits for response
func (c *Client) SendCommand(cmd Command) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to orchestrator (is it running?): %w", err)
	}
	defer conn.Close()

	// Wait commands hold the connection for their own timeout
	if err := conn.SetDeadline(time.Now().Add(c.timeout + cmd.Timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}
	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

// call sends cmd and decodes a successful response into out.
func (c *Client) call(cmd Command, out interface{}) error {
	resp, err := c.SendCommand(cmd)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errorFor(resp)
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", cmd.Type, err)
	}
	return nil
}

// Submit sends a submission and returns the registered task.
func (c *Client) Submit(sub tasks.Submission) (tasks.Info, error) {
	var info tasks.Info
	err := c.call(Command{Type: CmdSubmit, Submission: &sub}, &info)
	return info, err
}

// Cancel requests cancellation of a task.
func (c *Client) Cancel(taskID string) (tasks.Info, error) {
	var info tasks.Info
	err := c.call(Command{Type: CmdCancel, TaskID: taskID}, &info)
	return info, err
}

// Status returns a task's current state.
func (c *Client) Status(taskID string) (tasks.Info, error) {
	var info tasks.Info
	err := c.call(Command{Type: CmdStatus, TaskID: taskID}, &info)
	return info, err
}

// Wait blocks until the task is terminal or timeout elapses on the server.
func (c *Client) Wait(taskID string, timeout time.Duration) (tasks.Info, error) {
	var info tasks.Info
	err := c.call(Command{Type: CmdWait, TaskID: taskID, Timeout: timeout}, &info)
	return info, err
}

// Acknowledge releases a terminal task.
func (c *Client) Acknowledge(taskID string) error {
	return c.call(Command{Type: CmdAck, TaskID: taskID}, nil)
}

// List returns in-memory tasks, optionally filtered by status.
func (c *Client) List(statuses ...tasks.Status) ([]tasks.Info, error) {
	var out []tasks.Info
	err := c.call(Command{Type: CmdList, Statuses: statuses}, &out)
	return out, err
}

// Endpoints returns the endpoint health snapshot.
func (c *Client) Endpoints() ([]endpoint.Status, error) {
	var out []endpoint.Status
	err := c.call(Command{Type: CmdEndpoints}, &out)
	return out, err
}

// Events returns recorded events, newest first.
func (c *Client) Events(q EventQuery) ([]*events.TaskEvent, error) {
	var out []*events.TaskEvent
	err := c.call(Command{Type: CmdEvents, Events: &q}, &out)
	return out, err
}

// Stats returns pool, dedup and task counters.
func (c *Client) Stats() (orchestrator.Stats, error) {
	var out orchestrator.Stats
	err := c.call(Command{Type: CmdStats}, &out)
	return out, err
}

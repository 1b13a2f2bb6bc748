// Package control serves the orchestrator's caller contract over a Unix
// domain socket: one JSON command and one JSON response per connection.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/steveyegge/analyzerd/internal/tasks"
)

// Command types.
const (
	CmdSubmit    = "submit"
	CmdCancel    = "cancel"
	CmdStatus    = "status"
	CmdWait      = "wait"
	CmdAck       = "ack"
	CmdList      = "list"
	CmdEndpoints = "endpoints"
	CmdEvents    = "events"
	CmdStats     = "stats"
)

// Command represents a control command sent to the orchestrator
type Command struct {
	Type       string            `json:"type"`
	TaskID     string            `json:"task_id,omitempty"`
	Submission *tasks.Submission `json:"submission,omitempty"`
	Statuses   []tasks.Status    `json:"statuses,omitempty"`
	Events     *EventQuery       `json:"events,omitempty"`
	// Timeout bounds a wait command; the server caps it at MaxWait.
	Timeout   time.Duration `json:"timeout,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventQuery selects events for an events command.
type EventQuery struct {
	TaskID   string    `json:"task_id,omitempty"`
	Type     string    `json:"type,omitempty"`
	Severity string    `json:"severity,omitempty"`
	After    time.Time `json:"after,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}

// Response represents a response to a control command
type Response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	// Code classifies Error so clients can map it back to a sentinel.
	Code string `json:"code,omitempty"`
}

// HandlerFunc executes one command and returns the JSON-serializable
// response data.
type HandlerFunc func(ctx context.Context, cmd Command) (interface{}, error)

// Server manages the control socket for orchestrator communication
type Server struct {
	socketPath string
	listener   net.Listener
	logger     *slog.Logger
	mu         sync.RWMutex
	running    bool
	stopCh     chan struct{}
	doneCh     chan struct{}
	conns      sync.WaitGroup

	// MaxWait caps wait commands (default: 10m).
	MaxWait time.Duration

	onCommand HandlerFunc
}

// NewServer creates a new control server
// socketPath should be something like .analyzerd/analyzerd.sock
func NewServer(socketPath string, onCommand HandlerFunc, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Ensure parent directory exists
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove existing socket file if it exists (from crashed previous instance)
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	return &Server{
		socketPath: socketPath,
		logger:     logger,
		onCommand:  onCommand,
		MaxWait:    10 * time.Minute,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start begins listening for control commands
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("control server already running")
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create control socket: %w", err)
	}

	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.logger.Info("control server listening", "socket", s.socketPath)

	go s.acceptLoop(ctx)
	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.doneCh)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		// Accept timeout lets the loop notice the stop channel
		if err := s.listener.(*net.UnixListener).SetDeadline(time.Now().Add(1 * time.Second)); err != nil {
			s.logger.Warn("control: failed to set deadline", "error", err)
			continue
		}

		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.logger.Warn("control: accept error", "error", err)
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection processes a single control connection
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Read deadline prevents hanging on bad clients
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		s.logger.Warn("control: failed to set read deadline", "error", err)
		return
	}

	var cmd Command
	if err := json.NewDecoder(conn).Decode(&cmd); err != nil {
		s.sendError(conn, fmt.Sprintf("failed to decode command: %v", err), CodeInvalid)
		return
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}

	cmdCtx, cancel := s.commandContext(ctx, cmd)
	defer cancel()

	var resp Response
	if s.onCommand == nil {
		resp = Response{
			Success: false,
			Message: "No command handler registered",
			Error:   "server misconfiguration",
		}
	} else if data, err := s.onCommand(cmdCtx, cmd); err != nil {
		resp = Response{
			Success: false,
			Message: fmt.Sprintf("Command '%s' failed: %v", cmd.Type, err),
			Error:   err.Error(),
			Code:    codeOf(err),
		}
	} else {
		raw, err := json.Marshal(data)
		if err != nil {
			resp = Response{Success: false, Message: "failed to encode response", Error: err.Error()}
		} else {
			resp = Response{
				Success: true,
				Message: fmt.Sprintf("Command '%s' completed successfully", cmd.Type),
				Data:    raw,
			}
		}
	}

	if err := s.sendResponse(conn, resp); err != nil {
		s.logger.Warn("control: failed to send response", "type", cmd.Type, "error", err)
	}
}

func (s *Server) commandContext(ctx context.Context, cmd Command) (context.Context, context.CancelFunc) {
	if cmd.Type != CmdWait {
		return context.WithTimeout(ctx, 30*time.Second)
	}
	timeout := cmd.Timeout
	if timeout <= 0 || timeout > s.MaxWait {
		timeout = s.MaxWait
	}
	return context.WithTimeout(ctx, timeout)
}

// sendError sends an error response to the client
func (s *Server) sendError(conn net.Conn, message, code string) {
	resp := Response{
		Success: false,
		Message: message,
		Error:   message,
		Code:    code,
	}
	_ = s.sendResponse(conn, resp) // Ignore errors on error path
}

// sendResponse sends a response to the client
func (s *Server) sendResponse(conn net.Conn, resp Response) error {
	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return json.NewEncoder(conn).Encode(resp)
}

// Stop stops the control server
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)

	// Close listener to unblock Accept
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.Warn("control: error closing listener", "error", err)
		}
	}

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		s.logger.Warn("control: timeout waiting for server shutdown")
	}

	if err := os.RemoveAll(s.socketPath); err != nil {
		s.logger.Warn("control: failed to remove socket file", "error", err)
	}

	s.logger.Info("control server stopped")
	return nil
}

// Wait blocks until every accepted connection has been answered.
func (s *Server) Wait() {
	s.conns.Wait()
}

// IsRunning returns whether the server is currently running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// SocketPath returns the path to the control socket
func (s *Server) SocketPath() string {
	return s.socketPath
}

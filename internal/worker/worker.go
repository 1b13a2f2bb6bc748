// Package worker is the worker-side runtime of the analysis RPC contract.
//
// A Server upgrades HTTP requests to WebSocket connections and serves
// exactly one exchange per connection: either a ping/pong liveness probe or
// one task (request -> progress* -> result|error). After writing the
// terminal frame the server keeps the connection open until the caller
// closes it, so the caller never races a premature close.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/steveyegge/analyzerd/internal/protocol"
	"github.com/steveyegge/analyzerd/internal/transport"
)

// ProgressFunc publishes one progress frame. data must be JSON-serializable.
type ProgressFunc func(data interface{}) error

// Handler runs the analysis for one request. ctx is cancelled when the
// caller sends a cancel frame or disconnects.
type Handler interface {
	Handle(ctx context.Context, req protocol.Request, progress ProgressFunc) (interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req protocol.Request, progress ProgressFunc) (interface{}, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req protocol.Request, progress ProgressFunc) (interface{}, error) {
	return f(ctx, req, progress)
}

// Stats counts what a server has seen. Safe for concurrent reads.
type Stats struct {
	Connections atomic.Int64
	Requests    atomic.Int64
	Pings       atomic.Int64
	Cancels     atomic.Int64
	Completed   atomic.Int64
	Failed      atomic.Int64
}

// Server serves the worker side of the protocol over WebSocket.
type Server struct {
	handler  Handler
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// CloseWait bounds how long the server waits for the caller to close
	// after the terminal frame (default: 30s).
	CloseWait time.Duration

	// FirstFrameTimeout bounds the wait for the opening frame (default: 10s).
	FirstFrameTimeout time.Duration

	// RejectPings makes the server drop probe connections without a pong.
	// Used to simulate a worker that is up but unhealthy.
	RejectPings atomic.Bool

	Stats Stats
}

// NewServer creates a server for h. A nil logger uses slog.Default().
func NewServer(h Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handler:           h,
		logger:            logger,
		CloseWait:         30 * time.Second,
		FirstFrameTimeout: 10 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.Stats.Connections.Add(1)

	conn := transport.NewConn(ws)
	defer conn.Close()

	s.serve(r.Context(), conn)
}

func (s *Server) serve(ctx context.Context, conn transport.Conn) {
	firstCtx, cancel := context.WithTimeout(ctx, s.FirstFrameTimeout)
	first, err := conn.Receive(firstCtx)
	cancel()
	if err != nil {
		s.logger.Debug("no opening frame", "error", err)
		return
	}

	switch msg := first.(type) {
	case protocol.Ping:
		s.Stats.Pings.Add(1)
		if s.RejectPings.Load() {
			return
		}
		if err := conn.Send(ctx, protocol.Pong{}); err != nil {
			s.logger.Debug("failed to send pong", "error", err)
			return
		}
		s.awaitClose(ctx, conn)
	case protocol.Request:
		s.Stats.Requests.Add(1)
		s.serveTask(ctx, conn, msg)
	default:
		s.logger.Warn("unexpected opening frame", "type", first.Type())
	}
}

func (s *Server) serveTask(ctx context.Context, conn transport.Conn, req protocol.Request) {
	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()

	// The reader goroutine owns all reads after the opening frame. It
	// cancels the task on a cancel frame or when the caller goes away.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancelTask()
		for {
			msg, err := conn.Receive(context.Background())
			if err != nil {
				return
			}
			if c, ok := msg.(protocol.Cancel); ok && c.TaskID == req.TaskID {
				s.Stats.Cancels.Add(1)
				s.logger.Info("task cancelled by caller", "task_id", req.TaskID)
				return
			}
		}
	}()

	progress := func(data interface{}) error {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal progress: %w", err)
		}
		return conn.Send(taskCtx, protocol.Progress{TaskID: req.TaskID, Data: raw})
	}

	out, err := s.handler.Handle(taskCtx, req, progress)

	if taskCtx.Err() != nil {
		// Caller cancelled or disconnected; nobody is waiting for a terminal frame.
		return
	}

	var terminal protocol.Message
	if err != nil {
		s.Stats.Failed.Add(1)
		terminal = protocol.ErrorMessage{TaskID: req.TaskID, Message: err.Error()}
	} else {
		raw, mErr := json.Marshal(out)
		if mErr != nil {
			s.Stats.Failed.Add(1)
			terminal = protocol.ErrorMessage{TaskID: req.TaskID, Message: fmt.Sprintf("marshal result: %v", mErr)}
		} else {
			s.Stats.Completed.Add(1)
			terminal = protocol.Result{TaskID: req.TaskID, Data: raw}
		}
	}

	sendCtx, cancelSend := context.WithTimeout(ctx, 10*time.Second)
	defer cancelSend()
	if err := conn.Send(sendCtx, terminal); err != nil {
		s.logger.Warn("failed to send terminal frame", "task_id", req.TaskID, "error", err)
		return
	}

	select {
	case <-readerDone:
	case <-time.After(s.CloseWait):
		s.logger.Debug("caller did not close after terminal frame", "task_id", req.TaskID)
	}
}

// awaitClose drains the connection until the caller closes it.
func (s *Server) awaitClose(ctx context.Context, conn transport.Conn) {
	waitCtx, cancel := context.WithTimeout(ctx, s.CloseWait)
	defer cancel()
	for {
		if _, err := conn.Receive(waitCtx); err != nil {
			return
		}
	}
}

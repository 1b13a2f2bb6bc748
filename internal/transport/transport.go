// Package transport carries protocol frames over persistent WebSocket
// connections to analysis workers.
//
// One connection is opened per task and one per liveness probe. The caller
// is always the side that closes a task connection, and only after it has
// read the terminal frame (or given up on the task).
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/steveyegge/analyzerd/internal/protocol"
)

var (
	// ErrDial is returned when a worker connection cannot be established.
	ErrDial = errors.New("transport: dial failed")
	// ErrClosed is returned when using a connection after Close.
	ErrClosed = errors.New("transport: connection closed")
)

// Conn is one bidirectional frame stream to a worker.
type Conn interface {
	Send(ctx context.Context, msg protocol.Message) error
	Receive(ctx context.Context) (protocol.Message, error)
	Close() error
}

// Dialer opens connections to worker addresses.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// WebSocketDialer dials ws:// worker endpoints.
type WebSocketDialer struct {
	// HandshakeTimeout bounds the WebSocket upgrade (default: 10s).
	HandshakeTimeout time.Duration
	// Header is sent with every handshake.
	Header http.Header
}

// NewWebSocketDialer returns a dialer with default settings.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{HandshakeTimeout: 10 * time.Second}
}

// Dial connects to address. Bare host:port addresses are treated as ws://.
func (d *WebSocketDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	ws, resp, err := dialer.DialContext(ctx, NormalizeURL(address), d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDial, address, err)
	}
	return NewConn(ws), nil
}

// NormalizeURL turns "host:port" or "http://host" into a ws URL.
func NormalizeURL(address string) string {
	switch {
	case strings.HasPrefix(address, "ws://"), strings.HasPrefix(address, "wss://"):
		return address
	case strings.HasPrefix(address, "http://"):
		return "ws://" + strings.TrimPrefix(address, "http://")
	case strings.HasPrefix(address, "https://"):
		return "wss://" + strings.TrimPrefix(address, "https://")
	default:
		return "ws://" + address
	}
}

// wsConn adapts a gorilla connection to Conn. gorilla allows one concurrent
// reader and one concurrent writer, so each direction has its own lock.
type wsConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	readMu  sync.Mutex

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewConn wraps an established WebSocket connection. Used by both the
// dialer and the worker runtime.
func NewConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws, closed: make(chan struct{})}
}

// Send writes one frame. A write cut short by ctx leaves a partial frame on
// the wire, so the connection is closed.
func (c *wsConn) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Time{})
	}

	// gorilla resets the write deadline on every frame, so cancellation
	// closes the socket underneath the writer instead.
	stop := context.AfterFunc(ctx, func() { _ = c.ws.NetConn().Close() })
	defer stop()

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		if ctx.Err() != nil {
			_ = c.Close()
			return context.Cause(ctx)
		}
		return fmt.Errorf("transport: send %s: %w", msg.Type(), err)
	}
	return nil
}

// Receive blocks until a frame arrives, ctx is done, or the connection
// closes. Any read error, including ctx ending, closes the connection.
func (c *wsConn) Receive(ctx context.Context) (protocol.Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
	} else {
		_ = c.ws.SetReadDeadline(time.Time{})
	}

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		wasClosed := false
		select {
		case <-c.closed:
			wasClosed = true
		default:
		}
		// gorilla read errors are permanent.
		_ = c.Close()

		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, context.DeadlineExceeded
		}
		if wasClosed {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("transport: receive: %w", err)
	}
	return protocol.Decode(data)
}

// Close sends a normal close frame and tears the connection down.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// Ping runs one liveness exchange on a dedicated connection. The whole
// exchange, including the handshake, is bounded by timeout.
func Ping(ctx context.Context, d Dialer, address string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := d.Dial(ctx, address)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send(ctx, protocol.Ping{}); err != nil {
		return err
	}
	msg, err := conn.Receive(ctx)
	if err != nil {
		return fmt.Errorf("transport: waiting for pong from %s: %w", address, err)
	}
	if _, ok := msg.(protocol.Pong); !ok {
		return fmt.Errorf("%w: expected pong, got %s", protocol.ErrProtocol, msg.Type())
	}
	return nil
}

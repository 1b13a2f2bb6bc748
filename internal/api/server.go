// Package api exposes the orchestrator's caller contract over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/steveyegge/analyzerd/internal/endpoint"
	"github.com/steveyegge/analyzerd/internal/events"
	"github.com/steveyegge/analyzerd/internal/orchestrator"
	"github.com/steveyegge/analyzerd/internal/tasks"
)

// Backend is the orchestrator surface served over HTTP.
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

// Server wires the gin engine to a Backend.
type Server struct {
	engine  *gin.Engine
	backend Backend
	logger  *slog.Logger
	http    *http.Server

	// MaxWait caps the wait endpoint's timeout parameter.
	MaxWait time.Duration
}

// New builds the router. A nil logger uses slog.Default().
func New(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		backend: backend,
		logger:  logger,
		MaxWait: 5 * time.Minute,
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	router.GET("/healthz", s.health)

	v1 := router.Group("/api/v1")
	s.RegisterRoutes(v1)

	s.engine = router
	return s
}

// RegisterRoutes mounts the task, endpoint and event routes on g.
func (s *Server) RegisterRoutes(g *gin.RouterGroup) {
	g.POST("/tasks", s.submit)
	g.GET("/tasks", s.list)
	g.GET("/tasks/:id", s.status)
	g.GET("/tasks/:id/wait", s.wait)
	g.DELETE("/tasks/:id", s.cancel)
	g.POST("/tasks/:id/ack", s.acknowledge)
	g.GET("/endpoints", s.endpoints)
	g.GET("/events", s.events)
	g.GET("/stats", s.stats)
}

// Engine exposes the underlying *gin.Engine (useful for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http api listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http api: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http api: listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

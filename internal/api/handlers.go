package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/steveyegge/analyzerd/internal/endpoint"
	"github.com/steveyegge/analyzerd/internal/events"
	"github.com/steveyegge/analyzerd/internal/orchestrator"
	"github.com/steveyegge/analyzerd/internal/tasks"
)

type submitRequest struct {
	ServiceClass string   `json:"service_class" binding:"required"`
	Model        string   `json:"model"`
	App          string   `json:"app" binding:"required"`
	Tools        []string `json:"tools" binding:"required,min=1"`
	TaskKind     string   `json:"task_kind"`
	Priority     int      `json:"priority"`
}

func (r submitRequest) submission() tasks.Submission {
	sub := tasks.Submission{
		ServiceClass: r.ServiceClass,
		Tools:        r.Tools,
		TaskKind:     r.TaskKind,
		Priority:     r.Priority,
	}
	sub.Target.Model = r.Model
	sub.Target.App = r.App
	return sub
}

func (s *Server) submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	info, err := s.backend.Submit(req.submission())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("Location", "/api/v1/tasks/"+info.ID)
	c.JSON(http.StatusAccepted, info)
}

func (s *Server) list(c *gin.Context) {
	var statuses []tasks.Status
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := tasks.Status(strings.TrimSpace(part))
			if !st.IsValid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(string(st))})
				return
			}
			statuses = append(statuses, st)
		}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": s.backend.Tasks(statuses...)})
}

func (s *Server) status(c *gin.Context) {
	info, err := s.backend.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// wait answers 200 with a terminal task, or 202 with its current state when
// the timeout elapses first.
func (s *Server) wait(c *gin.Context) {
	timeout := s.MaxWait
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timeout must be a positive duration like 30s"})
			return
		}
		if d < timeout {
			timeout = d
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	info, err := s.backend.Wait(ctx, c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, info)
	case errors.Is(err, context.DeadlineExceeded) && info.ID != "":
		c.JSON(http.StatusAccepted, info)
	default:
		s.writeError(c, err)
	}
}

func (s *Server) cancel(c *gin.Context) {
	info, err := s.backend.Cancel(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) acknowledge(c *gin.Context) {
	if err := s.backend.Acknowledge(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) endpoints(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"endpoints": s.backend.Endpoints()})
}

func (s *Server) events(c *gin.Context) {
	filter := events.EventFilter{
		TaskID:   c.Query("task_id"),
		Type:     events.EventType(c.Query("type")),
		Severity: events.EventSeverity(c.Query("severity")),
		Limit:    100,
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = n
	}
	if raw := c.Query("after"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be an RFC3339 timestamp"})
			return
		}
		filter.AfterTime = t
	}

	evs, err := s.backend.Events(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Stats())
}

// health reports "ok" when every service class has a selectable endpoint,
// "degraded" when some class has none, and 503 when not running.
func (s *Server) health(c *gin.Context) {
	stats := s.backend.Stats()
	if !stats.Running {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped", "timestamp": time.Now()})
		return
	}

	classes := make(map[string]map[string]int)
	for _, ep := range s.backend.Endpoints() {
		counts, ok := classes[ep.ServiceClass]
		if !ok {
			counts = map[string]int{"healthy": 0, "total": 0}
			classes[ep.ServiceClass] = counts
		}
		counts["total"]++
		if ep.Health == endpoint.Healthy && ep.BreakerState != "open" {
			counts["healthy"]++
		}
	}

	overall := "ok"
	for _, counts := range classes {
		if counts["healthy"] == 0 {
			overall = "degraded"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    overall,
		"timestamp": time.Now(),
		"services":  classes,
	})
}

func (s *Server) writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		code = http.StatusNotFound
	case errors.Is(err, tasks.ErrNotTerminal):
		code = http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalidSubmission):
		code = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNotRunning):
		code = http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrNoStore):
		code = http.StatusNotImplemented
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("http api request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

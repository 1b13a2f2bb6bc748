package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/analyzerd/internal/config"
	"github.com/steveyegge/analyzerd/internal/events"
)

// CleanupResult reports one retention cycle.
type CleanupResult struct {
	TimeBasedDeleted   int
	PerTaskDeleted     int
	GlobalLimitDeleted int
	VacuumRan          bool
	EventsRemaining    int
	Duration           time.Duration
}

// Total returns all deletions of the cycle.
func (r CleanupResult) Total() int {
	return r.TimeBasedDeleted + r.PerTaskDeleted + r.GlobalLimitDeleted
}

// eventCleanupLoop enforces event retention until Stop.
func (o *Orchestrator) eventCleanupLoop(ctx context.Context) {
	defer close(o.loopDone)

	cfg := o.cfg.Events
	if o.store == nil {
		return
	}
	if !cfg.CleanupEnabled {
		o.logger.Info("event cleanup disabled via configuration")
		return
	}

	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	o.logger.Info("event cleanup started",
		"interval", cfg.CleanupInterval, "retention_days", cfg.RetentionDays,
		"per_task_limit", cfg.PerTaskLimitEvents, "global_limit", cfg.GlobalLimitEvents)

	// Run once on startup, before the first tick.
	if _, err := o.RunEventCleanup(ctx); err != nil {
		o.logger.Error("initial event cleanup failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			select {
			case <-o.stopCh:
				return
			default:
			}
			if _, err := o.RunEventCleanup(ctx); err != nil {
				o.logger.Error("event cleanup failed", "error", err)
			}
		}
	}
}

// RunEventCleanup executes one retention cycle: age, per-task cap, global
// cap, then an optional VACUUM. A summary event is recorded either way.
func (o *Orchestrator) RunEventCleanup(ctx context.Context) (CleanupResult, error) {
	if o.store == nil {
		return CleanupResult{}, ErrNoStore
	}
	cfg := o.cfg.Events
	start := time.Now()
	o.sink.Flush()

	res, err := o.cleanupEvents(ctx, cfg)
	res.Duration = time.Since(start)
	if err != nil {
		o.recordCleanup(ctx, res, err)
		return res, err
	}

	if cfg.CleanupVacuum && res.Total() > 0 {
		if err := o.store.VacuumDatabase(ctx); err != nil {
			o.logger.Warn("VACUUM after event cleanup failed", "error", err)
		} else {
			res.VacuumRan = true
		}
	}

	counts, err := o.store.GetEventCounts(ctx)
	if err != nil {
		o.logger.Warn("failed to count events", "error", err)
	} else if counts != nil {
		res.EventsRemaining = counts.TotalEvents
	}
	res.Duration = time.Since(start)

	o.recordCleanup(ctx, res, nil)
	if res.Total() > 0 || res.VacuumRan {
		o.logger.Info("event cleanup",
			"deleted", res.Total(), "time_based", res.TimeBasedDeleted,
			"per_task", res.PerTaskDeleted, "global_limit", res.GlobalLimitDeleted,
			"vacuum", res.VacuumRan, "remaining", res.EventsRemaining,
			"duration_ms", res.Duration.Milliseconds())
	}
	return res, nil
}

func (o *Orchestrator) cleanupEvents(ctx context.Context, cfg config.EventRetentionConfig) (CleanupResult, error) {
	var res CleanupResult
	regular, critical := cfg.Retention()

	n, err := o.store.CleanupEventsByAge(ctx, regular, critical, cfg.CleanupBatchSize)
	res.TimeBasedDeleted = n
	if err != nil {
		return res, fmt.Errorf("time-based cleanup failed: %w", err)
	}

	n, err = o.store.CleanupEventsByTaskLimit(ctx, cfg.PerTaskLimitEvents, cfg.CleanupBatchSize)
	res.PerTaskDeleted = n
	if err != nil {
		return res, fmt.Errorf("per-task limit cleanup failed: %w", err)
	}

	// Trim at 95% of the global cap so the table stays under it between cycles.
	threshold := int(float64(cfg.GlobalLimitEvents) * 0.95)
	n, err = o.store.CleanupEventsByGlobalLimit(ctx, threshold, cfg.CleanupBatchSize)
	res.GlobalLimitDeleted = n
	if err != nil {
		return res, fmt.Errorf("global limit cleanup failed: %w", err)
	}
	return res, nil
}

func (o *Orchestrator) recordCleanup(ctx context.Context, res CleanupResult, cleanupErr error) {
	if ctx.Err() != nil {
		return
	}

	severity := events.SeverityInfo
	message := fmt.Sprintf("event cleanup completed: deleted %d events in %dms", res.Total(), res.Duration.Milliseconds())
	data := map[string]interface{}{
		"events_deleted":       res.Total(),
		"time_based_deleted":   res.TimeBasedDeleted,
		"per_task_deleted":     res.PerTaskDeleted,
		"global_limit_deleted": res.GlobalLimitDeleted,
		"processing_time_ms":   res.Duration.Milliseconds(),
		"vacuum_ran":           res.VacuumRan,
		"events_remaining":     res.EventsRemaining,
		"success":              cleanupErr == nil,
	}
	if cleanupErr != nil {
		severity = events.SeverityError
		message = fmt.Sprintf("event cleanup failed: %v", cleanupErr)
		data["error"] = cleanupErr.Error()
	}

	event := events.NewSimpleEvent(events.EventTypeEventCleanupCompleted, "", "", "", severity, message)
	event.Data = data
	o.sink.Event(event)
}

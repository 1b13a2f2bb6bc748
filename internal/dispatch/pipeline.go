package dispatch

import (
	"context"
	"fmt"

	"github.com/steveyegge/analyzerd/internal/tasks"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// PipelineConfig holds streaming pipeline configuration
type PipelineConfig struct {
	// Parallelism bounds tasks in flight from one pipeline (default: 8).
	Parallelism int
	// RatePerSecond limits how fast units are submitted (0 = unlimited).
	RatePerSecond float64
	// Burst is the rate limiter burst (default: 1).
	Burst int
}

// Pipeline feeds upstream units into the dispatcher as soon as each one is
// produced, so analysis overlaps with upstream production instead of
// waiting for a whole batch.
type Pipeline struct {
	d           *Dispatcher
	parallelism int
	limiter     *rate.Limiter
}

// NewPipeline creates a pipeline over d.
func NewPipeline(d *Dispatcher, cfg PipelineConfig) *Pipeline {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	p := &Pipeline{d: d, parallelism: cfg.Parallelism}
	if cfg.RatePerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	return p
}

// Run dispatches every submission received on in and sends each final task
// state to out as it finishes, in completion order. It returns when in is
// closed and all dispatched tasks are terminal, or when ctx ends (which
// cancels the tasks still running). Task failures do not stop the pipeline.
// out may be nil.
func (p *Pipeline) Run(ctx context.Context, in <-chan tasks.Submission, out chan<- tasks.Info) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)

	emit := func(info tasks.Info) {
		if out == nil {
			return
		}
		select {
		case out <- info:
		case <-gctx.Done():
		}
	}

loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case sub, ok := <-in:
			if !ok {
				break loop
			}
			if p.limiter != nil {
				if err := p.limiter.Wait(gctx); err != nil {
					break loop
				}
			}
			t := p.d.tasks.Register(sub)
			g.Go(func() error {
				emit(p.d.Execute(gctx, t))
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("pipeline stopped: %w", context.Cause(ctx))
	}
	return nil
}

package endpoint

import (
	"context"
	"time"

	"github.com/steveyegge/analyzerd/internal/transport"
	"golang.org/x/sync/errgroup"
)

// ProberConfig configures the liveness prober.
type ProberConfig struct {
	Interval    time.Duration // Time between rounds (default: 15s)
	Timeout     time.Duration // Per-probe budget, dial included (default: 3s)
	Parallelism int           // Concurrent probes per round (default: 8)
}

// Prober pings endpoints on a fixed interval.
type Prober struct {
	registry *Registry
	dialer   transport.Dialer
	cfg      ProberConfig

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewProber creates a prober for every endpoint in registry.
func NewProber(registry *Registry, dialer transport.Dialer, cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	return &Prober{
		registry: registry,
		dialer:   dialer,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs probe rounds in a goroutine until ctx is done or Stop is called.
func (p *Prober) Start(ctx context.Context) {
	go func() {
		defer close(p.doneCh)

		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.ProbeOnce(ctx)
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

// ProbeOnce runs one round over every endpoint that is due. It returns the
// number of endpoints probed.
func (p *Prober) ProbeOnce(ctx context.Context) int {
	now := p.registry.now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Parallelism)

	probed := 0
	for _, ep := range p.registry.All() {
		if !ep.probeDue(now) {
			continue
		}
		probed++
		ep := ep
		g.Go(func() error {
			err := transport.Ping(gctx, p.dialer, ep.Address, p.cfg.Timeout)
			if gctx.Err() != nil {
				// Shutting down; the outcome says nothing about the worker.
				return nil
			}
			p.registry.RecordProbe(ep, err)
			return nil
		})
	}
	_ = g.Wait()
	return probed
}

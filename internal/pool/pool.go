// Package pool bounds concurrent worker connections per service class.
//
// Each service class owns one weighted semaphore sized to its
// max_concurrent_connections. Replica endpoints of the same class share that
// limit; there are no per-endpoint sub-limits.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/steveyegge/analyzerd/internal/telemetry"
	"golang.org/x/sync/semaphore"
)

// ErrConnectionTimeout is returned when a slot cannot be acquired in time.
var ErrConnectionTimeout = errors.New("connection slot acquisition timed out")

// Pool hands out connection slots.
type Pool struct {
	mu           sync.Mutex
	classes      map[string]*classPool
	defaultLimit int64
	msink        metrics.MetricSink
}

type classPool struct {
	name     string
	sem      *semaphore.Weighted
	limit    int64
	inUse    atomic.Int64
	peak     atomic.Int64
	acquired atomic.Int64
	timeouts atomic.Int64
}

// Config holds pool configuration
type Config struct {
	// Limits maps service class to max concurrent connections.
	Limits map[string]int
	// DefaultLimit applies to classes missing from Limits (default: 4).
	DefaultLimit int
	// MetricSink receives pool gauges (default: go-metrics global sink).
	MetricSink metrics.MetricSink
}

// New creates a pool. Limits must be positive.
func New(cfg Config) (*Pool, error) {
	def := int64(cfg.DefaultLimit)
	if def <= 0 {
		def = 4
	}
	p := &Pool{
		classes:      make(map[string]*classPool, len(cfg.Limits)),
		defaultLimit: def,
		msink:        telemetry.OrDefault(cfg.MetricSink),
	}
	for class, limit := range cfg.Limits {
		if limit <= 0 {
			return nil, fmt.Errorf("max_concurrent_connections for %q must be positive (got %d)", class, limit)
		}
		p.classes[class] = newClassPool(class, int64(limit))
	}
	return p, nil
}

func newClassPool(name string, limit int64) *classPool {
	return &classPool{name: name, sem: semaphore.NewWeighted(limit), limit: limit}
}

func (p *Pool) class(name string) *classPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp, ok := p.classes[name]
	if !ok {
		cp = newClassPool(name, p.defaultLimit)
		p.classes[name] = cp
	}
	return cp
}

// Slot is one acquired connection permit. Release is idempotent and must be
// deferred by the holder.
type Slot struct {
	class      *classPool
	msink      metrics.MetricSink
	once       sync.Once
	acquiredAt time.Time
}

// ServiceClass returns the class the slot belongs to.
func (s *Slot) ServiceClass() string {
	return s.class.name
}

// Held returns how long the slot has been held.
func (s *Slot) Held() time.Duration {
	return time.Since(s.acquiredAt)
}

// Release returns the permit. Safe to call more than once.
func (s *Slot) Release() {
	s.once.Do(func() {
		n := s.class.inUse.Add(-1)
		s.class.sem.Release(1)
		s.msink.SetGaugeWithLabels(telemetry.MetricPoolInUse, float32(n),
			[]metrics.Label{telemetry.LabelServiceClass.M(s.class.name)})
	})
}

// Acquire waits for a slot of serviceClass for at most timeout. A
// non-positive timeout waits until ctx is done.
func (p *Pool) Acquire(ctx context.Context, serviceClass string, timeout time.Duration) (*Slot, error) {
	cp := p.class(serviceClass)

	acquireCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := cp.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		cp.timeouts.Add(1)
		p.msink.IncrCounterWithLabels(telemetry.MetricPoolAcquireTimeouts, 1,
			[]metrics.Label{telemetry.LabelServiceClass.M(serviceClass)})
		return nil, fmt.Errorf("%w: %s after %v", ErrConnectionTimeout, serviceClass, timeout)
	}

	n := cp.inUse.Add(1)
	for {
		peak := cp.peak.Load()
		if n <= peak || cp.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	cp.acquired.Add(1)
	p.msink.SetGaugeWithLabels(telemetry.MetricPoolInUse, float32(n),
		[]metrics.Label{telemetry.LabelServiceClass.M(serviceClass)})

	return &Slot{class: cp, msink: p.msink, acquiredAt: time.Now()}, nil
}

// Stats is a point-in-time view of one class.
type Stats struct {
	ServiceClass string `json:"service_class"`
	Limit        int64  `json:"limit"`
	InUse        int64  `json:"in_use"`
	Peak         int64  `json:"peak"`
	Acquired     int64  `json:"acquired"`
	Timeouts     int64  `json:"timeouts"`
}

// Stats returns per-class counters sorted by class name.
func (p *Pool) Stats() []Stats {
	p.mu.Lock()
	classes := make([]*classPool, 0, len(p.classes))
	for _, cp := range p.classes {
		classes = append(classes, cp)
	}
	p.mu.Unlock()

	out := make([]Stats, 0, len(classes))
	for _, cp := range classes {
		out = append(out, Stats{
			ServiceClass: cp.name,
			Limit:        cp.limit,
			InUse:        cp.inUse.Load(),
			Peak:         cp.peak.Load(),
			Acquired:     cp.acquired.Load(),
			Timeouts:     cp.timeouts.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceClass < out[j].ServiceClass })
	return out
}

// ClassStats returns the counters for one class.
func (p *Pool) ClassStats(serviceClass string) Stats {
	cp := p.class(serviceClass)
	return Stats{
		ServiceClass: cp.name,
		Limit:        cp.limit,
		InUse:        cp.inUse.Load(),
		Peak:         cp.peak.Load(),
		Acquired:     cp.acquired.Load(),
		Timeouts:     cp.timeouts.Load(),
	}
}

package endpoint

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/steveyegge/analyzerd/internal/breaker"
	"github.com/steveyegge/analyzerd/internal/telemetry"
)

// Policy chooses among usable replicas of a class.
type Policy string

const (
	RoundRobin          Policy = "round_robin"
	LeastRecentlyFailed Policy = "least_recently_failed"
)

// ParsePolicy validates a policy name. Empty means round robin.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", RoundRobin:
		return RoundRobin, nil
	case LeastRecentlyFailed:
		return LeastRecentlyFailed, nil
	default:
		return "", fmt.Errorf("unknown selection policy %q", s)
	}
}

// BreakerTransitionFunc observes breaker changes of any endpoint.
type BreakerTransitionFunc func(ep *Endpoint, from, to breaker.State)

// Config configures a Registry.
type Config struct {
	// Classes maps service class to its replica addresses.
	Classes map[string][]string

	Breaker                breaker.Config
	MaxConsecutiveFailures int           // Liveness failures before cooldown (default: 3)
	CooldownPeriod         time.Duration // Cooldown length (default: 60s)
	Policy                 Policy

	OnBreakerTransition BreakerTransitionFunc
	Logger              *slog.Logger
	MetricSink          metrics.MetricSink
	Now                 func() time.Time
}

// Registry owns every endpoint and its breaker. The set of endpoints is
// fixed at construction; only their state changes.
type Registry struct {
	classes map[string][]*Endpoint
	order   []string
	rr      map[string]*atomic.Uint64

	maxFailures int
	cooldown    time.Duration
	policy      Policy

	logger *slog.Logger
	msink  metrics.MetricSink
	now    func() time.Time
}

// NewRegistry builds the registry. Every class needs at least one address.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = 60 * time.Second
	}
	policy, err := ParsePolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Registry{
		classes:     make(map[string][]*Endpoint, len(cfg.Classes)),
		rr:          make(map[string]*atomic.Uint64, len(cfg.Classes)),
		maxFailures: cfg.MaxConsecutiveFailures,
		cooldown:    cfg.CooldownPeriod,
		policy:      policy,
		logger:      cfg.Logger,
		msink:       telemetry.OrDefault(cfg.MetricSink),
		now:         cfg.Now,
	}

	for class, addrs := range cfg.Classes {
		if len(addrs) == 0 {
			return nil, fmt.Errorf("service class %q has no endpoints", class)
		}
		seen := make(map[string]bool, len(addrs))
		eps := make([]*Endpoint, 0, len(addrs))
		for _, addr := range addrs {
			if addr == "" {
				return nil, fmt.Errorf("service class %q has an empty endpoint address", class)
			}
			if seen[addr] {
				return nil, fmt.Errorf("service class %q lists %s twice", class, addr)
			}
			seen[addr] = true
			eps = append(eps, r.newEndpoint(class, addr, cfg))
		}
		r.classes[class] = eps
		r.rr[class] = &atomic.Uint64{}
		r.order = append(r.order, class)
	}
	sort.Strings(r.order)
	return r, nil
}

func (r *Registry) newEndpoint(class, addr string, cfg Config) *Endpoint {
	ep := &Endpoint{ServiceClass: class, Address: addr, health: Healthy}
	ep.breaker = breaker.New(cfg.Breaker,
		breaker.WithClock(r.now),
		breaker.WithTransitionFunc(func(from, to breaker.State) {
			r.logger.Info("circuit breaker transition",
				"endpoint", ep.ID(), "from", from.String(), "to", to.String())
			r.msink.IncrCounterWithLabels(telemetry.MetricBreakerTransitions, 1, []metrics.Label{
				telemetry.LabelServiceClass.M(class),
				telemetry.LabelEndpoint.M(addr),
				telemetry.LabelFrom.M(from.String()),
				telemetry.LabelTo.M(to.String()),
			})
			if cfg.OnBreakerTransition != nil {
				cfg.OnBreakerTransition(ep, from, to)
			}
		}))
	return ep
}

// ServiceClasses returns the configured classes in sorted order.
func (r *Registry) ServiceClasses() []string {
	return append([]string(nil), r.order...)
}

// Endpoints returns the endpoints of a class in configuration order.
func (r *Registry) Endpoints(class string) []*Endpoint {
	return append([]*Endpoint(nil), r.classes[class]...)
}

// All returns every endpoint, grouped by sorted class.
func (r *Registry) All() []*Endpoint {
	var out []*Endpoint
	for _, class := range r.order {
		out = append(out, r.classes[class]...)
	}
	return out
}

// Lookup finds an endpoint by class and address.
func (r *Registry) Lookup(class, address string) (*Endpoint, bool) {
	for _, ep := range r.classes[class] {
		if ep.Address == address {
			return ep, true
		}
	}
	return nil, false
}

// Select returns one usable endpoint of class, skipping addresses in
// exclude. It never blocks and never touches the network.
func (r *Registry) Select(class string, exclude map[string]bool) (*Endpoint, error) {
	eps, ok := r.classes[class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServiceClass, class)
	}

	usable := make([]*Endpoint, 0, len(eps))
	for _, ep := range eps {
		if exclude[ep.Address] {
			continue
		}
		if ep.selectable() {
			usable = append(usable, ep)
		}
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("%w for service class %q (%d configured, %d excluded)",
			ErrEndpointUnreachable, class, len(eps), len(exclude))
	}

	if r.policy == LeastRecentlyFailed {
		usable = leastRecentlyFailed(usable)
	}
	n := r.rr[class].Add(1) - 1
	return usable[n%uint64(len(usable))], nil
}

// leastRecentlyFailed keeps the endpoints whose last failure is oldest.
// Endpoints that never failed win over all others.
func leastRecentlyFailed(eps []*Endpoint) []*Endpoint {
	var oldest time.Time
	var best []*Endpoint
	for i, ep := range eps {
		lf := ep.lastFailure()
		switch {
		case i == 0 || lf.Before(oldest):
			oldest = lf
			best = []*Endpoint{ep}
		case lf.Equal(oldest):
			best = append(best, ep)
		}
	}
	return best
}

// RecordTaskSuccess feeds a completed task back to the endpoint.
func (r *Registry) RecordTaskSuccess(ep *Endpoint) {
	ep.breaker.RecordSuccess()
	ep.livenessSuccess(r.now(), false)
}

// RecordTaskFailure feeds a failed task back to the endpoint. Transport
// faults also count against liveness.
func (r *Registry) RecordTaskFailure(ep *Endpoint, transportFault bool) {
	ep.breaker.RecordFailure()
	if transportFault {
		r.recordLivenessFailure(ep, false)
	}
}

// RecordProbe feeds one liveness probe result back to the endpoint.
func (r *Registry) RecordProbe(ep *Endpoint, err error) {
	if err != nil {
		r.msink.IncrCounterWithLabels(telemetry.MetricProbeFailures, 1, []metrics.Label{
			telemetry.LabelServiceClass.M(ep.ServiceClass),
			telemetry.LabelEndpoint.M(ep.Address),
		})
		r.logger.Debug("liveness probe failed", "endpoint", ep.ID(), "error", err)
		r.recordLivenessFailure(ep, true)
		return
	}

	if ep.livenessSuccess(r.now(), true) {
		r.logger.Info("endpoint recovered from cooldown", "endpoint", ep.ID())
	}
	// A live worker is evidence for a half-open breaker.
	if ep.breaker.State() == breaker.HalfOpen {
		ep.breaker.RecordSuccess()
	}
}

func (r *Registry) recordLivenessFailure(ep *Endpoint, fromProbe bool) {
	if ep.livenessFailure(r.now(), fromProbe, r.maxFailures, r.cooldown) {
		r.logger.Warn("endpoint entered cooldown",
			"endpoint", ep.ID(), "cooldown", r.cooldown)
		r.msink.IncrCounterWithLabels(telemetry.MetricEndpointCooldowns, 1, []metrics.Label{
			telemetry.LabelServiceClass.M(ep.ServiceClass),
			telemetry.LabelEndpoint.M(ep.Address),
		})
	}
}

// Snapshot returns the status of every endpoint.
func (r *Registry) Snapshot() []Status {
	all := r.All()
	out := make([]Status, 0, len(all))
	for _, ep := range all {
		out = append(out, ep.Status())
	}
	return out
}

// Package endpoint tracks worker endpoints per service class.
//
// Two failure layers are kept separate:
//
//   - The circuit breaker (internal/breaker) reacts to task outcomes.
//   - The liveness counter reacts to probe outcomes and transport faults
//     (dial errors, connect timeouts, protocol faults). After
//     MaxConsecutiveFailures the endpoint is unhealthy until its cooldown
//     expires and one probe succeeds.
//
// An endpoint is selectable only when both layers allow it.
package endpoint

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/steveyegge/analyzerd/internal/breaker"
)

var (
	// ErrEndpointUnreachable is returned when no usable endpoint exists.
	ErrEndpointUnreachable = errors.New("no reachable endpoint")
	// ErrUnknownServiceClass is returned for classes with no configured endpoints.
	ErrUnknownServiceClass = errors.New("unknown service class")
	// ErrCoolingDown is returned by Allow for an endpoint failing liveness.
	ErrCoolingDown = errors.New("endpoint in liveness cooldown")
)

// Health is the liveness state of an endpoint.
type Health string

const (
	Healthy   Health = "healthy"
	Unhealthy Health = "unhealthy"
)

// Endpoint is one worker instance of a service class. Endpoints are never
// removed at runtime; failing ones are put in cooldown instead.
type Endpoint struct {
	ServiceClass string
	Address      string

	mu                  sync.Mutex
	health              Health
	consecutiveFailures int
	cooldownUntil       time.Time
	lastFailureAt       time.Time
	lastProbeAt         time.Time

	breaker *breaker.CircuitBreaker
}

// ID returns "service_class@address".
func (e *Endpoint) ID() string {
	return e.ServiceClass + "@" + e.Address
}

func (e *Endpoint) String() string {
	return e.ID()
}

// Breaker returns the endpoint's circuit breaker.
func (e *Endpoint) Breaker() *breaker.CircuitBreaker {
	return e.breaker
}

// Allow reports whether a task may be sent to the endpoint right now. It
// never touches the network.
func (e *Endpoint) Allow() error {
	e.mu.Lock()
	health := e.health
	e.mu.Unlock()
	if health == Unhealthy {
		return fmt.Errorf("%w: %s", ErrCoolingDown, e.ID())
	}
	if err := e.breaker.Allow(); err != nil {
		return fmt.Errorf("%s: %w", e.ID(), err)
	}
	return nil
}

// selectable is Allow without the error formatting.
func (e *Endpoint) selectable() bool {
	e.mu.Lock()
	healthy := e.health == Healthy
	e.mu.Unlock()
	return healthy && e.breaker.State() != breaker.Open
}

// probeDue reports whether the prober should ping the endpoint at now.
// Endpoints inside their cooldown window are left alone.
func (e *Endpoint) probeDue(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health == Healthy || !now.Before(e.cooldownUntil)
}

func (e *Endpoint) lastFailure() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFailureAt
}

// livenessSuccess clears the failure counter. It returns true when the
// endpoint came back from cooldown. Recovery from cooldown requires a probe,
// so fromProbe=false leaves an unhealthy endpoint unhealthy.
func (e *Endpoint) livenessSuccess(now time.Time, fromProbe bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fromProbe {
		e.lastProbeAt = now
	}
	if e.health == Unhealthy {
		if !fromProbe || now.Before(e.cooldownUntil) {
			return false
		}
		e.health = Healthy
		e.consecutiveFailures = 0
		e.cooldownUntil = time.Time{}
		return true
	}
	e.consecutiveFailures = 0
	return false
}

// livenessFailure bumps the failure counter. It returns true when the
// endpoint entered (or re-entered) cooldown.
func (e *Endpoint) livenessFailure(now time.Time, fromProbe bool, maxFailures int, cooldown time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fromProbe {
		e.lastProbeAt = now
	}
	e.lastFailureAt = now
	e.consecutiveFailures++
	if e.consecutiveFailures < maxFailures {
		return false
	}
	if e.health == Unhealthy && now.Before(e.cooldownUntil) {
		return false
	}
	e.health = Unhealthy
	e.cooldownUntil = now.Add(cooldown)
	return true
}

// Status is a point-in-time view of an endpoint.
type Status struct {
	ServiceClass        string    `json:"service_class"`
	Address             string    `json:"address"`
	Health              Health    `json:"health"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	LastProbeAt         time.Time `json:"last_probe_at,omitempty"`
	BreakerState        string    `json:"breaker_state"`
	BreakerFailures     int       `json:"breaker_failures"`
	BreakerRetryAt      time.Time `json:"breaker_retry_at,omitempty"`
}

// Status returns the endpoint's current view.
func (e *Endpoint) Status() Status {
	state := e.breaker.State()
	snap := e.breaker.Snapshot()

	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		ServiceClass:        e.ServiceClass,
		Address:             e.Address,
		Health:              e.health,
		ConsecutiveFailures: e.consecutiveFailures,
		CooldownUntil:       e.cooldownUntil,
		LastFailureAt:       e.lastFailureAt,
		LastProbeAt:         e.lastProbeAt,
		BreakerState:        state.String(),
		BreakerFailures:     snap.FailureCount,
		BreakerRetryAt:      snap.RetryAt,
	}
}

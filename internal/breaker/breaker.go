// Package breaker implements the per-endpoint circuit breaker.
//
// The breaker reacts to task outcomes only. Liveness probing is a separate
// layer owned by the endpoint registry; see internal/endpoint.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the state of a circuit breaker
type State int

const (
	Closed   State = iota // Normal operation, requests pass through
	Open                  // Too many failures, block requests (fail fast)
	HalfOpen              // Testing recovery, allow limited requests
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int           // Consecutive failures before opening (default: 3)
	RecoveryTimeout  time.Duration // How long to stay open before probing (default: 30s)
	SuccessThreshold int           // Successes in half-open before closing (default: 1)
}

// DefaultConfig returns the default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 1,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive (got %d)", c.FailureThreshold)
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("success_threshold must be positive (got %d)", c.SuccessThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery_timeout must be positive (got %v)", c.RecoveryTimeout)
	}
	return nil
}

// TransitionFunc observes state changes. It is called without the breaker
// lock held.
type TransitionFunc func(from, to State)

// CircuitBreaker implements the circuit breaker pattern to prevent cascading failures
type CircuitBreaker struct {
	mu sync.Mutex

	state           State
	failureCount    int
	successCount    int
	openedAt        time.Time
	lastStateChange time.Time
	cfg             Config

	now          func() time.Time
	onTransition TransitionFunc
}

// Option customizes a breaker.
type Option func(*CircuitBreaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithTransitionFunc registers an observer for state changes.
func WithTransitionFunc(fn TransitionFunc) Option {
	return func(cb *CircuitBreaker) { cb.onTransition = fn }
}

// New creates a closed breaker. Zero thresholds fall back to defaults.
func New(cfg Config, opts ...Option) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}

	cb := &CircuitBreaker{
		state: Closed,
		cfg:   cfg,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.lastStateChange = cb.now()
	return cb
}

// Allow checks if a request should be allowed through the circuit breaker.
// It returns ErrCircuitOpen while open and the recovery timeout has not
// elapsed; no network call should be made in that case.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	changed := cb.advance()
	state := cb.state
	cb.mu.Unlock()
	cb.notify(changed)

	if state == Open {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess records a successful task or probe
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	changed := cb.advance()

	switch cb.state {
	case Closed:
		cb.failureCount = 0
	case HalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			changed = append(changed, cb.transition(Closed))
		}
	}
	cb.mu.Unlock()
	cb.notify(changed)
}

// RecordFailure records a failed task
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	changed := cb.advance()

	switch cb.state {
	case Closed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			changed = append(changed, cb.transition(Open))
		}
	case HalfOpen:
		// Any failure in half-open immediately opens the circuit
		cb.failureCount++
		changed = append(changed, cb.transition(Open))
	case Open:
		cb.failureCount++
	}
	cb.mu.Unlock()
	cb.notify(changed)
}

// State returns the effective state, moving open to half-open once the
// recovery timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	changed := cb.advance()
	state := cb.state
	cb.mu.Unlock()
	cb.notify(changed)
	return state
}

// Snapshot is a point-in-time view for monitoring.
type Snapshot struct {
	State        State
	FailureCount int
	SuccessCount int
	OpenedAt     time.Time
	RetryAt      time.Time
}

// Snapshot returns current counters without advancing the state.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := Snapshot{
		State:        cb.state,
		FailureCount: cb.failureCount,
		SuccessCount: cb.successCount,
		OpenedAt:     cb.openedAt,
	}
	if cb.state == Open {
		s.RetryAt = cb.openedAt.Add(cb.cfg.RecoveryTimeout)
	}
	return s
}

type stateChange struct{ from, to State }

// advance performs the time-based open -> half-open move (must be called with lock held)
func (cb *CircuitBreaker) advance() []stateChange {
	if cb.state == Open && !cb.now().Before(cb.openedAt.Add(cb.cfg.RecoveryTimeout)) {
		return []stateChange{cb.transition(HalfOpen)}
	}
	return nil
}

// transition moves the circuit to a new state (must be called with lock held)
func (cb *CircuitBreaker) transition(to State) stateChange {
	from := cb.state
	now := cb.now()
	cb.state = to
	cb.lastStateChange = now
	cb.successCount = 0
	switch to {
	case Open:
		cb.openedAt = now
	case Closed:
		cb.failureCount = 0
	}
	return stateChange{from: from, to: to}
}

func (cb *CircuitBreaker) notify(changes []stateChange) {
	if cb.onTransition == nil {
		return
	}
	for _, c := range changes {
		cb.onTransition(c.from, c.to)
	}
}

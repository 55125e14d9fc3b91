package client

import (
	"sync"
	"time"

	"github.com/rendis/invoiceflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-endpoint circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is let through.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe requests allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig opens after 3 straight failures for 15 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         15 * time.Second,
		HalfOpenMax:      1,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = d.HalfOpenMax
	}
	return c
}

type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
}

// Breakers tracks one circuit per fallback endpoint, so a dead validation
// endpoint does not block human-input submission.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a registry with the given config.
func NewBreakers(config BreakerConfig) *Breakers {
	return &Breakers{
		breakers: make(map[string]*breaker),
		config:   config.withDefaults(),
		now:      time.Now,
	}
}

// Allow returns nil when a request to endpoint may proceed, or a CIRCUIT_OPEN error.
func (r *Breakers) Allow(endpoint string) error {
	cb := r.get(endpoint)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailure)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"fallback endpoint %q unavailable after %d consecutive failures", endpoint, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"endpoint":             endpoint,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"fallback endpoint %q half-open: probe already in flight", endpoint)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// Success closes the circuit for endpoint.
func (r *Breakers) Success(endpoint string) {
	cb := r.get(endpoint)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// Failure records a failed call and returns the resulting state.
func (r *Breakers) Failure(endpoint string) CircuitState {
	cb := r.get(endpoint)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailure = r.now()
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state for endpoint.
func (r *Breakers) State(endpoint string) CircuitState {
	cb := r.get(endpoint)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailure) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

func (r *Breakers) get(endpoint string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[endpoint]
	if !ok {
		cb = &breaker{}
		r.breakers[endpoint] = cb
	}
	return cb
}

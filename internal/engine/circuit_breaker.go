package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
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

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// Breaker keys. AI completions break per model, actions per action name.
func aiBreakerKey(model string) string      { return "ai:" + model }
func actionBreakerKey(action string) string { return "action:" + action }

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry manages one circuit breaker per downstream
// dependency key.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest checks whether a call to key is allowed.
// Returns nil if allowed, or a CIRCUIT_OPEN error if the circuit is open.
func (r *CircuitBreakerRegistry) AllowRequest(key string) error {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for %q after %d consecutive failures", key, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"key":                  key,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for %q: max test requests reached", key)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for key.
func (r *CircuitBreakerRegistry) RecordSuccess(key string) {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed call to key and returns the new state.
func (r *CircuitBreakerRegistry) RecordFailure(key string) CircuitState {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	// Any failure in half-open reopens the circuit.
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// GetState returns the current state of the circuit for key.
func (r *CircuitBreakerRegistry) GetState(key string) CircuitState {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// BreakerStats is a diagnostic snapshot of one breaker.
type BreakerStats struct {
	Key                 string `json:"key"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
	Cooldown            string `json:"cooldown"`
}

// GetStats returns diagnostic information about the breaker for key.
func (r *CircuitBreakerRegistry) GetStats(key string) BreakerStats {
	state := r.GetState(key)
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Key:                 key,
		State:               state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		FailureThreshold:    r.config.FailureThreshold,
		Cooldown:            r.config.Cooldown.String(),
	}
}

// Snapshot returns the stats of every breaker seen so far, sorted by key.
func (r *CircuitBreakerRegistry) Snapshot() []BreakerStats {
	r.mu.Lock()
	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)

	out := make([]BreakerStats, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.GetStats(k))
	}
	return out
}

func (r *CircuitBreakerRegistry) getOrCreate(key string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[key] = cb
	}
	return cb
}

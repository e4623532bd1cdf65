// Package circuitbreaker stops conversions from hammering an export destination
// (database, broker or object store) that keeps failing.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, rejecting conversions
	StateHalfOpen              // Probing whether the destination recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow while the destination is considered down
var ErrOpen = errors.New("export destination circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	Name string

	// MaxFailures consecutive destination failures open the circuit
	MaxFailures int

	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration

	// HalfOpenProbes conversions are let through while probing; as many
	// successes close the circuit again
	HalfOpenProbes int
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:           name,
		MaxFailures:    5,
		Timeout:        60 * time.Second,
		HalfOpenProbes: 1,
	}
}

// CircuitBreaker tracks consecutive destination failures
type CircuitBreaker struct {
	config *Config
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probes      int
	openedAt    time.Time
	lastFailure error
}

// New creates a new circuit breaker
func New(cfg *Config, logger zerolog.Logger) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("export")
	}
	if cfg.HalfOpenProbes < 1 {
		cfg.HalfOpenProbes = 1
	}

	return &CircuitBreaker{
		config: cfg,
		logger: logger.With().Str("component", "circuit-breaker").Str("name", cfg.Name).Logger(),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Allow returns ErrOpen when a conversion must not reach the destination.
// Every nil return must be followed by exactly one Record call.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return ErrOpen
		}
		cb.setState(StateHalfOpen)
		cb.probes = 1
		return nil
	case StateHalfOpen:
		if cb.probes >= cb.config.HalfOpenProbes {
			return ErrOpen
		}
		cb.probes++
		return nil
	default:
		return nil
	}
}

// Record reports the destination outcome of an allowed conversion; nil is a success
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = err

		cb.logger.Debug().
			Err(err).
			Int("failures", cb.failures).
			Int("max_failures", cb.config.MaxFailures).
			Str("state", cb.state.String()).
			Msg("Recorded destination failure")

		// A failed probe reopens immediately
		if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.config.MaxFailures) {
			cb.setState(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenProbes {
			cb.setState(StateClosed)
		}
	}
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
	if newState == StateOpen {
		cb.openedAt = cb.now()
	}

	event := cb.logger.Info()
	if newState == StateOpen {
		event = cb.logger.Warn().AnErr("last_error", cb.lastFailure)
	}
	event.
		Str("from", oldState.String()).
		Str("to", newState.String()).
		Msg("Circuit breaker state changed")
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns circuit breaker statistics
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := map[string]interface{}{
		"name":            cb.config.Name,
		"state":           cb.state.String(),
		"failures":        cb.failures,
		"max_failures":    cb.config.MaxFailures,
		"timeout_seconds": cb.config.Timeout.Seconds(),
	}
	if cb.lastFailure != nil {
		stats["last_error"] = cb.lastFailure.Error()
	}
	return stats
}

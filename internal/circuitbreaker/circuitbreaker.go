// Package circuitbreaker guards outbound vendor calls: when a provider keeps
// failing, sends fail fast instead of tying up dispatch on a dead service.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of the breaker.
//
//	Closed -> Open:      failure count reaches the threshold
//	Open -> HalfOpen:    recovery timeout elapses
//	HalfOpen -> Closed:  probe succeeds
//	HalfOpen -> Open:    probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = map[State]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ErrCircuitOpen is returned while the breaker is rejecting requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds breaker tuning for one downstream vendor.
type Config struct {
	Name                string
	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
}

// DefaultConfig returns the standard tuning used for vendor adapters.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	return cfg
}

type counters struct {
	requests  int64
	failures  int64
	successes int64
	rejected  int64
}

// CircuitBreaker tracks consecutive failures of one downstream service.
type CircuitBreaker struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger

	state            State
	streak           int
	lastFailureAt    time.Time
	lastTransitionAt time.Time
	halfOpenInFlight int

	totals counters
}

// New creates a CircuitBreaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		config:           cfg.withDefaults(),
		logger:           logger,
		state:            StateClosed,
		lastTransitionAt: time.Now(),
	}
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.requests++

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return cb.allowAfterOpen()
	case StateHalfOpen:
		return cb.allowProbe()
	default:
		return false
	}
}

func (cb *CircuitBreaker) allowAfterOpen() bool {
	if time.Since(cb.lastFailureAt) < cb.config.RecoveryTimeout {
		cb.totals.rejected++
		return false
	}
	cb.transitionTo(StateHalfOpen)
	cb.halfOpenInFlight = 1
	cb.logger.Info("circuit breaker allowing probe request",
		zap.String("name", cb.config.Name),
	)
	return true
}

func (cb *CircuitBreaker) allowProbe() bool {
	if cb.halfOpenInFlight >= cb.config.HalfOpenMaxRequests {
		cb.totals.rejected++
		return false
	}
	cb.halfOpenInFlight++
	return true
}

// RecordSuccess resets the failure streak; in HalfOpen it closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.successes++
	cb.streak = 0

	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
		cb.logger.Info("circuit breaker closed, vendor recovered",
			zap.String("name", cb.config.Name),
		)
	}
}

// RecordFailure counts a failure; the circuit opens at the threshold, and a
// failed half-open probe re-opens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.failures++
	cb.streak++
	cb.lastFailureAt = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.streak >= cb.config.MaxFailures {
			cb.transitionTo(StateOpen)
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.config.Name),
				zap.Int("failures", cb.streak),
				zap.Int("threshold", cb.config.MaxFailures),
			)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
		cb.logger.Warn("circuit breaker re-opened, probe failed",
			zap.String("name", cb.config.Name),
		)
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Snapshot is a point-in-time view of the breaker for dashboards.
type Snapshot struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureStreak   int    `json:"failure_streak"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

// Snapshot reads the current counters and state under the read lock.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	snap := Snapshot{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		FailureStreak:   cb.streak,
		TotalRequests:   cb.totals.requests,
		TotalFailures:   cb.totals.failures,
		TotalSuccesses:  cb.totals.successes,
		TotalRejected:   cb.totals.rejected,
		LastStateChange: cb.lastTransitionAt.Format(time.RFC3339),
	}
	if !cb.lastFailureAt.IsZero() {
		snap.LastFailure = cb.lastFailureAt.Format(time.RFC3339)
	}
	return snap
}

// Reset forces the breaker closed. Operator override.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.streak = 0
	cb.halfOpenInFlight = 0

	cb.logger.Info("circuit breaker manually reset",
		zap.String("name", cb.config.Name),
	)
}

// transitionTo changes state. Caller must hold the write lock.
func (cb *CircuitBreaker) transitionTo(next State) {
	if cb.state == next {
		return
	}

	prev := cb.state
	cb.state = next
	cb.lastTransitionAt = time.Now()
	cb.halfOpenInFlight = 0

	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.config.Name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}

func (cb *CircuitBreaker) String() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.streak, cb.config.MaxFailures)
}

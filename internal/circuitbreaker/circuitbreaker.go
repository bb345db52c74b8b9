// Package circuitbreaker stops a run from hammering an SMS provider that is
// already failing.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/burstnudge/internal/metrics"
)

// State is the breaker position.
//
//	Closed -> Open:      MaxFailures consecutive send failures
//	Open -> HalfOpen:    RecoveryTimeout elapsed since the last failure
//	HalfOpen -> Closed:  probe send succeeded
//	HalfOpen -> Open:    probe send failed
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

// ErrCircuitOpen is returned while sends to the provider are short-circuited.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name is the SMS provider the breaker guards ("bridge", "sns").
	Name string

	// MaxFailures consecutive failures open the circuit.
	MaxFailures int

	// RecoveryTimeout is how long the circuit stays open before a probe.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests caps concurrent probes.
	HalfOpenMaxRequests int
}

// DefaultConfig returns the settings used for SMS providers.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker counts consecutive provider failures. Participants whose
// send is rejected are reported as errors by the runner and picked up by
// the next scheduled run.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state            State
	failureCount     int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	halfOpenRequests int

	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// New creates a closed CircuitBreaker. Zero config fields take the
// DefaultConfig values.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	defaults := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaults.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = defaults.HalfOpenMaxRequests
	}

	cb := &CircuitBreaker{
		config: cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	cb.lastStateChange = cb.now()
	metrics.SetBreakerState(cfg.Name, int(StateClosed))

	logger.Info("sms circuit breaker created",
		zap.String("provider", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	return cb
}

// Allow reports whether a send may go out now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenRequests = 1
			cb.logger.Info("sms circuit breaker probing provider",
				zap.String("provider", cb.config.Name),
			)
			return true
		}
		cb.totalRejected++
		return false

	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			return true
		}
		cb.totalRejected++
		return false

	default:
		return false
	}
}

// Ready reports whether Allow would admit a send. It takes no half-open
// slot and counts no rejection.
func (cb *CircuitBreaker) Ready() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return cb.now().Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout
	case StateHalfOpen:
		return cb.halfOpenRequests < cb.config.HalfOpenMaxRequests
	default:
		return false
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	cb.failureCount = 0

	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
		cb.logger.Info("sms circuit breaker closed, provider recovered",
			zap.String("provider", cb.config.Name),
		)
	}
}

// RecordFailure counts a provider failure. A failed probe reopens the
// circuit immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.MaxFailures {
			cb.transitionTo(StateOpen)
			cb.logger.Warn("sms circuit breaker opened",
				zap.String("provider", cb.config.Name),
				zap.Int("failures", cb.failureCount),
				zap.Int("threshold", cb.config.MaxFailures),
			)
		}

	case StateHalfOpen:
		cb.transitionTo(StateOpen)
		cb.logger.Warn("sms circuit breaker reopened, probe failed",
			zap.String("provider", cb.config.Name),
		)
	}
}

// ReleaseProbe returns a half-open probe slot when the send ended without
// saying anything about provider health.
func (cb *CircuitBreaker) ReleaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a snapshot exposed on the admin API.
type Stats struct {
	Provider        string `json:"provider"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Provider:        cb.config.Name,
		State:           cb.state.String(),
		FailureCount:    cb.failureCount,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		TotalRejected:   cb.totalRejected,
		LastStateChange: cb.lastStateChange.UTC().Format(time.RFC3339),
	}
	if !cb.lastFailureTime.IsZero() {
		s.LastFailure = cb.lastFailureTime.UTC().Format(time.RFC3339)
	}
	return s
}

// Reset closes the circuit. Used by the admin API.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.failureCount = 0

	cb.logger.Info("sms circuit breaker manually reset",
		zap.String("provider", cb.config.Name),
	)
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(next State) {
	if cb.state == next {
		return
	}

	prev := cb.state
	cb.state = next
	cb.lastStateChange = cb.now()
	cb.halfOpenRequests = 0
	metrics.SetBreakerState(cb.config.Name, int(next))

	cb.logger.Debug("sms circuit breaker state transition",
		zap.String("provider", cb.config.Name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}

func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.failureCount, cb.config.MaxFailures)
}

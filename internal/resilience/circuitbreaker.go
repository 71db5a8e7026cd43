// Package resilience provides the retry and circuit-breaker primitives that
// wrap calls to the speech and language vendors.
//
// The central types are [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open) keyed per downstream service, and [Do], an
// exponential-backoff retry combinator driven by error classification.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// in the open state and the recovery timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive
	// failures. Calls are rejected immediately with [ErrCircuitOpen] until
	// the recovery timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the recovery timeout.
	// Exactly one call is allowed through; success closes the breaker,
	// failure re-opens it and restarts the timer.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages and metrics.
	Name string

	// Threshold is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 3.
	Threshold int

	// RecoveryTimeout is how long the breaker stays open before allowing a
	// half-open probe. Default: 30s.
	RecoveryTimeout time.Duration

	// OnStateChange is invoked after every state transition with the old and
	// new state. May be nil.
	OnStateChange func(from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern with a
// single-probe half-open phase. It is safe for concurrent use.
type CircuitBreaker struct {
	name            string
	threshold       int
	recoveryTimeout time.Duration
	onStateChange   func(from, to State)

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probing         bool
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied
// configuration. Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:            cfg.Name,
		threshold:       cfg.Threshold,
		recoveryTimeout: cfg.RecoveryTimeout,
		onStateChange:   cfg.OnStateChange,
		state:           StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. After the recovery timeout exactly one
// probe call is permitted; a second caller arriving while the probe is in
// flight is rejected.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.recoveryTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen)
		cb.probing = true

	case StateHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	wasProbe := cb.state == StateHalfOpen
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	if wasProbe {
		cb.probing = false
	}
	if err != nil {
		cb.recordFailureLocked(wasProbe)
	} else {
		cb.recordSuccessLocked(wasProbe)
	}
	cb.mu.Unlock()
	return err
}

// RecordFailure feeds an externally observed failure into the breaker. The
// TTS worker uses this when a request already wrapped in retry logic fails
// terminally, so the breaker sees one failure per request rather than one
// per attempt.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.recordFailureLocked(cb.state == StateHalfOpen)
	cb.mu.Unlock()
}

// RecordSuccess feeds an externally observed success into the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.recordSuccessLocked(cb.state == StateHalfOpen)
	cb.mu.Unlock()
}

// ReleaseProbe gives back a half-open probe slot without recording an
// outcome. Callers that took the slot via [Allow] and were cancelled before
// the request reached the vendor use this; otherwise the slot would stay
// occupied and every later Allow would return false.
func (cb *CircuitBreaker) ReleaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.probing = false
	}
}

// Allow reports whether a request may proceed right now, performing the
// open → half-open transition when the recovery timeout has elapsed. Callers
// that use Allow instead of Execute must report the outcome with
// RecordSuccess or RecordFailure, or return an untried probe slot with
// ReleaseProbe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) < cb.recoveryTimeout {
			return false
		}
		cb.transitionLocked(StateHalfOpen)
		cb.probing = true
		return true
	default: // half-open: single probe
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
}

// recordFailureLocked handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailureLocked(inHalfOpen bool) {
	if inHalfOpen {
		// The probe failed — re-open and restart the timer.
		cb.probing = false
		cb.openedAt = time.Now()
		cb.consecutiveFail = cb.threshold
		cb.transitionLocked(StateOpen)
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return
	}

	cb.consecutiveFail++
	if cb.state == StateClosed && cb.consecutiveFail >= cb.threshold {
		cb.openedAt = time.Now()
		cb.transitionLocked(StateOpen)
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail)
	}
}

// recordSuccessLocked handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccessLocked(inHalfOpen bool) {
	cb.consecutiveFail = 0
	if inHalfOpen {
		cb.probing = false
		cb.transitionLocked(StateClosed)
		slog.Info("circuit breaker closed after successful probe", "name", cb.name)
	}
}

// transitionLocked updates the state and fires the observer. Must be called
// with cb.mu held. Observers must not call back into the breaker.
func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// State returns the current [State] of the breaker. If the breaker is open
// and the recovery timeout has elapsed, the returned state is
// [StateHalfOpen] (the actual transition happens on the next call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.recoveryTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFail = 0
	cb.probing = false
	cb.transitionLocked(StateClosed)
	slog.Info("circuit breaker manually reset", "name", cb.name)
}

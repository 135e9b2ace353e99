// Package resilience keeps a voice session talking when a provider misbehaves.
//
// [CircuitBreaker] stops calling a backend that keeps failing, [FallbackGroup]
// fails over across equivalent backends with one breaker each, and
// [Reconnect] reopens dropped streams with backoff. The LLM, STT and TTS
// wrappers satisfy the provider interfaces, so stages never see the failover.
//
// A call ended by [context.Canceled] is a barge-in or a closing session, not
// a backend fault: it neither trips a breaker nor moves on to a fallback.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. The first
	// failed probe reopens the breaker; HalfOpenMax successes close it.
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name identifies the backend in logs and metrics, e.g. "tts/cartesia".
	Name string

	// MaxFailures consecutive failures open the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds the probe calls in the half-open state. Default: 3.
	HalfOpenMax int

	// OnStateChange is called after each transition, with the breaker's lock
	// held. It must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker is a closed/open/half-open breaker. It is safe for
// concurrent use.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onChange     func(name string, from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int // probes admitted in this half-open period
	passed   int // probes that succeeded
}

// NewCircuitBreaker creates a closed [CircuitBreaker]. Zero config fields
// take their defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onChange:     cfg.OnStateChange,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 5
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = 30 * time.Second
	}
	if cb.halfOpenMax <= 0 {
		cb.halfOpenMax = 3
	}
	return cb
}

// Execute calls fn unless the breaker rejects it with [ErrCircuitOpen]. fn's
// error is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it is a half-open
// probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.probes, cb.passed = 0, 0
		cb.transition(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.halfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case errors.Is(err, context.Canceled):
		// Neither success nor failure; hand the probe slot back.
		if probe && cb.state == StateHalfOpen {
			cb.probes--
		}

	case err != nil && probe:
		if cb.state == StateHalfOpen {
			cb.trip()
		}

	case err != nil:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.maxFailures {
			cb.trip()
		}

	case probe:
		cb.passed++
		if cb.state == StateHalfOpen && cb.passed >= cb.halfOpenMax {
			cb.failures = 0
			cb.transition(StateClosed)
		}

	default:
		cb.failures = 0
	}
}

// trip opens the breaker. cb.mu must be held.
func (cb *CircuitBreaker) trip() {
	cb.openedAt = time.Now()
	slog.Warn("circuit breaker opened", "breaker", cb.name, "from", cb.state.String(), "consecutive_failures", cb.failures)
	cb.transition(StateOpen)
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures, cb.probes, cb.passed = 0, 0, 0
	cb.transition(StateClosed)
}

// transition moves to s and fires the hook. cb.mu must be held.
func (cb *CircuitBreaker) transition(s State) {
	from := cb.state
	if from == s {
		return
	}
	cb.state = s
	slog.Debug("circuit breaker state changed", "breaker", cb.name, "from", from.String(), "to", s.String())
	if cb.onChange != nil {
		cb.onChange(cb.name, from, s)
	}
}

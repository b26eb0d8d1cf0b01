// Package circuitbreaker stops the gateway from hammering an upstream that
// keeps failing. Failures are counted in a sliding window; after the open
// timeout one trial call decides whether the circuit closes again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

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
	}
	return "unknown"
}

// ErrOpen is returned without calling fn while the circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

type CircuitBreaker struct {
	name            string
	maxFailures     int
	window          time.Duration
	timeout         time.Duration
	failures        []time.Time
	lastFailureTime time.Time
	state           State
	trialRunning    bool
	now             func() time.Time
	log             *zap.Logger
	mu              sync.Mutex
}

func New(name string, maxFailures int, timeout time.Duration, log *zap.Logger) *CircuitBreaker {
	return NewWithWindow(name, maxFailures, timeout, 60*time.Second, log)
}

func NewWithWindow(name string, maxFailures int, timeout, window time.Duration, log *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		window:      window,
		timeout:     timeout,
		state:       StateClosed,
		failures:    make([]time.Time, 0),
		now:         time.Now,
		log:         log.With(zap.String("breaker", name)),
	}
}

// IsFailure decides which errors count against the upstream. Callers set it
// so that business errors returned by a healthy upstream do not open the
// circuit. Nil means every error counts.
type IsFailure func(error) bool

// Execute runs fn unless the circuit is open. fn runs without the breaker
// lock held.
func (cb *CircuitBreaker) Execute(fn func() error, isFailure IsFailure) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err != nil && (isFailure == nil || isFailure(err)))
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.timeout {
			return ErrOpen
		}
		cb.setState(StateHalfOpen)
		cb.failures = cb.failures[:0]
		cb.trialRunning = true
	case StateHalfOpen:
		if cb.trialRunning {
			return ErrOpen
		}
		cb.trialRunning = true
	}
	return nil
}

func (cb *CircuitBreaker) after(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	wasTrial := cb.state == StateHalfOpen
	cb.trialRunning = false

	if failed {
		cb.lastFailureTime = now
		cb.failures = append(cb.failures, now)
		cb.cleanOldFailures(now)
		if wasTrial || len(cb.failures) >= cb.maxFailures {
			cb.setState(StateOpen)
		}
		return
	}

	cb.cleanOldFailures(now)
	if wasTrial {
		cb.failures = cb.failures[:0]
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	cb.log.Warn("circuit breaker state changed",
		zap.Stringer("from", cb.state),
		zap.Stringer("to", s),
		zap.Int("failures", len(cb.failures)),
	)
	cb.state = s
}

func (cb *CircuitBreaker) cleanOldFailures(now time.Time) {
	cutoff := now.Add(-cb.window)
	i := 0
	for i < len(cb.failures) && !cb.failures[i].After(cutoff) {
		i++
	}
	cb.failures = cb.failures[i:]
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Name() string { return cb.name }

package observability

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is the synthetic failure returned while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed indicates the circuit is closed and operations are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen indicates operations are short-circuited for a recovery window.
	StateOpen
	// StateHalfOpen indicates a trial state where one call probes recovery.
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
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

// CircuitBreaker opens after failureThreshold consecutive failures and allows
// a trial call once recoveryTimeout has elapsed since it opened.
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	state        CircuitBreakerState
	failureCount int
	openedAt     time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
	}
}

// Execute runs fn unless the breaker is open, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.recoveryTimeout {
			cb.state = StateHalfOpen
			slog.Info("circuit breaker half-open", slog.String("name", cb.name))
			return true
		}
		return false
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		if cb.state != StateClosed {
			slog.Info("circuit breaker closed", slog.String("name", cb.name))
		}
		cb.state = StateClosed
		cb.failureCount = 0
		return
	}
	cb.failureCount++
	if cb.state == StateHalfOpen || cb.failureCount >= cb.failureThreshold {
		cb.state = StateOpen
		cb.openedAt = time.Now()
		slog.Warn("circuit breaker opened",
			slog.String("name", cb.name),
			slog.Int("failure_count", cb.failureCount))
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

package circuitbreaker

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking Requests
	StateHalfOpen              // Testing with one request
)

// StateChangeFunc is called outside the breaker lock after a transition.
type StateChangeFunc func(name string, from, to State)

type CircuitBreaker struct {
	mutex            sync.Mutex
	name             string
	state            State
	failures         int
	lastFailure      time.Time
	probing          bool
	failureThreshold int
	resetTimeout     time.Duration
	onChange         StateChangeFunc
	now              func() time.Time
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration, onChange StateChangeFunc) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: threshold,
		resetTimeout:     timeout,
		onChange:         onChange,
		now:              time.Now,
	}
}

// Allow reports whether a request may go to the upstream. Once the reset
// timeout has passed an open breaker lets exactly one probe through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	from := cb.state
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.probing = true
			allowed = true
		}
	case StateHalfOpen:
		if !cb.probing {
			cb.probing = true
			allowed = true
		}
	}
	to := cb.state
	cb.mutex.Unlock()

	cb.notify(from, to)
	return allowed
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	from := cb.state

	cb.failures++
	cb.lastFailure = cb.now()
	cb.probing = false

	if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
		cb.state = StateOpen
	}
	to := cb.state
	cb.mutex.Unlock()

	cb.notify(from, to)
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	from := cb.state

	cb.failures = 0
	cb.probing = false
	cb.state = StateClosed
	cb.mutex.Unlock()

	cb.notify(from, StateClosed)
}

// Release gives up an in-flight probe whose outcome is unknown, e.g. because
// the client went away.
func (cb *CircuitBreaker) Release() {
	cb.mutex.Lock()
	cb.probing = false
	cb.mutex.Unlock()
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

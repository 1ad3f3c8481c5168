package mailbox

import (
	"sync"
	"sync/atomic"
	"time"
)

// breakerState is the circuit breaker's state machine:
// Closed -> Open -> HalfOpen -> (Closed | Open).
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker opens after FailureThreshold consecutive failures within
// SamplingWindow, then after Timeout allows a single HalfOpen probe;
// parallel probes are never admitted.
type circuitBreaker struct {
	cfg CircuitBreakerConfig

	mu               sync.Mutex
	state            breakerState
	consecutiveFails int
	successesInHalf  int
	windowStart      time.Time
	openedAt         time.Time

	probing atomic.Bool
}

func newCircuitBreaker(cfg CircuitBreakerConfig) *circuitBreaker {
	return &circuitBreaker{
		cfg:         cfg,
		windowStart: time.Now(),
	}
}

// Allow reports whether a message may be processed right now. In Open
// state, once Timeout has elapsed it transitions to HalfOpen and admits
// exactly one probe via a compare-and-swap on the probing flag; further
// calls are refused until that probe's outcome is recorded.
func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true

	case breakerOpen:
		if time.Since(b.openedAt) < b.cfg.Timeout {
			return false
		}
		b.state = breakerHalfOpen
		b.successesInHalf = 0
		fallthrough

	case breakerHalfOpen:
		return b.probing.CompareAndSwap(false, true)
	}

	return false
}

// RecordSuccess notes a successful processing outcome.
func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerHalfOpen:
		b.successesInHalf++
		b.probing.Store(false)

		if b.successesInHalf >= b.cfg.SuccessThreshold {
			b.state = breakerClosed
			b.consecutiveFails = 0
		}
	case breakerClosed:
		b.consecutiveFails = 0
	}
}

// RecordFailure notes a failed processing outcome, opening the breaker
// once FailureThreshold consecutive failures occur within SamplingWindow.
func (b *circuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.probing.Store(false)
		b.trip()
		return
	}

	now := time.Now()
	if now.Sub(b.windowStart) > b.cfg.SamplingWindow {
		b.windowStart = now
		b.consecutiveFails = 0
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.cfg.FailureThreshold {
		b.trip()
	}
}

func (b *circuitBreaker) trip() {
	b.state = breakerOpen
	b.openedAt = time.Now()
	b.consecutiveFails = 0
}

// State returns the breaker's current state, for observability/tests.
func (b *circuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

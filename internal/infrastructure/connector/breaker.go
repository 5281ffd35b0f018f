package connector

import (
	"sync"
	"time"
)

// BreakerState is the circuit position for one backend.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // failing, reject calls
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker isolates a failing backend. Consecutive failures beyond the
// threshold open the circuit and reject calls without touching the
// upstream; after the recovery timeout one probe call is let through.
type Breaker struct {
	mu               sync.RWMutex
	state            BreakerState
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	lastFailureTime  time.Time
}

// NewBreaker creates a breaker with the given thresholds.
func NewBreaker(failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: 1, // one success in half-open closes
		recoveryTimeout:  recoveryTimeout,
	}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailureTime) >= b.recoveryTimeout {
			b.state = BreakerHalfOpen
			b.successCount = 0
			return true
		}
		return false
	case BreakerHalfOpen:
		return true
	}
	return false
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == BreakerHalfOpen {
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = BreakerClosed
		}
	}
}

// RecordFailure notes a failed call. Any failure in half-open re-opens
// immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		return
	}
	if b.failureCount >= b.failureThreshold {
		b.state = BreakerOpen
	}
}

// State returns the current circuit position.
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Reset forces the circuit closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failureCount = 0
	b.successCount = 0
}

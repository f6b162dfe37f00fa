// Package resilience wraps the LLM provider with a circuit breaker, a hard per-call
// timeout and a keyword-matched canned fallback.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the position of the circuit breaker state machine.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// Breaker defaults.
const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 30 * time.Second
)

// BreakerStatus is a point-in-time view of the breaker, served by the status endpoint.
type BreakerStatus struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Threshold           int          `json:"threshold"`
	Cooldown            string       `json:"cooldown"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
}

// Breaker counts consecutive provider failures and short-circuits calls while open.
// It is safe for concurrent use by all turns of the process.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state    BreakerState
	failures int
	openedAt time.Time
	trial    bool // a half-open trial call is in flight
}

// NewBreaker creates a closed breaker. Non-positive values select the defaults.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     StateClosed,
	}
}

// Allow reports whether a provider call may proceed. When the cool-down has elapsed on
// an open breaker it moves to half-open and admits exactly one trial call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.trial = true
		slog.Info("Breaker.Allow: cool-down elapsed, admitting trial call")
		return true
	default:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		slog.Info("Breaker.RecordSuccess: closing breaker", "previous", b.state)
	}
	b.state = StateClosed
	b.failures = 0
	b.trial = false
}

// RecordFailure counts a failure. The breaker opens once the threshold is reached,
// and a failed half-open trial re-opens it with a fresh cool-down.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.trial = false
	switch b.state {
	case StateHalfOpen:
		b.open()
	case StateClosed:
		if b.failures >= b.threshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	slog.Warn("Breaker: opened", "failures", b.failures, "cooldown", b.cooldown)
}

// State returns the current state without side effects.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BreakerStatus{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		Threshold:           b.threshold,
		Cooldown:            b.cooldown.String(),
	}
	if b.state != StateClosed {
		opened := b.openedAt
		st.OpenedAt = &opened
	}
	return st
}

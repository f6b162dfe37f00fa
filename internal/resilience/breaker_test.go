package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	b := NewBreaker(threshold, cooldown)
	b.now = clock.Now
	return b, clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	for i := 0; i < 2; i++ {
		assert.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	assert.False(t, b.Allow())

	clock.Advance(time.Minute)
	assert.True(t, b.Allow(), "first call after cool-down is the trial")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one trial while half-open")

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerFailedTrialReopensWithFreshCooldown(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	clock.Advance(time.Minute)
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(30 * time.Second)
	assert.False(t, b.Allow(), "cool-down restarted on failed trial")
	clock.Advance(30 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreakerStatus(t *testing.T) {
	b, _ := newTestBreaker(0, 0)
	st := b.Status()
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, DefaultFailureThreshold, st.Threshold)
	assert.Nil(t, st.OpenedAt)
	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure()
	}
	st = b.Status()
	assert.Equal(t, StateOpen, st.State)
	assert.NotNil(t, st.OpenedAt)
}

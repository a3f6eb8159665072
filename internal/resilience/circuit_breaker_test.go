package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

var errBoom = errors.New("boom")

func TestCircuitBreaker_RateTrip(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 10, 0.5, 30*time.Second, WithClock(clock), WithMinSamples(10))

	// 4 failures in 9 samples: under both the sample floor and the rate
	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return nil })
	}
	for i := 0; i < 4; i++ {
		_ = cb.Execute(func() error { return errBoom })
	}
	assert.Equal(t, string(StateClosed), cb.State())

	// 10th sample is a failure: 5/10 = 50% >= threshold
	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, string(StateOpen), cb.State())
}

func TestCircuitBreaker_BelowMinSamplesNeverTrips(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 20, 0.5, 30*time.Second, WithClock(clock), WithMinSamples(10))

	for i := 0; i < 9; i++ {
		_ = cb.Execute(func() error { return errBoom })
	}
	assert.Equal(t, string(StateClosed), cb.State(), "100%% failures but only 9 samples")
}

func TestCircuitBreaker_OpenFailsFast(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 10, 0.5, 30*time.Second, WithClock(clock))

	for i := 0; i < 10; i++ {
		_ = cb.Execute(func() error { return errBoom })
	}
	assert.Equal(t, string(StateOpen), cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "function must not run while open")
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 10, 0.5, 30*time.Second, WithClock(clock))

	for i := 0; i < 10; i++ {
		_ = cb.Execute(func() error { return errBoom })
	}
	assert.Equal(t, string(StateOpen), cb.State())

	// before the reset timeout the probe is rejected
	clock.now = clock.now.Add(10 * time.Second)
	assert.False(t, cb.Allow())

	// after the timeout one probe goes through; success closes the circuit
	clock.now = clock.now.Add(21 * time.Second)
	err := cb.Execute(func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, string(StateClosed), cb.State())

	// the window was reset: old failures no longer count
	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, string(StateClosed), cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 10, 0.5, 30*time.Second, WithClock(clock))

	for i := 0; i < 10; i++ {
		cb.Record(true)
	}
	assert.Equal(t, string(StateOpen), cb.State())

	clock.now = clock.now.Add(31 * time.Second)
	assert.True(t, cb.Allow())
	cb.Record(true)
	assert.Equal(t, string(StateOpen), cb.State())

	// reopened breaker needs a fresh timeout
	clock.now = clock.now.Add(10 * time.Second)
	assert.False(t, cb.Allow())
}

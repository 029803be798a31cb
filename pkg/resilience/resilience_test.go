package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxFailures: 2,
		Cooldown:    time.Minute,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		MaxBackoff:  time.Millisecond,
	}
}

func TestBreaker_RetriesUntilSuccess(t *testing.T) {
	b := NewBreaker("test-retry", testConfig())
	calls := 0
	err := b.Execute(context.Background(), "put", func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreaker_OpensAndFailsFast(t *testing.T) {
	b := NewBreaker("test-open", testConfig())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	calls := 0
	failing := func(context.Context) error {
		calls++
		return errors.New("timeout")
	}

	err := b.Execute(context.Background(), "put", failing)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)
	assert.Equal(t, CircuitBreakerOpen, b.State())

	err = b.Execute(context.Background(), "put", failing)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)

	// after the cooldown one probe goes through and closes the circuit
	now = now.Add(time.Minute)
	err = b.Execute(context.Background(), "put", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("test-half-open", testConfig())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	_ = b.Execute(context.Background(), "put", func(context.Context) error { return errors.New("boom") })
	require.Equal(t, CircuitBreakerOpen, b.State())

	now = now.Add(time.Minute)
	calls := 0
	err := b.Execute(context.Background(), "put", func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CircuitBreakerOpen, b.State())
}

func TestBreaker_AppliesAttemptTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.AttemptTimeout = 10 * time.Millisecond
	b := NewBreaker("test-timeout", cfg)

	err := b.Execute(context.Background(), "put", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "none", classifyError(nil))
	assert.Equal(t, "timeout", classifyError(context.DeadlineExceeded))
	assert.Equal(t, "network", classifyError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, "not_found", classifyError(errors.New("bucket not found")))
	assert.Equal(t, "unknown", classifyError(errors.New("weird")))
}

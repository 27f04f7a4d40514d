package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/execplane/plane/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *BreakerConfig {
	return &BreakerConfig{
		Name:             "send_email",
		ErrorThreshold:   0.5,
		VolumeThreshold:  5,
		SleepWindow:      50 * time.Millisecond,
		HalfOpenRequests: 2,
		SuccessThreshold: 0.5,
		WindowSize:       time.Second,
		BucketCount:      10,
	}
}

func TestCircuitBreakerOpensAfterErrorThreshold(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig())
	require.NoError(t, err)
	assert.Equal(t, "closed", cb.GetState())

	for i := 0; i < 6; i++ {
		execErr := cb.Execute(context.Background(), func() error { return errors.New("tool call failed") })
		assert.Error(t, execErr)
	}

	assert.Equal(t, "open", cb.GetState())
	rejectErr := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, rejectErr, core.ErrCircuitBreakerOpen)
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig())
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("fail") })
	}
	require.Equal(t, "open", cb.GetState())

	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.CanExecute(), "sleep window elapsed, should probe half-open")
	require.Equal(t, "half-open", cb.GetState())

	for i := 0; i < 2; i++ {
		assert.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	}
	assert.Equal(t, "closed", cb.GetState())
}

func TestCircuitBreakerReopensWhenHalfOpenProbesFail(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig())
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("fail") })
	}
	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.CanExecute())

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("still failing") })
	}
	assert.Equal(t, "open", cb.GetState())
}

func TestCircuitBreakerForceOpenAndForceClosedOverrideState(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig())
	require.NoError(t, err)

	cb.forceOpen.Store(true)
	assert.False(t, cb.CanExecute())
	cb.forceOpen.Store(false)

	cb.forceClosed.Store(true)
	for i := 0; i < 6; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("fail") })
	}
	assert.True(t, cb.CanExecute())
}

func TestDefaultErrorClassifierIgnoresCallerErrors(t *testing.T) {
	assert.False(t, DefaultErrorClassifier(nil))
	assert.False(t, DefaultErrorClassifier(core.NewFrameworkError("op", "configuration", core.ErrInvalidConfiguration)))
	assert.True(t, DefaultErrorClassifier(errors.New("connection refused")))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2}
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustsAttemptsAndWrapsLastError(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2}
	err := Retry(context.Background(), cfg, func() error { return errors.New("persistent failure") })
	assert.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
}

func TestRetryWithCircuitBreakerStopsRetryingOnceCircuitOpens(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig())
	require.NoError(t, err)

	calls := 0
	retryCfg := &RetryConfig{MaxAttempts: 10, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
	for i := 0; i < 6; i++ {
		_ = RetryWithCircuitBreaker(context.Background(), retryCfg, cb, func() error {
			calls++
			return errors.New("fail")
		})
	}
	require.Equal(t, "open", cb.GetState())

	callsBefore := calls
	_ = RetryWithCircuitBreaker(context.Background(), retryCfg, cb, func() error {
		calls++
		return nil
	})
	assert.Equal(t, callsBefore, calls, "fn must not run once the breaker is open")
}

func TestSlidingWindowTracksErrorRateWithinWindow(t *testing.T) {
	w := NewSlidingWindow(time.Second, 10, true)
	for i := 0; i < 3; i++ {
		w.RecordSuccess()
	}
	for i := 0; i < 1; i++ {
		w.RecordFailure()
	}
	assert.Equal(t, uint64(4), w.GetTotal())
	assert.InDelta(t, 0.25, w.GetErrorRate(), 0.001)
}

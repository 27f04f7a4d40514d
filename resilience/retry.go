package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/execplane/plane/core"
)

// RetryConfig configures the retry toolexec.Wrapper.Invoke wraps every
// sandboxed tool call in, alongside that tool's circuit breaker.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig returns a three-attempt, doubling-backoff shape that
// Retry falls back to when given a nil config. toolexec.Wrapper.Invoke does
// not use it; it builds its own RetryConfig from core.ToolExecConfig.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry calls fn until it succeeds, config.MaxAttempts is exhausted, ctx
// is canceled, or fn returns core.ErrCircuitBreakerOpen (returned as is,
// without further attempts). Backoff grows by BackoffFactor each attempt, capped at
// MaxDelay; JitterEnabled scatters retries from concurrent callers to avoid
// a thundering herd hitting the same tool back-to-back.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else if errors.Is(err, core.ErrCircuitBreakerOpen) {
			return err
		} else {
			lastErr = err
		}

		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
		if config.JitterEnabled {
			delay += time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("tool call failed after %d attempts: %w: %v", config.MaxAttempts, core.ErrMaxRetriesExceeded, lastErr)
}

// RetryWithCircuitBreaker is the form toolexec.Wrapper.Invoke actually
// calls: it gates every attempt on cb.CanExecute and records each attempt's
// outcome back into cb, so a tool tripping its breaker mid-retry stops
// retrying immediately instead of exhausting MaxAttempts against a circuit
// that's already open.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !cb.CanExecute() {
			return core.ErrCircuitBreakerOpen
		}
		if err := fn(); err != nil {
			cb.RecordFailure()
			return err
		}
		cb.RecordSuccess()
		return nil
	})
}

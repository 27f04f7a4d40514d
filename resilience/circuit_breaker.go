package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/execplane/plane/core"
)

// BreakerState is the state of a per-tool circuit breaker.
type BreakerState int

const (
	// StateClosed lets every sandboxed call through.
	StateClosed BreakerState = iota
	// StateOpen short-circuits every call with ErrCircuitBreakerOpen.
	StateOpen
	// StateHalfOpen lets a bounded number of probe calls through to test recovery.
	StateHalfOpen
)

func (s BreakerState) String() string {
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

// ErrorClassifier decides whether err should count toward a breaker's error
// rate. Not every error returned from a sandboxed tool call reflects tool
// health — a bad argument or a missing resource is the caller's fault, not
// the tool's.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure/tool failures but not
// configuration errors, not-found lookups, state errors, or a caller giving
// up — none of those indicate the tool itself is unhealthy.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigurationError(err) || core.IsNotFound(err) || core.IsStateError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	return true
}

// BreakerConfig configures one tool's circuit breaker. toolexec.Wrapper
// builds one of these per tool ID via breakerFor, so Name is always a tool
// ID in this tree, not a free-form service name.
type BreakerConfig struct {
	// Name identifies the breaker — the tool ID it guards.
	Name string

	// ErrorThreshold is the error rate (0.0-1.0) that opens the circuit.
	ErrorThreshold float64

	// VolumeThreshold is the minimum call count before ErrorThreshold is evaluated.
	VolumeThreshold int

	// SleepWindow is how long the circuit stays open before probing half-open.
	SleepWindow time.Duration

	// HalfOpenRequests is how many probe calls are allowed in half-open state.
	HalfOpenRequests int

	// SuccessThreshold is the probe success rate needed to close from half-open.
	SuccessThreshold float64

	// WindowSize and BucketCount shape the sliding error-rate window.
	WindowSize  time.Duration
	BucketCount int

	ErrorClassifier ErrorClassifier
	Logger          core.Logger
	Telemetry       core.Telemetry
}

// DefaultConfig returns the breaker shape toolexec.Wrapper.breakerFor uses
// for every tool that doesn't need its own tuning: half the calls in a
// window failing opens the circuit once at least 10 calls have been made.
func DefaultConfig() *BreakerConfig {
	return &BreakerConfig{
		Name:             "default",
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 5,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Telemetry:        &core.NoOpTelemetry{},
	}
}

func (c *BreakerConfig) Validate() error {
	if c.Name == "" {
		return errors.New("breaker name (tool ID) is required")
	}
	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("error threshold must be in [0,1], got %f", c.ErrorThreshold)
	}
	if c.VolumeThreshold < 0 {
		return fmt.Errorf("volume threshold must be non-negative, got %d", c.VolumeThreshold)
	}
	if c.SuccessThreshold < 0 || c.SuccessThreshold > 1 {
		return fmt.Errorf("success threshold must be in [0,1], got %f", c.SuccessThreshold)
	}
	if c.HalfOpenRequests < 1 {
		return fmt.Errorf("half-open requests must be at least 1, got %d", c.HalfOpenRequests)
	}
	if c.SleepWindow < 0 {
		return fmt.Errorf("sleep window must be non-negative, got %v", c.SleepWindow)
	}
	if c.WindowSize < 0 {
		return fmt.Errorf("window size must be non-negative, got %v", c.WindowSize)
	}
	if c.BucketCount < 1 {
		return fmt.Errorf("bucket count must be at least 1, got %d", c.BucketCount)
	}
	return nil
}

// CircuitBreaker is a per-tool circuit breaker. toolexec.Wrapper keeps one
// per tool ID (breakerFor) so a failing tool cannot trip calls to a
// healthy one. It satisfies core.CircuitBreaker.
type CircuitBreaker struct {
	config *BreakerConfig

	state          atomic.Value // BreakerState
	stateChangedAt atomic.Value // time.Time
	generation     uint64

	window *SlidingWindow

	halfOpenTotal     atomic.Int32
	halfOpenSuccesses atomic.Int32
	halfOpenFailures  atomic.Int32

	forceOpen   atomic.Bool
	forceClosed atomic.Bool

	mu sync.Mutex
}

var _ core.CircuitBreaker = (*CircuitBreaker)(nil)

// NewCircuitBreaker validates config (defaulting a nil config to
// DefaultConfig) and returns a breaker in the closed state.
func NewCircuitBreaker(config *BreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.WindowSize == 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.BucketCount == 0 {
		config.BucketCount = 10
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Telemetry == nil {
		config.Telemetry = &core.NoOpTelemetry{}
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 0.6
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 5
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	cb := &CircuitBreaker{
		config: config,
		window: NewSlidingWindow(config.WindowSize, config.BucketCount, true),
	}
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	return cb, nil
}

// Execute runs fn under circuit breaker protection with no timeout.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	return cb.ExecuteWithTimeout(ctx, 0, fn)
}

// ExecuteWithTimeout runs fn under circuit breaker protection, bounding its
// runtime to timeout (0 means no bound). fn runs in its own goroutine so a
// fn that ignores ctx still respects the timeout; the goroutine's result is
// still recorded against the breaker once it finishes.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	halfOpen, allowed := cb.reserve()
	if !allowed {
		return fmt.Errorf("circuit breaker %q is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in %s: %v\n%s", cb.config.Name, r, debug.Stack())
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		cb.complete(halfOpen, err)
		return err
	case <-ctx.Done():
		go func() { cb.complete(halfOpen, <-done) }()
		return ctx.Err()
	}
}

// CanExecute reports whether a call would currently be let through, without
// reserving a half-open slot. toolexec.Wrapper (via RetryWithCircuitBreaker)
// uses this gate-then-record form instead of Execute, since the sandboxed
// call already runs under its own timeout.
func (cb *CircuitBreaker) CanExecute() bool {
	if cb.forceClosed.Load() {
		return true
	}
	if cb.forceOpen.Load() {
		return false
	}

	switch cb.state.Load().(BreakerState) {
	case StateClosed:
		return true
	case StateOpen:
		changedAt := cb.stateChangedAt.Load().(time.Time)
		if time.Since(changedAt) <= cb.config.SleepWindow {
			return false
		}
		cb.mu.Lock()
		if cb.state.Load().(BreakerState) == StateOpen {
			cb.transitionLocked(StateHalfOpen)
		}
		cb.mu.Unlock()
		return cb.CanExecute()
	case StateHalfOpen:
		return int(cb.halfOpenTotal.Load()) < cb.config.HalfOpenRequests
	default:
		return false
	}
}

// reserve is CanExecute plus, for half-open, atomically claiming one of the
// limited probe slots so concurrent callers can't all squeeze through.
func (cb *CircuitBreaker) reserve() (halfOpen bool, allowed bool) {
	if cb.forceClosed.Load() {
		return false, true
	}
	if cb.forceOpen.Load() {
		return false, false
	}
	if !cb.CanExecute() {
		return false, false
	}
	if cb.state.Load().(BreakerState) != StateHalfOpen {
		return false, true
	}
	for {
		current := cb.halfOpenTotal.Load()
		if int(current) >= cb.config.HalfOpenRequests {
			return false, false
		}
		if cb.halfOpenTotal.CompareAndSwap(current, current+1) {
			return true, true
		}
	}
}

// RecordSuccess records a call outcome without going through
// Execute/ExecuteWithTimeout — the form RetryWithCircuitBreaker uses.
func (cb *CircuitBreaker) RecordSuccess() { cb.complete(cb.state.Load().(BreakerState) == StateHalfOpen, nil) }

// RecordFailure is RecordSuccess's failure counterpart.
func (cb *CircuitBreaker) RecordFailure() {
	cb.complete(cb.state.Load().(BreakerState) == StateHalfOpen, errors.New("tool call failed"))
}

func (cb *CircuitBreaker) complete(halfOpen bool, err error) {
	if cb.forceClosed.Load() || cb.forceOpen.Load() {
		return
	}

	if err == nil {
		cb.window.RecordSuccess()
		cb.config.Telemetry.RecordMetric("toolexec_circuit_calls", 1, map[string]string{"tool_id": cb.config.Name, "result": "success"})
		if halfOpen {
			cb.halfOpenSuccesses.Add(1)
		}
	} else if cb.config.ErrorClassifier(err) {
		cb.window.RecordFailure()
		cb.config.Telemetry.RecordMetric("toolexec_circuit_calls", 1, map[string]string{"tool_id": cb.config.Name, "result": "failure"})
		if halfOpen {
			cb.halfOpenFailures.Add(1)
		}
	}

	cb.evaluateState()
}

func (cb *CircuitBreaker) evaluateState() {
	state := cb.state.Load().(BreakerState)
	errorRate := cb.window.GetErrorRate()
	total := cb.window.GetTotal()

	switch state {
	case StateClosed:
		if cb.config.VolumeThreshold > 0 && total >= uint64(cb.config.VolumeThreshold) && errorRate >= cb.config.ErrorThreshold {
			cb.mu.Lock()
			cb.transitionLocked(StateOpen)
			cb.mu.Unlock()
		}

	case StateHalfOpen:
		successes := cb.halfOpenSuccesses.Load()
		failures := cb.halfOpenFailures.Load()
		attempts := successes + failures
		if attempts < int32(cb.config.HalfOpenRequests) {
			return
		}

		successRate := float64(successes) / float64(attempts)
		cb.mu.Lock()
		if successRate >= cb.config.SuccessThreshold {
			cb.transitionLocked(StateClosed)
		} else {
			cb.transitionLocked(StateOpen)
			cb.config.SleepWindow = time.Duration(float64(cb.config.SleepWindow) * 1.5)
			if cb.config.SleepWindow > 5*time.Minute {
				cb.config.SleepWindow = 5 * time.Minute
			}
		}
		cb.mu.Unlock()
	}
}

// transitionLocked changes state; caller must hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(next BreakerState) {
	prev := cb.state.Load().(BreakerState)
	if prev == next {
		return
	}
	cb.state.Store(next)
	cb.stateChangedAt.Store(time.Now())
	cb.generation++

	if next == StateHalfOpen {
		cb.halfOpenTotal.Store(0)
		cb.halfOpenSuccesses.Store(0)
		cb.halfOpenFailures.Store(0)
	}

	cb.config.Logger.Info("tool circuit breaker state changed", map[string]interface{}{
		"tool_id": cb.config.Name, "from": prev.String(), "to": next.String(), "error_rate": cb.window.GetErrorRate(),
	})
	cb.config.Telemetry.RecordMetric("toolexec_circuit_state", float64(next), map[string]string{"tool_id": cb.config.Name})
}

// GetState returns the breaker's current state as a string.
func (cb *CircuitBreaker) GetState() string {
	return cb.state.Load().(BreakerState).String()
}

// GetMetrics returns a snapshot suitable for a status endpoint or log line.
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	success, failure := cb.window.GetCounts()
	metrics := map[string]interface{}{
		"tool_id":      cb.config.Name,
		"state":        cb.GetState(),
		"generation":   cb.generation,
		"success":      success,
		"failure":      failure,
		"error_rate":   cb.window.GetErrorRate(),
		"force_open":   cb.forceOpen.Load(),
		"force_closed": cb.forceClosed.Load(),
	}
	if cb.state.Load().(BreakerState) == StateHalfOpen {
		metrics["half_open_successes"] = cb.halfOpenSuccesses.Load()
		metrics["half_open_failures"] = cb.halfOpenFailures.Load()
	}
	return metrics
}

// Reset clears the breaker back to closed with an empty window — used by
// operators clearing an incident once the underlying tool is known-healthy.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	prev := cb.state.Load().(BreakerState)
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	cb.halfOpenTotal.Store(0)
	cb.halfOpenSuccesses.Store(0)
	cb.halfOpenFailures.Store(0)
	cb.window = NewSlidingWindow(cb.config.WindowSize, cb.config.BucketCount, true)

	cb.config.Logger.Info("tool circuit breaker reset", map[string]interface{}{
		"tool_id": cb.config.Name, "previous_state": prev.String(),
	})
}

// bucket is one slice of a SlidingWindow's time-bucketed counters.
type bucket struct {
	timestamp time.Time
	success   uint64
	failure   uint64
}

// SlidingWindow is a time-bucketed success/failure counter shared by
// CircuitBreaker (per-tool error rate) and effort.MetricsAggregator
// (per-tool success rate, escalation rate).
type SlidingWindow struct {
	buckets      []bucket
	windowSize   time.Duration
	bucketSize   time.Duration
	currentIdx   int
	lastRotation time.Time
	mu           sync.RWMutex
	monotonic    bool
}

// NewSlidingWindow builds a window of bucketCount buckets spanning
// windowSize. monotonic avoids resetting the window when the system clock
// jumps backward (NTP adjustment) instead of treating it as elapsed time.
func NewSlidingWindow(windowSize time.Duration, bucketCount int, monotonic bool) *SlidingWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}
	bucketSize := windowSize / time.Duration(bucketCount)
	buckets := make([]bucket, bucketCount)
	now := time.Now()
	for i := range buckets {
		buckets[i].timestamp = now
	}
	return &SlidingWindow{
		buckets: buckets, windowSize: windowSize, bucketSize: bucketSize,
		lastRotation: now, monotonic: monotonic,
	}
}

func (sw *SlidingWindow) rotateBuckets() {
	now := time.Now()
	var elapsed time.Duration
	if sw.monotonic {
		elapsed = now.Sub(sw.lastRotation)
	} else {
		elapsed = now.Sub(sw.buckets[sw.currentIdx].timestamp)
	}

	if elapsed < 0 {
		sw.reset()
		return
	}
	if elapsed < sw.bucketSize {
		return
	}

	rotations := int(elapsed / sw.bucketSize)
	if rotations > len(sw.buckets) {
		rotations = len(sw.buckets)
	}
	for i := 0; i < rotations; i++ {
		sw.currentIdx = (sw.currentIdx + 1) % len(sw.buckets)
		sw.buckets[sw.currentIdx] = bucket{timestamp: now}
	}
	sw.lastRotation = now
}

func (sw *SlidingWindow) reset() {
	now := time.Now()
	for i := range sw.buckets {
		sw.buckets[i] = bucket{timestamp: now}
	}
	sw.currentIdx = 0
	sw.lastRotation = now
}

// RecordSuccess records one successful call in the current bucket.
func (sw *SlidingWindow) RecordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateBuckets()
	atomic.AddUint64(&sw.buckets[sw.currentIdx].success, 1)
}

// RecordFailure records one failed call in the current bucket.
func (sw *SlidingWindow) RecordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateBuckets()
	atomic.AddUint64(&sw.buckets[sw.currentIdx].failure, 1)
}

// GetCounts sums success/failure across every bucket still inside windowSize.
func (sw *SlidingWindow) GetCounts() (success, failure uint64) {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	cutoff := time.Now().Add(-sw.windowSize)
	for i := range sw.buckets {
		b := &sw.buckets[i]
		if b.timestamp.After(cutoff) {
			success += atomic.LoadUint64(&b.success)
			failure += atomic.LoadUint64(&b.failure)
		}
	}
	return success, failure
}

// GetErrorRate returns failure/(success+failure), or 0 with no calls yet.
func (sw *SlidingWindow) GetErrorRate() float64 {
	success, failure := sw.GetCounts()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}

// GetTotal returns success+failure across the window.
func (sw *SlidingWindow) GetTotal() uint64 {
	success, failure := sw.GetCounts()
	return success + failure
}

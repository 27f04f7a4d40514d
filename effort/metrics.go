package effort

import (
	"sync"
	"time"

	"github.com/execplane/plane/resilience"
)

// MetricsAggregator tracks rolling observability metrics per tool: success
// rate, mean latency, and human escalation rate. Each tool gets its own
// resilience.SlidingWindow so a burst of failures in one tool cannot skew
// another tool's score.
type MetricsAggregator struct {
	mu         sync.Mutex
	windows    map[string]*resilience.SlidingWindow
	escalation map[string]*resilience.SlidingWindow
	latencies  map[string]*latencyTracker
	windowSize time.Duration
	buckets    int
}

// NewMetricsAggregator builds an aggregator with a 5-minute, 10-bucket
// sliding window per tool; the circuit breaker's default window has the
// same bucket count over 60 seconds.
func NewMetricsAggregator() *MetricsAggregator {
	return &MetricsAggregator{
		windows:    make(map[string]*resilience.SlidingWindow),
		escalation: make(map[string]*resilience.SlidingWindow),
		latencies:  make(map[string]*latencyTracker),
		windowSize: 5 * time.Minute,
		buckets:    10,
	}
}

type latencyTracker struct {
	mu        sync.Mutex
	samples   []time.Duration
	maxSample int
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{maxSample: 50}
}

func (t *latencyTracker) record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, d)
	if len(t.samples) > t.maxSample {
		t.samples = t.samples[len(t.samples)-t.maxSample:]
	}
}

func (t *latencyTracker) mean() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range t.samples {
		total += s
	}
	return total / time.Duration(len(t.samples))
}

func (m *MetricsAggregator) windowFor(toolID string) *resilience.SlidingWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[toolID]
	if !ok {
		w = resilience.NewSlidingWindow(m.windowSize, m.buckets, false)
		m.windows[toolID] = w
	}
	return w
}

func (m *MetricsAggregator) escalationWindowFor(toolID string) *resilience.SlidingWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.escalation[toolID]
	if !ok {
		w = resilience.NewSlidingWindow(m.windowSize, m.buckets, false)
		m.escalation[toolID] = w
	}
	return w
}

func (m *MetricsAggregator) latencyFor(toolID string) *latencyTracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.latencies[toolID]
	if !ok {
		t = newLatencyTracker()
		m.latencies[toolID] = t
	}
	return t
}

// RecordOutcome records one tool invocation's success/failure and latency.
func (m *MetricsAggregator) RecordOutcome(toolID string, success bool, latency time.Duration) {
	w := m.windowFor(toolID)
	if success {
		w.RecordSuccess()
	} else {
		w.RecordFailure()
	}
	m.latencyFor(toolID).record(latency)
}

// RecordEscalation records whether a human escalation occurred for toolID.
func (m *MetricsAggregator) RecordEscalation(toolID string, escalated bool) {
	w := m.escalationWindowFor(toolID)
	if escalated {
		w.RecordFailure()
	} else {
		w.RecordSuccess()
	}
}

// Snapshot returns three scores in [0, 1], higher is better: success rate,
// a latency score (1.0 for near-zero latency, decaying toward 0 as mean
// latency approaches one second), and an escalation score (1.0 when humans
// are rarely needed).
func (m *MetricsAggregator) Snapshot(toolID string) (successRate, latencyScore, escalationScore float64) {
	w := m.windowFor(toolID)
	if w.GetTotal() == 0 {
		successRate = 1.0
	} else {
		successRate = 1.0 - w.GetErrorRate()
	}

	mean := m.latencyFor(toolID).mean()
	latencyScore = 1.0 - clamp01(float64(mean)/float64(time.Second))

	esc := m.escalationWindowFor(toolID)
	if esc.GetTotal() == 0 {
		escalationScore = 1.0
	} else {
		escalationScore = 1.0 - esc.GetErrorRate()
	}
	return successRate, latencyScore, escalationScore
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

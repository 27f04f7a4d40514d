package sandbox

import "sync/atomic"

// ResourceAccountant tracks cumulative consumption per sandbox using atomic
// counters so checks and updates never race, matching the circuit
// breaker's low-contention atomic-state-machine style.
type ResourceAccountant struct {
	cpuUnits    int64
	memoryBytes int64
	wallTimeMS  int64
	processes   int64
}

// NewResourceAccountant builds a zeroed accountant.
func NewResourceAccountant() *ResourceAccountant {
	return &ResourceAccountant{}
}

// Reserve attempts to add amount to kind's running total, checked against
// checker's configured limit. On success the total is updated; on failure
// it is left unchanged.
func (a *ResourceAccountant) Reserve(checker *PermissionChecker, kind string, amount int64) CheckResult {
	current := a.current(kind)
	result := checker.CheckResourceLimit(kind, current, amount)
	if !result.Granted {
		return result
	}
	a.add(kind, amount)
	return result
}

// Release subtracts amount from kind's running total (e.g. when a process
// exits), floored at zero.
func (a *ResourceAccountant) Release(kind string, amount int64) {
	a.add(kind, -amount)
}

func (a *ResourceAccountant) current(kind string) int64 {
	switch kind {
	case "cpu":
		return atomic.LoadInt64(&a.cpuUnits)
	case "memory":
		return atomic.LoadInt64(&a.memoryBytes)
	case "execution_time_ms":
		return atomic.LoadInt64(&a.wallTimeMS)
	case "process_count":
		return atomic.LoadInt64(&a.processes)
	default:
		return 0
	}
}

func (a *ResourceAccountant) add(kind string, delta int64) {
	var target *int64
	switch kind {
	case "cpu":
		target = &a.cpuUnits
	case "memory":
		target = &a.memoryBytes
	case "execution_time_ms":
		target = &a.wallTimeMS
	case "process_count":
		target = &a.processes
	default:
		return
	}
	for {
		old := atomic.LoadInt64(target)
		next := old + delta
		if next < 0 {
			next = 0
		}
		if atomic.CompareAndSwapInt64(target, old, next) {
			return
		}
	}
}

// Snapshot returns every tracked counter's current value.
func (a *ResourceAccountant) Snapshot() map[string]int64 {
	return map[string]int64{
		"cpu":               atomic.LoadInt64(&a.cpuUnits),
		"memory":            atomic.LoadInt64(&a.memoryBytes),
		"execution_time_ms": atomic.LoadInt64(&a.wallTimeMS),
		"process_count":     atomic.LoadInt64(&a.processes),
	}
}

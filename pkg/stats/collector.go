package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Operations on the multi-version store
const (
	OpWrite             OperationType = "write"
	OpAddDelta          OperationType = "add_delta"
	OpMarkEstimate      OperationType = "mark_estimate"
	OpRemove            OperationType = "remove"
	OpMaterialize       OperationType = "materialize"
	OpSetBase           OperationType = "set_base"
	OpRead              OperationType = "read"
	OpGroupSeed         OperationType = "group_seed"
	OpGroupWrite        OperationType = "group_write"
	OpGroupMarkEstimate OperationType = "group_mark_estimate"
	OpGroupRemove       OperationType = "group_remove"
	OpGroupRead         OperationType = "group_read"
	OpGroupSize         OperationType = "group_size"
)

// Outcome is the result class of a read
type Outcome string

// Read outcomes
const (
	OutcomeVersioned     Outcome = "versioned"
	OutcomeResolved      Outcome = "resolved"
	OutcomeDependency    Outcome = "dependency"
	OutcomeUnresolved    Outcome = "unresolved"
	OutcomeUninitialized Outcome = "uninitialized"
	OutcomeDeltaFailure  Outcome = "delta_failure"
	OutcomeTagNotFound   Outcome = "tag_not_found"
)

// Snapshot is a point-in-time copy of the collector's counters
type Snapshot struct {
	Operations map[OperationType]uint64
	Outcomes   map[Outcome]uint64
}

// AtomicCollector provides centralized statistics collection with minimal contention
// using atomic operations for thread safety
type AtomicCollector struct {
	// Operation counters using atomic values
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex // Only used when creating new counter entries

	// Read outcome counters
	outcomes   map[Outcome]*atomic.Uint64
	outcomesMu sync.RWMutex // Only used when creating new outcome entries

	// Latency tracking
	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex // Only used when creating new latency trackers

	createdAt time.Time
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // sum in nanoseconds
	max   atomic.Uint64 // max in nanoseconds
	min   atomic.Uint64 // min in nanoseconds, 0 until the first sample
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:    make(map[OperationType]*atomic.Uint64),
		outcomes:  make(map[Outcome]*atomic.Uint64),
		latencies: make(map[OperationType]*LatencyTracker),
		createdAt: time.Now(),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.getOrCreateCounter(op).Add(1)
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.getOrCreateCounter(op).Add(1)

	tracker := c.getOrCreateLatencyTracker(op)
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)

	for {
		current := tracker.max.Load()
		if latencyNs <= current || tracker.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}

	for {
		current := tracker.min.Load()
		if current != 0 && latencyNs >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

// TrackOutcome increments the counter for the specified read outcome
func (c *AtomicCollector) TrackOutcome(outcome Outcome) {
	c.outcomesMu.RLock()
	counter, exists := c.outcomes[outcome]
	c.outcomesMu.RUnlock()

	if !exists {
		c.outcomesMu.Lock()
		if counter, exists = c.outcomes[outcome]; !exists {
			counter = &atomic.Uint64{}
			c.outcomes[outcome] = counter
		}
		c.outcomesMu.Unlock()
	}

	counter.Add(1)
}

// Snapshot returns a copy of the operation and outcome counters
func (c *AtomicCollector) Snapshot() Snapshot {
	snap := Snapshot{
		Operations: make(map[OperationType]uint64),
		Outcomes:   make(map[Outcome]uint64),
	}

	c.countsMu.RLock()
	for op, counter := range c.counts {
		snap.Operations[op] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.outcomesMu.RLock()
	for outcome, counter := range c.outcomes {
		snap.Outcomes[outcome] = counter.Load()
	}
	c.outcomesMu.RUnlock()

	return snap
}

// Sub returns the per-counter difference s - prev.
func (s Snapshot) Sub(prev Snapshot) Snapshot {
	diff := Snapshot{
		Operations: make(map[OperationType]uint64, len(s.Operations)),
		Outcomes:   make(map[Outcome]uint64, len(s.Outcomes)),
	}
	for op, v := range s.Operations {
		if d := v - prev.Operations[op]; d > 0 {
			diff.Operations[op] = d
		}
	}
	for outcome, v := range s.Outcomes {
		if d := v - prev.Outcomes[outcome]; d > 0 {
			diff.Outcomes[outcome] = d
		}
	}
	return diff
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	snap := c.Snapshot()
	for op, v := range snap.Operations {
		stats[string(op)+"_ops"] = v
	}
	for outcome, v := range snap.Outcomes {
		stats["read_"+string(outcome)] = v
	}

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}

		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}

		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	stats["uptime_ms"] = time.Since(c.createdAt).Milliseconds()

	return stats
}

// GetStatsFiltered returns statistics filtered by prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}

// getOrCreateCounter gets or creates an atomic counter for the operation
func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	// Try read lock first (fast path)
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		// Slow path with write lock
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}

// getOrCreateLatencyTracker gets or creates a latency tracker for the operation
func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}

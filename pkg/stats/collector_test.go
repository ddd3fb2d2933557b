package stats

import (
	"sync"
	"testing"
)

func TestCollector_TrackOperation(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpWrite)
	collector.TrackOperation(OpWrite)
	collector.TrackOperation(OpRead)

	stats := collector.GetStats()

	if stats["write_ops"].(uint64) != 2 {
		t.Errorf("Expected 2 write operations, got %v", stats["write_ops"])
	}
	if stats["read_ops"].(uint64) != 1 {
		t.Errorf("Expected 1 read operation, got %v", stats["read_ops"])
	}
}

func TestCollector_TrackOperationWithLatency(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperationWithLatency(OpRead, 100)
	collector.TrackOperationWithLatency(OpRead, 200)
	collector.TrackOperationWithLatency(OpRead, 300)

	latencyStats, ok := collector.GetStats()["read_latency"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected read_latency to be a map")
	}
	if count := latencyStats["count"].(uint64); count != 3 {
		t.Errorf("Expected 3 latency records, got %v", count)
	}
	if avg := latencyStats["avg_ns"].(uint64); avg != 200 {
		t.Errorf("Expected average latency 200ns, got %v", avg)
	}
	if min := latencyStats["min_ns"].(uint64); min != 100 {
		t.Errorf("Expected min latency 100ns, got %v", min)
	}
	if max := latencyStats["max_ns"].(uint64); max != 300 {
		t.Errorf("Expected max latency 300ns, got %v", max)
	}
}

func TestCollector_TrackOutcome(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOutcome(OutcomeDependency)
	collector.TrackOutcome(OutcomeDependency)
	collector.TrackOutcome(OutcomeResolved)

	snap := collector.Snapshot()
	if snap.Outcomes[OutcomeDependency] != 2 {
		t.Errorf("Expected 2 dependency outcomes, got %d", snap.Outcomes[OutcomeDependency])
	}
	if snap.Outcomes[OutcomeResolved] != 1 {
		t.Errorf("Expected 1 resolved outcome, got %d", snap.Outcomes[OutcomeResolved])
	}

	filtered := collector.GetStatsFiltered("read_")
	if filtered["read_dependency"].(uint64) != 2 {
		t.Errorf("Expected filtered read_dependency 2, got %v", filtered["read_dependency"])
	}
	if _, exists := filtered["uptime_ms"]; exists {
		t.Errorf("Expected uptime_ms to be filtered out")
	}
}

func TestSnapshot_Sub(t *testing.T) {
	collector := NewAtomicCollector()
	collector.TrackOperation(OpWrite)
	before := collector.Snapshot()

	collector.TrackOperation(OpWrite)
	collector.TrackOperation(OpWrite)
	collector.TrackOutcome(OutcomeUnresolved)

	diff := collector.Snapshot().Sub(before)
	if diff.Operations[OpWrite] != 2 {
		t.Errorf("Expected 2 new writes, got %d", diff.Operations[OpWrite])
	}
	if diff.Outcomes[OutcomeUnresolved] != 1 {
		t.Errorf("Expected 1 new unresolved outcome, got %d", diff.Outcomes[OutcomeUnresolved])
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	collector := NewAtomicCollector()
	const numGoroutines = 10
	const opsPerGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				switch j % 3 {
				case 0:
					collector.TrackOperation(OpWrite)
				case 1:
					collector.TrackOperationWithLatency(OpRead, uint64(j+1))
				case 2:
					collector.TrackOutcome(OutcomeVersioned)
				}
			}
		}(i)
	}

	wg.Wait()

	snap := collector.Snapshot()
	expected := uint64(numGoroutines * 334)
	if snap.Operations[OpWrite] != expected {
		t.Errorf("Expected %d writes, got %d", expected, snap.Operations[OpWrite])
	}
	expected = uint64(numGoroutines * 333)
	if snap.Operations[OpRead] != expected {
		t.Errorf("Expected %d reads, got %d", expected, snap.Operations[OpRead])
	}
	if snap.Outcomes[OutcomeVersioned] != expected {
		t.Errorf("Expected %d versioned outcomes, got %d", expected, snap.Outcomes[OutcomeVersioned])
	}
}

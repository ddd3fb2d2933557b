// ABOUTME: In-memory telemetry implementation for tests that need to observe what a component recorded
// ABOUTME: Aggregates counters and histograms by name and attribute set without any exporter

package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NewForTesting returns a no-op telemetry instance for use in tests.
func NewForTesting() Telemetry {
	return NewNoop()
}

// MemoryTelemetry keeps every recorded value in memory.
type MemoryTelemetry struct {
	mu         sync.Mutex
	counters   map[string]int64
	histograms map[string][]float64
}

// NewMemory creates an empty in-memory telemetry recorder.
func NewMemory() *MemoryTelemetry {
	return &MemoryTelemetry{
		counters:   make(map[string]int64),
		histograms: make(map[string][]float64),
	}
}

// seriesKey renders name{k=v,...} with attributes sorted by key.
func seriesKey(name string, attrs []attribute.KeyValue) string {
	if len(attrs) == 0 {
		return name
	}
	parts := make([]string, 0, len(attrs))
	for _, kv := range attrs {
		parts = append(parts, string(kv.Key)+"="+kv.Value.Emit())
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

// RecordHistogram stores the value.
func (m *MemoryTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := seriesKey(name, attrs)
	m.histograms[key] = append(m.histograms[key], value)
}

// RecordCounter accumulates the value.
func (m *MemoryTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[seriesKey(name, attrs)] += value
}

// StartSpan returns a non-recording span.
func (m *MemoryTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx, trace.SpanFromContext(ctx)
}

// Shutdown is a no-op.
func (m *MemoryTelemetry) Shutdown(ctx context.Context) error {
	return nil
}

// Counter returns the accumulated value of a counter series.
func (m *MemoryTelemetry) Counter(name string, attrs ...attribute.KeyValue) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[seriesKey(name, attrs)]
}

// Histogram returns the values recorded on a histogram series.
func (m *MemoryTelemetry) Histogram(name string, attrs ...attribute.KeyValue) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.histograms[seriesKey(name, attrs)]...)
}

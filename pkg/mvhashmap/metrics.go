// ABOUTME: Telemetry metrics for the multi-version store, reported from the atomic collector
// ABOUTME: Maps operation and read outcome counters onto OpenTelemetry instruments

package mvhashmap

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/mvds/pkg/stats"
	"github.com/KevoDB/mvds/pkg/telemetry"
)

// Metrics defines the telemetry recorded for an MVHashMap.
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordOperations adds count executions of op.
	RecordOperations(ctx context.Context, op stats.OperationType, count int64)

	// RecordReadOutcomes adds count reads that ended with outcome.
	RecordReadOutcomes(ctx context.Context, outcome stats.Outcome, count int64)

	// RecordKeys records the number of locations held by a store.
	RecordKeys(ctx context.Context, store string, keys int)
}

// Metric names
const (
	MetricOperations   = "mvds.mvhashmap.operations.total"
	MetricReadOutcomes = "mvds.mvhashmap.reads.total"
	MetricKeys         = "mvds.mvhashmap.keys"
)

type mvMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates Metrics backed by tel.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	return &mvMetrics{tel: tel}
}

// NewNoopMetrics creates Metrics that record nothing.
func NewNoopMetrics() Metrics {
	return &noopMetrics{}
}

// storeOf returns the store an operation belongs to.
func storeOf(op stats.OperationType) string {
	if strings.HasPrefix(string(op), "group_") {
		return telemetry.StoreGroup
	}
	return telemetry.StoreData
}

func (m *mvMetrics) RecordOperations(ctx context.Context, op stats.OperationType, count int64) {
	m.tel.RecordCounter(ctx, MetricOperations, count,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentMVHashMap),
		attribute.String(telemetry.AttrStore, storeOf(op)),
		attribute.String(telemetry.AttrOperationType, string(op)),
	)
}

func (m *mvMetrics) RecordReadOutcomes(ctx context.Context, outcome stats.Outcome, count int64) {
	m.tel.RecordCounter(ctx, MetricReadOutcomes, count,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentMVHashMap),
		attribute.String(telemetry.AttrOutcome, string(outcome)),
	)
}

func (m *mvMetrics) RecordKeys(ctx context.Context, store string, keys int) {
	m.tel.RecordHistogram(ctx, MetricKeys, float64(keys),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentMVHashMap),
		attribute.String(telemetry.AttrStore, store),
	)
}

func (m *mvMetrics) Close() error {
	return nil
}

type noopMetrics struct{}

func (n *noopMetrics) RecordOperations(ctx context.Context, op stats.OperationType, count int64) {}

func (n *noopMetrics) RecordReadOutcomes(ctx context.Context, outcome stats.Outcome, count int64) {}

func (n *noopMetrics) RecordKeys(ctx context.Context, store string, keys int) {}

func (n *noopMetrics) Close() error { return nil }

// Package mvhashmap implements the multi-version data store used by a
// Block-STM style parallel executor: every transaction of a block writes
// into its own version of a location, and a reader at transaction i sees
// the closest version written by a transaction below i.
package mvhashmap

import (
	"context"
	"sync"

	"github.com/KevoDB/mvds/pkg/common/log"
	"github.com/KevoDB/mvds/pkg/stats"
	"github.com/KevoDB/mvds/pkg/telemetry"
)

// MVHashMap composes the scalar store and the resource group store of one
// block execution. It lives for the duration of the block.
type MVHashMap struct {
	data      *VersionedData
	groupData *VersionedGroupData

	stats   *stats.AtomicCollector
	metrics Metrics
	logger  log.Logger

	reportMu sync.Mutex
	reported stats.Snapshot
}

type options struct {
	shardCount int
	telemetry  telemetry.Telemetry
	logger     log.Logger
}

// Option configures an MVHashMap.
type Option func(*options)

// WithShardCount sets the number of key directory shards of each store.
func WithShardCount(n int) Option {
	return func(o *options) {
		o.shardCount = n
	}
}

// WithTelemetry sets where ReportMetrics sends its counters.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) {
		o.telemetry = tel
	}
}

// WithLogger sets the logger of both stores.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates an empty MVHashMap.
func New(opts ...Option) *MVHashMap {
	o := options{
		shardCount: DefaultShardCount,
		logger:     log.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	collector := stats.NewAtomicCollector()
	logger := o.logger.WithField("component", telemetry.ComponentMVHashMap)

	var metrics Metrics
	if o.telemetry != nil {
		metrics = NewMetrics(o.telemetry)
	} else {
		metrics = NewNoopMetrics()
	}

	return &MVHashMap{
		data:      NewVersionedData(o.shardCount, collector, logger),
		groupData: NewVersionedGroupData(o.shardCount, collector, logger),
		stats:     collector,
		metrics:   metrics,
		logger:    logger,
		reported:  collector.Snapshot(),
	}
}

// Data returns the scalar store.
func (m *MVHashMap) Data() *VersionedData {
	return m.data
}

// GroupData returns the resource group store.
func (m *MVHashMap) GroupData() *VersionedGroupData {
	return m.groupData
}

// Stats returns the operation and read outcome counters of both stores.
func (m *MVHashMap) Stats() *stats.AtomicCollector {
	return m.stats
}

// ReportMetrics pushes the counters accumulated since the previous call
// to telemetry, along with the current number of keys and groups.
func (m *MVHashMap) ReportMetrics(ctx context.Context) {
	m.reportMu.Lock()
	current := m.stats.Snapshot()
	delta := current.Sub(m.reported)
	m.reported = current
	m.reportMu.Unlock()

	for op, n := range delta.Operations {
		if n > 0 {
			m.metrics.RecordOperations(ctx, op, int64(n))
		}
	}
	for outcome, n := range delta.Outcomes {
		if n > 0 {
			m.metrics.RecordReadOutcomes(ctx, outcome, int64(n))
		}
	}
	m.metrics.RecordKeys(ctx, telemetry.StoreData, m.data.NumKeys())
	m.metrics.RecordKeys(ctx, telemetry.StoreGroup, m.groupData.NumGroups())
}

// Close releases the metrics of the map. The stores themselves hold no
// resources.
func (m *MVHashMap) Close() error {
	return m.metrics.Close()
}

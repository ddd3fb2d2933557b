package mvhashmap

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/mvds/pkg/aggregator"
	"github.com/KevoDB/mvds/pkg/stats"
	"github.com/KevoDB/mvds/pkg/telemetry"
)

func TestNewDefaults(t *testing.T) {
	m := New()
	require.NotNil(t, m.Data())
	require.NotNil(t, m.GroupData())
	require.Equal(t, 0, m.Data().NumKeys())
	require.NoError(t, m.Close())

	require.Panics(t, func() { New(WithShardCount(0)) })
}

func TestStatsCountOperationsAndOutcomes(t *testing.T) {
	m := New(WithShardCount(2))
	d := m.Data()

	d.Write("k", 0, 0, Uint128Value(u(1)), nil)
	d.AddDelta("k", 1, aggregator.Addition(u(1), testLimit))
	_, _ = d.FetchData("k", 1)
	_, _ = d.FetchData("k", 2)
	_, _ = d.FetchData("none", 2)
	_, _ = m.GroupData().FetchTaggedData("g", "t", 0)

	s := m.Stats().GetStats()
	require.Equal(t, uint64(1), s["write_ops"])
	require.Equal(t, uint64(1), s["add_delta_ops"])
	require.Equal(t, uint64(3), s["read_ops"])
	require.Equal(t, uint64(1), s["group_read_ops"])
	require.Equal(t, uint64(1), s["read_versioned"])
	require.Equal(t, uint64(1), s["read_resolved"])
	require.Equal(t, uint64(2), s["read_uninitialized"])
}

func TestReportMetrics(t *testing.T) {
	mem := telemetry.NewMemory()
	m := New(WithTelemetry(mem))
	ctx := context.Background()

	m.Data().Write("a", 0, 0, NewValue([]byte("x")), nil)
	m.Data().Write("b", 0, 0, NewValue([]byte("y")), nil)
	m.Data().MarkEstimate("b", 0)
	_, _ = m.Data().FetchData("b", 1)
	m.GroupData().Write("g", 0, 0, map[Tag]TaggedValue{"t": {Value: NewValue(nil)}}, GroupSize{}, nil)

	component := attribute.String(telemetry.AttrComponent, telemetry.ComponentMVHashMap)
	ops := func(store string, op stats.OperationType) int64 {
		return mem.Counter(MetricOperations, component,
			attribute.String(telemetry.AttrStore, store),
			attribute.String(telemetry.AttrOperationType, string(op)))
	}
	dependencies := func() int64 {
		return mem.Counter(MetricReadOutcomes, component,
			attribute.String(telemetry.AttrOutcome, string(stats.OutcomeDependency)))
	}

	m.ReportMetrics(ctx)
	require.Equal(t, int64(2), ops(telemetry.StoreData, stats.OpWrite))
	require.Equal(t, int64(1), ops(telemetry.StoreData, stats.OpMarkEstimate))
	require.Equal(t, int64(1), ops(telemetry.StoreGroup, stats.OpGroupWrite))
	require.Equal(t, int64(1), dependencies())

	keys := mem.Histogram(MetricKeys, component, attribute.String(telemetry.AttrStore, telemetry.StoreData))
	require.Equal(t, []float64{2}, keys)

	// only the increments since the previous report are pushed
	m.Data().Write("a", 1, 0, NewValue([]byte("z")), nil)
	m.ReportMetrics(ctx)
	require.Equal(t, int64(3), ops(telemetry.StoreData, stats.OpWrite))
	require.Equal(t, int64(1), dependencies())
}

type opKind int

const (
	opWrite opKind = iota
	opDelete
	opDelta
	opEstimate
	opRemove
)

type recordedOp struct {
	kind  opKind
	key   Key
	idx   TxnIndex
	inc   Incarnation
	value uint64
	add   bool
}

func (op recordedOp) apply(d *VersionedData, limit uint64) {
	switch op.kind {
	case opWrite:
		d.Write(op.key, op.idx, op.inc, Uint128Value(u(op.value)), nil)
	case opDelete:
		d.Write(op.key, op.idx, op.inc, Deletion(), nil)
	case opDelta:
		if op.add {
			d.AddDelta(op.key, op.idx, aggregator.Addition(u(op.value), u(limit)))
		} else {
			d.AddDelta(op.key, op.idx, aggregator.Subtraction(u(op.value), u(limit)))
		}
	case opEstimate:
		d.MarkEstimate(op.key, op.idx)
	case opRemove:
		d.Remove(op.key, op.idx)
	}
}

// randomOps produces a per-key operation log. Estimates are only issued on
// slots that currently hold an entry.
func randomOps(rng *rand.Rand, keys []Key, txns, n int) []recordedOp {
	present := make(map[Key]map[TxnIndex]bool)
	ops := make([]recordedOp, 0, n)
	for len(ops) < n {
		key := keys[rng.Intn(len(keys))]
		idx := TxnIndex(rng.Intn(txns))
		if present[key] == nil {
			present[key] = make(map[TxnIndex]bool)
		}

		op := recordedOp{key: key, idx: idx, inc: Incarnation(rng.Intn(3)), value: uint64(rng.Intn(100))}
		switch r := rng.Intn(10); {
		case r < 4:
			op.kind = opWrite
		case r < 5:
			op.kind = opDelete
		case r < 8:
			op.kind, op.add = opDelta, rng.Intn(2) == 0
		case r < 9:
			if !present[key][idx] {
				continue
			}
			op.kind = opEstimate
		default:
			op.kind = opRemove
		}

		present[key][idx] = op.kind != opRemove
		ops = append(ops, op)
	}
	return ops
}

func sameRead(t *testing.T, key Key, idx TxnIndex, got DataOutput, gotErr error, want DataOutput, wantErr error) {
	t.Helper()
	if wantErr != nil {
		require.Error(t, gotErr, "key %s idx %d", key, idx)
		require.Equal(t, wantErr.Error(), gotErr.Error(), "key %s idx %d", key, idx)
		return
	}
	require.NoError(t, gotErr, "key %s idx %d", key, idx)
	require.Equal(t, want.Kind, got.Kind, "key %s idx %d", key, idx)
	require.Equal(t, want.Version, got.Version, "key %s idx %d", key, idx)
	require.True(t, want.Value.Equal(got.Value), "key %s idx %d", key, idx)
	require.Equal(t, want.Resolved, got.Resolved, "key %s idx %d", key, idx)
}

func TestSerialEquivalenceOnDisjointKeys(t *testing.T) {
	const (
		workers = 8
		txns    = 24
		perKey  = 3
		opsEach = 400
		limit   = 500
	)

	logs := make([][]recordedOp, workers)
	for w := range logs {
		keys := make([]Key, perKey)
		for i := range keys {
			keys[i] = Key(fmt.Sprintf("w%d-k%d", w, i))
		}
		logs[w] = randomOps(rand.New(rand.NewSource(int64(w))), keys, txns, opsEach)
	}

	concurrent := New(WithShardCount(4))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(ops []recordedOp) {
			defer wg.Done()
			for i, op := range ops {
				op.apply(concurrent.Data(), limit)
				if i%7 == 0 {
					_, _ = concurrent.Data().FetchData(op.key, op.idx+1)
				}
			}
		}(logs[w])
	}
	wg.Wait()

	serial := New(WithShardCount(1))
	for _, ops := range logs {
		for _, op := range ops {
			op.apply(serial.Data(), limit)
		}
	}

	require.Equal(t, serial.Data().Keys(), concurrent.Data().Keys())
	for _, key := range serial.Data().Keys() {
		for idx := TxnIndex(0); idx <= txns; idx++ {
			want, wantErr := serial.Data().FetchData(key, idx)
			got, gotErr := concurrent.Data().FetchData(key, idx)
			sameRead(t, key, idx, got, gotErr, want, wantErr)
		}
	}
}

func TestConcurrentReadersAndWritersOnSharedKey(t *testing.T) {
	m := New()
	d := m.Data()
	d.SetBaseValue("counter", Uint128Value(u(0)), nil)

	const txns = 64
	var wg sync.WaitGroup
	for i := 0; i < txns; i++ {
		wg.Add(1)
		go func(idx TxnIndex) {
			defer wg.Done()
			d.AddDelta("counter", idx, aggregator.Addition(u(1), u(1000)))
			_, err := d.FetchData("counter", idx)
			assert.NoError(t, err)
		}(TxnIndex(i))
	}
	wg.Wait()

	requireResolved(t, d, "counter", txns, txns)
}

func BenchmarkParallelDisjointWrites(b *testing.B) {
	m := New()
	var next uint64
	var mu sync.Mutex
	b.RunParallel(func(pb *testing.PB) {
		mu.Lock()
		key := Key(fmt.Sprintf("key-%d", next))
		next++
		mu.Unlock()

		idx := TxnIndex(0)
		for pb.Next() {
			m.Data().Write(key, idx%1024, 0, NewValue([]byte("v")), nil)
			_, _ = m.Data().FetchData(key, idx%1024+1)
			idx++
		}
	})
}

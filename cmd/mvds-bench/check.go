package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"lukechampine.com/uint128"

	"github.com/KevoDB/mvds/pkg/common/log"
	"github.com/KevoDB/mvds/pkg/mvhashmap"
	"github.com/KevoDB/mvds/pkg/stats"
	"github.com/KevoDB/mvds/pkg/telemetry"
	"github.com/KevoDB/mvds/pkg/writeset"
)

const metricPhaseDuration = "mvds.bench.phase.duration"

// storageResolver resolves every key outside the seeded set to the
// aggregator value the seeded keys start from.
var storageResolver = mvhashmap.ResolverFunc(func(mvhashmap.Key) ([]byte, bool, error) {
	return mvhashmap.Uint128Value(uint128.From64(baseAggregator)).Bytes(), true, nil
})

// runner executes a workload against fresh MVHashMaps.
type runner struct {
	workload
	workers    int
	seed       int64
	options    []mvhashmap.Option
	codec      writeset.Codec
	telemetry  telemetry.Telemetry
	logger     log.Logger
	latencies  *stats.AtomicCollector
	reportTick time.Duration
}

// checkResult summarizes a serial equivalence run.
type checkResult struct {
	Operations int
	Reads      int
	Concurrent time.Duration
	Serial     time.Duration
	WriteSet   int
	Stats      map[string]interface{}
}

func (r *runner) logs() [][]op {
	logs := make([][]op, r.workers)
	for w := range logs {
		rng := rand.New(rand.NewSource(r.seed + int64(w)))
		logs[w] = r.generate(rng, w)
	}
	return logs
}

// play applies the log of one worker and renders the reads issued after
// every operation.
func (r *runner) play(m *mvhashmap.MVHashMap, worker int, ops []op, timed bool) []string {
	r.populate(m, worker)
	trace := make([]string, 0, len(ops))
	for _, o := range ops {
		start := time.Now()
		o.apply(m, r.limit)
		if timed {
			r.latencies.TrackOperationWithLatency(o.statsOp(), uint64(time.Since(start).Nanoseconds()))
		}

		start = time.Now()
		var read string
		if o.kind >= opGroupWrite {
			read = renderGroup(m.GroupData(), o.key, o.idx+1)
		} else {
			read = renderData(m.Data(), o.key, o.idx+1)
		}
		if timed {
			r.latencies.TrackOperationWithLatency(stats.OpRead, uint64(time.Since(start).Nanoseconds()))
		}
		trace = append(trace, read)
	}
	return trace
}

func (r *runner) newMap() *mvhashmap.MVHashMap {
	opts := append([]mvhashmap.Option{}, r.options...)
	opts = append(opts, mvhashmap.WithLogger(r.logger))
	if r.telemetry != nil {
		opts = append(opts, mvhashmap.WithTelemetry(r.telemetry))
	}
	return mvhashmap.New(opts...)
}

// check applies the workers' logs concurrently, replays them serially on a
// second map and fails on the first observable difference.
func (r *runner) check(ctx context.Context) (checkResult, error) {
	ctx, span := r.telemetry.StartSpan(ctx, "bench.check",
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBench))
	defer span.End()

	logs := r.logs()
	result := checkResult{}
	for _, l := range logs {
		result.Operations += len(l)
	}

	concurrent := r.newMap()
	defer concurrent.Close()
	traces := make([][]string, r.workers)

	stop := r.startReporter(ctx, concurrent)
	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < r.workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			traces[w] = r.play(concurrent, w, logs[w], true)
		}(w)
	}
	wg.Wait()
	result.Concurrent = time.Since(start)
	stop()
	r.recordPhase(ctx, "concurrent", start)

	serial := r.newMap()
	defer serial.Close()
	start = time.Now()
	for w := 0; w < r.workers; w++ {
		replay := r.play(serial, w, logs[w], false)
		for i := range replay {
			if replay[i] != traces[w][i] {
				return result, fmt.Errorf("worker %d op %d: concurrent read %q, serial read %q",
					w, i, traces[w][i], replay[i])
			}
		}
		result.Reads += len(replay)
	}
	result.Serial = time.Since(start)
	r.recordPhase(ctx, "serial", start)

	for w := 0; w < r.workers; w++ {
		a, b := r.finalState(concurrent, w), r.finalState(serial, w)
		for i := range a {
			if a[i] != b[i] {
				return result, fmt.Errorf("worker %d final state differs: %q vs %q", w, a[i], b[i])
			}
			result.Reads++
		}
	}

	n, err := r.compareWriteSets(concurrent, serial)
	if err != nil {
		return result, err
	}
	result.WriteSet = n

	concurrent.ReportMetrics(ctx)
	result.Stats = concurrent.Stats().GetStats()
	return result, nil
}

// finalState reads every location of a worker at every index.
func (r *runner) finalState(m *mvhashmap.MVHashMap, worker int) []string {
	var out []string
	for idx := 0; idx <= r.txns; idx++ {
		at := mvhashmap.TxnIndex(idx)
		for k := 0; k < r.keys; k++ {
			out = append(out, renderData(m.Data(), keyName(worker, k), at))
		}
		out = append(out, renderGroup(m.GroupData(), groupName(worker), at))
	}
	return out
}

// compareWriteSets encodes the block output of both maps and requires the
// same bytes, or the same error when the block is left with estimates or
// failing deltas.
func (r *runner) compareWriteSets(a, b *mvhashmap.MVHashMap) (int, error) {
	c, err := writeset.NewCompressor()
	if err != nil {
		return 0, err
	}
	defer c.Close()

	encode := func(m *mvhashmap.MVHashMap) ([]byte, int, error) {
		ws, err := writeset.FromMVHashMap(m, mvhashmap.TxnIndex(r.txns), storageResolver)
		if err != nil {
			return nil, 0, err
		}
		data, err := c.Encode(ws, r.codec)
		return data, ws.Len(), err
	}

	da, n, errA := encode(a)
	db, _, errB := encode(b)
	switch {
	case errA != nil || errB != nil:
		if fmt.Sprint(errA) != fmt.Sprint(errB) {
			return 0, fmt.Errorf("write-set errors differ: %v vs %v", errA, errB)
		}
		if !errors.Is(errA, writeset.ErrIncomplete) && !errors.Is(errA, mvhashmap.ErrDeltaApplicationFailure) {
			return 0, errA
		}
		r.logger.Info("block output not committable: %v", errA)
		return 0, nil
	case !bytes.Equal(da, db):
		return 0, fmt.Errorf("encoded write-sets differ (%d vs %d bytes)", len(da), len(db))
	}
	return n, nil
}

// startReporter pushes store metrics periodically until the returned
// function is called.
func (r *runner) startReporter(ctx context.Context, m *mvhashmap.MVHashMap) func() {
	if r.reportTick <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.reportTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ReportMetrics(ctx)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (r *runner) recordPhase(ctx context.Context, phase string, start time.Time) {
	telemetry.RecordDuration(ctx, r.telemetry, metricPhaseDuration, start,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBench),
		attribute.String(telemetry.AttrOperationType, phase))
}

func (o op) statsOp() stats.OperationType {
	switch o.kind {
	case opWrite, opDelete:
		return stats.OpWrite
	case opDelta:
		return stats.OpAddDelta
	case opEstimate:
		return stats.OpMarkEstimate
	case opRemove:
		return stats.OpRemove
	case opGroupWrite:
		return stats.OpGroupWrite
	case opGroupEstimate:
		return stats.OpGroupMarkEstimate
	default:
		return stats.OpGroupRemove
	}
}

func renderData(d *mvhashmap.VersionedData, key mvhashmap.Key, idx mvhashmap.TxnIndex) string {
	out, err := d.FetchData(key, idx)
	if err != nil {
		return "err:" + err.Error()
	}
	if out.Kind == mvhashmap.Resolved {
		return "resolved:" + out.Resolved.String()
	}
	return fmt.Sprintf("versioned:%s:%s", out.Version, out.Value)
}

func renderGroup(g *mvhashmap.VersionedGroupData, key mvhashmap.Key, idx mvhashmap.TxnIndex) string {
	var b bytes.Buffer
	size, err := g.GetGroupSize(key, idx)
	if err != nil {
		fmt.Fprintf(&b, "size err:%v", err)
	} else {
		fmt.Fprintf(&b, "size %d/%d", size.NumTags, size.TotalBytes)
	}
	for _, tag := range groupTags {
		out, err := g.FetchTaggedData(key, tag, idx)
		if err != nil {
			fmt.Fprintf(&b, " %s err:%v", tag, err)
			continue
		}
		fmt.Fprintf(&b, " %s=%s@%s", tag, out.Value, out.Version)
	}
	return b.String()
}

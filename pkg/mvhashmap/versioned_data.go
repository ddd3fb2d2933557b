package mvhashmap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"lukechampine.com/uint128"

	"github.com/KevoDB/mvds/pkg/aggregator"
	"github.com/KevoDB/mvds/pkg/common/log"
	"github.com/KevoDB/mvds/pkg/stats"
)

const btreeDegree = 8

// OutputKind tells which field of a DataOutput is meaningful.
type OutputKind uint8

const (
	// Versioned means the read observed a write; Version, Value and Layout are set.
	Versioned OutputKind = iota + 1

	// Resolved means the read folded deltas onto a base; Resolved is set.
	Resolved
)

// String implements fmt.Stringer.
func (k OutputKind) String() string {
	switch k {
	case Versioned:
		return "versioned"
	case Resolved:
		return "resolved"
	default:
		return fmt.Sprintf("OutputKind(%d)", k)
	}
}

// DataOutput is a successful scalar read.
type DataOutput struct {
	Kind     OutputKind
	Version  Version
	Value    *Value
	Layout   *Layout
	Resolved uint128.Uint128
}

type entryKind uint8

const (
	kindWrite entryKind = iota + 1
	kindDelta
)

// entry is the content of one (key, index) slot. An estimate keeps the
// previous content around but readers never look past the flag.
type entry struct {
	idx         shiftedIndex
	kind        entryKind
	estimate    bool
	incarnation Incarnation
	value       *Value
	layout      *Layout
	delta       aggregator.DeltaOp
	// shortcut is the committed value of a delta entry, once known.
	shortcut *uint128.Uint128
}

func lessEntry(a, b *entry) bool {
	return a.idx < b.idx
}

// versionedCell holds the version history of one key.
type versionedCell struct {
	mu      sync.RWMutex
	entries *btree.BTreeG[*entry]
}

func newVersionedCell() *versionedCell {
	return &versionedCell{entries: btree.NewG[*entry](btreeDegree, lessEntry)}
}

// VersionedData stores per-key, per-transaction versions of scalar values
// and aggregator deltas.
//
// All operations are safe for concurrent use. A (key, index) slot must only
// be mutated by the worker executing that transaction or by the scheduler
// acting on that transaction's previous outputs.
type VersionedData struct {
	values    *shardedMap[versionedCell]
	collector stats.Collector
	logger    log.Logger
}

// NewVersionedData creates an empty store.
func NewVersionedData(shardCount int, collector stats.Collector, logger log.Logger) *VersionedData {
	if collector == nil {
		collector = stats.NewAtomicCollector()
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &VersionedData{
		values:    newShardedMap(shardCount, newVersionedCell),
		collector: collector,
		logger:    logger.WithField("store", "data"),
	}
}

// SetBaseValue records the pre-block value of key below transaction 0. The
// first recorded base value wins; later calls are ignored.
func (d *VersionedData) SetBaseValue(key Key, value *Value, layout *Layout) {
	d.collector.TrackOperation(stats.OpSetBase)
	cell := d.values.getOrCreate(key)

	cell.mu.Lock()
	defer cell.mu.Unlock()
	if _, ok := cell.entries.Get(&entry{idx: storageIndex}); ok {
		return
	}
	if value == nil {
		value = Deletion()
	}
	cell.entries.ReplaceOrInsert(&entry{
		idx:    storageIndex,
		kind:   kindWrite,
		value:  value,
		layout: layout,
	})
}

// Write records the output of transaction idx for key, replacing whatever
// the slot held before, including an estimate. A nil value is a deletion.
func (d *VersionedData) Write(key Key, idx TxnIndex, incarnation Incarnation, value *Value, layout *Layout) {
	d.collector.TrackOperation(stats.OpWrite)
	if value == nil {
		value = Deletion()
	}
	d.upsert(key, &entry{
		idx:         shift(idx),
		kind:        kindWrite,
		incarnation: incarnation,
		value:       value,
		layout:      layout,
	})
}

// AddDelta records an aggregator delta of transaction idx for key.
func (d *VersionedData) AddDelta(key Key, idx TxnIndex, delta aggregator.DeltaOp) {
	d.collector.TrackOperation(stats.OpAddDelta)
	d.upsert(key, &entry{
		idx:   shift(idx),
		kind:  kindDelta,
		delta: delta,
	})
}

func (d *VersionedData) upsert(key Key, e *entry) {
	cell := d.values.getOrCreate(key)
	cell.mu.Lock()
	cell.entries.ReplaceOrInsert(e)
	cell.mu.Unlock()
}

// MarkEstimate flags the entry of transaction idx as an estimate, so that
// higher transactions reading key get a dependency instead of stale data.
// The entry must exist.
func (d *VersionedData) MarkEstimate(key Key, idx TxnIndex) {
	d.collector.TrackOperation(stats.OpMarkEstimate)
	cell := d.values.get(key)
	if cell == nil {
		d.invariantViolation("mark estimate on unknown key %q (txn %d)", key, idx)
	}

	cell.mu.Lock()
	defer cell.mu.Unlock()
	e, ok := cell.entries.Get(&entry{idx: shift(idx)})
	if !ok {
		d.invariantViolation("mark estimate on missing entry for key %q (txn %d)", key, idx)
	}
	e.estimate = true
}

// Remove deletes the entry of transaction idx for key, if any.
func (d *VersionedData) Remove(key Key, idx TxnIndex) {
	d.collector.TrackOperation(stats.OpRemove)
	cell := d.values.get(key)
	if cell == nil {
		return
	}

	cell.mu.Lock()
	cell.entries.Delete(&entry{idx: shift(idx)})
	cell.mu.Unlock()
}

// MaterializeDelta records the committed absolute value of the delta entry
// of transaction idx. Readers above it stop scanning there. The entry must
// exist and be a delta.
func (d *VersionedData) MaterializeDelta(key Key, idx TxnIndex, value uint128.Uint128) {
	d.collector.TrackOperation(stats.OpMaterialize)
	cell := d.values.get(key)
	if cell == nil {
		d.invariantViolation("materialize delta on unknown key %q (txn %d)", key, idx)
	}

	cell.mu.Lock()
	defer cell.mu.Unlock()
	e, ok := cell.entries.Get(&entry{idx: shift(idx)})
	if !ok || e.kind != kindDelta {
		d.invariantViolation("materialize delta on non-delta entry for key %q (txn %d)", key, idx)
	}
	v := value
	e.shortcut = &v
}

// FetchData returns the value of key as seen by transaction idx: the
// closest entry written by a lower transaction, with any deltas in between
// folded onto it.
//
// Errors: *DependencyError if an estimate is in the way, *UnresolvedError if
// only deltas were found, ErrDeltaApplicationFailure if they cannot be
// merged or applied, ErrUninitialized if nothing was found.
func (d *VersionedData) FetchData(key Key, idx TxnIndex) (DataOutput, error) {
	d.collector.TrackOperation(stats.OpRead)

	cell := d.values.get(key)
	if cell == nil {
		d.collector.TrackOutcome(stats.OutcomeUninitialized)
		return DataOutput{}, ErrUninitialized
	}

	out, err := cell.read(idx)
	d.collector.TrackOutcome(readOutcome(out, err))
	return out, err
}

// read walks the history of the cell downwards from idx.
//
// A deletion found below a failed delta chain takes precedence over the
// failure, which in turn takes precedence over applying the chain.
func (c *versionedCell) read(idx TxnIndex) (DataOutput, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		accumulator  aggregator.DeltaOp
		accumulating bool
		mergeErr     error
		out          DataOutput
		err          error
		done         bool
	)

	c.entries.DescendLessOrEqual(&entry{idx: readBound(idx)}, func(e *entry) bool {
		done = true

		if e.estimate {
			err = &DependencyError{TxnIndex: e.idx.txnIndex()}
			return false
		}

		switch e.kind {
		case kindWrite:
			switch {
			case !accumulating, e.value.IsDeletion():
				out = DataOutput{
					Kind:    Versioned,
					Version: e.idx.version(e.incarnation),
					Value:   e.value,
					Layout:  e.layout,
				}
			case mergeErr != nil:
				err = deltaFailure(mergeErr)
			default:
				base, convErr := e.value.AsUint128()
				if convErr != nil {
					err = deltaFailure(convErr)
					break
				}
				out, err = applyAccumulator(accumulator, base)
			}
			return false

		case kindDelta:
			if e.shortcut != nil {
				switch {
				case !accumulating:
					out = DataOutput{Kind: Resolved, Resolved: *e.shortcut}
				case mergeErr != nil:
					err = deltaFailure(mergeErr)
				default:
					out, err = applyAccumulator(accumulator, *e.shortcut)
				}
				return false
			}

			if !accumulating {
				accumulator, accumulating = e.delta, true
			} else if mergeErr == nil {
				accumulator, mergeErr = accumulator.MergeWithPreviousDelta(e.delta)
			}
			done = false
			return true
		}
		panic(fmt.Sprintf("mvhashmap: unknown entry kind %d", e.kind))
	})

	switch {
	case done:
		return out, err
	case mergeErr != nil:
		return DataOutput{}, deltaFailure(mergeErr)
	case accumulating:
		return DataOutput{}, &UnresolvedError{Delta: accumulator}
	default:
		return DataOutput{}, ErrUninitialized
	}
}

func applyAccumulator(accumulator aggregator.DeltaOp, base uint128.Uint128) (DataOutput, error) {
	v, err := accumulator.ApplyTo(base)
	if err != nil {
		return DataOutput{}, deltaFailure(err)
	}
	return DataOutput{Kind: Resolved, Resolved: v}, nil
}

// Keys returns every key with at least one recorded entry, in order.
func (d *VersionedData) Keys() []Key {
	return d.values.keys()
}

// NumKeys returns the number of keys known to the store.
func (d *VersionedData) NumKeys() int {
	return d.values.len()
}

func (d *VersionedData) invariantViolation(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	d.logger.Error("invariant violation: %s", msg)
	panic("mvhashmap: " + msg)
}

func readOutcome(out DataOutput, err error) stats.Outcome {
	if err == nil {
		if out.Kind == Resolved {
			return stats.OutcomeResolved
		}
		return stats.OutcomeVersioned
	}
	if _, ok := IsDependency(err); ok {
		return stats.OutcomeDependency
	}
	if _, ok := IsUnresolved(err); ok {
		return stats.OutcomeUnresolved
	}
	switch {
	case errors.Is(err, ErrUninitialized):
		return stats.OutcomeUninitialized
	case errors.Is(err, ErrTagNotFound):
		return stats.OutcomeTagNotFound
	default:
		return stats.OutcomeDeltaFailure
	}
}

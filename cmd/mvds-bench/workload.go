package main

import (
	"fmt"
	"math/rand"

	"lukechampine.com/uint128"

	"github.com/KevoDB/mvds/pkg/aggregator"
	"github.com/KevoDB/mvds/pkg/mvhashmap"
)

type opKind int

const (
	opWrite opKind = iota
	opDelete
	opDelta
	opEstimate
	opRemove
	opGroupWrite
	opGroupEstimate
	opGroupRemove
)

// baseAggregator is the pre-block value of every aggregator.
const baseAggregator = 5000

var groupTags = []mvhashmap.Tag{"balance", "nonce", "meta"}

// op is one recorded mutation of the store.
type op struct {
	kind  opKind
	key   mvhashmap.Key
	idx   mvhashmap.TxnIndex
	inc   mvhashmap.Incarnation
	value uint64
	add   bool
	tags  []mvhashmap.Tag
}

// workload describes a random sequence of mutations on a disjoint key range.
type workload struct {
	keys  int
	txns  int
	ops   int
	limit uint128.Uint128
	// deltasOnly restricts the log to aggregator updates on scalar keys.
	deltasOnly bool
}

func keyName(worker, i int) mvhashmap.Key {
	return mvhashmap.Key(fmt.Sprintf("w%03d/k%04d", worker, i))
}

func groupName(worker int) mvhashmap.Key {
	return mvhashmap.Key(fmt.Sprintf("w%03d/group", worker))
}

// generate produces the log of one worker. Estimates are only issued on
// slots currently holding an entry, as a scheduler would.
func (w workload) generate(rng *rand.Rand, worker int) []op {
	present := make(map[mvhashmap.Key]map[mvhashmap.TxnIndex][]mvhashmap.Tag)
	mark := func(key mvhashmap.Key, idx mvhashmap.TxnIndex, tags []mvhashmap.Tag) {
		if present[key] == nil {
			present[key] = make(map[mvhashmap.TxnIndex][]mvhashmap.Tag)
		}
		if tags == nil {
			delete(present[key], idx)
			return
		}
		present[key][idx] = tags
	}

	log := make([]op, 0, w.ops)
	for len(log) < w.ops {
		o := op{
			idx:   mvhashmap.TxnIndex(rng.Intn(w.txns)),
			inc:   mvhashmap.Incarnation(rng.Intn(4)),
			value: uint64(rng.Intn(1000)),
		}

		if w.deltasOnly {
			o.key = keyName(worker, rng.Intn(w.keys))
			o.kind, o.add = opDelta, rng.Intn(3) != 0
			log = append(log, o)
			continue
		}

		if rng.Intn(5) == 0 {
			o.key = groupName(worker)
			switch r := rng.Intn(10); {
			case r < 7:
				o.kind = opGroupWrite
				for _, tag := range groupTags {
					if rng.Intn(2) == 0 {
						o.tags = append(o.tags, tag)
					}
				}
				if len(o.tags) == 0 {
					o.tags = groupTags[:1]
				}
				mark(o.key, o.idx, o.tags)
			case r < 9:
				tags, ok := present[o.key][o.idx]
				if !ok {
					continue
				}
				o.kind = opGroupEstimate
				o.tags = tags[:1+rng.Intn(len(tags))]
			default:
				o.kind = opGroupRemove
				mark(o.key, o.idx, nil)
			}
			log = append(log, o)
			continue
		}

		o.key = keyName(worker, rng.Intn(w.keys))
		switch r := rng.Intn(20); {
		case r < 7:
			o.kind = opWrite
		case r < 9:
			o.kind = opDelete
		case r < 16:
			o.kind, o.add = opDelta, rng.Intn(3) != 0
		case r < 18:
			if _, ok := present[o.key][o.idx]; !ok {
				continue
			}
			o.kind = opEstimate
		default:
			o.kind = opRemove
		}
		if o.kind == opRemove {
			mark(o.key, o.idx, nil)
		} else if o.kind != opEstimate {
			mark(o.key, o.idx, []mvhashmap.Tag{})
		}
		log = append(log, o)
	}
	return log
}

func (o op) groupUpdates() map[mvhashmap.Tag]mvhashmap.TaggedValue {
	updates := make(map[mvhashmap.Tag]mvhashmap.TaggedValue, len(o.tags))
	for i, tag := range o.tags {
		updates[tag] = mvhashmap.TaggedValue{Value: mvhashmap.NewValue([]byte(fmt.Sprintf("%d.%d", o.value, i)))}
	}
	return updates
}

// apply performs o on m.
func (o op) apply(m *mvhashmap.MVHashMap, limit uint128.Uint128) {
	d, g := m.Data(), m.GroupData()
	switch o.kind {
	case opWrite:
		d.Write(o.key, o.idx, o.inc, mvhashmap.Uint128Value(uint128.From64(o.value)), nil)
	case opDelete:
		d.Write(o.key, o.idx, o.inc, mvhashmap.Deletion(), nil)
	case opDelta:
		v := uint128.From64(o.value % 100)
		if o.add {
			d.AddDelta(o.key, o.idx, aggregator.Addition(v, limit))
		} else {
			d.AddDelta(o.key, o.idx, aggregator.Subtraction(v, limit))
		}
	case opEstimate:
		d.MarkEstimate(o.key, o.idx)
	case opRemove:
		d.Remove(o.key, o.idx)
	case opGroupWrite:
		updates := o.groupUpdates()
		values := make(map[mvhashmap.Tag]*mvhashmap.Value, len(updates))
		for tag, tv := range updates {
			values[tag] = tv.Value
		}
		g.Write(o.key, o.idx, o.inc, updates, mvhashmap.ComputeGroupSize(values), nil)
	case opGroupEstimate:
		g.MarkEstimate(o.key, o.idx, o.tags)
	case opGroupRemove:
		g.Remove(o.key, o.idx)
	}
}

// populate sets the pre-block state of a worker's key range.
func (w workload) populate(m *mvhashmap.MVHashMap, worker int) {
	for i := 0; i < w.keys; i += 2 {
		m.Data().SetBaseValue(keyName(worker, i), mvhashmap.Uint128Value(uint128.From64(baseAggregator)), nil)
	}
	m.GroupData().SetRawBaseValues(groupName(worker), map[mvhashmap.Tag]*mvhashmap.Value{
		"balance": mvhashmap.NewValue([]byte("0")),
	})
}

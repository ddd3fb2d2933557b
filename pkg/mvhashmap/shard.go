package mvhashmap

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShardCount is the number of key directory shards when none is configured.
const DefaultShardCount = 64

// shardedMap is the key directory shared by both stores. Cells are created
// on first use and live until the map is dropped, so a cell pointer stays
// valid without holding the shard lock.
type shardedMap[C any] struct {
	shards  []shard[C]
	newCell func() *C
}

type shard[C any] struct {
	mu    sync.RWMutex
	cells map[Key]*C
}

func newShardedMap[C any](count int, newCell func() *C) *shardedMap[C] {
	if count <= 0 {
		panic("mvhashmap: shard count must be positive")
	}
	m := &shardedMap[C]{
		shards:  make([]shard[C], count),
		newCell: newCell,
	}
	for i := range m.shards {
		m.shards[i].cells = make(map[Key]*C)
	}
	return m
}

func (m *shardedMap[C]) shardFor(key Key) *shard[C] {
	return &m.shards[xxhash.Sum64String(string(key))%uint64(len(m.shards))]
}

// get returns the cell for key or nil.
func (m *shardedMap[C]) get(key Key) *C {
	s := m.shardFor(key)
	s.mu.RLock()
	cell := s.cells[key]
	s.mu.RUnlock()
	return cell
}

// getOrCreate returns the cell for key, creating it if needed.
func (m *shardedMap[C]) getOrCreate(key Key) *C {
	s := m.shardFor(key)
	s.mu.RLock()
	cell, ok := s.cells[key]
	s.mu.RUnlock()
	if ok {
		return cell
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cell, ok = s.cells[key]; !ok {
		cell = m.newCell()
		s.cells[key] = cell
	}
	return cell
}

// keys returns all keys in ascending order.
func (m *shardedMap[C]) keys() []Key {
	var keys []Key
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for k := range s.cells {
			keys = append(keys, k)
		}
		s.mu.RUnlock()
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (m *shardedMap[C]) len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += len(s.cells)
		s.mu.RUnlock()
	}
	return n
}

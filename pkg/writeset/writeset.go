// Package writeset turns the final state of an MVHashMap into the ordered
// list of changes a block made, and serializes it.
package writeset

import (
	"errors"
	"fmt"
	"sort"

	"github.com/KevoDB/mvds/pkg/mvhashmap"
)

// ErrIncomplete is returned when the block still has unresolved estimates.
var ErrIncomplete = errors.New("block execution is not complete")

// Entry is the final value of one scalar location.
type Entry struct {
	Key     mvhashmap.Key
	Value   []byte
	Deleted bool
	// Aggregated is set when Value was computed by applying deltas, in
	// which case Version is not meaningful.
	Aggregated bool
	Version    mvhashmap.Version
}

// TagEntry is the final value of one tag of a group.
type TagEntry struct {
	Tag     mvhashmap.Tag
	Value   []byte
	Version mvhashmap.Version
}

// GroupEntry is the final content of one resource group.
type GroupEntry struct {
	Key  mvhashmap.Key
	Size mvhashmap.GroupSize
	Tags []TagEntry
}

// WriteSet lists every location a block changed, ordered by key.
type WriteSet struct {
	BlockSize mvhashmap.TxnIndex
	Entries   []Entry
	Groups    []GroupEntry
}

// Len returns the number of changed locations.
func (ws *WriteSet) Len() int {
	return len(ws.Entries) + len(ws.Groups)
}

// FromMVHashMap collects the output of a block of blockSize transactions.
// Locations whose visible content is the seeded base value are left out.
// Deltas that never met a base are applied to the value returned by
// resolver; a nil resolver makes them an error.
func FromMVHashMap(m *mvhashmap.MVHashMap, blockSize mvhashmap.TxnIndex, resolver mvhashmap.Resolver) (*WriteSet, error) {
	ws := &WriteSet{BlockSize: blockSize}

	for _, key := range m.Data().Keys() {
		entry, ok, err := scalarEntry(m, key, blockSize, resolver)
		if err != nil {
			return nil, err
		}
		if ok {
			ws.Entries = append(ws.Entries, entry)
		}
	}

	groups := m.GroupData()
	for _, key := range groups.Keys() {
		if !groups.Touched(key, blockSize) {
			continue
		}
		group, err := groupEntry(groups, key, blockSize)
		if err != nil {
			return nil, err
		}
		ws.Groups = append(ws.Groups, group)
	}

	return ws, nil
}

func scalarEntry(m *mvhashmap.MVHashMap, key mvhashmap.Key, blockSize mvhashmap.TxnIndex,
	resolver mvhashmap.Resolver) (Entry, bool, error) {

	out, err := m.Data().FetchData(key, blockSize)
	switch {
	case err == nil:
	case errors.Is(err, mvhashmap.ErrUninitialized):
		return Entry{}, false, nil
	default:
		if _, ok := mvhashmap.IsDependency(err); ok {
			return Entry{}, false, fmt.Errorf("%w: key %q: %v", ErrIncomplete, key, err)
		}
		if _, ok := mvhashmap.IsUnresolved(err); ok && resolver != nil {
			v, err := mvhashmap.ReadAggregator(m, key, blockSize, resolver)
			if err != nil {
				return Entry{}, false, fmt.Errorf("key %q: %w", key, err)
			}
			return Entry{Key: key, Value: mvhashmap.Uint128Value(v).Bytes(), Aggregated: true}, true, nil
		}
		return Entry{}, false, fmt.Errorf("key %q: %w", key, err)
	}

	if out.Kind == mvhashmap.Resolved {
		return Entry{Key: key, Value: mvhashmap.Uint128Value(out.Resolved).Bytes(), Aggregated: true}, true, nil
	}
	if out.Version.Storage {
		return Entry{}, false, nil
	}
	return Entry{
		Key:     key,
		Value:   out.Value.Bytes(),
		Deleted: out.Value.IsDeletion(),
		Version: out.Version,
	}, true, nil
}

func groupEntry(groups *mvhashmap.VersionedGroupData, key mvhashmap.Key, blockSize mvhashmap.TxnIndex) (GroupEntry, error) {
	size, err := groups.GetGroupSize(key, blockSize)
	if err != nil {
		return GroupEntry{}, incomplete(key, err)
	}
	tags, err := groups.FetchGroup(key, blockSize)
	if err != nil {
		return GroupEntry{}, incomplete(key, err)
	}

	group := GroupEntry{Key: key, Size: size, Tags: make([]TagEntry, 0, len(tags))}
	for tag, out := range tags {
		group.Tags = append(group.Tags, TagEntry{Tag: tag, Value: out.Value.Bytes(), Version: out.Version})
	}
	sortTags(group.Tags)
	return group, nil
}

func incomplete(key mvhashmap.Key, err error) error {
	if _, ok := mvhashmap.IsDependency(err); ok {
		return fmt.Errorf("%w: group %q: %v", ErrIncomplete, key, err)
	}
	return fmt.Errorf("group %q: %w", key, err)
}

func sortTags(tags []TagEntry) {
	sort.Slice(tags, func(i, j int) bool { return tags[i].Tag < tags[j].Tag })
}

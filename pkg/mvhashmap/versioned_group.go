package mvhashmap

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/KevoDB/mvds/pkg/common/log"
	"github.com/KevoDB/mvds/pkg/stats"
)

// GroupSize is the aggregate size of a resource group.
type GroupSize struct {
	NumTags    uint64
	TotalBytes uint64
}

// ComputeGroupSize returns the size of a group holding values. Deletions
// do not count.
func ComputeGroupSize(values map[Tag]*Value) GroupSize {
	var size GroupSize
	for tag, v := range values {
		if v == nil || v.IsDeletion() {
			continue
		}
		size.NumTags++
		size.TotalBytes += uint64(len(tag) + v.Len())
	}
	return size
}

// TaggedValue is one resource written into a group.
type TaggedValue struct {
	Value  *Value
	Layout *Layout
}

// TaggedOutput is a successful tag read.
type TaggedOutput struct {
	Version Version
	Value   *Value
	Layout  *Layout
}

// tagEntry is the content of one (tag, index) slot.
type tagEntry struct {
	idx         shiftedIndex
	incarnation Incarnation
	removed     bool
	estimate    bool
	value       *Value
	layout      *Layout
}

func lessTagEntry(a, b *tagEntry) bool {
	return a.idx < b.idx
}

// groupVersion is what one transaction recorded for a group as a whole.
type groupVersion struct {
	idx         shiftedIndex
	incarnation Incarnation
	size        GroupSize
	tags        map[Tag]struct{}
	estimate    bool
}

func lessGroupVersion(a, b *groupVersion) bool {
	return a.idx < b.idx
}

// groupCell holds the history of one resource group: a per-tag history and
// the per-transaction record of which tags were touched.
type groupCell struct {
	mu          sync.RWMutex
	initialized bool
	tags        map[Tag]*btree.BTreeG[*tagEntry]
	versions    *btree.BTreeG[*groupVersion]
}

func newGroupCell() *groupCell {
	return &groupCell{
		tags:     make(map[Tag]*btree.BTreeG[*tagEntry]),
		versions: btree.NewG[*groupVersion](btreeDegree, lessGroupVersion),
	}
}

func (c *groupCell) history(tag Tag) *btree.BTreeG[*tagEntry] {
	h, ok := c.tags[tag]
	if !ok {
		h = btree.NewG[*tagEntry](btreeDegree, lessTagEntry)
		c.tags[tag] = h
	}
	return h
}

// VersionedGroupData stores per-transaction versions of resource groups,
// tracked per tag so that a reader of one tag is unaffected by writes and
// estimates on the others.
type VersionedGroupData struct {
	groups    *shardedMap[groupCell]
	collector stats.Collector
	logger    log.Logger
}

// NewVersionedGroupData creates an empty group store.
func NewVersionedGroupData(shardCount int, collector stats.Collector, logger log.Logger) *VersionedGroupData {
	if collector == nil {
		collector = stats.NewAtomicCollector()
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &VersionedGroupData{
		groups:    newShardedMap(shardCount, newGroupCell),
		collector: collector,
		logger:    logger.WithField("store", "group"),
	}
}

// SetRawBaseValues seeds the pre-block content of a group. Only the first
// call for a key has an effect.
func (g *VersionedGroupData) SetRawBaseValues(key Key, values map[Tag]*Value) {
	g.collector.TrackOperation(stats.OpGroupSeed)
	cell := g.groups.getOrCreate(key)

	cell.mu.Lock()
	defer cell.mu.Unlock()
	if cell.initialized {
		g.logger.Debug("group %q already seeded, ignoring base values", key)
		return
	}
	cell.initialized = true

	version := &groupVersion{
		idx:  storageIndex,
		size: ComputeGroupSize(values),
		tags: make(map[Tag]struct{}, len(values)),
	}
	for tag, v := range values {
		if v == nil || v.IsDeletion() {
			continue
		}
		version.tags[tag] = struct{}{}
		cell.history(tag).ReplaceOrInsert(&tagEntry{idx: storageIndex, value: v})
	}
	cell.versions.ReplaceOrInsert(version)
}

// Write records the group output of transaction idx: the tags it updated,
// the tags it removed and the resulting group size. A previous incarnation's
// output at idx is replaced entirely. It reports whether the set of touched
// tags differs from the previous incarnation's.
func (g *VersionedGroupData) Write(key Key, idx TxnIndex, incarnation Incarnation,
	updates map[Tag]TaggedValue, size GroupSize, removed []Tag) bool {

	g.collector.TrackOperation(stats.OpGroupWrite)
	cell := g.groups.getOrCreate(key)
	at := shift(idx)

	version := &groupVersion{
		idx:         at,
		incarnation: incarnation,
		size:        size,
		tags:        make(map[Tag]struct{}, len(updates)+len(removed)),
	}
	for tag := range updates {
		version.tags[tag] = struct{}{}
	}
	for _, tag := range removed {
		if _, ok := updates[tag]; ok {
			g.invariantViolation("tag %q of group %q both written and removed by txn %d", tag, key, idx)
		}
		version.tags[tag] = struct{}{}
	}

	cell.mu.Lock()
	defer cell.mu.Unlock()

	changed := true
	if prev, ok := cell.versions.Get(&groupVersion{idx: at}); ok {
		changed = !sameTags(prev.tags, version.tags)
		for tag := range prev.tags {
			if _, still := version.tags[tag]; !still {
				cell.tags[tag].Delete(&tagEntry{idx: at})
			}
		}
	}

	for tag, tv := range updates {
		value := tv.Value
		if value == nil {
			value = Deletion()
		}
		cell.history(tag).ReplaceOrInsert(&tagEntry{
			idx:         at,
			incarnation: incarnation,
			removed:     value.IsDeletion(),
			value:       value,
			layout:      tv.Layout,
		})
	}
	for _, tag := range removed {
		cell.history(tag).ReplaceOrInsert(&tagEntry{
			idx:         at,
			incarnation: incarnation,
			removed:     true,
		})
	}
	cell.versions.ReplaceOrInsert(version)

	return changed
}

// MarkEstimate flags the listed tags written by transaction idx as
// estimates. Readers of other tags are unaffected; group size readers see a
// dependency. Every listed tag must have been touched by idx.
func (g *VersionedGroupData) MarkEstimate(key Key, idx TxnIndex, tags []Tag) {
	g.collector.TrackOperation(stats.OpGroupMarkEstimate)
	cell := g.groups.get(key)
	if cell == nil {
		g.invariantViolation("mark estimate on unknown group %q (txn %d)", key, idx)
	}
	at := shift(idx)

	cell.mu.Lock()
	defer cell.mu.Unlock()

	version, ok := cell.versions.Get(&groupVersion{idx: at})
	if !ok {
		g.invariantViolation("mark estimate on missing version of group %q (txn %d)", key, idx)
	}
	version.estimate = true

	for _, tag := range tags {
		var e *tagEntry
		if h, ok := cell.tags[tag]; ok {
			e, _ = h.Get(&tagEntry{idx: at})
		}
		if e == nil {
			g.invariantViolation("mark estimate on missing tag %q of group %q (txn %d)", tag, key, idx)
		}
		e.estimate = true
	}
}

// Remove deletes everything transaction idx recorded for the group.
func (g *VersionedGroupData) Remove(key Key, idx TxnIndex) {
	g.collector.TrackOperation(stats.OpGroupRemove)
	cell := g.groups.get(key)
	if cell == nil {
		return
	}
	at := shift(idx)

	cell.mu.Lock()
	defer cell.mu.Unlock()

	version, ok := cell.versions.Delete(&groupVersion{idx: at})
	if !ok {
		return
	}
	for tag := range version.tags {
		cell.tags[tag].Delete(&tagEntry{idx: at})
	}
}

// FetchTaggedData returns the value of one tag of a group as seen by
// transaction idx. It does not record the read anywhere.
//
// Errors: ErrUninitialized if the group is unknown to the reader,
// ErrTagNotFound if the tag is absent or removed, *DependencyError if the
// closest entry for the tag is an estimate.
func (g *VersionedGroupData) FetchTaggedData(key Key, tag Tag, idx TxnIndex) (TaggedOutput, error) {
	g.collector.TrackOperation(stats.OpGroupRead)
	out, err := g.fetchTagged(key, tag, idx)
	g.collector.TrackOutcome(taggedOutcome(err))
	return out, err
}

func (g *VersionedGroupData) fetchTagged(key Key, tag Tag, idx TxnIndex) (TaggedOutput, error) {
	cell := g.groups.get(key)
	if cell == nil {
		return TaggedOutput{}, ErrUninitialized
	}

	cell.mu.RLock()
	defer cell.mu.RUnlock()

	if !cell.visible(idx) {
		return TaggedOutput{}, ErrUninitialized
	}
	return cell.readTag(tag, idx)
}

// visible reports whether the group existed for a reader at idx.
func (c *groupCell) visible(idx TxnIndex) bool {
	if c.initialized {
		return true
	}
	found := false
	c.versions.DescendLessOrEqual(&groupVersion{idx: readBound(idx)}, func(*groupVersion) bool {
		found = true
		return false
	})
	return found
}

func (c *groupCell) readTag(tag Tag, idx TxnIndex) (TaggedOutput, error) {
	h, ok := c.tags[tag]
	if !ok {
		return TaggedOutput{}, ErrTagNotFound
	}

	var nearest *tagEntry
	h.DescendLessOrEqual(&tagEntry{idx: readBound(idx)}, func(e *tagEntry) bool {
		nearest = e
		return false
	})

	switch {
	case nearest == nil:
		return TaggedOutput{}, ErrTagNotFound
	case nearest.estimate:
		return TaggedOutput{}, &DependencyError{TxnIndex: nearest.idx.txnIndex()}
	case nearest.removed:
		return TaggedOutput{}, ErrTagNotFound
	}
	return TaggedOutput{
		Version: nearest.idx.version(nearest.incarnation),
		Value:   nearest.value,
		Layout:  nearest.layout,
	}, nil
}

// GetGroupSize returns the size of the group as seen by transaction idx.
func (g *VersionedGroupData) GetGroupSize(key Key, idx TxnIndex) (GroupSize, error) {
	g.collector.TrackOperation(stats.OpGroupSize)
	cell := g.groups.get(key)
	if cell == nil {
		return GroupSize{}, ErrUninitialized
	}

	cell.mu.RLock()
	defer cell.mu.RUnlock()

	var nearest *groupVersion
	cell.versions.DescendLessOrEqual(&groupVersion{idx: readBound(idx)}, func(v *groupVersion) bool {
		nearest = v
		return false
	})

	switch {
	case nearest == nil:
		return GroupSize{}, ErrUninitialized
	case nearest.estimate:
		return GroupSize{}, &DependencyError{TxnIndex: nearest.idx.txnIndex()}
	}
	return nearest.size, nil
}

// Touched reports whether a transaction below idx recorded a version of
// the group. Seeded base values alone do not count.
func (g *VersionedGroupData) Touched(key Key, idx TxnIndex) bool {
	cell := g.groups.get(key)
	if cell == nil {
		return false
	}

	cell.mu.RLock()
	defer cell.mu.RUnlock()

	touched := false
	cell.versions.DescendLessOrEqual(&groupVersion{idx: readBound(idx)}, func(v *groupVersion) bool {
		touched = !v.idx.isStorage()
		return false
	})
	return touched
}

// FetchGroup returns every tag present in the group as seen by
// transaction idx, or the first dependency encountered.
func (g *VersionedGroupData) FetchGroup(key Key, idx TxnIndex) (map[Tag]TaggedOutput, error) {
	cell := g.groups.get(key)
	if cell == nil {
		return nil, ErrUninitialized
	}

	cell.mu.RLock()
	defer cell.mu.RUnlock()

	if !cell.visible(idx) {
		return nil, ErrUninitialized
	}

	tags := make([]Tag, 0, len(cell.tags))
	for tag := range cell.tags {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	result := make(map[Tag]TaggedOutput, len(tags))
	for _, tag := range tags {
		out, err := cell.readTag(tag, idx)
		switch {
		case err == nil:
			result[tag] = out
		case errors.Is(err, ErrTagNotFound):
		default:
			return nil, err
		}
	}
	return result, nil
}

// Keys returns every group key known to the store, in order.
func (g *VersionedGroupData) Keys() []Key {
	return g.groups.keys()
}

// NumGroups returns the number of groups known to the store.
func (g *VersionedGroupData) NumGroups() int {
	return g.groups.len()
}

func (g *VersionedGroupData) invariantViolation(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	g.logger.Error("invariant violation: %s", msg)
	panic("mvhashmap: " + msg)
}

func sameTags(a, b map[Tag]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for tag := range a {
		if _, ok := b[tag]; !ok {
			return false
		}
	}
	return true
}

func taggedOutcome(err error) stats.Outcome {
	if err == nil {
		return stats.OutcomeVersioned
	}
	return readOutcome(DataOutput{}, err)
}

package mvhashmap

import "fmt"

// TxnIndex is the position of a transaction within a block. It is the
// versioning axis of the store.
type TxnIndex uint32

// Incarnation counts re-executions of a transaction.
type Incarnation uint32

// Key identifies a storage location (or a resource group).
type Key string

// Tag identifies one resource inside a resource group.
type Tag string

// Version identifies which write produced a value. Values seeded from
// storage before the block carry the storage version.
type Version struct {
	TxnIndex    TxnIndex
	Incarnation Incarnation
	Storage     bool
}

// StorageVersion is the version of values that predate the block.
var StorageVersion = Version{Storage: true}

// String implements fmt.Stringer.
func (v Version) String() string {
	if v.Storage {
		return "storage"
	}
	return fmt.Sprintf("%d.%d", v.TxnIndex, v.Incarnation)
}

// shiftedIndex places storage values below transaction 0: storage is 0
// and transaction i is i+1.
type shiftedIndex uint64

const storageIndex shiftedIndex = 0

func shift(idx TxnIndex) shiftedIndex {
	return shiftedIndex(idx) + 1
}

func (s shiftedIndex) isStorage() bool {
	return s == storageIndex
}

func (s shiftedIndex) txnIndex() TxnIndex {
	return TxnIndex(s - 1)
}

// readBound is the largest shifted index visible to a reader at idx,
// i.e. everything strictly below the reader plus storage.
func readBound(idx TxnIndex) shiftedIndex {
	return shiftedIndex(idx)
}

func (s shiftedIndex) version(incarnation Incarnation) Version {
	if s.isStorage() {
		return StorageVersion
	}
	return Version{TxnIndex: s.txnIndex(), Incarnation: incarnation}
}

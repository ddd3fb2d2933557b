package mvhashmap

import (
	"bytes"
	"fmt"

	"lukechampine.com/uint128"
)

// Value is an immutable snapshot written by a transaction. A nil-content
// deletion value records that the transaction removed the location.
type Value struct {
	data     []byte
	deletion bool
}

// NewValue returns a value holding a copy of data.
func NewValue(data []byte) *Value {
	return &Value{data: append([]byte{}, data...)}
}

// Deletion returns a value recording the removal of a location.
func Deletion() *Value {
	return &Value{deletion: true}
}

// Uint128Value encodes an aggregator value as 16 little-endian bytes.
func Uint128Value(v uint128.Uint128) *Value {
	b := make([]byte, 16)
	v.PutBytes(b)
	return &Value{data: b}
}

// Bytes returns the serialized content. It must not be modified.
func (v *Value) Bytes() []byte {
	return v.data
}

// IsDeletion reports whether the value records a removal.
func (v *Value) IsDeletion() bool {
	return v.deletion
}

// Len returns the serialized size of the value.
func (v *Value) Len() int {
	return len(v.data)
}

// AsUint128 decodes the value as an aggregator value.
func (v *Value) AsUint128() (uint128.Uint128, error) {
	if v.deletion {
		return uint128.Zero, fmt.Errorf("deleted value has no aggregator content")
	}
	if len(v.data) != 16 {
		return uint128.Zero, fmt.Errorf("aggregator value must be 16 bytes, got %d", len(v.data))
	}
	return uint128.FromBytes(v.data), nil
}

// Equal compares two values by content.
func (v *Value) Equal(other *Value) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.deletion == other.deletion && bytes.Equal(v.data, other.data)
}

// String implements fmt.Stringer.
func (v *Value) String() string {
	if v.deletion {
		return "<deleted>"
	}
	return fmt.Sprintf("%q", v.data)
}

// Layout describes how a value's bytes are structured. The store keeps it
// next to the value without interpreting it.
type Layout struct {
	Name string
}

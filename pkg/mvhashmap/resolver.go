package mvhashmap

import (
	"errors"
	"fmt"

	"lukechampine.com/uint128"

	"github.com/KevoDB/mvds/pkg/aggregator"
)

// Resolver reads locations from the state the block executes on top of.
type Resolver interface {
	// Resolve returns the stored bytes of key. ok is false if the key
	// does not exist.
	Resolve(key Key) (data []byte, ok bool, err error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(key Key) ([]byte, bool, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(key Key) ([]byte, bool, error) {
	return f(key)
}

// ReadValue reads key at idx and falls back to the resolver when nothing
// below idx is recorded. Pending deltas are applied to the resolved base.
// A *DependencyError is returned unchanged.
func ReadValue(m *MVHashMap, key Key, idx TxnIndex, r Resolver) (*Value, error) {
	out, err := m.Data().FetchData(key, idx)
	if err == nil {
		if out.Kind == Resolved {
			return Uint128Value(out.Resolved), nil
		}
		return out.Value, nil
	}

	if delta, ok := IsUnresolved(err); ok {
		v, err := resolveDelta(key, delta, r)
		if err != nil {
			return nil, err
		}
		return Uint128Value(v), nil
	}
	if !errors.Is(err, ErrUninitialized) {
		return nil, err
	}

	data, found, err := r.Resolve(key)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", key, err)
	}
	if !found {
		return Deletion(), nil
	}
	return NewValue(data), nil
}

// ReadAggregator reads the aggregator stored at key as seen by idx.
// ErrUninitialized is returned if neither the store nor the resolver know
// the key.
func ReadAggregator(m *MVHashMap, key Key, idx TxnIndex, r Resolver) (uint128.Uint128, error) {
	out, err := m.Data().FetchData(key, idx)
	if err == nil {
		if out.Kind == Resolved {
			return out.Resolved, nil
		}
		if out.Value.IsDeletion() {
			return uint128.Zero, fmt.Errorf("aggregator %q: %w", key, ErrUninitialized)
		}
		return out.Value.AsUint128()
	}

	if delta, ok := IsUnresolved(err); ok {
		return resolveDelta(key, delta, r)
	}
	if !errors.Is(err, ErrUninitialized) {
		return uint128.Zero, err
	}
	return resolveBase(key, r)
}

func resolveBase(key Key, r Resolver) (uint128.Uint128, error) {
	data, found, err := r.Resolve(key)
	if err != nil {
		return uint128.Zero, fmt.Errorf("resolve %q: %w", key, err)
	}
	if !found {
		return uint128.Zero, fmt.Errorf("aggregator %q: %w", key, ErrUninitialized)
	}
	return NewValue(data).AsUint128()
}

func resolveDelta(key Key, delta aggregator.DeltaOp, r Resolver) (uint128.Uint128, error) {
	base, err := resolveBase(key, r)
	if err != nil {
		return uint128.Zero, err
	}
	v, err := delta.ApplyTo(base)
	if err != nil {
		return uint128.Zero, deltaFailure(err)
	}
	return v, nil
}

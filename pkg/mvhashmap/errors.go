package mvhashmap

import (
	"errors"
	"fmt"

	"github.com/KevoDB/mvds/pkg/aggregator"
)

var (
	// ErrUninitialized is returned when nothing relevant was found below the
	// reader. The caller falls back to storage.
	ErrUninitialized = errors.New("no value below the reading transaction")

	// ErrDeltaApplicationFailure is returned when pending deltas cannot be
	// merged or applied to the base value they reached.
	ErrDeltaApplicationFailure = errors.New("delta application failure")

	// ErrTagNotFound is returned when a group exists but does not contain
	// the requested tag as seen by the reader.
	ErrTagNotFound = errors.New("tag not found in resource group")
)

// DependencyError is returned when the nearest relevant entry belongs to a
// transaction whose output is an estimate. The reader should wait for that
// transaction and retry.
type DependencyError struct {
	TxnIndex TxnIndex
}

// Error implements the error interface.
func (e *DependencyError) Error() string {
	return fmt.Sprintf("read depends on estimate of transaction %d", e.TxnIndex)
}

// UnresolvedError is returned when only deltas were found below the reader.
// The caller resolves it by applying Delta to the value in storage.
type UnresolvedError struct {
	Delta aggregator.DeltaOp
}

// Error implements the error interface.
func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved delta %s", e.Delta)
}

// IsDependency reports whether err is a dependency and on which transaction.
func IsDependency(err error) (TxnIndex, bool) {
	var dep *DependencyError
	if errors.As(err, &dep) {
		return dep.TxnIndex, true
	}
	return 0, false
}

// IsUnresolved reports whether err is an unresolved delta and returns it.
func IsUnresolved(err error) (aggregator.DeltaOp, bool) {
	var unresolved *UnresolvedError
	if errors.As(err, &unresolved) {
		return unresolved.Delta, true
	}
	return aggregator.DeltaOp{}, false
}

func deltaFailure(cause error) error {
	return fmt.Errorf("%w: %v", ErrDeltaApplicationFailure, cause)
}

// Package aggregator implements the delta algebra used by bounded
// aggregators: commutative additive updates to a counter that lives in
// [0, limit]. Deltas can be merged with each other without knowing the
// counter's value and are only checked against a concrete base when they
// are applied.
package aggregator

import (
	"errors"
	"fmt"

	"lukechampine.com/uint128"
)

var (
	// ErrOverflow is returned when a value would exceed the aggregator limit
	ErrOverflow = errors.New("aggregator overflow")

	// ErrUnderflow is returned when a value would drop below zero
	ErrUnderflow = errors.New("aggregator underflow")

	// ErrLimitMismatch is returned when merging deltas recorded against different limits
	ErrLimitMismatch = errors.New("aggregator limits do not match")
)

// Update is the net signed change carried by a delta.
type Update struct {
	Negative bool
	Value    uint128.Uint128
}

// Plus returns a positive update.
func Plus(v uint128.Uint128) Update {
	return Update{Value: v}
}

// Minus returns a negative update.
func Minus(v uint128.Uint128) Update {
	return Update{Negative: true, Value: v}
}

// String renders the update with an explicit sign.
func (u Update) String() string {
	if u.Negative {
		return "-" + u.Value.String()
	}
	return "+" + u.Value.String()
}

// DeltaOp is a partial update of an aggregator.
//
// Besides the net update it keeps the largest positive and the largest
// negative excursion observed while the delta was built, so that applying
// it to a base validates every intermediate state and not only the final
// one.
type DeltaOp struct {
	update      Update
	limit       uint128.Uint128
	maxPositive uint128.Uint128
	minNegative uint128.Uint128
}

// New creates a delta from its parts. maxPositive and minNegative are the
// history of the delta, relative to the starting value.
func New(update Update, limit, maxPositive, minNegative uint128.Uint128) DeltaOp {
	return DeltaOp{
		update:      update,
		limit:       limit,
		maxPositive: maxPositive,
		minNegative: minNegative,
	}
}

// Addition creates a delta that adds v to an aggregator bounded by limit.
func Addition(v, limit uint128.Uint128) DeltaOp {
	return New(Plus(v), limit, v, uint128.Zero)
}

// Subtraction creates a delta that subtracts v from an aggregator bounded by limit.
func Subtraction(v, limit uint128.Uint128) DeltaOp {
	return New(Minus(v), limit, uint128.Zero, v)
}

// Update returns the net change.
func (d DeltaOp) Update() Update { return d.update }

// Limit returns the upper bound of the aggregator.
func (d DeltaOp) Limit() uint128.Uint128 { return d.limit }

// MaxPositive returns the largest positive excursion of the delta.
func (d DeltaOp) MaxPositive() uint128.Uint128 { return d.maxPositive }

// MinNegative returns the largest negative excursion of the delta.
func (d DeltaOp) MinNegative() uint128.Uint128 { return d.minNegative }

// Equal reports whether two deltas are identical, history included.
func (d DeltaOp) Equal(other DeltaOp) bool {
	return d.update == other.update &&
		d.limit.Equals(other.limit) &&
		d.maxPositive.Equals(other.maxPositive) &&
		d.minNegative.Equals(other.minNegative)
}

// String implements fmt.Stringer.
func (d DeltaOp) String() string {
	return fmt.Sprintf("%s (limit %s, max +%s, min -%s)",
		d.update, d.limit, d.maxPositive, d.minNegative)
}

// Add records a further addition of v inside the same transaction.
func (d *DeltaOp) Add(v uint128.Uint128) error {
	next, err := d.shift(Plus(v))
	if err != nil {
		return err
	}
	d.update = next
	if !next.Negative && next.Value.Cmp(d.maxPositive) > 0 {
		d.maxPositive = next.Value
	}
	return nil
}

// Sub records a further subtraction of v inside the same transaction.
func (d *DeltaOp) Sub(v uint128.Uint128) error {
	next, err := d.shift(Minus(v))
	if err != nil {
		return err
	}
	d.update = next
	if next.Negative && next.Value.Cmp(d.minNegative) > 0 {
		d.minNegative = next.Value
	}
	return nil
}

// shift combines the current net update with u. A net excursion larger
// than the limit can never be applied to any base in [0, limit].
func (d DeltaOp) shift(u Update) (Update, error) {
	next, err := combine(d.update, u, d.limit)
	if err != nil {
		return Update{}, err
	}
	if next.Value.Cmp(d.limit) > 0 {
		if next.Negative {
			return Update{}, fmt.Errorf("%w: net update %s below -%s", ErrUnderflow, next, d.limit)
		}
		return Update{}, fmt.Errorf("%w: net update %s above %s", ErrOverflow, next, d.limit)
	}
	return next, nil
}

// MergeWithPreviousDelta returns the delta equivalent to applying previous
// first and then d. It fails if the limits differ or if the combined
// history cannot fit into [0, limit] for any base.
func (d DeltaOp) MergeWithPreviousDelta(previous DeltaOp) (DeltaOp, error) {
	if !d.limit.Equals(previous.limit) {
		return DeltaOp{}, fmt.Errorf("%w: %s vs %s", ErrLimitMismatch, d.limit, previous.limit)
	}

	merged := d

	// d's history is relative to its own start, which is previous' end.
	if previous.update.Negative {
		merged.maxPositive = saturatingSub(d.maxPositive, previous.update.Value)
		minNegative, err := addition(previous.update.Value, d.minNegative, d.limit)
		if err != nil {
			return DeltaOp{}, fmt.Errorf("%w: merged negative history exceeds limit", ErrUnderflow)
		}
		merged.minNegative = minNegative
	} else {
		maxPositive, err := addition(previous.update.Value, d.maxPositive, d.limit)
		if err != nil {
			return DeltaOp{}, fmt.Errorf("%w: merged positive history exceeds limit", ErrOverflow)
		}
		merged.maxPositive = maxPositive
		merged.minNegative = saturatingSub(d.minNegative, previous.update.Value)
	}

	merged.maxPositive = maxU128(previous.maxPositive, merged.maxPositive)
	merged.minNegative = maxU128(previous.minNegative, merged.minNegative)

	update, err := combine(previous.update, d.update, d.limit)
	if err != nil {
		return DeltaOp{}, err
	}
	merged.update = update
	return merged, nil
}

// MergeWithNextDelta returns the delta equivalent to applying d first and
// then next.
func (d DeltaOp) MergeWithNextDelta(next DeltaOp) (DeltaOp, error) {
	return next.MergeWithPreviousDelta(d)
}

// ApplyTo applies the delta to a concrete base value. Every intermediate
// state recorded in the delta's history must stay within [0, limit].
func (d DeltaOp) ApplyTo(base uint128.Uint128) (uint128.Uint128, error) {
	if _, err := addition(base, d.maxPositive, d.limit); err != nil {
		return uint128.Zero, err
	}
	if _, err := subtraction(base, d.minNegative); err != nil {
		return uint128.Zero, err
	}

	if d.update.Negative {
		return subtraction(base, d.update.Value)
	}
	return addition(base, d.update.Value, d.limit)
}

// combine sums two signed updates. Magnitudes above limit are rejected.
func combine(a, b Update, limit uint128.Uint128) (Update, error) {
	switch {
	case a.Negative == b.Negative:
		sum, err := addition(a.Value, b.Value, limit)
		if err != nil {
			if a.Negative {
				return Update{}, fmt.Errorf("%w: merged update exceeds limit", ErrUnderflow)
			}
			return Update{}, err
		}
		return Update{Negative: a.Negative, Value: sum}, nil
	case a.Value.Cmp(b.Value) >= 0:
		return Update{Negative: a.Negative, Value: a.Value.Sub(b.Value)}, nil
	default:
		return Update{Negative: b.Negative, Value: b.Value.Sub(a.Value)}, nil
	}
}

// addition returns base + value if the result does not exceed limit.
func addition(base, value, limit uint128.Uint128) (uint128.Uint128, error) {
	if base.Cmp(limit) > 0 || value.Cmp(limit.Sub(base)) > 0 {
		return uint128.Zero, fmt.Errorf("%w: %s + %s > %s", ErrOverflow, base, value, limit)
	}
	return base.Add(value), nil
}

// subtraction returns base - value if the result is not negative.
func subtraction(base, value uint128.Uint128) (uint128.Uint128, error) {
	if value.Cmp(base) > 0 {
		return uint128.Zero, fmt.Errorf("%w: %s - %s < 0", ErrUnderflow, base, value)
	}
	return base.Sub(value), nil
}

func saturatingSub(a, b uint128.Uint128) uint128.Uint128 {
	if b.Cmp(a) >= 0 {
		return uint128.Zero
	}
	return a.Sub(b)
}

func maxU128(a, b uint128.Uint128) uint128.Uint128 {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

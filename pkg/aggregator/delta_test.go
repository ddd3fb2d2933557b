package aggregator

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"
)

func u(v uint64) uint128.Uint128 { return uint128.From64(v) }

func TestApplyTo(t *testing.T) {
	cases := []struct {
		name  string
		delta DeltaOp
		base  uint64
		want  uint64
		err   error
	}{
		{"plus", Addition(u(30), u(1000)), 100, 130, nil},
		{"minus", Subtraction(u(30), u(1000)), 100, 70, nil},
		{"plus to limit", Addition(u(5), u(105)), 100, 105, nil},
		{"plus past limit", Addition(u(5), u(100)), 100, 0, ErrOverflow},
		{"minus to zero", Subtraction(u(100), u(1000)), 100, 0, nil},
		{"minus past zero", Subtraction(u(101), u(1000)), 100, 0, ErrUnderflow},
		{"history overflow", New(Plus(u(1)), u(100), u(60), u(0)), 50, 0, ErrOverflow},
		{"history underflow", New(Plus(u(1)), u(100), u(0), u(60)), 50, 0, ErrUnderflow},
		{"base above limit", Addition(u(0), u(10)), 11, 0, ErrOverflow},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.delta.ApplyTo(u(tc.base))
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, u(tc.want), got)
		})
	}
}

func TestAddSubTracksHistory(t *testing.T) {
	d := Addition(u(10), u(100))
	require.NoError(t, d.Add(u(20)))
	require.NoError(t, d.Sub(u(50)))
	require.NoError(t, d.Add(u(5)))

	require.Equal(t, Minus(u(15)), d.Update())
	require.Equal(t, u(30), d.MaxPositive())
	require.Equal(t, u(20), d.MinNegative())

	// A base of 15 can absorb -20 only if it never dips below zero.
	_, err := d.ApplyTo(u(15))
	require.ErrorIs(t, err, ErrUnderflow)

	got, err := d.ApplyTo(u(20))
	require.NoError(t, err)
	require.Equal(t, u(5), got)

	// Base 71 + 30 exceeds the limit on the way even though the net is negative.
	_, err = d.ApplyTo(u(71))
	require.ErrorIs(t, err, ErrOverflow)

	require.ErrorIs(t, d.Add(u(200)), ErrOverflow)
}

func TestMergeWithPreviousDelta(t *testing.T) {
	limit := u(100)

	merged, err := Addition(u(20), limit).MergeWithPreviousDelta(Subtraction(u(5), limit))
	require.NoError(t, err)
	require.Equal(t, Plus(u(15)), merged.Update())
	require.Equal(t, u(15), merged.MaxPositive())
	require.Equal(t, u(5), merged.MinNegative())

	merged, err = Subtraction(u(20), limit).MergeWithPreviousDelta(Addition(u(5), limit))
	require.NoError(t, err)
	require.Equal(t, Minus(u(15)), merged.Update())
	require.Equal(t, u(5), merged.MaxPositive())
	require.Equal(t, u(15), merged.MinNegative())

	merged, err = Addition(u(40), limit).MergeWithPreviousDelta(Addition(u(60), limit))
	require.NoError(t, err)
	require.Equal(t, Plus(u(100)), merged.Update())

	_, err = Addition(u(41), limit).MergeWithPreviousDelta(Addition(u(60), limit))
	require.ErrorIs(t, err, ErrOverflow)

	_, err = Subtraction(u(41), limit).MergeWithPreviousDelta(Subtraction(u(60), limit))
	require.ErrorIs(t, err, ErrUnderflow)

	_, err = Addition(u(1), limit).MergeWithPreviousDelta(Addition(u(1), u(99)))
	require.ErrorIs(t, err, ErrLimitMismatch)
}

func TestMergeWithNextDeltaMirrorsPrevious(t *testing.T) {
	a := Addition(u(7), u(50))
	b := Subtraction(u(3), u(50))

	viaNext, err := a.MergeWithNextDelta(b)
	require.NoError(t, err)
	viaPrev, err := b.MergeWithPreviousDelta(a)
	require.NoError(t, err)
	require.True(t, viaNext.Equal(viaPrev))
}

// Folding a chain of deltas in any grouping and applying the result must
// agree with applying the deltas one after another.
func TestMergeAssociativity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	limit := u(1000)

	for iter := 0; iter < 200; iter++ {
		n := 2 + rng.Intn(6)
		deltas := make([]DeltaOp, n)
		for i := range deltas {
			v := u(uint64(rng.Intn(200)))
			if rng.Intn(2) == 0 {
				deltas[i] = Addition(v, limit)
			} else {
				deltas[i] = Subtraction(v, limit)
			}
		}
		base := u(uint64(rng.Intn(1001)))

		// sequential application
		seq, seqErr := base, error(nil)
		for _, d := range deltas {
			if seqErr != nil {
				break
			}
			seq, seqErr = d.ApplyTo(seq)
		}

		// newest-first fold, as a reader scanning history would do
		left := deltas[n-1]
		var foldErr error
		for i := n - 2; i >= 0 && foldErr == nil; i-- {
			left, foldErr = left.MergeWithPreviousDelta(deltas[i])
		}

		// oldest-first fold
		right := deltas[0]
		var rightErr error
		for i := 1; i < n && rightErr == nil; i++ {
			right, rightErr = right.MergeWithNextDelta(deltas[i])
		}

		if foldErr != nil || rightErr != nil {
			// A merge only fails when no base in [0, limit] could absorb the chain.
			require.Error(t, seqErr, "merge failed but sequential application succeeded")
			continue
		}
		require.True(t, left.Equal(right), "fold order changed the merged delta: %s vs %s", left, right)

		got, err := left.ApplyTo(base)
		if seqErr != nil {
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrOverflow) || errors.Is(err, ErrUnderflow))
			continue
		}
		require.NoError(t, err)
		require.Equal(t, seq, got)
	}
}

func TestUpdateString(t *testing.T) {
	require.Equal(t, "+10", Plus(u(10)).String())
	require.Equal(t, "-3", Minus(u(3)).String())
	require.Contains(t, Addition(u(1), u(9)).String(), "limit 9")
}

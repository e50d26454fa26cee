package cashu

import (
	"errors"
	"math"
	"reflect"
	"slices"
	"testing"
)

func TestAmountSplit(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected []uint64
	}{
		{amount: 0, expected: []uint64{}},
		{amount: 1, expected: []uint64{1}},
		{amount: 13, expected: []uint64{1, 4, 8}},
		{amount: 64, expected: []uint64{64}},
		{amount: 1000, expected: []uint64{8, 32, 64, 128, 256, 512}},
	}

	for _, test := range tests {
		split := AmountSplit(test.amount)
		if !reflect.DeepEqual(split, test.expected) {
			t.Fatalf("expected '%v' but got '%v' instead", test.expected, split)
		}
	}
}

func sum(amounts []uint64) uint64 {
	var total uint64
	for _, a := range amounts {
		total += a
	}
	return total
}

func TestSplit(t *testing.T) {
	tests := []struct {
		amount   uint64
		policy   SplitPolicy
		expected []uint64
	}{
		{amount: 13, policy: SplitPolicy{}, expected: []uint64{1, 4, 8}},
		{amount: 13, policy: SplitPolicy{Count: 3}, expected: []uint64{1, 4, 8}},
		{amount: 13, policy: SplitPolicy{Count: 4}, expected: []uint64{1, 4, 4, 4}},
		{amount: 8, policy: SplitPolicy{Count: 8}, expected: []uint64{1, 1, 1, 1, 1, 1, 1, 1}},
		{amount: 12, policy: SplitPolicy{Value: 4}, expected: []uint64{4, 4, 4}},
		{amount: 16, policy: SplitPolicy{Value: 16}, expected: []uint64{16}},
	}

	for _, test := range tests {
		split, err := Split(test.amount, test.policy)
		if err != nil {
			t.Fatalf("unexpected error splitting %v with policy %+v: %v", test.amount, test.policy, err)
		}
		if !reflect.DeepEqual(split, test.expected) {
			t.Fatalf("expected '%v' but got '%v' instead", test.expected, split)
		}
	}
}

func TestSplitSumsToAmount(t *testing.T) {
	amounts := []uint64{1, 2, 3, 7, 100, 255, 1000, 21000, math.MaxUint32}
	for _, amount := range amounts {
		split, err := Split(amount, SplitPolicy{})
		if err != nil {
			t.Fatal(err)
		}
		if sum(split) != amount {
			t.Fatalf("split of %v sums to %v", amount, sum(split))
		}
		if !slices.IsSorted(split) {
			t.Fatalf("split of %v is not sorted: %v", amount, split)
		}
		for _, denomination := range split {
			if denomination&(denomination-1) != 0 {
				t.Fatalf("split of %v has non power of two denomination %v", amount, denomination)
			}
		}

		count := len(split) + 3
		if uint64(count) <= amount {
			bigger, err := Split(amount, SplitPolicy{Count: count})
			if err != nil {
				t.Fatal(err)
			}
			if len(bigger) != count || sum(bigger) != amount {
				t.Fatalf("expected %v outputs adding to %v but got %v", count, amount, bigger)
			}
		}
	}
}

func TestSplitInvalid(t *testing.T) {
	tests := []struct {
		amount uint64
		policy SplitPolicy
	}{
		{amount: 0, policy: SplitPolicy{}},
		{amount: 13, policy: SplitPolicy{Count: 2}},
		{amount: 3, policy: SplitPolicy{Count: 4}},
		{amount: 13, policy: SplitPolicy{Value: 4}},
		{amount: 12, policy: SplitPolicy{Value: 3}},
		{amount: 5000, policy: SplitPolicy{Value: 1}},
		{amount: 10, policy: SplitPolicy{Count: -1}},
	}

	for _, test := range tests {
		_, err := Split(test.amount, test.policy)
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("splitting %v with %+v: expected '%v' but got '%v'", test.amount, test.policy, ErrInvalidAmount, err)
		}
	}
}

func TestOverflow(t *testing.T) {
	proofs := Proofs{{Amount: math.MaxUint64}, {Amount: 1}}
	if _, err := proofs.AmountChecked(); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected '%v' but got '%v'", ErrInvalidAmount, err)
	}

	if _, err := UnderflowSubUint64(1, 2); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected '%v' but got '%v'", ErrInvalidAmount, err)
	}
}

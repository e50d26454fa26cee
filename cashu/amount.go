package cashu

import (
	"errors"
	"fmt"
	"math/bits"
	"slices"
)

// MaxOutputs is the maximum number of denominations
// a single split is allowed to produce.
const MaxOutputs = 1000

var ErrInvalidAmount = errors.New("invalid amount")

// SplitPolicy controls how an amount is broken down into denominations.
// The zero value is the minimal split.
type SplitPolicy struct {
	// Count is the exact number of outputs wanted.
	Count int
	// Value requests every output to be of this denomination.
	Value uint64
}

// Given an amount, it returns list of amounts e.g 13 -> [1, 4, 8]
// that can be used to build blinded messages or split operations.
// from nutshell implementation
func AmountSplit(amount uint64) []uint64 {
	rv := make([]uint64, 0)
	for pos := 0; amount > 0; pos++ {
		if amount&1 == 1 {
			rv = append(rv, 1<<pos)
		}
		amount >>= 1
	}
	return rv
}

// Split returns power-of-two denominations, sorted ascending,
// that add up to amount and satisfy the policy.
func Split(amount uint64, policy SplitPolicy) ([]uint64, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: cannot split zero", ErrInvalidAmount)
	}

	switch {
	case policy.Value > 0:
		return splitByValue(amount, policy.Value)
	case policy.Count > 0:
		return splitByCount(amount, policy.Count)
	case policy.Count < 0:
		return nil, fmt.Errorf("%w: negative output count", ErrInvalidAmount)
	}

	return AmountSplit(amount), nil
}

func splitByValue(amount, value uint64) ([]uint64, error) {
	if bits.OnesCount64(value) != 1 {
		return nil, fmt.Errorf("%w: denomination %v is not a power of two", ErrInvalidAmount, value)
	}
	if amount%value != 0 {
		return nil, fmt.Errorf("%w: %v cannot be split evenly into %v", ErrInvalidAmount, amount, value)
	}
	n := amount / value
	if n > MaxOutputs {
		return nil, fmt.Errorf("%w: split would produce %v outputs", ErrInvalidAmount, n)
	}

	amounts := make([]uint64, n)
	for i := range amounts {
		amounts[i] = value
	}
	return amounts, nil
}

func splitByCount(amount uint64, count int) ([]uint64, error) {
	amounts := AmountSplit(amount)
	if count < len(amounts) {
		return nil, fmt.Errorf("%w: %v needs at least %v outputs", ErrInvalidAmount, amount, len(amounts))
	}
	if count > MaxOutputs || uint64(count) > amount {
		return nil, fmt.Errorf("%w: %v cannot be split into %v outputs", ErrInvalidAmount, amount, count)
	}

	// halve the largest denomination until there are enough outputs
	for len(amounts) < count {
		largest := len(amounts) - 1
		half := amounts[largest] / 2
		amounts[largest] = half
		amounts = append(amounts, half)
		slices.Sort(amounts)
	}
	return amounts, nil
}

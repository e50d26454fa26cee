package wallet

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/crypto"
)

const (
	activeId   = "00aaaaaaaaaaaaaa"
	inactiveId = "00bbbbbbbbbbbbbb"
)

func selectorKeysets(activeFee, inactiveFee uint) map[string]crypto.WalletKeyset {
	return map[string]crypto.WalletKeyset{
		activeId:   {Id: activeId, Unit: "sat", Active: true, InputFeePpk: activeFee},
		inactiveId: {Id: inactiveId, Unit: "sat", Active: false, InputFeePpk: inactiveFee},
	}
}

func proofsOf(id string, amounts ...uint64) cashu.Proofs {
	proofs := make(cashu.Proofs, len(amounts))
	for i, amount := range amounts {
		proofs[i] = cashu.Proof{Amount: amount, Id: id, Secret: fmt.Sprintf("%v-%v-%v", id, i, amount)}
	}
	return proofs
}

func amounts(proofs cashu.Proofs) []uint64 {
	list := make([]uint64, len(proofs))
	for i, proof := range proofs {
		list[i] = proof.Amount
	}
	slices.Sort(list)
	return list
}

func TestSelectProofs(t *testing.T) {
	keysets := selectorKeysets(0, 0)

	tests := []struct {
		name      string
		available cashu.Proofs
		target    uint64
		expected  []uint64
		exact     bool
	}{
		{
			name:      "greedy exact",
			available: proofsOf(activeId, 1, 2, 4, 8, 16),
			target:    13,
			expected:  []uint64{1, 4, 8},
			exact:     true,
		},
		{
			name:      "exact found by search",
			available: proofsOf(activeId, 5, 3, 3),
			target:    6,
			expected:  []uint64{3, 3},
			exact:     true,
		},
		{
			name:      "smallest superset",
			available: proofsOf(activeId, 64, 32, 8),
			target:    20,
			expected:  []uint64{32},
			exact:     false,
		},
		{
			name:      "superset of several proofs",
			available: proofsOf(activeId, 8, 8, 8, 2),
			target:    15,
			expected:  []uint64{8, 8},
			exact:     false,
		},
		{
			name:      "whole balance",
			available: proofsOf(activeId, 4, 2, 1),
			target:    7,
			expected:  []uint64{1, 2, 4},
			exact:     true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			sel, err := selectProofs(test.available, test.target, keysets, false)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !slices.Equal(amounts(sel.proofs), test.expected) {
				t.Fatalf("expected '%v' but got '%v' instead", test.expected, amounts(sel.proofs))
			}
			if sel.exact != test.exact {
				t.Fatalf("expected exact '%v' but got '%v'", test.exact, sel.exact)
			}
		})
	}
}

func TestSelectProofsInactiveFirst(t *testing.T) {
	keysets := selectorKeysets(0, 0)
	available := append(proofsOf(activeId, 8, 4), proofsOf(inactiveId, 8, 4)...)

	sel, err := selectProofs(available, 12, keysets, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sel.exact {
		t.Fatal("expected exact selection")
	}
	for _, proof := range sel.proofs {
		if proof.Id != inactiveId {
			t.Fatalf("expected proofs from inactive keyset but got one from '%v'", proof.Id)
		}
	}
}

func TestSelectProofsFees(t *testing.T) {
	keysets := selectorKeysets(1000, 0)

	// each proof costs 1 in fees
	sel, err := selectProofs(proofsOf(activeId, 8, 4, 2, 1), 10, keysets, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum := sel.proofs.Amount(); sum < 10+sel.fees {
		t.Fatalf("selected '%v' which does not cover '%v' plus '%v' in fees", sum, 10, sel.fees)
	}
	if sel.exact && sel.proofs.Amount() != 10+sel.fees {
		t.Fatalf("exact selection of '%v' does not match '%v' plus '%v' in fees", sel.proofs.Amount(), 10, sel.fees)
	}

	// 8+4 pays 2 in fees: exact for 10
	if !sel.exact || !slices.Equal(amounts(sel.proofs), []uint64{4, 8}) {
		t.Fatalf("expected exact selection of [4 8] but got '%v'", amounts(sel.proofs))
	}

	// fees are still reported when they are not included in the target
	sel, err = selectProofs(proofsOf(activeId, 8, 2), 10, keysets, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.fees != 2 {
		t.Fatalf("expected fees of '%v' but got '%v'", 2, sel.fees)
	}

	// enough balance but not enough to pay for the fees
	_, err = selectProofs(proofsOf(activeId, 8, 2), 10, keysets, true)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrInsufficientFunds, err)
	}
}

func TestSelectProofsErrors(t *testing.T) {
	keysets := selectorKeysets(0, 0)
	available := proofsOf(activeId, 4, 2)

	if _, err := selectProofs(available, 0, keysets, false); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrInvalidAmount, err)
	}
	if _, err := selectProofs(available, 7, keysets, false); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrInsufficientFunds, err)
	}
	if _, err := selectProofs(cashu.Proofs{}, 1, keysets, false); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrInsufficientFunds, err)
	}
}

func TestSelectProofsNeverBelowTarget(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	keysets := selectorKeysets(200, 600)

	for i := 0; i < 200; i++ {
		var available cashu.Proofs
		count := 1 + rng.Intn(20)
		for j := 0; j < count; j++ {
			id := activeId
			if rng.Intn(2) == 0 {
				id = inactiveId
			}
			proof := proofsOf(id, 1<<rng.Intn(8))[0]
			proof.Secret = fmt.Sprintf("%v-%v", i, j)
			available = append(available, proof)
		}
		balance := available.Amount()
		target := 1 + uint64(rng.Int63n(int64(balance)))
		includeFees := rng.Intn(2) == 0

		sel, err := selectProofs(available, target, keysets, includeFees)
		if err != nil {
			if errors.Is(err, ErrInsufficientFunds) && includeFees {
				continue
			}
			t.Fatalf("unexpected error for target '%v' of '%v': %v", target, balance, err)
		}

		needed := target
		if includeFees {
			needed += sel.fees
		}
		if sum := sel.proofs.Amount(); sum < needed {
			t.Fatalf("selected '%v' for target '%v' that needs '%v'", sum, target, needed)
		}
		if sel.exact && sel.proofs.Amount() != needed {
			t.Fatalf("exact selection of '%v' for '%v'", sel.proofs.Amount(), needed)
		}
		if cashu.CheckDuplicateProofs(sel.proofs) {
			t.Fatal("selection has duplicate proofs")
		}
	}
}

func TestAmountWithInputFees(t *testing.T) {
	tests := []struct {
		amount   uint64
		feePpk   uint
		policy   cashu.SplitPolicy
		expected uint64
	}{
		{amount: 6, feePpk: 0, expected: 6},
		// 6 is 2+4 paying 2, 8 is a single proof paying 1
		{amount: 6, feePpk: 1000, expected: 8},
		{amount: 100, feePpk: 100, expected: 101},
		{amount: 16, feePpk: 1000, policy: cashu.SplitPolicy{Value: 4}, expected: 24},
	}

	for _, test := range tests {
		keyset := &crypto.WalletKeyset{Id: activeId, InputFeePpk: test.feePpk}
		total, err := amountWithInputFees(test.amount, keyset, test.policy)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if total != test.expected {
			t.Errorf("amount %v with fee ppk %v: expected '%v' but got '%v'", test.amount, test.feePpk, test.expected, total)
		}

		split, err := cashu.Split(total, test.policy)
		if err != nil {
			t.Fatal(err)
		}
		if fee := ppkToFee(uint64(len(split)) * uint64(test.feePpk)); total-fee < test.amount {
			t.Errorf("total '%v' minus fees '%v' is less than '%v'", total, fee, test.amount)
		}
	}
}

func TestFeesForProofs(t *testing.T) {
	keysets := selectorKeysets(100, 1000)
	proofs := append(proofsOf(activeId, 1, 1, 1), proofsOf(inactiveId, 1)...)
	// 300 + 1000 ppk rounds up to 2
	if fees := feesForProofs(proofs, keysets); fees != 2 {
		t.Fatalf("expected fees of '%v' but got '%v'", 2, fees)
	}
	if fees := feesForProofs(proofsOf(activeId, 1), keysets); fees != 1 {
		t.Fatalf("expected fees of '%v' but got '%v'", 1, fees)
	}
	if fees := feesForProofs(cashu.Proofs{}, keysets); fees != 0 {
		t.Fatalf("expected no fees but got '%v'", fees)
	}
}

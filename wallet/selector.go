package wallet

import (
	"fmt"
	"slices"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/crypto"
)

// maxExactSearchSteps bounds the search for an exact combination
// once greedy selection misses.
const maxExactSearchSteps = 100_000

type selection struct {
	proofs cashu.Proofs
	// input fees the mint will charge for the proofs
	fees uint64
	// exact is set if the proofs add up to the target plus fees
	// and can be used without swapping
	exact bool
}

// feesForProofs returns the input fees in the unit of the proofs:
// the sum of the fee ppk of the keyset of each proof, rounded up.
func feesForProofs(proofs cashu.Proofs, keysets map[string]crypto.WalletKeyset) uint64 {
	var feePpk uint64
	for _, proof := range proofs {
		feePpk += uint64(keysets[proof.Id].InputFeePpk)
	}
	return ppkToFee(feePpk)
}

func ppkToFee(feePpk uint64) uint64 {
	return (feePpk + 999) / 1000
}

// selectProofs picks proofs from available for the target. It looks for an
// exact subset first and otherwise returns the smallest superset it finds,
// which has to be swapped. If includeFees is set, the input fees of the
// selected proofs are added to the target.
func selectProofs(
	available cashu.Proofs,
	target uint64,
	keysets map[string]crypto.WalletKeyset,
	includeFees bool,
) (selection, error) {
	if target == 0 {
		return selection{}, fmt.Errorf("%w: cannot select proofs for zero", ErrInvalidAmount)
	}
	balance, err := available.AmountChecked()
	if err != nil {
		return selection{}, err
	}
	if balance < target {
		return selection{}, fmt.Errorf("%w: have %v but need %v", ErrInsufficientFunds, balance, target)
	}

	feePpk := func(proof cashu.Proof) uint64 {
		if !includeFees {
			return 0
		}
		return uint64(keysets[proof.Id].InputFeePpk)
	}

	// proofs from inactive keysets first, then by descending amount
	sorted := slices.Clone(available)
	slices.SortStableFunc(sorted, func(a, b cashu.Proof) int {
		aInactive, bInactive := !keysets[a.Id].Active, !keysets[b.Id].Active
		if aInactive != bInactive {
			if aInactive {
				return -1
			}
			return 1
		}
		switch {
		case a.Amount > b.Amount:
			return -1
		case a.Amount < b.Amount:
			return 1
		}
		return 0
	})

	if proofs, ok := greedyExact(sorted, target, feePpk); ok {
		return newSelection(proofs, keysets, true), nil
	}
	if proofs, ok := searchExact(sorted, target, feePpk); ok {
		return newSelection(proofs, keysets, true), nil
	}

	proofs, ok := minimalSuperset(sorted, target, feePpk)
	if !ok {
		return selection{}, fmt.Errorf("%w: not enough to cover %v plus fees", ErrInsufficientFunds, target)
	}
	return newSelection(proofs, keysets, false), nil
}

func newSelection(proofs cashu.Proofs, keysets map[string]crypto.WalletKeyset, exact bool) selection {
	return selection{proofs: proofs, fees: feesForProofs(proofs, keysets), exact: exact}
}

func greedyExact(sorted cashu.Proofs, target uint64, feePpk func(cashu.Proof) uint64) (cashu.Proofs, bool) {
	selected := cashu.Proofs{}
	var sum, ppk uint64
	for _, proof := range sorted {
		if sum+proof.Amount <= target+ppkToFee(ppk+feePpk(proof)) {
			selected = append(selected, proof)
			sum += proof.Amount
			ppk += feePpk(proof)
		}
		if sum == target+ppkToFee(ppk) {
			return selected, true
		}
	}
	return nil, false
}

// searchExact does a depth first search over the proofs sorted by
// descending amount for a subset that adds up to target plus its fees.
func searchExact(sorted cashu.Proofs, target uint64, feePpk func(cashu.Proof) uint64) (cashu.Proofs, bool) {
	byAmount := slices.Clone(sorted)
	slices.SortStableFunc(byAmount, func(a, b cashu.Proof) int {
		switch {
		case a.Amount > b.Amount:
			return -1
		case a.Amount < b.Amount:
			return 1
		}
		return 0
	})

	// remaining[i] is the sum of the amounts from i onwards
	remaining := make([]uint64, len(byAmount)+1)
	for i := len(byAmount) - 1; i >= 0; i-- {
		remaining[i] = remaining[i+1] + byAmount[i].Amount
	}

	steps := 0
	picked := make([]int, 0, len(byAmount))
	var search func(i int, sum, ppk uint64) bool
	search = func(i int, sum, ppk uint64) bool {
		steps++
		if steps > maxExactSearchSteps {
			return false
		}
		fee := ppkToFee(ppk)
		if sum == target+fee && len(picked) > 0 {
			return true
		}
		if i == len(byAmount) || sum+remaining[i] < target+fee || sum > target+fee {
			return false
		}

		for j := i; j < len(byAmount); j++ {
			// equal amounts at the same depth lead to the same sums
			if j > i && byAmount[j].Amount == byAmount[j-1].Amount && feePpk(byAmount[j]) == feePpk(byAmount[j-1]) {
				continue
			}
			picked = append(picked, j)
			if search(j+1, sum+byAmount[j].Amount, ppk+feePpk(byAmount[j])) {
				return true
			}
			picked = picked[:len(picked)-1]
			if steps > maxExactSearchSteps {
				return false
			}
		}
		return false
	}

	if !search(0, 0, 0) {
		return nil, false
	}
	proofs := make(cashu.Proofs, len(picked))
	for i, idx := range picked {
		proofs[i] = byAmount[idx]
	}
	return proofs, true
}

// minimalSuperset returns the smaller of the smallest single proof that
// covers target plus its fee and the combination from accumulatedSuperset.
func minimalSuperset(sorted cashu.Proofs, target uint64, feePpk func(cashu.Proof) uint64) (cashu.Proofs, bool) {
	var single *cashu.Proof
	for i, proof := range sorted {
		if proof.Amount < target+ppkToFee(feePpk(proof)) {
			continue
		}
		if single == nil || proof.Amount < single.Amount {
			single = &sorted[i]
		}
	}

	combined, ok := accumulatedSuperset(sorted, target, feePpk)
	if single != nil && (!ok || single.Amount <= combined.Amount()) {
		return cashu.Proofs{*single}, true
	}
	return combined, ok
}

// accumulatedSuperset takes proofs until they cover target plus their fees
// and then drops the smallest ones that are not needed.
func accumulatedSuperset(sorted cashu.Proofs, target uint64, feePpk func(cashu.Proof) uint64) (cashu.Proofs, bool) {
	selected := cashu.Proofs{}
	var sum, ppk uint64
	for _, proof := range sorted {
		if sum >= target+ppkToFee(ppk) {
			break
		}
		selected = append(selected, proof)
		sum += proof.Amount
		ppk += feePpk(proof)
	}
	if sum < target+ppkToFee(ppk) {
		return nil, false
	}

	slices.SortStableFunc(selected, func(a, b cashu.Proof) int {
		switch {
		case a.Amount < b.Amount:
			return -1
		case a.Amount > b.Amount:
			return 1
		}
		return 0
	})
	pruned := cashu.Proofs{}
	for i, proof := range selected {
		withoutSum, withoutPpk := sum-proof.Amount, ppk-feePpk(proof)
		if i < len(selected)-1 && withoutSum >= target+ppkToFee(withoutPpk) {
			sum, ppk = withoutSum, withoutPpk
			continue
		}
		pruned = append(pruned, proof)
	}
	return pruned, true
}

package wallet

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut07"
	"github.com/elnosh/nutcore/crypto"
	"github.com/elnosh/nutcore/wallet/storage"
	"github.com/sirupsen/logrus"
)

// ProofStates counts proofs by the state the mint reported for them.
type ProofStates struct {
	Spent         int
	SpentAmount   uint64
	Unspent       int
	UnspentAmount uint64
	Pending       int
	PendingAmount uint64
	// proofs restored from swaps whose response was lost
	Recovered       int
	RecoveredAmount uint64
}

func (s *ProofStates) add(state nut07.State, amount uint64) {
	switch state {
	case nut07.Spent:
		s.Spent++
		s.SpentAmount += amount
	case nut07.Unspent:
		s.Unspent++
		s.UnspentAmount += amount
	case nut07.Pending:
		s.Pending++
		s.PendingAmount += amount
	}
}

func (s *ProofStates) merge(other ProofStates) {
	s.Spent += other.Spent
	s.SpentAmount += other.SpentAmount
	s.Unspent += other.Unspent
	s.UnspentAmount += other.UnspentAmount
	s.Pending += other.Pending
	s.PendingAmount += other.PendingAmount
	s.Recovered += other.Recovered
	s.RecoveredAmount += other.RecoveredAmount
}

// proofStates returns the state of each proof by its Y.
func (w *Wallet) proofStates(ctx context.Context, mint string, proofs cashu.Proofs) (map[string]nut07.State, []string, error) {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, nil, err
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}

	response, err := w.client(mint).PostCheckProofState(ctx, nut07.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		return nil, nil, err
	}
	states := make(map[string]nut07.State, len(response.States))
	for _, state := range response.States {
		states[state.Y] = state.State
	}
	for _, Y := range Ys {
		if _, ok := states[Y]; !ok {
			return nil, nil, fmt.Errorf("mint did not return state for '%v'", Y)
		}
	}
	return states, Ys, nil
}

// mintUnits returns the units of the keysets known from the mint.
func (w *Wallet) mintUnits(mint string) []cashu.Unit {
	seen := make(map[string]bool)
	var units []cashu.Unit
	for _, keyset := range w.mintKeysets(mint) {
		if seen[keyset.Unit] {
			continue
		}
		seen[keyset.Unit] = true
		if unit, err := cashu.UnitFromString(keyset.Unit); err == nil {
			units = append(units, unit)
		}
	}
	return units
}

// CheckProofsState asks the mint for the state of every stored proof from it
// and deletes the ones that were spent.
func (w *Wallet) CheckProofsState(ctx context.Context, mint string) (ProofStates, error) {
	mint, err := w.resolveMint(mint)
	if err != nil {
		return ProofStates{}, err
	}

	var total ProofStates
	for _, unit := range w.mintUnits(mint) {
		states, err := w.checkStoredProofs(ctx, mint, unit)
		if err != nil {
			return total, &OperationError{Op: "check proofs", Mint: mint, Err: err}
		}
		total.merge(states)
	}
	return total, nil
}

func (w *Wallet) checkStoredProofs(ctx context.Context, mint string, unit cashu.Unit) (ProofStates, error) {
	unlock := w.lock(mint, unit)
	defer unlock()

	var result ProofStates
	proofs := w.storedProofs(w.db, mint, unit)
	if len(proofs) == 0 {
		return result, nil
	}
	states, Ys, err := w.proofStates(ctx, mint, proofs)
	if err != nil {
		return result, err
	}

	var spent cashu.Proofs
	for i, proof := range proofs {
		state := states[Ys[i]]
		result.add(state, proof.Amount)
		if state == nut07.Spent {
			spent = append(spent, proof)
		}
	}
	if len(spent) == 0 {
		return result, nil
	}
	if err := w.db.Update(func(tx storage.Tx) error {
		for _, proof := range spent {
			if err := tx.DeleteProof(proof.Secret); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return result, err
	}

	w.logger.WithFields(logrus.Fields{"mint": mint, "proofs": len(spent), "amount": result.SpentAmount}).
		Info("deleted spent proofs")
	return result, nil
}

// CheckPendingProofs resolves the proofs left pending at the mint by
// interrupted swaps. Spent inputs are deleted after the proofs the mint
// issued for the swap are restored and stored, unspent ones are reinstated.
// Proofs pending on a melt quote are resolved through CheckMeltQuoteState.
func (w *Wallet) CheckPendingProofs(ctx context.Context, mint string) (ProofStates, error) {
	mint, err := w.resolveMint(mint)
	if err != nil {
		return ProofStates{}, err
	}

	var total ProofStates
	for _, unit := range w.mintUnits(mint) {
		states, err := w.checkPendingSwapProofs(ctx, mint, unit)
		if err != nil {
			return total, &OperationError{Op: "check pending proofs", Mint: mint, Err: err}
		}
		total.merge(states)
	}

	quoteIds := make(map[string]bool)
	for _, pending := range w.db.GetPendingProofs() {
		if pending.Mint == mint && pending.MeltQuoteId != "" {
			quoteIds[pending.MeltQuoteId] = true
		}
	}
	for quoteId := range quoteIds {
		if _, err := w.CheckMeltQuoteState(ctx, quoteId); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (w *Wallet) checkPendingSwapProofs(ctx context.Context, mint string, unit cashu.Unit) (ProofStates, error) {
	unlock := w.lock(mint, unit)
	defer unlock()

	var result ProofStates
	keysets := w.mintKeysets(mint)
	inUnit := func(keysetId string) bool {
		keyset, ok := keysets[keysetId]
		return ok && keyset.Unit == unit.String()
	}

	byY := make(map[string]storage.DBProof)
	var pending []storage.DBProof
	for _, proof := range w.db.GetPendingProofs() {
		if proof.Mint != mint || proof.MeltQuoteId != "" || !inUnit(proof.Id) {
			continue
		}
		pending = append(pending, proof)
		byY[proof.Y] = proof
	}
	var records []storage.PendingSwap
	for _, record := range w.db.GetPendingSwaps() {
		if record.Mint == mint && inUnit(record.KeysetId) {
			records = append(records, record)
		}
	}
	if len(pending) == 0 && len(records) == 0 {
		return result, nil
	}

	states := make(map[string]nut07.State)
	if len(pending) > 0 {
		var err error
		states, _, err = w.proofStates(ctx, mint, storage.PendingToProofs(pending))
		if err != nil {
			return result, err
		}
	}

	// inputs of a swap still pending at the mint wait for the next check
	waiting := make(map[string]bool)
	var recovered cashu.Proofs
	var doneSwaps []string
	for _, record := range records {
		anySpent, anyPending := false, false
		for _, Y := range record.InputYs {
			if _, ok := byY[Y]; !ok {
				continue
			}
			switch states[Y] {
			case nut07.Spent:
				anySpent = true
			case nut07.Pending:
				anyPending = true
			}
		}
		if anyPending {
			for _, Y := range record.InputYs {
				waiting[Y] = true
			}
			continue
		}
		if anySpent {
			keyset := keysets[record.KeysetId]
			proofs, err := w.recoverSwap(ctx, w.db, record, &keyset)
			if err != nil {
				return result, fmt.Errorf("error restoring outputs of swap '%v': %w", record.Id, err)
			}
			recovered = append(recovered, proofs...)
		}
		doneSwaps = append(doneSwaps, record.Id)
	}

	var resolvedYs []string
	var unspent cashu.Proofs
	for _, proof := range pending {
		if waiting[proof.Y] {
			result.add(nut07.Pending, proof.Amount)
			continue
		}
		state := states[proof.Y]
		result.add(state, proof.Amount)
		switch state {
		case nut07.Spent:
			resolvedYs = append(resolvedYs, proof.Y)
		case nut07.Unspent:
			resolvedYs = append(resolvedYs, proof.Y)
			unspent = append(unspent, proof.Proof())
		}
	}
	result.Recovered = len(recovered)
	result.RecoveredAmount = recovered.Amount()

	if err := w.db.Update(func(tx storage.Tx) error {
		if err := tx.DeletePendingProofs(resolvedYs); err != nil {
			return err
		}
		for _, id := range doneSwaps {
			if err := tx.DeletePendingSwap(id); err != nil {
				return err
			}
		}
		return tx.SaveProofs(append(unspent, recovered...))
	}); err != nil {
		return result, err
	}

	w.logger.WithFields(logrus.Fields{
		"mint":       mint,
		"spent":      result.Spent,
		"reinstated": result.Unspent,
		"pending":    result.Pending,
		"recovered":  result.RecoveredAmount,
	}).Info("resolved pending proofs")
	return result, nil
}

package wallet

import (
	"context"
	"fmt"
	"slices"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut03"
	"github.com/elnosh/nutcore/cashu/nuts/nut10"
	"github.com/elnosh/nutcore/crypto"
	"github.com/elnosh/nutcore/wallet/storage"
	"github.com/sirupsen/logrus"
)

type swapOptions struct {
	sendCondition *nut10.SpendingCondition
	split         cashu.SplitPolicy
	// inputs are proofs from the store. Otherwise they come from a token
	// and are not reinstated if the mint rejects them.
	fromStore bool
	// store the send proofs too instead of handing them to the caller
	keepSend bool
}

// swap exchanges the inputs at the mint for proofs of sendAmount, returned
// to the caller, and change, which is stored. Counters for the outputs are
// reserved, the inputs moved to pending and the outputs recorded in one
// transaction before the request is made, so after any failure the store
// still has either the inputs or what is needed to restore the new proofs.
// Must be called with the lock of the mint and unit held.
func (w *Wallet) swap(
	ctx context.Context,
	mint string,
	keyset *crypto.WalletKeyset,
	inputs cashu.Proofs,
	sendAmount uint64,
	opts swapOptions,
) (cashu.Proofs, error) {
	opErr := func(err error) error {
		return &OperationError{Op: "swap", Mint: mint, ProofCount: len(inputs), Err: err}
	}

	keysets := w.mintKeysets(mint)
	inputsAmount, err := inputs.AmountChecked()
	if err != nil {
		return nil, opErr(err)
	}
	fees := feesForProofs(inputs, keysets)
	outputsAmount, err := cashu.UnderflowSubUint64(inputsAmount, fees)
	if err != nil || outputsAmount < sendAmount {
		return nil, opErr(fmt.Errorf("%w: inputs of %v do not cover %v plus %v in fees",
			ErrInsufficientFunds, inputsAmount, sendAmount, fees))
	}
	changeAmount := outputsAmount - sendAmount

	var sendAmounts []uint64
	if sendAmount > 0 {
		sendAmounts, err = cashu.Split(sendAmount, opts.split)
		if err != nil {
			return nil, opErr(err)
		}
	}
	changeAmounts := cashu.AmountSplit(changeAmount)
	if len(sendAmounts)+len(changeAmounts) == 0 {
		return nil, opErr(fmt.Errorf("%w: swap would produce no outputs", ErrInvalidAmount))
	}

	deterministicAmounts := changeAmounts
	if opts.sendCondition == nil {
		deterministicAmounts = append(sendAmounts, changeAmounts...)
	}

	pendingProofs, err := storage.ToDBProofs(inputs, mint, "")
	if err != nil {
		return nil, opErr(err)
	}

	var allOutputs outputs
	if opts.sendCondition != nil {
		allOutputs, err = conditionalOutputs(keyset.Id, sendAmounts, *opts.sendCondition)
		if err != nil {
			return nil, opErr(err)
		}
	}
	record := newPendingSwap(mint, keyset.Id, pendingProofs, slices.Concat(sendAmounts, changeAmounts), allOutputs)

	if err := w.db.Update(func(tx storage.Tx) error {
		counter, err := deriveNext(tx, keyset.Id, uint32(len(deterministicAmounts)))
		if err != nil {
			return err
		}
		deterministic, err := w.deterministicOutputs(keyset.Id, counter, deterministicAmounts)
		if err != nil {
			return err
		}
		allOutputs.append(deterministic)
		record.CounterStart = counter

		if opts.fromStore {
			for _, proof := range inputs {
				if err := tx.DeleteProof(proof.Secret); err != nil {
					return err
				}
			}
		}
		if err := tx.AddPendingProofs(pendingProofs); err != nil {
			return err
		}
		return tx.SavePendingSwap(record)
	}); err != nil {
		return nil, opErr(err)
	}

	reinstate := func() error {
		return w.db.Update(func(tx storage.Tx) error {
			if err := tx.DeletePendingProofs(storage.PendingYs(pendingProofs)); err != nil {
				return err
			}
			if err := tx.DeletePendingSwap(record.Id); err != nil {
				return err
			}
			if opts.fromStore {
				return tx.SaveProofs(inputs)
			}
			return nil
		})
	}

	logger := w.logger.WithFields(logrus.Fields{"mint": mint, "inputs": len(inputs), "outputs": len(allOutputs.messages)})
	swapResponse, err := w.client(mint).PostSwap(ctx, nut03.PostSwapRequest{
		Inputs:  inputs,
		Outputs: allOutputs.messages,
	})
	if err != nil {
		if isDefinitive(err) {
			logger.WithError(err).Info("swap rejected, reinstating inputs")
			if rerr := reinstate(); rerr != nil {
				return nil, opErr(fmt.Errorf("%w: could not reinstate inputs: %v", err, rerr))
			}
			return nil, opErr(err)
		}
		logger.WithError(err).Warn("swap outcome unknown, inputs kept pending")
		return nil, opErr(fmt.Errorf("%w: %w", ErrAmbiguousSettlement, err))
	}
	if len(swapResponse.Signatures) != len(allOutputs.messages) {
		logger.Warn("mint returned wrong number of signatures, inputs kept pending")
		return nil, opErr(fmt.Errorf("%w: expected %v signatures but got %v",
			ErrAmbiguousSettlement, len(allOutputs.messages), len(swapResponse.Signatures)))
	}

	newProofs, err := constructProofs(swapResponse.Signatures, allOutputs, keyset)
	if err != nil {
		return nil, opErr(fmt.Errorf("%w: %v", ErrAmbiguousSettlement, err))
	}
	send, change := newProofs[:len(sendAmounts)], newProofs[len(sendAmounts):]

	toStore := change
	if opts.keepSend || sendAmount == 0 {
		toStore = newProofs
	}
	if err := w.db.Update(func(tx storage.Tx) error {
		if err := tx.DeletePendingProofs(storage.PendingYs(pendingProofs)); err != nil {
			return err
		}
		if err := tx.DeletePendingSwap(record.Id); err != nil {
			return err
		}
		if !opts.fromStore {
			if err := deleteStoredCopies(tx, inputs); err != nil {
				return err
			}
		}
		return tx.SaveProofs(toStore)
	}); err != nil {
		return nil, opErr(fmt.Errorf("swap succeeded but proofs could not be saved: %w", err))
	}

	logger.WithField("amount", sendAmount).Info("swap completed")
	return send, nil
}

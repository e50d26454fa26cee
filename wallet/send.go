package wallet

import (
	"context"
	"fmt"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut10"
	"github.com/elnosh/nutcore/crypto"
	"github.com/elnosh/nutcore/wallet/storage"
	"github.com/sirupsen/logrus"
)

type SendOptions struct {
	// Split sets the denominations of the sent proofs.
	// The zero value is the minimal split.
	Split cashu.SplitPolicy
	Memo  string
	// Condition locks the sent proofs. Locked proofs are always
	// created through a swap.
	Condition *nut10.SpendingCondition
	// IncludeFees adds the fees the receiver pays to swap the token,
	// so they get the full amount.
	IncludeFees bool
	// TokenV3 builds a V3 token instead of V4.
	TokenV3 bool
}

// Send returns a token for amount from the proofs held at the mint in unit.
// If the stored proofs have an exact combination for the amount they are
// sent as they are. Otherwise, or if a condition or split is set, proofs
// are swapped first.
func (w *Wallet) Send(ctx context.Context, mint string, unit cashu.Unit, amount uint64, opts SendOptions) (cashu.Token, error) {
	mint, err := w.trustedMint(mint)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: cannot send zero", ErrInvalidAmount)
	}

	unlock := w.lock(mint, unit)
	defer unlock()

	available := w.availableProofs(w.db, mint, unit)
	if balance := available.Amount(); balance < amount {
		return nil, &OperationError{Op: "send", Mint: mint,
			Err: fmt.Errorf("%w: have %v but need %v", ErrInsufficientFunds, balance, amount)}
	}

	var proofs cashu.Proofs
	keysets := w.mintKeysets(mint)
	needsSwap := opts.Condition != nil || opts.Split != (cashu.SplitPolicy{})
	if !needsSwap {
		sel, err := selectProofs(available, amount, keysets, opts.IncludeFees)
		if err != nil {
			return nil, &OperationError{Op: "send", Mint: mint, Err: err}
		}
		if sel.exact {
			if err := w.db.Update(func(tx storage.Tx) error {
				for _, proof := range sel.proofs {
					if err := tx.DeleteProof(proof.Secret); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				return nil, &OperationError{Op: "send", Mint: mint, ProofCount: len(sel.proofs), Err: err}
			}
			proofs = sel.proofs
		}
	}

	if proofs == nil {
		keyset, err := w.activeKeyset(ctx, mint, unit)
		if err != nil {
			return nil, err
		}
		keysets = w.mintKeysets(mint)

		sendAmount := amount
		if opts.IncludeFees {
			sendAmount, err = amountWithInputFees(amount, keyset, opts.Split)
			if err != nil {
				return nil, &OperationError{Op: "send", Mint: mint, Err: err}
			}
		}

		sel, err := selectProofs(available, sendAmount, keysets, true)
		if err != nil {
			return nil, &OperationError{Op: "send", Mint: mint, Err: err}
		}
		proofs, err = w.swap(ctx, mint, keyset, sel.proofs, sendAmount, swapOptions{
			sendCondition: opts.Condition,
			split:         opts.Split,
			fromStore:     true,
		})
		if err != nil {
			return nil, err
		}
	}

	var token cashu.Token
	if opts.TokenV3 {
		token = cashu.NewTokenV3(proofs, mint, unit, opts.Memo)
	} else {
		token, err = cashu.NewTokenV4(proofs, mint, unit, opts.Memo)
		if err != nil {
			return nil, err
		}
	}

	w.logger.WithFields(logrus.Fields{"mint": mint, "amount": amount, "proofs": len(proofs)}).Info("created token")
	return token, nil
}

// amountWithInputFees returns the amount of outputs from the keyset
// that, after paying their input fees, leave at least amount.
func amountWithInputFees(amount uint64, keyset *crypto.WalletKeyset, policy cashu.SplitPolicy) (uint64, error) {
	total := amount
	for {
		split, err := cashu.Split(total, policy)
		if err != nil {
			return 0, err
		}
		fee := ppkToFee(uint64(len(split)) * uint64(keyset.InputFeePpk))
		if total-amount >= fee {
			return total, nil
		}
		// total grows on every pass
		total, err = cashu.OverflowAddUint64(amount, fee)
		if err != nil {
			return 0, err
		}
		if policy.Value > 0 && total%policy.Value != 0 {
			total += policy.Value - total%policy.Value
		}
	}
}

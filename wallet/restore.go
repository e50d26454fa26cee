package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut07"
	"github.com/elnosh/nutcore/cashu/nuts/nut09"
	"github.com/elnosh/nutcore/crypto"
	"github.com/elnosh/nutcore/wallet/storage"
	"github.com/sirupsen/logrus"
	"github.com/tyler-smith/go-bip39"
	"go.uber.org/ratelimit"
)

// Restore recovers the unspent proofs the mint issued to outputs derived
// from the seed, for every keyset of the unit at the mint, and returns
// their amount.
//
// Outputs are derived from counter 0 in batches of Config.RestoreBatchSize.
// The scan of a keyset stops once that many consecutive outputs were not
// signed by the mint. This gap limit is a heuristic: proofs issued past a
// longer gap are not found. The counter of each keyset is moved past the
// last signed output so they are not reused.
func (w *Wallet) Restore(ctx context.Context, mint string, unit cashu.Unit) (uint64, error) {
	mint, err := w.resolveMint(mint)
	if err != nil {
		return 0, err
	}
	opErr := func(err error) error {
		return &OperationError{Op: "restore", Mint: mint, Err: err}
	}

	mintInfo, err := w.client(mint).GetMintInfo(ctx)
	if err != nil {
		return 0, opErr(err)
	}
	if !mintInfo.Nuts.Nut07.Supported || !mintInfo.Nuts.Nut09.Supported {
		return 0, opErr(errors.New("mint does not support restoring proofs"))
	}

	unlock := w.lock(mint, unit)
	defer unlock()

	if err := w.refreshKeysets(ctx, mint); err != nil {
		return 0, err
	}

	limiter := ratelimit.New(w.config.RestoreRateLimit)
	var restored uint64
	for _, keyset := range w.mintKeysets(mint) {
		if keyset.Unit != unit.String() {
			continue
		}
		amount, err := w.restoreKeyset(ctx, mint, keyset, limiter)
		if err != nil {
			return restored, opErr(fmt.Errorf("keyset '%v': %w", keyset.Id, err))
		}
		restored += amount
	}

	w.logger.WithFields(logrus.Fields{"mint": mint, "unit": unit.String(), "amount": restored}).Info("restore finished")
	return restored, nil
}

func (w *Wallet) restoreKeyset(
	ctx context.Context,
	mint string,
	keyset crypto.WalletKeyset,
	limiter ratelimit.Limiter,
) (uint64, error) {
	batchSize := w.config.RestoreBatchSize
	// amounts are not needed to match outputs, the mint looks them up by B_
	amounts := make([]uint64, batchSize)
	for i := range amounts {
		amounts[i] = 1
	}

	var (
		signed   outputs
		sigs     cashu.BlindedSignatures
		counter  uint32
		next     uint32
		unsigned int
	)
	for unsigned < batchSize {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		limiter.Take()

		out, err := w.deterministicOutputs(keyset.Id, counter, amounts)
		if err != nil {
			return 0, err
		}
		response, err := w.client(mint).PostRestore(ctx, nut09.PostRestoreRequest{Outputs: out.messages})
		if err != nil {
			return 0, err
		}
		if len(response.Outputs) != len(response.Signatures) {
			return 0, errors.New("mint returned restore outputs and signatures of different length")
		}

		index := make(map[string]int, len(out.messages))
		for i, message := range out.messages {
			index[message.B_] = i
		}
		lastSigned := -1
		for i, output := range response.Outputs {
			idx, ok := index[output.B_]
			if !ok {
				return 0, fmt.Errorf("mint returned output '%v' that was not requested", output.B_)
			}
			signed.append(out.slice(idx, idx+1))
			sigs = append(sigs, response.Signatures[i])
			lastSigned = max(lastSigned, idx)
		}

		if lastSigned >= 0 {
			next = counter + uint32(lastSigned) + 1
			unsigned = batchSize - 1 - lastSigned
		} else {
			unsigned += batchSize
		}
		counter += uint32(batchSize)
	}

	if len(sigs) == 0 {
		return 0, nil
	}
	proofs, err := constructProofs(sigs, signed, &keyset)
	if err != nil {
		return 0, err
	}

	states, Ys, err := w.proofStates(ctx, mint, proofs)
	if err != nil {
		return 0, err
	}

	known := make(map[string]bool)
	for _, proof := range w.db.GetProofsByKeysetId(keyset.Id) {
		known[proof.Secret] = true
	}
	for _, proof := range w.db.GetPendingProofs() {
		known[proof.Secret] = true
	}
	var unspent cashu.Proofs
	for i, proof := range proofs {
		if states[Ys[i]] == nut07.Unspent && !known[proof.Secret] {
			unspent = append(unspent, proof)
		}
	}

	if err := w.db.Update(func(tx storage.Tx) error {
		if err := tx.SaveProofs(unspent); err != nil {
			return err
		}
		if next > tx.GetKeysetCounter(keyset.Id) {
			return tx.SetKeysetCounter(keyset.Id, next)
		}
		return nil
	}); err != nil {
		return 0, err
	}

	amount := unspent.Amount()
	w.logger.WithFields(logrus.Fields{
		"mint":    mint,
		"keyset":  keyset.Id,
		"proofs":  len(unspent),
		"amount":  amount,
		"counter": next,
	}).Info("restored keyset")
	return amount, nil
}

// RestoreWallet creates a wallet at config.WalletPath from the mnemonic
// and restores its proofs from each of the mints. It fails with
// ErrWalletExists if there is a wallet there already.
func RestoreWallet(ctx context.Context, config Config, mnemonic string, mints []string) (*Wallet, uint64, error) {
	config.setDefaults()
	if walletExists(config) {
		return nil, 0, ErrWalletExists
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, 0, errors.New("invalid mnemonic")
	}

	var currentMint string
	if len(config.CurrentMintURL) > 0 {
		var err error
		currentMint, err = normalizeMintURL(config.CurrentMintURL)
		if err != nil {
			return nil, 0, err
		}
	}

	db, err := InitStorage(config)
	if err != nil {
		return nil, 0, fmt.Errorf("error restoring wallet: %v", err)
	}
	seed := bip39.NewSeed(mnemonic, "")
	if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
		db.Close()
		return nil, 0, fmt.Errorf("error saving seed: %v", err)
	}

	wallet, err := newWallet(db, seed, currentMint, config)
	if err != nil {
		db.Close()
		return nil, 0, err
	}

	var restored uint64
	for _, mint := range mints {
		mint, err := normalizeMintURL(mint)
		if err != nil {
			return wallet, restored, err
		}
		if err := wallet.refreshKeysets(ctx, mint); err != nil {
			return wallet, restored, err
		}
		for _, unit := range wallet.mintUnits(mint) {
			amount, err := wallet.Restore(ctx, mint, unit)
			if err != nil {
				return wallet, restored, err
			}
			restored += amount
		}
	}
	return wallet, restored, nil
}

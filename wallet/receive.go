package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/nutcore/cashu"
	"github.com/sirupsen/logrus"
)

type ReceiveOptions struct {
	// Preimage unlocks HTLC proofs.
	Preimage string
	// SigningKeys are used along with the wallet key
	// to sign locked proofs.
	SigningKeys []*btcec.PrivateKey
}

// Receive swaps the proofs in the token for new ones from the token's mint
// and returns the amount stored after fees. Locked proofs are signed and
// checked locally before anything is sent to the mint.
func (w *Wallet) Receive(ctx context.Context, token cashu.Token, opts ReceiveOptions) (uint64, error) {
	mint, err := normalizeMintURL(token.Mint())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	unit, err := cashu.UnitFromString(token.Unit())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	proofs := token.Proofs()
	if len(proofs) == 0 {
		return 0, fmt.Errorf("%w: token has no proofs", ErrMalformedToken)
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return 0, fmt.Errorf("%w: token has duplicate proofs", ErrMalformedToken)
	}
	amount, err := proofs.AmountChecked()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	keys := append([]*btcec.PrivateKey{w.privateKey}, opts.SigningKeys...)
	proofs, err = addWitnesses(proofs, opts.Preimage, keys, now)
	if err != nil {
		return 0, err
	}
	for _, proof := range proofs {
		if err := VerifyProofCondition(proof, now); err != nil {
			return 0, err
		}
	}

	unlock := w.lock(mint, unit)
	defer unlock()

	keysets, err := w.keysetsForProofs(ctx, mint, proofs)
	if err != nil {
		return 0, err
	}
	for _, proof := range proofs {
		if keysets[proof.Id].Unit != unit.String() {
			return 0, fmt.Errorf("%w: proof from keyset '%v' is not in unit '%v'", ErrMalformedToken, proof.Id, unit)
		}
	}
	keyset, err := w.activeKeyset(ctx, mint, unit)
	if err != nil {
		return 0, err
	}

	if _, err := w.swap(ctx, mint, keyset, proofs, 0, swapOptions{}); err != nil {
		return 0, err
	}
	received := amount - feesForProofs(proofs, keysets)

	w.logger.WithFields(logrus.Fields{"mint": mint, "amount": received, "proofs": len(proofs)}).Info("received token")
	return received, nil
}

package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut01"
	"github.com/elnosh/nutcore/cashu/nuts/nut02"
	"github.com/elnosh/nutcore/crypto"
	"github.com/elnosh/nutcore/wallet/storage"
	"github.com/sirupsen/logrus"
)

// activeKeyset returns the active keyset of the mint for the unit.
// If the mint rotated keysets the previous one is saved as inactive.
func (w *Wallet) activeKeyset(ctx context.Context, mint string, unit cashu.Unit) (*crypto.WalletKeyset, error) {
	if err := w.refreshKeysets(ctx, mint); err != nil {
		return nil, err
	}

	for _, keyset := range w.mintKeysets(mint) {
		if keyset.Active && keyset.Unit == unit.String() {
			return &keyset, nil
		}
	}
	return nil, fmt.Errorf("mint '%v' has no active keyset for unit '%v'", mint, unit)
}

// refreshKeysets fetches the keysets of the mint and records them. Concurrent
// refreshes for the same mint share one round trip.
func (w *Wallet) refreshKeysets(ctx context.Context, mint string) error {
	_, err, _ := w.keysetRefresh.Do(mint, func() (any, error) {
		mintClient := w.client(mint)
		keysetsResponse, err := mintClient.GetAllKeysets(ctx)
		if err != nil {
			return nil, &OperationError{Op: "get keysets", Mint: mint, Err: err}
		}

		known := w.mintKeysets(mint)
		var newKeys []nut01.Keyset
		for _, keyset := range keysetsResponse.Keysets {
			if _, err := hex.DecodeString(keyset.Id); err != nil {
				continue
			}
			if _, ok := known[keyset.Id]; ok {
				continue
			}
			keysResponse, err := mintClient.GetKeysetById(ctx, keyset.Id)
			if err != nil {
				return nil, &OperationError{Op: "get keyset", Mint: mint, Err: err}
			}
			if len(keysResponse.Keysets) == 0 {
				return nil, fmt.Errorf("mint did not return keys for keyset '%v'", keyset.Id)
			}
			newKeys = append(newKeys, keysResponse.Keysets[0])
		}

		return nil, w.recordKeys(mint, keysetsResponse.Keysets, newKeys)
	})
	return err
}

// recordKeys saves the keysets listed by the mint. keys has the
// public keys of the ones not seen before; their ids are checked
// against the keys. Counters of known keysets are kept.
func (w *Wallet) recordKeys(mint string, listed []nut02.Keyset, keys []nut01.Keyset) error {
	keysById := make(map[string]nut01.Keyset, len(keys))
	for _, keyset := range keys {
		keysById[keyset.Id] = keyset
	}

	return w.db.Update(func(tx storage.Tx) error {
		for _, keyset := range listed {
			known := tx.GetKeyset(keyset.Id)
			if known != nil {
				if known.Active == keyset.Active && known.InputFeePpk == keyset.InputFeePpk {
					continue
				}
				known.Active = keyset.Active
				known.InputFeePpk = keyset.InputFeePpk
				if err := tx.SaveKeyset(known); err != nil {
					return err
				}
				continue
			}

			keysetKeys, ok := keysById[keyset.Id]
			if !ok {
				continue
			}
			walletKeyset, err := crypto.NewWalletKeyset(mint, keysetKeys, keyset.Active, keyset.InputFeePpk)
			if err != nil {
				return fmt.Errorf("invalid keyset '%v' from mint: %w", keyset.Id, err)
			}
			if err := tx.SaveKeyset(walletKeyset); err != nil {
				return err
			}
			w.logger.WithFields(logrus.Fields{"mint": mint, "keyset": keyset.Id, "active": keyset.Active}).
				Info("saved new keyset")
		}
		return nil
	})
}

// deriveNext reserves n counter values of the keyset in the transaction
// and returns the first one.
func deriveNext(tx storage.Tx, keysetId string, n uint32) (uint32, error) {
	counter, err := tx.ReserveKeysetCounter(keysetId, n)
	if err != nil {
		if errors.Is(err, storage.ErrKeysetNotFound) {
			return 0, fmt.Errorf("%w: '%v'", ErrUnknownKeyset, keysetId)
		}
		return 0, err
	}
	return counter, nil
}

// keysetsForProofs makes sure the keysets of the proofs from the mint are
// known, fetching them if needed.
func (w *Wallet) keysetsForProofs(ctx context.Context, mint string, proofs cashu.Proofs) (map[string]crypto.WalletKeyset, error) {
	keysets := w.mintKeysets(mint)
	for _, proof := range proofs {
		if _, ok := keysets[proof.Id]; !ok {
			if err := w.refreshKeysets(ctx, mint); err != nil {
				return nil, err
			}
			keysets = w.mintKeysets(mint)
			break
		}
	}

	for _, proof := range proofs {
		if _, ok := keysets[proof.Id]; !ok {
			return nil, fmt.Errorf("%w: '%v' from mint '%v'", ErrUnknownKeyset, proof.Id, mint)
		}
	}
	return keysets, nil
}

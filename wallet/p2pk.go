package wallet

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// DeriveP2PK derives the key the wallet receives locked ecash to,
// at m/129372'/0'/1'/0.
func DeriveP2PK(key *hdkeychain.ExtendedKey) (*btcec.PrivateKey, error) {
	path := []uint32{
		hdkeychain.HardenedKeyStart + 129372,
		hdkeychain.HardenedKeyStart + 0,
		hdkeychain.HardenedKeyStart + 1,
		0,
	}

	extKey := key
	for _, index := range path {
		var err error
		extKey, err = extKey.Derive(index)
		if err != nil {
			return nil, err
		}
	}
	return extKey.ECPrivKey()
}

// ReceivePubkey returns the hex encoded compressed public key
// senders can lock ecash to for this wallet.
func (w *Wallet) ReceivePubkey() string {
	return hex.EncodeToString(w.privateKey.PubKey().SerializeCompressed())
}

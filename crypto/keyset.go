package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutcore/cashu/nuts/nut01"
)

const MaxKeysetOrder = 64

var ErrKeysetIdMismatch = errors.New("keyset id does not match its keys")

// DeriveKeysetId returns the id of a keyset: "00" followed by the first
// 14 hex chars of the sha256 of the keys concatenated in amount order.
func DeriveKeysetId(keys map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keys))
	for amount := range keys {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	pubkeys := make([]byte, 0, len(keys)*33)
	for _, amount := range amounts {
		pubkeys = append(pubkeys, keys[amount].SerializeCompressed()...)
	}
	hash := sha256.Sum256(pubkeys)

	return "00" + hex.EncodeToString(hash[:])[:14]
}

// MapPubKeys parses the hex encoded keys of a keyset
func MapPubKeys(keys nut01.KeysMap) (map[uint64]*secp256k1.PublicKey, error) {
	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, key := range keys {
		pkbytes, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("invalid key for amount %v: %v", amount, err)
		}
		pubkey, err := secp256k1.ParsePubKey(pkbytes)
		if err != nil {
			return nil, fmt.Errorf("invalid key for amount %v: %v", amount, err)
		}
		publicKeys[amount] = pubkey
	}
	return publicKeys, nil
}

// WalletKeyset is a keyset as known by the wallet: public keys only,
// plus the next NUT-13 counter to use with it.
type WalletKeyset struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	PublicKeys  map[uint64]*secp256k1.PublicKey
	Counter     uint32
	InputFeePpk uint
}

// NewWalletKeyset builds a keyset from the keys returned by the mint
// and fails if they do not hash to the advertised id.
func NewWalletKeyset(mintURL string, keyset nut01.Keyset, active bool, inputFeePpk uint) (*WalletKeyset, error) {
	publicKeys, err := MapPubKeys(keyset.Keys)
	if err != nil {
		return nil, err
	}
	if id := DeriveKeysetId(publicKeys); id != keyset.Id {
		return nil, fmt.Errorf("%w: got '%v' from keys but mint said '%v'", ErrKeysetIdMismatch, id, keyset.Id)
	}

	return &WalletKeyset{
		Id:          keyset.Id,
		MintURL:     mintURL,
		Unit:        keyset.Unit,
		Active:      active,
		PublicKeys:  publicKeys,
		InputFeePpk: inputFeePpk,
	}, nil
}

type walletKeysetTemp struct {
	Id          string            `json:"id"`
	MintURL     string            `json:"mint_url"`
	Unit        string            `json:"unit"`
	Active      bool              `json:"active"`
	PublicKeys  map[uint64]string `json:"public_keys"`
	Counter     uint32            `json:"counter"`
	InputFeePpk uint              `json:"input_fee_ppk"`
}

func (wk WalletKeyset) MarshalJSON() ([]byte, error) {
	keys := make(map[uint64]string, len(wk.PublicKeys))
	for amount, key := range wk.PublicKeys {
		keys[amount] = hex.EncodeToString(key.SerializeCompressed())
	}

	return json.Marshal(walletKeysetTemp{
		Id:          wk.Id,
		MintURL:     wk.MintURL,
		Unit:        wk.Unit,
		Active:      wk.Active,
		PublicKeys:  keys,
		Counter:     wk.Counter,
		InputFeePpk: wk.InputFeePpk,
	})
}

func (wk *WalletKeyset) UnmarshalJSON(data []byte) error {
	var temp walletKeysetTemp
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	publicKeys, err := MapPubKeys(temp.PublicKeys)
	if err != nil {
		return err
	}

	*wk = WalletKeyset{
		Id:          temp.Id,
		MintURL:     temp.MintURL,
		Unit:        temp.Unit,
		Active:      temp.Active,
		PublicKeys:  publicKeys,
		Counter:     temp.Counter,
		InputFeePpk: temp.InputFeePpk,
	}
	return nil
}

type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

// MintKeyset holds the private keys a mint signs outputs with.
type MintKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPathIdx uint32
	Keys              map[uint64]KeyPair
	InputFeePpk       uint
}

// GenerateKeyset derives a keyset from the master key at
// m/0'/0'/derivationPathIdx'/i' for each amount 2^i.
func GenerateKeyset(master *hdkeychain.ExtendedKey, derivationPathIdx uint32, inputFeePpk uint) (*MintKeyset, error) {
	keysetPath := master
	for _, index := range []uint32{0, 0, derivationPathIdx} {
		var err error
		keysetPath, err = keysetPath.Derive(hdkeychain.HardenedKeyStart + index)
		if err != nil {
			return nil, err
		}
	}

	keys := make(map[uint64]KeyPair, MaxKeysetOrder)
	publicKeys := make(map[uint64]*secp256k1.PublicKey, MaxKeysetOrder)
	for i := 0; i < MaxKeysetOrder; i++ {
		amount := uint64(1) << i
		amountPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + uint32(i))
		if err != nil {
			return nil, err
		}
		privateKey, err := amountPath.ECPrivKey()
		if err != nil {
			return nil, err
		}
		keys[amount] = KeyPair{PrivateKey: privateKey, PublicKey: privateKey.PubKey()}
		publicKeys[amount] = privateKey.PubKey()
	}

	return &MintKeyset{
		Id:                DeriveKeysetId(publicKeys),
		Unit:              "sat",
		Active:            true,
		DerivationPathIdx: derivationPathIdx,
		Keys:              keys,
		InputFeePpk:       inputFeePpk,
	}, nil
}

// PublicKeys returns the keys of the keyset as served by the mint.
func (ks *MintKeyset) PublicKeys() nut01.KeysMap {
	pubkeys := make(nut01.KeysMap, len(ks.Keys))
	for amount, key := range ks.Keys {
		pubkeys[amount] = hex.EncodeToString(key.PublicKey.SerializeCompressed())
	}
	return pubkeys
}

// KeysetsMap maps a mint url to its keysets by id
type KeysetsMap map[string]map[string]WalletKeyset

// Package nut13 derives deterministic secrets and blinding factors
// from a wallet seed as defined in [NUT-13]
//
// [NUT-13]: https://github.com/cashubtc/nuts/blob/main/13.md
package nut13

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const purpose = 129372

var ErrInvalidKeysetId = errors.New("invalid keyset id")

// KeysetIdInt maps a keyset id to the child index used in its derivation path.
func KeysetIdInt(keysetId string) (uint32, error) {
	keysetBytes, err := hex.DecodeString(keysetId)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidKeysetId, err)
	}
	if len(keysetBytes) != 8 {
		return 0, fmt.Errorf("%w: expected 8 bytes but got %v", ErrInvalidKeysetId, len(keysetBytes))
	}

	return uint32(binary.BigEndian.Uint64(keysetBytes) % (1<<31 - 1)), nil
}

// DeriveKeysetPath returns the key at m/129372'/0'/keyset_k_int'
func DeriveKeysetPath(master *hdkeychain.ExtendedKey, keysetId string) (*hdkeychain.ExtendedKey, error) {
	keysetIdInt, err := KeysetIdInt(keysetId)
	if err != nil {
		return nil, err
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + purpose,
		hdkeychain.HardenedKeyStart + 0,
		hdkeychain.HardenedKeyStart + keysetIdInt,
	}

	key := master
	for _, index := range path {
		key, err = key.Derive(index)
		if err != nil {
			return nil, err
		}
	}
	return key, nil
}

// DeriveSecretAndBlindingFactor returns the secret at .../counter'/0
// and the blinding factor at .../counter'/1
func DeriveSecretAndBlindingFactor(
	keysetPath *hdkeychain.ExtendedKey,
	counter uint32,
) (string, *secp256k1.PrivateKey, error) {
	counterPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + counter)
	if err != nil {
		return "", nil, err
	}

	secretKey, err := childKey(counterPath, 0)
	if err != nil {
		return "", nil, err
	}
	r, err := childKey(counterPath, 1)
	if err != nil {
		return "", nil, err
	}

	return hex.EncodeToString(secretKey.Serialize()), r, nil
}

func DeriveSecret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, error) {
	secret, _, err := DeriveSecretAndBlindingFactor(keysetPath, counter)
	return secret, err
}

func DeriveBlindingFactor(keysetPath *hdkeychain.ExtendedKey, counter uint32) (*secp256k1.PrivateKey, error) {
	_, r, err := DeriveSecretAndBlindingFactor(keysetPath, counter)
	return r, err
}

func childKey(parent *hdkeychain.ExtendedKey, index uint32) (*secp256k1.PrivateKey, error) {
	child, err := parent.Derive(index)
	if err != nil {
		return nil, err
	}
	return child.ECPrivKey()
}

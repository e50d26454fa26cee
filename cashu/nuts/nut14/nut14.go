// Package nut14 implements Hashed Timelock Contracts as defined in [NUT-14]
//
// [NUT-14]: https://github.com/cashubtc/nuts/blob/main/14.md
package nut14

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut10"
	"github.com/elnosh/nutcore/cashu/nuts/nut11"
)

var (
	ErrInvalidHash     = fmt.Errorf("%w: invalid hash", nut10.ErrMalformedCondition)
	ErrInvalidPreimage = fmt.Errorf("%w: invalid preimage", nut10.ErrConditionUnsatisfied)
)

type HTLCWitness struct {
	Preimage   string   `json:"preimage"`
	Signatures []string `json:"signatures,omitempty"`
}

// HTLCSecret returns a secret locked to the preimage of hash.
// Tags follow the same rules as P2PK.
func HTLCSecret(hash string, tags nut11.P2PKTags) (string, error) {
	if _, err := decodeHash(hash); err != nil {
		return "", err
	}

	return nut10.NewSecretFromSpendingCondition(nut10.SpendingCondition{
		Kind: nut10.HTLC,
		Data: hash,
		Tags: nut11.SerializeP2PKTags(tags),
	})
}

func decodeHash(hash string) ([]byte, error) {
	hashBytes, err := hex.DecodeString(hash)
	if err != nil || len(hashBytes) != sha256.Size {
		return nil, ErrInvalidHash
	}
	return hashBytes, nil
}

// AddWitnessHTLC sets the preimage on each proof and, if signing keys
// are passed, the signatures from the ones allowed to sign it.
func AddWitnessHTLC(
	proofs cashu.Proofs,
	preimage string,
	signingKeys []*btcec.PrivateKey,
) (cashu.Proofs, error) {
	for i, proof := range proofs {
		secret, err := nut10.DeserializeSecret(proof.Secret)
		if err != nil {
			return nil, err
		}
		if secret.Kind != nut10.HTLC {
			return nil, fmt.Errorf("%w: secret is not HTLC", nut10.ErrMalformedCondition)
		}

		htlcWitness := HTLCWitness{Preimage: preimage}
		if len(signingKeys) > 0 {
			htlcWitness.Signatures, err = nut11.SignSecret(proof.Secret, secret, signingKeys)
			if err != nil {
				return nil, err
			}
		}

		witness, err := json.Marshal(htlcWitness)
		if err != nil {
			return nil, err
		}
		proof.Witness = string(witness)
		proofs[i] = proof
	}

	return proofs, nil
}

// VerifyHTLC checks the witness of an HTLC locked proof against
// the hash lock, the signing keys and the locktime at now.
func VerifyHTLC(proof cashu.Proof, now time.Time) error {
	secret, err := nut10.DeserializeSecret(proof.Secret)
	if err != nil {
		return err
	}
	if secret.Kind != nut10.HTLC {
		return fmt.Errorf("%w: secret is not HTLC", nut10.ErrMalformedCondition)
	}

	hashLock, err := decodeHash(secret.Data)
	if err != nil {
		return err
	}
	tags, err := nut11.ParseP2PKTags(secret.Tags)
	if err != nil {
		return err
	}

	var witness HTLCWitness
	if len(proof.Witness) > 0 {
		if err := json.Unmarshal([]byte(proof.Witness), &witness); err != nil {
			return nut11.ErrInvalidWitness
		}
	}
	hash := sha256.Sum256([]byte(proof.Secret))

	if validPreimage(witness.Preimage, hashLock) {
		if len(tags.Pubkeys) == 0 {
			return nil
		}
		return nut11.VerifySignatures(hash[:], witness.Signatures, tags, tags.Pubkeys, now)
	}

	// without the preimage only the refund path is left
	if tags.Locktime > 0 && now.Unix() > tags.Locktime {
		if len(tags.Refund) == 0 {
			return nil
		}
		if nut11.HasValidSignatures(hash[:], witness.Signatures, 1, tags.Refund) {
			return nil
		}
	}
	return ErrInvalidPreimage
}

func validPreimage(preimage string, hashLock []byte) bool {
	preimageBytes, err := hex.DecodeString(preimage)
	if err != nil || len(preimageBytes) == 0 {
		return false
	}
	hash := sha256.Sum256(preimageBytes)
	return bytes.Equal(hash[:], hashLock)
}

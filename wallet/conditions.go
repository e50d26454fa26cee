package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut10"
	"github.com/elnosh/nutcore/cashu/nuts/nut11"
	"github.com/elnosh/nutcore/cashu/nuts/nut14"
)

// VerifyProofCondition checks the witness of the proof against its
// spending condition at now. Plain secrets always pass.
func VerifyProofCondition(proof cashu.Proof, now time.Time) error {
	switch nut10.SecretType(proof) {
	case nut10.P2PK:
		return nut11.VerifyP2PK(proof, now)
	case nut10.HTLC:
		return nut14.VerifyHTLC(proof, now)
	default:
		return nil
	}
}

// P2PKCondition locks ecash to pubkey.
func P2PKCondition(pubkey string, tags nut11.P2PKTags) (*nut10.SpendingCondition, error) {
	if _, err := nut11.ParsePublicKey(pubkey); err != nil {
		return nil, err
	}
	return &nut10.SpendingCondition{
		Kind: nut10.P2PK,
		Data: pubkey,
		Tags: nut11.SerializeP2PKTags(tags),
	}, nil
}

// HTLCCondition locks ecash to the preimage of the hex encoded sha256 hash.
func HTLCCondition(hash string, tags nut11.P2PKTags) (*nut10.SpendingCondition, error) {
	hashBytes, err := hex.DecodeString(hash)
	if err != nil || len(hashBytes) != sha256.Size {
		return nil, fmt.Errorf("%w: hash lock must be 32 hex encoded bytes", ErrMalformedCondition)
	}
	return &nut10.SpendingCondition{
		Kind: nut10.HTLC,
		Data: hash,
		Tags: nut11.SerializeP2PKTags(tags),
	}, nil
}

// addWitnesses signs the locked proofs with the keys that can sign them
// and sets the preimage on HTLC ones. Proofs that already carry a valid
// witness are left as they are.
func addWitnesses(
	proofs cashu.Proofs,
	preimage string,
	keys []*btcec.PrivateKey,
	now time.Time,
) (cashu.Proofs, error) {
	witnessed := make(cashu.Proofs, len(proofs))
	for i, proof := range proofs {
		kind := nut10.SecretType(proof)
		if kind == nut10.AnyoneCanSpend || (proof.Witness != "" && VerifyProofCondition(proof, now) == nil) {
			witnessed[i] = proof
			continue
		}

		var (
			signed cashu.Proofs
			err    error
		)
		switch kind {
		case nut10.P2PK:
			signed, err = nut11.AddSignatureToInputs(cashu.Proofs{proof}, keys)
		case nut10.HTLC:
			secret, derr := nut10.DeserializeSecret(proof.Secret)
			if derr != nil {
				return nil, derr
			}
			var signers []*btcec.PrivateKey
			for _, key := range keys {
				if nut11.CanSign(secret, key) {
					signers = append(signers, key)
				}
			}
			signed, err = nut14.AddWitnessHTLC(cashu.Proofs{proof}, preimage, signers)
		}
		if err != nil {
			if errors.Is(err, nut11.ErrNoSigningKey) {
				// spendable by anyone once the locktime passed without refund keys
				if VerifyProofCondition(proof, now) == nil {
					witnessed[i] = proof
					continue
				}
				return nil, fmt.Errorf("%w: %v", ErrConditionUnsatisfied, err)
			}
			return nil, err
		}
		witnessed[i] = signed[0]
	}
	return witnessed, nil
}

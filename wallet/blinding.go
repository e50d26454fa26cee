package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut10"
	"github.com/elnosh/nutcore/cashu/nuts/nut13"
	"github.com/elnosh/nutcore/crypto"
)

// outputs holds blinded messages along with the secret
// and blinding factor at the same index.
type outputs struct {
	messages cashu.BlindedMessages
	secrets  []string
	rs       []*secp256k1.PrivateKey
}

func (o *outputs) append(other outputs) {
	o.messages = append(o.messages, other.messages...)
	o.secrets = append(o.secrets, other.secrets...)
	o.rs = append(o.rs, other.rs...)
}

func (o outputs) slice(from, to int) outputs {
	return outputs{messages: o.messages[from:to], secrets: o.secrets[from:to], rs: o.rs[from:to]}
}

// deterministicOutputs derives the outputs for the amounts from the seed
// using counters counterStart, counterStart+1, ... of the keyset.
// The counters must have been reserved already.
func (w *Wallet) deterministicOutputs(keysetId string, counterStart uint32, amounts []uint64) (outputs, error) {
	keysetPath, err := nut13.DeriveKeysetPath(w.masterKey, keysetId)
	if err != nil {
		return outputs{}, err
	}

	out := outputs{
		messages: make(cashu.BlindedMessages, len(amounts)),
		secrets:  make([]string, len(amounts)),
		rs:       make([]*secp256k1.PrivateKey, len(amounts)),
	}
	for i, amount := range amounts {
		secret, r, err := nut13.DeriveSecretAndBlindingFactor(keysetPath, counterStart+uint32(i))
		if err != nil {
			return outputs{}, err
		}
		B_, err := crypto.BlindMessage([]byte(secret), r)
		if err != nil {
			return outputs{}, err
		}

		out.messages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		out.secrets[i] = secret
		out.rs[i] = r
	}
	return out, nil
}

// conditionalOutputs creates outputs locked to the spending condition.
// Each one has its own random nonce and blinding factor so they cannot be
// restored from the seed.
func conditionalOutputs(keysetId string, amounts []uint64, condition nut10.SpendingCondition) (outputs, error) {
	out := outputs{
		messages: make(cashu.BlindedMessages, len(amounts)),
		secrets:  make([]string, len(amounts)),
		rs:       make([]*secp256k1.PrivateKey, len(amounts)),
	}
	for i, amount := range amounts {
		secret, err := nut10.NewSecretFromSpendingCondition(condition)
		if err != nil {
			return outputs{}, err
		}
		B_, r, err := crypto.BlindMessageRandom([]byte(secret))
		if err != nil {
			return outputs{}, err
		}

		out.messages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		out.secrets[i] = secret
		out.rs[i] = r
	}
	return out, nil
}

// constructProofs unblinds the signatures for the outputs at the same index.
// The amount of a signature may differ from the one in its output
// for NUT-08 blank outputs.
func constructProofs(
	signatures cashu.BlindedSignatures,
	out outputs,
	keyset *crypto.WalletKeyset,
) (cashu.Proofs, error) {
	if len(signatures) > len(out.messages) {
		return nil, errors.New("mint returned more signatures than outputs")
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		if signature.Id != keyset.Id {
			return nil, fmt.Errorf("signature from keyset '%v' but expected '%v'", signature.Id, keyset.Id)
		}
		C, err := unblindSignature(signature.C_, out.rs[i], keyset.PublicKeys[signature.Amount])
		if err != nil {
			return nil, err
		}

		proofs[i] = cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: out.secrets[i],
			C:      C,
		}
	}
	return proofs, nil
}

func unblindSignature(C_str string, r *secp256k1.PrivateKey, K *secp256k1.PublicKey) (string, error) {
	if K == nil {
		return "", errors.New("mint signed an amount the keyset has no key for")
	}
	C_bytes, err := hex.DecodeString(C_str)
	if err != nil {
		return "", err
	}
	C_, err := secp256k1.ParsePubKey(C_bytes)
	if err != nil {
		return "", err
	}

	C := crypto.UnblindSignature(C_, r, K)
	return hex.EncodeToString(C.SerializeCompressed()), nil
}

// blankOutputsCount is the number of NUT-08 blank outputs needed
// to get back any change from the fee reserve.
func blankOutputsCount(feeReserve uint64) int {
	if feeReserve == 0 {
		return 0
	}
	count := 0
	for amount := feeReserve; amount > 0; amount >>= 1 {
		count++
	}
	return count
}

package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut09"
	"github.com/elnosh/nutcore/crypto"
	"github.com/elnosh/nutcore/wallet/storage"
	"github.com/google/uuid"
)

// newPendingSwap records the swap of inputs into outputs of amounts.
// conditional holds the outputs with a spending condition, which take the
// first amounts. CounterStart is set once the counters are reserved.
func newPendingSwap(
	mint, keysetId string,
	inputs []storage.DBProof,
	amounts []uint64,
	conditional outputs,
) storage.PendingSwap {
	record := storage.PendingSwap{
		Id:        uuid.NewString(),
		Mint:      mint,
		KeysetId:  keysetId,
		InputYs:   storage.PendingYs(inputs),
		Amounts:   amounts,
		CreatedAt: time.Now().Unix(),
	}
	for i, secret := range conditional.secrets {
		record.Secrets = append(record.Secrets, secret)
		record.Rs = append(record.Rs, hex.EncodeToString(conditional.rs[i].Serialize()))
	}
	return record
}

// pendingSwapOutputs rebuilds the outputs sent in the swap.
func (w *Wallet) pendingSwapOutputs(record storage.PendingSwap) (outputs, error) {
	conditional := len(record.Secrets)
	if len(record.Rs) != conditional || conditional > len(record.Amounts) {
		return outputs{}, fmt.Errorf("pending swap '%v' is malformed", record.Id)
	}

	var out outputs
	for i, secret := range record.Secrets {
		rBytes, err := hex.DecodeString(record.Rs[i])
		if err != nil {
			return outputs{}, fmt.Errorf("pending swap '%v': invalid blinding factor: %v", record.Id, err)
		}
		r := secp256k1.PrivKeyFromBytes(rBytes)
		B_, err := crypto.BlindMessage([]byte(secret), r)
		if err != nil {
			return outputs{}, err
		}
		out.messages = append(out.messages, cashu.NewBlindedMessage(record.KeysetId, record.Amounts[i], B_))
		out.secrets = append(out.secrets, secret)
		out.rs = append(out.rs, r)
	}

	deterministic, err := w.deterministicOutputs(record.KeysetId, record.CounterStart, record.Amounts[conditional:])
	if err != nil {
		return outputs{}, err
	}
	out.append(deterministic)
	return out, nil
}

// signedOutputs asks the mint for the signatures it already gave to any
// of out. It returns the signed outputs and their signatures in the order
// of out.
func (w *Wallet) signedOutputs(ctx context.Context, mint string, out outputs) (outputs, cashu.BlindedSignatures, error) {
	response, err := w.client(mint).PostRestore(ctx, nut09.PostRestoreRequest{Outputs: out.messages})
	if err != nil {
		return outputs{}, nil, err
	}
	if len(response.Outputs) != len(response.Signatures) {
		return outputs{}, nil, errors.New("mint returned restore outputs and signatures of different length")
	}

	byB_ := make(map[string]cashu.BlindedSignature, len(response.Outputs))
	for i, output := range response.Outputs {
		byB_[output.B_] = response.Signatures[i]
	}
	var signed outputs
	var signatures cashu.BlindedSignatures
	for i, message := range out.messages {
		if signature, ok := byB_[message.B_]; ok {
			signed.append(out.slice(i, i+1))
			signatures = append(signatures, signature)
		}
	}
	return signed, signatures, nil
}

// recoverSwap returns the proofs the mint issued for the swap that are
// not in the store yet.
func (w *Wallet) recoverSwap(ctx context.Context, tx storage.Tx, record storage.PendingSwap, keyset *crypto.WalletKeyset) (cashu.Proofs, error) {
	out, err := w.pendingSwapOutputs(record)
	if err != nil {
		return nil, err
	}
	signed, signatures, err := w.signedOutputs(ctx, record.Mint, out)
	if err != nil {
		return nil, err
	}
	if len(signatures) == 0 {
		return nil, nil
	}
	proofs, err := constructProofs(signatures, signed, keyset)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool)
	for _, proof := range tx.GetProofsByKeysetId(keyset.Id) {
		known[proof.Secret] = true
	}
	var recovered cashu.Proofs
	for _, proof := range proofs {
		if !known[proof.Secret] {
			recovered = append(recovered, proof)
		}
	}
	return recovered, nil
}

// deleteStoredCopies removes stored proofs with the same secret as any of
// the inputs. The wallet stores locked proofs it cannot spend directly, and
// they come back as a token when they are received.
func deleteStoredCopies(tx storage.Tx, inputs cashu.Proofs) error {
	stored := make(map[string]bool)
	seen := make(map[string]bool)
	for _, proof := range inputs {
		if seen[proof.Id] {
			continue
		}
		seen[proof.Id] = true
		for _, storedProof := range tx.GetProofsByKeysetId(proof.Id) {
			stored[storedProof.Secret] = true
		}
	}
	for _, proof := range inputs {
		if !stored[proof.Secret] {
			continue
		}
		if err := tx.DeleteProof(proof.Secret); err != nil {
			return err
		}
	}
	return nil
}

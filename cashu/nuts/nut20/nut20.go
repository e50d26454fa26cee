// Package nut20 implements signed mint quotes as defined in [NUT-20]
//
// [NUT-20]: https://github.com/cashubtc/nuts/blob/main/20.md
package nut20

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutcore/cashu"
)

var ErrInvalidSignature = errors.New("invalid mint quote signature")

func mintQuoteMessageHash(quoteId string, blindedMessages cashu.BlindedMessages) [32]byte {
	var msg strings.Builder
	msg.WriteString(quoteId)
	for _, bm := range blindedMessages {
		msg.WriteString(bm.B_)
	}
	return sha256.Sum256([]byte(msg.String()))
}

// SignMintQuote returns the hex encoded signature over the quote id
// and the outputs that will be used to mint it.
func SignMintQuote(
	privateKey *secp256k1.PrivateKey,
	quoteId string,
	blindedMessages cashu.BlindedMessages,
) (string, error) {
	hash := mintQuoteMessageHash(quoteId, blindedMessages)
	sig, err := schnorr.Sign(privateKey, hash[:])
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(sig.Serialize()), nil
}

func VerifyMintQuoteSignature(
	signature string,
	quoteId string,
	blindedMessages cashu.BlindedMessages,
	publicKey *secp256k1.PublicKey,
) error {
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return ErrInvalidSignature
	}

	hash := mintQuoteMessageHash(quoteId, blindedMessages)
	if !sig.Verify(hash[:], publicKey) {
		return ErrInvalidSignature
	}
	return nil
}

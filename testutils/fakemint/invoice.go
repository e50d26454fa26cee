package fakemint

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

type invoice struct {
	paymentRequest string
	preimage       string
	paymentHash    string
}

// CreateInvoice returns a signet bolt11 invoice for the amount in sats.
// Nothing pays it; it only needs to decode.
func CreateInvoice(amount uint64) (string, error) {
	inv, err := newInvoice(amount)
	if err != nil {
		return "", err
	}
	return inv.paymentRequest, nil
}

func newInvoice(amount uint64) (invoice, error) {
	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return invoice{}, err
	}
	paymentHash := sha256.Sum256(random[:])

	inv, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description("nutcore test"),
	)
	if err != nil {
		return invoice{}, err
	}

	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return invoice{}, err
	}
	request, err := inv.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return invoice{}, err
	}

	return invoice{
		paymentRequest: request,
		preimage:       hex.EncodeToString(random[:]),
		paymentHash:    hex.EncodeToString(paymentHash[:]),
	}, nil
}

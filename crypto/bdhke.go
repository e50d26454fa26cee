// Package crypto implements the blind Diffie-Hellman key exchange
// used by Cashu and the keysets a mint signs with.
package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	domainSeparator = []byte("Secp256k1_HashToCurve_Cashu_")

	ErrNoValidPoint = errors.New("no valid point found")
)

// HashToCurve maps a message to a point on the curve.
// Y = PublicKey('02' || sha256(msg_hash || counter))
// where msg_hash is sha256(DOMAIN_SEPARATOR || message)
func HashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	h := sha256.New()
	h.Write(domainSeparator)
	h.Write(message)
	msgHash := h.Sum(nil)

	var counterBytes [4]byte
	// 2^16 attempts is far above what any message needs
	for counter := uint32(0); counter < 1<<16; counter++ {
		binary.LittleEndian.PutUint32(counterBytes[:], counter)
		hash := sha256.Sum256(append(msgHash, counterBytes[:]...))
		point, err := secp256k1.ParsePubKey(append([]byte{0x02}, hash[:]...))
		if err == nil {
			return point, nil
		}
	}
	return nil, ErrNoValidPoint
}

// B_ = Y + rG
func BlindMessage(secret []byte, r *secp256k1.PrivateKey) (*secp256k1.PublicKey, error) {
	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint

	Y, err := HashToCurve(secret)
	if err != nil {
		return nil, err
	}
	Y.AsJacobian(&ypoint)
	r.PubKey().AsJacobian(&rpoint)

	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	blindedMessage.ToAffine()
	return secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y), nil
}

// BlindMessageRandom blinds the secret with a new random blinding factor.
func BlindMessageRandom(secret []byte) (*secp256k1.PublicKey, *secp256k1.PrivateKey, error) {
	r, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, err
	}
	B_, err := BlindMessage(secret, r)
	if err != nil {
		return nil, nil, err
	}
	return B_, r, nil
}

// C_ = kB_
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()
	return secp256k1.NewPublicKey(&result.X, &result.Y)
}

// C = C_ - rK
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey,
	K *secp256k1.PublicKey) *secp256k1.PublicKey {

	var Kpoint, rKPoint, CPoint secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)

	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)

	var C_Point secp256k1.JacobianPoint
	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)
	CPoint.ToAffine()

	return secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
}

// k * HashToCurve(secret) == C
func Verify(secret []byte, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	Y, err := HashToCurve(secret)
	if err != nil {
		return false
	}

	var Ypoint, result secp256k1.JacobianPoint
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&k.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}

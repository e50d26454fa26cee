// Package cashu contains the core structs and logic
// of the Cashu protocol.
package cashu

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

type Unit int

const (
	Sat Unit = iota
	Msat
	Usd
	Eur

	BOLT11_METHOD = "bolt11"
)

func (unit Unit) String() string {
	switch unit {
	case Sat:
		return "sat"
	case Msat:
		return "msat"
	case Usd:
		return "usd"
	case Eur:
		return "eur"
	default:
		return "unknown"
	}
}

var ErrInvalidUnit = errors.New("invalid unit")

func UnitFromString(unit string) (Unit, error) {
	switch unit {
	case "sat":
		return Sat, nil
	case "msat":
		return Msat, nil
	case "usd":
		return Usd, nil
	case "eur":
		return Eur, nil
	}
	return 0, fmt.Errorf("%w: '%v'", ErrInvalidUnit, unit)
}

// Cashu BlindedMessage. See https://github.com/cashubtc/nuts/blob/main/00.md#blindedmessage
type BlindedMessage struct {
	Amount  uint64 `json:"amount"`
	B_      string `json:"B_"`
	Id      string `json:"id"`
	Witness string `json:"witness,omitempty"`
}

func NewBlindedMessage(id string, amount uint64, B_ *secp256k1.PublicKey) BlindedMessage {
	B_str := hex.EncodeToString(B_.SerializeCompressed())
	return BlindedMessage{Amount: amount, B_: B_str, Id: id}
}

type BlindedMessages []BlindedMessage

func (bm BlindedMessages) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, msg := range bm {
		totalAmount += msg.Amount
	}
	return totalAmount
}

// Cashu BlindedSignature. See https://github.com/cashubtc/nuts/blob/main/00.md#blindsignature
type BlindedSignature struct {
	Amount uint64 `json:"amount"`
	C_     string `json:"C_"`
	Id     string `json:"id"`
}

type BlindedSignatures []BlindedSignature

func (bs BlindedSignatures) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, sig := range bs {
		totalAmount += sig.Amount
	}
	return totalAmount
}

// Cashu Proof. See https://github.com/cashubtc/nuts/blob/main/00.md#proof
type Proof struct {
	Amount  uint64 `json:"amount"`
	Id      string `json:"id"`
	Secret  string `json:"secret"`
	C       string `json:"C"`
	Witness string `json:"witness,omitempty"`
}

type Proofs []Proof

// Amount returns the total amount from
// the array of Proof
func (proofs Proofs) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, proof := range proofs {
		totalAmount += proof.Amount
	}
	return totalAmount
}

// AmountChecked is like Amount but fails with ErrInvalidAmount
// if the sum does not fit in an uint64.
func (proofs Proofs) AmountChecked() (uint64, error) {
	var totalAmount uint64 = 0
	for _, proof := range proofs {
		var err error
		totalAmount, err = OverflowAddUint64(totalAmount, proof.Amount)
		if err != nil {
			return 0, err
		}
	}
	return totalAmount, nil
}

func CheckDuplicateProofs(proofs Proofs) bool {
	proofsMap := make(map[string]bool)

	for _, proof := range proofs {
		if proofsMap[proof.Secret] {
			return true
		}
		proofsMap[proof.Secret] = true
	}

	return false
}

func OverflowAddUint64(a, b uint64) (uint64, error) {
	if b > math.MaxUint64-a {
		return 0, fmt.Errorf("%w: amount overflow", ErrInvalidAmount)
	}
	return a + b, nil
}

func UnderflowSubUint64(a, b uint64) (uint64, error) {
	if b > a {
		return 0, fmt.Errorf("%w: amount underflow", ErrInvalidAmount)
	}
	return a - b, nil
}

type CashuErrCode int

// Error represents an error returned by the mint
type Error struct {
	Detail string       `json:"detail"`
	Code   CashuErrCode `json:"code"`
}

func BuildCashuError(detail string, code CashuErrCode) *Error {
	return &Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

// Common error codes
const (
	StandardErrCode CashuErrCode = 10000

	BlindedMessageAlreadySignedErrCode CashuErrCode = 10002
	InvalidProofErrCode                CashuErrCode = 10003

	ProofAlreadyUsedErrCode        CashuErrCode = 11001
	InsufficientProofAmountErrCode CashuErrCode = 11002
	UnitErrCode                    CashuErrCode = 11005
	AmountLimitExceeded            CashuErrCode = 11006
	PaymentMethodErrCode           CashuErrCode = 11007

	UnknownKeysetErrCode  CashuErrCode = 12001
	InactiveKeysetErrCode CashuErrCode = 12002

	MintQuoteRequestNotPaidErrCode CashuErrCode = 20001
	MintQuoteAlreadyIssuedErrCode  CashuErrCode = 20002
	MintingDisabledErrCode         CashuErrCode = 20003
	MeltQuotePendingErrCode        CashuErrCode = 20005
	MeltQuoteAlreadyPaidErrCode    CashuErrCode = 20006
	QuoteExpiredErrCode            CashuErrCode = 20007
	MintQuoteInvalidSigErrCode     CashuErrCode = 20008
	MeltQuoteErrCode               CashuErrCode = 20009
)

var (
	StandardErr                 = Error{Detail: "mint is currently unable to process request", Code: StandardErrCode}
	UnknownKeysetErr            = Error{Detail: "unknown keyset", Code: UnknownKeysetErrCode}
	UnitNotSupportedErr         = Error{Detail: "unit not supported", Code: UnitErrCode}
	InvalidBlindedMessageAmount = Error{Detail: "invalid amount in blinded message", Code: StandardErrCode}
	BlindedMessageAlreadySigned = Error{Detail: "blinded message already signed", Code: BlindedMessageAlreadySignedErrCode}
	MintQuoteRequestNotPaid     = Error{Detail: "quote request has not been paid", Code: MintQuoteRequestNotPaidErrCode}
	MintQuoteAlreadyIssued      = Error{Detail: "quote already issued", Code: MintQuoteAlreadyIssuedErrCode}
	MintQuoteInvalidSigErr      = Error{Detail: "mint quote with pubkey but no valid signature provided", Code: MintQuoteInvalidSigErrCode}
	QuoteExpiredErr             = Error{Detail: "quote expired", Code: QuoteExpiredErrCode}
	OutputsOverQuoteAmountErr   = Error{Detail: "sum of the output amounts is greater than quote amount", Code: StandardErrCode}
	ProofAlreadyUsedErr         = Error{Detail: "proof already used", Code: ProofAlreadyUsedErrCode}
	ProofPendingErr             = Error{Detail: "proof is pending", Code: ProofAlreadyUsedErrCode}
	InvalidProofErr             = Error{Detail: "invalid proof", Code: InvalidProofErrCode}
	NoProofsProvided            = Error{Detail: "no proofs provided", Code: InvalidProofErrCode}
	DuplicateProofs             = Error{Detail: "duplicate proofs", Code: InvalidProofErrCode}
	QuoteNotExistErr            = Error{Detail: "quote does not exist", Code: MeltQuoteErrCode}
	QuotePending                = Error{Detail: "quote is pending", Code: MeltQuotePendingErrCode}
	MeltQuoteAlreadyPaid        = Error{Detail: "quote already paid", Code: MeltQuoteAlreadyPaidErrCode}
	InsufficientProofsAmount    = Error{
		Detail: "amount of input proofs is below amount needed for transaction",
		Code:   InsufficientProofAmountErrCode,
	}
)

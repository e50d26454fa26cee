package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut10"
	"github.com/elnosh/nutcore/wallet/client"
	"github.com/elnosh/nutcore/wallet/storage"
)

var (
	ErrInvalidAmount        = cashu.ErrInvalidAmount
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrUnknownKeyset        = errors.New("unknown keyset")
	ErrMalformedCondition   = nut10.ErrMalformedCondition
	ErrConditionUnsatisfied = nut10.ErrConditionUnsatisfied
	ErrMalformedToken       = cashu.ErrMalformedToken
	ErrUnsupportedVersion   = cashu.ErrUnsupportedVersion
	ErrMintUnavailable      = client.ErrMintUnavailable
	ErrNetworkTimeout       = client.ErrNetworkTimeout
	ErrQuoteExpired         = errors.New("quote expired")
	// ErrAmbiguousSettlement means the request may or may not have been
	// processed by the mint. The proofs involved are kept pending until
	// their state is checked.
	ErrAmbiguousSettlement = errors.New("settlement outcome unknown")

	ErrMintNotExist  = errors.New("mint does not exist")
	ErrQuoteNotFound = storage.ErrQuoteNotFound
	ErrQuoteNotPaid  = errors.New("quote has not been paid")
	ErrPaymentFailed = errors.New("lightning payment failed")
	ErrWalletExists  = errors.New("wallet already exists")
)

// OperationError has the context needed to resume an interrupted operation.
type OperationError struct {
	Op         string
	Mint       string
	QuoteId    string
	ProofCount int
	Err        error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Mint != "" {
		fmt.Fprintf(&b, " mint=%v", e.Mint)
	}
	if e.QuoteId != "" {
		fmt.Fprintf(&b, " quote=%v", e.QuoteId)
	}
	if e.ProofCount > 0 {
		fmt.Fprintf(&b, " proofs=%v", e.ProofCount)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// isDefinitive reports whether the mint rejected the request,
// or the request never reached it.
func isDefinitive(err error) bool {
	var cashuErr cashu.Error
	return errors.As(err, &cashuErr) || errors.Is(err, client.ErrRequestNotSent)
}

func isNetworkError(err error) bool {
	return errors.Is(err, ErrMintUnavailable) || errors.Is(err, ErrNetworkTimeout)
}

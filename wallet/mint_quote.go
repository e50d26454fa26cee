package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut04"
	"github.com/elnosh/nutcore/cashu/nuts/nut17"
	"github.com/elnosh/nutcore/cashu/nuts/nut20"
	"github.com/elnosh/nutcore/crypto"
	"github.com/elnosh/nutcore/wallet/storage"
	"github.com/elnosh/nutcore/wallet/submanager"
	"github.com/sirupsen/logrus"
)

type MintQuoteStatus int

const (
	Requested MintQuoteStatus = iota
	Payable
	Claimed
	Expired
)

func (status MintQuoteStatus) String() string {
	switch status {
	case Requested:
		return "requested"
	case Payable:
		return "payable"
	case Claimed:
		return "claimed"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// MintQuoteStatusOf returns the status of the stored quote at now.
// Only unpaid quotes expire.
func MintQuoteStatusOf(quote storage.MintQuote, now time.Time) MintQuoteStatus {
	switch quote.State {
	case nut04.Issued:
		return Claimed
	case nut04.Paid:
		return Payable
	}
	if quote.QuoteExpiry > 0 && now.Unix() > quote.QuoteExpiry {
		return Expired
	}
	return Requested
}

// PollOptions bound AwaitMintQuote. Zero values use the
// defaults of the exponential backoff.
type PollOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime of zero polls until the quote expires or ctx is done.
	MaxElapsedTime time.Duration
	MaxRetries     uint64
}

func (opts PollOptions) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if opts.InitialInterval > 0 {
		b.InitialInterval = opts.InitialInterval
	}
	if opts.MaxInterval > 0 {
		b.MaxInterval = opts.MaxInterval
	}
	b.MaxElapsedTime = opts.MaxElapsedTime

	var policy backoff.BackOff = b
	if opts.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, opts.MaxRetries)
	}
	return backoff.WithContext(policy, ctx)
}

// RequestMint requests a bolt11 mint quote for amount. If the mint supports
// NUT-20, the quote is locked to a new key that is stored with it.
func (w *Wallet) RequestMint(ctx context.Context, amount uint64, unit cashu.Unit, mint string) (*storage.MintQuote, error) {
	mint, err := w.resolveMint(mint)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: cannot mint zero", ErrInvalidAmount)
	}

	mintInfo, err := w.client(mint).GetMintInfo(ctx)
	if err != nil {
		return nil, &OperationError{Op: "mint quote", Mint: mint, Err: err}
	}
	// keysets are fetched now so the mint is known when claiming
	if _, err := w.activeKeyset(ctx, mint, unit); err != nil {
		return nil, err
	}

	request := nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: unit.String()}
	var quoteKey string
	if mintInfo.Nuts.Nut20.Supported {
		privateKey, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		quoteKey = hex.EncodeToString(privateKey.Serialize())
		request.Pubkey = hex.EncodeToString(privateKey.PubKey().SerializeCompressed())
	}

	response, err := w.client(mint).PostMintQuoteBolt11(ctx, request)
	if err != nil {
		return nil, &OperationError{Op: "mint quote", Mint: mint, Err: err}
	}

	quote := storage.MintQuote{
		QuoteId:        response.Quote,
		Mint:           mint,
		Method:         cashu.BOLT11_METHOD,
		State:          response.State,
		Unit:           unit.String(),
		PaymentRequest: response.Request,
		Amount:         amount,
		CreatedAt:      time.Now().Unix(),
		QuoteExpiry:    response.Expiry,
		PrivateKey:     quoteKey,
	}
	if err := w.db.SaveMintQuote(quote); err != nil {
		return nil, fmt.Errorf("error saving mint quote: %v", err)
	}

	w.logger.WithFields(logrus.Fields{"mint": mint, "quote": quote.QuoteId, "amount": amount}).Info("requested mint quote")
	return &quote, nil
}

func (w *Wallet) storedMintQuote(quoteId string) (*storage.MintQuote, error) {
	quote := w.db.GetMintQuoteById(quoteId)
	if quote == nil {
		return nil, fmt.Errorf("%w: '%v'", ErrQuoteNotFound, quoteId)
	}
	return quote, nil
}

// MintQuoteState refreshes the quote from the mint and returns its status.
func (w *Wallet) MintQuoteState(ctx context.Context, quoteId string) (MintQuoteStatus, error) {
	quote, err := w.storedMintQuote(quoteId)
	if err != nil {
		return Requested, err
	}
	if quote.State == nut04.Issued {
		return Claimed, nil
	}

	response, err := w.client(quote.Mint).GetMintQuoteState(ctx, quoteId)
	if err != nil {
		return MintQuoteStatusOf(*quote, time.Now()), &OperationError{Op: "mint quote state", Mint: quote.Mint, QuoteId: quoteId, Err: err}
	}
	if err := w.updateMintQuoteState(quoteId, response.State); err != nil {
		return Requested, err
	}

	quote.State = response.State
	return MintQuoteStatusOf(*quote, time.Now()), nil
}

// updateMintQuoteState records a state reported by the mint.
// States only move forward, and ISSUED is only stored along with the proofs.
func (w *Wallet) updateMintQuoteState(quoteId string, state nut04.State) error {
	return w.db.Update(func(tx storage.Tx) error {
		quote := tx.GetMintQuoteById(quoteId)
		if quote == nil {
			return fmt.Errorf("%w: '%v'", ErrQuoteNotFound, quoteId)
		}
		if quote.State == state || quote.State == nut04.Issued || state == nut04.Unpaid {
			return nil
		}
		if state == nut04.Issued {
			state = nut04.Paid
		}
		if state == nut04.Paid && quote.SettledAt == 0 {
			quote.SettledAt = time.Now().Unix()
		}
		quote.State = state
		return tx.SaveMintQuote(*quote)
	})
}

// AwaitMintQuote polls the mint until the quote is paid. Network errors are
// retried within opts. If ctx is done polling stops and the quote can be
// awaited again later. An unpaid quote past its expiry returns ErrQuoteExpired.
func (w *Wallet) AwaitMintQuote(ctx context.Context, quoteId string, opts PollOptions) error {
	logger := w.logger.WithField("quote", quoteId)

	poll := func() error {
		status, err := w.MintQuoteState(ctx, quoteId)
		if err != nil {
			if isNetworkError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		switch status {
		case Payable, Claimed:
			return nil
		case Expired:
			return backoff.Permanent(&OperationError{Op: "await mint quote", QuoteId: quoteId, Err: ErrQuoteExpired})
		}
		return ErrQuoteNotPaid
	}
	notify := func(err error, next time.Duration) {
		logger.WithError(err).WithField("next", next).Debug("mint quote not ready")
	}

	return backoff.RetryNotify(poll, opts.backoff(ctx), notify)
}

// WaitForMintQuotePaid waits for the mint to notify over a NUT-17
// subscription that the quote was paid.
func (w *Wallet) WaitForMintQuotePaid(ctx context.Context, quoteId string) error {
	quote, err := w.storedMintQuote(quoteId)
	if err != nil {
		return err
	}
	if quote.State != nut04.Unpaid {
		return nil
	}

	mintInfo, err := w.client(quote.Mint).GetMintInfo(ctx)
	if err != nil {
		return &OperationError{Op: "wait mint quote", Mint: quote.Mint, QuoteId: quoteId, Err: err}
	}
	subManager, err := submanager.NewSubscriptionManager(ctx, quote.Mint, mintInfo)
	if err != nil {
		return err
	}
	defer subManager.Close()
	go func() {
		if err := subManager.Run(); err != nil {
			w.logger.WithError(err).WithField("mint", quote.Mint).Debug("subscription manager stopped")
		}
	}()

	subscription, err := subManager.Subscribe(ctx, nut17.Bolt11MintQuote, []string{quoteId})
	if err != nil {
		return err
	}

	for {
		notification, err := subscription.Read(ctx)
		if err != nil {
			return err
		}
		var state nut04.PostMintQuoteBolt11Response
		if err := json.Unmarshal(notification.Params.Payload, &state); err != nil {
			return fmt.Errorf("invalid mint quote notification: %v", err)
		}

		switch state.State {
		case nut04.Paid, nut04.Issued:
			return w.updateMintQuoteState(quoteId, state.State)
		case nut04.Unpaid:
			if state.Expiry > 0 && time.Now().Unix() > state.Expiry {
				return &OperationError{Op: "wait mint quote", Mint: quote.Mint, QuoteId: quoteId, Err: ErrQuoteExpired}
			}
		}
	}
}

// ClaimMintQuote mints the proofs for a paid quote and returns the amount
// stored. Claiming a quote that was already claimed returns 0.
// The keyset and counters for the outputs are recorded on the quote before
// the request, so a retried claim sends the same outputs. If the mint says
// the quote was already issued, the signatures are restored with them.
func (w *Wallet) ClaimMintQuote(ctx context.Context, quoteId string) (uint64, error) {
	quote, err := w.storedMintQuote(quoteId)
	if err != nil {
		return 0, err
	}
	unit, err := cashu.UnitFromString(quote.Unit)
	if err != nil {
		return 0, err
	}

	unlock := w.lock(quote.Mint, unit)
	defer unlock()

	// another claim may have finished while waiting for the lock
	quote, err = w.storedMintQuote(quoteId)
	if err != nil {
		return 0, err
	}
	if quote.State == nut04.Issued {
		return 0, nil
	}

	opErr := func(err error) error {
		return &OperationError{Op: "claim mint quote", Mint: quote.Mint, QuoteId: quoteId, Err: err}
	}

	if MintQuoteStatusOf(*quote, time.Now()) == Expired {
		return 0, opErr(ErrQuoteExpired)
	}

	amounts := cashu.AmountSplit(quote.Amount)
	keyset, err := w.mintQuoteKeyset(ctx, quote, unit, uint32(len(amounts)))
	if err != nil {
		return 0, opErr(err)
	}
	if quote.OutputCount != uint32(len(amounts)) {
		return 0, opErr(fmt.Errorf("quote has %v outputs recorded but needs %v", quote.OutputCount, len(amounts)))
	}

	out, err := w.deterministicOutputs(keyset.Id, quote.CounterStart, amounts)
	if err != nil {
		return 0, opErr(err)
	}

	request := nut04.PostMintBolt11Request{Quote: quoteId, Outputs: out.messages}
	if len(quote.PrivateKey) > 0 {
		keyBytes, err := hex.DecodeString(quote.PrivateKey)
		if err != nil {
			return 0, opErr(fmt.Errorf("invalid quote key: %v", err))
		}
		request.Signature, err = nut20.SignMintQuote(secp256k1.PrivKeyFromBytes(keyBytes), quoteId, out.messages)
		if err != nil {
			return 0, opErr(err)
		}
	}

	logger := w.logger.WithFields(logrus.Fields{"mint": quote.Mint, "quote": quoteId})
	var signatures cashu.BlindedSignatures
	response, err := w.client(quote.Mint).PostMintBolt11(ctx, request)
	if err != nil {
		var cashuErr cashu.Error
		if !errors.As(err, &cashuErr) {
			return 0, opErr(err)
		}
		switch cashuErr.Code {
		case cashu.MintQuoteRequestNotPaidErrCode:
			return 0, opErr(fmt.Errorf("%w: %w", ErrQuoteNotPaid, err))
		case cashu.QuoteExpiredErrCode:
			return 0, opErr(fmt.Errorf("%w: %w", ErrQuoteExpired, err))
		case cashu.MintQuoteAlreadyIssuedErrCode:
			logger.Info("quote already issued, restoring signatures")
			signatures, err = w.restoreSignatures(ctx, quote.Mint, out)
			if err != nil {
				return 0, opErr(err)
			}
		default:
			return 0, opErr(err)
		}
	} else {
		signatures = response.Signatures
	}

	if len(signatures) != len(out.messages) {
		return 0, opErr(fmt.Errorf("expected %v signatures but got %v", len(out.messages), len(signatures)))
	}
	proofs, err := constructProofs(signatures, out, keyset)
	if err != nil {
		return 0, opErr(err)
	}

	if err := w.db.Update(func(tx storage.Tx) error {
		if err := tx.SaveProofs(proofs); err != nil {
			return err
		}
		quote := tx.GetMintQuoteById(quoteId)
		if quote == nil {
			return fmt.Errorf("%w: '%v'", ErrQuoteNotFound, quoteId)
		}
		quote.State = nut04.Issued
		if quote.SettledAt == 0 {
			quote.SettledAt = time.Now().Unix()
		}
		return tx.SaveMintQuote(*quote)
	}); err != nil {
		return 0, opErr(fmt.Errorf("error saving minted proofs: %w", err))
	}

	amount := proofs.Amount()
	logger.WithField("amount", amount).Info("claimed mint quote")
	return amount, nil
}

// mintQuoteKeyset returns the keyset the outputs of the quote are from.
// The first time, the active keyset is picked and counters are reserved
// for count outputs, recorded on the quote in the same transaction.
func (w *Wallet) mintQuoteKeyset(ctx context.Context, quote *storage.MintQuote, unit cashu.Unit, count uint32) (*crypto.WalletKeyset, error) {
	if len(quote.KeysetId) > 0 {
		keyset, ok := w.mintKeysets(quote.Mint)[quote.KeysetId]
		if !ok {
			return nil, fmt.Errorf("%w: '%v'", ErrUnknownKeyset, quote.KeysetId)
		}
		return &keyset, nil
	}

	keyset, err := w.activeKeyset(ctx, quote.Mint, unit)
	if err != nil {
		return nil, err
	}
	if err := w.db.Update(func(tx storage.Tx) error {
		counter, err := deriveNext(tx, keyset.Id, count)
		if err != nil {
			return err
		}
		quote.KeysetId = keyset.Id
		quote.CounterStart = counter
		quote.OutputCount = count
		return tx.SaveMintQuote(*quote)
	}); err != nil {
		return nil, err
	}
	return keyset, nil
}

// restoreSignatures asks the mint for the signatures it already gave to
// out and returns them in the same order.
func (w *Wallet) restoreSignatures(ctx context.Context, mint string, out outputs) (cashu.BlindedSignatures, error) {
	_, signatures, err := w.signedOutputs(ctx, mint, out)
	if err != nil {
		return nil, err
	}
	if len(signatures) != len(out.messages) {
		return nil, errors.New("quote was issued to different outputs")
	}
	return signatures, nil
}

// AwaitAndClaim waits for the quote to be paid and claims it.
func (w *Wallet) AwaitAndClaim(ctx context.Context, quoteId string, opts PollOptions) (uint64, error) {
	if err := w.AwaitMintQuote(ctx, quoteId, opts); err != nil {
		return 0, err
	}
	return w.ClaimMintQuote(ctx, quoteId)
}

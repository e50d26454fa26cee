package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut05"
	"github.com/elnosh/nutcore/crypto"
	"github.com/elnosh/nutcore/wallet/storage"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/sirupsen/logrus"
)

type MeltResult struct {
	QuoteId  string
	State    nut05.State
	Paid     bool
	Preimage string
	// amount returned from the fee reserve
	Change uint64
}

// invoiceAmount returns the amount of the invoice in unit.
// ok is false if it cannot be expressed in unit.
func invoiceAmount(invoice string, unit cashu.Unit) (amount uint64, ok bool, err error) {
	bolt11, err := decodepay.Decodepay(invoice)
	if err != nil {
		return 0, false, fmt.Errorf("invalid invoice: %v", err)
	}
	if bolt11.MSatoshi <= 0 {
		return 0, false, fmt.Errorf("%w: invoice has no amount", ErrInvalidAmount)
	}

	switch unit {
	case cashu.Sat:
		return (uint64(bolt11.MSatoshi) + 999) / 1000, true, nil
	case cashu.Msat:
		return uint64(bolt11.MSatoshi), true, nil
	}
	return 0, false, nil
}

// RequestMeltQuote requests a quote to pay the bolt11 invoice with
// proofs from the mint in unit.
func (w *Wallet) RequestMeltQuote(ctx context.Context, mint string, unit cashu.Unit, invoice string) (*storage.MeltQuote, error) {
	mint, err := w.trustedMint(mint)
	if err != nil {
		return nil, err
	}

	amount, ok, err := invoiceAmount(invoice, unit)
	if err != nil {
		return nil, err
	}
	if balance := w.Balance(mint, unit); ok && amount > balance {
		return nil, &OperationError{Op: "melt quote", Mint: mint,
			Err: fmt.Errorf("%w: invoice is for %v but balance is %v", ErrInsufficientFunds, amount, balance)}
	}

	response, err := w.client(mint).PostMeltQuoteBolt11(ctx, nut05.PostMeltQuoteBolt11Request{
		Request: invoice,
		Unit:    unit.String(),
	})
	if err != nil {
		return nil, &OperationError{Op: "melt quote", Mint: mint, Err: err}
	}

	quote := storage.MeltQuote{
		QuoteId:        response.Quote,
		Mint:           mint,
		Method:         cashu.BOLT11_METHOD,
		State:          response.State,
		Unit:           unit.String(),
		PaymentRequest: invoice,
		Amount:         response.Amount,
		FeeReserve:     response.FeeReserve,
		CreatedAt:      time.Now().Unix(),
		QuoteExpiry:    response.Expiry,
	}
	if err := w.db.SaveMeltQuote(quote); err != nil {
		return nil, fmt.Errorf("error saving melt quote: %v", err)
	}

	w.logger.WithFields(logrus.Fields{
		"mint":        mint,
		"quote":       quote.QuoteId,
		"amount":      quote.Amount,
		"fee_reserve": quote.FeeReserve,
	}).Info("requested melt quote")
	return &quote, nil
}

func (w *Wallet) storedMeltQuote(quoteId string) (*storage.MeltQuote, error) {
	quote := w.db.GetMeltQuoteById(quoteId)
	if quote == nil {
		return nil, fmt.Errorf("%w: '%v'", ErrQuoteNotFound, quoteId)
	}
	return quote, nil
}

// SettleMeltQuote pays the quote with proofs for its amount, fee reserve and
// input fees. If there is no exact combination, proofs are swapped first.
// The inputs are moved to pending, tied to the quote, before the request.
// If the mint does not confirm the payment they stay pending and
// ErrAmbiguousSettlement is returned; CheckMeltQuoteState resolves them.
func (w *Wallet) SettleMeltQuote(ctx context.Context, quoteId string) (MeltResult, error) {
	quote, err := w.storedMeltQuote(quoteId)
	if err != nil {
		return MeltResult{}, err
	}
	unit, err := cashu.UnitFromString(quote.Unit)
	if err != nil {
		return MeltResult{}, err
	}

	unlock := w.lock(quote.Mint, unit)
	defer unlock()

	quote, err = w.storedMeltQuote(quoteId)
	if err != nil {
		return MeltResult{}, err
	}
	opErr := func(err error) error {
		return &OperationError{Op: "melt", Mint: quote.Mint, QuoteId: quoteId, Err: err}
	}

	switch quote.State {
	case nut05.Paid:
		return MeltResult{QuoteId: quoteId, State: nut05.Paid, Paid: true, Preimage: quote.Preimage}, nil
	case nut05.Pending:
		return MeltResult{QuoteId: quoteId, State: nut05.Pending}, opErr(fmt.Errorf("%w: quote is pending", ErrAmbiguousSettlement))
	}
	if len(w.db.GetPendingProofsByQuoteId(quoteId)) > 0 {
		return MeltResult{QuoteId: quoteId}, opErr(fmt.Errorf("%w: quote has pending proofs", ErrAmbiguousSettlement))
	}
	if quote.QuoteExpiry > 0 && time.Now().Unix() > quote.QuoteExpiry {
		return MeltResult{QuoteId: quoteId}, opErr(ErrQuoteExpired)
	}

	needed, err := cashu.OverflowAddUint64(quote.Amount, quote.FeeReserve)
	if err != nil {
		return MeltResult{}, opErr(err)
	}
	available := w.availableProofs(w.db, quote.Mint, unit)
	if balance := available.Amount(); balance < needed {
		return MeltResult{}, opErr(fmt.Errorf("%w: have %v but need %v", ErrInsufficientFunds, balance, needed))
	}

	keyset, err := w.activeKeyset(ctx, quote.Mint, unit)
	if err != nil {
		return MeltResult{}, opErr(err)
	}
	inputs, err := w.meltInputs(ctx, quote.Mint, keyset, available, needed)
	if err != nil {
		return MeltResult{}, err
	}
	keysets := w.mintKeysets(quote.Mint)
	inputsAmount := inputs.Amount()
	fees := feesForProofs(inputs, keysets)

	overpaid, err := cashu.UnderflowSubUint64(inputsAmount, quote.Amount+fees)
	if err != nil {
		return MeltResult{}, opErr(fmt.Errorf("%w: inputs do not cover the quote", ErrInsufficientFunds))
	}
	blankCount := blankOutputsCount(overpaid)
	pendingProofs, err := storage.ToDBProofs(inputs, quote.Mint, quoteId)
	if err != nil {
		return MeltResult{}, opErr(err)
	}
	if err := w.db.Update(func(tx storage.Tx) error {
		q := tx.GetMeltQuoteById(quoteId)
		if q == nil {
			return fmt.Errorf("%w: '%v'", ErrQuoteNotFound, quoteId)
		}
		var counter uint32
		if blankCount > 0 {
			var err error
			counter, err = deriveNext(tx, keyset.Id, uint32(blankCount))
			if err != nil {
				return err
			}
		}
		q.KeysetId = keyset.Id
		q.CounterStart = counter
		q.OutputCount = uint32(blankCount)
		if err := tx.SaveMeltQuote(*q); err != nil {
			return err
		}
		*quote = *q
		for _, proof := range inputs {
			if err := tx.DeleteProof(proof.Secret); err != nil {
				return err
			}
		}
		return tx.AddPendingProofs(pendingProofs)
	}); err != nil {
		return MeltResult{}, opErr(err)
	}

	blankOutputs, err := w.meltChangeOutputs(quote)
	if err != nil {
		if rerr := w.reinstateMeltInputs(quoteId); rerr != nil {
			return MeltResult{}, opErr(fmt.Errorf("%v: could not reinstate inputs: %v", err, rerr))
		}
		return MeltResult{}, opErr(err)
	}

	logger := w.logger.WithFields(logrus.Fields{"mint": quote.Mint, "quote": quoteId, "proofs": len(inputs)})
	response, err := w.client(quote.Mint).PostMeltBolt11(ctx, nut05.PostMeltBolt11Request{
		Quote:   quoteId,
		Inputs:  inputs,
		Outputs: blankOutputs.messages,
	})
	if err != nil {
		if isDefinitive(err) {
			logger.WithError(err).Info("melt rejected, reinstating inputs")
			if rerr := w.reinstateMeltInputs(quoteId); rerr != nil {
				return MeltResult{}, opErr(fmt.Errorf("%w: could not reinstate inputs: %v", err, rerr))
			}
			return MeltResult{QuoteId: quoteId}, opErr(err)
		}
		logger.WithError(err).Warn("melt outcome unknown, inputs kept pending")
		if serr := w.setMeltQuoteState(quoteId, nut05.Pending); serr != nil {
			logger.WithError(serr).Error("could not save melt quote state")
		}
		return MeltResult{QuoteId: quoteId}, opErr(fmt.Errorf("%w: %w", ErrAmbiguousSettlement, err))
	}

	return w.applyMeltState(quote, response, logger)
}

// meltInputs returns stored proofs for needed plus their input fees. If no
// exact combination exists, proofs are swapped for one first.
func (w *Wallet) meltInputs(
	ctx context.Context,
	mint string,
	keyset *crypto.WalletKeyset,
	available cashu.Proofs,
	needed uint64,
) (cashu.Proofs, error) {
	keysets := w.mintKeysets(mint)
	sel, err := selectProofs(available, needed, keysets, true)
	if err != nil {
		return nil, &OperationError{Op: "melt", Mint: mint, Err: err}
	}
	if sel.exact {
		return sel.proofs, nil
	}

	target, err := amountWithInputFees(needed, keyset, cashu.SplitPolicy{})
	if err != nil {
		return nil, &OperationError{Op: "melt", Mint: mint, Err: err}
	}
	sel, err = selectProofs(available, target, keysets, true)
	if err != nil {
		return nil, &OperationError{Op: "melt", Mint: mint, Err: err}
	}
	return w.swap(ctx, mint, keyset, sel.proofs, target, swapOptions{fromStore: true, keepSend: true})
}

// meltChangeOutputs rebuilds the blank outputs recorded on the quote.
func (w *Wallet) meltChangeOutputs(quote *storage.MeltQuote) (outputs, error) {
	if quote.OutputCount == 0 {
		return outputs{}, nil
	}
	amounts := make([]uint64, quote.OutputCount)
	for i := range amounts {
		amounts[i] = 1
	}
	return w.deterministicOutputs(quote.KeysetId, quote.CounterStart, amounts)
}

// applyMeltState acts on the state of the quote reported by the mint:
// paid finalizes it, unpaid reinstates the inputs and pending leaves them.
func (w *Wallet) applyMeltState(
	quote *storage.MeltQuote,
	response *nut05.PostMeltQuoteBolt11Response,
	logger *logrus.Entry,
) (MeltResult, error) {
	quoteId := quote.QuoteId
	result := MeltResult{QuoteId: quoteId, State: response.State}
	opErr := func(err error) error {
		return &OperationError{Op: "melt", Mint: quote.Mint, QuoteId: quoteId, Err: err}
	}

	switch response.State {
	case nut05.Paid:
		change, err := w.finalizeMelt(quoteId, response)
		if err != nil {
			return result, opErr(err)
		}
		result.Paid = true
		result.Preimage = response.Preimage
		result.Change = change
		logger.WithField("change", change).Info("melt quote paid")
		return result, nil
	case nut05.Unpaid:
		if err := w.reinstateMeltInputs(quoteId); err != nil {
			return result, opErr(err)
		}
		logger.Info("melt quote unpaid, inputs reinstated")
		return result, opErr(ErrPaymentFailed)
	default:
		if err := w.setMeltQuoteState(quoteId, nut05.Pending); err != nil {
			return result, opErr(err)
		}
		logger.Warn("melt quote pending, inputs kept pending")
		return result, opErr(fmt.Errorf("%w: payment is pending", ErrAmbiguousSettlement))
	}
}

// finalizeMelt deletes the pending inputs of the paid quote, stores the
// change and marks the quote paid, all in one transaction.
func (w *Wallet) finalizeMelt(quoteId string, response *nut05.PostMeltQuoteBolt11Response) (uint64, error) {
	quote, err := w.storedMeltQuote(quoteId)
	if err != nil {
		return 0, err
	}

	var change cashu.Proofs
	if len(response.Change) > 0 && quote.OutputCount > 0 {
		keyset, ok := w.mintKeysets(quote.Mint)[quote.KeysetId]
		if !ok {
			return 0, fmt.Errorf("%w: '%v'", ErrUnknownKeyset, quote.KeysetId)
		}
		blankOutputs, err := w.meltChangeOutputs(quote)
		if err != nil {
			return 0, err
		}
		change, err = constructProofs(response.Change, blankOutputs, &keyset)
		if err != nil {
			return 0, fmt.Errorf("invalid change from mint: %v", err)
		}
	}

	if err := w.db.Update(func(tx storage.Tx) error {
		if err := tx.DeletePendingProofsByQuoteId(quoteId); err != nil {
			return err
		}
		if len(change) > 0 {
			if err := tx.SaveProofs(change); err != nil {
				return err
			}
		}
		q := tx.GetMeltQuoteById(quoteId)
		if q == nil {
			return fmt.Errorf("%w: '%v'", ErrQuoteNotFound, quoteId)
		}
		q.State = nut05.Paid
		q.Preimage = response.Preimage
		q.SettledAt = time.Now().Unix()
		return tx.SaveMeltQuote(*q)
	}); err != nil {
		return 0, err
	}
	return change.Amount(), nil
}

func (w *Wallet) reinstateMeltInputs(quoteId string) error {
	return w.db.Update(func(tx storage.Tx) error {
		pending := tx.GetPendingProofsByQuoteId(quoteId)
		if err := tx.DeletePendingProofsByQuoteId(quoteId); err != nil {
			return err
		}
		if len(pending) > 0 {
			if err := tx.SaveProofs(storage.PendingToProofs(pending)); err != nil {
				return err
			}
		}
		q := tx.GetMeltQuoteById(quoteId)
		if q == nil {
			return fmt.Errorf("%w: '%v'", ErrQuoteNotFound, quoteId)
		}
		q.State = nut05.Unpaid
		return tx.SaveMeltQuote(*q)
	})
}

func (w *Wallet) setMeltQuoteState(quoteId string, state nut05.State) error {
	return w.db.Update(func(tx storage.Tx) error {
		q := tx.GetMeltQuoteById(quoteId)
		if q == nil {
			return fmt.Errorf("%w: '%v'", ErrQuoteNotFound, quoteId)
		}
		q.State = state
		return tx.SaveMeltQuote(*q)
	})
}

// Melt pays the bolt11 invoice with proofs from the mint in unit.
func (w *Wallet) Melt(ctx context.Context, mint string, unit cashu.Unit, invoice string) (MeltResult, error) {
	quote, err := w.RequestMeltQuote(ctx, mint, unit, invoice)
	if err != nil {
		return MeltResult{}, err
	}
	return w.SettleMeltQuote(ctx, quote.QuoteId)
}

// CheckMeltQuoteState asks the mint for the state of the quote and resolves
// the proofs pending on it: paid deletes them and stores any change,
// unpaid reinstates them and pending leaves them as they are.
func (w *Wallet) CheckMeltQuoteState(ctx context.Context, quoteId string) (MeltResult, error) {
	quote, err := w.storedMeltQuote(quoteId)
	if err != nil {
		return MeltResult{}, err
	}
	unit, err := cashu.UnitFromString(quote.Unit)
	if err != nil {
		return MeltResult{}, err
	}
	if quote.State == nut05.Paid {
		return MeltResult{QuoteId: quoteId, State: nut05.Paid, Paid: true, Preimage: quote.Preimage}, nil
	}

	unlock := w.lock(quote.Mint, unit)
	defer unlock()

	response, err := w.client(quote.Mint).GetMeltQuoteState(ctx, quoteId)
	if err != nil {
		return MeltResult{QuoteId: quoteId, State: quote.State}, &OperationError{Op: "melt quote state", Mint: quote.Mint, QuoteId: quoteId, Err: err}
	}

	logger := w.logger.WithFields(logrus.Fields{"mint": quote.Mint, "quote": quoteId})
	if response.State == nut05.Unpaid && len(w.db.GetPendingProofsByQuoteId(quoteId)) == 0 {
		// nothing was sent for the quote yet
		return MeltResult{QuoteId: quoteId, State: nut05.Unpaid}, nil
	}
	result, err := w.applyMeltState(quote, response, logger)
	// unpaid and pending are states here, not failures
	if response.State != nut05.Paid {
		return result, nil
	}
	return result, err
}

package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut05"
	"github.com/elnosh/nutcore/testutils/fakemint"
)

func createInvoice(t *testing.T, amount uint64) string {
	t.Helper()
	invoice, err := fakemint.CreateInvoice(amount)
	if err != nil {
		t.Fatalf("error creating invoice: %v", err)
	}
	return invoice
}

func expectPending(t *testing.T, wallet *Wallet, mint *fakemint.Mint, expected uint64) {
	t.Helper()
	if pending := wallet.PendingBalance(mint.URL()); pending != expected {
		t.Fatalf("expected pending balance of '%v' but got '%v' instead", expected, pending)
	}
}

func TestMelt(t *testing.T) {
	ctx := context.Background()
	mint := newTestMint(t, fakemint.Options{FeeReserve: 10, LightningFee: 2})
	wallet := newTestWallet(t, mint.URL())
	fund(t, ctx, wallet, mint, 1000)

	quote, err := wallet.RequestMeltQuote(ctx, "", cashu.Sat, createInvoice(t, 100))
	if err != nil {
		t.Fatalf("unexpected error requesting melt quote: %v", err)
	}
	if quote.Amount != 100 || quote.FeeReserve != 10 {
		t.Fatalf("expected quote for 100 with 10 fee reserve but got %+v", quote)
	}

	result, err := wallet.SettleMeltQuote(ctx, quote.QuoteId)
	if err != nil {
		t.Fatalf("unexpected error paying quote: %v", err)
	}
	if !result.Paid || result.State != nut05.Paid || len(result.Preimage) == 0 {
		t.Fatalf("expected paid result but got %+v", result)
	}
	// 110 reserved, 2 paid in fees
	if result.Change != 8 {
		t.Fatalf("expected change of '%v' but got '%v'", 8, result.Change)
	}
	expectBalance(t, wallet, mint, 898)
	expectPending(t, wallet, mint, 0)

	stored := wallet.db.GetMeltQuoteById(quote.QuoteId)
	if stored.State != nut05.Paid || stored.SettledAt == 0 || stored.Preimage != result.Preimage {
		t.Fatalf("expected stored quote to be paid but got %+v", stored)
	}

	// paying again returns the stored result without a request
	melts := mint.Calls(fakemint.MeltRoute)
	result, err = wallet.SettleMeltQuote(ctx, quote.QuoteId)
	if err != nil || !result.Paid {
		t.Fatalf("expected paid result but got %+v: %v", result, err)
	}
	if mint.Calls(fakemint.MeltRoute) != melts {
		t.Fatal("expected no melt request for a paid quote")
	}
	expectBalance(t, wallet, mint, 898)

	// change proofs are spendable
	if _, err := wallet.Send(ctx, "", cashu.Sat, 898, SendOptions{}); err != nil {
		t.Fatalf("unexpected error sending whole balance: %v", err)
	}
}

func TestMeltInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	mint := newTestMint(t, fakemint.Options{FeeReserve: 10})
	wallet := newTestWallet(t, mint.URL())
	fund(t, ctx, wallet, mint, 100)

	// invoice alone is over the balance
	_, err := wallet.Melt(ctx, "", cashu.Sat, createInvoice(t, 200))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrInsufficientFunds, err)
	}
	if calls := mint.Calls(fakemint.MeltQuoteRoute); calls != 0 {
		t.Fatalf("expected no melt quote request but got '%v'", calls)
	}

	// invoice fits but not with the fee reserve
	_, err = wallet.Melt(ctx, "", cashu.Sat, createInvoice(t, 95))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrInsufficientFunds, err)
	}
	if calls := mint.Calls(fakemint.MeltRoute); calls != 0 {
		t.Fatalf("expected no melt request but got '%v'", calls)
	}
	expectBalance(t, wallet, mint, 100)
}

func TestMeltRejected(t *testing.T) {
	ctx := context.Background()
	mint := newTestMint(t, fakemint.Options{FeeReserve: 10})
	wallet := newTestWallet(t, mint.URL())
	fund(t, ctx, wallet, mint, 1000)

	quote, err := wallet.RequestMeltQuote(ctx, "", cashu.Sat, createInvoice(t, 100))
	if err != nil {
		t.Fatal(err)
	}
	mint.FailNext(fakemint.MeltRoute, cashu.Error{Detail: "could not pay invoice", Code: cashu.MeltQuoteErrCode})

	_, err = wallet.SettleMeltQuote(ctx, quote.QuoteId)
	var cashuErr cashu.Error
	if !errors.As(err, &cashuErr) || cashuErr.Code != cashu.MeltQuoteErrCode {
		t.Fatalf("expected mint error but got '%v'", err)
	}
	expectBalance(t, wallet, mint, 1000)
	expectPending(t, wallet, mint, 0)

	// the quote can still be paid
	result, err := wallet.SettleMeltQuote(ctx, quote.QuoteId)
	if err != nil {
		t.Fatalf("unexpected error paying quote: %v", err)
	}
	if !result.Paid || result.Change != 10 {
		t.Fatalf("expected paid result with change of 10 but got %+v", result)
	}
	expectBalance(t, wallet, mint, 900)
}

func TestMeltPending(t *testing.T) {
	ctx := context.Background()
	mint := newTestMint(t, fakemint.Options{FeeReserve: 10, LightningFee: 2})
	wallet := newTestWallet(t, mint.URL())
	fund(t, ctx, wallet, mint, 1000)

	mint.SetMeltPending(true)
	result, err := wallet.Melt(ctx, "", cashu.Sat, createInvoice(t, 100))
	if !errors.Is(err, ErrAmbiguousSettlement) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrAmbiguousSettlement, err)
	}
	if result.State != nut05.Pending {
		t.Fatalf("expected pending state but got '%v'", result.State)
	}
	quoteId := result.QuoteId
	expectBalance(t, wallet, mint, 890)
	expectPending(t, wallet, mint, 110)

	// still pending at the mint
	result, err = wallet.CheckMeltQuoteState(ctx, quoteId)
	if err != nil {
		t.Fatalf("unexpected error checking quote: %v", err)
	}
	if result.State != nut05.Pending {
		t.Fatalf("expected pending state but got '%v'", result.State)
	}
	expectPending(t, wallet, mint, 110)

	// a pending quote is not paid twice
	melts := mint.Calls(fakemint.MeltRoute)
	if _, err := wallet.SettleMeltQuote(ctx, quoteId); !errors.Is(err, ErrAmbiguousSettlement) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrAmbiguousSettlement, err)
	}
	if mint.Calls(fakemint.MeltRoute) != melts {
		t.Fatal("expected no melt request for a pending quote")
	}

	if err := mint.ResolveMelt(quoteId, true); err != nil {
		t.Fatal(err)
	}
	result, err = wallet.CheckMeltQuoteState(ctx, quoteId)
	if err != nil {
		t.Fatalf("unexpected error checking quote: %v", err)
	}
	if !result.Paid || result.Change != 8 {
		t.Fatalf("expected paid result with change of 8 but got %+v", result)
	}
	expectBalance(t, wallet, mint, 898)
	expectPending(t, wallet, mint, 0)
}

func TestMeltPendingFails(t *testing.T) {
	ctx := context.Background()
	mint := newTestMint(t, fakemint.Options{FeeReserve: 10})
	wallet := newTestWallet(t, mint.URL())
	fund(t, ctx, wallet, mint, 1000)

	mint.SetMeltPending(true)
	result, err := wallet.Melt(ctx, "", cashu.Sat, createInvoice(t, 100))
	if !errors.Is(err, ErrAmbiguousSettlement) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrAmbiguousSettlement, err)
	}
	quoteId := result.QuoteId

	if err := mint.ResolveMelt(quoteId, false); err != nil {
		t.Fatal(err)
	}
	result, err = wallet.CheckMeltQuoteState(ctx, quoteId)
	if err != nil {
		t.Fatalf("unexpected error checking quote: %v", err)
	}
	if result.Paid || result.State != nut05.Unpaid {
		t.Fatalf("expected unpaid result but got %+v", result)
	}
	expectBalance(t, wallet, mint, 1000)
	expectPending(t, wallet, mint, 0)

	// the reinstated proofs pay the quote on retry
	mint.SetMeltPending(false)
	result, err = wallet.SettleMeltQuote(ctx, quoteId)
	if err != nil {
		t.Fatalf("unexpected error paying quote: %v", err)
	}
	if !result.Paid {
		t.Fatalf("expected paid result but got %+v", result)
	}
	expectBalance(t, wallet, mint, 900)
}

func TestMeltResponseDropped(t *testing.T) {
	ctx := context.Background()
	mint := newTestMint(t, fakemint.Options{FeeReserve: 10, LightningFee: 2})
	wallet := newTestWallet(t, mint.URL())
	fund(t, ctx, wallet, mint, 1000)

	mint.DropNextResponse(fakemint.MeltRoute)
	result, err := wallet.Melt(ctx, "", cashu.Sat, createInvoice(t, 100))
	if !errors.Is(err, ErrAmbiguousSettlement) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrAmbiguousSettlement, err)
	}
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.QuoteId != result.QuoteId {
		t.Fatalf("expected operation error with the quote but got '%v'", err)
	}
	expectPending(t, wallet, mint, 110)
	if stored := wallet.db.GetMeltQuoteById(result.QuoteId); stored.State != nut05.Pending {
		t.Fatalf("expected stored quote to be pending but got '%v'", stored.State)
	}

	// the mint paid the invoice, so checking pending proofs settles the quote
	if _, err := wallet.CheckPendingProofs(ctx, mint.URL()); err != nil {
		t.Fatalf("unexpected error checking pending proofs: %v", err)
	}
	expectPending(t, wallet, mint, 0)
	expectBalance(t, wallet, mint, 898)
	if stored := wallet.db.GetMeltQuoteById(result.QuoteId); stored.State != nut05.Paid {
		t.Fatalf("expected stored quote to be paid but got '%v'", stored.State)
	}
}

func TestInvoiceAmount(t *testing.T) {
	invoice := createInvoice(t, 21)

	amount, ok, err := invoiceAmount(invoice, cashu.Sat)
	if err != nil || !ok || amount != 21 {
		t.Fatalf("expected 21 sat but got %v %v %v", amount, ok, err)
	}
	amount, ok, err = invoiceAmount(invoice, cashu.Msat)
	if err != nil || !ok || amount != 21000 {
		t.Fatalf("expected 21000 msat but got %v %v %v", amount, ok, err)
	}
	if _, ok, _ := invoiceAmount(invoice, cashu.Usd); ok {
		t.Fatal("expected no amount for fiat unit")
	}
	if _, _, err := invoiceAmount("lnbc1invalid", cashu.Sat); err == nil {
		t.Fatal("expected error for invalid invoice")
	}
}

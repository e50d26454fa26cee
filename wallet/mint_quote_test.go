package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut04"
	"github.com/elnosh/nutcore/testutils/fakemint"
	"github.com/elnosh/nutcore/wallet/storage"
)

func TestMintQuoteStatusOf(t *testing.T) {
	now := time.Now()
	past, future := now.Add(-time.Minute).Unix(), now.Add(time.Minute).Unix()

	tests := []struct {
		quote    storage.MintQuote
		expected MintQuoteStatus
	}{
		{storage.MintQuote{State: nut04.Unpaid, QuoteExpiry: future}, Requested},
		{storage.MintQuote{State: nut04.Unpaid}, Requested},
		{storage.MintQuote{State: nut04.Unpaid, QuoteExpiry: past}, Expired},
		{storage.MintQuote{State: nut04.Paid, QuoteExpiry: past}, Payable},
		{storage.MintQuote{State: nut04.Issued, QuoteExpiry: past}, Claimed},
	}

	for _, test := range tests {
		if status := MintQuoteStatusOf(test.quote, now); status != test.expected {
			t.Errorf("expected '%v' but got '%v' instead", test.expected, status)
		}
	}
}

func TestMintQuoteLifecycle(t *testing.T) {
	ctx := context.Background()
	mint := newTestMint(t, fakemint.Options{})
	wallet := newTestWallet(t, mint.URL())

	quote, err := wallet.RequestMint(ctx, 21, cashu.Sat, "")
	if err != nil {
		t.Fatalf("unexpected error requesting mint: %v", err)
	}
	if quote.Method != cashu.BOLT11_METHOD || len(quote.PaymentRequest) == 0 {
		t.Fatalf("unexpected quote %+v", quote)
	}
	if len(quote.PrivateKey) == 0 {
		t.Fatal("expected quote to be locked to a key")
	}

	status, err := wallet.MintQuoteState(ctx, quote.QuoteId)
	if err != nil {
		t.Fatal(err)
	}
	if status != Requested {
		t.Fatalf("expected '%v' but got '%v' instead", Requested, status)
	}

	// claiming before payment fails and can be retried
	_, err = wallet.ClaimMintQuote(ctx, quote.QuoteId)
	if !errors.Is(err, ErrQuoteNotPaid) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrQuoteNotPaid, err)
	}

	if err := mint.PayQuote(quote.QuoteId); err != nil {
		t.Fatal(err)
	}
	status, err = wallet.MintQuoteState(ctx, quote.QuoteId)
	if err != nil {
		t.Fatal(err)
	}
	if status != Payable {
		t.Fatalf("expected '%v' but got '%v' instead", Payable, status)
	}
	stored := wallet.db.GetMintQuoteById(quote.QuoteId)
	if stored.State != nut04.Paid || stored.SettledAt == 0 {
		t.Fatalf("expected stored quote to be paid but got %+v", stored)
	}

	minted, err := wallet.ClaimMintQuote(ctx, quote.QuoteId)
	if err != nil {
		t.Fatalf("unexpected error claiming: %v", err)
	}
	if minted != 21 {
		t.Fatalf("expected minted amount of '%v' but got '%v' instead", 21, minted)
	}
	expectBalance(t, wallet, mint, 21)

	stateCalls := mint.Calls(fakemint.MintQuoteStateRoute)
	status, err = wallet.MintQuoteState(ctx, quote.QuoteId)
	if err != nil {
		t.Fatal(err)
	}
	if status != Claimed {
		t.Fatalf("expected '%v' but got '%v' instead", Claimed, status)
	}
	if mint.Calls(fakemint.MintQuoteStateRoute) != stateCalls {
		t.Fatal("expected claimed quote to not be checked with the mint")
	}
}

func TestClaimMintQuoteTwice(t *testing.T) {
	ctx := context.Background()
	mint := newTestMint(t, fakemint.Options{})
	wallet := newTestWallet(t, mint.URL())
	fund(t, ctx, wallet, mint, 100)

	quotes := wallet.db.GetMintQuotes()
	if len(quotes) != 1 {
		t.Fatalf("expected 1 mint quote but got %v", len(quotes))
	}
	minted, err := wallet.ClaimMintQuote(ctx, quotes[0].QuoteId)
	if err != nil {
		t.Fatalf("unexpected error claiming again: %v", err)
	}
	if minted != 0 {
		t.Fatalf("expected nothing minted but got '%v'", minted)
	}
	if calls := mint.Calls(fakemint.MintRoute); calls != 1 {
		t.Fatalf("expected '%v' mint request but got '%v'", 1, calls)
	}
	expectBalance(t, wallet, mint, 100)
}

func TestClaimMintQuoteResponseDropped(t *testing.T) {
	ctx := context.Background()
	mint := newTestMint(t, fakemint.Options{})
	wallet := newTestWallet(t, mint.URL())

	quote, err := wallet.RequestMint(ctx, 100, cashu.Sat, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := mint.PayQuote(quote.QuoteId); err != nil {
		t.Fatal(err)
	}

	mint.DropNextResponse(fakemint.MintRoute)
	_, err = wallet.ClaimMintQuote(ctx, quote.QuoteId)
	if !errors.Is(err, ErrMintUnavailable) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrMintUnavailable, err)
	}
	expectBalance(t, wallet, mint, 0)

	stored := wallet.db.GetMintQuoteById(quote.QuoteId)
	if len(stored.KeysetId) == 0 || stored.OutputCount != 3 {
		t.Fatalf("expected outputs to be recorded on the quote but got %+v", stored)
	}

	// the mint issued the quote, so the retry gets the signatures
	// for the same outputs through restore
	minted, err := wallet.ClaimMintQuote(ctx, quote.QuoteId)
	if err != nil {
		t.Fatalf("unexpected error retrying claim: %v", err)
	}
	if minted != 100 {
		t.Fatalf("expected minted amount of '%v' but got '%v' instead", 100, minted)
	}
	if calls := mint.Calls(fakemint.RestoreRoute); calls != 1 {
		t.Fatalf("expected '%v' restore request but got '%v'", 1, calls)
	}
	expectBalance(t, wallet, mint, 100)

	// the proofs are valid at the mint
	if _, err := wallet.Send(ctx, "", cashu.Sat, 50, SendOptions{}); err != nil {
		t.Fatalf("unexpected error sending minted proofs: %v", err)
	}
}

func TestAwaitMintQuote(t *testing.T) {
	ctx := context.Background()
	mint := newTestMint(t, fakemint.Options{})
	wallet := newTestWallet(t, mint.URL())

	quote, err := wallet.RequestMint(ctx, 64, cashu.Sat, "")
	if err != nil {
		t.Fatal(err)
	}

	// nothing paid: polling stops with ctx and can be resumed
	timeoutCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	err = wallet.AwaitMintQuote(timeoutCtx, quote.QuoteId, PollOptions{InitialInterval: 10 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected error '%v' but got '%v' instead", context.DeadlineExceeded, err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		mint.PayQuote(quote.QuoteId)
	}()
	// a mint that is down for a request is retried
	mint.UnavailableNext(fakemint.MintQuoteStateRoute)
	calls := mint.Calls(fakemint.MintQuoteStateRoute)

	minted, err := wallet.AwaitAndClaim(ctx, quote.QuoteId, testPoll)
	if err != nil {
		t.Fatalf("unexpected error awaiting quote: %v", err)
	}
	if minted != 64 {
		t.Fatalf("expected minted amount of '%v' but got '%v' instead", 64, minted)
	}
	if polls := mint.Calls(fakemint.MintQuoteStateRoute) - calls; polls < 2 {
		t.Fatalf("expected quote state to be polled again after the failure but got %v polls", polls)
	}
}

func TestAwaitMintQuoteGivesUp(t *testing.T) {
	ctx := context.Background()
	mint := newTestMint(t, fakemint.Options{})
	wallet := newTestWallet(t, mint.URL())

	quote, err := wallet.RequestMint(ctx, 64, cashu.Sat, "")
	if err != nil {
		t.Fatal(err)
	}
	err = wallet.AwaitMintQuote(ctx, quote.QuoteId, PollOptions{InitialInterval: time.Millisecond, MaxRetries: 3})
	if !errors.Is(err, ErrQuoteNotPaid) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrQuoteNotPaid, err)
	}

	if err := wallet.AwaitMintQuote(ctx, "unknown", testPoll); !errors.Is(err, ErrQuoteNotFound) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrQuoteNotFound, err)
	}
}

func TestMintQuoteExpired(t *testing.T) {
	ctx := context.Background()
	mint := newTestMint(t, fakemint.Options{QuoteExpiry: -time.Minute})
	wallet := newTestWallet(t, mint.URL())

	quote, err := wallet.RequestMint(ctx, 64, cashu.Sat, "")
	if err != nil {
		t.Fatal(err)
	}
	if status := MintQuoteStatusOf(*quote, time.Now()); status != Expired {
		t.Fatalf("expected '%v' but got '%v' instead", Expired, status)
	}

	err = wallet.AwaitMintQuote(ctx, quote.QuoteId, testPoll)
	if !errors.Is(err, ErrQuoteExpired) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrQuoteExpired, err)
	}
	_, err = wallet.ClaimMintQuote(ctx, quote.QuoteId)
	if !errors.Is(err, ErrQuoteExpired) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrQuoteExpired, err)
	}
	expectBalance(t, wallet, mint, 0)

	// expired quotes are not sent to the mint and reserve no counters
	if calls := mint.Calls(fakemint.MintRoute); calls != 0 {
		t.Fatalf("expected no mint requests but got '%v'", calls)
	}
	if stored := wallet.db.GetMintQuoteById(quote.QuoteId); len(stored.KeysetId) != 0 || stored.OutputCount != 0 {
		t.Fatalf("expected no outputs recorded on expired quote but got %+v", stored)
	}
}

func TestWaitForMintQuotePaid(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mint := newTestMint(t, fakemint.Options{})
	wallet := newTestWallet(t, mint.URL())

	quote, err := wallet.RequestMint(ctx, 42, cashu.Sat, "")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		mint.PayQuote(quote.QuoteId)
	}()
	if err := wallet.WaitForMintQuotePaid(ctx, quote.QuoteId); err != nil {
		t.Fatalf("unexpected error waiting for quote: %v", err)
	}
	if stored := wallet.db.GetMintQuoteById(quote.QuoteId); stored.State != nut04.Paid {
		t.Fatalf("expected quote state '%v' but got '%v'", nut04.Paid, stored.State)
	}

	minted, err := wallet.ClaimMintQuote(ctx, quote.QuoteId)
	if err != nil {
		t.Fatal(err)
	}
	if minted != 42 {
		t.Fatalf("expected minted amount of '%v' but got '%v' instead", 42, minted)
	}
}

func TestRequestMintErrors(t *testing.T) {
	ctx := context.Background()
	mint := newTestMint(t, fakemint.Options{})
	wallet := newTestWallet(t, mint.URL())

	if _, err := wallet.RequestMint(ctx, 0, cashu.Sat, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrInvalidAmount, err)
	}
	// the mint has no usd keyset
	if _, err := wallet.RequestMint(ctx, 10, cashu.Usd, ""); err == nil {
		t.Fatal("expected error requesting quote for unit without keyset")
	}
	if len(wallet.db.GetMintQuotes()) != 0 {
		t.Fatal("expected no quotes to be saved")
	}
}

func TestMintQuoteWithoutNUT20(t *testing.T) {
	ctx := context.Background()
	mint := newTestMint(t, fakemint.Options{DisableNUT20: true})
	wallet := newTestWallet(t, mint.URL())
	fund(t, ctx, wallet, mint, 10)

	quotes := wallet.db.GetMintQuotes()
	if len(quotes) != 1 || len(quotes[0].PrivateKey) != 0 {
		t.Fatalf("expected quote without key but got %+v", quotes)
	}
	expectBalance(t, wallet, mint, 10)
}

package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/testutils/fakemint"
)

func TestRestoreWallet(t *testing.T) {
	ctx := context.Background()
	mint := newTestMint(t, fakemint.Options{})
	wallet := newTestWallet(t, mint.URL())
	fund(t, ctx, wallet, mint, 1000)

	// proofs sent as they are and swapped out are both gone
	if _, err := wallet.Send(ctx, "", cashu.Sat, 40, SendOptions{}); err != nil {
		t.Fatal(err)
	}
	token, err := wallet.Send(ctx, "", cashu.Sat, 360, SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := newTestWallet(t, mint.URL()).Receive(ctx, token, ReceiveOptions{}); err != nil {
		t.Fatal(err)
	}
	expectBalance(t, wallet, mint, 600)
	counter := wallet.db.GetKeysetCounter(mint.ActiveKeysetId())

	config := testConfig(t, mint.URL())
	config.RestoreBatchSize = 5
	restored, amount, err := RestoreWallet(ctx, config, wallet.Mnemonic(), []string{mint.URL()})
	if err != nil {
		t.Fatalf("unexpected error restoring wallet: %v", err)
	}
	defer restored.Shutdown()

	// the 40 sent as they are were never spent
	if amount != 640 {
		t.Fatalf("expected to restore '%v' but got '%v'", 640, amount)
	}
	expectBalance(t, restored, mint, 640)
	if restoredCounter := restored.db.GetKeysetCounter(mint.ActiveKeysetId()); restoredCounter != counter {
		t.Fatalf("expected counter '%v' but got '%v'", counter, restoredCounter)
	}

	// new outputs do not collide with restored ones
	if _, err := restored.Send(ctx, "", cashu.Sat, 100, SendOptions{}); err != nil {
		t.Fatalf("unexpected error sending from restored wallet: %v", err)
	}
	expectBalance(t, restored, mint, 540)
}

func TestRestoreWalletExists(t *testing.T) {
	ctx := context.Background()
	mint := newTestMint(t, fakemint.Options{})
	config := testConfig(t, mint.URL())

	wallet, err := LoadWallet(config)
	if err != nil {
		t.Fatal(err)
	}
	mnemonic := wallet.Mnemonic()
	wallet.Shutdown()

	_, _, err = RestoreWallet(ctx, config, mnemonic, []string{mint.URL()})
	if !errors.Is(err, ErrWalletExists) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrWalletExists, err)
	}

	_, _, err = RestoreWallet(ctx, testConfig(t, mint.URL()), "not a valid mnemonic", []string{mint.URL()})
	if err == nil {
		t.Fatal("expected error for invalid mnemonic")
	}
}

func TestRestoreAcrossKeysets(t *testing.T) {
	ctx := context.Background()
	mint := newTestMint(t, fakemint.Options{})
	wallet := newTestWallet(t, mint.URL())
	fund(t, ctx, wallet, mint, 100)
	if err := mint.RotateKeyset(0); err != nil {
		t.Fatal(err)
	}
	fund(t, ctx, wallet, mint, 50)

	config := testConfig(t, mint.URL())
	config.RestoreBatchSize = 3
	restored, amount, err := RestoreWallet(ctx, config, wallet.Mnemonic(), []string{mint.URL()})
	if err != nil {
		t.Fatalf("unexpected error restoring wallet: %v", err)
	}
	defer restored.Shutdown()
	if amount != 150 {
		t.Fatalf("expected to restore '%v' but got '%v'", 150, amount)
	}
	if len(restored.Balances()[mint.URL()]) != 1 {
		t.Fatalf("unexpected balances %v", restored.Balances())
	}
}

package main

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/nutcore/cashu/nuts/nut10"
)

func TestParseRefundKeys(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	hexKey := hex.EncodeToString(key.PubKey().SerializeCompressed())

	refund, err := parseRefundKeys([]string{hexKey})
	if err != nil {
		t.Fatalf("unexpected error parsing refund key: %v", err)
	}
	if len(refund) != 1 || !refund[0].IsEqual(key.PubKey()) {
		t.Fatalf("expected refund key '%v' but got %v", hexKey, refund)
	}

	if refund, err := parseRefundKeys(nil); err != nil || len(refund) != 0 {
		t.Fatalf("expected no refund keys but got '%v', '%v'", refund, err)
	}

	_, err = parseRefundKeys([]string{hexKey, "02abcd"})
	if !errors.Is(err, nut10.ErrMalformedCondition) {
		t.Fatalf("expected error '%v' but got '%v' instead", nut10.ErrMalformedCondition, err)
	}
}

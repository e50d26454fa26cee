package nut13

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

const (
	testMnemonic = "half depart obvious quality work element tank gorilla view sugar picture humble"
	testKeysetId = "009a1f293253e41e"
)

func TestKeysetIdInt(t *testing.T) {
	keysetInt, err := KeysetIdInt(testKeysetId)
	if err != nil {
		t.Fatal(err)
	}
	if keysetInt != 864559728 {
		t.Fatalf("expected '%v' but got '%v'", 864559728, keysetInt)
	}

	invalid := []string{"", "00ad", "zz9a1f293253e41e", "009a1f293253e41e00"}
	for _, id := range invalid {
		if _, err := KeysetIdInt(id); !errors.Is(err, ErrInvalidKeysetId) {
			t.Fatalf("id '%v': expected '%v' but got '%v'", id, ErrInvalidKeysetId, err)
		}
	}
}

func TestSecretDerivation(t *testing.T) {
	seed := bip39.NewSeed(testMnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatal(err)
	}

	keysetPath, err := DeriveKeysetPath(master, testKeysetId)
	if err != nil {
		t.Fatalf("could not derive keyset path: %v", err)
	}

	tests := []struct {
		secret string
		r      string
	}{
		{
			secret: "485875df74771877439ac06339e284c3acfcd9be7abf3bc20b516faeadfe77ae",
			r:      "ad00d431add9c673e843d4c2bf9a778a5f402b985b8da2d5550bf39cda41d679",
		},
		{
			secret: "8f2b39e8e594a4056eb1e6dbb4b0c38ef13b1b2c751f64f810ec04ee35b77270",
			r:      "967d5232515e10b81ff226ecf5a9e2e2aff92d66ebc3edf0987eb56357fd6248",
		},
		{
			secret: "bc628c79accd2364fd31511216a0fab62afd4a18ff77a20deded7b858c9860c8",
			r:      "b20f47bb6ae083659f3aa986bfa0435c55c6d93f687d51a01f26862d9b9a4899",
		},
		{
			secret: "59284fd1650ea9fa17db2b3acf59ecd0f2d52ec3261dd4152785813ff27a33bf",
			r:      "fb5fca398eb0b1deb955a2988b5ac77d32956155f1c002a373535211a2dfdc29",
		},
		{
			secret: "576c23393a8b31cc8da6688d9c9a96394ec74b40fdaf1f693a6bb84284334ea0",
			r:      "5f09bfbfe27c439a597719321e061e2e40aad4a36768bb2bcc3de547c9644bf9",
		},
	}

	for i, test := range tests {
		counter := uint32(i)
		secret, r, err := DeriveSecretAndBlindingFactor(keysetPath, counter)
		if err != nil {
			t.Fatalf("error deriving secret and r: %v", err)
		}

		if secret != test.secret {
			t.Fatalf("secret at index: %v does not match. Expected '%v' but got '%v'", i, test.secret, secret)
		}
		rhex := hex.EncodeToString(r.Serialize())
		if rhex != test.r {
			t.Fatalf("r at index: %v does not match. Expected '%v' but got '%v'", i, test.r, rhex)
		}

		onlySecret, err := DeriveSecret(keysetPath, counter)
		if err != nil || onlySecret != secret {
			t.Fatalf("DeriveSecret at index %v returned '%v', %v", i, onlySecret, err)
		}
	}
}

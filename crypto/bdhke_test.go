package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func privateKeyFromHex(t *testing.T, key string) *secp256k1.PrivateKey {
	t.Helper()
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		t.Fatalf("error decoding key: %v", err)
	}
	privateKey, _ := btcec.PrivKeyFromBytes(keyBytes)
	return privateKey
}

func TestHashToCurve(t *testing.T) {
	tests := []struct {
		message  string
		expected string
	}{
		{message: "0000000000000000000000000000000000000000000000000000000000000000",
			expected: "024cce997d3b518f739663b757deaec95bcd9473c30a14ac2fd04023a739d1a725"},
		{message: "0000000000000000000000000000000000000000000000000000000000000001",
			expected: "022e7158e11c9506f1aa4248bf531298daa7febd6194f003edcd9b93ade6253acf"},
		{message: "0000000000000000000000000000000000000000000000000000000000000002",
			expected: "026cdbe15362df59cd1dd3c9c11de8aedac2106eca69236ecd9fbe117af897be4f"},
	}

	for _, test := range tests {
		msgBytes, err := hex.DecodeString(test.message)
		if err != nil {
			t.Errorf("error decoding msg: %v", err)
		}

		pk, err := HashToCurve(msgBytes)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		hexStr := hex.EncodeToString(pk.SerializeCompressed())
		if hexStr != test.expected {
			t.Errorf("expected '%v' but got '%v' instead\n", test.expected, hexStr)
		}
	}
}

func TestBlindMessage(t *testing.T) {
	tests := []struct {
		secret         []byte
		blindingFactor string
		expected       string
	}{
		{secret: []byte("test_message"),
			blindingFactor: "0000000000000000000000000000000000000000000000000000000000000001",
			expected:       "025cc16fe33b953e2ace39653efb3e7a7049711ae1d8a2f7a9108753f1cdea742b",
		},
		{secret: []byte("hello"),
			blindingFactor: "6d7e0abffc83267de28ed8ecc8760f17697e51252e13333ba69b4ddad1f95d05",
			expected:       "026e877a2f0d19fb0e6a36c22f9d89454a59defc38b9c5ecf0aa718f115541f98b",
		},
	}

	for _, test := range tests {
		r := privateKeyFromHex(t, test.blindingFactor)

		B_, err := BlindMessage(test.secret, r)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		B_Hex := hex.EncodeToString(B_.SerializeCompressed())
		if B_Hex != test.expected {
			t.Errorf("expected '%v' but got '%v' instead\n", test.expected, B_Hex)
		}
	}
}

func TestSignBlindedMessage(t *testing.T) {
	tests := []struct {
		secret         []byte
		blindingFactor string
		mintPrivKey    string
		expected       string
	}{
		{secret: []byte("test_message"),
			blindingFactor: "0000000000000000000000000000000000000000000000000000000000000001",
			mintPrivKey:    "0000000000000000000000000000000000000000000000000000000000000001",
			expected:       "025cc16fe33b953e2ace39653efb3e7a7049711ae1d8a2f7a9108753f1cdea742b",
		},
		{secret: []byte("test_message"),
			blindingFactor: "0000000000000000000000000000000000000000000000000000000000000001",
			mintPrivKey:    "7f7f63a96e5ffa6b54a3b8ca8bf6d3fb2d0e9ace63d8345b6e80b2d2e8bc13a1",
			expected:       "03f1818463e47ead2faeab58a0719f1a7fb4f691f2fa74434d45d59f0d0ef620e9",
		},
	}

	for _, test := range tests {
		B_, err := BlindMessage(test.secret, privateKeyFromHex(t, test.blindingFactor))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		C_ := SignBlindedMessage(B_, privateKeyFromHex(t, test.mintPrivKey))
		C_Hex := hex.EncodeToString(C_.SerializeCompressed())
		if C_Hex != test.expected {
			t.Errorf("expected '%v' but got '%v' instead\n", test.expected, C_Hex)
		}
	}
}

func TestUnblindSignature(t *testing.T) {
	secret := []byte("test_message")
	r := privateKeyFromHex(t, "0000000000000000000000000000000000000000000000000000000000000001")
	k := privateKeyFromHex(t, "7f7f63a96e5ffa6b54a3b8ca8bf6d3fb2d0e9ace63d8345b6e80b2d2e8bc13a1")

	B_, err := BlindMessage(secret, r)
	if err != nil {
		t.Fatal(err)
	}
	C := UnblindSignature(SignBlindedMessage(B_, k), r, k.PubKey())

	expected := "027643886aefc8f82adf2321ac54161cfc816e4d5c1d3401a9ba8ffecf51707409"
	if CHex := hex.EncodeToString(C.SerializeCompressed()); CHex != expected {
		t.Errorf("expected '%v' but got '%v' instead\n", expected, CHex)
	}
}

func TestVerify(t *testing.T) {
	k, _ := btcec.NewPrivateKey()
	otherKey, _ := btcec.NewPrivateKey()

	secrets := [][]byte{[]byte("test_message"), []byte("hello"), {}, make([]byte, 64)}
	for _, secret := range secrets {
		B_, r, err := BlindMessageRandom(secret)
		if err != nil {
			t.Fatal(err)
		}

		C := UnblindSignature(SignBlindedMessage(B_, k), r, k.PubKey())
		if !Verify(secret, k, C) {
			t.Fatalf("unblinded signature for secret '%x' did not verify", secret)
		}
		if Verify(secret, otherKey, C) {
			t.Fatalf("signature for secret '%x' verified with the wrong key", secret)
		}
		if Verify(append(secret, 0x01), k, C) {
			t.Fatalf("signature for secret '%x' verified for another secret", secret)
		}
	}
}

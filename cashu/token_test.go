package cashu

import (
	"encoding/hex"
	"errors"
	"reflect"
	"testing"
)

const (
	v4SingleKeyset = "cashuBpGF0gaJhaUgArSaMTR9YJmFwgaNhYQFhc3hAOWE2ZGJiODQ3YmQyMzJiYTc2ZGIwZGYxOTcyMTZiMjlkM2I4Y2MxNDU1M2NkMjc4MjdmYzFjYzk0MmZlZGI0ZWFjWCEDhhhUP_trhpXfStS6vN6So0qWvc2X3O4NfM-Y1HISZ5JhZGlUaGFuayB5b3VhbXVodHRwOi8vbG9jYWxob3N0OjMzMzhhdWNzYXQ"
	v4TwoKeysets   = "cashuBo2F0gqJhaUgA_9SLj17PgGFwgaNhYQFhc3hAYWNjMTI0MzVlN2I4NDg0YzNjZjE4NTAxNDkyMThhZjkwZjcxNmE1MmJmNGE1ZWQzNDdlNDhlY2MxM2Y3NzM4OGFjWCECRFODGd5IXVW-07KaZCvuWHk3WrnnpiDhHki6SCQh88-iYWlIAK0mjE0fWCZhcIKjYWECYXN4QDEzMjNkM2Q0NzA3YTU4YWQyZTIzYWRhNGU5ZjFmNDlmNWE1YjRhYzdiNzA4ZWIwZDYxZjczOGY0ODMwN2U4ZWVhY1ghAjRWqhENhLSsdHrr2Cw7AFrKUL9Ffr1XN6RBT6w659lNo2FhAWFzeEA1NmJjYmNiYjdjYzY0MDZiM2ZhNWQ1N2QyMTc0ZjRlZmY4YjQ0MDJiMTc2OTI2ZDNhNTdkM2MzZGNiYjU5ZDU3YWNYIQJzEpxXGeWZN5qXSmJjY8MzxWyvwObQGr5G1YCCgHicY2FtdWh0dHA6Ly9sb2NhbGhvc3Q6MzMzOGF1Y3NhdA"
	v3Memo         = "cashuAeyJ0b2tlbiI6W3sibWludCI6Imh0dHBzOi8vODMzMy5zcGFjZTozMzM4IiwicHJvb2ZzIjpbeyJhbW91bnQiOjIsImlkIjoiMDA5YTFmMjkzMjUzZTQxZSIsInNlY3JldCI6IjQwNzkxNWJjMjEyYmU2MWE3N2UzZTZkMmFlYjRjNzI3OTgwYmRhNTFjZDA2YTZhZmMyOWUyODYxNzY4YTc4MzciLCJDIjoiMDJiYzkwOTc5OTdkODFhZmIyY2M3MzQ2YjVlNDM0NWE5MzQ2YmQyYTUwNmViNzk1ODU5OGE3MmYwY2Y4NTE2M2VhIn0seyJhbW91bnQiOjgsImlkIjoiMDA5YTFmMjkzMjUzZTQxZSIsInNlY3JldCI6ImZlMTUxMDkzMTRlNjFkNzc1NmIwZjhlZTBmMjNhNjI0YWNhYTNmNGUwNDJmNjE0MzNjNzI4YzcwNTdiOTMxYmUiLCJDIjoiMDI5ZThlNTA1MGI4OTBhN2Q2YzA5NjhkYjE2YmMxZDVkNWZhMDQwZWExZGUyODRmNmVjNjlkNjEyOTlmNjcxMDU5In1dfV0sInVuaXQiOiJzYXQiLCJtZW1vIjoiVGhhbmsgeW91IHZlcnkgbXVjaC4ifQ"
	v3MemoPadded   = "cashuAeyJ0b2tlbiI6W3sibWludCI6Imh0dHBzOi8vODMzMy5zcGFjZTozMzM4IiwicHJvb2ZzIjpbeyJhbW91bnQiOjIsImlkIjoiMDA5YTFmMjkzMjUzZTQxZSIsInNlY3JldCI6IjQwNzkxNWJjMjEyYmU2MWE3N2UzZTZkMmFlYjRjNzI3OTgwYmRhNTFjZDA2YTZhZmMyOWUyODYxNzY4YTc4MzciLCJDIjoiMDJiYzkwOTc5OTdkODFhZmIyY2M3MzQ2YjVlNDM0NWE5MzQ2YmQyYTUwNmViNzk1ODU5OGE3MmYwY2Y4NTE2M2VhIn0seyJhbW91bnQiOjgsImlkIjoiMDA5YTFmMjkzMjUzZTQxZSIsInNlY3JldCI6ImZlMTUxMDkzMTRlNjFkNzc1NmIwZjhlZTBmMjNhNjI0YWNhYTNmNGUwNDJmNjE0MzNjNzI4YzcwNTdiOTMxYmUiLCJDIjoiMDI5ZThlNTA1MGI4OTBhN2Q2YzA5NjhkYjE2YmMxZDVkNWZhMDQwZWExZGUyODRmNmVjNjlkNjEyOTlmNjcxMDU5In1dfV0sInVuaXQiOiJzYXQiLCJtZW1vIjoiVGhhbmsgeW91IHZlcnkgbXVjaC4ifQ=="
	v3Serialized   = "cashuAeyJ0b2tlbiI6W3sibWludCI6Imh0dHBzOi8vODMzMy5zcGFjZTozMzM4IiwicHJvb2ZzIjpbeyJhbW91bnQiOjIsImlkIjoiMDA5YTFmMjkzMjUzZTQxZSIsInNlY3JldCI6IjQwNzkxNWJjMjEyYmU2MWE3N2UzZTZkMmFlYjRjNzI3OTgwYmRhNTFjZDA2YTZhZmMyOWUyODYxNzY4YTc4MzciLCJDIjoiMDJiYzkwOTc5OTdkODFhZmIyY2M3MzQ2YjVlNDM0NWE5MzQ2YmQyYTUwNmViNzk1ODU5OGE3MmYwY2Y4NTE2M2VhIn0seyJhbW91bnQiOjgsImlkIjoiMDA5YTFmMjkzMjUzZTQxZSIsInNlY3JldCI6ImZlMTUxMDkzMTRlNjFkNzc1NmIwZjhlZTBmMjNhNjI0YWNhYTNmNGUwNDJmNjE0MzNjNzI4YzcwNTdiOTMxYmUiLCJDIjoiMDI5ZThlNTA1MGI4OTBhN2Q2YzA5NjhkYjE2YmMxZDVkNWZhMDQwZWExZGUyODRmNmVjNjlkNjEyOTlmNjcxMDU5In1dfV0sInVuaXQiOiJzYXQiLCJtZW1vIjoiVGhhbmsgeW91LiJ9"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("invalid hex '%v': %v", s, err)
	}
	return b
}

func TestDecodeTokenV4(t *testing.T) {
	token, err := DecodeToken(v4TwoKeysets)
	if err != nil {
		t.Fatalf("unexpected error decoding token: %v", err)
	}

	if token.Mint() != "http://localhost:3338" {
		t.Fatalf("expected '%v' but got '%v' instead", "http://localhost:3338", token.Mint())
	}
	if token.Unit() != "sat" {
		t.Fatalf("expected '%v' but got '%v' instead", "sat", token.Unit())
	}
	if token.Amount() != 4 {
		t.Fatalf("expected '%v' but got '%v' instead", 4, token.Amount())
	}

	expected := Proofs{
		{
			Amount: 1,
			Id:     "00ffd48b8f5ecf80",
			Secret: "acc12435e7b8484c3cf1850149218af90f716a52bf4a5ed347e48ecc13f77388",
			C:      "0244538319de485d55bed3b29a642bee5879375ab9e7a620e11e48ba482421f3cf",
		},
		{
			Amount: 2,
			Id:     "00ad268c4d1f5826",
			Secret: "1323d3d4707a58ad2e23ada4e9f1f49f5a5b4ac7b708eb0d61f738f48307e8ee",
			C:      "023456aa110d84b4ac747aebd82c3b005aca50bf457ebd5737a4414fac3ae7d94d",
		},
		{
			Amount: 1,
			Id:     "00ad268c4d1f5826",
			Secret: "56bcbcbb7cc6406b3fa5d57d2174f4eff8b4402b176926d3a57d3c3dcbb59d57",
			C:      "0273129c5719e599379a974a626363c333c56cafc0e6d01abe46d5808280789c63",
		},
	}
	if !reflect.DeepEqual(token.Proofs(), expected) {
		t.Fatalf("expected proofs '%v' but got '%v' instead", expected, token.Proofs())
	}
}

func TestSerializeTokenV4(t *testing.T) {
	proofs := Proofs{
		{
			Amount: 1,
			Id:     "00ad268c4d1f5826",
			Secret: "9a6dbb847bd232ba76db0df197216b29d3b8cc14553cd27827fc1cc942fedb4e",
			C:      "038618543ffb6b8695df4ad4babcde92a34a96bdcd97dcee0d7ccf98d472126792",
		},
	}
	token, err := NewTokenV4(proofs, "http://localhost:3338", Sat, "Thank you")
	if err != nil {
		t.Fatalf("unexpected error creating token: %v", err)
	}

	tokenString, err := token.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	if tokenString != v4SingleKeyset {
		t.Fatalf("expected '%v'\n\n but got '%v' instead", v4SingleKeyset, tokenString)
	}
}

func TestNewTokenV4KeepsKeysetOrder(t *testing.T) {
	C := "038618543ffb6b8695df4ad4babcde92a34a96bdcd97dcee0d7ccf98d472126792"
	proofs := Proofs{
		{Amount: 1, Id: "00ffd48b8f5ecf80", Secret: "a", C: C},
		{Amount: 2, Id: "00ad268c4d1f5826", Secret: "b", C: C},
		{Amount: 4, Id: "00ffd48b8f5ecf80", Secret: "c", C: C},
	}

	token, err := NewTokenV4(proofs, "http://localhost:3338", Sat, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(token.TokenProofs) != 2 {
		t.Fatalf("expected '%v' keyset groups but got '%v'", 2, len(token.TokenProofs))
	}
	if !reflect.DeepEqual(token.TokenProofs[0].Id, mustHex(t, "00ffd48b8f5ecf80")) {
		t.Fatalf("expected first group to be keyset '00ffd48b8f5ecf80' but got '%x'", token.TokenProofs[0].Id)
	}
	if len(token.TokenProofs[0].Proofs) != 2 {
		t.Fatalf("expected '%v' proofs in first group but got '%v'", 2, len(token.TokenProofs[0].Proofs))
	}
}

func TestDecodeTokenV3(t *testing.T) {
	token, err := DecodeTokenV3(v3Memo)
	if err != nil {
		t.Fatalf("unexpected error decoding token: %v", err)
	}

	tokenPadding, err := DecodeTokenV3(v3MemoPadded)
	if err != nil {
		t.Fatalf("unexpected error decoding token: %v", err)
	}
	if !reflect.DeepEqual(token, tokenPadding) {
		t.Fatal("decoded tokens do not match")
	}

	if token.Memo() != "Thank you very much." {
		t.Fatalf("expected '%v' but got '%v' instead", "Thank you very much.", token.Memo())
	}
	if token.Mint() != "https://8333.space:3338" {
		t.Fatalf("expected '%v' but got '%v' instead", "https://8333.space:3338", token.Mint())
	}
	if token.Amount() != 10 {
		t.Fatalf("expected '%v' but got '%v' instead", 10, token.Amount())
	}
}

func TestSerializeTokenV3(t *testing.T) {
	proofs := Proofs{
		{
			Amount: 2,
			Id:     "009a1f293253e41e",
			Secret: "407915bc212be61a77e3e6d2aeb4c727980bda51cd06a6afc29e2861768a7837",
			C:      "02bc9097997d81afb2cc7346b5e4345a9346bd2a506eb7958598a72f0cf85163ea",
		},
		{
			Amount: 8,
			Id:     "009a1f293253e41e",
			Secret: "fe15109314e61d7756b0f8ee0f23a624acaa3f4e042f61433c728c7057b931be",
			C:      "029e8e5050b890a7d6c0968db16bc1d5d5fa040ea1de284f6ec69d61299f671059",
		},
	}
	token := NewTokenV3(proofs, "https://8333.space:3338", Sat, "Thank you.")

	tokenString, err := token.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if tokenString != v3Serialized {
		t.Fatalf("expected '%v'\n\n but got '%v' instead", v3Serialized, tokenString)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	proofs := Proofs{
		{
			Amount: 8,
			Id:     "009a1f293253e41e",
			Secret: `["P2PK", {"nonce":"00","data":"02aa","tags":[]}]`,
			C:      "029e8e5050b890a7d6c0968db16bc1d5d5fa040ea1de284f6ec69d61299f671059",
		},
		{
			Amount:  2,
			Id:      "00ad268c4d1f5826",
			Secret:  "407915bc212be61a77e3e6d2aeb4c727980bda51cd06a6afc29e2861768a7837",
			C:       "02bc9097997d81afb2cc7346b5e4345a9346bd2a506eb7958598a72f0cf85163ea",
			Witness: `{"signatures":["abcd"]}`,
		},
	}

	v4, err := NewTokenV4(proofs, "http://localhost:3338", Usd, "memo")
	if err != nil {
		t.Fatal(err)
	}
	v3 := NewTokenV3(proofs, "http://localhost:3338", Usd, "memo")

	for _, token := range []Token{v4, v3} {
		serialized, err := token.Serialize()
		if err != nil {
			t.Fatal(err)
		}
		decoded, err := DecodeToken(serialized)
		if err != nil {
			t.Fatalf("unexpected error decoding token: %v", err)
		}

		var got Token
		switch d := decoded.(type) {
		case *TokenV4:
			got = *d
		case *TokenV3:
			got = *d
		}
		if !reflect.DeepEqual(got, token) {
			t.Fatalf("expected '%+v' but got '%+v' instead", token, got)
		}
		if !reflect.DeepEqual(decoded.Proofs(), proofs) {
			t.Fatalf("expected proofs '%v' but got '%v' instead", proofs, decoded.Proofs())
		}
		if decoded.Unit() != "usd" || decoded.Memo() != "memo" {
			t.Fatalf("unexpected unit '%v' or memo '%v'", decoded.Unit(), decoded.Memo())
		}
	}
}

func TestDecodeTokenErrors(t *testing.T) {
	tests := []struct {
		token    string
		expected error
	}{
		{token: "", expected: ErrMalformedToken},
		{token: "cash", expected: ErrMalformedToken},
		{token: "cashuA", expected: ErrMalformedToken},
		{token: "bitcoinAeyJ0b2tlbiI6W119", expected: ErrMalformedToken},
		{token: "cashuA!!!notbase64", expected: ErrMalformedToken},
		{token: "cashuAeyJ0b2tlbiI6W119", expected: ErrMalformedToken},
		{token: "cashuBo2F0gA", expected: ErrMalformedToken},
		{token: "cashuBnotcbor", expected: ErrMalformedToken},
		{token: "cashuCeyJ0b2tlbiI6W119", expected: ErrUnsupportedVersion},
		{token: "cashuZabc", expected: ErrUnsupportedVersion},
	}

	for _, test := range tests {
		_, err := DecodeToken(test.token)
		if !errors.Is(err, test.expected) {
			t.Fatalf("decoding '%v': expected error '%v' but got '%v'", test.token, test.expected, err)
		}
	}
}

package nut06

import (
	"encoding/json"
	"testing"
)

func TestUnmarshalMintInfo(t *testing.T) {
	tests := []struct {
		info            string
		expectedContact int
	}{
		{
			info:            `{"name":"mint","contact":[{"method":"email","info":"mint@mint.com"}],"nuts":{"7":{"supported":true},"17":{"supported":[{"method":"bolt11","unit":"sat","commands":["bolt11_mint_quote"]}]}}}`,
			expectedContact: 1,
		},
		{
			// older mints sent contact as a list of pairs
			info:            `{"name":"mint","contact":[["email","mint@mint.com"]],"nuts":{"7":{"supported":true}}}`,
			expectedContact: 0,
		},
	}

	for _, test := range tests {
		var info MintInfo
		if err := json.Unmarshal([]byte(test.info), &info); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info.Name != "mint" {
			t.Fatalf("expected name '%v' but got '%v'", "mint", info.Name)
		}
		if len(info.Contact) != test.expectedContact {
			t.Fatalf("expected '%v' contacts but got '%v'", test.expectedContact, len(info.Contact))
		}
		if !info.Nuts.Nut07.Supported {
			t.Fatal("expected NUT-07 to be supported")
		}
	}
}

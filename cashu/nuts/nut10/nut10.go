// Package nut10 contains the well-known secret format defined in [NUT-10]
//
// [NUT-10]: https://github.com/cashubtc/nuts/blob/main/10.md
package nut10

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elnosh/nutcore/cashu"
)

var (
	// ErrMalformedCondition is returned when a secret, its tags
	// or a witness cannot be parsed.
	ErrMalformedCondition = errors.New("malformed spending condition")
	// ErrConditionUnsatisfied is returned when a well formed witness
	// does not satisfy the spending condition.
	ErrConditionUnsatisfied = errors.New("spending condition not satisfied")
)

type SecretKind int

const (
	AnyoneCanSpend SecretKind = iota
	P2PK
	HTLC
)

func (kind SecretKind) String() string {
	switch kind {
	case P2PK:
		return "P2PK"
	case HTLC:
		return "HTLC"
	default:
		return "anyonecanspend"
	}
}

func kindFromString(kind string) (SecretKind, bool) {
	switch kind {
	case "P2PK":
		return P2PK, true
	case "HTLC":
		return HTLC, true
	}
	return AnyoneCanSpend, false
}

// SecretType returns the kind of a proof's secret.
// Secrets that are not well-known secrets can be spent by anyone.
func SecretType(proof cashu.Proof) SecretKind {
	secret, err := DeserializeSecret(proof.Secret)
	if err != nil {
		return AnyoneCanSpend
	}
	return secret.Kind
}

type WellKnownSecret struct {
	Kind  SecretKind `json:"-"`
	Nonce string     `json:"nonce"`
	Data  string     `json:"data"`
	Tags  [][]string `json:"tags"`
}

// SerializeSecret returns the json string to be put in the secret field of a proof
func SerializeSecret(kind SecretKind, secretData WellKnownSecret) (string, error) {
	if secretData.Tags == nil {
		secretData.Tags = [][]string{}
	}
	jsonSecret, err := json.Marshal(secretData)
	if err != nil {
		return "", err
	}

	secret := fmt.Sprintf("[\"%s\", %v]", kind.String(), string(jsonSecret))
	return secret, nil
}

// DeserializeSecret returns Well-known secret struct.
// It returns error if it's not valid according to NUT-10
func DeserializeSecret(secret string) (WellKnownSecret, error) {
	var rawJsonSecret []json.RawMessage
	if err := json.Unmarshal([]byte(secret), &rawJsonSecret); err != nil {
		return WellKnownSecret{}, fmt.Errorf("%w: secret is not a json array", ErrMalformedCondition)
	}

	if len(rawJsonSecret) != 2 {
		return WellKnownSecret{}, fmt.Errorf("%w: secret should have 2 elements", ErrMalformedCondition)
	}

	var kindStr string
	if err := json.Unmarshal(rawJsonSecret[0], &kindStr); err != nil {
		return WellKnownSecret{}, fmt.Errorf("%w: invalid kind for secret", ErrMalformedCondition)
	}
	kind, ok := kindFromString(kindStr)
	if !ok {
		return WellKnownSecret{}, fmt.Errorf("%w: unknown kind '%v'", ErrMalformedCondition, kindStr)
	}

	var secretData WellKnownSecret
	if err := json.Unmarshal(rawJsonSecret[1], &secretData); err != nil {
		return WellKnownSecret{}, fmt.Errorf("%w: invalid secret: %v", ErrMalformedCondition, err)
	}
	if len(secretData.Data) == 0 {
		return WellKnownSecret{}, fmt.Errorf("%w: empty data", ErrMalformedCondition)
	}
	secretData.Kind = kind

	return secretData, nil
}

// SpendingCondition is the lock put on a new proof.
type SpendingCondition struct {
	Kind SecretKind
	Data string
	Tags [][]string
}

func NewSecretFromSpendingCondition(spendingCondition SpendingCondition) (string, error) {
	if spendingCondition.Kind != P2PK && spendingCondition.Kind != HTLC {
		return "", fmt.Errorf("%w: invalid kind '%s' to create new secret", ErrMalformedCondition, spendingCondition.Kind)
	}
	if len(spendingCondition.Data) == 0 {
		return "", fmt.Errorf("%w: empty data", ErrMalformedCondition)
	}

	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", err
	}

	secretData := WellKnownSecret{
		Nonce: hex.EncodeToString(nonceBytes),
		Data:  spendingCondition.Data,
		Tags:  spendingCondition.Tags,
	}

	return SerializeSecret(spendingCondition.Kind, secretData)
}

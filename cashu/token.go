package cashu

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const tokenPrefix = "cashu"

var (
	ErrMalformedToken     = errors.New("malformed token")
	ErrUnsupportedVersion = errors.New("unsupported token version")
)

// Cashu token. See https://github.com/cashubtc/nuts/blob/main/00.md#token-format
type Token interface {
	Proofs() Proofs
	Mint() string
	Unit() string
	Memo() string
	Amount() uint64
	Serialize() (string, error)
}

// DecodeToken parses a serialized token of any supported version.
func DecodeToken(tokenstr string) (Token, error) {
	tokenstr = strings.TrimSpace(tokenstr)
	if len(tokenstr) < len(tokenPrefix)+2 || !strings.HasPrefix(tokenstr, tokenPrefix) {
		return nil, fmt.Errorf("%w: missing '%v' prefix", ErrMalformedToken, tokenPrefix)
	}

	var (
		token Token
		err   error
	)
	switch version := tokenstr[len(tokenPrefix)]; version {
	case 'A':
		token, err = DecodeTokenV3(tokenstr)
	case 'B':
		token, err = DecodeTokenV4(tokenstr)
	default:
		return nil, fmt.Errorf("%w: '%c'", ErrUnsupportedVersion, version)
	}
	if err != nil {
		return nil, err
	}

	if len(token.Proofs()) == 0 {
		return nil, fmt.Errorf("%w: token has no proofs", ErrMalformedToken)
	}
	return token, nil
}

func decodeBase64(base64Token string) ([]byte, error) {
	tokenBytes, err := base64.URLEncoding.DecodeString(base64Token)
	if err != nil {
		tokenBytes, err = base64.RawURLEncoding.DecodeString(base64Token)
		if err != nil {
			return nil, fmt.Errorf("%w: error decoding token: %v", ErrMalformedToken, err)
		}
	}
	return tokenBytes, nil
}

type TokenV3 struct {
	Token     []TokenV3Proof `json:"token"`
	TokenUnit string         `json:"unit"`
	TokenMemo string         `json:"memo,omitempty"`
}

type TokenV3Proof struct {
	Mint   string `json:"mint"`
	Proofs Proofs `json:"proofs"`
}

func NewTokenV3(proofs Proofs, mint string, unit Unit, memo string) TokenV3 {
	tokenProof := TokenV3Proof{Mint: mint, Proofs: proofs}
	return TokenV3{Token: []TokenV3Proof{tokenProof}, TokenUnit: unit.String(), TokenMemo: memo}
}

func DecodeTokenV3(tokenstr string) (*TokenV3, error) {
	if !strings.HasPrefix(tokenstr, "cashuA") {
		return nil, fmt.Errorf("%w: not a V3 token", ErrMalformedToken)
	}

	tokenBytes, err := decodeBase64(tokenstr[6:])
	if err != nil {
		return nil, err
	}

	var token TokenV3
	if err := json.Unmarshal(tokenBytes, &token); err != nil {
		return nil, fmt.Errorf("%w: error unmarshaling token: %v", ErrMalformedToken, err)
	}
	if len(token.Token) == 0 {
		return nil, fmt.Errorf("%w: token has no mint entries", ErrMalformedToken)
	}

	return &token, nil
}

func (t TokenV3) Proofs() Proofs {
	proofs := make(Proofs, 0)
	for _, tokenProof := range t.Token {
		proofs = append(proofs, tokenProof.Proofs...)
	}
	return proofs
}

func (t TokenV3) Mint() string {
	if len(t.Token) == 0 {
		return ""
	}
	return t.Token[0].Mint
}

func (t TokenV3) Unit() string {
	// unit was optional in early V3 tokens
	if t.TokenUnit == "" {
		return Sat.String()
	}
	return t.TokenUnit
}

func (t TokenV3) Memo() string {
	return t.TokenMemo
}

func (t TokenV3) Amount() uint64 {
	return t.Proofs().Amount()
}

func (t TokenV3) Serialize() (string, error) {
	jsonBytes, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	token := "cashuA" + base64.URLEncoding.EncodeToString(jsonBytes)
	return token, nil
}

// TokenV4 is the CBOR token format. Field order matters
// since it is the order in which the CBOR map is written.
type TokenV4 struct {
	TokenProofs []TokenV4Proof `json:"t"`
	TokenMemo   string         `json:"d,omitempty"`
	MintURL     string         `json:"m"`
	TokenUnit   string         `json:"u"`
}

type TokenV4Proof struct {
	Id     []byte    `json:"i"`
	Proofs []ProofV4 `json:"p"`
}

type ProofV4 struct {
	Amount  uint64 `json:"a"`
	Secret  string `json:"s"`
	C       []byte `json:"c"`
	Witness string `json:"w,omitempty"`
}

// NewTokenV4 groups the proofs by keyset id, keeping the order
// in which each keyset first appears.
func NewTokenV4(proofs Proofs, mint string, unit Unit, memo string) (TokenV4, error) {
	proofsV4 := make([]TokenV4Proof, 0)
	keysetIdx := make(map[string]int)

	for _, proof := range proofs {
		C, err := hex.DecodeString(proof.C)
		if err != nil {
			return TokenV4{}, fmt.Errorf("invalid C: %v", err)
		}
		proofV4 := ProofV4{
			Amount:  proof.Amount,
			Secret:  proof.Secret,
			C:       C,
			Witness: proof.Witness,
		}

		idx, ok := keysetIdx[proof.Id]
		if !ok {
			keysetIdBytes, err := hex.DecodeString(proof.Id)
			if err != nil {
				return TokenV4{}, fmt.Errorf("invalid keyset id: %v", err)
			}
			idx = len(proofsV4)
			keysetIdx[proof.Id] = idx
			proofsV4 = append(proofsV4, TokenV4Proof{Id: keysetIdBytes})
		}
		proofsV4[idx].Proofs = append(proofsV4[idx].Proofs, proofV4)
	}

	return TokenV4{MintURL: mint, TokenUnit: unit.String(), TokenMemo: memo, TokenProofs: proofsV4}, nil
}

func DecodeTokenV4(tokenstr string) (*TokenV4, error) {
	if !strings.HasPrefix(tokenstr, "cashuB") {
		return nil, fmt.Errorf("%w: not a V4 token", ErrMalformedToken)
	}

	tokenBytes, err := decodeBase64(tokenstr[6:])
	if err != nil {
		return nil, err
	}

	var tokenV4 TokenV4
	if err := cbor.Unmarshal(tokenBytes, &tokenV4); err != nil {
		return nil, fmt.Errorf("%w: cbor.Unmarshal: %v", ErrMalformedToken, err)
	}

	return &tokenV4, nil
}

func (t TokenV4) Proofs() Proofs {
	proofs := make(Proofs, 0)
	for _, tokenV4Proof := range t.TokenProofs {
		keysetId := hex.EncodeToString(tokenV4Proof.Id)
		for _, proofV4 := range tokenV4Proof.Proofs {
			proof := Proof{
				Amount:  proofV4.Amount,
				Id:      keysetId,
				Secret:  proofV4.Secret,
				C:       hex.EncodeToString(proofV4.C),
				Witness: proofV4.Witness,
			}
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

func (t TokenV4) Mint() string {
	return t.MintURL
}

func (t TokenV4) Unit() string {
	return t.TokenUnit
}

func (t TokenV4) Memo() string {
	return t.TokenMemo
}

func (t TokenV4) Amount() uint64 {
	return t.Proofs().Amount()
}

func (t TokenV4) Serialize() (string, error) {
	cborData, err := cbor.Marshal(t)
	if err != nil {
		return "", err
	}

	token := "cashuB" + base64.RawURLEncoding.EncodeToString(cborData)
	return token, nil
}

// MarshalJSON shows the V4 token with hex encoded bytes
// when printing a decoded token.
func (t TokenV4) MarshalJSON() ([]byte, error) {
	type jsonProof struct {
		Amount  uint64 `json:"amount"`
		Id      string `json:"id"`
		Secret  string `json:"secret"`
		C       string `json:"C"`
		Witness string `json:"witness,omitempty"`
	}
	proofs := t.Proofs()
	jsonProofs := make([]jsonProof, len(proofs))
	for i, p := range proofs {
		jsonProofs[i] = jsonProof{p.Amount, p.Id, p.Secret, p.C, p.Witness}
	}

	return json.Marshal(struct {
		Mint   string      `json:"mint"`
		Unit   string      `json:"unit"`
		Memo   string      `json:"memo,omitempty"`
		Proofs []jsonProof `json:"proofs"`
	}{t.MintURL, t.TokenUnit, t.TokenMemo, jsonProofs})
}

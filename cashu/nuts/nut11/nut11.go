// Package nut11 implements Pay-to-Public-Key spending conditions as defined in [NUT-11]
//
// [NUT-11]: https://github.com/cashubtc/nuts/blob/main/11.md
package nut11

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut10"
)

const (
	// supported tags
	SIGFLAG  = "sigflag"
	NSIGS    = "n_sigs"
	PUBKEYS  = "pubkeys"
	LOCKTIME = "locktime"
	REFUND   = "refund"

	// SIGFLAG types
	SIGINPUTS = "SIG_INPUTS"
	SIGALL    = "SIG_ALL"

	maxTags = 5
)

var (
	ErrInvalidTag          = fmt.Errorf("%w: invalid tag", nut10.ErrMalformedCondition)
	ErrTooManyTags         = fmt.Errorf("%w: too many tags", nut10.ErrMalformedCondition)
	ErrNSigsMustBePositive = fmt.Errorf("%w: n_sigs must be a positive integer", nut10.ErrMalformedCondition)
	ErrInvalidWitness      = fmt.Errorf("%w: invalid witness", nut10.ErrMalformedCondition)
	ErrEmptyWitness        = fmt.Errorf("%w: witness cannot be empty", nut10.ErrConditionUnsatisfied)
	ErrNotEnoughSignatures = fmt.Errorf("%w: not enough valid signatures provided", nut10.ErrConditionUnsatisfied)
	ErrNoSigningKey        = errors.New("none of the keys can sign the proof")
)

type P2PKWitness struct {
	Signatures []string `json:"signatures"`
}

type P2PKTags struct {
	Sigflag  string
	NSigs    int
	Pubkeys  []*btcec.PublicKey
	Locktime int64
	Refund   []*btcec.PublicKey
}

// P2PKSecret returns a secret with a spending condition
// that will lock ecash to a public key
func P2PKSecret(pubkey string, tags P2PKTags) (string, error) {
	if _, err := ParsePublicKey(pubkey); err != nil {
		return "", err
	}

	return nut10.NewSecretFromSpendingCondition(nut10.SpendingCondition{
		Kind: nut10.P2PK,
		Data: pubkey,
		Tags: SerializeP2PKTags(tags),
	})
}

// SerializeP2PKTags returns the tags in the form they go in a secret.
// Unset fields are left out.
func SerializeP2PKTags(p2pkTags P2PKTags) [][]string {
	tags := [][]string{}

	if len(p2pkTags.Sigflag) > 0 {
		tags = append(tags, []string{SIGFLAG, p2pkTags.Sigflag})
	}
	if p2pkTags.NSigs > 0 {
		tags = append(tags, []string{NSIGS, strconv.Itoa(p2pkTags.NSigs)})
	}
	if len(p2pkTags.Pubkeys) > 0 {
		tags = append(tags, append([]string{PUBKEYS}, hexKeys(p2pkTags.Pubkeys)...))
	}
	if p2pkTags.Locktime > 0 {
		tags = append(tags, []string{LOCKTIME, strconv.FormatInt(p2pkTags.Locktime, 10)})
	}
	if len(p2pkTags.Refund) > 0 {
		tags = append(tags, append([]string{REFUND}, hexKeys(p2pkTags.Refund)...))
	}

	return tags
}

func hexKeys(keys []*btcec.PublicKey) []string {
	hexKeys := make([]string, len(keys))
	for i, key := range keys {
		hexKeys[i] = hex.EncodeToString(key.SerializeCompressed())
	}
	return hexKeys
}

func ParseP2PKTags(tags [][]string) (*P2PKTags, error) {
	if len(tags) > maxTags {
		return nil, ErrTooManyTags
	}

	p2pkTags := P2PKTags{}

	for _, tag := range tags {
		if len(tag) < 2 {
			return nil, ErrInvalidTag
		}
		switch tag[0] {
		case SIGFLAG:
			sigflagType := tag[1]
			if sigflagType != SIGINPUTS && sigflagType != SIGALL {
				return nil, fmt.Errorf("%w: invalid sigflag: %v", nut10.ErrMalformedCondition, sigflagType)
			}
			p2pkTags.Sigflag = sigflagType
		case NSIGS:
			nsig, err := strconv.ParseInt(tag[1], 10, 8)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid n_sigs value: %v", nut10.ErrMalformedCondition, err)
			}
			if nsig < 0 {
				return nil, ErrNSigsMustBePositive
			}
			p2pkTags.NSigs = int(nsig)
		case PUBKEYS:
			pubkeys, err := parsePublicKeys(tag[1:])
			if err != nil {
				return nil, err
			}
			p2pkTags.Pubkeys = pubkeys
		case LOCKTIME:
			locktime, err := strconv.ParseInt(tag[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid locktime: %v", nut10.ErrMalformedCondition, err)
			}
			p2pkTags.Locktime = locktime
		case REFUND:
			refundKeys, err := parsePublicKeys(tag[1:])
			if err != nil {
				return nil, err
			}
			p2pkTags.Refund = refundKeys
		}
	}

	return &p2pkTags, nil
}

func parsePublicKeys(keys []string) ([]*btcec.PublicKey, error) {
	pubkeys := make([]*btcec.PublicKey, len(keys))
	for i, key := range keys {
		pubkey, err := ParsePublicKey(key)
		if err != nil {
			return nil, err
		}
		pubkeys[i] = pubkey
	}
	return pubkeys, nil
}

// AddSignatureToInputs signs every input with each of the keys
// that is allowed to sign it and sets the witness on the proof.
func AddSignatureToInputs(inputs cashu.Proofs, signingKeys []*btcec.PrivateKey) (cashu.Proofs, error) {
	for i, proof := range inputs {
		secret, err := nut10.DeserializeSecret(proof.Secret)
		if err != nil {
			return nil, err
		}

		signatures, err := SignSecret(proof.Secret, secret, signingKeys)
		if err != nil {
			return nil, err
		}

		witness, err := json.Marshal(P2PKWitness{Signatures: signatures})
		if err != nil {
			return nil, err
		}
		proof.Witness = string(witness)
		inputs[i] = proof
	}

	return inputs, nil
}

// SignSecret returns the hex encoded signatures over the secret
// from the keys that are allowed to sign it.
func SignSecret(rawSecret string, secret nut10.WellKnownSecret, keys []*btcec.PrivateKey) ([]string, error) {
	hash := sha256.Sum256([]byte(rawSecret))
	signatures := []string{}
	for _, key := range keys {
		if !CanSign(secret, key) {
			continue
		}
		signature, err := schnorr.Sign(key, hash[:])
		if err != nil {
			return nil, err
		}
		signatures = append(signatures, hex.EncodeToString(signature.Serialize()))
	}

	if len(signatures) == 0 {
		return nil, ErrNoSigningKey
	}
	return signatures, nil
}

// PublicKeys returns a list of public keys that can sign
// a P2PK locked proof before its locktime
func PublicKeys(secret nut10.WellKnownSecret) ([]*btcec.PublicKey, error) {
	p2pkTags, err := ParseP2PKTags(secret.Tags)
	if err != nil {
		return nil, err
	}

	pubkey, err := ParsePublicKey(secret.Data)
	if err != nil {
		return nil, err
	}
	return append([]*btcec.PublicKey{pubkey}, p2pkTags.Pubkeys...), nil
}

func IsSigAll(secret nut10.WellKnownSecret) bool {
	for _, tag := range secret.Tags {
		if len(tag) == 2 && tag[0] == SIGFLAG && tag[1] == SIGALL {
			return true
		}
	}
	return false
}

// CanSign reports whether key is one of the signing or refund keys of the secret.
func CanSign(secret nut10.WellKnownSecret, key *btcec.PrivateKey) bool {
	candidates := []string{secret.Data}
	for _, tag := range secret.Tags {
		if len(tag) > 1 && (tag[0] == PUBKEYS || tag[0] == REFUND) {
			candidates = append(candidates, tag[1:]...)
		}
	}

	for _, candidate := range candidates {
		pubkey, err := ParsePublicKey(candidate)
		if err != nil {
			continue
		}
		if pubkey.IsEqual(key.PubKey()) {
			return true
		}
	}
	return false
}

// HasValidSignatures reports whether at least nsigs distinct keys
// from pubkeys produced one of the signatures over hash.
func HasValidSignatures(hash []byte, signatures []string, nsigs int, pubkeys []*btcec.PublicKey) bool {
	used := make([]bool, len(pubkeys))

	validSignatures := 0
	for _, signature := range signatures {
		sig, err := ParseSignature(signature)
		if err != nil {
			continue
		}

		for i, pubkey := range pubkeys {
			if !used[i] && sig.Verify(hash, pubkey) {
				used[i] = true
				validSignatures++
				break
			}
		}
	}

	return validSignatures >= nsigs
}

// VerifyP2PK checks the witness of a P2PK locked proof. Locktime is
// compared against now, so the result can change as time passes.
func VerifyP2PK(proof cashu.Proof, now time.Time) error {
	secret, err := nut10.DeserializeSecret(proof.Secret)
	if err != nil {
		return err
	}
	if secret.Kind != nut10.P2PK {
		return fmt.Errorf("%w: secret is not P2PK", nut10.ErrMalformedCondition)
	}

	p2pkTags, err := ParseP2PKTags(secret.Tags)
	if err != nil {
		return err
	}
	pubkeys, err := PublicKeys(secret)
	if err != nil {
		return err
	}

	var signatures []string
	if len(proof.Witness) > 0 {
		var witness P2PKWitness
		if err := json.Unmarshal([]byte(proof.Witness), &witness); err != nil {
			return ErrInvalidWitness
		}
		signatures = witness.Signatures
	}

	hash := sha256.Sum256([]byte(proof.Secret))
	return VerifySignatures(hash[:], signatures, p2pkTags, pubkeys, now)
}

// VerifySignatures applies the signature and locktime rules shared
// by P2PK and HTLC conditions.
func VerifySignatures(
	hash []byte,
	signatures []string,
	tags *P2PKTags,
	pubkeys []*btcec.PublicKey,
	now time.Time,
) error {
	nsigs := tags.NSigs
	if nsigs == 0 {
		nsigs = 1
	}

	if len(signatures) > 0 && HasValidSignatures(hash, signatures, nsigs, pubkeys) {
		return nil
	}

	if tags.Locktime > 0 && now.Unix() > tags.Locktime {
		// after locktime, anyone can spend if there are no refund keys
		if len(tags.Refund) == 0 {
			return nil
		}
		if HasValidSignatures(hash, signatures, 1, tags.Refund) {
			return nil
		}
	}

	if len(signatures) == 0 {
		return ErrEmptyWitness
	}
	return ErrNotEnoughSignatures
}

func ParsePublicKey(key string) (*btcec.PublicKey, error) {
	hexPubkey, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid public key: %v", nut10.ErrMalformedCondition, err)
	}
	pubkey, err := btcec.ParsePubKey(hexPubkey)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid public key: %v", nut10.ErrMalformedCondition, err)
	}
	return pubkey, nil
}

func ParseSignature(signature string) (*schnorr.Signature, error) {
	hexSig, err := hex.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid signature: %v", nut10.ErrMalformedCondition, err)
	}
	sig, err := schnorr.ParseSignature(hexSig)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid signature: %v", nut10.ErrMalformedCondition, err)
	}
	return sig, nil
}

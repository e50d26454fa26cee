// Package fakemint is an in-memory Cashu mint served over httptest.
// It signs with real keys and verifies proofs and spending conditions,
// so wallet flows can be exercised end to end. Faults can be injected
// per route to test how the wallet recovers.
package fakemint

import (
	"encoding/hex"
	"fmt"
	"io"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut04"
	"github.com/elnosh/nutcore/cashu/nuts/nut05"
	"github.com/elnosh/nutcore/cashu/nuts/nut07"
	"github.com/elnosh/nutcore/cashu/nuts/nut10"
	"github.com/elnosh/nutcore/cashu/nuts/nut11"
	"github.com/elnosh/nutcore/cashu/nuts/nut14"
	"github.com/elnosh/nutcore/cashu/nuts/nut20"
	"github.com/elnosh/nutcore/crypto"
	"github.com/google/uuid"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/sirupsen/logrus"
)

type Options struct {
	InputFeePpk uint
	// FeeReserve is added to every melt quote
	FeeReserve uint64
	// LightningFee is the fee actually paid when a melt succeeds.
	// The rest of the fee reserve is returned as change.
	LightningFee uint64
	QuoteExpiry  time.Duration
	DisableNUT20 bool
	Logger       *logrus.Logger
}

type mintQuote struct {
	id      string
	amount  uint64
	unit    string
	invoice invoice
	state   nut04.State
	expiry  int64
	pubkey  *secp256k1.PublicKey
}

type meltQuote struct {
	id         string
	request    string
	amount     uint64
	feeReserve uint64
	state      nut05.State
	expiry     int64
	preimage   string
	pendingYs  []string
	outputs    cashu.BlindedMessages
	inputFee   uint64
	inputTotal uint64
	change     cashu.BlindedSignatures
}

type Mint struct {
	mu sync.Mutex

	master       *hdkeychain.ExtendedKey
	keysets      map[string]*crypto.MintKeyset
	activeKeyset *crypto.MintKeyset

	mintQuotes map[string]*mintQuote
	meltQuotes map[string]*meltQuote
	spent      map[string]bool
	pending    map[string]bool
	// signatures by B_ for restore
	signatures map[string]cashu.BlindedSignature

	opts   Options
	faults *faults
	ws     *wsManager
	logger *logrus.Logger
	server *httptest.Server
}

// New starts a mint with a single active sat keyset.
func New(opts Options) (*Mint, error) {
	seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	if err != nil {
		return nil, err
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	if opts.QuoteExpiry == 0 {
		opts.QuoteExpiry = time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	mint := &Mint{
		master:     master,
		keysets:    make(map[string]*crypto.MintKeyset),
		mintQuotes: make(map[string]*mintQuote),
		meltQuotes: make(map[string]*meltQuote),
		spent:      make(map[string]bool),
		pending:    make(map[string]bool),
		signatures: make(map[string]cashu.BlindedSignature),
		opts:       opts,
		faults:     newFaults(),
		logger:     logger,
	}
	mint.ws = newWsManager(mint)
	if err := mint.RotateKeyset(opts.InputFeePpk); err != nil {
		return nil, err
	}

	mint.server = httptest.NewServer(mint.router())
	return mint, nil
}

func (m *Mint) URL() string {
	return m.server.URL
}

func (m *Mint) Close() {
	m.ws.closeAll()
	m.server.Close()
}

// RotateKeyset creates a new active keyset and deactivates the current one.
func (m *Mint) RotateKeyset(inputFeePpk uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keyset, err := crypto.GenerateKeyset(m.master, uint32(len(m.keysets)), inputFeePpk)
	if err != nil {
		return err
	}
	if m.activeKeyset != nil {
		m.activeKeyset.Active = false
	}
	m.keysets[keyset.Id] = keyset
	m.activeKeyset = keyset
	return nil
}

func (m *Mint) ActiveKeysetId() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeKeyset.Id
}

// PayQuote marks the invoice of the mint quote as paid.
func (m *Mint) PayQuote(quoteId string) error {
	m.mu.Lock()
	quote, ok := m.mintQuotes[quoteId]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("quote '%v' does not exist", quoteId)
	}
	if quote.state == nut04.Unpaid {
		quote.state = nut04.Paid
	}
	response := quote.response()
	m.mu.Unlock()

	m.ws.notify(mintQuoteKind, quoteId, response)
	return nil
}

// SetMeltPending makes melts stay pending until ResolveMelt is called.
func (m *Mint) SetMeltPending(pending bool) {
	m.faults.setMeltPending(pending)
}

// ResolveMelt settles a pending melt. If paid is false
// the inputs are released and the quote goes back to unpaid.
func (m *Mint) ResolveMelt(quoteId string, paid bool) error {
	m.mu.Lock()
	quote, ok := m.meltQuotes[quoteId]
	if !ok || quote.state != nut05.Pending {
		m.mu.Unlock()
		return fmt.Errorf("quote '%v' is not pending", quoteId)
	}

	for _, Y := range quote.pendingYs {
		delete(m.pending, Y)
		if paid {
			m.spent[Y] = true
		}
	}
	quote.pendingYs = nil
	if paid {
		if err := m.completeMelt(quote); err != nil {
			m.mu.Unlock()
			return err
		}
	} else {
		quote.state = nut05.Unpaid
	}
	response := quote.response()
	m.mu.Unlock()

	m.ws.notify(meltQuoteKind, quoteId, response)
	return nil
}

// IsSpent reports whether the proof was spent at the mint.
func (m *Mint) IsSpent(proof cashu.Proof) bool {
	Y, err := proofY(proof.Secret)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spent[Y]
}

func proofY(secret string) (string, error) {
	Y, err := crypto.HashToCurve([]byte(secret))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(Y.SerializeCompressed()), nil
}

func (q *mintQuote) response() nut04.PostMintQuoteBolt11Response {
	response := nut04.PostMintQuoteBolt11Response{
		Quote:   q.id,
		Request: q.invoice.paymentRequest,
		State:   q.state,
		Expiry:  q.expiry,
	}
	if q.pubkey != nil {
		response.Pubkey = hex.EncodeToString(q.pubkey.SerializeCompressed())
	}
	return response
}

func (q *meltQuote) response() nut05.PostMeltQuoteBolt11Response {
	return nut05.PostMeltQuoteBolt11Response{
		Quote:      q.id,
		Request:    q.request,
		Amount:     q.amount,
		FeeReserve: q.feeReserve,
		State:      q.state,
		Expiry:     q.expiry,
		Preimage:   q.preimage,
		Change:     q.change,
	}
}

func (m *Mint) requestMintQuote(amount uint64, unit, pubkey string) (nut04.PostMintQuoteBolt11Response, error) {
	if unit != cashu.Sat.String() {
		return nut04.PostMintQuoteBolt11Response{}, cashu.UnitNotSupportedErr
	}
	if amount == 0 {
		return nut04.PostMintQuoteBolt11Response{}, cashu.Error{Detail: "amount must be greater than zero", Code: cashu.StandardErrCode}
	}

	quote := &mintQuote{
		id:     uuid.NewString(),
		amount: amount,
		unit:   unit,
		state:  nut04.Unpaid,
		expiry: time.Now().Add(m.opts.QuoteExpiry).Unix(),
	}
	if len(pubkey) > 0 {
		key, err := nut11.ParsePublicKey(pubkey)
		if err != nil {
			return nut04.PostMintQuoteBolt11Response{}, cashu.Error{Detail: "invalid pubkey", Code: cashu.StandardErrCode}
		}
		quote.pubkey = key
	}

	inv, err := newInvoice(amount)
	if err != nil {
		return nut04.PostMintQuoteBolt11Response{}, err
	}
	quote.invoice = inv

	m.mu.Lock()
	m.mintQuotes[quote.id] = quote
	m.mu.Unlock()

	m.logger.WithField("quote", quote.id).Debug("created mint quote")
	return quote.response(), nil
}

func (m *Mint) mintQuoteState(quoteId string) (nut04.PostMintQuoteBolt11Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	quote, ok := m.mintQuotes[quoteId]
	if !ok {
		return nut04.PostMintQuoteBolt11Response{}, cashu.QuoteNotExistErr
	}
	return quote.response(), nil
}

func (m *Mint) mintTokens(req nut04.PostMintBolt11Request) (cashu.BlindedSignatures, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	quote, ok := m.mintQuotes[req.Quote]
	if !ok {
		return nil, cashu.QuoteNotExistErr
	}
	switch quote.state {
	case nut04.Unpaid:
		if time.Now().Unix() > quote.expiry {
			return nil, cashu.QuoteExpiredErr
		}
		return nil, cashu.MintQuoteRequestNotPaid
	case nut04.Issued:
		return nil, cashu.MintQuoteAlreadyIssued
	}

	if quote.pubkey != nil {
		if err := nut20.VerifyMintQuoteSignature(req.Signature, req.Quote, req.Outputs, quote.pubkey); err != nil {
			return nil, cashu.MintQuoteInvalidSigErr
		}
	}

	total, err := outputsAmount(req.Outputs)
	if err != nil {
		return nil, err
	}
	if total > quote.amount {
		return nil, cashu.OutputsOverQuoteAmountErr
	}

	signatures, err := m.signBlindedMessages(req.Outputs)
	if err != nil {
		return nil, err
	}
	quote.state = nut04.Issued
	return signatures, nil
}

func (m *Mint) swap(inputs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	Ys, err := m.verifyProofs(inputs)
	if err != nil {
		return nil, err
	}

	inputsAmount := inputs.Amount()
	outputsTotal, err := outputsAmount(outputs)
	if err != nil {
		return nil, err
	}
	fees := m.inputFees(inputs)
	if inputsAmount != outputsTotal+fees {
		return nil, cashu.Error{
			Detail: fmt.Sprintf("inputs (%v) and outputs (%v) plus fees (%v) are not balanced", inputsAmount, outputsTotal, fees),
			Code:   cashu.InsufficientProofAmountErrCode,
		}
	}

	signatures, err := m.signBlindedMessages(outputs)
	if err != nil {
		return nil, err
	}
	for _, Y := range Ys {
		m.spent[Y] = true
	}
	return signatures, nil
}

func (m *Mint) requestMeltQuote(request, unit string) (nut05.PostMeltQuoteBolt11Response, error) {
	if unit != cashu.Sat.String() {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.UnitNotSupportedErr
	}
	bolt11, err := decodepay.Decodepay(request)
	if err != nil {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.Error{Detail: "invalid invoice: " + err.Error(), Code: cashu.MeltQuoteErrCode}
	}
	if bolt11.MSatoshi == 0 {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.Error{Detail: "invoice has no amount", Code: cashu.MeltQuoteErrCode}
	}

	quote := &meltQuote{
		id:         uuid.NewString(),
		request:    request,
		amount:     uint64(bolt11.MSatoshi) / 1000,
		feeReserve: m.opts.FeeReserve,
		state:      nut05.Unpaid,
		expiry:     time.Now().Add(m.opts.QuoteExpiry).Unix(),
	}
	m.mu.Lock()
	m.meltQuotes[quote.id] = quote
	m.mu.Unlock()

	return quote.response(), nil
}

func (m *Mint) meltQuoteState(quoteId string) (nut05.PostMeltQuoteBolt11Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	quote, ok := m.meltQuotes[quoteId]
	if !ok {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.QuoteNotExistErr
	}
	return quote.response(), nil
}

func (m *Mint) melt(req nut05.PostMeltBolt11Request) (nut05.PostMeltQuoteBolt11Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	quote, ok := m.meltQuotes[req.Quote]
	if !ok {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.QuoteNotExistErr
	}
	switch quote.state {
	case nut05.Paid:
		return nut05.PostMeltQuoteBolt11Response{}, cashu.MeltQuoteAlreadyPaid
	case nut05.Pending:
		return nut05.PostMeltQuoteBolt11Response{}, cashu.QuotePending
	}

	Ys, err := m.verifyProofs(req.Inputs)
	if err != nil {
		return nut05.PostMeltQuoteBolt11Response{}, err
	}
	fees := m.inputFees(req.Inputs)
	inputsAmount := req.Inputs.Amount()
	if inputsAmount < quote.amount+quote.feeReserve+fees {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.InsufficientProofsAmount
	}
	quote.inputTotal = inputsAmount
	quote.inputFee = fees
	quote.outputs = req.Outputs

	if m.faults.isMeltPending() {
		for _, Y := range Ys {
			m.pending[Y] = true
		}
		quote.pendingYs = Ys
		quote.state = nut05.Pending
		return quote.response(), nil
	}

	for _, Y := range Ys {
		m.spent[Y] = true
	}
	if err := m.completeMelt(quote); err != nil {
		return nut05.PostMeltQuoteBolt11Response{}, err
	}
	return quote.response(), nil
}

// completeMelt marks the quote paid and signs the blank outputs
// with the overpaid amount.
func (m *Mint) completeMelt(quote *meltQuote) error {
	quote.state = nut05.Paid
	quote.preimage = hex.EncodeToString(make([]byte, 32))

	paid := quote.amount + quote.inputFee + m.opts.LightningFee
	if quote.inputTotal <= paid || len(quote.outputs) == 0 {
		return nil
	}

	changeAmounts := cashu.AmountSplit(quote.inputTotal - paid)
	if len(changeAmounts) > len(quote.outputs) {
		changeAmounts = changeAmounts[:len(quote.outputs)]
	}
	outputs := make(cashu.BlindedMessages, len(changeAmounts))
	for i, amount := range changeAmounts {
		outputs[i] = quote.outputs[i]
		outputs[i].Amount = amount
	}
	change, err := m.signBlindedMessages(outputs)
	if err != nil {
		return err
	}
	quote.change = change
	return nil
}

func (m *Mint) checkState(Ys []string) []nut07.ProofState {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make([]nut07.ProofState, len(Ys))
	for i, Y := range Ys {
		state := nut07.Unspent
		if m.spent[Y] {
			state = nut07.Spent
		} else if m.pending[Y] {
			state = nut07.Pending
		}
		states[i] = nut07.ProofState{Y: Y, State: state}
	}
	return states
}

func (m *Mint) restore(outputs cashu.BlindedMessages) (cashu.BlindedMessages, cashu.BlindedSignatures) {
	m.mu.Lock()
	defer m.mu.Unlock()

	restoredOutputs := cashu.BlindedMessages{}
	signatures := cashu.BlindedSignatures{}
	for _, output := range outputs {
		if signature, ok := m.signatures[output.B_]; ok {
			restoredOutputs = append(restoredOutputs, output)
			signatures = append(signatures, signature)
		}
	}
	return restoredOutputs, signatures
}

// verifyProofs checks the proofs can be spent and returns their Ys.
// Must be called with the lock held.
func (m *Mint) verifyProofs(proofs cashu.Proofs) ([]string, error) {
	if len(proofs) == 0 {
		return nil, cashu.NoProofsProvided
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return nil, cashu.DuplicateProofs
	}
	if _, err := proofs.AmountChecked(); err != nil {
		return nil, cashu.InvalidProofErr
	}

	now := time.Now()
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := proofY(proof.Secret)
		if err != nil {
			return nil, cashu.InvalidProofErr
		}
		if m.spent[Y] {
			return nil, cashu.ProofAlreadyUsedErr
		}
		if m.pending[Y] {
			return nil, cashu.ProofPendingErr
		}

		keyset, ok := m.keysets[proof.Id]
		if !ok {
			return nil, cashu.UnknownKeysetErr
		}
		key, ok := keyset.Keys[proof.Amount]
		if !ok {
			return nil, cashu.InvalidProofErr
		}
		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return nil, cashu.InvalidProofErr
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return nil, cashu.InvalidProofErr
		}
		if !crypto.Verify([]byte(proof.Secret), key.PrivateKey, C) {
			return nil, cashu.InvalidProofErr
		}

		switch nut10.SecretType(proof) {
		case nut10.P2PK:
			err = nut11.VerifyP2PK(proof, now)
		case nut10.HTLC:
			err = nut14.VerifyHTLC(proof, now)
		}
		if err != nil {
			return nil, cashu.Error{Detail: err.Error(), Code: cashu.InvalidProofErrCode}
		}
		Ys[i] = Y
	}
	return Ys, nil
}

// Must be called with the lock held.
func (m *Mint) signBlindedMessages(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	seen := make(map[string]bool, len(outputs))
	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		if _, ok := m.signatures[output.B_]; ok || seen[output.B_] {
			return nil, cashu.BlindedMessageAlreadySigned
		}
		seen[output.B_] = true

		keyset, ok := m.keysets[output.Id]
		if !ok {
			return nil, cashu.UnknownKeysetErr
		}
		if !keyset.Active {
			return nil, cashu.Error{Detail: "keyset is inactive", Code: cashu.InactiveKeysetErrCode}
		}
		key, ok := keyset.Keys[output.Amount]
		if !ok {
			return nil, cashu.InvalidBlindedMessageAmount
		}

		B_bytes, err := hex.DecodeString(output.B_)
		if err != nil {
			return nil, cashu.StandardErr
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, cashu.Error{Detail: err.Error(), Code: cashu.StandardErrCode}
		}

		C_ := crypto.SignBlindedMessage(B_, key.PrivateKey)
		signatures[i] = cashu.BlindedSignature{
			Amount: output.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     keyset.Id,
		}
	}

	for i, output := range outputs {
		m.signatures[output.B_] = signatures[i]
	}
	return signatures, nil
}

// Must be called with the lock held.
func (m *Mint) inputFees(inputs cashu.Proofs) uint64 {
	var feePpk uint64
	for _, proof := range inputs {
		if keyset, ok := m.keysets[proof.Id]; ok {
			feePpk += uint64(keyset.InputFeePpk)
		}
	}
	return (feePpk + 999) / 1000
}

func outputsAmount(outputs cashu.BlindedMessages) (uint64, error) {
	var total uint64
	for _, output := range outputs {
		var err error
		total, err = cashu.OverflowAddUint64(total, output.Amount)
		if err != nil {
			return 0, cashu.InvalidBlindedMessageAmount
		}
	}
	return total, nil
}

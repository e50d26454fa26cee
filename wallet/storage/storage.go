package storage

import (
	"encoding/hex"
	"errors"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut04"
	"github.com/elnosh/nutcore/cashu/nuts/nut05"
	"github.com/elnosh/nutcore/crypto"
)

var (
	ErrKeysetNotFound = errors.New("keyset not found")
	ErrQuoteNotFound  = errors.New("quote not found")
)

// Tx holds the operations available on the wallet store.
// Outside of Update each call is its own transaction.
type Tx interface {
	SaveProofs(cashu.Proofs) error
	GetProofs() cashu.Proofs
	GetProofsByKeysetId(string) cashu.Proofs
	DeleteProof(string) error

	AddPendingProofs([]DBProof) error
	GetPendingProofs() []DBProof
	GetPendingProofsByQuoteId(string) []DBProof
	DeletePendingProofs([]string) error
	DeletePendingProofsByQuoteId(string) error

	SavePendingSwap(PendingSwap) error
	GetPendingSwaps() []PendingSwap
	DeletePendingSwap(id string) error

	SaveKeyset(*crypto.WalletKeyset) error
	GetKeysets() crypto.KeysetsMap
	GetKeyset(string) *crypto.WalletKeyset
	// ReserveKeysetCounter advances the counter of the keyset by num
	// and returns the value it had before.
	ReserveKeysetCounter(id string, num uint32) (uint32, error)
	SetKeysetCounter(id string, counter uint32) error
	GetKeysetCounter(string) uint32

	SaveMnemonicSeed(string, []byte) error
	GetSeed() []byte
	GetMnemonic() string

	SaveMintQuote(MintQuote) error
	GetMintQuotes() []MintQuote
	GetMintQuoteById(string) *MintQuote

	SaveMeltQuote(MeltQuote) error
	GetMeltQuotes() []MeltQuote
	GetMeltQuoteById(string) *MeltQuote
}

type DB interface {
	Tx
	// Update runs fn in a single transaction. If fn returns an error
	// none of its writes are applied.
	Update(fn func(tx Tx) error) error
	Close() error
}

// DBProof is a proof that has been sent as input to the mint
// but whose spend has not been confirmed yet.
type DBProof struct {
	Y       string `json:"y"`
	Amount  uint64 `json:"amount"`
	Id      string `json:"id"`
	Secret  string `json:"secret"`
	C       string `json:"C"`
	Witness string `json:"witness,omitempty"`
	Mint    string `json:"mint"`
	// set if proofs are tied to a melt quote
	MeltQuoteId string `json:"quote_id"`
}

func (p DBProof) Proof() cashu.Proof {
	return cashu.Proof{
		Amount:  p.Amount,
		Id:      p.Id,
		Secret:  p.Secret,
		C:       p.C,
		Witness: p.Witness,
	}
}

// ToDBProofs marks the proofs as pending at mint, optionally tied to a melt quote.
func ToDBProofs(proofs cashu.Proofs, mint, quoteId string) ([]DBProof, error) {
	dbProofs := make([]DBProof, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, err
		}

		dbProofs[i] = DBProof{
			Y:           hex.EncodeToString(Y.SerializeCompressed()),
			Amount:      proof.Amount,
			Id:          proof.Id,
			Secret:      proof.Secret,
			C:           proof.C,
			Witness:     proof.Witness,
			Mint:        mint,
			MeltQuoteId: quoteId,
		}
	}
	return dbProofs, nil
}

func PendingToProofs(dbProofs []DBProof) cashu.Proofs {
	proofs := make(cashu.Proofs, len(dbProofs))
	for i, dbProof := range dbProofs {
		proofs[i] = dbProof.Proof()
	}
	return proofs
}

func PendingYs(dbProofs []DBProof) []string {
	Ys := make([]string, len(dbProofs))
	for i, dbProof := range dbProofs {
		Ys[i] = dbProof.Y
	}
	return Ys
}

// PendingSwap holds the outputs of a swap request so the proofs the mint
// signed can be restored if the response never arrives.
// Outputs with a spending condition come first and have random secrets,
// the rest are derived from the seed starting at CounterStart.
type PendingSwap struct {
	Id       string `json:"id"`
	Mint     string `json:"mint"`
	KeysetId string `json:"keyset_id"`
	// Ys of the inputs, held in the pending proofs until the swap is resolved
	InputYs      []string `json:"input_ys"`
	Amounts      []uint64 `json:"amounts"`
	CounterStart uint32   `json:"counter_start"`
	Secrets      []string `json:"secrets,omitempty"`
	// hex encoded blinding factors of the conditional outputs
	Rs        []string `json:"rs,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

type MintQuote struct {
	QuoteId        string      `json:"id"`
	Mint           string      `json:"mint"`
	Method         string      `json:"method"`
	State          nut04.State `json:"state"`
	Unit           string      `json:"unit"`
	PaymentRequest string      `json:"payment_request"`
	Amount         uint64      `json:"amount"`
	CreatedAt      int64       `json:"created_at"`
	SettledAt      int64       `json:"settled_at"`
	QuoteExpiry    int64       `json:"expiry"`
	// hex encoded key the quote is locked to
	PrivateKey string `json:"private_key,omitempty"`
	// outputs committed to for issuing the quote
	KeysetId     string `json:"keyset_id,omitempty"`
	CounterStart uint32 `json:"counter_start"`
	OutputCount  uint32 `json:"output_count"`
}

type MeltQuote struct {
	QuoteId        string      `json:"id"`
	Mint           string      `json:"mint"`
	Method         string      `json:"method"`
	State          nut05.State `json:"state"`
	Unit           string      `json:"unit"`
	PaymentRequest string      `json:"payment_request"`
	Amount         uint64      `json:"amount"`
	FeeReserve     uint64      `json:"fee_reserve"`
	Preimage       string      `json:"preimage"`
	CreatedAt      int64       `json:"created_at"`
	SettledAt      int64       `json:"settled_at"`
	QuoteExpiry    int64       `json:"expiry"`
	// blank outputs sent for the fee reserve change
	KeysetId     string `json:"keyset_id,omitempty"`
	CounterStart uint32 `json:"counter_start"`
	OutputCount  uint32 `json:"output_count"`
}

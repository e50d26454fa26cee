// Package storagetest runs the same checks against every wallet store.
package storagetest

import (
	"errors"
	"math"
	"math/rand/v2"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut04"
	"github.com/elnosh/nutcore/cashu/nuts/nut05"
	"github.com/elnosh/nutcore/crypto"
	"github.com/elnosh/nutcore/wallet/storage"
)

// TestDB runs all the store checks against an empty db.
func TestDB(t *testing.T, db storage.DB) {
	t.Run("Proofs", func(t *testing.T) { testProofs(t, db) })
	t.Run("PendingProofs", func(t *testing.T) { testPendingProofs(t, db) })
	t.Run("PendingSwaps", func(t *testing.T) { testPendingSwaps(t, db) })
	t.Run("Keysets", func(t *testing.T) { testKeysets(t, db) })
	t.Run("MintQuotes", func(t *testing.T) { testMintQuotes(t, db) })
	t.Run("MeltQuotes", func(t *testing.T) { testMeltQuotes(t, db) })
	t.Run("Seed", func(t *testing.T) { testSeed(t, db) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, db) })
}

func testProofs(t *testing.T, db storage.DB) {
	keysetId1 := "keysetId12345"
	numProofsKeysetId1 := 50
	randomProofs1 := GenerateRandomProofs(keysetId1, numProofsKeysetId1)

	if err := db.SaveProofs(randomProofs1); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	proofs := db.GetProofs()
	if len(proofs) != numProofsKeysetId1 {
		t.Fatalf("expected '%v' proofs from db but got '%v'", numProofsKeysetId1, len(proofs))
	}

	keysetId2 := "someotherKeysetId123"
	numProofsKeysetId2 := 100
	randomProofs2 := GenerateRandomProofs(keysetId2, numProofsKeysetId2)

	if err := db.SaveProofs(randomProofs2); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	proofsById := db.GetProofsByKeysetId(keysetId1)
	if len(proofsById) != numProofsKeysetId1 {
		t.Fatalf("expected '%v' proofs from db for keyset '%v' but got '%v'",
			numProofsKeysetId1, keysetId1, len(proofsById))
	}

	sortProofs(randomProofs1)
	sortProofs(proofsById)
	if !reflect.DeepEqual(randomProofs1, proofsById) {
		t.Fatal("proofs from db do not match randomly generated ones saved to db")
	}

	numToDelete := 3
	for i := 0; i < numToDelete; i++ {
		if err := db.DeleteProof(randomProofs1[i].Secret); err != nil {
			t.Fatalf("error deleting proof: %v", err)
		}
	}
	if err := db.DeleteProof(randomProofs1[0].Secret); err == nil {
		t.Fatal("expected error deleting proof that does not exist")
	}

	proofsById = db.GetProofsByKeysetId(keysetId1)
	expectedNumProofs := numProofsKeysetId1 - numToDelete
	if len(proofsById) != expectedNumProofs {
		t.Fatalf("expected '%v' proofs from db for keyset '%v' but got '%v'",
			expectedNumProofs, keysetId1, len(proofsById))
	}

	for _, proof := range db.GetProofs() {
		if err := db.DeleteProof(proof.Secret); err != nil {
			t.Fatalf("error deleting proof: %v", err)
		}
	}
}

func testPendingProofs(t *testing.T, db storage.DB) {
	mint := "http://localhost:3338"
	keysetId1 := "keysetId12345"
	numProofsKeysetId1 := 50

	pending, err := storage.ToDBProofs(GenerateRandomProofs(keysetId1, numProofsKeysetId1), mint, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AddPendingProofs(pending); err != nil {
		t.Fatalf("error saving pending proofs: %v", err)
	}

	pendingProofs := db.GetPendingProofs()
	if len(pendingProofs) != numProofsKeysetId1 {
		t.Fatalf("expected '%v' pending proofs from db but got '%v'",
			numProofsKeysetId1, len(pendingProofs))
	}

	sortDBProofs(pending)
	sortDBProofs(pendingProofs)
	if !reflect.DeepEqual(pending, pendingProofs) {
		t.Fatal("pending proofs from db do not match randomly generated ones saved to db")
	}

	numToDelete := 3
	if err := db.DeletePendingProofs(storage.PendingYs(pendingProofs[:numToDelete])); err != nil {
		t.Fatalf("error deleting pending proofs: %v", err)
	}
	pendingProofs = db.GetPendingProofs()
	if len(pendingProofs) != numProofsKeysetId1-numToDelete {
		t.Fatalf("expected '%v' pending proofs from db but got '%v'",
			numProofsKeysetId1-numToDelete, len(pendingProofs))
	}

	quoteId := "quoteId12345"
	numProofsQuoteId := 25
	byQuote, err := storage.ToDBProofs(GenerateRandomProofs(keysetId1, numProofsQuoteId), mint, quoteId)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AddPendingProofs(byQuote); err != nil {
		t.Fatalf("error saving pending proofs by quote id: %v", err)
	}

	proofsByQuoteId := db.GetPendingProofsByQuoteId(quoteId)
	if len(proofsByQuoteId) != numProofsQuoteId {
		t.Fatalf("expected '%v' pending proofs from db but got '%v' for quote id '%v'",
			numProofsQuoteId, len(proofsByQuoteId), quoteId)
	}

	sortDBProofs(byQuote)
	sortDBProofs(proofsByQuoteId)
	if !reflect.DeepEqual(byQuote, proofsByQuoteId) {
		t.Fatalf("pending proofs for quote id '%v' from db do not match randomly generated ones saved to db",
			quoteId)
	}

	if err := db.DeletePendingProofsByQuoteId(quoteId); err != nil {
		t.Fatalf("error deleting pending proofs by quote id: %v", err)
	}
	if proofsByQuoteId = db.GetPendingProofsByQuoteId(quoteId); len(proofsByQuoteId) != 0 {
		t.Fatalf("expected 0 pending proofs from db but got '%v' for quote id '%v'",
			len(proofsByQuoteId), quoteId)
	}

	if err := db.DeletePendingProofs(storage.PendingYs(db.GetPendingProofs())); err != nil {
		t.Fatalf("error deleting pending proofs: %v", err)
	}
}

func testPendingSwaps(t *testing.T, db storage.DB) {
	swap := storage.PendingSwap{
		Id:           "swap1",
		Mint:         "http://localhost:3338",
		KeysetId:     "00456a94ab4e1c46",
		InputYs:      []string{"02a1", "03b2"},
		Amounts:      []uint64{16, 128, 256, 8, 64},
		CounterStart: 7,
		Secrets:      []string{generateRandomString(64), generateRandomString(64), generateRandomString(64)},
		Rs:           []string{"0a", "0b", "0c"},
		CreatedAt:    1700000000,
	}
	if err := db.SavePendingSwap(swap); err != nil {
		t.Fatalf("error saving pending swap: %v", err)
	}
	plain := storage.PendingSwap{
		Id:        "swap2",
		Mint:      "http://localhost:3338",
		KeysetId:  "00456a94ab4e1c46",
		InputYs:   []string{"02c3"},
		Amounts:   []uint64{4, 1},
		CreatedAt: 1700000001,
	}
	if err := db.SavePendingSwap(plain); err != nil {
		t.Fatalf("error saving pending swap: %v", err)
	}

	swaps := db.GetPendingSwaps()
	if len(swaps) != 2 {
		t.Fatalf("expected 2 pending swaps but got '%v'", len(swaps))
	}
	slices.SortFunc(swaps, func(a, b storage.PendingSwap) int { return strings.Compare(a.Id, b.Id) })
	if !reflect.DeepEqual(swap, swaps[0]) {
		t.Fatalf("pending swap from db does not match saved one: %+v", swaps[0])
	}
	if swaps[1].Id != plain.Id || len(swaps[1].Secrets) != 0 || !reflect.DeepEqual(plain.Amounts, swaps[1].Amounts) {
		t.Fatalf("pending swap from db does not match saved one: %+v", swaps[1])
	}

	if err := db.DeletePendingSwap(swap.Id); err != nil {
		t.Fatalf("error deleting pending swap: %v", err)
	}
	if err := db.DeletePendingSwap(swap.Id); err == nil {
		t.Fatal("expected error deleting pending swap that does not exist")
	}
	if err := db.DeletePendingSwap(plain.Id); err != nil {
		t.Fatalf("error deleting pending swap: %v", err)
	}
	if len(db.GetPendingSwaps()) != 0 {
		t.Fatal("expected no pending swaps")
	}
}

func testKeysets(t *testing.T, db storage.DB) {
	mint := "http://localhost:3338"
	keyset := GenerateWalletKeyset(t, mint)

	if err := db.SaveKeyset(keyset); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}

	keysets := db.GetKeysets()
	saved, ok := keysets[mint][keyset.Id]
	if !ok {
		t.Fatalf("keyset '%v' not found for mint '%v'", keyset.Id, mint)
	}
	if saved.Unit != keyset.Unit || !saved.Active || saved.InputFeePpk != keyset.InputFeePpk ||
		crypto.DeriveKeysetId(saved.PublicKeys) != keyset.Id {
		t.Fatalf("keyset from db does not match saved one: %+v", saved)
	}

	start, err := db.ReserveKeysetCounter(keyset.Id, 10)
	if err != nil {
		t.Fatalf("error reserving counter: %v", err)
	}
	if start != 0 {
		t.Fatalf("expected counter to start at 0 but got '%v'", start)
	}
	start, _ = db.ReserveKeysetCounter(keyset.Id, 5)
	if start != 10 {
		t.Fatalf("expected '%v' but got '%v'", 10, start)
	}
	if counter := db.GetKeysetCounter(keyset.Id); counter != 15 {
		t.Fatalf("expected counter '%v' but got '%v'", 15, counter)
	}

	if err := db.SetKeysetCounter(keyset.Id, 100); err != nil {
		t.Fatal(err)
	}
	if fromDb := db.GetKeyset(keyset.Id); fromDb == nil || fromDb.Counter != 100 {
		t.Fatalf("expected keyset with counter 100 but got %+v", fromDb)
	}

	if err := db.SetKeysetCounter(keyset.Id, math.MaxUint32-2); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ReserveKeysetCounter(keyset.Id, 3); err == nil {
		t.Fatal("expected error reserving counters past the max")
	}
	if counter := db.GetKeysetCounter(keyset.Id); counter != math.MaxUint32-2 {
		t.Fatalf("expected counter '%v' after failed reserve but got '%v'", uint32(math.MaxUint32-2), counter)
	}
	if start, err := db.ReserveKeysetCounter(keyset.Id, 2); err != nil || start != math.MaxUint32-2 {
		t.Fatalf("expected to reserve the last counters but got '%v', '%v'", start, err)
	}

	if _, err := db.ReserveKeysetCounter("00ffffffffffffff", 1); !errors.Is(err, storage.ErrKeysetNotFound) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrKeysetNotFound, err)
	}
	if db.GetKeyset("00ffffffffffffff") != nil {
		t.Fatal("expected nil keyset for unknown id")
	}
}

func testMintQuotes(t *testing.T, db storage.DB) {
	quoteId := "quoteId1"
	mintQuote := generateMintQuote(quoteId)
	if err := db.SaveMintQuote(mintQuote); err != nil {
		t.Fatalf("error saving mint quote: %v", err)
	}

	for i := 0; i < 50; i++ {
		if err := db.SaveMintQuote(generateMintQuote(generateRandomString(32))); err != nil {
			t.Fatalf("error saving mint quote: %v", err)
		}
	}

	quoteById := db.GetMintQuoteById(quoteId)
	if quoteById == nil {
		t.Fatal("expected valid quote but got nil")
	}
	if !reflect.DeepEqual(mintQuote, *quoteById) {
		t.Fatal("mint quote from db does not match generated one")
	}

	// saving again updates the quote
	mintQuote.State = nut04.Issued
	mintQuote.KeysetId = "009a1f293253e41e"
	mintQuote.CounterStart = 5
	mintQuote.OutputCount = 3
	if err := db.SaveMintQuote(mintQuote); err != nil {
		t.Fatalf("error updating mint quote: %v", err)
	}
	if quoteById = db.GetMintQuoteById(quoteId); !reflect.DeepEqual(mintQuote, *quoteById) {
		t.Fatal("updated mint quote from db does not match")
	}

	if expectedNumQuotes := 51; len(db.GetMintQuotes()) != expectedNumQuotes {
		t.Fatalf("expected '%v' mint quotes but got '%v' ", expectedNumQuotes, len(db.GetMintQuotes()))
	}
	if db.GetMintQuoteById("doesnotexist") != nil {
		t.Fatal("expected nil quote for unknown id")
	}
}

func testMeltQuotes(t *testing.T, db storage.DB) {
	quoteId := "quoteId1"
	quote := generateMeltQuote(quoteId)
	if err := db.SaveMeltQuote(quote); err != nil {
		t.Fatalf("error saving melt quote: %v", err)
	}

	for i := 0; i < 50; i++ {
		if err := db.SaveMeltQuote(generateMeltQuote(generateRandomString(32))); err != nil {
			t.Fatalf("error saving melt quote: %v", err)
		}
	}

	quoteById := db.GetMeltQuoteById(quoteId)
	if quoteById == nil {
		t.Fatal("expected valid quote but got nil")
	}
	if !reflect.DeepEqual(quote, *quoteById) {
		t.Fatal("melt quote from db does not match generated one")
	}

	if expectedNumQuotes := 51; len(db.GetMeltQuotes()) != expectedNumQuotes {
		t.Fatalf("expected '%v' melt quotes but got '%v' ", expectedNumQuotes, len(db.GetMeltQuotes()))
	}
}

func testSeed(t *testing.T, db storage.DB) {
	mnemonic := "half depart obvious quality work element tank gorilla view sugar picture humble"
	seed := []byte{0x01, 0x02, 0x03}
	if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
		t.Fatalf("error saving seed: %v", err)
	}

	if !reflect.DeepEqual(db.GetSeed(), seed) {
		t.Fatalf("expected seed '%x' but got '%x'", seed, db.GetSeed())
	}
	if db.GetMnemonic() != mnemonic {
		t.Fatalf("expected mnemonic '%v' but got '%v'", mnemonic, db.GetMnemonic())
	}
}

// TestWriteAfterClose checks that writes to a closed db return an error.
func TestWriteAfterClose(t *testing.T, db storage.DB) {
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveMnemonicSeed("mnemonic", []byte{0x01}); err == nil {
		t.Fatal("expected error saving seed to closed db")
	}
	if err := db.SaveProofs(GenerateRandomProofs("keysetClosed", 1)); err == nil {
		t.Fatal("expected error saving proofs to closed db")
	}
}

func testUpdate(t *testing.T, db storage.DB) {
	proofs := GenerateRandomProofs("keysetUpdate", 4)
	pending, _ := storage.ToDBProofs(proofs[:2], "http://localhost:3338", "")

	failure := errors.New("fail")
	err := db.Update(func(tx storage.Tx) error {
		if err := tx.SaveProofs(proofs); err != nil {
			return err
		}
		if err := tx.AddPendingProofs(pending); err != nil {
			return err
		}
		if len(tx.GetProofsByKeysetId("keysetUpdate")) != len(proofs) {
			t.Error("writes not visible inside transaction")
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected '%v' but got '%v'", failure, err)
	}
	if len(db.GetProofsByKeysetId("keysetUpdate")) != 0 || len(db.GetPendingProofs()) != 0 {
		t.Fatal("writes from failed transaction were applied")
	}

	err = db.Update(func(tx storage.Tx) error {
		if err := tx.SaveProofs(proofs); err != nil {
			return err
		}
		return tx.AddPendingProofs(pending)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(db.GetProofsByKeysetId("keysetUpdate")) != len(proofs) || len(db.GetPendingProofs()) != len(pending) {
		t.Fatal("writes from transaction were not applied")
	}
}

func generateRandomString(length int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}

func GenerateRandomProofs(keysetId string, num int) cashu.Proofs {
	proofs := make(cashu.Proofs, num)

	for i := 0; i < num; i++ {
		proof := cashu.Proof{
			Amount: 21,
			Id:     keysetId,
			Secret: generateRandomString(64),
			C:      generateRandomString(64),
		}
		proofs[i] = proof
	}

	return proofs
}

// GenerateWalletKeyset returns a keyset with random keys for the mint.
func GenerateWalletKeyset(t *testing.T, mint string) *crypto.WalletKeyset {
	t.Helper()
	publicKeys := make(map[uint64]*btcec.PublicKey)
	for i := 0; i < 8; i++ {
		key, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatal(err)
		}
		publicKeys[1<<i] = key.PubKey()
	}

	return &crypto.WalletKeyset{
		Id:          crypto.DeriveKeysetId(publicKeys),
		MintURL:     mint,
		Unit:        cashu.Sat.String(),
		Active:      true,
		PublicKeys:  publicKeys,
		InputFeePpk: 100,
	}
}

func sortProofs(proofs cashu.Proofs) {
	slices.SortFunc(proofs, func(a, b cashu.Proof) int {
		return strings.Compare(a.Secret, b.Secret)
	})
}

func sortDBProofs(proofs []storage.DBProof) {
	slices.SortFunc(proofs, func(a, b storage.DBProof) int {
		return strings.Compare(a.Secret, b.Secret)
	})
}

func generateMintQuote(id string) storage.MintQuote {
	return storage.MintQuote{
		QuoteId:        id,
		Mint:           "http://localhost:3338",
		Method:         "bolt11",
		State:          nut04.Unpaid,
		Unit:           cashu.Sat.String(),
		PaymentRequest: "lnbc210n1",
		Amount:         21,
		CreatedAt:      1700000000,
		QuoteExpiry:    1700003600,
	}
}

func generateMeltQuote(id string) storage.MeltQuote {
	return storage.MeltQuote{
		QuoteId:        id,
		Mint:           "http://localhost:3338",
		Method:         "bolt11",
		State:          nut05.Unpaid,
		Unit:           cashu.Sat.String(),
		PaymentRequest: "lnbc210n1",
		Amount:         21,
		FeeReserve:     1,
		KeysetId:       "00456a94ab4e1c46",
		CounterStart:   12,
		OutputCount:    1,
	}
}

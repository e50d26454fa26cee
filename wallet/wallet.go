// Package wallet is the transaction core of a Cashu wallet.
// It claims and pays quotes, selects and swaps proofs, builds and
// verifies spending conditions, and restores proofs from a seed.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut06"
	"github.com/elnosh/nutcore/cashu/nuts/nut10"
	"github.com/elnosh/nutcore/crypto"
	"github.com/elnosh/nutcore/wallet/client"
	"github.com/elnosh/nutcore/wallet/storage"
	"github.com/sirupsen/logrus"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/sync/singleflight"
)

type Wallet struct {
	db        storage.DB
	masterKey *hdkeychain.ExtendedKey
	// key to receive locked ecash
	privateKey *btcec.PrivateKey

	currentMint string
	unit        cashu.Unit
	config      Config
	logger      *logrus.Logger

	clientsMu sync.Mutex
	clients   map[string]client.MintClient

	// one lock per mint and unit
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	keysetRefresh singleflight.Group
}

// LoadWallet opens the wallet at config.WalletPath, creating
// a new seed if there is none yet. It does not contact any mint.
func LoadWallet(config Config) (*Wallet, error) {
	config.setDefaults()

	var currentMint string
	if len(config.CurrentMintURL) > 0 {
		var err error
		currentMint, err = normalizeMintURL(config.CurrentMintURL)
		if err != nil {
			return nil, err
		}
	}

	db, err := InitStorage(config)
	if err != nil {
		return nil, fmt.Errorf("InitStorage: %v", err)
	}

	seed := db.GetSeed()
	if len(seed) == 0 {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("error generating seed: %v", err)
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("error generating seed: %v", err)
		}
		seed = bip39.NewSeed(mnemonic, "")
		if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
			db.Close()
			return nil, fmt.Errorf("error saving seed: %v", err)
		}
	}

	wallet, err := newWallet(db, seed, currentMint, config)
	if err != nil {
		db.Close()
		return nil, err
	}
	return wallet, nil
}

func newWallet(db storage.DB, seed []byte, currentMint string, config Config) (*Wallet, error) {
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	privateKey, err := DeriveP2PK(masterKey)
	if err != nil {
		return nil, err
	}

	return &Wallet{
		db:          db,
		masterKey:   masterKey,
		privateKey:  privateKey,
		currentMint: currentMint,
		unit:        config.Unit,
		config:      config,
		logger:      config.Logger,
		clients:     make(map[string]client.MintClient),
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

func normalizeMintURL(mint string) (string, error) {
	mintURL, err := url.Parse(mint)
	if err != nil || mintURL.Host == "" || (mintURL.Scheme != "http" && mintURL.Scheme != "https") {
		return "", fmt.Errorf("invalid mint url '%v'", mint)
	}
	return strings.TrimSuffix(mintURL.String(), "/"), nil
}

func (w *Wallet) Shutdown() error {
	return w.db.Close()
}

func (w *Wallet) Mnemonic() string {
	return w.db.GetMnemonic()
}

func (w *Wallet) CurrentMint() string {
	return w.currentMint
}

func (w *Wallet) Unit() cashu.Unit {
	return w.unit
}

// TrustedMints returns the mints the wallet has keysets from.
func (w *Wallet) TrustedMints() []string {
	keysets := w.db.GetKeysets()
	mints := make([]string, 0, len(keysets))
	for mint := range keysets {
		mints = append(mints, mint)
	}
	return mints
}

func (w *Wallet) client(mint string) client.MintClient {
	w.clientsMu.Lock()
	defer w.clientsMu.Unlock()

	mintClient, ok := w.clients[mint]
	if !ok {
		mintClient = w.config.NewMintClient(mint)
		w.clients[mint] = mintClient
	}
	return mintClient
}

// lock serializes operations on the proofs of the mint and unit.
// It returns the function to release it.
func (w *Wallet) lock(mint string, unit cashu.Unit) func() {
	key := mint + "|" + unit.String()
	w.locksMu.Lock()
	mu, ok := w.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		w.locks[key] = mu
	}
	w.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (w *Wallet) GetMintInfo(ctx context.Context, mint string) (*nut06.MintInfo, error) {
	mint, err := w.resolveMint(mint)
	if err != nil {
		return nil, err
	}
	mintInfo, err := w.client(mint).GetMintInfo(ctx)
	if err != nil {
		return nil, &OperationError{Op: "mint info", Mint: mint, Err: err}
	}
	return mintInfo, nil
}

// Balances returns the amount held at each mint by unit.
// Pending proofs are not counted.
func (w *Wallet) Balances() map[string]map[string]uint64 {
	balances := make(map[string]map[string]uint64)
	for mint, keysets := range w.db.GetKeysets() {
		for id, keyset := range keysets {
			amount := spendable(w.db.GetProofsByKeysetId(id)).Amount()
			if amount == 0 {
				continue
			}
			if _, ok := balances[mint]; !ok {
				balances[mint] = make(map[string]uint64)
			}
			balances[mint][keyset.Unit] += amount
		}
	}
	return balances
}

// Balance returns the amount held at the mint in unit.
func (w *Wallet) Balance(mint string, unit cashu.Unit) uint64 {
	return w.availableProofs(w.db, mint, unit).Amount()
}

// PendingBalance returns the amount in proofs that have been sent to the mint
// but whose outcome has not been confirmed.
func (w *Wallet) PendingBalance(mint string) uint64 {
	var amount uint64
	for _, proof := range w.db.GetPendingProofs() {
		if proof.Mint == mint {
			amount += proof.Amount
		}
	}
	return amount
}

// availableProofs returns the stored proofs from keysets of the mint and
// unit that the wallet can spend without a witness.
func (w *Wallet) availableProofs(tx storage.Tx, mint string, unit cashu.Unit) cashu.Proofs {
	return spendable(w.storedProofs(tx, mint, unit))
}

// LockedProofs returns the stored proofs from the mint in unit that carry
// a spending condition. They come from locked sends whose swap response
// was lost and are not part of the balance. Put them in a token to hand
// them to whoever holds the key.
func (w *Wallet) LockedProofs(mint string, unit cashu.Unit) cashu.Proofs {
	mint, err := w.resolveMint(mint)
	if err != nil {
		return cashu.Proofs{}
	}
	locked := cashu.Proofs{}
	for _, proof := range w.storedProofs(w.db, mint, unit) {
		if nut10.SecretType(proof) != nut10.AnyoneCanSpend {
			locked = append(locked, proof)
		}
	}
	return locked
}

func (w *Wallet) storedProofs(tx storage.Tx, mint string, unit cashu.Unit) cashu.Proofs {
	proofs := cashu.Proofs{}
	keysets, ok := tx.GetKeysets()[mint]
	if !ok {
		return proofs
	}
	for id, keyset := range keysets {
		if keyset.Unit == unit.String() {
			proofs = append(proofs, tx.GetProofsByKeysetId(id)...)
		}
	}
	return proofs
}

func spendable(proofs cashu.Proofs) cashu.Proofs {
	plain := cashu.Proofs{}
	for _, proof := range proofs {
		if nut10.SecretType(proof) == nut10.AnyoneCanSpend {
			plain = append(plain, proof)
		}
	}
	return plain
}

func (w *Wallet) mintKeysets(mint string) map[string]crypto.WalletKeyset {
	keysets, ok := w.db.GetKeysets()[mint]
	if !ok {
		return map[string]crypto.WalletKeyset{}
	}
	return keysets
}

func (w *Wallet) resolveMint(mint string) (string, error) {
	if len(mint) == 0 {
		if len(w.currentMint) == 0 {
			return "", errors.New("no mint specified")
		}
		return w.currentMint, nil
	}
	return normalizeMintURL(mint)
}

// trustedMint resolves the mint and fails with ErrMintNotExist
// if the wallet has no keysets from it.
func (w *Wallet) trustedMint(mint string) (string, error) {
	mint, err := w.resolveMint(mint)
	if err != nil {
		return "", err
	}
	if len(w.mintKeysets(mint)) == 0 {
		return "", &OperationError{Op: "resolve mint", Mint: mint, Err: ErrMintNotExist}
	}
	return mint, nil
}

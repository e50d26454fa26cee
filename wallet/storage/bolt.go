package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/crypto"
	bolt "go.etcd.io/bbolt"
)

const (
	keysetsBucket       = "keysets"
	proofsBucket        = "proofs"
	pendingProofsBucket = "pending_proofs"
	mintQuotesBucket    = "mint_quotes"
	meltQuotesBucket    = "melt_quotes"
	pendingSwapsBucket  = "pending_swaps"
	seedBucket          = "seed"
	mnemonicKey         = "mnemonic"
)

type BoltDB struct {
	bolt *bolt.DB
	// set while running inside Update
	tx *bolt.Tx
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initWalletBuckets(); err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) initWalletBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		buckets := []string{
			keysetsBucket,
			proofsBucket,
			pendingProofsBucket,
			mintQuotesBucket,
			meltQuotesBucket,
			pendingSwapsBucket,
			seedBucket,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) Update(fn func(tx Tx) error) error {
	if db.tx != nil {
		return fn(db)
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return fn(&BoltDB{bolt: db.bolt, tx: tx})
	})
}

func (db *BoltDB) update(fn func(tx *bolt.Tx) error) error {
	if db.tx != nil {
		return fn(db.tx)
	}
	return db.bolt.Update(fn)
}

func (db *BoltDB) view(fn func(tx *bolt.Tx) error) error {
	if db.tx != nil {
		return fn(db.tx)
	}
	return db.bolt.View(fn)
}

func (db *BoltDB) SaveMnemonicSeed(mnemonic string, seed []byte) error {
	return db.update(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		if err := seedb.Put([]byte(seedBucket), seed); err != nil {
			return err
		}
		return seedb.Put([]byte(mnemonicKey), []byte(mnemonic))
	})
}

func (db *BoltDB) GetSeed() []byte {
	var seed []byte
	db.view(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		seed = copyBytes(seedb.Get([]byte(seedBucket)))
		return nil
	})
	return seed
}

func (db *BoltDB) GetMnemonic() string {
	var mnemonic string
	db.view(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		mnemonic = string(seedb.Get([]byte(mnemonicKey)))
		return nil
	})
	return mnemonic
}

// values returned by bolt are only valid for the life of the transaction
func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

func (db *BoltDB) SaveProofs(proofs cashu.Proofs) error {
	return db.update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, proof := range proofs {
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return fmt.Errorf("invalid proof: %v", err)
			}
			if err := proofsb.Put([]byte(proof.Secret), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetProofs() cashu.Proofs {
	return db.filterProofs(func(cashu.Proof) bool { return true })
}

// GetProofsByKeysetId returns proofs from that keyset id
func (db *BoltDB) GetProofsByKeysetId(id string) cashu.Proofs {
	return db.filterProofs(func(proof cashu.Proof) bool { return proof.Id == id })
}

func (db *BoltDB) filterProofs(keep func(cashu.Proof) bool) cashu.Proofs {
	proofs := cashu.Proofs{}

	if err := db.view(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))

		c := proofsb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof cashu.Proof
			if err := json.Unmarshal(v, &proof); err != nil {
				return fmt.Errorf("error getting proofs: %v", err)
			}
			if keep(proof) {
				proofs = append(proofs, proof)
			}
		}
		return nil
	}); err != nil {
		return cashu.Proofs{}
	}

	return proofs
}

func (db *BoltDB) DeleteProof(secret string) error {
	return db.update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		if proofsb.Get([]byte(secret)) == nil {
			return fmt.Errorf("proof does not exist")
		}
		return proofsb.Delete([]byte(secret))
	})
}

func (db *BoltDB) AddPendingProofs(proofs []DBProof) error {
	return db.update(func(tx *bolt.Tx) error {
		pendingProofsb := tx.Bucket([]byte(pendingProofsBucket))
		for _, proof := range proofs {
			Y, err := hex.DecodeString(proof.Y)
			if err != nil {
				return fmt.Errorf("invalid Y: %v", err)
			}
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return fmt.Errorf("invalid proof: %v", err)
			}
			if err := pendingProofsb.Put(Y, jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetPendingProofs() []DBProof {
	return db.filterPendingProofs(func(DBProof) bool { return true })
}

func (db *BoltDB) GetPendingProofsByQuoteId(quoteId string) []DBProof {
	return db.filterPendingProofs(func(proof DBProof) bool { return proof.MeltQuoteId == quoteId })
}

func (db *BoltDB) filterPendingProofs(keep func(DBProof) bool) []DBProof {
	proofs := []DBProof{}

	db.view(func(tx *bolt.Tx) error {
		pendingProofsb := tx.Bucket([]byte(pendingProofsBucket))

		c := pendingProofsb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				proofs = []DBProof{}
				return nil
			}
			if keep(proof) {
				proofs = append(proofs, proof)
			}
		}
		return nil
	})

	return proofs
}

func (db *BoltDB) DeletePendingProofs(Ys []string) error {
	return db.update(func(tx *bolt.Tx) error {
		pendingProofsb := tx.Bucket([]byte(pendingProofsBucket))
		for _, v := range Ys {
			y, err := hex.DecodeString(v)
			if err != nil {
				return fmt.Errorf("invalid Y: %v", err)
			}
			if pendingProofsb.Get(y) == nil {
				return fmt.Errorf("pending proof with Y '%v' does not exist", v)
			}
			if err := pendingProofsb.Delete(y); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) DeletePendingProofsByQuoteId(quoteId string) error {
	return db.update(func(tx *bolt.Tx) error {
		pendingProofsb := tx.Bucket([]byte(pendingProofsBucket))

		c := pendingProofsb.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			if proof.MeltQuoteId == quoteId {
				toDelete = append(toDelete, copyBytes(k))
			}
		}

		for _, k := range toDelete {
			if err := pendingProofsb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) SavePendingSwap(swap PendingSwap) error {
	return db.put(pendingSwapsBucket, swap.Id, swap)
}

func (db *BoltDB) GetPendingSwaps() []PendingSwap {
	var swaps []PendingSwap
	db.view(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingSwapsBucket)).ForEach(func(k, v []byte) error {
			var swap PendingSwap
			if err := json.Unmarshal(v, &swap); err != nil {
				return err
			}
			swaps = append(swaps, swap)
			return nil
		})
	})
	return swaps
}

func (db *BoltDB) DeletePendingSwap(id string) error {
	return db.update(func(tx *bolt.Tx) error {
		swapsb := tx.Bucket([]byte(pendingSwapsBucket))
		if swapsb.Get([]byte(id)) == nil {
			return fmt.Errorf("pending swap '%v' does not exist", id)
		}
		return swapsb.Delete([]byte(id))
	})
}

// keysets are stored in a sub-bucket per mint
func (db *BoltDB) SaveKeyset(keyset *crypto.WalletKeyset) error {
	jsonKeyset, err := json.Marshal(keyset)
	if err != nil {
		return fmt.Errorf("invalid keyset format: %v", err)
	}

	return db.update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		mintBucket, err := keysetsb.CreateBucketIfNotExists([]byte(keyset.MintURL))
		if err != nil {
			return err
		}
		return mintBucket.Put([]byte(keyset.Id), jsonKeyset)
	})
}

func (db *BoltDB) GetKeysets() crypto.KeysetsMap {
	keysets := make(crypto.KeysetsMap)

	db.view(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))

		return keysetsb.ForEach(func(mintURL, v []byte) error {
			mintKeysets := make(map[string]crypto.WalletKeyset)
			mintBucket := keysetsb.Bucket(mintURL)
			if mintBucket == nil {
				return nil
			}

			c := mintBucket.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var keyset crypto.WalletKeyset
				if err := json.Unmarshal(v, &keyset); err != nil {
					return err
				}
				mintKeysets[string(k)] = keyset
			}
			keysets[string(mintURL)] = mintKeysets
			return nil
		})
	})

	return keysets
}

func (db *BoltDB) GetKeyset(keysetId string) *crypto.WalletKeyset {
	var keyset *crypto.WalletKeyset

	db.view(func(tx *bolt.Tx) error {
		keyset, _, _ = getKeyset(tx, keysetId)
		return nil
	})

	return keyset
}

func getKeyset(tx *bolt.Tx, keysetId string) (*crypto.WalletKeyset, *bolt.Bucket, error) {
	keysetsb := tx.Bucket([]byte(keysetsBucket))

	c := keysetsb.Cursor()
	for mintURL, _ := c.First(); mintURL != nil; mintURL, _ = c.Next() {
		mintBucket := keysetsb.Bucket(mintURL)
		if mintBucket == nil {
			continue
		}
		v := mintBucket.Get([]byte(keysetId))
		if v == nil {
			continue
		}

		var keyset crypto.WalletKeyset
		if err := json.Unmarshal(v, &keyset); err != nil {
			return nil, nil, err
		}
		return &keyset, mintBucket, nil
	}
	return nil, nil, ErrKeysetNotFound
}

func (db *BoltDB) ReserveKeysetCounter(keysetId string, num uint32) (uint32, error) {
	var start uint32
	err := db.update(func(tx *bolt.Tx) error {
		keyset, mintBucket, err := getKeyset(tx, keysetId)
		if err != nil {
			return err
		}
		start = keyset.Counter
		if start > math.MaxUint32-num {
			return fmt.Errorf("counter of keyset '%v' would overflow", keysetId)
		}
		keyset.Counter += num
		return putKeyset(mintBucket, keyset)
	})
	return start, err
}

func (db *BoltDB) SetKeysetCounter(keysetId string, counter uint32) error {
	return db.update(func(tx *bolt.Tx) error {
		keyset, mintBucket, err := getKeyset(tx, keysetId)
		if err != nil {
			return err
		}
		keyset.Counter = counter
		return putKeyset(mintBucket, keyset)
	})
}

func putKeyset(mintBucket *bolt.Bucket, keyset *crypto.WalletKeyset) error {
	jsonKeyset, err := json.Marshal(keyset)
	if err != nil {
		return err
	}
	return mintBucket.Put([]byte(keyset.Id), jsonKeyset)
}

func (db *BoltDB) GetKeysetCounter(keysetId string) uint32 {
	if keyset := db.GetKeyset(keysetId); keyset != nil {
		return keyset.Counter
	}
	return 0
}

func (db *BoltDB) SaveMintQuote(quote MintQuote) error {
	return db.put(mintQuotesBucket, quote.QuoteId, quote)
}

func (db *BoltDB) GetMintQuotes() []MintQuote {
	var quotes []MintQuote
	db.view(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(mintQuotesBucket)).ForEach(func(k, v []byte) error {
			var quote MintQuote
			if err := json.Unmarshal(v, &quote); err != nil {
				return err
			}
			quotes = append(quotes, quote)
			return nil
		})
	})
	return quotes
}

func (db *BoltDB) GetMintQuoteById(id string) *MintQuote {
	var quote MintQuote
	if !db.get(mintQuotesBucket, id, &quote) {
		return nil
	}
	return &quote
}

func (db *BoltDB) SaveMeltQuote(quote MeltQuote) error {
	return db.put(meltQuotesBucket, quote.QuoteId, quote)
}

func (db *BoltDB) GetMeltQuotes() []MeltQuote {
	var quotes []MeltQuote
	db.view(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(meltQuotesBucket)).ForEach(func(k, v []byte) error {
			var quote MeltQuote
			if err := json.Unmarshal(v, &quote); err != nil {
				return err
			}
			quotes = append(quotes, quote)
			return nil
		})
	})
	return quotes
}

func (db *BoltDB) GetMeltQuoteById(id string) *MeltQuote {
	var quote MeltQuote
	if !db.get(meltQuotesBucket, id, &quote) {
		return nil
	}
	return &quote
}

func (db *BoltDB) put(bucket, key string, value any) error {
	jsonValue, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("invalid %v entry: %v", bucket, err)
	}
	return db.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), jsonValue)
	})
}

func (db *BoltDB) get(bucket, key string, value any) bool {
	found := false
	db.view(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = json.Unmarshal(v, value) == nil
		return nil
	})
	return found
}

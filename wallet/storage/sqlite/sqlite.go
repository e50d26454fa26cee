// Package sqlite implements the wallet store on top of SQLite.
package sqlite

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut01"
	"github.com/elnosh/nutcore/cashu/nuts/nut04"
	"github.com/elnosh/nutcore/cashu/nuts/nut05"
	"github.com/elnosh/nutcore/crypto"
	"github.com/elnosh/nutcore/wallet/storage"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

type SQLiteDB struct {
	db *sql.DB
	// set while running inside Update
	tx *sql.Tx
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "wallet.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers instead of failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

func (sqlite *SQLiteDB) q() querier {
	if sqlite.tx != nil {
		return sqlite.tx
	}
	return sqlite.db
}

func (sqlite *SQLiteDB) Update(fn func(tx storage.Tx) error) error {
	if sqlite.tx != nil {
		return fn(sqlite)
	}

	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(&SQLiteDB{db: sqlite.db, tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// write runs fn in the current transaction or in a new one
func (sqlite *SQLiteDB) write(fn func(q querier) error) error {
	return sqlite.Update(func(tx storage.Tx) error {
		return fn(tx.(*SQLiteDB).tx)
	})
}

func (sqlite *SQLiteDB) SaveMnemonicSeed(mnemonic string, seed []byte) error {
	_, err := sqlite.q().Exec(
		"INSERT OR REPLACE INTO seed (id, seed, mnemonic) VALUES (?, ?, ?)",
		"id", hex.EncodeToString(seed), mnemonic,
	)
	return err
}

func (sqlite *SQLiteDB) GetSeed() []byte {
	var hexSeed string
	if err := sqlite.q().QueryRow("SELECT seed FROM seed WHERE id = ?", "id").Scan(&hexSeed); err != nil {
		return nil
	}

	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil
	}
	return seed
}

func (sqlite *SQLiteDB) GetMnemonic() string {
	var mnemonic string
	if err := sqlite.q().QueryRow("SELECT mnemonic FROM seed WHERE id = ?", "id").Scan(&mnemonic); err != nil {
		return ""
	}
	return mnemonic
}

func (sqlite *SQLiteDB) SaveProofs(proofs cashu.Proofs) error {
	return sqlite.write(func(q querier) error {
		for _, proof := range proofs {
			_, err := q.Exec(
				"INSERT OR REPLACE INTO proofs (secret, amount, keyset_id, c, witness) VALUES (?, ?, ?, ?, ?)",
				proof.Secret, proof.Amount, proof.Id, proof.C, proof.Witness,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (sqlite *SQLiteDB) GetProofs() cashu.Proofs {
	return sqlite.queryProofs("SELECT amount, keyset_id, secret, c, witness FROM proofs")
}

func (sqlite *SQLiteDB) GetProofsByKeysetId(id string) cashu.Proofs {
	return sqlite.queryProofs("SELECT amount, keyset_id, secret, c, witness FROM proofs WHERE keyset_id = ?", id)
}

func (sqlite *SQLiteDB) queryProofs(query string, args ...any) cashu.Proofs {
	proofs := cashu.Proofs{}

	rows, err := sqlite.q().Query(query, args...)
	if err != nil {
		return proofs
	}
	defer rows.Close()

	for rows.Next() {
		var proof cashu.Proof
		if err := rows.Scan(&proof.Amount, &proof.Id, &proof.Secret, &proof.C, &proof.Witness); err != nil {
			return cashu.Proofs{}
		}
		proofs = append(proofs, proof)
	}
	return proofs
}

func (sqlite *SQLiteDB) DeleteProof(secret string) error {
	result, err := sqlite.q().Exec("DELETE FROM proofs WHERE secret = ?", secret)
	if err != nil {
		return err
	}
	return expectOneRow(result, "proof does not exist")
}

func expectOneRow(result sql.Result, msg string) error {
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New(msg)
	}
	return nil
}

func (sqlite *SQLiteDB) AddPendingProofs(proofs []storage.DBProof) error {
	return sqlite.write(func(q querier) error {
		for _, proof := range proofs {
			_, err := q.Exec(`
			INSERT OR REPLACE INTO pending_proofs
			(y, amount, keyset_id, secret, c, witness, mint_url, melt_quote_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				proof.Y, proof.Amount, proof.Id, proof.Secret, proof.C,
				proof.Witness, proof.Mint, proof.MeltQuoteId,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

const pendingProofsColumns = "y, amount, keyset_id, secret, c, witness, mint_url, melt_quote_id"

func (sqlite *SQLiteDB) GetPendingProofs() []storage.DBProof {
	return sqlite.queryPendingProofs("SELECT " + pendingProofsColumns + " FROM pending_proofs")
}

func (sqlite *SQLiteDB) GetPendingProofsByQuoteId(quoteId string) []storage.DBProof {
	return sqlite.queryPendingProofs(
		"SELECT "+pendingProofsColumns+" FROM pending_proofs WHERE melt_quote_id = ?",
		quoteId,
	)
}

func (sqlite *SQLiteDB) queryPendingProofs(query string, args ...any) []storage.DBProof {
	proofs := []storage.DBProof{}

	rows, err := sqlite.q().Query(query, args...)
	if err != nil {
		return proofs
	}
	defer rows.Close()

	for rows.Next() {
		var proof storage.DBProof
		err := rows.Scan(
			&proof.Y,
			&proof.Amount,
			&proof.Id,
			&proof.Secret,
			&proof.C,
			&proof.Witness,
			&proof.Mint,
			&proof.MeltQuoteId,
		)
		if err != nil {
			return []storage.DBProof{}
		}
		proofs = append(proofs, proof)
	}
	return proofs
}

func (sqlite *SQLiteDB) DeletePendingProofs(Ys []string) error {
	if len(Ys) == 0 {
		return nil
	}
	query := `DELETE FROM pending_proofs WHERE y in (?` + strings.Repeat(",?", len(Ys)-1) + `)`
	args := make([]any, len(Ys))
	for i, y := range Ys {
		args[i] = y
	}

	return sqlite.write(func(q querier) error {
		result, err := q.Exec(query, args...)
		if err != nil {
			return err
		}
		count, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if int(count) != len(Ys) {
			return fmt.Errorf("expected to delete %v pending proofs but deleted %v", len(Ys), count)
		}
		return nil
	})
}

func (sqlite *SQLiteDB) DeletePendingProofsByQuoteId(quoteId string) error {
	_, err := sqlite.q().Exec("DELETE FROM pending_proofs WHERE melt_quote_id = ?", quoteId)
	return err
}

func (sqlite *SQLiteDB) SavePendingSwap(swap storage.PendingSwap) error {
	lists := make([]string, 4)
	for i, list := range []any{swap.InputYs, swap.Amounts, swap.Secrets, swap.Rs} {
		jsonList, err := json.Marshal(list)
		if err != nil {
			return err
		}
		lists[i] = string(jsonList)
	}

	_, err := sqlite.q().Exec(`
	INSERT OR REPLACE INTO pending_swaps
	(id, mint_url, keyset_id, input_ys, amounts, counter_start, secrets, rs, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		swap.Id,
		swap.Mint,
		swap.KeysetId,
		lists[0],
		lists[1],
		swap.CounterStart,
		lists[2],
		lists[3],
		swap.CreatedAt,
	)
	return err
}

func (sqlite *SQLiteDB) GetPendingSwaps() []storage.PendingSwap {
	rows, err := sqlite.q().Query(`SELECT id, mint_url, keyset_id, input_ys, amounts,
	counter_start, secrets, rs, created_at FROM pending_swaps`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var swaps []storage.PendingSwap
	for rows.Next() {
		var swap storage.PendingSwap
		var inputYs, amounts, secrets, rs string
		err := rows.Scan(
			&swap.Id,
			&swap.Mint,
			&swap.KeysetId,
			&inputYs,
			&amounts,
			&swap.CounterStart,
			&secrets,
			&rs,
			&swap.CreatedAt,
		)
		if err != nil {
			return nil
		}
		if err := errors.Join(
			json.Unmarshal([]byte(inputYs), &swap.InputYs),
			json.Unmarshal([]byte(amounts), &swap.Amounts),
			json.Unmarshal([]byte(secrets), &swap.Secrets),
			json.Unmarshal([]byte(rs), &swap.Rs),
		); err != nil {
			return nil
		}
		swaps = append(swaps, swap)
	}
	return swaps
}

func (sqlite *SQLiteDB) DeletePendingSwap(id string) error {
	result, err := sqlite.q().Exec("DELETE FROM pending_swaps WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectOneRow(result, fmt.Sprintf("pending swap '%v' does not exist", id))
}

func (sqlite *SQLiteDB) SaveKeyset(keyset *crypto.WalletKeyset) error {
	keys := make(nut01.KeysMap, len(keyset.PublicKeys))
	for amount, key := range keyset.PublicKeys {
		keys[amount] = hex.EncodeToString(key.SerializeCompressed())
	}
	jsonKeys, err := json.Marshal(keys)
	if err != nil {
		return err
	}

	_, err = sqlite.q().Exec(`
	INSERT OR REPLACE INTO keysets (id, mint_url, unit, active, public_keys, counter, input_fee_ppk)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		keyset.Id,
		keyset.MintURL,
		keyset.Unit,
		keyset.Active,
		string(jsonKeys),
		keyset.Counter,
		keyset.InputFeePpk,
	)
	return err
}

const keysetColumns = "id, mint_url, unit, active, public_keys, counter, input_fee_ppk"

func scanKeyset(scan func(dest ...any) error) (*crypto.WalletKeyset, error) {
	var keyset crypto.WalletKeyset
	var jsonKeys string
	err := scan(
		&keyset.Id,
		&keyset.MintURL,
		&keyset.Unit,
		&keyset.Active,
		&jsonKeys,
		&keyset.Counter,
		&keyset.InputFeePpk,
	)
	if err != nil {
		return nil, err
	}

	var keys nut01.KeysMap
	if err := json.Unmarshal([]byte(jsonKeys), &keys); err != nil {
		return nil, err
	}
	keyset.PublicKeys, err = crypto.MapPubKeys(keys)
	if err != nil {
		return nil, err
	}
	return &keyset, nil
}

func (sqlite *SQLiteDB) GetKeysets() crypto.KeysetsMap {
	keysets := make(crypto.KeysetsMap)

	rows, err := sqlite.q().Query("SELECT " + keysetColumns + " FROM keysets")
	if err != nil {
		return keysets
	}
	defer rows.Close()

	for rows.Next() {
		keyset, err := scanKeyset(rows.Scan)
		if err != nil {
			return make(crypto.KeysetsMap)
		}
		if _, ok := keysets[keyset.MintURL]; !ok {
			keysets[keyset.MintURL] = make(map[string]crypto.WalletKeyset)
		}
		keysets[keyset.MintURL][keyset.Id] = *keyset
	}
	return keysets
}

func (sqlite *SQLiteDB) GetKeyset(id string) *crypto.WalletKeyset {
	row := sqlite.q().QueryRow("SELECT "+keysetColumns+" FROM keysets WHERE id = ?", id)
	keyset, err := scanKeyset(row.Scan)
	if err != nil {
		return nil
	}
	return keyset
}

func (sqlite *SQLiteDB) ReserveKeysetCounter(id string, num uint32) (uint32, error) {
	var start uint32
	err := sqlite.write(func(q querier) error {
		if err := q.QueryRow("SELECT counter FROM keysets WHERE id = ?", id).Scan(&start); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrKeysetNotFound
			}
			return err
		}
		if start > math.MaxUint32-num {
			return fmt.Errorf("counter of keyset '%v' would overflow", id)
		}
		_, err := q.Exec("UPDATE keysets SET counter = ? WHERE id = ?", start+num, id)
		return err
	})
	return start, err
}

func (sqlite *SQLiteDB) SetKeysetCounter(id string, counter uint32) error {
	result, err := sqlite.q().Exec("UPDATE keysets SET counter = ? WHERE id = ?", counter, id)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrKeysetNotFound
	}
	return nil
}

func (sqlite *SQLiteDB) GetKeysetCounter(id string) uint32 {
	var counter uint32
	sqlite.q().QueryRow("SELECT counter FROM keysets WHERE id = ?", id).Scan(&counter)
	return counter
}

func (sqlite *SQLiteDB) SaveMintQuote(quote storage.MintQuote) error {
	_, err := sqlite.q().Exec(`
	INSERT OR REPLACE INTO mint_quotes
	(id, mint_url, method, state, unit, payment_request, amount, created_at, settled_at,
	expiry, private_key, keyset_id, counter_start, output_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		quote.QuoteId,
		quote.Mint,
		quote.Method,
		quote.State.String(),
		quote.Unit,
		quote.PaymentRequest,
		quote.Amount,
		quote.CreatedAt,
		quote.SettledAt,
		quote.QuoteExpiry,
		quote.PrivateKey,
		quote.KeysetId,
		quote.CounterStart,
		quote.OutputCount,
	)
	return err
}

const mintQuoteColumns = `id, mint_url, method, state, unit, payment_request, amount, created_at,
settled_at, expiry, private_key, keyset_id, counter_start, output_count`

func scanMintQuote(scan func(dest ...any) error) (*storage.MintQuote, error) {
	var quote storage.MintQuote
	var state string
	err := scan(
		&quote.QuoteId,
		&quote.Mint,
		&quote.Method,
		&state,
		&quote.Unit,
		&quote.PaymentRequest,
		&quote.Amount,
		&quote.CreatedAt,
		&quote.SettledAt,
		&quote.QuoteExpiry,
		&quote.PrivateKey,
		&quote.KeysetId,
		&quote.CounterStart,
		&quote.OutputCount,
	)
	if err != nil {
		return nil, err
	}
	quote.State = nut04.StringToState(state)
	return &quote, nil
}

func (sqlite *SQLiteDB) GetMintQuotes() []storage.MintQuote {
	rows, err := sqlite.q().Query("SELECT " + mintQuoteColumns + " FROM mint_quotes")
	if err != nil {
		return nil
	}
	defer rows.Close()

	var quotes []storage.MintQuote
	for rows.Next() {
		quote, err := scanMintQuote(rows.Scan)
		if err != nil {
			return nil
		}
		quotes = append(quotes, *quote)
	}
	return quotes
}

func (sqlite *SQLiteDB) GetMintQuoteById(id string) *storage.MintQuote {
	row := sqlite.q().QueryRow("SELECT "+mintQuoteColumns+" FROM mint_quotes WHERE id = ?", id)
	quote, err := scanMintQuote(row.Scan)
	if err != nil {
		return nil
	}
	return quote
}

func (sqlite *SQLiteDB) SaveMeltQuote(quote storage.MeltQuote) error {
	_, err := sqlite.q().Exec(`
	INSERT OR REPLACE INTO melt_quotes
	(id, mint_url, method, state, unit, payment_request, amount, fee_reserve, preimage,
	created_at, settled_at, expiry, keyset_id, counter_start, output_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		quote.QuoteId,
		quote.Mint,
		quote.Method,
		quote.State.String(),
		quote.Unit,
		quote.PaymentRequest,
		quote.Amount,
		quote.FeeReserve,
		quote.Preimage,
		quote.CreatedAt,
		quote.SettledAt,
		quote.QuoteExpiry,
		quote.KeysetId,
		quote.CounterStart,
		quote.OutputCount,
	)
	return err
}

const meltQuoteColumns = `id, mint_url, method, state, unit, payment_request, amount, fee_reserve,
preimage, created_at, settled_at, expiry, keyset_id, counter_start, output_count`

func scanMeltQuote(scan func(dest ...any) error) (*storage.MeltQuote, error) {
	var quote storage.MeltQuote
	var state string
	err := scan(
		&quote.QuoteId,
		&quote.Mint,
		&quote.Method,
		&state,
		&quote.Unit,
		&quote.PaymentRequest,
		&quote.Amount,
		&quote.FeeReserve,
		&quote.Preimage,
		&quote.CreatedAt,
		&quote.SettledAt,
		&quote.QuoteExpiry,
		&quote.KeysetId,
		&quote.CounterStart,
		&quote.OutputCount,
	)
	if err != nil {
		return nil, err
	}
	quote.State = nut05.StringToState(state)
	return &quote, nil
}

func (sqlite *SQLiteDB) GetMeltQuotes() []storage.MeltQuote {
	rows, err := sqlite.q().Query("SELECT " + meltQuoteColumns + " FROM melt_quotes")
	if err != nil {
		return nil
	}
	defer rows.Close()

	var quotes []storage.MeltQuote
	for rows.Next() {
		quote, err := scanMeltQuote(rows.Scan)
		if err != nil {
			return nil
		}
		quotes = append(quotes, *quote)
	}
	return quotes
}

func (sqlite *SQLiteDB) GetMeltQuoteById(id string) *storage.MeltQuote {
	row := sqlite.q().QueryRow("SELECT "+meltQuoteColumns+" FROM melt_quotes WHERE id = ?", id)
	quote, err := scanMeltQuote(row.Scan)
	if err != nil {
		return nil
	}
	return quote
}

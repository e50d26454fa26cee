package wallet

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/wallet/client"
	"github.com/elnosh/nutcore/wallet/storage"
	"github.com/elnosh/nutcore/wallet/storage/sqlite"
	"github.com/sirupsen/logrus"
)

const (
	BoltBackend   = "bolt"
	SQLiteBackend = "sqlite"

	DefaultRestoreBatchSize = 100
	// restore requests per second
	DefaultRestoreRateLimit = 10
)

type Config struct {
	WalletPath     string
	CurrentMintURL string
	Unit           cashu.Unit
	// "bolt" (default) or "sqlite"
	StorageBackend   string
	RequestTimeout   time.Duration
	RestoreBatchSize int
	RestoreRateLimit int
	Logger           *logrus.Logger
	// NewMintClient builds the client used to talk to a mint.
	// If nil, an HTTP client is used.
	NewMintClient func(mintURL string) client.MintClient
}

func (config *Config) setDefaults() {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = client.DefaultTimeout
	}
	if config.RestoreBatchSize <= 0 {
		config.RestoreBatchSize = DefaultRestoreBatchSize
	}
	if config.RestoreRateLimit <= 0 {
		config.RestoreRateLimit = DefaultRestoreRateLimit
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.NewMintClient == nil {
		timeout, logger := config.RequestTimeout, config.Logger
		config.NewMintClient = func(mintURL string) client.MintClient {
			return client.New(mintURL, client.Options{Timeout: timeout, Logger: logger})
		}
	}
}

func InitStorage(config Config) (storage.DB, error) {
	if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
		return nil, err
	}

	switch config.StorageBackend {
	case "", BoltBackend:
		db, err := storage.InitBolt(config.WalletPath)
		if err != nil {
			return nil, err
		}
		return db, nil
	case SQLiteBackend:
		db, err := sqlite.InitSQLite(config.WalletPath)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	return nil, fmt.Errorf("unknown storage backend '%v'", config.StorageBackend)
}

// walletExists reports whether there is a store for the
// configured backend at the wallet path.
func walletExists(config Config) bool {
	file := "wallet.db"
	if config.StorageBackend == SQLiteBackend {
		file = "wallet.sqlite.db"
	}
	_, err := os.Stat(filepath.Join(config.WalletPath, file))
	return err == nil
}

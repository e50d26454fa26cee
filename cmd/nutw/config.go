package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/wallet"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// MintURLKey is the mint used when a command does not name one
	MintURLKey = "MINT_URL"
	// WalletPathKey is the directory holding the wallet db
	WalletPathKey = "WALLET_PATH"
	// StorageBackendKey is either "bolt" or "sqlite"
	StorageBackendKey = "STORAGE_BACKEND"
	// LogLevelKey takes logrus level names
	LogLevelKey = "LOG_LEVEL"
	// RequestTimeoutKey bounds every request to a mint, ie. 30s
	RequestTimeoutKey = "REQUEST_TIMEOUT"

	defaultMintURL = "http://127.0.0.1:3338"
)

var vip *viper.Viper

func initConfig() error {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	defaultPath := filepath.Join(homedir, ".nutcore", "wallet")

	vip = viper.New()
	vip.SetEnvPrefix("NUTW")
	vip.AutomaticEnv()

	vip.SetDefault(MintURLKey, defaultMintURL)
	vip.SetDefault(WalletPathKey, defaultPath)
	vip.SetDefault(StorageBackendKey, wallet.BoltBackend)
	vip.SetDefault(LogLevelKey, "warn")
	vip.SetDefault(RequestTimeoutKey, 30*time.Second)

	// a .env in the wallet dir takes precedence over one in the working dir
	envPath := filepath.Join(vip.GetString(WalletPathKey), ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			return nil
		}
		envPath = filepath.Join(wd, ".env")
	}
	if err := godotenv.Load(envPath); err == nil {
		// .env files use unprefixed keys, prefixed env vars still win
		for _, key := range []string{MintURLKey, WalletPathKey, StorageBackendKey, LogLevelKey, RequestTimeoutKey} {
			_, prefixed := os.LookupEnv("NUTW_" + key)
			if value, ok := os.LookupEnv(key); ok && !prefixed {
				vip.Set(key, value)
			}
		}
	}
	return nil
}

func walletConfig(unit cashu.Unit) (wallet.Config, error) {
	if err := initConfig(); err != nil {
		return wallet.Config{}, err
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(vip.GetString(LogLevelKey))
	if err != nil {
		return wallet.Config{}, err
	}
	logger.SetLevel(level)

	return wallet.Config{
		WalletPath:     vip.GetString(WalletPathKey),
		CurrentMintURL: vip.GetString(MintURLKey),
		Unit:           unit,
		StorageBackend: vip.GetString(StorageBackendKey),
		RequestTimeout: vip.GetDuration(RequestTimeoutKey),
		Logger:         logger,
	}, nil
}

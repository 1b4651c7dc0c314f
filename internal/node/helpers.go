package node

import (
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-shardsim/config"
	"github.com/Klingon-tech/klingnet-shardsim/internal/keys"
	"github.com/Klingon-tech/klingnet-shardsim/internal/storage"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
)

// wallClock reports Unix time in seconds.
type wallClock struct{}

func (wallClock) Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// validatorKeys derives the first n validator keys of the configured
// mnemonic, the same keys a simulation of n validators uses.
func validatorKeys(cfg *config.Config, n int) ([]*crypto.PrivateKey, error) {
	if cfg.Keys.Index < 0 {
		return nil, fmt.Errorf("key index %d is negative", cfg.Keys.Index)
	}
	ks, err := keys.ValidatorKeys(cfg.Keys.Mnemonic, cfg.Keys.Passphrase, n)
	if err != nil {
		return nil, fmt.Errorf("derive validator keys: %w", err)
	}
	return ks, nil
}

// p2pDataDir persists the node identity only alongside a persistent store.
func p2pDataDir(cfg *config.Config) string {
	if cfg.Storage.Backend != storage.BackendBadger {
		return ""
	}
	return cfg.P2PDir()
}

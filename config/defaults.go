package config

import (
	"github.com/Klingon-tech/klingnet-shardsim/internal/mempool"
	"github.com/Klingon-tech/klingnet-shardsim/internal/storage"
)

// DefaultNetworkID names the network when none is configured.
const DefaultNetworkID = "shardsim-local"

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		NetworkID: DefaultNetworkID,
		DataDir:   DefaultDataDir(),
		Sim: SimConfig{
			Validators: 4,
			Steps:      2000,
			StepSize:   0.5,
			Latency:    0.5,
			Seed:       1,
		},
		Keys: KeysConfig{
			Mnemonic: DevMnemonic,
		},
		Validator: ValidatorConfig{
			MinGasPrice:          1,
			RelayGasPrice:        1,
			PoolSize:             mempool.DefaultMaxSize,
			TimePrecision:        100,
			TimeJitter:           50,
			Lookahead:            14,
			MiningMean:           5,
			BlockSuccessProb:     1,
			CollationSuccessProb: 1,
		},
		P2P: P2PConfig{
			ListenAddr: "0.0.0.0",
			Port:       30313,
			MaxPeers:   50,
			Seeds:      []string{},
		},
		Storage: StorageConfig{
			Backend:   storage.BackendMemory,
			CacheSize: 256,
		},
		Metrics: MetricsConfig{
			Org:      "shardsim",
			Bucket:   "shardsim",
			Interval: 100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

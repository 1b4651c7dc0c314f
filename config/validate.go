package config

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-shardsim/internal/keys"
	"github.com/Klingon-tech/klingnet-shardsim/internal/storage"
)

// Validate checks run configuration for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.NetworkID == "" {
		return fmt.Errorf("network must not be empty")
	}

	if cfg.Sim.Validators < 1 {
		return fmt.Errorf("sim.validators must be at least 1")
	}
	if cfg.Sim.Steps < 0 {
		return fmt.Errorf("sim.steps must not be negative")
	}
	if cfg.Sim.StepSize <= 0 {
		return fmt.Errorf("sim.step must be positive")
	}
	if cfg.Sim.Latency < 0 {
		return fmt.Errorf("sim.latency must not be negative")
	}

	if !keys.ValidateMnemonic(cfg.Keys.Mnemonic) {
		return fmt.Errorf("keys.mnemonic is not a valid BIP-39 mnemonic")
	}
	if cfg.Keys.Index < 0 {
		return fmt.Errorf("keys.index must not be negative")
	}

	v := cfg.Validator
	if v.TimePrecision <= 0 {
		return fmt.Errorf("validator.precision must be positive")
	}
	if v.TimeJitter < 0 {
		return fmt.Errorf("validator.jitter must not be negative")
	}
	if v.MiningMean <= 0 {
		return fmt.Errorf("validator.miningmean must be positive")
	}
	for name, p := range map[string]float64{
		"validator.blockprob":     v.BlockSuccessProb,
		"validator.collationprob": v.CollationSuccessProb,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s must be in range [0, 1]", name)
		}
	}
	if v.PoolSize < 0 || v.MaxBlockTxs < 0 {
		return fmt.Errorf("validator pool and block limits must not be negative")
	}

	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.P2P.MaxPeers < 0 {
		return fmt.Errorf("p2p.maxpeers must not be negative")
	}

	switch cfg.Storage.Backend {
	case storage.BackendMemory, storage.BackendBadger:
	case "":
		cfg.Storage.Backend = storage.BackendMemory
	default:
		return fmt.Errorf("storage.backend must be %q or %q", storage.BackendMemory, storage.BackendBadger)
	}
	if cfg.Storage.CacheSize < 0 {
		return fmt.Errorf("storage.cache must not be negative")
	}

	if cfg.Metrics.URL != "" && cfg.Metrics.Interval < 1 {
		return fmt.Errorf("metrics.interval must be at least 1")
	}
	return nil
}

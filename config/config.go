// Package config handles simulator and node configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: defined in genesis, must match across all validators
//   - Run settings: validator behavior, transport, storage and logging,
//     which may vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/Klingon-tech/klingnet-shardsim/internal/metrics"
	"github.com/Klingon-tech/klingnet-shardsim/internal/validator"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
)

// Config holds run configuration.
type Config struct {
	// Core
	NetworkID   string `conf:"network"`
	DataDir     string `conf:"datadir"`
	GenesisFile string `conf:"genesis"` // empty = DefaultGenesis

	Sim       SimConfig
	Keys      KeysConfig
	Validator ValidatorConfig
	P2P       P2PConfig
	Storage   StorageConfig
	Metrics   MetricsConfig
	Log       LogConfig
}

// SimConfig drives an in-process simulation.
type SimConfig struct {
	Validators int     `conf:"sim.validators"`
	Steps      int     `conf:"sim.steps"`
	StepSize   float64 `conf:"sim.step"`    // clock seconds per step
	Latency    float64 `conf:"sim.latency"` // clock seconds per hop
	Seed       int64   `conf:"sim.seed"`
	Report     string  `conf:"sim.report"` // JSON report path, empty = none
}

// KeysConfig selects deterministic validator keys.
type KeysConfig struct {
	Mnemonic   string `conf:"keys.mnemonic"`
	Passphrase string `conf:"keys.passphrase"`
	Index      int    `conf:"keys.index"` // validator index run by shardnode
}

// ValidatorConfig mirrors validator.Params.
type ValidatorConfig struct {
	MinGasPrice          uint64  `conf:"validator.mingasprice"`
	RelayGasPrice        uint64  `conf:"validator.relaygasprice"`
	PoolSize             int     `conf:"validator.poolsize"`
	TimePrecision        float64 `conf:"validator.precision"`
	TimeJitter           int64   `conf:"validator.jitter"`
	Lookahead            int64   `conf:"validator.lookahead"`
	MiningMean           float64 `conf:"validator.miningmean"`
	BlockSuccessProb     float64 `conf:"validator.blockprob"`
	CollationSuccessProb float64 `conf:"validator.collationprob"`
	MaxBlockTxs          int     `conf:"validator.maxblocktxs"`
}

// P2PConfig holds peer-to-peer network settings for shardnode.
type P2PConfig struct {
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
}

// StorageConfig selects the block and collation store.
type StorageConfig struct {
	Backend   string `conf:"storage.backend"` // memory or badger
	CacheSize int    `conf:"storage.cache"`   // decoded blocks kept per chain
}

// MetricsConfig holds InfluxDB export settings.
type MetricsConfig struct {
	URL      string `conf:"metrics.url"` // empty disables export
	Token    string `conf:"metrics.token"`
	Org      string `conf:"metrics.org"`
	Bucket   string `conf:"metrics.bucket"`
	Interval int    `conf:"metrics.interval"` // steps between exports
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// ValidatorParams builds the parameters of validator id.
func (c *Config) ValidatorParams(id int, key *crypto.PrivateKey) validator.Params {
	v := c.Validator
	return validator.Params{
		ID:                   id,
		Key:                  key,
		MinGasPrice:          v.MinGasPrice,
		RelayGasPrice:        v.RelayGasPrice,
		PoolSize:             v.PoolSize,
		TimePrecision:        v.TimePrecision,
		TimeJitter:           v.TimeJitter,
		Lookahead:            v.Lookahead,
		MiningMean:           v.MiningMean,
		BlockSuccessProb:     v.BlockSuccessProb,
		CollationSuccessProb: v.CollationSuccessProb,
		MaxBlockTxs:          v.MaxBlockTxs,
	}
}

// MetricsExport returns the exporter settings.
func (c *Config) MetricsExport() metrics.Config {
	return metrics.Config{
		URL:    c.Metrics.URL,
		Token:  c.Metrics.Token,
		Org:    c.Metrics.Org,
		Bucket: c.Metrics.Bucket,
	}
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.shardsim
//	macOS:   ~/Library/Application Support/Shardsim
//	Windows: %APPDATA%\Shardsim
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shardsim"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Shardsim")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Shardsim")
		}
		return filepath.Join(home, "AppData", "Roaming", "Shardsim")
	default:
		return filepath.Join(home, ".shardsim")
	}
}

// NetworkDir returns the network-specific data directory.
func (c *Config) NetworkDir() string {
	return filepath.Join(c.DataDir, c.NetworkID)
}

// ChainDir returns the store directory of validator id.
func (c *Config) ChainDir(id int) string {
	return filepath.Join(c.NetworkDir(), "v"+strconv.Itoa(id), "chain")
}

// P2PDir returns the directory holding the node identity and bans.
func (c *Config) P2PDir() string {
	return filepath.Join(c.NetworkDir(), "p2p")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "shardsim.conf")
}

package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadFile loads configuration values from a .conf file.
// Format: key = value (one per line, # for comments). A missing file
// yields no values.
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}
		values[strings.TrimSpace(key)] = unquote(strings.TrimSpace(value))
	}
	return values, scanner.Err()
}

func unquote(value string) string {
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			return value[1 : len(value)-1]
		}
	}
	return value
}

// ApplyFileConfig applies key/value pairs to cfg.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets one config value by key. Unknown keys are ignored.
func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	// Core
	case "network":
		cfg.NetworkID = value
	case "datadir":
		cfg.DataDir = value
	case "genesis":
		cfg.GenesisFile = value

	// Simulation
	case "sim.validators":
		cfg.Sim.Validators, err = strconv.Atoi(value)
	case "sim.steps":
		cfg.Sim.Steps, err = strconv.Atoi(value)
	case "sim.step":
		cfg.Sim.StepSize, err = strconv.ParseFloat(value, 64)
	case "sim.latency":
		cfg.Sim.Latency, err = strconv.ParseFloat(value, 64)
	case "sim.seed":
		cfg.Sim.Seed, err = strconv.ParseInt(value, 10, 64)
	case "sim.report":
		cfg.Sim.Report = value

	// Keys
	case "keys.mnemonic":
		cfg.Keys.Mnemonic = value
	case "keys.passphrase":
		cfg.Keys.Passphrase = value
	case "keys.index":
		cfg.Keys.Index, err = strconv.Atoi(value)

	// Validator behavior
	case "validator.mingasprice":
		cfg.Validator.MinGasPrice, err = strconv.ParseUint(value, 10, 64)
	case "validator.relaygasprice":
		cfg.Validator.RelayGasPrice, err = strconv.ParseUint(value, 10, 64)
	case "validator.poolsize":
		cfg.Validator.PoolSize, err = strconv.Atoi(value)
	case "validator.precision":
		cfg.Validator.TimePrecision, err = strconv.ParseFloat(value, 64)
	case "validator.jitter":
		cfg.Validator.TimeJitter, err = strconv.ParseInt(value, 10, 64)
	case "validator.lookahead":
		cfg.Validator.Lookahead, err = strconv.ParseInt(value, 10, 64)
	case "validator.miningmean":
		cfg.Validator.MiningMean, err = strconv.ParseFloat(value, 64)
	case "validator.blockprob":
		cfg.Validator.BlockSuccessProb, err = strconv.ParseFloat(value, 64)
	case "validator.collationprob":
		cfg.Validator.CollationSuccessProb, err = strconv.ParseFloat(value, 64)
	case "validator.maxblocktxs":
		cfg.Validator.MaxBlockTxs, err = strconv.Atoi(value)

	// P2P
	case "p2p.listen":
		cfg.P2P.ListenAddr = value
	case "p2p.port":
		cfg.P2P.Port, err = strconv.Atoi(value)
	case "p2p.seeds":
		cfg.P2P.Seeds = parseStringList(value)
	case "p2p.maxpeers":
		cfg.P2P.MaxPeers, err = strconv.Atoi(value)
	case "p2p.nodiscover":
		cfg.P2P.NoDiscover = parseBool(value)

	// Storage
	case "storage.backend":
		cfg.Storage.Backend = strings.ToLower(value)
	case "storage.cache":
		cfg.Storage.CacheSize, err = strconv.Atoi(value)

	// Metrics
	case "metrics.url":
		cfg.Metrics.URL = value
	case "metrics.token":
		cfg.Metrics.Token = value
	case "metrics.org":
		cfg.Metrics.Org = value
	case "metrics.bucket":
		cfg.Metrics.Bucket = value
	case "metrics.interval":
		cfg.Metrics.Interval, err = strconv.Atoi(value)

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)
	}
	return err
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a commented default configuration file.
func WriteDefaultConfig(path string) error {
	content := `# Shard simulator configuration
#
# Protocol rules (period length, shuffling cycle, shard count, deposit)
# live in the genesis file and must match across validators.

network = ` + DefaultNetworkID + `
# genesis = /path/to/genesis.json

# ============================================================================
# Simulation
# ============================================================================

sim.validators = 4
sim.steps = 2000
# Clock seconds per step and per network hop
sim.step = 0.5
sim.latency = 0.5
sim.seed = 1
# sim.report = report.json

# ============================================================================
# Keys
# ============================================================================

# Validator keys derive from m/44'/8888'/0'/0/<index>
# keys.mnemonic = <24 words>
# keys.passphrase =
# keys.index = 0

# ============================================================================
# Validator
# ============================================================================

validator.mingasprice = 1
validator.relaygasprice = 1
validator.precision = 100
validator.jitter = 50
validator.miningmean = 5
validator.blockprob = 1
validator.collationprob = 1

# ============================================================================
# P2P (shardnode)
# ============================================================================

p2p.listen = 0.0.0.0
p2p.port = 30313
p2p.maxpeers = 50
# p2p.seeds = /ip4/203.0.113.1/tcp/30313/p2p/12D3KooW...
# p2p.nodiscover = false

# ============================================================================
# Storage
# ============================================================================

# memory or badger
storage.backend = memory
storage.cache = 256

# ============================================================================
# Metrics (InfluxDB, disabled when url is empty)
# ============================================================================

# metrics.url = http://localhost:8086
# metrics.token =
metrics.org = shardsim
metrics.bucket = shardsim
metrics.interval = 100

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}

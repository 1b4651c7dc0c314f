package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// Version is reported by --version.
const Version = "0.1.0"

// ErrHelp is returned by Load when --help or --version was handled.
var ErrHelp = errors.New("help requested")

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string
	EnvFile string
	Genesis string

	// Simulation
	Validators int
	Steps      int
	Seed       int64
	Latency    float64
	Report     string

	// Keys
	Mnemonic string
	KeyIndex int

	// P2P
	P2PPort    int
	Seeds      string
	MaxPeers   int
	NoDiscover bool

	// Storage and metrics
	Storage    string
	MetricsURL string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set flags whose zero value is meaningful.
	SetSeed       bool
	SetKeyIndex   bool
	SetLatency    bool
	SetNoDiscover bool
	SetLogJSON    bool
}

// ParseFlags parses args (without the program name).
func ParseFlags(name string, args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network id")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")
	fs.StringVar(&f.EnvFile, "env-file", "", "Dotenv file with SHARDSIM_ overrides")
	fs.StringVar(&f.Genesis, "genesis", "", "Genesis JSON path")

	// Simulation
	fs.IntVar(&f.Validators, "validators", 0, "Number of validators")
	fs.IntVar(&f.Steps, "steps", 0, "Number of simulation steps")
	fs.Int64Var(&f.Seed, "seed", 0, "Random seed")
	fs.Float64Var(&f.Latency, "latency", 0, "Network latency in clock seconds")
	fs.StringVar(&f.Report, "report", "", "Write the JSON run report to this path")

	// Keys
	fs.StringVar(&f.Mnemonic, "mnemonic", "", "BIP-39 mnemonic for validator keys")
	fs.IntVar(&f.KeyIndex, "key-index", 0, "Validator index run by this node")

	// P2P
	fs.IntVar(&f.P2PPort, "p2p-port", 0, "P2P listen port")
	fs.StringVar(&f.Seeds, "seeds", "", "Seed nodes as comma-separated libp2p multiaddrs")
	fs.IntVar(&f.MaxPeers, "maxpeers", 0, "Maximum number of peers")
	fs.BoolVar(&f.NoDiscover, "nodiscover", false, "Disable mDNS peer discovery")

	// Storage and metrics
	fs.StringVar(&f.Storage, "storage", "", "Storage backend (memory or badger)")
	fs.StringVar(&f.MetricsURL, "metrics-url", "", "InfluxDB URL for metrics export")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			f.Help = true
			return f, nil
		}
		return nil, err
	}

	f.SetSeed = isFlagSet(fs, "seed")
	f.SetKeyIndex = isFlagSet(fs, "key-index")
	f.SetLatency = isFlagSet(fs, "latency")
	f.SetNoDiscover = isFlagSet(fs, "nodiscover")
	f.SetLogJSON = isFlagSet(fs, "log-json")
	f.Args = fs.Args()

	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}
	return f, nil
}

// ApplyFlags applies command-line flags to cfg.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.NetworkID = f.Network
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.Genesis != "" {
		cfg.GenesisFile = f.Genesis
	}

	// Simulation
	if f.Validators != 0 {
		cfg.Sim.Validators = f.Validators
	}
	if f.Steps != 0 {
		cfg.Sim.Steps = f.Steps
	}
	if f.SetSeed {
		cfg.Sim.Seed = f.Seed
	}
	if f.SetLatency {
		cfg.Sim.Latency = f.Latency
	}
	if f.Report != "" {
		cfg.Sim.Report = f.Report
	}

	// Keys
	if f.Mnemonic != "" {
		cfg.Keys.Mnemonic = f.Mnemonic
	}
	if f.SetKeyIndex {
		cfg.Keys.Index = f.KeyIndex
	}

	// P2P
	if f.P2PPort != 0 {
		cfg.P2P.Port = f.P2PPort
	}
	if f.Seeds != "" {
		cfg.P2P.Seeds = parseStringList(f.Seeds)
	}
	if f.MaxPeers != 0 {
		cfg.P2P.MaxPeers = f.MaxPeers
	}
	if f.SetNoDiscover {
		cfg.P2P.NoDiscover = f.NoDiscover
	}

	// Storage and metrics
	if f.Storage != "" {
		cfg.Storage.Backend = strings.ToLower(f.Storage)
	}
	if f.MetricsURL != "" {
		cfg.Metrics.URL = f.MetricsURL
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// PrintUsage writes the help text for the named command.
func PrintUsage(w io.Writer, name string) {
	fmt.Fprintf(w, `%s - sharded validator network simulator

Usage:
  %s [options]

Core Options:
  --network       Network id (default: %s)
  --datadir       Data directory (default: ~/.shardsim)
  --config, -c    Config file path (default: <datadir>/shardsim.conf)
  --env-file      Dotenv file with SHARDSIM_SECTION__KEY overrides (default: .env)
  --genesis       Genesis JSON path (default: built-in genesis)

Simulation Options:
  --validators    Number of validators
  --steps         Number of steps to run
  --seed          Random seed
  --latency       Network latency in clock seconds
  --report        Write the JSON run report to this path

Key Options:
  --mnemonic      BIP-39 mnemonic for validator keys
  --key-index     Validator index run by this node

P2P Options:
  --p2p-port      P2P listen port (default: 30313)
  --seeds         Seed nodes as comma-separated libp2p multiaddrs
  --maxpeers      Maximum number of peers (default: 50)
  --nodiscover    Disable mDNS peer discovery

Storage and Metrics:
  --storage       Storage backend: memory (default) or badger
  --metrics-url   InfluxDB URL; export is disabled when empty

Logging Options:
  --log-level     Log level: trace, debug, info, warn, error (default: info)
  --log-file      Log file path (JSON)
  --log-json      Output console logs as JSON

Precedence: defaults, config file, env file, environment, flags.
`, name, name, DefaultNetworkID)
}

// Load builds the configuration with the following precedence:
// 1. Default values
// 2. Config file
// 3. Env file
// 4. Process environment
// 5. Command-line flags
func Load(name string, args []string) (*Config, *Flags, error) {
	flags, err := ParseFlags(name, args)
	if err != nil {
		return nil, nil, err
	}
	if flags.Help {
		PrintUsage(os.Stdout, name)
		return nil, flags, ErrHelp
	}
	if flags.Version {
		fmt.Printf("%s version %s\n", name, Version)
		return nil, flags, ErrHelp
	}

	cfg := Default()
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	envPath := flags.EnvFile
	if envPath == "" {
		envPath = ".env"
	}
	envValues, err := LoadEnvFile(envPath)
	if err != nil {
		return nil, nil, err
	}
	if err := ApplyFileConfig(cfg, envValues); err != nil {
		return nil, nil, fmt.Errorf("applying env file: %w", err)
	}
	if err := ApplyFileConfig(cfg, LoadEnviron()); err != nil {
		return nil, nil, fmt.Errorf("applying environment: %w", err)
	}

	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, flags, nil
}

// EnsureDataDirs creates the network directory and a default config file
// if they don't already exist.
func EnsureDataDirs(cfg *Config) error {
	for _, dir := range []string{cfg.DataDir, cfg.NetworkDir(), cfg.P2PDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}

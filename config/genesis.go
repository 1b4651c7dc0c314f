package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Klingon-tech/klingnet-shardsim/internal/chain"
	"github.com/Klingon-tech/klingnet-shardsim/internal/consensus"
	"github.com/Klingon-tech/klingnet-shardsim/internal/state"
	"github.com/Klingon-tech/klingnet-shardsim/internal/storage"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// =============================================================================
// Protocol Rules (defined in genesis)
// These MUST match across all validators or they never agree on a head.
// =============================================================================

// Consensus type constants.
const (
	ConsensusFastPath = consensus.ModeFastPath
	ConsensusPoW      = consensus.ModePoW
)

// DevMnemonic is the well-known BIP-39 test phrase used for local
// networks. DO NOT use it for anything holding value.
const DevMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// DefaultValidatorBalance is credited to each validator added by AddValidators.
const DefaultValidatorBalance = 1_000_000

// Genesis holds the genesis block configuration and protocol rules.
type Genesis struct {
	ChainID   string `json:"chain_id"`
	Timestamp uint64 `json:"timestamp"`

	// Initial allocations (hex address -> balance)
	Alloc map[string]uint64 `json:"alloc"`

	// Validators registered at genesis (hex compressed public keys)
	Validators []string `json:"validators,omitempty"`

	Protocol ProtocolConfig `json:"protocol"`
}

// ProtocolConfig holds consensus-critical rules.
type ProtocolConfig struct {
	Consensus ConsensusRules `json:"consensus"`
	Sharding  ShardingRules  `json:"sharding"`
}

// ConsensusRules defines how main-chain blocks are sealed and rewarded.
type ConsensusRules struct {
	// Type: "fastpath" or "pow"
	Type       string `json:"type"`
	Difficulty uint64 `json:"difficulty,omitempty"` // PoW only

	BlockReward uint64 `json:"block_reward"`
	DepositSize uint64 `json:"deposit_size"` // exact validator deposit
}

// ShardingRules defines the period and shuffling schedule.
type ShardingRules struct {
	PeriodLength     uint64 `json:"period_length"`   // blocks per period
	ShufflingCycle   uint64 `json:"shuffling_cycle"` // blocks per watcher reassignment
	ShardCount       uint32 `json:"shard_count"`
	WatchersPerShard int    `json:"watchers_per_shard"`
	RingReplicas     int    `json:"ring_replicas"` // consistent-hash points per validator
}

// DefaultGenesis returns the built-in local-network genesis with no
// allocations. Simulations add their validators with AddValidators.
func DefaultGenesis() *Genesis {
	return &Genesis{
		ChainID: DefaultNetworkID,
		Alloc:   map[string]uint64{},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				Type:        ConsensusFastPath,
				BlockReward: 1,
				DepositSize: 100,
			},
			Sharding: ShardingRules{
				PeriodLength:     5,
				ShufflingCycle:   25,
				ShardCount:       4,
				WatchersPerShard: 2,
				RingReplicas:     20,
			},
		},
	}
}

// AddValidators registers keys at genesis and credits each address balance.
func (g *Genesis) AddValidators(keys []*crypto.PrivateKey, balance uint64) {
	if g.Alloc == nil {
		g.Alloc = make(map[string]uint64)
	}
	for _, k := range keys {
		g.Validators = append(g.Validators, hex.EncodeToString(k.PublicKey()))
		g.Alloc[k.Address().Hex()] += balance
	}
}

// Params returns the state parameters the rules describe.
func (g *Genesis) Params() state.Params {
	s := g.Protocol.Sharding
	return state.Params{
		PeriodLength:     s.PeriodLength,
		ShufflingCycle:   s.ShufflingCycle,
		ShardCount:       s.ShardCount,
		WatchersPerShard: s.WatchersPerShard,
		RingReplicas:     s.RingReplicas,
		DepositSize:      g.Protocol.Consensus.DepositSize,
		BlockReward:      g.Protocol.Consensus.BlockReward,
	}
}

// Spec converts the file form into the chain genesis description.
func (g *Genesis) Spec() (chain.GenesisSpec, error) {
	spec := chain.GenesisSpec{
		Timestamp: g.Timestamp,
		Alloc:     make(map[types.Address]uint64, len(g.Alloc)),
	}
	for addrStr, v := range g.Alloc {
		addr, err := types.HexToAddress(addrStr)
		if err != nil {
			return chain.GenesisSpec{}, fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		spec.Alloc[addr] += v
	}
	for i, s := range g.Validators {
		pub, err := hex.DecodeString(s)
		if err != nil || len(pub) != crypto.PubKeySize {
			return chain.GenesisSpec{}, fmt.Errorf("validators[%d] must be a %d-byte hex public key", i, crypto.PubKeySize)
		}
		spec.Validators = append(spec.Validators, pub)
	}
	return spec, nil
}

// Engine builds the sealing engine the rules select.
func (g *Genesis) Engine() (consensus.Engine, error) {
	return consensus.New(g.Protocol.Consensus.Type, g.Protocol.Consensus.Difficulty, 1)
}

// NewChain builds a validator's main chain over db. Every call yields an
// independent chain rooted at the same genesis block.
func (g *Genesis) NewChain(db storage.DB, cacheSize int) (*chain.MainChain, error) {
	spec, err := g.Spec()
	if err != nil {
		return nil, err
	}
	params := g.Params()
	blk, st, err := chain.BuildGenesis(spec, params)
	if err != nil {
		return nil, fmt.Errorf("build genesis: %w", err)
	}
	engine, err := g.Engine()
	if err != nil {
		return nil, err
	}
	return chain.New(db, engine, params, blk, st, cacheSize)
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}
	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}
	return &g, nil
}

// GenesisFor returns the genesis named by cfg, or DefaultGenesis.
func GenesisFor(cfg *Config) (*Genesis, error) {
	if cfg.GenesisFile == "" {
		return DefaultGenesis(), nil
	}
	return LoadGenesis(cfg.GenesisFile)
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}
	return nil
}

// Validate checks that the genesis configuration is usable.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	c := g.Protocol.Consensus
	switch c.Type {
	case ConsensusFastPath:
	case ConsensusPoW:
		if c.Difficulty == 0 {
			return fmt.Errorf("pow requires difficulty")
		}
	default:
		return fmt.Errorf("unknown consensus type: %s", c.Type)
	}
	if c.DepositSize == 0 {
		return fmt.Errorf("deposit_size must be positive")
	}

	s := g.Protocol.Sharding
	if s.PeriodLength == 0 {
		return fmt.Errorf("period_length must be positive")
	}
	if s.ShufflingCycle == 0 || s.ShufflingCycle%s.PeriodLength != 0 {
		return fmt.Errorf("shuffling_cycle must be a positive multiple of period_length")
	}
	if s.ShardCount == 0 {
		return fmt.Errorf("shard_count must be positive")
	}
	if s.WatchersPerShard < 1 {
		return fmt.Errorf("watchers_per_shard must be at least 1")
	}
	if s.RingReplicas < 1 {
		return fmt.Errorf("ring_replicas must be at least 1")
	}

	if _, err := g.Spec(); err != nil {
		return err
	}
	return nil
}

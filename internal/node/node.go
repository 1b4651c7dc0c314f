// Package node runs a single validator against real peers: the validator
// engine ticks on the wall clock and its traffic travels over libp2p.
package node

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-shardsim/config"
	"github.com/Klingon-tech/klingnet-shardsim/internal/chain"
	"github.com/Klingon-tech/klingnet-shardsim/internal/diag"
	klog "github.com/Klingon-tech/klingnet-shardsim/internal/log"
	"github.com/Klingon-tech/klingnet-shardsim/internal/metrics"
	"github.com/Klingon-tech/klingnet-shardsim/internal/p2p"
	"github.com/Klingon-tech/klingnet-shardsim/internal/storage"
	"github.com/Klingon-tech/klingnet-shardsim/internal/validator"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// TickInterval is the wall-clock gap between validator ticks.
	TickInterval = 100 * time.Millisecond

	metricsInterval = 10 * time.Second
)

// Node is a fully-initialized validator process.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db    storage.DB
	ch    *chain.MainChain
	val   *validator.Validator
	rec   *diag.Recorder
	valMu sync.Mutex // serializes Tick and OnReceive

	// Networking
	p2pNode *p2p.Node

	// Metrics
	exporter *metrics.Exporter

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errMu   sync.Mutex
	stopErr error
}

// New creates and initializes a Node running validator cfg.Keys.Index. It
// opens storage, builds the chain and the P2P host but does NOT start
// them. Call Start for that.
func New(cfg *config.Config, genesis *config.Genesis) (*Node, error) {
	logger := klog.WithComponent("node")
	index := cfg.Keys.Index

	// ── 1. Validator key ────────────────────────────────────────────
	n := cfg.Sim.Validators
	if index >= n {
		n = index + 1
	}
	keys, err := validatorKeys(cfg, n)
	if err != nil {
		return nil, err
	}
	if len(genesis.Validators) == 0 {
		genesis.AddValidators(keys, config.DefaultValidatorBalance)
	}
	if err := genesis.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}
	key := keys[index]

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", cfg.NetworkID).
		Str("consensus", genesis.Protocol.Consensus.Type).
		Int("validator", index).
		Str("address", key.Address().Hex()).
		Msg("Starting shard validator node")

	// ── 2. Open storage ─────────────────────────────────────────────
	dir := cfg.ChainDir(index)
	if cfg.Storage.Backend == storage.BackendBadger {
		if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
			return nil, fmt.Errorf("create chain dir: %w", err)
		}
	}
	db, err := storage.Open(cfg.Storage.Backend, dir)
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", dir, err)
	}
	logger.Info().Str("backend", cfg.Storage.Backend).Str("path", dir).Msg("Database opened")

	// ── 3. Chain ────────────────────────────────────────────────────
	ch, err := genesis.NewChain(db, cfg.Storage.CacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chain: %w", err)
	}
	logger.Info().
		Str("genesis", ch.Genesis().Hash().Short()).
		Uint64("height", ch.Height()).
		Msg("Chain initialized")

	// ── 4. P2P ──────────────────────────────────────────────────────
	p2pNode := p2p.New(p2p.Config{
		ListenAddr: cfg.P2P.ListenAddr,
		Port:       cfg.P2P.Port,
		Seeds:      cfg.P2P.Seeds,
		MaxPeers:   cfg.P2P.MaxPeers,
		NoDiscover: cfg.P2P.NoDiscover,
		NetworkID:  cfg.NetworkID,
		DataDir:    p2pDataDir(cfg),
		DB:         db,
	})
	p2pNode.SetGenesisHash(ch.Genesis().Hash())
	p2pNode.SetHeightFn(ch.Height)

	// ── 5. Validator ────────────────────────────────────────────────
	rec := diag.New()
	rng := rand.New(rand.NewSource(cfg.Sim.Seed + int64(index)))
	val, err := validator.New(cfg.ValidatorParams(index, key), ch, p2pNode, wallClock{}, rng, rec)
	if err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:     cfg,
		genesis: genesis,
		logger:  logger,
		db:      db,
		ch:      ch,
		val:     val,
		rec:     rec,
		p2pNode: p2pNode,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start brings up the P2P host, the validator loop and the optional
// metrics export.
func (n *Node) Start() error {
	if err := n.p2pNode.Start(); err != nil {
		return fmt.Errorf("start p2p: %w", err)
	}
	n.logger.Info().
		Str("id", n.p2pNode.ID().String()).
		Strs("addrs", n.p2pNode.Addrs()).
		Msg("P2P started")

	if mc := n.cfg.MetricsExport(); mc.Enabled() {
		exp, err := metrics.NewExporter(n.ctx, mc)
		if err != nil {
			n.logger.Warn().Err(err).Msg("Metrics export disabled")
		} else {
			n.exporter = exp
			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				n.runMetrics(metricsInterval)
			}()
		}
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runValidator(TickInterval)
	}()

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("head", n.ch.HeadHash().Short()).
		Msg("Node started successfully")
	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	if n.exporter != nil {
		n.exporter.Export(n.rec.Snapshot())
		n.exporter.Close()
	}
	if err := n.p2pNode.Stop(); err != nil {
		n.logger.Warn().Err(err).Msg("P2P shutdown")
	}
	if n.db != nil {
		n.db.Close()
	}
	n.logger.Info().Msg("Goodbye!")
}

// Done is closed once the node stops, on Stop or on an invariant violation.
func (n *Node) Done() <-chan struct{} { return n.ctx.Done() }

// Err returns the error that stopped the validator loop, if any.
func (n *Node) Err() error {
	n.errMu.Lock()
	defer n.errMu.Unlock()
	return n.stopErr
}

// Height returns the current chain height.
func (n *Node) Height() uint64 { return n.ch.Height() }

// Chain returns the main chain.
func (n *Node) Chain() *chain.MainChain { return n.ch }

// P2P returns the peer-to-peer host.
func (n *Node) P2P() *p2p.Node { return n.p2pNode }

// Diag returns the node diagnostics.
func (n *Node) Diag() *diag.Recorder { return n.rec }

// Watched returns the shards the validator currently watches.
func (n *Node) Watched() []types.ShardID {
	n.valMu.Lock()
	defer n.valMu.Unlock()
	return n.val.Watched()
}

// ── Validator loop ──────────────────────────────────────────────────

func (n *Node) runValidator(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.logger.Info().Msg("Validator loop stopped")
			return
		case <-ticker.C:
			if err := n.step(); err != nil {
				n.errMu.Lock()
				n.stopErr = err
				n.errMu.Unlock()
				n.logger.Error().Err(err).Msg("Validator stopped")
				n.cancel()
				return
			}
		}
	}
}

// step delivers queued traffic, ticks the validator and aligns the shard
// subscriptions with the watched set.
func (n *Node) step() error {
	n.valMu.Lock()
	defer n.valMu.Unlock()

	if err := n.val.OnReceive(n.p2pNode.Drain()...); err != nil {
		return err
	}
	if err := n.val.Tick(); err != nil {
		return err
	}
	if err := n.p2pNode.SyncShards(n.val.Watched()); err != nil {
		n.logger.Warn().Err(err).Msg("Shard subscription update failed")
	}
	return nil
}

// ── Metrics ─────────────────────────────────────────────────────────

func (n *Node) runMetrics(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.exporter.Export(n.rec.Snapshot())
		}
	}
}

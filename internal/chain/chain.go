// Package chain implements the main chain: block insertion with fork
// choice, period helpers, header-inclusion logs and the per-block view of
// shard head collations.
package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-shardsim/internal/consensus"
	"github.com/Klingon-tech/klingnet-shardsim/internal/log"
	"github.com/Klingon-tech/klingnet-shardsim/internal/shard"
	"github.com/Klingon-tech/klingnet-shardsim/internal/state"
	"github.com/Klingon-tech/klingnet-shardsim/internal/storage"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/collation"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// Insertion errors.
var (
	ErrKnownBlock    = errors.New("block already known")
	ErrUnknownParent = errors.New("unknown parent block")
	ErrInvalidBlock  = errors.New("invalid block")
	ErrUnknownShard  = errors.New("shard not initialized")
)

// maxOrphans bounds the number of parked blocks awaiting their parent.
const maxOrphans = 1024

// LogListener receives the add_header logs of every inserted block.
type LogListener func(blk *block.Block, logs []state.Log)

type inserted struct {
	block *block.Block
	logs  []state.Log
}

// MainChain holds every known block with its post-state and tracks the
// canonical chain by longest-chain fork choice. Ties keep the first seen.
type MainChain struct {
	mu     sync.RWMutex
	params state.Params
	engine consensus.Engine
	db     storage.DB
	blocks *BlockStore

	genesis *block.Block
	head    *block.Block
	canon   []types.Hash // canonical hash by number
	states  map[types.Hash]*state.State

	orphans     map[types.Hash][]*block.Block // by missing parent hash
	orphanCount int

	shards         map[types.ShardID]*shard.Chain
	headCollations map[types.Hash]map[types.ShardID]types.Hash
	ignored        map[types.ShardID]map[types.Hash][]*collation.Collation

	listeners []LogListener

	unanchored      map[types.Hash][]*collation.Collation // by period-start prevhash
	unanchoredCount int

	logMu      sync.Mutex
	inclusions []Inclusion
}

// New creates a main chain rooted at genesis. genesisState must be the
// post-state committed to by the genesis header.
func New(db storage.DB, engine consensus.Engine, params state.Params,
	genesis *block.Block, genesisState *state.State, cacheSize int) (*MainChain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("consensus engine is nil")
	}
	if genesis == nil || genesis.Header == nil || genesisState == nil {
		return nil, fmt.Errorf("genesis is nil")
	}
	if params.PeriodLength == 0 {
		return nil, fmt.Errorf("period length is zero")
	}
	if root := genesisState.Root(); root != genesis.Header.StateRoot {
		return nil, fmt.Errorf("genesis state root mismatch: header=%s computed=%s", genesis.Header.StateRoot, root)
	}

	blocks, err := NewBlockStore(db, cacheSize)
	if err != nil {
		return nil, err
	}
	if err := blocks.StoreBlock(genesis); err != nil {
		return nil, fmt.Errorf("store genesis: %w", err)
	}
	if err := blocks.SetCanonical([]*block.Block{genesis}); err != nil {
		return nil, fmt.Errorf("index genesis: %w", err)
	}

	hash := genesis.Hash()
	return &MainChain{
		params:         params,
		engine:         engine,
		db:             db,
		blocks:         blocks,
		genesis:        genesis,
		head:           genesis,
		canon:          []types.Hash{hash},
		states:         map[types.Hash]*state.State{hash: genesisState},
		orphans:        make(map[types.Hash][]*block.Block),
		shards:         make(map[types.ShardID]*shard.Chain),
		headCollations: map[types.Hash]map[types.ShardID]types.Hash{hash: {}},
		ignored:        make(map[types.ShardID]map[types.Hash][]*collation.Collation),
		unanchored:     make(map[types.Hash][]*collation.Collation),
	}, nil
}

// AddBlock validates and inserts blk. Blocks whose parent is unknown are
// parked and inserted once the parent arrives; the call still returns
// ErrUnknownParent. Listeners run after the chain lock is released, once
// per block inserted (including connected orphans).
func (c *MainChain) AddBlock(blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("%w: nil header", ErrInvalidBlock)
	}

	c.mu.Lock()
	ins, err := c.insertLocked(blk)
	var added []inserted
	if err == nil {
		added = append(added, ins)
		added = append(added, c.connectOrphansLocked(blk.Hash())...)
	}
	listeners := append([]LogListener(nil), c.listeners...)
	c.mu.Unlock()

	for _, a := range added {
		for _, l := range listeners {
			l(a.block, a.logs)
		}
		c.retryUnanchored(a.block)
	}
	return err
}

func (c *MainChain) insertLocked(blk *block.Block) (inserted, error) {
	hash := blk.Hash()
	if _, ok := c.states[hash]; ok {
		return inserted{}, fmt.Errorf("%w: %s", ErrKnownBlock, hash.Short())
	}
	parent, ok := c.states[blk.PrevHash()]
	if !ok {
		c.parkOrphanLocked(blk)
		return inserted{}, fmt.Errorf("%w %s for block %d", ErrUnknownParent, blk.PrevHash().Short(), blk.Number())
	}

	post, logs, err := c.execute(blk, parent)
	if err != nil {
		return inserted{}, err
	}
	if err := c.blocks.StoreBlock(blk); err != nil {
		return inserted{}, fmt.Errorf("store block %d: %w", blk.Number(), err)
	}
	c.states[hash] = post

	if blk.Number() > c.head.Number() {
		c.setHeadLocked(blk)
	}
	log.Chain.Debug().
		Uint64("number", blk.Number()).
		Str("hash", hash.Short()).
		Int("txs", len(blk.Transactions)).
		Int("header_logs", len(logs)).
		Msg("Block inserted")
	return inserted{block: blk, logs: logs}, nil
}

// execute runs blk on top of parent and returns the post-state and the
// add_header logs. Every transaction must apply.
func (c *MainChain) execute(blk *block.Block, parent *state.State) (*state.State, []state.Log, error) {
	if err := blk.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	if err := c.engine.VerifyHeader(blk.Header); err != nil {
		return nil, nil, fmt.Errorf("%w: seal: %v", ErrInvalidBlock, err)
	}
	if want := parent.BlockNumber() + 1; blk.Number() != want {
		return nil, nil, fmt.Errorf("%w: number %d, want %d", ErrInvalidBlock, blk.Number(), want)
	}
	if blk.Header.Timestamp <= parent.Timestamp() {
		return nil, nil, fmt.Errorf("%w: timestamp %d not after parent %d", ErrInvalidBlock, blk.Header.Timestamp, parent.Timestamp())
	}

	post := parent.Clone()
	post.Project(blk.PrevHash(), blk.Number(), blk.Header.Timestamp, blk.Header.Coinbase)
	var logs []state.Log
	for i, t := range blk.Transactions {
		r, err := post.ApplyTransaction(t)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: tx %d: %v", ErrInvalidBlock, i, err)
		}
		logs = append(logs, r.Logs...)
	}
	post.Finalize()
	if root := post.Root(); root != blk.Header.StateRoot {
		return nil, nil, fmt.Errorf("%w: state root header=%s computed=%s", ErrInvalidBlock, blk.Header.StateRoot.Short(), root.Short())
	}
	return post, logs, nil
}

func (c *MainChain) parkOrphanLocked(blk *block.Block) {
	hash := blk.Hash()
	parent := blk.PrevHash()
	for _, o := range c.orphans[parent] {
		if o.Hash() == hash {
			return
		}
	}
	if c.orphanCount >= maxOrphans {
		log.Chain.Warn().Uint64("number", blk.Number()).Msg("Orphan pool full, dropping block")
		return
	}
	c.orphans[parent] = append(c.orphans[parent], blk)
	c.orphanCount++
}

func (c *MainChain) connectOrphansLocked(hash types.Hash) []inserted {
	var out []inserted
	queue := []types.Hash{hash}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		children := c.orphans[h]
		delete(c.orphans, h)
		c.orphanCount -= len(children)
		for _, child := range children {
			ins, err := c.insertLocked(child)
			if err != nil {
				log.Chain.Warn().Err(err).Uint64("number", child.Number()).Msg("Dropping orphan")
				continue
			}
			out = append(out, ins)
			queue = append(queue, child.Hash())
		}
	}
	return out
}

// setHeadLocked makes blk the canonical head, re-indexing from the fork point.
func (c *MainChain) setHeadLocked(blk *block.Block) {
	var path []*block.Block
	cur := blk
	for {
		n := cur.Number()
		if n < uint64(len(c.canon)) && c.canon[n] == cur.Hash() {
			break
		}
		path = append(path, cur)
		parent, err := c.blocks.GetBlock(cur.PrevHash())
		if err != nil {
			log.Chain.Error().Err(err).Uint64("number", n).Msg("Missing ancestor during head switch")
			return
		}
		cur = parent
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	oldHead := c.head
	c.canon = c.canon[:cur.Number()+1]
	for _, b := range path {
		c.canon = append(c.canon, b.Hash())
	}
	c.head = blk
	if err := c.blocks.SetCanonical(path); err != nil {
		log.Chain.Error().Err(err).Msg("Failed to index canonical chain")
	}

	if depth := oldHead.Number() - cur.Number(); depth > 0 {
		log.Chain.Info().
			Uint64("fork_point", cur.Number()).
			Uint64("depth", depth).
			Str("old_head", oldHead.Hash().Short()).
			Str("new_head", blk.Hash().Short()).
			Msg("Chain reorganized")
	}
}

// Params returns the protocol constants.
func (c *MainChain) Params() state.Params { return c.params }

// Engine returns the consensus engine blocks are verified with.
func (c *MainChain) Engine() consensus.Engine { return c.engine }

// Genesis returns the genesis block.
func (c *MainChain) Genesis() *block.Block { return c.genesis }

// Head returns the canonical head block.
func (c *MainChain) Head() *block.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// HeadHash returns the hash of the canonical head.
func (c *MainChain) HeadHash() types.Hash {
	return c.Head().Hash()
}

// Height returns the number of the canonical head.
func (c *MainChain) Height() uint64 {
	return c.Head().Number()
}

// State returns the post-state of the head. Callers must not modify it;
// use Clone or EphemeralState for scratch work.
func (c *MainChain) State() *state.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[c.head.Hash()]
}

// StateAt returns the post-state of a known block.
func (c *MainChain) StateAt(hash types.Hash) (*state.State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[hash]
	return st, ok
}

// EphemeralState returns a disposable copy of the head state projected to
// the next block number at timestamp.
func (c *MainChain) EphemeralState(timestamp uint64) *state.State {
	c.mu.RLock()
	head := c.head
	st := c.states[head.Hash()].Clone()
	c.mu.RUnlock()
	st.Project(head.Hash(), head.Number()+1, timestamp, types.Address{})
	return st
}

// HasBlock reports whether blk has been inserted. Parked orphans are not.
func (c *MainChain) HasBlock(hash types.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.states[hash]
	return ok
}

// GetBlock retrieves a stored block by hash.
func (c *MainChain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// BlockHashAt returns the canonical block hash at number.
func (c *MainChain) BlockHashAt(number uint64) (types.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if number >= uint64(len(c.canon)) {
		return types.Hash{}, false
	}
	return c.canon[number], true
}

// GetChain returns the canonical chain from genesis to head.
func (c *MainChain) GetChain() []*block.Block {
	c.mu.RLock()
	hashes := append([]types.Hash(nil), c.canon...)
	c.mu.RUnlock()

	out := make([]*block.Block, 0, len(hashes))
	for _, h := range hashes {
		blk, err := c.blocks.GetBlock(h)
		if err != nil {
			log.Chain.Error().Err(err).Str("hash", h.Short()).Msg("Canonical block missing from store")
			continue
		}
		out = append(out, blk)
	}
	return out
}

// OrphanCount returns the number of parked blocks.
func (c *MainChain) OrphanCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orphanCount
}

// GetExpectedPeriodNumber returns the period of the next block.
func (c *MainChain) GetExpectedPeriodNumber() uint64 {
	return (c.Height() + 1) / c.params.PeriodLength
}

// GetPeriodStartPrevhash returns the canonical hash of the last block
// before period starts.
func (c *MainChain) GetPeriodStartPrevhash(period uint64) (types.Hash, bool) {
	if period == 0 {
		return types.Hash{}, false
	}
	return c.BlockHashAt(period*c.params.PeriodLength - 1)
}

// AppendHeaderLogListener registers fn for the logs of future blocks.
func (c *MainChain) AppendHeaderLogListener(fn LogListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// LogListenerCount returns the number of registered listeners.
func (c *MainChain) LogListenerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}

// Inclusion is one inserted block with the add_header logs it emitted.
type Inclusion struct {
	Block *block.Block
	Logs  []state.Log
}

// Refs returns the highest-numbered add_header log per shard.
func (in Inclusion) Refs() map[types.ShardID]*state.Log {
	return highestPerShard(in.Logs)
}

// CollectHeaderLogs is a LogListener buffering every inserted block for
// DrainInclusions.
func (c *MainChain) CollectHeaderLogs(blk *block.Block, logs []state.Log) {
	c.logMu.Lock()
	c.inclusions = append(c.inclusions, Inclusion{Block: blk, Logs: logs})
	c.logMu.Unlock()
}

// DrainInclusions returns the buffered blocks in insertion order and
// clears the buffer. Connected orphans follow the block that connected them.
func (c *MainChain) DrainInclusions() []Inclusion {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	out := c.inclusions
	c.inclusions = nil
	return out
}

// ParseHeaderInclusionLogs drains the buffer and returns the
// highest-numbered add_header entry per shard across all drained blocks.
func (c *MainChain) ParseHeaderInclusionLogs() map[types.ShardID]*state.Log {
	var logs []state.Log
	for _, in := range c.DrainInclusions() {
		logs = append(logs, in.Logs...)
	}
	return highestPerShard(logs)
}

func highestPerShard(logs []state.Log) map[types.ShardID]*state.Log {
	out := make(map[types.ShardID]*state.Log)
	for i := range logs {
		l := &logs[i]
		if l.Topic != state.AddHeaderTopic {
			continue
		}
		if cur, ok := out[l.ShardID]; !ok || l.Number > cur.Number {
			out[l.ShardID] = l
		}
	}
	return out
}

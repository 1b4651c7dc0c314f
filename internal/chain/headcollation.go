package chain

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-shardsim/internal/log"
	"github.com/Klingon-tech/klingnet-shardsim/internal/shard"
	"github.com/Klingon-tech/klingnet-shardsim/internal/state"
	"github.com/Klingon-tech/klingnet-shardsim/internal/storage"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/collation"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

const (
	// maxIgnoredPerShard bounds the collations parked while their parent is missing.
	maxIgnoredPerShard = 256
	// maxUnanchored bounds the collations parked while their period-start
	// block is missing.
	maxUnanchored = 256
)

// InitShard creates the fork tree for id, or returns the existing one.
func (c *MainChain) InitShard(id types.ShardID) *shard.Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sh, ok := c.shards[id]; ok {
		return sh
	}
	sh := shard.New(id, storage.NewPrefixDB(c.db, []byte(fmt.Sprintf("s/%d/", id))))
	c.shards[id] = sh
	return sh
}

// HasShard reports whether the fork tree for id exists.
func (c *MainChain) HasShard(id types.ShardID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.shards[id]
	return ok
}

// Shard returns the fork tree for id.
func (c *MainChain) Shard(id types.ShardID) (*shard.Chain, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sh, ok := c.shards[id]
	return sh, ok
}

// HeadCollation returns the head collation of shard id as seen from blockHash.
func (c *MainChain) HeadCollation(blockHash types.Hash, id types.ShardID) (types.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.headCollations[blockHash][id]
	return h, ok
}

// HandleIgnoredCollation parks a collation whose parent is not yet known.
// It is retried when the parent lands through UpdateHeadCollationOfBlock.
func (c *MainChain) HandleIgnoredCollation(col *collation.Collation) {
	id, parent, hash := col.ShardID(), col.ParentHash(), col.Hash()

	c.mu.Lock()
	defer c.mu.Unlock()
	byParent := c.ignored[id]
	if byParent == nil {
		byParent = make(map[types.Hash][]*collation.Collation)
		c.ignored[id] = byParent
	}
	total := 0
	for _, cs := range byParent {
		total += len(cs)
		for _, o := range cs {
			if o.Hash() == hash {
				return
			}
		}
	}
	if total >= maxIgnoredPerShard {
		log.Shard.Warn().Uint32("shard", uint32(id)).Msg("Ignored collation pool full, dropping")
		return
	}
	byParent[parent] = append(byParent[parent], col)
	log.Shard.Debug().
		Uint32("shard", uint32(id)).
		Str("hash", hash.Short()).
		Str("parent", parent.Short()).
		Msg("Collation parked until parent arrives")
}

// HandleUnanchoredCollation parks a collation whose period-start block is
// not yet known. It is offered to its shard again once that block is inserted.
func (c *MainChain) HandleUnanchoredCollation(col *collation.Collation) {
	anchor, hash := col.Header.PeriodStartPrevhash, col.Hash()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.unanchored[anchor] {
		if o.Hash() == hash {
			return
		}
	}
	if c.unanchoredCount >= maxUnanchored {
		log.Shard.Warn().Uint32("shard", uint32(col.ShardID())).Msg("Unanchored collation pool full, dropping")
		return
	}
	c.unanchored[anchor] = append(c.unanchored[anchor], col)
	c.unanchoredCount++
	log.Shard.Debug().
		Uint32("shard", uint32(col.ShardID())).
		Str("hash", hash.Short()).
		Str("anchor", anchor.Short()).
		Msg("Collation parked until period start block arrives")
}

// UnanchoredCount returns the number of collations waiting for their
// period-start block.
func (c *MainChain) UnanchoredCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unanchoredCount
}

func (c *MainChain) retryUnanchored(blk *block.Block) {
	c.mu.Lock()
	parked := c.unanchored[blk.Hash()]
	delete(c.unanchored, blk.Hash())
	c.unanchoredCount -= len(parked)
	c.mu.Unlock()

	for _, col := range parked {
		sh, ok := c.Shard(col.ShardID())
		if !ok {
			continue
		}
		sh.AddCollation(col, blk, c.HandleIgnoredCollation, c.UpdateHeadCollationOfBlock)
	}
}

// UpdateHeadCollationOfBlock is the insertion callback of shard fork trees.
// The shard head moves to col when the canonical head state records its
// header and col outscores the current head. Parked children of col are
// then retried.
func (c *MainChain) UpdateHeadCollationOfBlock(col *collation.Collation) {
	id, hash := col.ShardID(), col.Hash()

	c.mu.Lock()
	sh := c.shards[id]
	if sh != nil {
		head := c.head.Hash()
		if _, ok := c.states[head].HeaderRecord(id, hash); ok && col.Header.Number > sh.HeadScore() {
			c.recordLocked(head, id, hash)
			if err := sh.SetHead(hash); err != nil {
				log.Shard.Error().Err(err).Msg("Failed to move shard head")
			}
		}
	}
	children := c.ignored[id][hash]
	delete(c.ignored[id], hash)
	c.mu.Unlock()

	if sh == nil {
		return
	}
	for _, child := range children {
		psb, err := c.blocks.GetBlock(child.Header.PeriodStartPrevhash)
		if err != nil {
			c.HandleUnanchoredCollation(child)
			continue
		}
		sh.AddCollation(child, psb, c.HandleIgnoredCollation, c.UpdateHeadCollationOfBlock)
	}
}

// ReorganizeHeadCollation records the head collation of shard id as of blk
// and moves the shard head to the one recorded for the canonical head.
//
// For blk the included reference ref wins when the shard has it and blk's
// state records it. Without a reference an entry already recorded for blk
// is kept. Otherwise the parent block's head collation is used, then the
// best header recorded in blk's state that the shard has, then the shard
// genesis.
func (c *MainChain) ReorganizeHeadCollation(id types.ShardID, blk *block.Block, ref *state.Log) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sh, ok := c.shards[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownShard, id)
	}
	if _, ok := c.states[blk.Hash()]; !ok {
		return fmt.Errorf("reorganize shard %d: block %s not inserted", id, blk.Hash().Short())
	}
	if _, ok := c.headCollations[blk.Hash()][id]; ref != nil || !ok {
		c.recordLocked(blk.Hash(), id, c.resolveLocked(sh, blk, ref))
	}

	head := c.head
	target, ok := c.headCollations[head.Hash()][id]
	if !ok {
		target = c.resolveLocked(sh, head, nil)
	}

	prev := sh.HeadHash()
	if err := sh.SetHead(target); err != nil {
		return err
	}
	if prev != target {
		log.Shard.Debug().
			Uint32("shard", uint32(id)).
			Uint64("block", head.Number()).
			Str("from", prev.Short()).
			Str("to", target.Short()).
			Msg("Shard head reorganized")
	}
	return nil
}

func (c *MainChain) resolveLocked(sh *shard.Chain, blk *block.Block, ref *state.Log) types.Hash {
	id := sh.ID
	st := c.states[blk.Hash()]
	if ref != nil && sh.Has(ref.CollationHash) {
		if _, ok := st.HeaderRecord(id, ref.CollationHash); ok {
			return ref.CollationHash
		}
	}
	if h, ok := c.headCollations[blk.PrevHash()][id]; ok && sh.Has(h) {
		return h
	}
	rec, ok := st.BestHeader(id)
	for ok {
		if sh.Has(rec.Hash) {
			return rec.Hash
		}
		if rec.Parent.IsZero() {
			break
		}
		rec, ok = st.HeaderRecord(id, rec.Parent)
	}
	return types.Hash{}
}

func (c *MainChain) recordLocked(blockHash types.Hash, id types.ShardID, h types.Hash) {
	m := c.headCollations[blockHash]
	if m == nil {
		m = make(map[types.ShardID]types.Hash)
		c.headCollations[blockHash] = m
	}
	m[id] = h
}

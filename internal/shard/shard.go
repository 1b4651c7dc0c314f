// Package shard stores the collation fork tree of a single shard.
package shard

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-shardsim/internal/log"
	"github.com/Klingon-tech/klingnet-shardsim/internal/storage"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/collation"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

var prefixCollation = []byte("c/") // c/<hash(32)> -> collation JSON

// ErrUnknownCollation is returned by SetHead for a hash not in the tree.
var ErrUnknownCollation = errors.New("unknown collation")

type entry struct {
	collation *collation.Collation
	score     uint64
}

// Chain is the fork tree of one shard. The zero hash stands for the shard
// genesis and is always present with score 0.
type Chain struct {
	mu sync.RWMutex
	ID types.ShardID

	db      storage.DB
	entries map[types.Hash]*entry

	head      types.Hash
	headScore uint64
}

// New creates an empty shard tree persisting collations to db.
func New(id types.ShardID, db storage.DB) *Chain {
	return &Chain{
		ID:      id,
		db:      db,
		entries: make(map[types.Hash]*entry),
	}
}

// HeadHash returns the hash of the current head collation.
func (c *Chain) HeadHash() types.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// Head returns the head collation, or nil while the head is the shard genesis.
func (c *Chain) Head() *collation.Collation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[c.head]; ok {
		return e.collation
	}
	return nil
}

// HeadScore returns the score of the head.
func (c *Chain) HeadScore() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headScore
}

// Score returns the score of hash.
func (c *Chain) Score(hash types.Hash) (uint64, bool) {
	if hash.IsZero() {
		return 0, true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[hash]
	if !ok {
		return 0, false
	}
	return e.score, true
}

// Has reports whether hash is in the tree. The zero hash is always present.
func (c *Chain) Has(hash types.Hash) bool {
	if hash.IsZero() {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[hash]
	return ok
}

// Get returns the collation with hash.
func (c *Chain) Get(hash types.Hash) (*collation.Collation, bool) {
	c.mu.RLock()
	e, ok := c.entries[hash]
	c.mu.RUnlock()
	if ok {
		return e.collation, true
	}
	if c.db == nil || hash.IsZero() {
		return nil, false
	}
	data, err := c.db.Get(collationKey(hash))
	if err != nil {
		return nil, false
	}
	var col collation.Collation
	if err := json.Unmarshal(data, &col); err != nil {
		log.Shard.Warn().Err(err).Str("hash", hash.Short()).Msg("Corrupt stored collation")
		return nil, false
	}
	return &col, true
}

// Len returns the number of collations in the tree.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// SetHead moves the head to hash.
func (c *Chain) SetHead(hash types.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hash.IsZero() {
		c.head, c.headScore = types.Hash{}, 0
		return nil
	}
	e, ok := c.entries[hash]
	if !ok {
		return fmt.Errorf("%w %s on shard %d", ErrUnknownCollation, hash.Short(), c.ID)
	}
	c.head, c.headScore = hash, e.score
	return nil
}

// AddCollation inserts col into the tree. psb is the main-chain block
// named by the header's period start prevhash.
//
// It returns false for duplicates and for collations not anchored to psb.
// A collation whose parent is unknown is handed to onIgnored and also
// returns false. On insertion onHeadUpdate decides whether the head moves.
func (c *Chain) AddCollation(col *collation.Collation, psb *block.Block,
	onIgnored func(*collation.Collation), onHeadUpdate func(*collation.Collation)) bool {
	if col == nil || col.Header == nil || col.ShardID() != c.ID {
		return false
	}
	hash := col.Hash()
	if psb == nil || psb.Hash() != col.Header.PeriodStartPrevhash {
		log.Shard.Debug().Uint32("shard", uint32(c.ID)).Str("hash", hash.Short()).
			Msg("Collation not anchored to a known block")
		return false
	}

	c.mu.Lock()
	if _, dup := c.entries[hash]; dup {
		c.mu.Unlock()
		return false
	}
	parent := col.ParentHash()
	var parentScore uint64
	if !parent.IsZero() {
		pe, ok := c.entries[parent]
		if !ok {
			c.mu.Unlock()
			if onIgnored != nil {
				onIgnored(col)
			}
			return false
		}
		parentScore = pe.score
	}
	if col.Header.Number != parentScore+1 {
		c.mu.Unlock()
		log.Shard.Debug().Uint32("shard", uint32(c.ID)).Uint64("number", col.Header.Number).
			Uint64("parent_score", parentScore).Msg("Collation number does not extend parent")
		return false
	}
	if c.db != nil {
		data, err := json.Marshal(col)
		if err == nil {
			err = c.db.Put(collationKey(hash), data)
		}
		if err != nil {
			c.mu.Unlock()
			log.Shard.Error().Err(err).Str("hash", hash.Short()).Msg("Failed to store collation")
			return false
		}
	}
	c.entries[hash] = &entry{collation: col, score: col.Header.Number}
	c.mu.Unlock()

	if onHeadUpdate != nil {
		onHeadUpdate(col)
	}
	return true
}

func collationKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixCollation)+types.HashSize)
	copy(key, prefixCollation)
	copy(key[len(prefixCollation):], hash[:])
	return key
}

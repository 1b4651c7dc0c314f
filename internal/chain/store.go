package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-shardsim/internal/storage"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Key prefixes for the block store.
var (
	prefixBlock  = []byte("b/") // b/<hash(32)> -> block JSON
	prefixHeight = []byte("h/") // h/<number(8)> -> canonical hash(32)
	prefixTx     = []byte("x/") // x/<txhash(32)> -> number(8) + blockHash(32)
)

// DefaultCacheSize is the number of decoded blocks kept in memory.
const DefaultCacheSize = 1024

// BlockStore persists blocks and the canonical index to a storage.DB.
type BlockStore struct {
	db    storage.DB
	cache *lru.Cache[types.Hash, *block.Block]
}

// NewBlockStore creates a block store backed by db with a decoded-block
// cache of cacheSize entries.
func NewBlockStore(db storage.DB, cacheSize int) (*BlockStore, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[types.Hash, *block.Block](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("block cache: %w", err)
	}
	return &BlockStore{db: db, cache: cache}, nil
}

// StoreBlock stores a block by its hash only, without touching the
// canonical index. Side-chain blocks live here until they become canonical.
func (bs *BlockStore) StoreBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	hash := blk.Hash()
	if err := bs.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	bs.cache.Add(hash, blk)
	return nil
}

// SetCanonical indexes blocks as the canonical chain by number and tx hash
// in one batch.
func (bs *BlockStore) SetCanonical(blocks []*block.Block) error {
	batch := bs.db.NewBatch()
	for _, blk := range blocks {
		hash := blk.Hash()
		if err := batch.Put(heightKey(blk.Number()), hash[:]); err != nil {
			return fmt.Errorf("height index put: %w", err)
		}
		for _, t := range blk.Transactions {
			txHash := t.Hash()
			val := make([]byte, 8+types.HashSize)
			binary.BigEndian.PutUint64(val[:8], blk.Number())
			copy(val[8:], hash[:])
			if err := batch.Put(txKey(txHash), val); err != nil {
				return fmt.Errorf("tx index put %s: %w", txHash, err)
			}
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("canonical index commit: %w", err)
	}
	return nil
}

// GetBlock retrieves a block by its hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	if blk, ok := bs.cache.Get(hash); ok {
		return blk, nil
	}
	data, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	bs.cache.Add(hash, &blk)
	return &blk, nil
}

// GetHashByNumber returns the canonical block hash at number.
func (bs *BlockStore) GetHashByNumber(number uint64) (types.Hash, error) {
	hashBytes, err := bs.db.Get(heightKey(number))
	if err != nil {
		return types.Hash{}, fmt.Errorf("height index get: %w", err)
	}
	if len(hashBytes) != types.HashSize {
		return types.Hash{}, fmt.Errorf("corrupt height index: got %d bytes, want %d", len(hashBytes), types.HashSize)
	}
	return types.BytesToHash(hashBytes), nil
}

// GetBlockByNumber retrieves the canonical block at number.
func (bs *BlockStore) GetBlockByNumber(number uint64) (*block.Block, error) {
	hash, err := bs.GetHashByNumber(number)
	if err != nil {
		return nil, err
	}
	return bs.GetBlock(hash)
}

// HasBlock checks if a block exists by hash.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	if bs.cache.Contains(hash) {
		return true, nil
	}
	return bs.db.Has(blockKey(hash))
}

// GetTxLocation returns the number and hash of the canonical block that
// contains the given transaction.
func (bs *BlockStore) GetTxLocation(txHash types.Hash) (uint64, types.Hash, error) {
	data, err := bs.db.Get(txKey(txHash))
	if err != nil {
		return 0, types.Hash{}, fmt.Errorf("tx index get: %w", err)
	}
	if len(data) != 8+types.HashSize {
		return 0, types.Hash{}, fmt.Errorf("corrupt tx index: got %d bytes, want %d", len(data), 8+types.HashSize)
	}
	return binary.BigEndian.Uint64(data[:8]), types.BytesToHash(data[8:]), nil
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func heightKey(number uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], number)
	return key
}

func txKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixTx)+types.HashSize)
	copy(key, prefixTx)
	copy(key[len(prefixTx):], hash[:])
	return key
}

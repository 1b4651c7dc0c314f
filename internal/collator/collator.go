// Package collator builds shard collations and checks their headers
// against main-chain rules.
package collator

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-shardsim/internal/shard"
	"github.com/Klingon-tech/klingnet-shardsim/internal/state"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/collation"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/tx"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// MaxCollationTxs bounds the transactions taken from a shard pool.
const MaxCollationTxs = 1024

// Collator errors.
var (
	ErrUnknownShard  = errors.New("shard not initialized")
	ErrUnknownParent = errors.New("parent collation not in shard tree")
	ErrWrongCoinbase = errors.New("coinbase is not controlled by the signing key")
)

// ChainReader is the main-chain view collation work needs.
type ChainReader interface {
	Head() *block.Block
	Shard(id types.ShardID) (*shard.Chain, bool)
	EphemeralState(timestamp uint64) *state.State
}

// TxSource lists shard transactions, best first.
type TxSource interface {
	SelectForBlock(limit int) []*tx.Transaction
}

// CreateCollation builds and signs a collation extending parent on shardID
// for period. The post-state root commits to the parent root and the
// transaction list.
func CreateCollation(ch ChainReader, shardID types.ShardID, parent types.Hash, period uint64,
	coinbase types.Address, key *crypto.PrivateKey, pool TxSource, periodStartPrevhash types.Hash) (*collation.Collation, error) {
	if key.Address() != coinbase {
		return nil, ErrWrongCoinbase
	}
	sh, ok := ch.Shard(shardID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownShard, shardID)
	}
	score, ok := sh.Score(parent)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParent, parent.Short())
	}
	var parentPost types.Hash
	if !parent.IsZero() {
		if p, ok := sh.Get(parent); ok {
			parentPost = p.Header.PostStateRoot
		}
	}

	var txs []*tx.Transaction
	if pool != nil {
		txs = pool.SelectForBlock(MaxCollationTxs)
	}
	txRoot := block.TxRoot(txs)

	h := &collation.Header{
		ShardID:              shardID,
		ExpectedPeriodNumber: period,
		PeriodStartPrevhash:  periodStartPrevhash,
		ParentCollationHash:  parent,
		Number:               score + 1,
		TxListRoot:           txRoot,
		Coinbase:             coinbase,
		PostStateRoot:        crypto.HashConcat(parentPost, txRoot),
	}
	if err := h.Sign(key); err != nil {
		return nil, err
	}
	return collation.New(h, txs), nil
}

// VerifyCollationHeader checks h as add_header would in the next block.
func VerifyCollationHeader(ch ChainReader, h *collation.Header) error {
	if h == nil {
		return fmt.Errorf("%w: nil header", state.ErrBadHeader)
	}
	st := ch.EphemeralState(ch.Head().Header.Timestamp + 1)
	return st.CheckHeader(h)
}

// Package miner assembles main-chain block candidates.
package miner

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingnet-shardsim/internal/consensus"
	"github.com/Klingon-tech/klingnet-shardsim/internal/state"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/tx"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// ChainState provides read-only access to the canonical head.
type ChainState interface {
	Head() *block.Block
	State() *state.State
}

// TxSource lists candidate transactions, best first.
type TxSource interface {
	SelectForBlock(limit int) []*tx.Transaction
}

// Miner produces block candidates on top of the chain head.
type Miner struct {
	chain    ChainState
	engine   consensus.Engine
	coinbase types.Address
	maxTxs   int
}

// New creates a block producer paying rewards to coinbase.
func New(chain ChainState, engine consensus.Engine, coinbase types.Address) *Miner {
	return &Miner{
		chain:    chain,
		engine:   engine,
		coinbase: coinbase,
		maxTxs:   block.MaxBlockTxs,
	}
}

// SetMaxTxs caps the transactions per candidate.
func (m *Miner) SetMaxTxs(n int) {
	if n > 0 && n <= block.MaxBlockTxs {
		m.maxTxs = n
	}
}

// MakeHeadCandidate builds and seals a child of the head at timestamp.
// Transactions from pool that do not apply are skipped and left in the
// pool. The block is NOT added to the chain.
func (m *Miner) MakeHeadCandidate(pool TxSource, timestamp uint64) (*block.Block, error) {
	return m.MakeHeadCandidateCtx(context.Background(), pool, timestamp)
}

// MakeHeadCandidateCtx is MakeHeadCandidate with cancellable sealing.
func (m *Miner) MakeHeadCandidateCtx(ctx context.Context, pool TxSource, timestamp uint64) (*block.Block, error) {
	head := m.chain.Head()
	if parentTS := head.Header.Timestamp; timestamp <= parentTS {
		timestamp = parentTS + 1
	}

	st := m.chain.State().Clone()
	st.Project(head.Hash(), head.Number()+1, timestamp, m.coinbase)

	var candidates []*tx.Transaction
	if pool != nil {
		candidates = pool.SelectForBlock(0)
	}
	txs := applyInPasses(st, candidates, m.maxTxs)
	st.Finalize()

	header := &block.Header{
		Version:   block.CurrentVersion,
		PrevHash:  head.Hash(),
		Number:    head.Number() + 1,
		Timestamp: timestamp,
		Coinbase:  m.coinbase,
		TxRoot:    block.TxRoot(txs),
		StateRoot: st.Root(),
	}
	if err := m.engine.Prepare(header); err != nil {
		return nil, fmt.Errorf("prepare header: %w", err)
	}

	blk := block.NewBlock(header, txs)

	// Use cancellable sealing if the engine supports it (PoW).
	if pow, ok := m.engine.(*consensus.PoW); ok {
		if err := pow.SealWithCancel(ctx, blk); err != nil {
			return nil, fmt.Errorf("seal block: %w", err)
		}
	} else if err := m.engine.Seal(blk); err != nil {
		return nil, fmt.Errorf("seal block: %w", err)
	}
	return blk, nil
}

// applyInPasses applies candidates to st, repeating until a pass makes no
// progress so that out-of-order nonces from one sender still land.
func applyInPasses(st *state.State, candidates []*tx.Transaction, limit int) []*tx.Transaction {
	var included []*tx.Transaction
	pending := candidates
	for len(pending) > 0 && len(included) < limit {
		var next []*tx.Transaction
		for _, t := range pending {
			if len(included) >= limit {
				break
			}
			if _, err := st.ApplyTransaction(t); err != nil {
				next = append(next, t)
				continue
			}
			included = append(included, t)
		}
		if len(next) == len(pending) {
			break
		}
		pending = next
	}
	return included
}

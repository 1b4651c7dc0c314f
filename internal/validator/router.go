package validator

import (
	"errors"

	"github.com/Klingon-tech/klingnet-shardsim/internal/chain"
	"github.com/Klingon-tech/klingnet-shardsim/internal/mempool"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/collation"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/tx"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/wire"
)

// OnReceive processes inbound objects in order. Objects already seen are
// skipped. Only invariant violations are returned.
func (v *Validator) OnReceive(msgs ...wire.Message) error {
	for _, msg := range msgs {
		if err := msg.Validate(); err != nil {
			v.stamp(v.logger.Warn()).Err(err).Msg("Dropping malformed message")
			continue
		}
		hash := msg.Hash()
		if v.received.Has(hash) {
			continue
		}

		switch msg.Kind {
		case wire.KindBlock:
			if err := v.receiveBlock(msg.Block); err != nil {
				return err
			}
		case wire.KindCollation:
			if !v.isWatched(msg.Collation.ShardID()) {
				continue
			}
			v.receiveCollation(msg.Collation)
		case wire.KindTransaction:
			v.receiveTransaction(msg.Tx)
		case wire.KindGetBlock, wire.KindGetCollation, wire.KindChildRequest:
			// Requests are accepted but not served.
		default:
			return invariant("unhandled message kind %s", msg.Kind)
		}

		v.received.Add(hash)
		if err := v.checkProvenance(); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) receiveBlock(blk *block.Block) error {
	if v.chain.HasBlock(blk.Hash()) {
		return invariant("received block %s is already in the chain", blk.Hash().Short())
	}
	if err := v.ensureListener(); err != nil {
		return err
	}

	err := v.chain.AddBlock(blk)
	switch {
	case err == nil:
		if err := v.reconcileInserted(); err != nil {
			return err
		}
		v.pool.PruneStale(v.chain.State().Nonce)
		v.stamp(v.logger.Debug()).
			Uint64("number", blk.Number()).
			Str("hash", blk.Hash().Short()).
			Msg("Accepted block")
	case errors.Is(err, chain.ErrUnknownParent):
		v.stamp(v.logger.Debug()).
			Uint64("number", blk.Number()).
			Str("parent", blk.PrevHash().Short()).
			Msg("Parked block with unknown parent")
	default:
		v.stamp(v.logger.Warn()).Err(err).
			Uint64("number", blk.Number()).
			Str("hash", blk.Hash().Short()).
			Msg("Rejected block")
	}

	v.broadcastBlock(blk)
	v.updateMainHead()
	return nil
}

func (v *Validator) receiveCollation(col *collation.Collation) {
	id := col.ShardID()
	sh, ok := v.chain.Shard(id)
	if !ok {
		return
	}
	added := false
	if psb, err := v.chain.GetBlock(col.Header.PeriodStartPrevhash); err != nil {
		v.chain.HandleUnanchoredCollation(col)
	} else {
		added = sh.AddCollation(col, psb, v.chain.HandleIgnoredCollation, v.chain.UpdateHeadCollationOfBlock)
	}
	v.stamp(v.logger.Debug()).
		Uint32("shard", uint32(id)).
		Str("hash", col.Hash().Short()).
		Bool("added", added).
		Msg("Received collation")

	v.net.Broadcast(v.id, wire.NewCollation(col))
	v.updateShardHead(id)
}

func (v *Validator) receiveTransaction(t *tx.Transaction) {
	if t.GasPrice < v.params.MinGasPrice {
		v.stamp(v.logger.Debug()).
			Str("tx", t.Hash().Short()).
			Uint64("gasprice", t.GasPrice).
			Uint64("min", v.params.MinGasPrice).
			Msg("Dropping transaction below minimum gas price")
		return
	}
	if err := v.pool.Add(t, false); err != nil {
		if !errors.Is(err, mempool.ErrAlreadyExists) {
			v.stamp(v.logger.Debug()).Err(err).Str("tx", t.Hash().Short()).Msg("Transaction not pooled")
		}
		return
	}
	v.net.Broadcast(v.id, wire.NewTransaction(t))
}

// checkProvenance verifies that every canonical block was seen. Numbers
// already verified with the same hash end the walk.
func (v *Validator) checkProvenance() error {
	for n := v.chain.Height(); ; n-- {
		hash, ok := v.chain.BlockHashAt(n)
		if !ok {
			return invariant("canonical chain has no block at %d", n)
		}
		if prev, ok := v.verified[n]; ok && prev == hash {
			return nil
		}
		if !v.received.Has(hash) {
			return invariant("canonical block %d (%s) was never seen", n, hash.Short())
		}
		v.verified[n] = hash
		if n == 0 {
			return nil
		}
	}
}

package validator

import (
	"github.com/Klingon-tech/klingnet-shardsim/internal/collator"
	"github.com/Klingon-tech/klingnet-shardsim/internal/mempool"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/wire"
)

// tickShard attempts one collation on shard id. Guard rejections return nil.
func (v *Validator) tickShard(id types.ShardID) error {
	s, ok := v.shards[id]
	if !ok || !s.Active {
		return nil
	}
	sh, ok := v.chain.Shard(id)
	if !ok {
		return invariant("watched shard %d has no fork tree", id)
	}

	period := v.chain.Params().PeriodLength
	head := v.chain.Head()
	if n := head.Number(); n < period || n%period == period-1 {
		return nil
	}
	now := v.time.Now()
	isCollator, err := v.elig.IsCollator(id, now)
	if err != nil {
		return invariant("is collator for shard %d: %v", id, err)
	}
	if !isCollator {
		return nil
	}
	parent := sh.HeadHash()
	if s.UsedParent(parent) {
		return nil
	}

	expected := v.chain.GetExpectedPeriodNumber()
	if expected <= s.periodHead {
		return nil
	}
	s.periodHead = expected
	s.usedParents[parent] = struct{}{}

	if v.rng.Float64() >= v.params.CollationSuccessProb {
		v.diag.CollationFailed(v.id)
		v.stamp(v.logger.Info()).
			Uint32("shard", uint32(id)).
			Uint64("period", expected).
			Msg("Collation production failed")
		return nil
	}

	psp, ok := v.chain.GetPeriodStartPrevhash(expected)
	if !ok {
		return invariant("no period start prevhash for period %d", expected)
	}
	col, err := collator.CreateCollation(v.chain, id, parent, expected, v.addr, v.key, s.Pool, psp)
	if err != nil {
		return invariant("create collation on shard %d: %v", id, err)
	}
	if err := collator.VerifyCollationHeader(v.chain, col.Header); err != nil {
		v.stamp(v.logger.Error()).Err(err).
			Uint32("shard", uint32(id)).
			Str("hash", col.Hash().Short()).
			Msg("Own collation header failed verification")
	}

	psb, err := v.chain.GetBlock(psp)
	if err != nil {
		return invariant("period start block %s: %v", psp.Short(), err)
	}
	if !sh.AddCollation(col, psb, v.chain.HandleIgnoredCollation, v.chain.UpdateHeadCollationOfBlock) {
		return invariant("own collation %s rejected by shard %d", col.Hash().Short(), id)
	}
	s.Pool = mempool.New(v.params.MinGasPrice, v.params.PoolSize)

	v.received.Add(col.Hash())
	v.diag.CollationProduced(v.id, id)
	v.stamp(v.logger.Info()).
		Uint32("shard", uint32(id)).
		Uint64("period", expected).
		Uint64("number", col.Header.Number).
		Str("hash", col.Hash().Short()).
		Int("txs", len(col.Transactions)).
		Msg("Produced collation")
	v.net.Broadcast(v.id, wire.NewCollation(col))

	if err := v.announce(col); err != nil {
		return err
	}
	v.updateShardHead(id)
	return nil
}

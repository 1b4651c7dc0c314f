package validator

import (
	"sort"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

func sortShards(ids []types.ShardID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// updateMainHead refreshes the cached main-chain head.
func (v *Validator) updateMainHead() {
	head := v.chain.Head()
	hash := head.Hash()
	if hash == v.main.head {
		return
	}
	v.main.head = hash
	v.stamp(v.logger.Debug()).
		Uint64("number", head.Number()).
		Str("hash", hash.Short()).
		Int("watched", len(v.main.watched)).
		Msg("Main head changed")
}

// updateShardHead refreshes the cached head of shard id.
func (v *Validator) updateShardHead(id types.ShardID) {
	s, ok := v.shards[id]
	if !ok {
		return
	}
	sh, ok := v.chain.Shard(id)
	if !ok {
		return
	}
	hash := sh.HeadHash()
	if hash == s.headHash {
		return
	}
	s.headHash = hash
	v.stamp(v.logger.Debug()).
		Uint32("shard", uint32(id)).
		Uint64("score", sh.HeadScore()).
		Str("hash", hash.Short()).
		Msg("Shard head changed")
}

// reconcileInserted walks the blocks inserted since the last call in
// insertion order and records, for every watched shard, the head collation
// each block's chain has included. Shard heads then follow the main head.
func (v *Validator) reconcileInserted() error {
	watched := v.Watched()
	for _, in := range v.chain.DrainInclusions() {
		refs := in.Refs()
		for _, id := range watched {
			if err := v.chain.ReorganizeHeadCollation(id, in.Block, refs[id]); err != nil {
				return invariant("reorganize shard %d at block %d: %v", id, in.Block.Number(), err)
			}
		}
	}
	for _, id := range watched {
		v.updateShardHead(id)
	}
	return nil
}

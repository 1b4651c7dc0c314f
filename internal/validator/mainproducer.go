package validator

import (
	"math"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/wire"
)

// MainState is the outcome of one main-chain evaluation.
type MainState uint8

const (
	Idle MainState = iota
	ReadyToAttempt
	Produced
	SkippedByFailure
	SkippedByParentReuse
)

// String returns the state name.
func (s MainState) String() string {
	switch s {
	case Idle:
		return "idle"
	case ReadyToAttempt:
		return "ready"
	case Produced:
		return "produced"
	case SkippedByFailure:
		return "skipped_failure"
	case SkippedByParentReuse:
		return "skipped_parent_reuse"
	default:
		return "unknown"
	}
}

// delay draws the gap to the next block attempt, at least one unit.
func (v *Validator) delay() int64 {
	d := int64(math.Floor(v.rng.ExpFloat64() * v.params.MiningMean * v.params.TimePrecision))
	if d < 1 {
		d = 1
	}
	return d
}

// checkShuffle replaces the watched set at shuffling-cycle boundaries.
func (v *Validator) checkShuffle() error {
	cycleLen := v.chain.Params().ShufflingCycle
	if cycleLen == 0 {
		return nil
	}
	n := v.chain.Height()
	cycle := int64(n / cycleLen)
	if n%cycleLen != 0 || cycle <= v.main.lastCycle {
		return nil
	}
	v.main.lastCycle = cycle

	eligible, err := v.elig.EligibleShards(v.time.Now())
	if err != nil {
		return invariant("eligible shards: %v", err)
	}

	for id := range v.main.watched {
		if _, keep := eligible[id]; !keep {
			v.shards[id].Active = false
			delete(v.main.watched, id)
		}
	}
	ids := make([]types.ShardID, 0, len(eligible))
	for id := range eligible {
		ids = append(ids, id)
	}
	sortShards(ids)
	for _, id := range ids {
		if v.isWatched(id) {
			continue
		}
		if err := v.NewShard(id); err != nil {
			return err
		}
	}
	v.stamp(v.logger.Info()).
		Int64("cycle", cycle).
		Interface("shards", ids).
		Msg("Shuffled watched shards")
	return nil
}

func (v *Validator) tickMain() error {
	if err := v.checkShuffle(); err != nil {
		return err
	}

	head := v.chain.Head()
	headHash := head.Hash()
	if _, used := v.main.usedParents[headHash]; used {
		v.main.state = SkippedByParentReuse
		return nil
	}
	now := v.time.Now()
	if now < v.main.next || now <= int64(head.Header.Timestamp) {
		v.main.state = Idle
		return nil
	}

	v.main.state = ReadyToAttempt
	v.main.next = now + v.delay()
	v.main.usedParents[headHash] = struct{}{}

	if v.rng.Float64() >= v.params.BlockSuccessProb {
		v.main.state = SkippedByFailure
		v.diag.BlockFailed(v.id)
		v.stamp(v.logger.Info()).
			Uint64("parent", head.Number()).
			Int64("next", v.main.next).
			Msg("Block production failed")
		return nil
	}
	return v.produceBlock(now)
}

// ensureListener registers the header-log collector once.
func (v *Validator) ensureListener() error {
	if v.chain.LogListenerCount() == 0 {
		v.chain.AppendHeaderLogListener(v.chain.CollectHeaderLogs)
	}
	if n := v.chain.LogListenerCount(); n != 1 {
		return invariant("%d header log listeners registered", n)
	}
	return nil
}

func (v *Validator) produceBlock(now int64) error {
	snapshot := v.pool.Snapshot()
	blk, err := v.miner.MakeHeadCandidate(snapshot, uint64(now))
	if err != nil {
		return invariant("make head candidate: %v", err)
	}
	v.pool = v.pool.Diff(blk.Transactions)

	if err := v.ensureListener(); err != nil {
		return err
	}
	if err := v.chain.AddBlock(blk); err != nil {
		return invariant("add own block %d: %v", blk.Number(), err)
	}
	if err := v.reconcileInserted(); err != nil {
		return err
	}
	v.pool.PruneStale(v.chain.State().Nonce)
	v.updateMainHead()

	v.received.Add(blk.Hash())
	v.diag.BlockProduced(v.id)
	v.main.state = Produced
	v.stamp(v.logger.Info()).
		Uint64("number", blk.Number()).
		Str("hash", blk.Hash().Short()).
		Int("txs", len(blk.Transactions)).
		Int64("next", v.main.next).
		Msg("Produced block")
	v.broadcastBlock(blk)
	return nil
}

func (v *Validator) broadcastBlock(blk *block.Block) {
	v.net.Broadcast(v.id, wire.NewBlock(blk))
}

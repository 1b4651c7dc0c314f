package validator

import (
	"errors"

	"github.com/Klingon-tech/klingnet-shardsim/internal/state"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// ErrNoHead is returned when eligibility is queried without a chain head.
var ErrNoHead = errors.New("chain has no head")

// Eligibility answers collator and watcher assignment queries.
// Implementations must not cache results across calls.
type Eligibility interface {
	IsCollator(shard types.ShardID, at int64) (bool, error)
	EligibleShards(at int64) (map[types.ShardID]struct{}, error)
}

// EphemeralChain is the chain view eligibility queries project from.
type EphemeralChain interface {
	Head() *block.Block
	EphemeralState(timestamp uint64) *state.State
}

// ChainEligibility evaluates eligibility on a state projected from the
// chain head to the next block.
type ChainEligibility struct {
	chain     EphemeralChain
	codeAddr  types.Address
	lookahead int64
}

// NewChainEligibility creates an Eligibility for the validator registered
// under codeAddr. Queries are evaluated at at+lookahead.
func NewChainEligibility(ch EphemeralChain, codeAddr types.Address, lookahead int64) *ChainEligibility {
	return &ChainEligibility{chain: ch, codeAddr: codeAddr, lookahead: lookahead}
}

func (e *ChainEligibility) project(at int64) (*state.State, error) {
	if head := e.chain.Head(); head == nil || head.Header == nil {
		return nil, ErrNoHead
	}
	ts := at + e.lookahead
	if ts < 0 {
		ts = 0
	}
	st := e.chain.EphemeralState(uint64(ts))
	if st == nil {
		return nil, errors.New("head state missing")
	}
	return st, nil
}

// IsCollator reports whether the validator is the sampled collator for shard.
func (e *ChainEligibility) IsCollator(shard types.ShardID, at int64) (bool, error) {
	st, err := e.project(at)
	if err != nil {
		return false, err
	}
	return st.Sample(shard) == e.codeAddr, nil
}

// EligibleShards returns the shards the validator watches in the current
// shuffling cycle.
func (e *ChainEligibility) EligibleShards(at int64) (map[types.ShardID]struct{}, error) {
	st, err := e.project(at)
	if err != nil {
		return nil, err
	}
	out := make(map[types.ShardID]struct{})
	for i, watched := range st.ShardList(e.codeAddr) {
		if watched {
			out[types.ShardID(i)] = struct{}{}
		}
	}
	return out, nil
}

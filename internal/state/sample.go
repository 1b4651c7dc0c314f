package state

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
	"github.com/stathat/consistent"
)

// cycleOf returns the shuffling cycle a period belongs to.
func (s *State) cycleOf(period uint64) uint64 {
	return period * s.params.PeriodLength / s.params.ShufflingCycle
}

// ring builds the consistent-hash ring over the active validation-code addresses.
func (s *State) ring() *consistent.Consistent {
	if len(s.byCode) == 0 {
		return nil
	}
	members := make([]string, 0, len(s.byCode))
	for code := range s.byCode {
		members = append(members, code.Hex())
	}
	sort.Strings(members)

	c := consistent.New()
	if s.params.RingReplicas > 0 {
		c.NumberOfReplicas = s.params.RingReplicas
	}
	for _, m := range members {
		c.Add(m)
	}
	return c
}

// watchers returns the validators assigned to shard during cycle, in ring order.
func (s *State) watchers(c *consistent.Consistent, shard types.ShardID, cycle uint64) []types.Address {
	if c == nil {
		return nil
	}
	n := s.params.WatchersPerShard
	if n <= 0 || n > len(s.byCode) {
		n = len(s.byCode)
	}
	names, err := c.GetN(fmt.Sprintf("shard-%d/cycle-%d", shard, cycle), n)
	if err != nil {
		return nil
	}
	out := make([]types.Address, 0, len(names))
	for _, name := range names {
		addr, err := types.HexToAddress(name)
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// Watchers returns the validators assigned to shard for the current cycle.
func (s *State) Watchers(shard types.ShardID) []types.Address {
	return s.watchers(s.ring(), shard, s.cycleOf(s.CurrentPeriod()))
}

// ShardList reports, per shard index, whether codeAddr watches the shard in
// the current shuffling cycle.
func (s *State) ShardList(codeAddr types.Address) []bool {
	out := make([]bool, s.params.ShardCount)
	c := s.ring()
	cycle := s.cycleOf(s.CurrentPeriod())
	for i := range out {
		for _, w := range s.watchers(c, types.ShardID(i), cycle) {
			if w == codeAddr {
				out[i] = true
				break
			}
		}
	}
	return out
}

// Sample returns the validation-code address of the collator for shard in
// the current period, or the zero address when no collator can be drawn.
func (s *State) Sample(shard types.ShardID) types.Address {
	period := s.CurrentPeriod()
	prev, ok := s.PeriodStartPrevhash(period)
	if !ok {
		return types.Address{}
	}
	ws := s.watchers(s.ring(), shard, s.cycleOf(period))
	if len(ws) == 0 {
		return types.Address{}
	}
	seed := crypto.HashParts(prev[:], shard.Bytes(), binary.BigEndian.AppendUint64(nil, period))
	return ws[binary.BigEndian.Uint64(seed[:8])%uint64(len(ws))]
}

package p2p

import (
	"sort"

	klog "github.com/Klingon-tech/klingnet-shardsim/internal/log"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// JoinShard subscribes to the collation topic of a shard.
func (n *Node) JoinShard(id types.ShardID) error {
	if err := n.join(ShardCollationTopic(id)); err != nil {
		return err
	}
	n.topicMu.Lock()
	n.shards[id] = struct{}{}
	n.topicMu.Unlock()
	return nil
}

// LeaveShard unsubscribes from the collation topic of a shard.
func (n *Node) LeaveShard(id types.ShardID) {
	n.leave(ShardCollationTopic(id))
	n.topicMu.Lock()
	delete(n.shards, id)
	n.topicMu.Unlock()
}

// JoinedShards returns the shards whose topics are joined, ascending.
func (n *Node) JoinedShards() []types.ShardID {
	n.topicMu.RLock()
	out := make([]types.ShardID, 0, len(n.shards))
	for id := range n.shards {
		out = append(out, id)
	}
	n.topicMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SyncShards makes the joined shard topics match want.
func (n *Node) SyncShards(want []types.ShardID) error {
	keep := make(map[types.ShardID]struct{}, len(want))
	for _, id := range want {
		keep[id] = struct{}{}
	}
	for _, id := range n.JoinedShards() {
		if _, ok := keep[id]; !ok {
			n.LeaveShard(id)
			klog.P2P.Debug().Uint32("shard", uint32(id)).Msg("Left shard topic")
		}
	}
	for _, id := range want {
		if err := n.JoinShard(id); err != nil {
			return err
		}
	}
	return nil
}

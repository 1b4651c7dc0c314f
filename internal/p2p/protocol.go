package p2p

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/wire"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// GossipSub topic names.
const (
	TopicBlocks       = "/shardsim/block/1.0.0"
	TopicTransactions = "/shardsim/tx/1.0.0"
	TopicRequests     = "/shardsim/request/1.0.0"
)

// Handshake protocol constants.
const (
	// HandshakeProtocol is the stream protocol ID for peer compatibility checking.
	HandshakeProtocol = protocol.ID("/shardsim/handshake/1.0.0")

	// ProtocolVersion is the current protocol version advertised during handshake.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	MinProtocolVersion uint32 = 1
)

// MaxMessageSize caps a single gossip message.
const MaxMessageSize = 4 << 20

// ShardCollationTopic returns the GossipSub topic carrying collations of a shard.
func ShardCollationTopic(id types.ShardID) string {
	return fmt.Sprintf("/shardsim/shard/%d/collation/1.0.0", id)
}

// topicFor returns the topic a message is published on.
func topicFor(msg wire.Message) string {
	switch msg.Kind {
	case wire.KindBlock:
		return TopicBlocks
	case wire.KindCollation:
		return ShardCollationTopic(msg.Collation.ShardID())
	case wire.KindTransaction:
		return TopicTransactions
	default:
		return TopicRequests
	}
}

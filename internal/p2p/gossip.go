package p2p

import (
	"errors"
	"fmt"

	klog "github.com/Klingon-tech/klingnet-shardsim/internal/log"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/wire"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrNotJoined is returned when publishing to a topic the node is not on.
var ErrNotJoined = errors.New("topic not joined")

// Publish encodes msg and publishes it on its topic.
func (n *Node) Publish(msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	name := topicFor(msg)
	t, ok := n.topic(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotJoined, name)
	}
	return t.Publish(n.ctx, data)
}

// Broadcast publishes msg, logging failures. The sender id is implied by
// the host identity.
func (n *Node) Broadcast(_ int, msg wire.Message) {
	if err := n.Publish(msg); err != nil && !errors.Is(err, ErrNotJoined) {
		klog.P2P.Warn().Err(err).Str("kind", msg.Kind.String()).Msg("Publish failed")
	}
}

// handleMessage decodes inbound gossip into the inbox. Undecodable data
// counts against the sender.
func (n *Node) handleMessage(from peer.ID, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		klog.P2P.Debug().Err(err).Str("peer", shortPeer(from)).Msg("Undecodable message")
		n.BanManager.RecordOffense(from, PenaltyMalformed, err.Error())
		return
	}

	n.inMu.Lock()
	defer n.inMu.Unlock()
	if len(n.inbox) >= n.config.InboxSize {
		n.dropped++
		return
	}
	n.inbox = append(n.inbox, msg)
}

// Drain returns and clears the messages received since the last call,
// in arrival order.
func (n *Node) Drain() []wire.Message {
	n.inMu.Lock()
	defer n.inMu.Unlock()
	out := n.inbox
	n.inbox = nil
	return out
}

// Dropped returns the number of messages discarded because the inbox was full.
func (n *Node) Dropped() uint64 {
	n.inMu.Lock()
	defer n.inMu.Unlock()
	return n.dropped
}

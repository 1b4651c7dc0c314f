package p2p

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

const mdnsConnectTimeout = 5 * time.Second

// discoveryNotifee connects to peers found via mDNS.
type discoveryNotifee struct {
	node *Node
}

func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.node.host.ID() {
		return
	}
	if limit := d.node.config.MaxPeers; limit > 0 && d.node.PeerCount() >= limit {
		return
	}
	ctx, cancel := context.WithTimeout(d.node.ctx, mdnsConnectTimeout)
	defer cancel()
	if err := d.node.host.Connect(ctx, pi); err == nil {
		d.node.addPeer(pi.ID)
		d.node.setPeerSource(pi.ID, "mdns")
	}
}

package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer represents a connected peer.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Source      string // "mdns", "seed" or "gossip"

	// Set once the peer passed the handshake.
	Verified   bool
	BestHeight uint64
}

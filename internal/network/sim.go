// Package network provides the in-process broadcast network and shared
// clock used by simulations.
package network

import (
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-shardsim/internal/log"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/wire"
)

type pending struct {
	at  float64
	msg wire.Message
}

// Stats counts network traffic.
type Stats struct {
	Broadcasts uint64
	Deliveries uint64
	ByKind     map[string]uint64
}

// SimNetwork delivers every broadcast to all other registered validators
// after a fixed latency. Inboxes are FIFO per recipient.
type SimNetwork struct {
	mu      sync.Mutex
	now     float64
	latency float64
	inboxes map[int][]pending
	stats   Stats
}

// NewSim creates a network with the given delivery latency in seconds.
func NewSim(latency float64) *SimNetwork {
	if latency < 0 {
		latency = 0
	}
	return &SimNetwork{
		latency: latency,
		inboxes: make(map[int][]pending),
		stats:   Stats{ByKind: make(map[string]uint64)},
	}
}

// Register adds a recipient. Registering twice is a no-op.
func (n *SimNetwork) Register(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.inboxes[id]; !ok {
		n.inboxes[id] = nil
	}
}

// Peers returns the registered ids in ascending order.
func (n *SimNetwork) Peers() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]int, 0, len(n.inboxes))
	for id := range n.inboxes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Now returns the shared clock in seconds.
func (n *SimNetwork) Now() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.now
}

// Advance moves the shared clock forward by dt seconds.
func (n *SimNetwork) Advance(dt float64) {
	if dt <= 0 {
		return
	}
	n.mu.Lock()
	n.now += dt
	n.mu.Unlock()
}

// Broadcast queues msg for every registered validator except sender.
func (n *SimNetwork) Broadcast(sender int, msg wire.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	at := n.now + n.latency
	for id := range n.inboxes {
		if id == sender {
			continue
		}
		n.inboxes[id] = append(n.inboxes[id], pending{at: at, msg: msg})
	}
	n.stats.Broadcasts++
	n.stats.ByKind[msg.Kind.String()]++
	log.Network.Trace().
		Int("sender", sender).
		Str("kind", msg.Kind.String()).
		Float64("deliver_at", at).
		Msg("Broadcast queued")
}

// Deliver removes and returns the messages for id that are due.
func (n *SimNetwork) Deliver(id int) []wire.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	inbox := n.inboxes[id]
	i := 0
	for i < len(inbox) && inbox[i].at <= n.now {
		i++
	}
	if i == 0 {
		return nil
	}
	out := make([]wire.Message, i)
	for j := range out {
		out[j] = inbox[j].msg
	}
	n.inboxes[id] = append([]pending(nil), inbox[i:]...)
	n.stats.Deliveries += uint64(i)
	return out
}

// Pending returns the number of queued messages across all inboxes.
func (n *SimNetwork) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, inbox := range n.inboxes {
		total += len(inbox)
	}
	return total
}

// Stats returns a copy of the traffic counters.
func (n *SimNetwork) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.stats
	s.ByKind = make(map[string]uint64, len(n.stats.ByKind))
	for k, v := range n.stats.ByKind {
		s.ByKind[k] = v
	}
	return s
}

// Package p2p carries validator traffic between processes over libp2p
// GossipSub.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingnet-shardsim/internal/log"
	"github.com/Klingon-tech/klingnet-shardsim/internal/storage"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/wire"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	rendezvousFallback = "shardsim"

	seedConnectTimeout = 10 * time.Second
	seedRetryInterval  = 10 * time.Second

	// DefaultInboxSize bounds the number of undrained inbound messages.
	DefaultInboxSize = 4096
)

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int
	NoDiscover bool
	NetworkID  string     // isolates mDNS discovery per network
	DataDir    string     // persists the node identity when set
	DB         storage.DB // persists bans when set
	InboxSize  int
}

// Node is a libp2p host relaying wire messages over GossipSub.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	config Config
	ctx    context.Context
	cancel context.CancelFunc

	topicMu sync.RWMutex
	topics  map[string]*pubsub.Topic
	subs    map[string]*pubsub.Subscription
	shards  map[types.ShardID]struct{}

	inMu    sync.Mutex
	inbox   []wire.Message
	dropped uint64

	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	BanManager      *BanManager
	connNotify      *connNotifier
	onPeerConnected func()

	genesisHash      types.Hash
	handshakeEnabled bool
	heightFn         func() uint64
}

// New creates a P2P node with the given config. Call Start to listen.
func New(cfg Config) *Node {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		shards: make(map[types.ShardID]struct{}),
		peers:  make(map[peer.ID]*Peer),
	}
	n.BanManager = NewBanManager(n)
	return n
}

func (n *Node) rendezvous() string {
	if n.config.NetworkID != "" {
		return "shardsim/" + n.config.NetworkID
	}
	return rendezvousFallback
}

// listenAddr builds the TCP multiaddr the host binds to.
func (n *Node) listenAddr() (ma.Multiaddr, error) {
	addr, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port))
	if err != nil {
		return nil, fmt.Errorf("listen address: %w", err)
	}
	return addr, nil
}

// messageID deduplicates gossip by content, so a relayed copy of an object
// is not delivered twice.
func messageID(m *pb.Message) string {
	h := crypto.Hash(m.Data)
	return string(h[:])
}

// Start initializes the libp2p host and pubsub, and begins listening.
func (n *Node) Start() error {
	addr, err := n.listenAddr()
	if err != nil {
		return err
	}

	if n.config.DB != nil {
		if err := n.BanManager.UseStore(NewBanStore(n.config.DB)); err != nil {
			return fmt.Errorf("load bans: %w", err)
		}
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrs(addr),
		libp2p.ConnectionGater(&banGater{banMgr: n.BanManager}),
	}
	if n.config.DataDir != "" {
		privKey, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(privKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h

	n.connNotify = &connNotifier{node: n}
	h.Network().Notify(n.connNotify)

	ps, err := pubsub.NewGossipSub(n.ctx, h,
		pubsub.WithMaxMessageSize(MaxMessageSize),
		pubsub.WithMessageIdFn(messageID),
	)
	if err != nil {
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	n.pubsub = ps

	for _, name := range []string{TopicBlocks, TopicTransactions, TopicRequests} {
		if err := n.join(name); err != nil {
			h.Close()
			return err
		}
	}

	if n.handshakeEnabled {
		n.registerHandshakeHandler()
	}

	if len(n.config.Seeds) > 0 {
		klog.P2P.Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds...")
	}
	n.connectSeedsOnce()
	go n.connectSeedsLoop()

	if !n.config.NoDiscover {
		n.startMDNS()
	}
	return nil
}

// Stop shuts down the P2P node.
func (n *Node) Stop() error {
	n.cancel()

	n.topicMu.Lock()
	for name, sub := range n.subs {
		sub.Cancel()
		delete(n.subs, name)
	}
	for name, t := range n.topics {
		t.Close()
		delete(n.topics, name)
	}
	n.topicMu.Unlock()

	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Host returns the underlying libp2p host (nil before Start).
func (n *Node) Host() host.Host {
	return n.host
}

// SetPeerConnectedHandler registers a callback invoked when a new peer connects.
func (n *Node) SetPeerConnectedHandler(fn func()) {
	n.onPeerConnected = fn
}

// SetGenesisHash sets the genesis hash for handshake validation.
// A non-zero hash enables the handshake protocol.
func (n *Node) SetGenesisHash(h types.Hash) {
	n.genesisHash = h
	n.handshakeEnabled = h != (types.Hash{})
}

// SetHeightFn sets the function used to report best height during handshake.
func (n *Node) SetHeightFn(fn func() uint64) {
	n.heightFn = fn
}

// DisconnectPeer closes all connections to a peer and removes it from the peer list.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return fmt.Errorf("node not started")
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

// ID returns the peer ID of this node.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full multiaddrs of this node.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerList returns a snapshot of connected peers.
func (n *Node) PeerList() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

func (n *Node) addPeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.peers[id]; !exists {
		n.peers[id] = &Peer{
			ID:          id,
			ConnectedAt: time.Now(),
		}
	}
}

func (n *Node) setPeerSource(id peer.ID, source string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok && p.Source == "" {
		p.Source = source
	}
}

func (n *Node) markVerified(id peer.ID, height uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok {
		p.Verified = true
		p.BestHeight = height
	}
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

// join subscribes to a topic and starts its read loop. Joining twice is a no-op.
func (n *Node) join(name string) error {
	if n.pubsub == nil {
		return fmt.Errorf("p2p node not started")
	}
	n.topicMu.Lock()
	defer n.topicMu.Unlock()
	if _, ok := n.topics[name]; ok {
		return nil
	}
	topic, err := n.pubsub.Join(name)
	if err != nil {
		return fmt.Errorf("join topic %s: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	n.topics[name] = topic
	n.subs[name] = sub
	go n.readLoop(sub)
	return nil
}

func (n *Node) leave(name string) {
	n.topicMu.Lock()
	defer n.topicMu.Unlock()
	if sub, ok := n.subs[name]; ok {
		sub.Cancel()
		delete(n.subs, name)
	}
	if t, ok := n.topics[name]; ok {
		t.Close()
		delete(n.topics, name)
	}
}

func (n *Node) topic(name string) (*pubsub.Topic, bool) {
	n.topicMu.RLock()
	defer n.topicMu.RUnlock()
	t, ok := n.topics[name]
	return t, ok
}

func (n *Node) readLoop(sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return // Cancelled.
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.addPeer(msg.ReceivedFrom)
		n.setPeerSource(msg.ReceivedFrom, "gossip")
		n.handleMessage(msg.ReceivedFrom, msg.Data)
	}
}

func (n *Node) startMDNS() {
	svc := mdns.NewMdnsService(n.host, n.rendezvous(), &discoveryNotifee{node: n})
	// mDNS failure is non-fatal.
	_ = svc.Start()
}

// connectSeedsOnce tries each seed once. Returns true if at least one connected.
func (n *Node) connectSeedsOnce() bool {
	connected := false
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			klog.P2P.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, seedConnectTimeout)
		err = n.host.Connect(ctx, *info)
		cancel()
		if err != nil {
			klog.P2P.Warn().Str("peer", shortPeer(info.ID)).Err(err).Msg("Seed connect failed")
			continue
		}
		n.addPeer(info.ID)
		n.setPeerSource(info.ID, "seed")
		klog.P2P.Info().Str("peer", shortPeer(info.ID)).Msg("Seed connected")
		connected = true
	}
	return connected
}

func (n *Node) connectSeedsLoop() {
	if len(n.config.Seeds) == 0 {
		return
	}
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(seedRetryInterval):
			if n.PeerCount() == 0 {
				klog.P2P.Info().Int("seeds", len(n.config.Seeds)).Msg("No peers, retrying seeds...")
				n.connectSeedsOnce()
			}
		}
	}
}

func shortPeer(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

// loadOrCreateIdentity loads a persisted libp2p identity key from dataDir,
// or generates a new one and saves it.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "node.key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}

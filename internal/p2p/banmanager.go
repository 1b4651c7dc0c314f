package p2p

import (
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingnet-shardsim/internal/log"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Ban thresholds and durations.
const (
	BanThreshold = 100
	BanDuration  = 24 * time.Hour
)

// Penalty values for different offenses.
const (
	PenaltyMalformed     = 25  // Undecodable or empty envelope.
	PenaltyHandshakeFail = 100 // Genesis or network mismatch.
)

// disconnecter is the part of Node the ban manager needs.
type disconnecter interface {
	DisconnectPeer(id peer.ID) error
}

// BanManager tracks peer offense scores and bans peers that cross
// BanThreshold.
type BanManager struct {
	mu     sync.RWMutex
	scores map[peer.ID]int
	bans   map[peer.ID]*BanRecord
	store  *BanStore // nil disables persistence
	node   disconnecter
}

// NewBanManager creates a BanManager. node may be nil when banned peers
// need not be disconnected.
func NewBanManager(node disconnecter) *BanManager {
	return &BanManager{
		scores: make(map[peer.ID]int),
		bans:   make(map[peer.ID]*BanRecord),
		node:   node,
	}
}

// UseStore persists bans in store and restores the live ones.
func (bm *BanManager) UseStore(store *BanStore) error {
	recs, err := store.Load()
	if err != nil {
		return err
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.store = store
	for _, rec := range recs {
		id, err := peer.Decode(rec.ID)
		if err != nil {
			continue
		}
		bm.bans[id] = rec
	}
	return nil
}

// RecordOffense adds a penalty to a peer. A peer whose cumulative score
// reaches BanThreshold is banned and disconnected.
func (bm *BanManager) RecordOffense(id peer.ID, penalty int, reason string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if rec, ok := bm.bans[id]; ok && !rec.IsExpired() {
		return
	}
	bm.scores[id] += penalty
	if bm.scores[id] < BanThreshold {
		return
	}

	now := time.Now()
	rec := &BanRecord{
		ID:        id.String(),
		Reason:    reason,
		Score:     bm.scores[id],
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[id] = rec
	delete(bm.scores, id)

	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			klog.P2P.Warn().Err(err).Msg("Persist ban failed")
		}
	}
	klog.P2P.Warn().
		Str("peer", shortPeer(id)).
		Str("reason", reason).
		Int("score", rec.Score).
		Msg("Peer banned")

	if bm.node != nil {
		go bm.node.DisconnectPeer(id)
	}
}

// Score returns the accumulated score of a peer that is not banned.
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.scores[id]
}

// IsBanned reports whether the peer is currently banned.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.RLock()
	rec, ok := bm.bans[id]
	bm.mu.RUnlock()
	if !ok {
		return false
	}
	if rec.IsExpired() {
		bm.Unban(id)
		return false
	}
	return true
}

// Unban removes a ban and the peer's score.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	delete(bm.scores, id)
	store := bm.store
	bm.mu.Unlock()

	if store != nil {
		store.Delete(id)
	}
}

// BanList returns a snapshot of all active bans.
func (bm *BanManager) BanList() []BanRecord {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	var list []BanRecord
	for _, rec := range bm.bans {
		if !rec.IsExpired() {
			list = append(list, *rec)
		}
	}
	return list
}

package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-shardsim/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

var banPrefix = []byte("ban/")

// BanRecord is one ban entry.
type BanRecord struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"` // 0 = permanent
}

// IsExpired reports whether the ban has a non-zero expiry that has passed.
func (r *BanRecord) IsExpired() bool {
	return r.expiredAt(time.Now().Unix())
}

func (r *BanRecord) expiredAt(unix int64) bool {
	return r.ExpiresAt > 0 && unix >= r.ExpiresAt
}

// BanStore keeps ban records under the "ban/" prefix of a DB.
type BanStore struct {
	db *storage.PrefixDB
}

// NewBanStore creates a BanStore backed by db.
func NewBanStore(db storage.DB) *BanStore {
	return &BanStore{db: storage.NewPrefixDB(db, banPrefix)}
}

// Put persists rec, replacing any record for the same peer.
func (bs *BanStore) Put(rec *BanRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ban record: %w", err)
	}
	return bs.db.Put([]byte(rec.ID), data)
}

// Delete removes the record of id.
func (bs *BanStore) Delete(id peer.ID) error {
	return bs.db.Delete([]byte(id.String()))
}

// Load returns every decodable record that has not expired and removes
// the rest.
func (bs *BanStore) Load() ([]*BanRecord, error) {
	now := time.Now().Unix()
	var (
		live  []*BanRecord
		stale [][]byte
	)
	err := bs.db.ForEach(nil, func(key, value []byte) error {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err != nil || rec.expiredAt(now) {
			stale = append(stale, append([]byte(nil), key...))
			return nil
		}
		live = append(live, &rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate bans: %w", err)
	}
	for _, k := range stale {
		if err := bs.db.Delete(k); err != nil {
			return nil, fmt.Errorf("delete expired ban: %w", err)
		}
	}
	return live, nil
}

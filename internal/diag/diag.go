// Package diag holds run-scoped diagnostics shared by the validators of
// one simulation: production counters and the relay correlation map.
package diag

import (
	"sort"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
	"github.com/google/uuid"
)

// Counts are the per-validator production counters.
type Counts struct {
	Blocks            uint64 `json:"blocks"`
	Collations        uint64 `json:"collations"`
	BlockFailures     uint64 `json:"block_failures"`
	CollationFailures uint64 `json:"collation_failures"`
	Relays            uint64 `json:"relays"`
}

// Recorder collects diagnostics for one run. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	runID   string
	started time.Time

	total        Counts
	perValidator map[int]*Counts
	perShard     map[types.ShardID]uint64
	relays       map[types.Hash]string
}

// New starts a recorder with a fresh run id.
func New() *Recorder {
	return &Recorder{
		runID:        uuid.NewString(),
		started:      time.Now(),
		perValidator: make(map[int]*Counts),
		perShard:     make(map[types.ShardID]uint64),
		relays:       make(map[types.Hash]string),
	}
}

// RunID returns the run identifier.
func (r *Recorder) RunID() string { return r.runID }

func (r *Recorder) counts(id int) *Counts {
	c, ok := r.perValidator[id]
	if !ok {
		c = &Counts{}
		r.perValidator[id] = c
	}
	return c
}

// BlockProduced counts a main-chain block made by validator.
func (r *Recorder) BlockProduced(validator int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total.Blocks++
	r.counts(validator).Blocks++
}

// BlockFailed counts a simulated block production failure.
func (r *Recorder) BlockFailed(validator int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total.BlockFailures++
	r.counts(validator).BlockFailures++
}

// CollationProduced counts a collation made by validator on shard.
func (r *Recorder) CollationProduced(validator int, shard types.ShardID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total.Collations++
	r.counts(validator).Collations++
	r.perShard[shard]++
}

// CollationFailed counts a simulated collation failure.
func (r *Recorder) CollationFailed(validator int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total.CollationFailures++
	r.counts(validator).CollationFailures++
}

// RecordRelay correlates a header-relay transaction with its collation tag.
func (r *Recorder) RecordRelay(validator int, txHash types.Hash, tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relays[txHash] = tag
	r.total.Relays++
	r.counts(validator).Relays++
}

// Relay returns the collation tag recorded for txHash.
func (r *Recorder) Relay(txHash types.Hash) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tag, ok := r.relays[txHash]
	return tag, ok
}

// Snapshot is a point-in-time copy of the recorder.
type Snapshot struct {
	RunID        string                   `json:"run_id"`
	Elapsed      time.Duration            `json:"elapsed"`
	Total        Counts                   `json:"total"`
	PerValidator map[int]Counts           `json:"per_validator"`
	PerShard     map[types.ShardID]uint64 `json:"per_shard"`
}

// Validators returns the validator ids in the snapshot, sorted.
func (s Snapshot) Validators() []int {
	ids := make([]int, 0, len(s.PerValidator))
	for id := range s.PerValidator {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Snapshot copies the current counters.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		RunID:        r.runID,
		Elapsed:      time.Since(r.started),
		Total:        r.total,
		PerValidator: make(map[int]Counts, len(r.perValidator)),
		PerShard:     make(map[types.ShardID]uint64, len(r.perShard)),
	}
	for id, c := range r.perValidator {
		s.PerValidator[id] = *c
	}
	for id, n := range r.perShard {
		s.PerShard[id] = n
	}
	return s
}

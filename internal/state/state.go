// Package state holds the main-chain world state: account nonces and
// balances, the validator-manager registry and the collation header records
// anchored through add_header transactions.
package state

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// BlockHashWindow is how many recent block hashes the state keeps.
const BlockHashWindow = 256

// Params are the protocol constants the state rules depend on.
type Params struct {
	PeriodLength     uint64
	ShufflingCycle   uint64
	ShardCount       uint32
	WatchersPerShard int
	RingReplicas     int
	DepositSize      uint64
	BlockReward      uint64
}

// ValidatorRecord is one registered validator.
type ValidatorRecord struct {
	CodeAddr   types.Address
	ReturnAddr types.Address
	PubKey     []byte
	Deposit    uint64
}

// HeaderRecord is a collation header accepted by add_header.
type HeaderRecord struct {
	Hash     types.Hash
	Parent   types.Hash
	Number   uint64
	Period   uint64
	Proposer types.Address
}

// State is a mutable world state. Records stored in it are never modified
// after insertion, so Clone only copies the indexes.
type State struct {
	params Params

	blockNumber uint64
	timestamp   uint64
	coinbase    types.Address

	nonces   map[types.Address]uint64
	balances map[types.Address]uint64

	validators []*ValidatorRecord // withdrawn slots are nil
	byCode     map[types.Address]int

	headers     map[types.ShardID]map[types.Hash]*HeaderRecord
	lastPeriod  map[types.ShardID]uint64
	blockHashes map[uint64]types.Hash
}

// New creates an empty state at block 0.
func New(p Params) *State {
	return &State{
		params:      p,
		nonces:      make(map[types.Address]uint64),
		balances:    make(map[types.Address]uint64),
		byCode:      make(map[types.Address]int),
		headers:     make(map[types.ShardID]map[types.Hash]*HeaderRecord),
		lastPeriod:  make(map[types.ShardID]uint64),
		blockHashes: make(map[uint64]types.Hash),
	}
}

// Params returns the protocol constants.
func (s *State) Params() Params { return s.params }

// BlockNumber returns the number of the block this state executes.
func (s *State) BlockNumber() uint64 { return s.blockNumber }

// Timestamp returns the block timestamp this state executes at.
func (s *State) Timestamp() uint64 { return s.timestamp }

// Coinbase returns the block producer address.
func (s *State) Coinbase() types.Address { return s.coinbase }

// CurrentPeriod returns the period the current block number falls in.
func (s *State) CurrentPeriod() uint64 {
	return s.blockNumber / s.params.PeriodLength
}

// Nonce returns the next nonce expected from addr.
func (s *State) Nonce(addr types.Address) uint64 { return s.nonces[addr] }

// Balance returns the balance of addr.
func (s *State) Balance(addr types.Address) uint64 { return s.balances[addr] }

// Credit adds value to the balance of addr.
func (s *State) Credit(addr types.Address, value uint64) {
	s.balances[addr] += value
}

// Project moves the state onto a child block of prevHash.
func (s *State) Project(prevHash types.Hash, number, timestamp uint64, coinbase types.Address) {
	if number > 0 {
		s.blockHashes[number-1] = prevHash
	}
	s.blockNumber = number
	s.timestamp = timestamp
	s.coinbase = coinbase
	if number > BlockHashWindow {
		for n := range s.blockHashes {
			if n < number-BlockHashWindow {
				delete(s.blockHashes, n)
			}
		}
	}
}

// BlockHash returns the hash of an ancestor block within the window.
func (s *State) BlockHash(number uint64) (types.Hash, bool) {
	if number >= s.blockNumber {
		return types.Hash{}, false
	}
	h, ok := s.blockHashes[number]
	return h, ok
}

// PeriodStartPrevhash returns the hash of the last block before period starts.
// Period 0 has no such block.
func (s *State) PeriodStartPrevhash(period uint64) (types.Hash, bool) {
	if period == 0 {
		return types.Hash{}, false
	}
	return s.BlockHash(period*s.params.PeriodLength - 1)
}

// Finalize credits the block reward to the coinbase.
func (s *State) Finalize() {
	if s.params.BlockReward > 0 && !s.coinbase.IsZero() {
		s.balances[s.coinbase] += s.params.BlockReward
	}
}

// Clone returns an independent copy.
func (s *State) Clone() *State {
	c := &State{
		params:      s.params,
		blockNumber: s.blockNumber,
		timestamp:   s.timestamp,
		coinbase:    s.coinbase,
		nonces:      make(map[types.Address]uint64, len(s.nonces)),
		balances:    make(map[types.Address]uint64, len(s.balances)),
		validators:  append([]*ValidatorRecord(nil), s.validators...),
		byCode:      make(map[types.Address]int, len(s.byCode)),
		headers:     make(map[types.ShardID]map[types.Hash]*HeaderRecord, len(s.headers)),
		lastPeriod:  make(map[types.ShardID]uint64, len(s.lastPeriod)),
		blockHashes: make(map[uint64]types.Hash, len(s.blockHashes)),
	}
	for k, v := range s.nonces {
		c.nonces[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.byCode {
		c.byCode[k] = v
	}
	for shard, recs := range s.headers {
		m := make(map[types.Hash]*HeaderRecord, len(recs))
		for h, r := range recs {
			m[h] = r
		}
		c.headers[shard] = m
	}
	for k, v := range s.lastPeriod {
		c.lastPeriod[k] = v
	}
	for k, v := range s.blockHashes {
		c.blockHashes[k] = v
	}
	return c
}

// HeaderRecord returns the recorded header for hash on shard.
func (s *State) HeaderRecord(shard types.ShardID, hash types.Hash) (*HeaderRecord, bool) {
	r, ok := s.headers[shard][hash]
	return r, ok
}

// BestHeader returns the recorded header with the highest number on shard.
// Ties go to the later period.
func (s *State) BestHeader(shard types.ShardID) (*HeaderRecord, bool) {
	var best *HeaderRecord
	for _, r := range s.headers[shard] {
		if best == nil || r.Number > best.Number ||
			(r.Number == best.Number && r.Period > best.Period) ||
			(r.Number == best.Number && r.Period == best.Period && bytes.Compare(r.Hash[:], best.Hash[:]) < 0) {
			best = r
		}
	}
	return best, best != nil
}

// HeaderCount returns how many headers are recorded for shard.
func (s *State) HeaderCount(shard types.ShardID) int {
	return len(s.headers[shard])
}

// Root returns a commitment to the accounts, validators and headers.
func (s *State) Root() types.Hash {
	var buf []byte
	buf = binary.BigEndian.AppendUint64(buf, s.blockNumber)

	addrs := make([]types.Address, 0, len(s.balances)+len(s.nonces))
	for a := range s.balances {
		addrs = append(addrs, a)
	}
	for a := range s.nonces {
		if _, dup := s.balances[a]; !dup {
			addrs = append(addrs, a)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })
	for _, a := range addrs {
		buf = append(buf, a[:]...)
		buf = binary.BigEndian.AppendUint64(buf, s.balances[a])
		buf = binary.BigEndian.AppendUint64(buf, s.nonces[a])
	}

	for i, v := range s.validators {
		buf = binary.BigEndian.AppendUint64(buf, uint64(i))
		if v == nil {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		buf = append(buf, v.CodeAddr[:]...)
		buf = append(buf, v.ReturnAddr[:]...)
		buf = binary.BigEndian.AppendUint64(buf, v.Deposit)
	}

	shards := make([]types.ShardID, 0, len(s.headers))
	for id := range s.headers {
		shards = append(shards, id)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })
	for _, id := range shards {
		hashes := make([]types.Hash, 0, len(s.headers[id]))
		for h := range s.headers[id] {
			hashes = append(hashes, h)
		}
		sort.Slice(hashes, func(i, j int) bool { return bytes.Compare(hashes[i][:], hashes[j][:]) < 0 })
		buf = append(buf, id.Bytes()...)
		for _, h := range hashes {
			buf = append(buf, h[:]...)
		}
	}
	return crypto.Hash(buf)
}

// Package seen implements the append-only identity sets validators use to
// de-duplicate received objects and to remember which parents they already
// built on.
package seen

import (
	"sync"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
	"github.com/willf/bloom"
)

// Default bloom sizing.
const (
	DefaultExpected = 1 << 16
	DefaultFPRate   = 0.001
)

// Set is an append-only set of hashes. A bloom filter answers most negative
// lookups before the map is consulted.
type Set struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	items  map[types.Hash]struct{}
}

// New creates a set sized for expected members at the given false positive rate.
func New(expected uint, fpRate float64) *Set {
	if expected == 0 {
		expected = DefaultExpected
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFPRate
	}
	return &Set{
		filter: bloom.NewWithEstimates(expected, fpRate),
		items:  make(map[types.Hash]struct{}),
	}
}

// NewDefault creates a set with the default sizing.
func NewDefault() *Set {
	return New(DefaultExpected, DefaultFPRate)
}

// Add inserts h and reports whether it was new.
func (s *Set) Add(h types.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[h]; ok {
		return false
	}
	s.filter.Add(h[:])
	s.items[h] = struct{}{}
	return true
}

// Has reports whether h was added.
func (s *Set) Has(h types.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.filter.Test(h[:]) {
		return false
	}
	_, ok := s.items[h]
	return ok
}

// Len returns the number of members.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

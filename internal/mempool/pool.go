// Package mempool holds transactions waiting for block or collation inclusion.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/tx"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists  = errors.New("transaction already in mempool")
	ErrPoolFull       = errors.New("mempool is full")
	ErrValidation     = errors.New("transaction failed validation")
	ErrGasPriceTooLow = errors.New("transaction gas price below minimum")
)

// DefaultMaxSize is used when New is given a non-positive size.
const DefaultMaxSize = 5000

// entry wraps a transaction with its admission order. Entries are never
// mutated after insertion, so snapshots can share them.
type entry struct {
	tx     *tx.Transaction
	txHash types.Hash
	seq    uint64
}

type poolData struct {
	txs map[types.Hash]*entry
	seq uint64
}

func (d *poolData) clone() *poolData {
	c := &poolData{txs: make(map[types.Hash]*entry, len(d.txs)), seq: d.seq}
	for h, e := range d.txs {
		c.txs[h] = e
	}
	return c
}

// Pool holds unconfirmed transactions.
//
// Snapshot and Diff share the underlying index with the source pool; the
// first write on either side copies it.
type Pool struct {
	mu          sync.RWMutex
	data        *poolData
	shared      bool
	maxSize     int
	minGasPrice uint64
}

// New creates an empty pool. Non-forced transactions below minGasPrice are rejected.
func New(minGasPrice uint64, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Pool{
		data:        &poolData{txs: make(map[types.Hash]*entry)},
		maxSize:     maxSize,
		minGasPrice: minGasPrice,
	}
}

// MinGasPrice returns the admission threshold for non-forced transactions.
func (p *Pool) MinGasPrice() uint64 {
	return p.minGasPrice
}

// writable must be called with p.mu held for writing.
func (p *Pool) writable() *poolData {
	if p.shared {
		p.data = p.data.clone()
		p.shared = false
	}
	return p.data
}

// Add validates and adds a transaction.
// Forced transactions skip the gas price floor and may evict to make room.
func (p *Pool) Add(transaction *tx.Transaction, force bool) error {
	if err := transaction.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()
	if _, exists := p.data.txs[txHash]; exists {
		return ErrAlreadyExists
	}
	if !force && transaction.GasPrice < p.minGasPrice {
		return fmt.Errorf("%w: got %d, need %d", ErrGasPriceTooLow, transaction.GasPrice, p.minGasPrice)
	}

	if len(p.data.txs) >= p.maxSize {
		lowest := p.lowestLocked()
		if !force && transaction.GasPrice <= lowest.tx.GasPrice {
			return ErrPoolFull
		}
		delete(p.writable().txs, lowest.txHash)
	}

	d := p.writable()
	d.seq++
	d.txs[txHash] = &entry{tx: transaction, txHash: txHash, seq: d.seq}
	return nil
}

// Remove removes a transaction by hash.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.data.txs[txHash]; ok {
		delete(p.writable().txs, txHash)
	}
}

// RemoveConfirmed removes all transactions that were included in a block.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		h := t.Hash()
		if _, ok := p.data.txs[h]; ok {
			delete(p.writable().txs, h)
		}
	}
}

// PruneStale drops transactions whose nonce is below the sender's current
// nonce. They can never be applied again.
func (p *Pool) PruneStale(nonceOf func(types.Address) uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	pruned := 0
	for h, e := range p.data.txs {
		if e.tx.Nonce < nonceOf(e.tx.Sender()) {
			delete(p.writable().txs, h)
			pruned++
		}
	}
	return pruned
}

// Snapshot returns a pool holding the same transactions. Later changes to
// either pool are not visible in the other.
func (p *Pool) Snapshot() *Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shared = true
	return &Pool{
		data:        p.data,
		shared:      true,
		maxSize:     p.maxSize,
		minGasPrice: p.minGasPrice,
	}
}

// Diff returns a new pool holding the transactions of p that are not in applied.
func (p *Pool) Diff(applied []*tx.Transaction) *Pool {
	out := p.Snapshot()
	out.RemoveConfirmed(applied)
	return out
}

// Has checks if a transaction exists in the pool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.data.txs[txHash]
	return exists
}

// Get retrieves a transaction from the pool.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.data.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// Len returns the number of transactions in the pool.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.data.txs)
}

// Txs returns all transactions in admission order.
func (p *Pool) Txs() []*tx.Transaction {
	p.mu.RLock()
	entries := p.sortedLocked(func(a, b *entry) bool { return a.seq < b.seq })
	p.mu.RUnlock()
	return txsOf(entries, len(entries))
}

// SelectForBlock returns up to limit transactions, highest gas price first,
// ties broken by admission order. A non-positive limit selects everything.
func (p *Pool) SelectForBlock(limit int) []*tx.Transaction {
	p.mu.RLock()
	entries := p.sortedLocked(func(a, b *entry) bool {
		if a.tx.GasPrice != b.tx.GasPrice {
			return a.tx.GasPrice > b.tx.GasPrice
		}
		return a.seq < b.seq
	})
	p.mu.RUnlock()
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	return txsOf(entries, limit)
}

func (p *Pool) sortedLocked(less func(a, b *entry) bool) []*entry {
	entries := make([]*entry, 0, len(p.data.txs))
	for _, e := range p.data.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return less(entries[i], entries[j]) })
	return entries
}

// lowestLocked returns the cheapest, most recently admitted entry.
func (p *Pool) lowestLocked() *entry {
	var lowest *entry
	for _, e := range p.data.txs {
		if lowest == nil || e.tx.GasPrice < lowest.tx.GasPrice ||
			(e.tx.GasPrice == lowest.tx.GasPrice && e.seq > lowest.seq) {
			lowest = e
		}
	}
	return lowest
}

func txsOf(entries []*entry, n int) []*tx.Transaction {
	out := make([]*tx.Transaction, n)
	for i := 0; i < n; i++ {
		out[i] = entries[i].tx
	}
	return out
}

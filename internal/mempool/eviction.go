package mempool

import "sort"

// Evict removes the lowest gas-price transactions until the pool is at or
// below maxSize. Among equal prices the newest goes first.
func (p *Pool) Evict(maxSize int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.data.txs) <= maxSize {
		return 0
	}

	entries := make([]*entry, 0, len(p.data.txs))
	for _, e := range p.data.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].tx.GasPrice != entries[j].tx.GasPrice {
			return entries[i].tx.GasPrice < entries[j].tx.GasPrice
		}
		return entries[i].seq > entries[j].seq
	})

	d := p.writable()
	evicted := 0
	for len(d.txs) > maxSize {
		delete(d.txs, entries[evicted].txHash)
		evicted++
	}
	return evicted
}

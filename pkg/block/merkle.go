package block

import (
	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/tx"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// ComputeMerkleRoot calculates the binary merkle root of a list of hashes.
// An empty list yields the zero hash and a single hash is its own root.
// Odd layers duplicate their last element.
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	switch len(hashes) {
	case 0:
		return types.Hash{}
	case 1:
		return hashes[0]
	}

	level := make([]types.Hash, len(hashes))
	copy(level, hashes)
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = crypto.HashConcat(level[i], level[i+1])
		}
		level = next
	}
	return level[0]
}

// TxRoot returns the merkle root over the transaction hashes in order.
// Collations use the same root for their transaction list.
func TxRoot(txs []*tx.Transaction) types.Hash {
	hashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		hashes[i] = t.Hash()
	}
	return ComputeMerkleRoot(hashes)
}

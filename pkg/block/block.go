// Package block defines main-chain block types and structural validation.
package block

import (
	"github.com/Klingon-tech/klingnet-shardsim/pkg/tx"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// Block represents a block in the main chain.
type Block struct {
	Header       *Header           `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`
}

// NewBlock creates a new block with the given header and transactions.
func NewBlock(header *Header, txs []*tx.Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// Hash returns the header hash.
func (b *Block) Hash() types.Hash {
	return b.Header.Hash()
}

// Number returns the block number.
func (b *Block) Number() uint64 {
	return b.Header.Number
}

// PrevHash returns the parent block hash.
func (b *Block) PrevHash() types.Hash {
	return b.Header.PrevHash
}

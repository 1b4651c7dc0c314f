package collation

import (
	"github.com/Klingon-tech/klingnet-shardsim/pkg/tx"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// Collation is a shard block: a signed header and its transaction list.
type Collation struct {
	Header       *Header           `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`
}

// New creates a collation from a header and body.
func New(header *Header, txs []*tx.Transaction) *Collation {
	return &Collation{Header: header, Transactions: txs}
}

// Hash returns the header hash.
func (c *Collation) Hash() types.Hash {
	return c.Header.Hash()
}

// ShardID returns the shard the collation belongs to.
func (c *Collation) ShardID() types.ShardID {
	return c.Header.ShardID
}

// ParentHash returns the parent collation hash. Zero means shard genesis.
func (c *Collation) ParentHash() types.Hash {
	return c.Header.ParentCollationHash
}

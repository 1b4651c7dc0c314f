package block

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader     = errors.New("block has nil header")
	ErrBadTxRoot     = errors.New("transaction root mismatch")
	ErrBadVersion    = errors.New("unsupported block version")
	ErrZeroTimestamp = errors.New("block timestamp is zero")
	ErrTooManyTxs    = errors.New("too many transactions in block")
	ErrDuplicateTx   = errors.New("duplicate transaction in block")
)

// Block version constants.
const (
	CurrentVersion = 1
	MaxVersion     = 1
)

// MaxBlockTxs bounds the number of transactions in one block.
const MaxBlockTxs = 4096

// Validate checks block structure and internal consistency.
// This does NOT verify consensus rules or execute transactions.
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}
	if b.Header.Version < 1 || b.Header.Version > MaxVersion {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrBadVersion, b.Header.Version, MaxVersion)
	}
	if b.Header.Number > 0 && b.Header.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	if len(b.Transactions) > MaxBlockTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, len(b.Transactions), MaxBlockTxs)
	}

	seen := make(map[types.Hash]struct{}, len(b.Transactions))
	for i, t := range b.Transactions {
		h := t.Hash()
		if _, dup := seen[h]; dup {
			return fmt.Errorf("tx %d: %w", i, ErrDuplicateTx)
		}
		seen[h] = struct{}{}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}

	if root := TxRoot(b.Transactions); root != b.Header.TxRoot {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadTxRoot, b.Header.TxRoot, root)
	}
	return nil
}

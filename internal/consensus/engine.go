// Package consensus defines the sealing engines for main-chain blocks.
package consensus

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
)

// Engine modes accepted by New.
const (
	ModeFastPath = "fastpath"
	ModePoW      = "pow"
)

// Engine is the interface for consensus implementations.
type Engine interface {
	VerifyHeader(header *block.Header) error
	Prepare(header *block.Header) error
	Seal(blk *block.Block) error
}

// New builds the engine selected by mode.
func New(mode string, difficulty uint64, threads int) (Engine, error) {
	switch mode {
	case "", ModeFastPath:
		return NewFastPath(), nil
	case ModePoW:
		pow, err := NewPoW(difficulty)
		if err != nil {
			return nil, err
		}
		pow.Threads = threads
		return pow, nil
	default:
		return nil, fmt.Errorf("unknown consensus mode %q", mode)
	}
}

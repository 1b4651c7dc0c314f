package consensus

import (
	"errors"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// SentinelMixHash is the seal stamped by the fast-path engine.
var SentinelMixHash = types.Hash{}

// ErrBadSentinel is returned for fast-path headers carrying a real seal.
var ErrBadSentinel = errors.New("header does not carry the fast-path sentinel seal")

// FastPath seals blocks with a fixed sentinel value instead of searching for
// work. Block timing comes from the producer's mining-time distribution.
type FastPath struct{}

// NewFastPath returns the fast-path engine.
func NewFastPath() *FastPath {
	return &FastPath{}
}

// VerifyHeader accepts only the sentinel seal.
func (f *FastPath) VerifyHeader(header *block.Header) error {
	if header.MixHash != SentinelMixHash || header.Nonce != 0 || header.Difficulty != 0 {
		return ErrBadSentinel
	}
	return nil
}

// Prepare clears the difficulty.
func (f *FastPath) Prepare(header *block.Header) error {
	header.Difficulty = 0
	return nil
}

// Seal stamps the sentinel mixhash and nonce.
func (f *FastPath) Seal(blk *block.Block) error {
	blk.Header.MixHash = SentinelMixHash
	blk.Header.Nonce = 0
	return nil
}

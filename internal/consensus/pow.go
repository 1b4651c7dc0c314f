package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrZeroDifficulty   = errors.New("difficulty must be > 0")
	ErrBadDifficulty    = errors.New("block difficulty does not match expected")
	ErrBadMixHash       = errors.New("mixhash does not match seal")
)

// maxUint256 is 2^256 - 1.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// PoW implements proof-of-work sealing at a fixed difficulty.
// The seal digest is BLAKE3(seal_hash || nonce) and is stored as MixHash.
type PoW struct {
	Difficulty uint64

	// Threads controls the number of parallel mining goroutines.
	// 0 or 1 = single-threaded. Each goroutine searches a strided
	// partition of the nonce space.
	Threads int
}

// NewPoW creates a new PoW engine.
func NewPoW(difficulty uint64) (*PoW, error) {
	if difficulty == 0 {
		return nil, ErrZeroDifficulty
	}
	return &PoW{Difficulty: difficulty}, nil
}

// target returns MaxUint256 / difficulty as a 256-bit big.Int.
func target(difficulty uint64) *big.Int {
	d := new(big.Int).SetUint64(difficulty)
	return new(big.Int).Div(maxUint256, d)
}

func sealDigest(sealHash types.Hash, nonce uint64) types.Hash {
	var buf [40]byte
	copy(buf[:32], sealHash[:])
	binary.LittleEndian.PutUint64(buf[32:], nonce)
	return crypto.Hash(buf[:])
}

// VerifyHeader checks the difficulty, the mixhash and the work.
func (p *PoW) VerifyHeader(header *block.Header) error {
	if header.Difficulty == 0 {
		return ErrZeroDifficulty
	}
	if header.Difficulty != p.Difficulty {
		return fmt.Errorf("%w: got %d, want %d", ErrBadDifficulty, header.Difficulty, p.Difficulty)
	}
	digest := sealDigest(header.SealHash(), header.Nonce)
	if digest != header.MixHash {
		return ErrBadMixHash
	}
	if new(big.Int).SetBytes(digest[:]).Cmp(target(header.Difficulty)) > 0 {
		return ErrInsufficientWork
	}
	return nil
}

// Prepare sets the block header's difficulty for mining.
func (p *PoW) Prepare(header *block.Header) error {
	header.Difficulty = p.Difficulty
	return nil
}

// Seal mines the block by iterating the nonce until the digest meets the target.
func (p *PoW) Seal(blk *block.Block) error {
	return p.SealWithCancel(context.Background(), blk)
}

// SealWithCancel mines the block with cancellation support.
// When the context is cancelled, mining stops and ctx.Err() is returned.
func (p *PoW) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	if blk.Header.Difficulty == 0 {
		return ErrZeroDifficulty
	}

	threads := p.Threads
	if threads <= 1 {
		threads = 1
	}
	nonce, err := p.search(ctx, blk.Header.SealHash(), target(blk.Header.Difficulty), threads)
	if err != nil {
		return err
	}
	blk.Header.Nonce = nonce
	blk.Header.MixHash = sealDigest(blk.Header.SealHash(), nonce)
	return nil
}

// search runs threads goroutines; goroutine i starts at nonce=i, step=threads.
func (p *PoW) search(ctx context.Context, sealHash types.Hash, t *big.Int, threads int) (uint64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint64
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		startNonce := uint64(i)
		stride := uint64(threads)
		go func() {
			defer wg.Done()
			hashInt := new(big.Int)
			for nonce := startNonce; ; nonce += stride {
				// Check cancellation every ~65536 iterations per goroutine.
				if (nonce/stride)&0xFFFF == 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				digest := sealDigest(sealHash, nonce)
				hashInt.SetBytes(digest[:])
				if hashInt.Cmp(t) <= 0 {
					select {
					case found <- result{nonce: nonce}:
					default:
					}
					cancel()
					return
				}

				if nonce > ^uint64(0)-stride {
					select {
					case found <- result{err: fmt.Errorf("nonce space exhausted")}:
					default:
					}
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return 0, ctx.Err()
		}
		return r.nonce, r.err
	case <-ctx.Done():
		// A winner cancels ctx too; prefer its result.
		select {
		case r, ok := <-found:
			if ok && r.err == nil {
				return r.nonce, nil
			}
		default:
		}
		return 0, ctx.Err()
	}
}

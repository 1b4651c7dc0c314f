package block

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// Header contains main-chain block metadata.
type Header struct {
	Version    uint32        `json:"version"`
	PrevHash   types.Hash    `json:"prev_hash"`
	Number     uint64        `json:"number"`
	Timestamp  uint64        `json:"timestamp"`
	Coinbase   types.Address `json:"coinbase"`
	TxRoot     types.Hash    `json:"tx_root"`
	StateRoot  types.Hash    `json:"state_root"`
	Difficulty uint64        `json:"difficulty,omitempty"`
	MixHash    types.Hash    `json:"mixhash"`
	Nonce      uint64        `json:"nonce"`
}

// Hash computes the block header hash over every field, including the seal.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SealHash is the digest a proof-of-work seal commits to. It excludes
// MixHash and Nonce.
func (h *Header) SealHash() types.Hash {
	return crypto.Hash(h.sealPrefix())
}

// SigningBytes returns the canonical bytes for hashing.
// Format: version(4) | prev_hash(32) | number(8) | timestamp(8) | coinbase(20) |
// tx_root(32) | state_root(32) | difficulty(8) | mixhash(32) | nonce(8)
func (h *Header) SigningBytes() []byte {
	buf := h.sealPrefix()
	buf = append(buf, h.MixHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	return buf
}

func (h *Header) sealPrefix() []byte {
	buf := make([]byte, 0, 192)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Number)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = append(buf, h.Coinbase[:]...)
	buf = append(buf, h.TxRoot[:]...)
	buf = append(buf, h.StateRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Difficulty)
	return buf
}

// Package collation defines shard collations and the fixed binary encoding
// of their headers carried by add_header transactions.
package collation

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// Encoded sizes.
// Signing part: shard(4) + period(8) + period_start_prevhash(32) + parent(32) +
// number(8) + tx_list_root(32) + coinbase(20) + post_state_root(32) + proposer_pubkey(33).
const (
	SigningSize = 4 + 8 + 32 + 32 + 8 + 32 + types.AddressSize + 32 + crypto.PubKeySize
	HeaderSize  = SigningSize + crypto.SignatureSize
)

// ErrBadHeaderSize is returned when decoding a header of the wrong length.
var ErrBadHeaderSize = errors.New("bad collation header size")

// Header is the proposer-signed summary of a collation.
type Header struct {
	ShardID              types.ShardID `json:"shard_id"`
	ExpectedPeriodNumber uint64        `json:"expected_period_number"`
	PeriodStartPrevhash  types.Hash    `json:"period_start_prevhash"`
	ParentCollationHash  types.Hash    `json:"parent_collation_hash"`
	// Number is the collation's distance from the shard genesis, used as the fork-choice score.
	Number         uint64        `json:"number"`
	TxListRoot     types.Hash    `json:"tx_list_root"`
	Coinbase       types.Address `json:"coinbase"`
	PostStateRoot  types.Hash    `json:"post_state_root"`
	ProposerPubKey []byte        `json:"-"`
	Signature      []byte        `json:"-"`
}

// SigningBytes returns the canonical big-endian encoding without the signature.
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = binary.BigEndian.AppendUint32(buf, uint32(h.ShardID))
	buf = binary.BigEndian.AppendUint64(buf, h.ExpectedPeriodNumber)
	buf = append(buf, h.PeriodStartPrevhash[:]...)
	buf = append(buf, h.ParentCollationHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.Number)
	buf = append(buf, h.TxListRoot[:]...)
	buf = append(buf, h.Coinbase[:]...)
	buf = append(buf, h.PostStateRoot[:]...)
	var pub [crypto.PubKeySize]byte
	copy(pub[:], h.ProposerPubKey)
	buf = append(buf, pub[:]...)
	return buf
}

// Hash identifies the collation.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// Sign sets the proposer key and signature.
func (h *Header) Sign(key *crypto.PrivateKey) error {
	h.ProposerPubKey = key.PublicKey()
	sig, err := key.SignHash(h.Hash())
	if err != nil {
		return fmt.Errorf("sign collation header: %w", err)
	}
	h.Signature = sig
	return nil
}

// VerifySignature checks the proposer signature and that the proposer key
// controls the coinbase address.
func (h *Header) VerifySignature() bool {
	if crypto.AddressFromPubKey(h.ProposerPubKey) != h.Coinbase {
		return false
	}
	hash := h.Hash()
	return crypto.VerifySignature(hash[:], h.Signature, h.ProposerPubKey)
}

// Encode serializes the header to its fixed binary format.
func (h *Header) Encode() []byte {
	buf := h.SigningBytes()
	var sig [crypto.SignatureSize]byte
	copy(sig[:], h.Signature)
	return append(buf, sig[:]...)
}

// DecodeHeader deserializes a header produced by Encode.
func DecodeHeader(data []byte) (*Header, error) {
	if len(data) != HeaderSize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrBadHeaderSize, HeaderSize, len(data))
	}
	var h Header
	h.ShardID = types.ShardID(binary.BigEndian.Uint32(data[0:4]))
	h.ExpectedPeriodNumber = binary.BigEndian.Uint64(data[4:12])
	copy(h.PeriodStartPrevhash[:], data[12:44])
	copy(h.ParentCollationHash[:], data[44:76])
	h.Number = binary.BigEndian.Uint64(data[76:84])
	copy(h.TxListRoot[:], data[84:116])
	copy(h.Coinbase[:], data[116:136])
	copy(h.PostStateRoot[:], data[136:168])
	h.ProposerPubKey = append([]byte(nil), data[168:SigningSize]...)
	h.Signature = append([]byte(nil), data[SigningSize:HeaderSize]...)
	return &h, nil
}

type headerJSON struct {
	ShardID              types.ShardID `json:"shard_id"`
	ExpectedPeriodNumber uint64        `json:"expected_period_number"`
	PeriodStartPrevhash  types.Hash    `json:"period_start_prevhash"`
	ParentCollationHash  types.Hash    `json:"parent_collation_hash"`
	Number               uint64        `json:"number"`
	TxListRoot           types.Hash    `json:"tx_list_root"`
	Coinbase             types.Address `json:"coinbase"`
	PostStateRoot        types.Hash    `json:"post_state_root"`
	ProposerPubKey       string        `json:"proposer_pubkey"`
	Signature            string        `json:"signature"`
}

// MarshalJSON encodes the header with hex-encoded key and signature.
func (h *Header) MarshalJSON() ([]byte, error) {
	return json.Marshal(headerJSON{
		ShardID:              h.ShardID,
		ExpectedPeriodNumber: h.ExpectedPeriodNumber,
		PeriodStartPrevhash:  h.PeriodStartPrevhash,
		ParentCollationHash:  h.ParentCollationHash,
		Number:               h.Number,
		TxListRoot:           h.TxListRoot,
		Coinbase:             h.Coinbase,
		PostStateRoot:        h.PostStateRoot,
		ProposerPubKey:       hex.EncodeToString(h.ProposerPubKey),
		Signature:            hex.EncodeToString(h.Signature),
	})
}

// UnmarshalJSON decodes a header with hex-encoded key and signature.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	pub, err := hex.DecodeString(j.ProposerPubKey)
	if err != nil {
		return fmt.Errorf("proposer_pubkey: %w", err)
	}
	sig, err := hex.DecodeString(j.Signature)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	*h = Header{
		ShardID:              j.ShardID,
		ExpectedPeriodNumber: j.ExpectedPeriodNumber,
		PeriodStartPrevhash:  j.PeriodStartPrevhash,
		ParentCollationHash:  j.ParentCollationHash,
		Number:               j.Number,
		TxListRoot:           j.TxListRoot,
		Coinbase:             j.Coinbase,
		PostStateRoot:        j.PostStateRoot,
		ProposerPubKey:       pub,
		Signature:            sig,
	}
	return nil
}

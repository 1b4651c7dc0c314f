package types

import (
	"encoding/binary"
	"strconv"
)

// ShardID identifies a shard chain.
type ShardID uint32

// String returns the decimal shard index.
func (s ShardID) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// Bytes returns the big-endian encoding of the shard index.
func (s ShardID) Bytes() []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(s))
}

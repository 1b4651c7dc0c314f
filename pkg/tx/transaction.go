// Package tx defines the account-model transactions carried by main-chain
// blocks and collations.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// Kind selects how the state executes a transaction.
type Kind uint8

const (
	// KindTransfer moves value between two accounts.
	KindTransfer Kind = iota
	// KindDeposit registers a validator with the validator manager.
	KindDeposit
	// KindWithdraw removes a validator and refunds its deposit.
	KindWithdraw
	// KindAddHeader records a collation header on the main chain.
	KindAddHeader
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTransfer:
		return "transfer"
	case KindDeposit:
		return "deposit"
	case KindWithdraw:
		return "withdraw"
	case KindAddHeader:
		return "add_header"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Transaction is a signed account-model transaction.
type Transaction struct {
	Kind      Kind          `json:"kind"`
	Nonce     uint64        `json:"nonce"`
	GasPrice  uint64        `json:"gasprice"`
	To        types.Address `json:"to"`
	Value     uint64        `json:"value"`
	Data      []byte        `json:"-"`
	PubKey    []byte        `json:"-"`
	Signature []byte        `json:"-"`
}

// Hash computes the transaction ID (BLAKE3 hash of the signing bytes).
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing.
// Format: kind(1) | nonce(8) | gasprice(8) | to(20) | value(8) | data_len(4) | data | pubkey_len(4) | pubkey
func (tx *Transaction) SigningBytes() []byte {
	buf := make([]byte, 0, 1+8+8+types.AddressSize+8+4+len(tx.Data)+4+len(tx.PubKey))
	buf = append(buf, byte(tx.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, tx.Nonce)
	buf = binary.LittleEndian.AppendUint64(buf, tx.GasPrice)
	buf = append(buf, tx.To[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Value)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Data)))
	buf = append(buf, tx.Data...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.PubKey)))
	buf = append(buf, tx.PubKey...)
	return buf
}

// Sender returns the address derived from the signing public key.
func (tx *Transaction) Sender() types.Address {
	return crypto.AddressFromPubKey(tx.PubKey)
}

// Sign sets the public key and signs the transaction with key.
func (tx *Transaction) Sign(key *crypto.PrivateKey) error {
	tx.PubKey = key.PublicKey()
	sig, err := key.SignHash(tx.Hash())
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	tx.Signature = sig
	return nil
}

// VerifySignature reports whether the signature matches PubKey.
func (tx *Transaction) VerifySignature() bool {
	h := tx.Hash()
	return crypto.VerifySignature(h[:], tx.Signature, tx.PubKey)
}

type txJSON struct {
	Kind      Kind          `json:"kind"`
	Nonce     uint64        `json:"nonce"`
	GasPrice  uint64        `json:"gasprice"`
	To        types.Address `json:"to"`
	Value     uint64        `json:"value"`
	Data      string        `json:"data,omitempty"`
	PubKey    string        `json:"pubkey"`
	Signature string        `json:"signature"`
}

// MarshalJSON encodes the byte fields as hex.
func (tx *Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(txJSON{
		Kind:      tx.Kind,
		Nonce:     tx.Nonce,
		GasPrice:  tx.GasPrice,
		To:        tx.To,
		Value:     tx.Value,
		Data:      hex.EncodeToString(tx.Data),
		PubKey:    hex.EncodeToString(tx.PubKey),
		Signature: hex.EncodeToString(tx.Signature),
	})
}

// UnmarshalJSON decodes a transaction with hex byte fields.
func (tx *Transaction) UnmarshalJSON(data []byte) error {
	var j txJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	var err error
	tx.Kind, tx.Nonce, tx.GasPrice, tx.To, tx.Value = j.Kind, j.Nonce, j.GasPrice, j.To, j.Value
	if tx.Data, err = decodeHex(j.Data); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if tx.PubKey, err = decodeHex(j.PubKey); err != nil {
		return fmt.Errorf("pubkey: %w", err)
	}
	if tx.Signature, err = decodeHex(j.Signature); err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	return nil
}

func decodeHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

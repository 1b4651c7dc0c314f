// Package wire defines the closed set of objects validators exchange.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/collation"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/tx"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// Kind tags the variant held by a Message.
type Kind uint8

const (
	KindBlock Kind = iota + 1
	KindCollation
	KindTransaction
	KindGetBlock
	KindGetCollation
	KindChildRequest
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindBlock:
		return "block"
	case KindCollation:
		return "collation"
	case KindTransaction:
		return "transaction"
	case KindGetBlock:
		return "get_block"
	case KindGetCollation:
		return "get_collation"
	case KindChildRequest:
		return "child_request"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// IsRequest reports whether the kind is one of the request variants.
func (k Kind) IsRequest() bool {
	return k == KindGetBlock || k == KindGetCollation || k == KindChildRequest
}

// Errors returned while decoding messages.
var (
	ErrUnknownKind   = errors.New("unknown message kind")
	ErrEmptyEnvelope = errors.New("message payload missing")
)

// Request asks peers for an object after PrevHash. No handler answers it yet.
type Request struct {
	PrevHash types.Hash `json:"prevhash"`
	ID       int64      `json:"id"`
}

// Message is a tagged variant: exactly the field matching Kind is set.
type Message struct {
	Kind      Kind
	Block     *block.Block
	Collation *collation.Collation
	Tx        *tx.Transaction
	Request   *Request
}

// NewBlock wraps a main-chain block.
func NewBlock(b *block.Block) Message { return Message{Kind: KindBlock, Block: b} }

// NewCollation wraps a collation.
func NewCollation(c *collation.Collation) Message {
	return Message{Kind: KindCollation, Collation: c}
}

// NewTransaction wraps a transaction.
func NewTransaction(t *tx.Transaction) Message { return Message{Kind: KindTransaction, Tx: t} }

// NewRequest builds one of the request variants.
func NewRequest(kind Kind, prevHash types.Hash, id int64) Message {
	if !kind.IsRequest() {
		panic(fmt.Sprintf("wire: %s is not a request kind", kind))
	}
	return Message{Kind: kind, Request: &Request{PrevHash: prevHash, ID: id}}
}

// Hash returns the identity used for de-duplication.
// Request identities are derived from the kind and the referenced prevhash.
func (m Message) Hash() types.Hash {
	switch m.Kind {
	case KindBlock:
		return m.Block.Hash()
	case KindCollation:
		return m.Collation.Hash()
	case KindTransaction:
		return m.Tx.Hash()
	case KindGetBlock, KindGetCollation, KindChildRequest:
		return crypto.HashParts([]byte(m.Kind.String()), []byte(m.Request.PrevHash.String()), []byte("::request"))
	default:
		panic(fmt.Sprintf("wire: hash of %s", m.Kind))
	}
}

// Validate checks that the payload matching Kind is present.
func (m Message) Validate() error {
	var ok bool
	switch m.Kind {
	case KindBlock:
		ok = m.Block != nil && m.Block.Header != nil
	case KindCollation:
		ok = m.Collation != nil && m.Collation.Header != nil
	case KindTransaction:
		ok = m.Tx != nil
	case KindGetBlock, KindGetCollation, KindChildRequest:
		ok = m.Request != nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, m.Kind)
	}
	if !ok {
		return fmt.Errorf("%s: %w", m.Kind, ErrEmptyEnvelope)
	}
	return nil
}

type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes the message as a JSON envelope.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var payload any
	switch m.Kind {
	case KindBlock:
		payload = m.Block
	case KindCollation:
		payload = m.Collation
	case KindTransaction:
		payload = m.Tx
	default:
		payload = m.Request
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind, err)
	}
	return json.Marshal(envelope{Kind: m.Kind, Payload: raw})
}

// Decode parses a JSON envelope produced by Encode.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	m := Message{Kind: env.Kind}
	var target any
	switch env.Kind {
	case KindBlock:
		m.Block = new(block.Block)
		target = m.Block
	case KindCollation:
		m.Collation = new(collation.Collation)
		target = m.Collation
	case KindTransaction:
		m.Tx = new(tx.Transaction)
		target = m.Tx
	case KindGetBlock, KindGetCollation, KindChildRequest:
		m.Request = new(Request)
		target = m.Request
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownKind, env.Kind)
	}
	if len(env.Payload) == 0 {
		return Message{}, fmt.Errorf("%s: %w", env.Kind, ErrEmptyEnvelope)
	}
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return Message{}, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return m, m.Validate()
}

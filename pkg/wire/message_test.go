package wire

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/collation"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/tx"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

func TestMessage_HashMatchesPayload(t *testing.T) {
	blk := block.NewBlock(&block.Header{Version: 1, Number: 2}, nil)
	col := collation.New(&collation.Header{ShardID: 1, Number: 1}, nil)
	transfer := &tx.Transaction{Nonce: 3}

	if got := NewBlock(blk).Hash(); got != blk.Hash() {
		t.Errorf("block message hash = %s, want %s", got, blk.Hash())
	}
	if got := NewCollation(col).Hash(); got != col.Hash() {
		t.Errorf("collation message hash = %s, want %s", got, col.Hash())
	}
	if got := NewTransaction(transfer).Hash(); got != transfer.Hash() {
		t.Errorf("tx message hash = %s, want %s", got, transfer.Hash())
	}
}

func TestMessage_RequestHash(t *testing.T) {
	prev := types.Hash{0x42}
	a := NewRequest(KindGetBlock, prev, 1)
	b := NewRequest(KindGetBlock, prev, 2)
	c := NewRequest(KindChildRequest, prev, 1)

	if a.Hash() != b.Hash() {
		t.Error("request identity should not depend on the request id")
	}
	if a.Hash() == c.Hash() {
		t.Error("different request kinds should not share an identity")
	}
}

func TestNewRequest_PanicsOnNonRequest(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewRequest(KindBlock) should panic")
		}
	}()
	NewRequest(KindBlock, types.Hash{}, 0)
}

func TestEncodeDecode(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	transfer, err := tx.NewTransfer(key, 1, 2, types.Address{3}, 4)
	if err != nil {
		t.Fatalf("NewTransfer: %v", err)
	}
	header := &collation.Header{ShardID: 2, ExpectedPeriodNumber: 5, Coinbase: key.Address()}
	if err := header.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	msgs := []Message{
		NewBlock(block.NewBlock(&block.Header{Version: 1, Number: 9, Timestamp: 77}, []*tx.Transaction{transfer})),
		NewCollation(collation.New(header, nil)),
		NewTransaction(transfer),
		NewRequest(KindGetCollation, types.Hash{0x01}, 8),
	}
	for _, m := range msgs {
		t.Run(m.Kind.String(), func(t *testing.T) {
			data, err := Encode(m)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Kind != m.Kind || got.Hash() != m.Hash() {
				t.Errorf("Decode = %s %s, want %s %s", got.Kind, got.Hash(), m.Kind, m.Hash())
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"unknown kind", `{"kind":99,"payload":{}}`, ErrUnknownKind},
		{"missing payload", `{"kind":1}`, ErrEmptyEnvelope},
		{"block without header", `{"kind":1,"payload":{"transactions":[]}}`, ErrEmptyEnvelope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data)); !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

package mempool

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/tx"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

func testKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

// buildTx creates a signed transfer with the given nonce and gas price.
func buildTx(t *testing.T, key *crypto.PrivateKey, nonce, gasPrice uint64) *tx.Transaction {
	t.Helper()
	transfer, err := tx.NewTransfer(key, nonce, gasPrice, types.Address{0x01}, 1)
	if err != nil {
		t.Fatalf("NewTransfer: %v", err)
	}
	return transfer
}

func TestPool_Add(t *testing.T) {
	key := testKey(t)
	p := New(5, 10)

	cheap := buildTx(t, key, 0, 4)
	if err := p.Add(cheap, false); !errors.Is(err, ErrGasPriceTooLow) {
		t.Fatalf("Add(gasprice 4) = %v, want ErrGasPriceTooLow", err)
	}
	if p.Len() != 0 {
		t.Fatalf("Len = %d after rejection, want 0", p.Len())
	}

	ok := buildTx(t, key, 1, 5)
	if err := p.Add(ok, false); err != nil {
		t.Fatalf("Add(gasprice 5) = %v", err)
	}
	if err := p.Add(ok, false); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Add = %v, want ErrAlreadyExists", err)
	}

	if err := p.Add(cheap, true); err != nil {
		t.Fatalf("forced Add below floor = %v", err)
	}
	if p.Len() != 2 {
		t.Errorf("Len = %d, want 2", p.Len())
	}
}

func TestPool_AddRejectsInvalid(t *testing.T) {
	p := New(0, 10)
	bad := buildTx(t, testKey(t), 0, 1)
	bad.Signature = nil
	if err := p.Add(bad, true); !errors.Is(err, ErrValidation) {
		t.Errorf("Add(unsigned) = %v, want ErrValidation", err)
	}
}

func TestPool_Full(t *testing.T) {
	key := testKey(t)
	p := New(0, 2)
	p.Add(buildTx(t, key, 0, 3), false)
	p.Add(buildTx(t, key, 1, 2), false)

	if err := p.Add(buildTx(t, key, 2, 1), false); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("Add to full pool with low price = %v, want ErrPoolFull", err)
	}
	rich := buildTx(t, key, 3, 9)
	if err := p.Add(rich, false); err != nil {
		t.Fatalf("Add with higher price = %v", err)
	}
	if p.Len() != 2 || !p.Has(rich.Hash()) {
		t.Error("higher priced tx should evict the cheapest")
	}
	for _, got := range p.Txs() {
		if got.GasPrice == 2 {
			t.Error("cheapest tx should have been evicted")
		}
	}
}

func TestPool_SnapshotIsolation(t *testing.T) {
	key := testKey(t)
	p := New(0, 10)
	a := buildTx(t, key, 0, 1)
	b := buildTx(t, key, 1, 1)
	p.Add(a, false)

	snap := p.Snapshot()
	p.Add(b, false)
	if snap.Has(b.Hash()) {
		t.Error("snapshot sees a transaction added to the source afterwards")
	}

	snap.Remove(a.Hash())
	if !p.Has(a.Hash()) {
		t.Error("removing from the snapshot changed the source")
	}
	if snap.Len() != 0 || p.Len() != 2 {
		t.Errorf("Len snapshot=%d source=%d, want 0 and 2", snap.Len(), p.Len())
	}
}

func TestPool_Diff(t *testing.T) {
	key := testKey(t)
	p := New(0, 10)
	a, b, c := buildTx(t, key, 0, 1), buildTx(t, key, 1, 1), buildTx(t, key, 2, 1)
	for _, x := range []*tx.Transaction{a, b, c} {
		p.Add(x, false)
	}

	rest := p.Diff([]*tx.Transaction{a, c})
	if rest.Len() != 1 || !rest.Has(b.Hash()) {
		t.Errorf("Diff left %d txs, want only b", rest.Len())
	}
	if p.Len() != 3 {
		t.Error("Diff must not modify the receiver")
	}
}

func TestPool_SelectForBlock(t *testing.T) {
	key := testKey(t)
	p := New(0, 10)
	low := buildTx(t, key, 0, 1)
	high := buildTx(t, key, 1, 7)
	midFirst := buildTx(t, key, 2, 4)
	midSecond := buildTx(t, key, 3, 4)
	for _, x := range []*tx.Transaction{low, high, midFirst, midSecond} {
		p.Add(x, false)
	}

	got := p.SelectForBlock(0)
	want := []*tx.Transaction{high, midFirst, midSecond, low}
	for i := range want {
		if got[i].Hash() != want[i].Hash() {
			t.Errorf("position %d: gasprice %d nonce %d, want gasprice %d nonce %d",
				i, got[i].GasPrice, got[i].Nonce, want[i].GasPrice, want[i].Nonce)
		}
	}
	if n := len(p.SelectForBlock(2)); n != 2 {
		t.Errorf("SelectForBlock(2) returned %d", n)
	}
}

func TestPool_PruneStale(t *testing.T) {
	key := testKey(t)
	p := New(0, 10)
	for n := uint64(0); n < 4; n++ {
		p.Add(buildTx(t, key, n, 1), false)
	}
	pruned := p.PruneStale(func(addr types.Address) uint64 {
		if addr == key.Address() {
			return 2
		}
		return 0
	})
	if pruned != 2 || p.Len() != 2 {
		t.Errorf("PruneStale pruned %d, left %d; want 2 and 2", pruned, p.Len())
	}
}

func TestPool_Evict(t *testing.T) {
	key := testKey(t)
	p := New(0, 10)
	for n := uint64(0); n < 5; n++ {
		p.Add(buildTx(t, key, n, n+1), false)
	}
	if got := p.Evict(2); got != 3 {
		t.Fatalf("Evict(2) = %d, want 3", got)
	}
	for _, x := range p.Txs() {
		if x.GasPrice < 4 {
			t.Errorf("kept gasprice %d, want only the two highest", x.GasPrice)
		}
	}
}

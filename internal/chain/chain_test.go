package chain

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-shardsim/internal/consensus"
	"github.com/Klingon-tech/klingnet-shardsim/internal/state"
	"github.com/Klingon-tech/klingnet-shardsim/internal/storage"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/tx"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

var testParams = state.Params{
	PeriodLength:     5,
	ShufflingCycle:   25,
	ShardCount:       4,
	WatchersPerShard: 2,
	RingReplicas:     20,
	DepositSize:      100,
	BlockReward:      1,
}

func genKeys(t *testing.T, n int) []*crypto.PrivateKey {
	t.Helper()
	keys := make([]*crypto.PrivateKey, n)
	for i := range keys {
		k, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		keys[i] = k
	}
	return keys
}

func newTestChain(t *testing.T, keys []*crypto.PrivateKey) *MainChain {
	t.Helper()
	gen := GenesisSpec{Timestamp: 1, Alloc: make(map[types.Address]uint64)}
	for _, k := range keys {
		gen.Alloc[k.Address()] = 1000
		gen.Validators = append(gen.Validators, k.PublicKey())
	}
	blk, st, err := BuildGenesis(gen, testParams)
	if err != nil {
		t.Fatalf("BuildGenesis: %v", err)
	}
	c, err := New(storage.NewMemory(), consensus.NewFastPath(), testParams, blk, st, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.AppendHeaderLogListener(c.CollectHeaderLogs)
	return c
}

// buildOn assembles a valid child of parent carrying txs.
func buildOn(t *testing.T, c *MainChain, parent *block.Block, coinbase types.Address, txs ...*tx.Transaction) *block.Block {
	t.Helper()
	st, ok := c.StateAt(parent.Hash())
	if !ok {
		t.Fatalf("no state for parent %d", parent.Number())
	}
	post := st.Clone()
	ts := parent.Header.Timestamp + 10
	post.Project(parent.Hash(), parent.Number()+1, ts, coinbase)
	for _, txn := range txs {
		if _, err := post.ApplyTransaction(txn); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	post.Finalize()
	return block.NewBlock(&block.Header{
		Version:   block.CurrentVersion,
		PrevHash:  parent.Hash(),
		Number:    parent.Number() + 1,
		Timestamp: ts,
		Coinbase:  coinbase,
		TxRoot:    block.TxRoot(txs),
		StateRoot: post.Root(),
	}, txs)
}

func extend(t *testing.T, c *MainChain, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		blk := buildOn(t, c, c.Head(), types.Address{})
		if err := c.AddBlock(blk); err != nil {
			t.Fatalf("AddBlock(%d): %v", blk.Number(), err)
		}
	}
}

func TestNew_Genesis(t *testing.T) {
	c := newTestChain(t, genKeys(t, 2))
	if c.Height() != 0 || c.HeadHash() != c.Genesis().Hash() {
		t.Fatal("fresh chain head should be genesis")
	}
	if !c.HasBlock(c.Genesis().Hash()) {
		t.Fatal("genesis not known")
	}
	if got := len(c.GetChain()); got != 1 {
		t.Fatalf("GetChain len = %d, want 1", got)
	}
	if c.State().NumValidators() != 2 {
		t.Fatalf("validators = %d, want 2", c.State().NumValidators())
	}
}

func TestNew_RejectsBadGenesisRoot(t *testing.T) {
	blk, st, err := BuildGenesis(GenesisSpec{Timestamp: 1}, testParams)
	if err != nil {
		t.Fatalf("BuildGenesis: %v", err)
	}
	st.Credit(types.Address{1}, 5)
	if _, err := New(storage.NewMemory(), consensus.NewFastPath(), testParams, blk, st, 0); err == nil {
		t.Fatal("expected genesis root mismatch")
	}
}

func TestAddBlock_Errors(t *testing.T) {
	c := newTestChain(t, nil)
	good := buildOn(t, c, c.Genesis(), types.Address{})
	if err := c.AddBlock(good); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	if err := c.AddBlock(good); !errors.Is(err, ErrKnownBlock) {
		t.Fatalf("re-add err = %v, want ErrKnownBlock", err)
	}

	badRoot := buildOn(t, c, good, types.Address{})
	badRoot.Header.StateRoot = types.Hash{0xff}
	if err := c.AddBlock(badRoot); !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("bad root err = %v, want ErrInvalidBlock", err)
	}

	badTime := buildOn(t, c, good, types.Address{})
	badTime.Header.Timestamp = good.Header.Timestamp
	if err := c.AddBlock(badTime); !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("bad timestamp err = %v, want ErrInvalidBlock", err)
	}

	badSeal := buildOn(t, c, good, types.Address{})
	badSeal.Header.Nonce = 7
	if err := c.AddBlock(badSeal); !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("bad seal err = %v, want ErrInvalidBlock", err)
	}
	if c.Height() != 1 {
		t.Fatalf("height = %d, want 1", c.Height())
	}
}

func TestAddBlock_Orphan(t *testing.T) {
	c := newTestChain(t, nil)
	// Build on a scratch chain so both blocks exist before insertion.
	scratch := newTestChain(t, nil)
	b1 := buildOn(t, scratch, scratch.Genesis(), types.Address{})
	if err := scratch.AddBlock(b1); err != nil {
		t.Fatalf("scratch AddBlock: %v", err)
	}
	b2 := buildOn(t, scratch, b1, types.Address{})

	if err := c.AddBlock(b2); !errors.Is(err, ErrUnknownParent) {
		t.Fatalf("orphan err = %v, want ErrUnknownParent", err)
	}
	if c.OrphanCount() != 1 || c.HasBlock(b2.Hash()) {
		t.Fatal("orphan should be parked, not inserted")
	}
	if err := c.AddBlock(b1); err != nil {
		t.Fatalf("AddBlock(parent): %v", err)
	}
	if c.HeadHash() != b2.Hash() || c.OrphanCount() != 0 {
		t.Fatal("orphan was not connected")
	}
}

func TestAddBlock_ForkChoice(t *testing.T) {
	c := newTestChain(t, nil)
	a1 := buildOn(t, c, c.Genesis(), types.Address{0xa})
	b1 := buildOn(t, c, c.Genesis(), types.Address{0xb})
	if err := c.AddBlock(a1); err != nil {
		t.Fatalf("AddBlock(a1): %v", err)
	}
	if err := c.AddBlock(b1); err != nil {
		t.Fatalf("AddBlock(b1): %v", err)
	}
	if c.HeadHash() != a1.Hash() {
		t.Fatal("equal-height fork should keep the first seen head")
	}

	b2 := buildOn(t, c, b1, types.Address{0xb})
	if err := c.AddBlock(b2); err != nil {
		t.Fatalf("AddBlock(b2): %v", err)
	}
	if c.HeadHash() != b2.Hash() {
		t.Fatal("longer fork should become head")
	}
	if h, _ := c.BlockHashAt(1); h != b1.Hash() {
		t.Fatalf("canonical[1] = %s, want %s", h.Short(), b1.Hash().Short())
	}
	chain := c.GetChain()
	if len(chain) != 3 || chain[2].Hash() != b2.Hash() {
		t.Fatalf("GetChain len = %d, want 3 ending at b2", len(chain))
	}
}

func TestPeriodHelpers(t *testing.T) {
	c := newTestChain(t, nil)
	extend(t, c, 4)
	if got := c.GetExpectedPeriodNumber(); got != 1 {
		t.Fatalf("GetExpectedPeriodNumber at head 4 = %d, want 1", got)
	}
	want, _ := c.BlockHashAt(4)
	got, ok := c.GetPeriodStartPrevhash(1)
	if !ok || got != want {
		t.Fatalf("GetPeriodStartPrevhash(1) = %s, want %s", got.Short(), want.Short())
	}
	if _, ok := c.GetPeriodStartPrevhash(0); ok {
		t.Fatal("period 0 has no start prevhash")
	}
	if _, ok := c.GetPeriodStartPrevhash(2); ok {
		t.Fatal("future period has no start prevhash")
	}
}

func TestEphemeralState(t *testing.T) {
	c := newTestChain(t, nil)
	extend(t, c, 2)
	st := c.EphemeralState(999)
	if st.BlockNumber() != 3 || st.Timestamp() != 999 {
		t.Fatalf("ephemeral = (%d, %d), want (3, 999)", st.BlockNumber(), st.Timestamp())
	}
	if c.State().BlockNumber() != 2 {
		t.Fatal("EphemeralState modified the head state")
	}
}

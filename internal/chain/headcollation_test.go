package chain

import (
	"testing"

	"github.com/Klingon-tech/klingnet-shardsim/internal/state"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/collation"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/tx"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// makeCollation signs a collation for the next block's period with the
// sampled collator's key.
func makeCollation(t *testing.T, c *MainChain, keys []*crypto.PrivateKey, id types.ShardID,
	parent types.Hash, number uint64) (*collation.Collation, *crypto.PrivateKey) {
	t.Helper()
	st := c.EphemeralState(c.Head().Header.Timestamp + 10)
	period := st.CurrentPeriod()
	psp, ok := st.PeriodStartPrevhash(period)
	if !ok {
		t.Fatalf("no period start prevhash for period %d", period)
	}
	var key *crypto.PrivateKey
	for _, k := range keys {
		if state.ValidationCodeAddress(k.Address()) == st.Sample(id) {
			key = k
		}
	}
	if key == nil {
		t.Fatal("no sampled collator key")
	}
	h := &collation.Header{
		ShardID:              id,
		ExpectedPeriodNumber: period,
		PeriodStartPrevhash:  psp,
		ParentCollationHash:  parent,
		Number:               number,
		TxListRoot:           block.TxRoot(nil),
		Coinbase:             key.Address(),
	}
	if err := h.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return collation.New(h, nil), key
}

func includeHeader(t *testing.T, c *MainChain, col *collation.Collation, key *crypto.PrivateKey) *block.Block {
	t.Helper()
	txn, err := tx.NewAddHeader(key, c.State().Nonce(key.Address()), 1, col.Header.Encode())
	if err != nil {
		t.Fatalf("NewAddHeader: %v", err)
	}
	blk := buildOn(t, c, c.Head(), types.Address{}, txn)
	if err := c.AddBlock(blk); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	return blk
}

func addCollation(t *testing.T, c *MainChain, col *collation.Collation) bool {
	t.Helper()
	sh, ok := c.Shard(col.ShardID())
	if !ok {
		t.Fatalf("shard %d not initialized", col.ShardID())
	}
	psb, _ := c.GetBlock(col.Header.PeriodStartPrevhash)
	return sh.AddCollation(col, psb, c.HandleIgnoredCollation, c.UpdateHeadCollationOfBlock)
}

func TestInitShard(t *testing.T) {
	c := newTestChain(t, nil)
	if c.HasShard(3) {
		t.Fatal("shard should not exist yet")
	}
	sh := c.InitShard(3)
	if c.InitShard(3) != sh {
		t.Fatal("InitShard should return the existing tree")
	}
	if !c.HasShard(3) {
		t.Fatal("shard missing after InitShard")
	}
}

func TestHeaderLogs_AndReorganize(t *testing.T) {
	keys := genKeys(t, 4)
	c := newTestChain(t, keys)
	sh := c.InitShard(3)
	extend(t, c, 5)

	col, key := makeCollation(t, c, keys, 3, types.Hash{}, 1)
	if !addCollation(t, c, col) {
		t.Fatal("AddCollation = false, want true")
	}
	if !sh.HeadHash().IsZero() {
		t.Fatal("shard head must not move before the header is included")
	}

	blk := includeHeader(t, c, col, key)
	logs := c.ParseHeaderInclusionLogs()
	ref, ok := logs[3]
	if !ok || ref.CollationHash != col.Hash() {
		t.Fatalf("logs = %v, want entry for shard 3", logs)
	}
	if again := c.ParseHeaderInclusionLogs(); len(again) != 0 {
		t.Fatal("ParseHeaderInclusionLogs should drain the buffer")
	}

	if err := c.ReorganizeHeadCollation(3, blk, ref); err != nil {
		t.Fatalf("ReorganizeHeadCollation: %v", err)
	}
	if sh.HeadHash() != col.Hash() {
		t.Fatalf("shard head = %s, want %s", sh.HeadHash().Short(), col.Hash().Short())
	}
	if h, _ := c.HeadCollation(blk.Hash(), 3); h != col.Hash() {
		t.Fatal("head collation not recorded for block")
	}

	// Reconciling the same block again without a reference keeps its record.
	if err := c.ReorganizeHeadCollation(3, blk, nil); err != nil {
		t.Fatalf("ReorganizeHeadCollation: %v", err)
	}
	if h, _ := c.HeadCollation(blk.Hash(), 3); h != col.Hash() || sh.HeadHash() != col.Hash() {
		t.Fatal("included head collation overwritten by a reconcile without reference")
	}

	// A child block without a log keeps the parent's head collation.
	extend(t, c, 1)
	if err := c.ReorganizeHeadCollation(3, c.Head(), nil); err != nil {
		t.Fatalf("ReorganizeHeadCollation: %v", err)
	}
	if sh.HeadHash() != col.Hash() {
		t.Fatal("shard head lost after an empty block")
	}
}

func TestUpdateHeadCollationOfBlock_LateCollation(t *testing.T) {
	keys := genKeys(t, 4)
	c := newTestChain(t, keys)
	sh := c.InitShard(1)
	extend(t, c, 5)

	col, key := makeCollation(t, c, keys, 1, types.Hash{}, 1)
	blk := includeHeader(t, c, col, key)
	if err := c.ReorganizeHeadCollation(1, blk, c.ParseHeaderInclusionLogs()[1]); err != nil {
		t.Fatalf("ReorganizeHeadCollation: %v", err)
	}
	if !sh.HeadHash().IsZero() {
		t.Fatal("head cannot move to a collation the shard does not have")
	}

	// The body arrives after its header was included.
	if !addCollation(t, c, col) {
		t.Fatal("AddCollation = false, want true")
	}
	if sh.HeadHash() != col.Hash() {
		t.Fatal("included collation should become head on arrival")
	}
}

func TestHandleIgnoredCollation_Retry(t *testing.T) {
	keys := genKeys(t, 4)
	c := newTestChain(t, keys)
	sh := c.InitShard(2)
	extend(t, c, 5)

	parent, key := makeCollation(t, c, keys, 2, types.Hash{}, 1)
	includeHeader(t, c, parent, key)
	extend(t, c, 4) // into period 2

	child, _ := makeCollation(t, c, keys, 2, parent.Hash(), 2)
	if addCollation(t, c, child) {
		t.Fatal("child without parent should be ignored")
	}
	if sh.Has(child.Hash()) {
		t.Fatal("ignored child must not be inserted")
	}

	if !addCollation(t, c, parent) {
		t.Fatal("AddCollation(parent) = false, want true")
	}
	if !sh.Has(child.Hash()) {
		t.Fatal("parked child not retried after parent arrived")
	}
}

// scratchWithHeader builds genesis..5 on a scratch chain and a sixth block
// including a shard 3 collation.
func scratchWithHeader(t *testing.T, keys []*crypto.PrivateKey) ([]*block.Block, *collation.Collation) {
	t.Helper()
	scratch := newTestChain(t, keys)
	extend(t, scratch, 5)
	col, key := makeCollation(t, scratch, keys, 3, types.Hash{}, 1)
	includeHeader(t, scratch, col, key)
	return scratch.GetChain(), col
}

func TestDrainInclusions_OrphanOrder(t *testing.T) {
	keys := genKeys(t, 4)
	blocks, col := scratchWithHeader(t, keys)
	c := newTestChain(t, keys)
	sh := c.InitShard(3)
	for _, b := range blocks[1:5] {
		if err := c.AddBlock(b); err != nil {
			t.Fatalf("AddBlock(%d): %v", b.Number(), err)
		}
	}
	c.DrainInclusions()

	if !addCollation(t, c, col) {
		t.Fatal("AddCollation = false, want true")
	}
	if err := c.AddBlock(blocks[6]); err == nil {
		t.Fatal("block 6 should wait for its parent")
	}
	if err := c.AddBlock(blocks[5]); err != nil {
		t.Fatalf("AddBlock(5): %v", err)
	}

	incs := c.DrainInclusions()
	if len(incs) != 2 || incs[0].Block.Hash() != blocks[5].Hash() || incs[1].Block.Hash() != blocks[6].Hash() {
		t.Fatalf("inclusions = %d, want blocks 5 and 6 in order", len(incs))
	}
	if len(incs[0].Refs()) != 0 {
		t.Fatal("block 5 carries no header")
	}
	ref := incs[1].Refs()[3]
	if ref == nil || ref.CollationHash != col.Hash() {
		t.Fatal("connected orphan lost its header log")
	}
	for _, in := range incs {
		if err := c.ReorganizeHeadCollation(3, in.Block, in.Refs()[3]); err != nil {
			t.Fatalf("ReorganizeHeadCollation: %v", err)
		}
	}
	if sh.HeadHash() != col.Hash() {
		t.Fatalf("shard head = %s, want %s", sh.HeadHash().Short(), col.Hash().Short())
	}
}

func TestHandleUnanchoredCollation_Retry(t *testing.T) {
	keys := genKeys(t, 4)
	blocks, col := scratchWithHeader(t, keys)
	c := newTestChain(t, keys)
	sh := c.InitShard(3)
	for _, b := range blocks[1:4] {
		if err := c.AddBlock(b); err != nil {
			t.Fatalf("AddBlock(%d): %v", b.Number(), err)
		}
	}
	if col.Header.PeriodStartPrevhash != blocks[4].Hash() {
		t.Fatal("collation should be anchored to block 4")
	}

	c.HandleUnanchoredCollation(col)
	c.HandleUnanchoredCollation(col)
	if got := c.UnanchoredCount(); got != 1 {
		t.Fatalf("UnanchoredCount = %d, want 1", got)
	}
	if sh.Has(col.Hash()) {
		t.Fatal("unanchored collation must not be inserted")
	}

	if err := c.AddBlock(blocks[4]); err != nil {
		t.Fatalf("AddBlock(4): %v", err)
	}
	if !sh.Has(col.Hash()) {
		t.Fatal("parked collation not retried after its period start block arrived")
	}
	if got := c.UnanchoredCount(); got != 0 {
		t.Fatalf("UnanchoredCount = %d, want 0", got)
	}
}

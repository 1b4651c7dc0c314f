package state

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/collation"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/tx"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

var testParams = Params{
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

// newTestState registers every key as a validator and advances to block number.
func newTestState(t *testing.T, keys []*crypto.PrivateKey, number uint64) *State {
	t.Helper()
	s := New(testParams)
	for _, k := range keys {
		s.Credit(k.Address(), 1000)
		if _, err := s.RegisterValidator(ValidationCodeAddress(k.Address()), k.Address(), k.PublicKey(), testParams.DepositSize); err != nil {
			t.Fatalf("RegisterValidator: %v", err)
		}
	}
	for n := uint64(1); n <= number; n++ {
		s.Project(crypto.Hash([]byte{byte(n - 1)}), n, n*10, types.Address{})
	}
	return s
}

func collatorKey(t *testing.T, s *State, keys []*crypto.PrivateKey, shard types.ShardID) *crypto.PrivateKey {
	t.Helper()
	want := s.Sample(shard)
	for _, k := range keys {
		if ValidationCodeAddress(k.Address()) == want {
			return k
		}
	}
	t.Fatalf("no key for sampled collator %s", want)
	return nil
}

func headerTx(t *testing.T, s *State, key *crypto.PrivateKey, shard types.ShardID, parent types.Hash, number uint64) *tx.Transaction {
	t.Helper()
	period := s.CurrentPeriod()
	psp, _ := s.PeriodStartPrevhash(period)
	h := &collation.Header{
		ShardID:              shard,
		ExpectedPeriodNumber: period,
		PeriodStartPrevhash:  psp,
		ParentCollationHash:  parent,
		Number:               number,
		Coinbase:             key.Address(),
	}
	if err := h.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	txn, err := tx.NewAddHeader(key, s.Nonce(key.Address()), 1, h.Encode())
	if err != nil {
		t.Fatalf("NewAddHeader: %v", err)
	}
	return txn
}

func TestPeriodStartPrevhash(t *testing.T) {
	s := newTestState(t, nil, 7)
	if _, ok := s.PeriodStartPrevhash(0); ok {
		t.Fatal("period 0 should have no start prevhash")
	}
	got, ok := s.PeriodStartPrevhash(1)
	if !ok {
		t.Fatal("period 1 start prevhash missing")
	}
	if want := crypto.Hash([]byte{4}); got != want {
		t.Fatalf("PeriodStartPrevhash(1) = %s, want %s", got, want)
	}
	if _, ok := s.PeriodStartPrevhash(2); ok {
		t.Fatal("future period should have no start prevhash")
	}
}

func TestProject_PrunesWindow(t *testing.T) {
	s := New(testParams)
	for n := uint64(1); n <= BlockHashWindow+10; n++ {
		s.Project(crypto.Hash([]byte{byte(n)}), n, n, types.Address{})
	}
	if _, ok := s.BlockHash(5); ok {
		t.Fatal("block hash outside the window should be pruned")
	}
	if _, ok := s.BlockHash(BlockHashWindow + 9); !ok {
		t.Fatal("latest block hash missing")
	}
}

func TestShardList_MatchesWatchers(t *testing.T) {
	keys := genKeys(t, 5)
	s := newTestState(t, keys, 5)
	for shard := types.ShardID(0); shard < types.ShardID(testParams.ShardCount); shard++ {
		ws := s.Watchers(shard)
		if len(ws) != testParams.WatchersPerShard {
			t.Fatalf("shard %d watchers = %d, want %d", shard, len(ws), testParams.WatchersPerShard)
		}
		for _, w := range ws {
			if !s.ShardList(w)[shard] {
				t.Fatalf("ShardList(%s)[%d] = false for a watcher", w, shard)
			}
		}
	}
}

func TestSample_IsWatcher(t *testing.T) {
	keys := genKeys(t, 5)
	s := newTestState(t, keys, 5)
	for shard := types.ShardID(0); shard < types.ShardID(testParams.ShardCount); shard++ {
		got := s.Sample(shard)
		if got != s.Clone().Sample(shard) {
			t.Fatal("Sample not deterministic")
		}
		found := false
		for _, w := range s.Watchers(shard) {
			found = found || w == got
		}
		if !found {
			t.Fatalf("sampled %s is not a watcher of shard %d", got, shard)
		}
	}
}

func TestSample_NoValidators(t *testing.T) {
	s := newTestState(t, nil, 5)
	if got := s.Sample(0); !got.IsZero() {
		t.Fatalf("Sample with empty registry = %s, want zero", got)
	}
}

func TestApply_Transfer(t *testing.T) {
	keys := genKeys(t, 2)
	s := newTestState(t, keys, 1)
	from, to := keys[0].Address(), keys[1].Address()

	txn, _ := tx.NewTransfer(keys[0], 0, 1, to, 300)
	if _, err := s.ApplyTransaction(txn); err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	if s.Balance(from) != 700 || s.Balance(to) != 1300 {
		t.Fatalf("balances = %d/%d, want 700/1300", s.Balance(from), s.Balance(to))
	}
	if s.Nonce(from) != 1 {
		t.Fatalf("nonce = %d, want 1", s.Nonce(from))
	}

	// Replay has a stale nonce.
	if _, err := s.ApplyTransaction(txn); !errors.Is(err, ErrBadNonce) {
		t.Fatalf("replay err = %v, want ErrBadNonce", err)
	}
	big, _ := tx.NewTransfer(keys[0], 1, 1, to, 5000)
	if _, err := s.ApplyTransaction(big); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("overdraft err = %v, want ErrInsufficientBalance", err)
	}
	if s.Nonce(from) != 1 {
		t.Fatal("failed transaction must not bump the nonce")
	}
}

func TestApply_DepositWithdraw(t *testing.T) {
	key := genKeys(t, 1)[0]
	s := New(testParams)
	s.Credit(key.Address(), 250)
	code := ValidationCodeAddress(key.Address())

	bad, _ := tx.NewDeposit(key, 0, 1, 50, code)
	if _, err := s.ApplyTransaction(bad); !errors.Is(err, ErrBadDeposit) {
		t.Fatalf("short deposit err = %v, want ErrBadDeposit", err)
	}

	dep, _ := tx.NewDeposit(key, 0, 1, testParams.DepositSize, code)
	if _, err := s.ApplyTransaction(dep); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	idx, ok := s.ValidatorIndex(code)
	if !ok || s.NumValidators() != 1 {
		t.Fatal("deposit did not register the validator")
	}
	if s.Balance(key.Address()) != 150 {
		t.Fatalf("balance after deposit = %d, want 150", s.Balance(key.Address()))
	}

	again, _ := tx.NewDeposit(key, 1, 1, testParams.DepositSize, code)
	if _, err := s.ApplyTransaction(again); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("double deposit err = %v, want ErrAlreadyRegistered", err)
	}

	other := genKeys(t, 1)[0]
	forged, _ := other.SignHash(tx.WithdrawDigest)
	wBad, _ := tx.NewWithdraw(key, 1, 1, idx, forged)
	if _, err := s.ApplyTransaction(wBad); !errors.Is(err, ErrBadWithdrawSig) {
		t.Fatalf("forged withdraw err = %v, want ErrBadWithdrawSig", err)
	}

	sig, _ := key.SignHash(tx.WithdrawDigest)
	w, _ := tx.NewWithdraw(key, 1, 1, idx, sig)
	if _, err := s.ApplyTransaction(w); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if s.NumValidators() != 0 || s.Validator(idx) != nil {
		t.Fatal("withdraw did not clear the slot")
	}
	if s.Balance(key.Address()) != 250 {
		t.Fatalf("balance after withdraw = %d, want 250", s.Balance(key.Address()))
	}
}

func TestApply_AddHeader(t *testing.T) {
	keys := genKeys(t, 4)
	s := newTestState(t, keys, 5)
	key := collatorKey(t, s, keys, 1)

	r, err := s.ApplyTransaction(headerTx(t, s, key, 1, types.Hash{}, 1))
	if err != nil {
		t.Fatalf("add_header: %v", err)
	}
	if len(r.Logs) != 1 || r.Logs[0].Topic != AddHeaderTopic {
		t.Fatalf("logs = %+v, want one add_header log", r.Logs)
	}
	rec, ok := s.HeaderRecord(1, r.Logs[0].CollationHash)
	if !ok || rec.Number != 1 || rec.Period != 1 {
		t.Fatalf("record = %+v, want number 1 period 1", rec)
	}

	// Second header for the same period.
	if _, err := s.ApplyTransaction(headerTx(t, s, key, 1, rec.Hash, 2)); !errors.Is(err, ErrPeriodUsed) {
		t.Fatalf("second header err = %v, want ErrPeriodUsed", err)
	}
}

func TestApply_AddHeaderRejects(t *testing.T) {
	keys := genKeys(t, 4)
	s := newTestState(t, keys, 5)
	key := collatorKey(t, s, keys, 2)

	var notCollator *crypto.PrivateKey
	for _, k := range keys {
		if ValidationCodeAddress(k.Address()) != s.Sample(2) {
			notCollator = k
			break
		}
	}

	tests := []struct {
		name string
		txn  *tx.Transaction
		want error
	}{
		{"unknown parent", headerTx(t, s, key, 2, crypto.Hash([]byte("x")), 2), ErrBadHeader},
		{"bad number", headerTx(t, s, key, 2, types.Hash{}, 3), ErrBadHeader},
		{"shard out of range", headerTx(t, s, key, 9, types.Hash{}, 1), ErrBadHeader},
		{"not collator", headerTx(t, s, notCollator, 2, types.Hash{}, 1), ErrNotCollator},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.ApplyTransaction(tt.txn); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if s.HeaderCount(2) != 0 {
		t.Fatal("rejected headers must not be recorded")
	}
}

func TestBestHeader(t *testing.T) {
	keys := genKeys(t, 4)
	s := newTestState(t, keys, 5)
	key := collatorKey(t, s, keys, 0)
	r, err := s.ApplyTransaction(headerTx(t, s, key, 0, types.Hash{}, 1))
	if err != nil {
		t.Fatalf("add_header: %v", err)
	}
	best, ok := s.BestHeader(0)
	if !ok || best.Hash != r.Logs[0].CollationHash {
		t.Fatalf("BestHeader = %+v, want %s", best, r.Logs[0].CollationHash)
	}
	if _, ok := s.BestHeader(3); ok {
		t.Fatal("BestHeader on empty shard should be false")
	}
}

func TestClone_Independent(t *testing.T) {
	keys := genKeys(t, 2)
	s := newTestState(t, keys, 1)
	root := s.Root()

	c := s.Clone()
	txn, _ := tx.NewTransfer(keys[0], 0, 1, keys[1].Address(), 10)
	if _, err := c.ApplyTransaction(txn); err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	if s.Root() != root {
		t.Fatal("mutating the clone changed the original")
	}
	if c.Root() == root {
		t.Fatal("clone root should change after a transfer")
	}
}

func TestFinalize_Reward(t *testing.T) {
	s := New(testParams)
	cb := types.Address{1}
	s.Project(types.Hash{}, 1, 1, cb)
	s.Finalize()
	if s.Balance(cb) != testParams.BlockReward {
		t.Fatalf("coinbase balance = %d, want %d", s.Balance(cb), testParams.BlockReward)
	}
}

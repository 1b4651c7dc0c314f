// Package validator implements the per-tick decision engine of a sharded
// network participant: main-chain block production, shard collation,
// shard head synchronization, header relay and message routing.
package validator

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/Klingon-tech/klingnet-shardsim/internal/chain"
	"github.com/Klingon-tech/klingnet-shardsim/internal/diag"
	"github.com/Klingon-tech/klingnet-shardsim/internal/log"
	"github.com/Klingon-tech/klingnet-shardsim/internal/mempool"
	"github.com/Klingon-tech/klingnet-shardsim/internal/miner"
	"github.com/Klingon-tech/klingnet-shardsim/internal/seen"
	"github.com/Klingon-tech/klingnet-shardsim/internal/state"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/tx"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/wire"
	"github.com/rs/zerolog"
)

// ErrInvariant marks an internal consistency failure. A validator that
// returns it must not be ticked again.
var ErrInvariant = errors.New("validator invariant violated")

// ErrUnknownShard is returned for operations on a shard that is not watched.
var ErrUnknownShard = errors.New("shard not watched")

func invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// Network delivers objects to the other validators.
type Network interface {
	Broadcast(sender int, msg wire.Message)
}

// Params configures a validator.
type Params struct {
	ID  int
	Key *crypto.PrivateKey

	// MinGasPrice is the floor for received transactions.
	MinGasPrice uint64
	// RelayGasPrice is offered by add_header transactions.
	RelayGasPrice uint64
	PoolSize      int

	// TimePrecision is the number of timestamp units per clock second.
	TimePrecision float64
	// TimeJitter bounds the local clock offset to ±TimeJitter/2.
	TimeJitter int64
	// Lookahead is added to the local time for eligibility queries. It only
	// moves the projected state's timestamp: sampling and shard lists depend
	// on the block number and period-start hash.
	Lookahead int64

	// MiningMean is the mean delay between block attempts, in seconds.
	MiningMean           float64
	BlockSuccessProb     float64
	CollationSuccessProb float64

	MaxBlockTxs int
}

// DefaultParams returns production-like defaults for validator id.
func DefaultParams(id int, key *crypto.PrivateKey) Params {
	return Params{
		ID:                   id,
		Key:                  key,
		MinGasPrice:          1,
		RelayGasPrice:        1,
		PoolSize:             mempool.DefaultMaxSize,
		TimePrecision:        100,
		TimeJitter:           50,
		Lookahead:            14,
		MiningMean:           5,
		BlockSuccessProb:     1,
		CollationSuccessProb: 1,
	}
}

// ShardWatchState is the validator's view of one shard.
type ShardWatchState struct {
	ID     types.ShardID
	Active bool
	Pool   *mempool.Pool

	usedParents map[types.Hash]struct{}
	headHash    types.Hash
	periodHead  uint64
}

// PeriodHead returns the last period a collation was claimed for.
func (s *ShardWatchState) PeriodHead() uint64 { return s.periodHead }

// HeadHash returns the cached shard head.
func (s *ShardWatchState) HeadHash() types.Hash { return s.headHash }

// UsedParent reports whether a collation was attempted on parent.
func (s *ShardWatchState) UsedParent(parent types.Hash) bool {
	_, ok := s.usedParents[parent]
	return ok
}

type mainWatch struct {
	usedParents map[types.Hash]struct{}
	head        types.Hash
	lastCycle   int64
	watched     map[types.ShardID]struct{}
	next        int64
	state       MainState
}

// Validator is one simulated network participant. It is not safe for
// concurrent use; the driver serializes Tick and OnReceive.
type Validator struct {
	params   Params
	id       int
	key      *crypto.PrivateKey
	addr     types.Address
	codeAddr types.Address

	chain  *chain.MainChain
	net    Network
	clock  Clock
	time   *TimeSource
	rng    *rand.Rand
	elig   Eligibility
	miner  *miner.Miner
	diag   *diag.Recorder
	logger zerolog.Logger

	pool     *mempool.Pool
	received *seen.Set
	verified map[uint64]types.Hash

	main   mainWatch
	shards map[types.ShardID]*ShardWatchState

	// Per-tick scratch.
	headNonce uint64
	scratch   *state.State
}

// New creates a validator over its own chain instance. rec may be nil.
func New(p Params, ch *chain.MainChain, net Network, clock Clock, rng *rand.Rand, rec *diag.Recorder) (*Validator, error) {
	if p.Key == nil {
		return nil, fmt.Errorf("validator %d: key is nil", p.ID)
	}
	if ch == nil || net == nil || clock == nil || rng == nil {
		return nil, fmt.Errorf("validator %d: missing collaborator", p.ID)
	}
	if p.TimePrecision <= 0 {
		return nil, fmt.Errorf("validator %d: time precision must be positive", p.ID)
	}
	if p.PoolSize <= 0 {
		p.PoolSize = mempool.DefaultMaxSize
	}
	if rec == nil {
		rec = diag.New()
	}

	addr := p.Key.Address()
	codeAddr := state.ValidationCodeAddress(addr)
	m := miner.New(ch, ch.Engine(), addr)
	if p.MaxBlockTxs > 0 {
		m.SetMaxTxs(p.MaxBlockTxs)
	}

	v := &Validator{
		params:   p,
		id:       p.ID,
		key:      p.Key,
		addr:     addr,
		codeAddr: codeAddr,
		chain:    ch,
		net:      net,
		clock:    clock,
		time:     NewTimeSource(clock, p.TimePrecision, p.TimeJitter, rng),
		rng:      rng,
		elig:     NewChainEligibility(ch, codeAddr, p.Lookahead),
		miner:    m,
		diag:     rec,
		logger:   log.WithValidator(p.ID),
		pool:     mempool.New(p.MinGasPrice, p.PoolSize),
		received: seen.NewDefault(),
		verified: make(map[uint64]types.Hash),
		main: mainWatch{
			usedParents: make(map[types.Hash]struct{}),
			head:        ch.HeadHash(),
			lastCycle:   -1,
			watched:     make(map[types.ShardID]struct{}),
		},
		shards: make(map[types.ShardID]*ShardWatchState),
	}
	v.received.Add(ch.Genesis().Hash())
	return v, nil
}

// SetEligibility replaces the eligibility source.
func (v *Validator) SetEligibility(e Eligibility) { v.elig = e }

// ID returns the validator id.
func (v *Validator) ID() int { return v.id }

// Address returns the validator's account address.
func (v *Validator) Address() types.Address { return v.addr }

// CodeAddress returns the validation-code address the validator is
// registered under.
func (v *Validator) CodeAddress() types.Address { return v.codeAddr }

// Chain returns the validator's main chain.
func (v *Validator) Chain() *chain.MainChain { return v.chain }

// TimeSource returns the validator's local clock.
func (v *Validator) TimeSource() *TimeSource { return v.time }

// Pool returns the main-chain transaction pool.
func (v *Validator) Pool() *mempool.Pool { return v.pool }

// MainState returns the outcome of the last main-chain evaluation.
func (v *Validator) MainState() MainState { return v.main.state }

// NextAttempt returns the earliest timestamp of the next block attempt.
func (v *Validator) NextAttempt() int64 { return v.main.next }

// Seen reports whether an object identity has been processed.
func (v *Validator) Seen(h types.Hash) bool { return v.received.Has(h) }

// ShardState returns the watch state of id, active or not.
func (v *Validator) ShardState(id types.ShardID) (*ShardWatchState, bool) {
	s, ok := v.shards[id]
	return s, ok
}

// Watched returns the active shards in ascending order.
func (v *Validator) Watched() []types.ShardID {
	out := make([]types.ShardID, 0, len(v.main.watched))
	for id := range v.main.watched {
		out = append(out, id)
	}
	sortShards(out)
	return out
}

func (v *Validator) isWatched(id types.ShardID) bool {
	_, ok := v.main.watched[id]
	return ok
}

// stamp adds the time fields every validator event carries.
func (v *Validator) stamp(e *zerolog.Event) *zerolog.Event {
	return e.Float64("net_time", v.clock.Now()).Int64("ts", v.time.Now())
}

// Tick runs one step: main-chain production, then each watched shard.
func (v *Validator) Tick() error {
	if err := v.tickMain(); err != nil {
		return err
	}
	v.initTickScratch()
	for _, id := range v.Watched() {
		if err := v.tickShard(id); err != nil {
			return err
		}
	}
	return nil
}

// NewShard starts watching id. Existing watch state is reactivated and the
// shard head is reconciled against the current chain head.
func (v *Validator) NewShard(id types.ShardID) error {
	if uint32(id) >= v.chain.Params().ShardCount {
		return fmt.Errorf("shard %d out of range", id)
	}
	v.chain.InitShard(id)
	s, ok := v.shards[id]
	if !ok {
		s = &ShardWatchState{
			ID:          id,
			Pool:        mempool.New(v.params.MinGasPrice, v.params.PoolSize),
			usedParents: make(map[types.Hash]struct{}),
		}
		v.shards[id] = s
	}
	s.Active = true
	v.main.watched[id] = struct{}{}

	if err := v.chain.ReorganizeHeadCollation(id, v.chain.Head(), nil); err != nil {
		return invariant("reconcile shard %d: %v", id, err)
	}
	v.updateShardHead(id)
	v.stamp(v.logger.Debug()).Uint32("shard", uint32(id)).Bool("new", !ok).Msg("Watching shard")
	return nil
}

// SubmitShardTransaction queues t for the next collation on shard id.
func (v *Validator) SubmitShardTransaction(id types.ShardID, t *tx.Transaction) error {
	s, ok := v.shards[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownShard, id)
	}
	return s.Pool.Add(t, false)
}

// Deposit submits a deposit registering this validator.
func (v *Validator) Deposit(gasPrice uint64) error {
	st := v.chain.State()
	t, err := tx.NewDeposit(v.key, st.Nonce(v.addr), gasPrice, st.Params().DepositSize, v.codeAddr)
	if err != nil {
		return fmt.Errorf("build deposit: %w", err)
	}
	return v.submit(t, "Deposit submitted")
}

// Withdraw submits a withdrawal of this validator's deposit.
func (v *Validator) Withdraw(gasPrice uint64) error {
	st := v.chain.State()
	idx, ok := st.ValidatorIndex(v.codeAddr)
	if !ok {
		return fmt.Errorf("%w: %s", state.ErrUnknownValidator, v.codeAddr)
	}
	sig, err := v.key.SignHash(tx.WithdrawDigest)
	if err != nil {
		return fmt.Errorf("sign withdraw: %w", err)
	}
	t, err := tx.NewWithdraw(v.key, st.Nonce(v.addr), gasPrice, idx, sig)
	if err != nil {
		return fmt.Errorf("build withdraw: %w", err)
	}
	return v.submit(t, "Withdraw submitted")
}

func (v *Validator) submit(t *tx.Transaction, msg string) error {
	if err := v.pool.Add(t, true); err != nil {
		return err
	}
	v.received.Add(t.Hash())
	v.net.Broadcast(v.id, wire.NewTransaction(t))
	v.stamp(v.logger.Info()).
		Str("tx", t.Hash().Short()).
		Uint64("nonce", t.Nonce).
		Msg(msg)
	return nil
}

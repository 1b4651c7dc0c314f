package state

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/collation"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/tx"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// AddHeaderTopic tags the log emitted for every accepted collation header.
var AddHeaderTopic = crypto.Hash([]byte("CollationAdded(shard,hash,parent,number,period,proposer)"))

// Execution errors.
var (
	ErrInvalidTx           = errors.New("invalid transaction")
	ErrBadNonce            = errors.New("bad nonce")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBadDeposit          = errors.New("deposit must equal the deposit size")
	ErrBadWithdrawSig      = errors.New("withdraw signature does not match validator key")
	ErrBadHeader           = errors.New("collation header rejected")
	ErrPeriodUsed          = errors.New("shard already has a header for this period")
	ErrNotCollator         = errors.New("proposer is not the sampled collator")
)

// Log is an event emitted during execution.
type Log struct {
	Topic         types.Hash
	ShardID       types.ShardID
	CollationHash types.Hash
	ParentHash    types.Hash
	Number        uint64
	Period        uint64
	Proposer      types.Address
}

// Receipt is the result of a successfully applied transaction.
type Receipt struct {
	TxHash types.Hash
	Output []byte
	Logs   []Log
}

// ApplyTransaction executes t. On error the state is unchanged.
func (s *State) ApplyTransaction(t *tx.Transaction) (*Receipt, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	sender := t.Sender()
	if want := s.nonces[sender]; t.Nonce != want {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadNonce, t.Nonce, want)
	}

	r := &Receipt{TxHash: t.Hash()}
	switch t.Kind {
	case tx.KindTransfer:
		if s.balances[sender] < t.Value {
			return nil, ErrInsufficientBalance
		}
		s.balances[sender] -= t.Value
		s.balances[t.To] += t.Value

	case tx.KindDeposit:
		code, err := t.DepositCodeAddress()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
		}
		if t.Value != s.params.DepositSize {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrBadDeposit, t.Value, s.params.DepositSize)
		}
		if s.balances[sender] < t.Value {
			return nil, ErrInsufficientBalance
		}
		idx, err := s.RegisterValidator(code, sender, t.PubKey, t.Value)
		if err != nil {
			return nil, err
		}
		s.balances[sender] -= t.Value
		r.Output = binary.BigEndian.AppendUint64(nil, idx)

	case tx.KindWithdraw:
		idx, sig, err := t.WithdrawArgs()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
		}
		rec := s.Validator(idx)
		if rec == nil {
			return nil, fmt.Errorf("%w %d", ErrUnknownValidator, idx)
		}
		if !crypto.VerifySignature(tx.WithdrawDigest[:], sig, rec.PubKey) {
			return nil, ErrBadWithdrawSig
		}
		if _, err := s.removeValidator(idx); err != nil {
			return nil, err
		}
		s.balances[rec.ReturnAddr] += rec.Deposit

	case tx.KindAddHeader:
		log, err := s.addHeader(t.Data)
		if err != nil {
			return nil, err
		}
		r.Output = []byte{1}
		r.Logs = append(r.Logs, log)

	default:
		return nil, fmt.Errorf("%w: kind %s", ErrInvalidTx, t.Kind)
	}

	s.nonces[sender]++
	return r, nil
}

// CheckHeader reports whether add_header would accept h at the current block.
// The state is not modified.
func (s *State) CheckHeader(h *collation.Header) error {
	if uint32(h.ShardID) >= s.params.ShardCount {
		return fmt.Errorf("%w: shard %d out of range", ErrBadHeader, h.ShardID)
	}
	period := s.CurrentPeriod()
	if h.ExpectedPeriodNumber != period {
		return fmt.Errorf("%w: period %d, current %d", ErrBadHeader, h.ExpectedPeriodNumber, period)
	}
	prev, ok := s.PeriodStartPrevhash(period)
	if !ok || prev != h.PeriodStartPrevhash {
		return fmt.Errorf("%w: period start prevhash mismatch", ErrBadHeader)
	}
	if last, used := s.lastPeriod[h.ShardID]; used && last >= period {
		return fmt.Errorf("%w: shard %d period %d", ErrPeriodUsed, h.ShardID, period)
	}
	var parentNumber uint64
	if !h.ParentCollationHash.IsZero() {
		parent, ok := s.headers[h.ShardID][h.ParentCollationHash]
		if !ok {
			return fmt.Errorf("%w: unknown parent %s", ErrBadHeader, h.ParentCollationHash.Short())
		}
		parentNumber = parent.Number
	}
	if h.Number != parentNumber+1 {
		return fmt.Errorf("%w: number %d, parent %d", ErrBadHeader, h.Number, parentNumber)
	}
	if !h.VerifySignature() {
		return fmt.Errorf("%w: bad proposer signature", ErrBadHeader)
	}
	if s.Sample(h.ShardID) != ValidationCodeAddress(h.Coinbase) {
		return ErrNotCollator
	}
	return nil
}

func (s *State) addHeader(data []byte) (Log, error) {
	h, err := collation.DecodeHeader(data)
	if err != nil {
		return Log{}, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if err := s.CheckHeader(h); err != nil {
		return Log{}, err
	}
	period := h.ExpectedPeriodNumber

	rec := &HeaderRecord{
		Hash:     h.Hash(),
		Parent:   h.ParentCollationHash,
		Number:   h.Number,
		Period:   period,
		Proposer: h.Coinbase,
	}
	if s.headers[h.ShardID] == nil {
		s.headers[h.ShardID] = make(map[types.Hash]*HeaderRecord)
	}
	s.headers[h.ShardID][rec.Hash] = rec
	s.lastPeriod[h.ShardID] = period

	return Log{
		Topic:         AddHeaderTopic,
		ShardID:       h.ShardID,
		CollationHash: rec.Hash,
		ParentHash:    rec.Parent,
		Number:        rec.Number,
		Period:        period,
		Proposer:      rec.Proposer,
	}, nil
}

package state

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// Registry errors.
var (
	ErrAlreadyRegistered = errors.New("validation code address already registered")
	ErrUnknownValidator  = errors.New("no validator at index")
)

// ValidationCodeAddress derives the validation-code address that identifies
// the validator controlled by addr.
func ValidationCodeAddress(addr types.Address) types.Address {
	h := crypto.HashParts([]byte("validation-code"), addr[:])
	var out types.Address
	copy(out[:], h[:types.AddressSize])
	return out
}

// RegisterValidator adds a validator record and returns its index.
// Used for genesis allocations and by deposit transactions.
func (s *State) RegisterValidator(codeAddr, returnAddr types.Address, pubKey []byte, deposit uint64) (uint64, error) {
	if _, ok := s.byCode[codeAddr]; ok {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyRegistered, codeAddr)
	}
	idx := len(s.validators)
	s.validators = append(s.validators, &ValidatorRecord{
		CodeAddr:   codeAddr,
		ReturnAddr: returnAddr,
		PubKey:     append([]byte(nil), pubKey...),
		Deposit:    deposit,
	})
	s.byCode[codeAddr] = idx
	return uint64(idx), nil
}

// removeValidator clears the slot at idx and returns the old record.
func (s *State) removeValidator(idx uint64) (*ValidatorRecord, error) {
	if idx >= uint64(len(s.validators)) || s.validators[idx] == nil {
		return nil, fmt.Errorf("%w %d", ErrUnknownValidator, idx)
	}
	rec := s.validators[idx]
	s.validators[idx] = nil
	delete(s.byCode, rec.CodeAddr)
	return rec, nil
}

// ValidatorIndex returns the registry index of codeAddr.
func (s *State) ValidatorIndex(codeAddr types.Address) (uint64, bool) {
	idx, ok := s.byCode[codeAddr]
	return uint64(idx), ok
}

// Validator returns the record at idx, or nil for an empty slot.
func (s *State) Validator(idx uint64) *ValidatorRecord {
	if idx >= uint64(len(s.validators)) {
		return nil
	}
	return s.validators[idx]
}

// NumValidators returns the number of active validators.
func (s *State) NumValidators() int {
	return len(s.byCode)
}

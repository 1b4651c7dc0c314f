package tx

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// ValidatorManager is the system account that deposit, withdraw and
// add_header transactions are addressed to.
var ValidatorManager = types.Address{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0a}

// WithdrawDigest is the message a validator signs to authorize its withdrawal.
var WithdrawDigest = crypto.Hash([]byte("validator-manager/withdraw"))

// ErrMalformedData is returned when a transaction payload cannot be decoded.
var ErrMalformedData = errors.New("malformed transaction data")

func build(key *crypto.PrivateKey, t *Transaction) (*Transaction, error) {
	if err := t.Sign(key); err != nil {
		return nil, err
	}
	return t, nil
}

// NewTransfer creates a signed value transfer.
func NewTransfer(key *crypto.PrivateKey, nonce, gasPrice uint64, to types.Address, value uint64) (*Transaction, error) {
	return build(key, &Transaction{Kind: KindTransfer, Nonce: nonce, GasPrice: gasPrice, To: to, Value: value})
}

// NewDeposit creates a signed deposit registering codeAddr as a validator.
func NewDeposit(key *crypto.PrivateKey, nonce, gasPrice, value uint64, codeAddr types.Address) (*Transaction, error) {
	return build(key, &Transaction{
		Kind:     KindDeposit,
		Nonce:    nonce,
		GasPrice: gasPrice,
		To:       ValidatorManager,
		Value:    value,
		Data:     codeAddr.Bytes(),
	})
}

// NewWithdraw creates a signed withdrawal for the validator at index.
// sig must be the validator's signature over WithdrawDigest.
func NewWithdraw(key *crypto.PrivateKey, nonce, gasPrice uint64, index uint64, sig []byte) (*Transaction, error) {
	data := binary.BigEndian.AppendUint64(nil, index)
	data = append(data, sig...)
	return build(key, &Transaction{
		Kind:     KindWithdraw,
		Nonce:    nonce,
		GasPrice: gasPrice,
		To:       ValidatorManager,
		Data:     data,
	})
}

// NewAddHeader creates a signed add_header transaction carrying an encoded
// collation header.
func NewAddHeader(key *crypto.PrivateKey, nonce, gasPrice uint64, header []byte) (*Transaction, error) {
	return build(key, &Transaction{
		Kind:     KindAddHeader,
		Nonce:    nonce,
		GasPrice: gasPrice,
		To:       ValidatorManager,
		Data:     append([]byte(nil), header...),
	})
}

// DepositCodeAddress extracts the validation-code address from a deposit payload.
func (tx *Transaction) DepositCodeAddress() (types.Address, error) {
	if tx.Kind != KindDeposit || len(tx.Data) != types.AddressSize {
		return types.Address{}, fmt.Errorf("%w: deposit payload", ErrMalformedData)
	}
	var a types.Address
	copy(a[:], tx.Data)
	return a, nil
}

// WithdrawArgs extracts the validator index and authorization signature.
func (tx *Transaction) WithdrawArgs() (uint64, []byte, error) {
	if tx.Kind != KindWithdraw || len(tx.Data) < 8 {
		return 0, nil, fmt.Errorf("%w: withdraw payload", ErrMalformedData)
	}
	return binary.BigEndian.Uint64(tx.Data[:8]), tx.Data[8:], nil
}

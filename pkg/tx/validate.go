package tx

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
)

// MaxDataSize bounds the payload carried by a single transaction.
const MaxDataSize = 16 * 1024

// Validation errors.
var (
	ErrUnknownKind     = errors.New("unknown transaction kind")
	ErrMissingPubKey   = errors.New("transaction missing public key")
	ErrMissingSig      = errors.New("transaction missing signature")
	ErrInvalidSig      = errors.New("invalid signature")
	ErrDataTooLarge    = errors.New("transaction data too large")
	ErrWrongRecipient  = errors.New("system transaction not addressed to validator manager")
	ErrZeroValueDeploy = errors.New("deposit carries no value")
)

// Validate checks transaction structure and the signature.
// It does NOT check nonces or balances (that requires the state).
func (tx *Transaction) Validate() error {
	if tx.Kind > KindAddHeader {
		return fmt.Errorf("%w: %d", ErrUnknownKind, tx.Kind)
	}
	if len(tx.PubKey) != crypto.PubKeySize {
		return ErrMissingPubKey
	}
	if len(tx.Signature) == 0 {
		return ErrMissingSig
	}
	if len(tx.Data) > MaxDataSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrDataTooLarge, len(tx.Data), MaxDataSize)
	}
	if tx.Kind != KindTransfer && tx.To != ValidatorManager {
		return fmt.Errorf("%s: %w", tx.Kind, ErrWrongRecipient)
	}
	if tx.Kind == KindDeposit && tx.Value == 0 {
		return ErrZeroValueDeploy
	}
	if !tx.VerifySignature() {
		return ErrInvalidSig
	}
	return nil
}

package keys

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/tyler-smith/go-bip32"
)

// BIP-44 derivation path constants.
// Validator i uses m/44'/8888'/0'/0/i.
const (
	PurposeBIP44     = bip32.FirstHardenedChild + 44
	CoinTypeShardsim = bip32.FirstHardenedChild + 8888
	ValidatorAccount = bip32.FirstHardenedChild + 0
	ChangeExternal   = 0
)

// HDKey is a BIP-32 hierarchical deterministic key.
type HDKey struct {
	key *bip32.Key
}

// NewMasterKey creates a master key from a 64-byte seed.
func NewMasterKey(seed []byte) (*HDKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	return &HDKey{key: master}, nil
}

// DerivePath derives a key along a sequence of indices.
// For hardened derivation, add bip32.FirstHardenedChild to an index.
func (k *HDKey) DerivePath(indices ...uint32) (*HDKey, error) {
	current := k.key
	for _, idx := range indices {
		child, err := current.NewChildKey(idx)
		if err != nil {
			return nil, fmt.Errorf("derive child %d: %w", idx, err)
		}
		current = child
	}
	return &HDKey{key: current}, nil
}

// Signer returns the secp256k1 signing key.
func (k *HDKey) Signer() (*crypto.PrivateKey, error) {
	if !k.key.IsPrivate {
		return nil, fmt.Errorf("cannot create signer from public key")
	}
	// bip32 Key.Key is 33 bytes with a leading 0x00 for private keys.
	raw := k.key.Key
	if len(raw) == 33 && raw[0] == 0 {
		raw = raw[1:]
	}
	return crypto.PrivateKeyFromBytes(raw)
}

// ValidatorKeys derives n validator signing keys from mnemonic.
func ValidatorKeys(mnemonic, passphrase string, n int) ([]*crypto.PrivateKey, error) {
	seed, err := SeedFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return nil, err
	}
	master, err := NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	account, err := master.DerivePath(PurposeBIP44, CoinTypeShardsim, ValidatorAccount, ChangeExternal)
	if err != nil {
		return nil, err
	}
	out := make([]*crypto.PrivateKey, n)
	for i := range out {
		child, err := account.DerivePath(uint32(i))
		if err != nil {
			return nil, fmt.Errorf("validator %d: %w", i, err)
		}
		if out[i], err = child.Signer(); err != nil {
			return nil, fmt.Errorf("validator %d: %w", i, err)
		}
	}
	return out, nil
}

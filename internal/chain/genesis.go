package chain

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-shardsim/internal/state"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// GenesisSpec describes the initial main-chain state.
type GenesisSpec struct {
	Timestamp uint64
	Alloc     map[types.Address]uint64
	// Validators are compressed public keys registered at genesis with
	// a full deposit each. The deposit is not taken from Alloc.
	Validators [][]byte
}

// BuildGenesis creates the genesis block and its post-state.
// The genesis block has number 0, a zero PrevHash and no transactions.
func BuildGenesis(gen GenesisSpec, params state.Params) (*block.Block, *state.State, error) {
	st := state.New(params)
	st.Project(types.Hash{}, 0, gen.Timestamp, types.Address{})

	addrs := make([]types.Address, 0, len(gen.Alloc))
	for a := range gen.Alloc {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })
	for _, a := range addrs {
		st.Credit(a, gen.Alloc[a])
	}

	for i, pub := range gen.Validators {
		if len(pub) != crypto.PubKeySize {
			return nil, nil, fmt.Errorf("genesis validator %d: bad public key length %d", i, len(pub))
		}
		addr := crypto.AddressFromPubKey(pub)
		if _, err := st.RegisterValidator(state.ValidationCodeAddress(addr), addr, pub, params.DepositSize); err != nil {
			return nil, nil, fmt.Errorf("genesis validator %d: %w", i, err)
		}
	}

	header := &block.Header{
		Version:   block.CurrentVersion,
		Timestamp: gen.Timestamp,
		TxRoot:    block.TxRoot(nil),
		StateRoot: st.Root(),
	}
	return block.NewBlock(header, nil), st, nil
}

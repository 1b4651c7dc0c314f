package validator

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-shardsim/internal/chain"
	"github.com/Klingon-tech/klingnet-shardsim/internal/state"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/block"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/crypto"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

type headlessChain struct{}

func (headlessChain) Head() *block.Block                 { return nil }
func (headlessChain) EphemeralState(uint64) *state.State { return nil }

func TestChainEligibility_SingleValidator(t *testing.T) {
	key := genKey(t)
	ch := newChain(t, testParams, []*crypto.PrivateKey{key})
	e := NewChainEligibility(ch, state.ValidationCodeAddress(key.Address()), 0)

	shards, err := e.EligibleShards(0)
	if err != nil {
		t.Fatalf("EligibleShards: %v", err)
	}
	if len(shards) != int(testParams.ShardCount) {
		t.Fatalf("eligible shards = %d, want %d", len(shards), testParams.ShardCount)
	}
	// No period start exists at genesis, so nobody is sampled yet.
	ok, err := e.IsCollator(0, 0)
	if err != nil {
		t.Fatalf("IsCollator: %v", err)
	}
	if ok {
		t.Fatal("collator sampled before the first period")
	}
}

func TestChainEligibility_Unregistered(t *testing.T) {
	key := genKey(t)
	ch := newChain(t, testParams, []*crypto.PrivateKey{key})
	e := NewChainEligibility(ch, state.ValidationCodeAddress(genKey(t).Address()), 0)

	shards, err := e.EligibleShards(0)
	if err != nil {
		t.Fatalf("EligibleShards: %v", err)
	}
	if len(shards) != 0 {
		t.Fatalf("eligible shards = %d, want 0", len(shards))
	}
}

func TestChainEligibility_NoHead(t *testing.T) {
	e := NewChainEligibility(headlessChain{}, types.Address{}, 0)
	if _, err := e.IsCollator(0, 0); !errors.Is(err, ErrNoHead) {
		t.Fatalf("IsCollator err = %v, want ErrNoHead", err)
	}
	if _, err := e.EligibleShards(0); !errors.Is(err, ErrNoHead) {
		t.Fatalf("EligibleShards err = %v, want ErrNoHead", err)
	}
}

type timestampChain struct {
	*chain.MainChain
	asked []uint64
}

func (c *timestampChain) EphemeralState(ts uint64) *state.State {
	c.asked = append(c.asked, ts)
	return c.MainChain.EphemeralState(ts)
}

func TestChainEligibility_ProjectsLookahead(t *testing.T) {
	key := genKey(t)
	ch := &timestampChain{MainChain: newChain(t, testParams, []*crypto.PrivateKey{key})}
	e := NewChainEligibility(ch, state.ValidationCodeAddress(key.Address()), DefaultParams(0, key).Lookahead)

	if _, err := e.IsCollator(0, 100); err != nil {
		t.Fatalf("IsCollator: %v", err)
	}
	if _, err := e.EligibleShards(-20); err != nil {
		t.Fatalf("EligibleShards: %v", err)
	}
	want := []uint64{114, 0}
	if len(ch.asked) != len(want) {
		t.Fatalf("projections = %v, want %v", ch.asked, want)
	}
	for i := range want {
		if ch.asked[i] != want[i] {
			t.Fatalf("projection %d at %d, want %d", i, ch.asked[i], want[i])
		}
	}
}

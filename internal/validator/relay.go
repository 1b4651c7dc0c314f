package validator

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/collation"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/tx"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/wire"
)

// initTickScratch derives the relay nonce and scratch state for one tick.
func (v *Validator) initTickScratch() {
	v.headNonce = v.chain.State().Nonce(v.addr)
	now := v.time.Now()
	if now < 0 {
		now = 0
	}
	v.scratch = v.chain.EphemeralState(uint64(now))
}

// announce relays the header of col to the main chain through an
// add_header transaction.
func (v *Validator) announce(col *collation.Collation) error {
	if v.scratch == nil {
		v.initTickScratch()
	}
	t, err := tx.NewAddHeader(v.key, v.headNonce, v.params.RelayGasPrice, col.Header.Encode())
	if err != nil {
		return invariant("build add_header: %v", err)
	}
	if err := v.pool.Add(t, true); err != nil {
		return invariant("queue add_header: %v", err)
	}
	if _, err := v.scratch.ApplyTransaction(t); err != nil {
		return invariant("apply add_header %s on scratch state: %v", t.Hash().Short(), err)
	}
	v.headNonce++

	txHash := t.Hash()
	tag := fmt.Sprintf("%d_%s", v.chain.Height(), col.Hash())
	v.diag.RecordRelay(v.id, txHash, tag)
	v.received.Add(txHash)
	v.stamp(v.logger.Info()).
		Str("tx", txHash.Short()).
		Uint64("nonce", t.Nonce).
		Str("collation", tag).
		Msg("Relayed collation header")
	v.net.Broadcast(v.id, wire.NewTransaction(t))
	return nil
}

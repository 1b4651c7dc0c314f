// derive_key.go prints the public key and addresses of the first n
// validator keys of a mnemonic.
// Usage: go run scripts/derive_key.go [n] ["mnemonic words..."]
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/Klingon-tech/klingnet-shardsim/config"
	"github.com/Klingon-tech/klingnet-shardsim/internal/keys"
	"github.com/Klingon-tech/klingnet-shardsim/internal/state"
)

func main() {
	n := 4
	if len(os.Args) > 1 {
		v, err := strconv.Atoi(os.Args[1])
		if err != nil || v <= 0 {
			fmt.Fprintln(os.Stderr, "usage: derive_key [n] [mnemonic]")
			os.Exit(1)
		}
		n = v
	}
	mnemonic := config.DevMnemonic
	if len(os.Args) > 2 {
		mnemonic = os.Args[2]
	}

	ks, err := keys.ValidatorKeys(mnemonic, "", n)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for i, k := range ks {
		addr := k.Address()
		fmt.Printf("validator %d\n", i)
		fmt.Printf("  pubkey:  %s\n", hex.EncodeToString(k.PublicKey()))
		fmt.Printf("  address: %s\n", addr.Hex())
		fmt.Printf("  code:    %s\n", state.ValidationCodeAddress(addr).Hex())
	}
}

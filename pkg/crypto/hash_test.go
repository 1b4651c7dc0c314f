package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

func TestHash_Vectors(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"},
		{"hello", "ea8f163db38682925e4491c5e58d4bb3506ef8c14eb78a86e908c5624a67200f"},
	}
	for _, tt := range tests {
		got := Hash([]byte(tt.input))
		if hex.EncodeToString(got[:]) != tt.want {
			t.Errorf("Hash(%q) = %x, want %s", tt.input, got, tt.want)
		}
	}
}

func TestHashParts_MatchesHash(t *testing.T) {
	tests := []struct {
		name  string
		parts [][]byte
		whole string
	}{
		{"none", nil, ""},
		{"one", [][]byte{[]byte("shard-3")}, "shard-3"},
		{"split", [][]byte{[]byte("shard-3"), []byte("/period-7")}, "shard-3/period-7"},
		{"empty part", [][]byte{[]byte("a"), {}, []byte("b")}, "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, want := HashParts(tt.parts...), Hash([]byte(tt.whole)); got != want {
				t.Errorf("HashParts = %x, want %x", got, want)
			}
		})
	}
}

func TestAddressFromPubKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	h := Hash(key.PublicKey())
	addr := AddressFromPubKey(key.PublicKey())
	if string(addr[:]) != string(h[:types.AddressSize]) {
		t.Errorf("AddressFromPubKey = %x, want %x", addr, h[:types.AddressSize])
	}
	if key.Address() != addr {
		t.Error("PrivateKey.Address() disagrees with AddressFromPubKey")
	}
}

func TestHashConcat(t *testing.T) {
	a := Hash([]byte("left"))
	b := Hash([]byte("right"))

	got := HashConcat(a, b)
	if want := HashParts(a[:], b[:]); got != want {
		t.Errorf("HashConcat = %x, want %x", got, want)
	}
	if got == HashConcat(b, a) {
		t.Error("HashConcat(a,b) should differ from HashConcat(b,a)")
	}
}

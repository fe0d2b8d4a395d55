package block

import (
	"testing"

	"github.com/Klingon-tech/klingnet-node/pkg/crypto"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

func TestComputeMerkleRoot_Small(t *testing.T) {
	if root := ComputeMerkleRoot(nil); !root.IsZero() {
		t.Errorf("empty input should return zero hash, got %s", root)
	}

	h1 := crypto.Hash([]byte("tx1"))
	if root := ComputeMerkleRoot([]types.Hash{h1}); root != h1 {
		t.Errorf("single hash should return itself: got %s", root)
	}

	h2 := crypto.Hash([]byte("tx2"))
	if root := ComputeMerkleRoot([]types.Hash{h1, h2}); root != crypto.HashConcat(h1, h2) {
		t.Errorf("two hashes: got %s", root)
	}
}

func TestComputeMerkleRoot_OddDuplicatesLast(t *testing.T) {
	h1 := crypto.Hash([]byte("tx1"))
	h2 := crypto.Hash([]byte("tx2"))
	h3 := crypto.Hash([]byte("tx3"))

	want := crypto.HashConcat(crypto.HashConcat(h1, h2), crypto.HashConcat(h3, h3))
	if root := ComputeMerkleRoot([]types.Hash{h1, h2, h3}); root != want {
		t.Errorf("three hashes: got %s, want %s", root, want)
	}
}

func TestComputeMerkleRoot_DoesNotMutateInput(t *testing.T) {
	in := []types.Hash{
		crypto.Hash([]byte("a")),
		crypto.Hash([]byte("b")),
		crypto.Hash([]byte("c")),
	}
	orig := append([]types.Hash(nil), in...)
	ComputeMerkleRoot(in)
	for i := range in {
		if in[i] != orig[i] {
			t.Fatalf("input[%d] was mutated", i)
		}
	}
}

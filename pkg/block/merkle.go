package block

import (
	"github.com/Klingon-tech/klingnet-node/pkg/crypto"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// ComputeMerkleRoot calculates the merkle root of transaction hashes.
// An odd layer duplicates its last element; an empty list yields the zero hash.
func ComputeMerkleRoot(txHashes []types.Hash) types.Hash {
	switch len(txHashes) {
	case 0:
		return types.Hash{}
	case 1:
		return txHashes[0]
	}

	level := append([]types.Hash(nil), txHashes...)
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		for i := 0; i < len(level)/2; i++ {
			level[i] = crypto.HashConcat(level[2*i], level[2*i+1])
		}
		level = level[:len(level)/2]
	}
	return level[0]
}

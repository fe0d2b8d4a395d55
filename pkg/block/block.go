// Package block defines block types, merkle roots and compact targets.
package block

import (
	"github.com/Klingon-tech/klingnet-node/pkg/tx"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// CurrentVersion is the header version produced by this node.
const CurrentVersion = 1

// Block represents a block in the chain.
type Block struct {
	Header       *Header           `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`
}

// NewBlock creates a new block with the given header and transactions.
func NewBlock(header *Header, txs []*tx.Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// Hash returns the header hash.
func (b *Block) Hash() types.Hash {
	return b.Header.Hash()
}

// IsProofOfStake returns true if the second transaction is a coinstake.
func (b *Block) IsProofOfStake() bool {
	return len(b.Transactions) > 1 && b.Transactions[1].IsCoinstake()
}

// RebuildMerkleRoot recomputes the header merkle root from the transactions.
func (b *Block) RebuildMerkleRoot() {
	hashes := make([]types.Hash, len(b.Transactions))
	for i, t := range b.Transactions {
		hashes[i] = t.Hash()
	}
	b.Header.MerkleRoot = ComputeMerkleRoot(hashes)
}

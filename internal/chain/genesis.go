package chain

import (
	"sort"

	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/tx"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// Genesis describes the first block of a network.
type Genesis struct {
	Timestamp uint64
	Bits      uint32 // Compact proof-of-work target used for every block.
	Alloc     map[types.Address]uint64
}

// CreateGenesisBlock builds the genesis block. It has height 0, a zero
// PrevHash and a single coinbase paying the allocations.
func CreateGenesisBlock(gen Genesis) *block.Block {
	coinbase := buildCoinbaseTx(gen.Alloc)
	header := &block.Header{
		Version:   block.CurrentVersion,
		Timestamp: gen.Timestamp,
		Bits:      gen.Bits,
	}
	blk := block.NewBlock(header, []*tx.Transaction{coinbase})
	blk.RebuildMerkleRoot()
	return blk
}

// buildCoinbaseTx creates the genesis coinbase with outputs sorted by
// address for deterministic ordering.
func buildCoinbaseTx(alloc map[types.Address]uint64) *tx.Transaction {
	addrs := make([]types.Address, 0, len(alloc))
	for addr := range alloc {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].String() < addrs[j].String()
	})

	var outputs []tx.Output
	for _, addr := range addrs {
		outputs = append(outputs, tx.Output{Value: alloc[addr], Address: addr})
	}
	// No allocations: a single zero-value output keeps the coinbase well formed.
	if len(outputs) == 0 {
		outputs = []tx.Output{{}}
	}

	return &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{}},
		Outputs: outputs,
	}
}

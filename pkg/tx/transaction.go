// Package tx defines the transaction shapes carried by mined blocks.
package tx

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-node/pkg/crypto"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// Transaction represents a blockchain transaction. Time is the creation
// timestamp in unix seconds; stake kernels and block timestamps are bounded by it.
type Transaction struct {
	Version  uint32   `json:"version"`
	Time     uint64   `json:"time"`
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint64   `json:"locktime"`
}

// Input references an output being spent. For the coinbase input, Script
// carries the height and extra-nonce data.
type Input struct {
	PrevOut types.Outpoint `json:"prevout"`
	Script  []byte         `json:"script"`
}

// Output pays Value to Address. The first output of a coinstake is empty.
type Output struct {
	Value   uint64        `json:"value"`
	Address types.Address `json:"address"`
}

// IsEmpty returns true for the zero-value marker output of a coinstake.
func (o Output) IsEmpty() bool {
	return o.Value == 0 && o.Address.IsZero()
}

// Hash computes the transaction ID (BLAKE3 of the serialized data).
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.Bytes())
}

// Bytes returns the canonical serialization.
// Format: version(4) | time(8) | input_count(4) | [prevout(36) script_len(4) script]... |
// output_count(4) | [value(8) address(20)]... | locktime(8)
func (tx *Transaction) Bytes() []byte {
	buf := make([]byte, 0, 64+len(tx.Inputs)*48+len(tx.Outputs)*28)
	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Time)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Script)))
		buf = append(buf, in.Script...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = append(buf, out.Address[:]...)
	}

	buf = binary.LittleEndian.AppendUint64(buf, tx.LockTime)
	return buf
}

// IsCoinbase returns true if the transaction has a single input with a zero outpoint.
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].PrevOut.IsZero()
}

// IsCoinstake returns true if the transaction spends real inputs and its
// first output is the empty marker.
func (tx *Transaction) IsCoinstake() bool {
	if len(tx.Inputs) == 0 || tx.Inputs[0].PrevOut.IsZero() {
		return false
	}
	return len(tx.Outputs) >= 2 && tx.Outputs[0].IsEmpty()
}

// TotalOut sums output values.
func (tx *Transaction) TotalOut() uint64 {
	var total uint64
	for _, out := range tx.Outputs {
		total += out.Value
	}
	return total
}

package tx

import (
	"testing"

	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

func coinbase(script []byte) *Transaction {
	return &Transaction{
		Version: 1,
		Time:    1000,
		Inputs:  []Input{{Script: script}},
		Outputs: []Output{{Value: 50, Address: types.Address{0x01}}},
	}
}

func TestTransaction_Hash_IncludesScript(t *testing.T) {
	a := coinbase([]byte{0x01})
	b := coinbase([]byte{0x02})
	if a.Hash() == b.Hash() {
		t.Error("coinbase scripts must change the transaction hash")
	}
	if a.Hash() != coinbase([]byte{0x01}).Hash() {
		t.Error("hash must be deterministic")
	}
}

func TestTransaction_Kinds(t *testing.T) {
	cb := coinbase(nil)
	if !cb.IsCoinbase() {
		t.Error("expected coinbase")
	}
	if cb.IsCoinstake() {
		t.Error("coinbase is not a coinstake")
	}

	cs := &Transaction{
		Inputs: []Input{{PrevOut: types.Outpoint{TxID: types.Hash{0xaa}, Index: 1}}},
		Outputs: []Output{
			{},
			{Value: 100, Address: types.Address{0x02}},
		},
	}
	if !cs.IsCoinstake() {
		t.Error("expected coinstake")
	}
	if cs.IsCoinbase() {
		t.Error("coinstake is not a coinbase")
	}
	if cs.TotalOut() != 100 {
		t.Errorf("TotalOut: got %d, want 100", cs.TotalOut())
	}
}

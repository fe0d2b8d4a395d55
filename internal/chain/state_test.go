package chain

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-node/internal/storage"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/crypto"
	"github.com/Klingon-tech/klingnet-node/pkg/tx"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// easyBits is a target that about half of all hashes meet.
const easyBits = 0x207fffff

var testGenesis = Genesis{Timestamp: 1700000000, Bits: easyBits}

// nextBlock builds a signed block with valid proof of work on top of parent.
func nextBlock(t *testing.T, parent *Index, ts uint64) *block.Block {
	t.Helper()
	coinbase := &tx.Transaction{
		Version: 1,
		Time:    ts,
		Inputs:  []tx.Input{{Script: []byte{byte(parent.Height + 1)}}},
		Outputs: []tx.Output{{Value: 50}},
	}
	blk := block.NewBlock(&block.Header{
		Version:   block.CurrentVersion,
		PrevHash:  parent.Hash,
		Timestamp: ts,
		Height:    parent.Height + 1,
		Bits:      parent.Bits,
	}, []*tx.Transaction{coinbase})
	blk.RebuildMerkleRoot()
	for !block.CheckProofOfWork(blk.Hash(), blk.Header.Bits) {
		blk.Header.Nonce++
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	sig, err := key.Sign(blk.Hash())
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	blk.Header.Signature = sig
	return blk
}

func TestNew_Genesis(t *testing.T) {
	s, err := New(testGenesis, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	tip := s.BestIndex()
	if tip.Height != 0 || tip.Time != testGenesis.Timestamp || tip.Bits != easyBits {
		t.Errorf("genesis tip = %+v", tip)
	}
	if tip.MedianTimePast != testGenesis.Timestamp {
		t.Errorf("genesis MTP = %d", tip.MedianTimePast)
	}
	if s.BestHash() != CreateGenesisBlock(testGenesis).Hash() {
		t.Error("BestHash() does not match genesis")
	}
}

func TestProcess_ExtendsTip(t *testing.T) {
	s, _ := New(testGenesis, nil)
	before := s.TransactionsUpdated()

	blk := nextBlock(t, s.BestIndex(), testGenesis.Timestamp+60)
	if !s.Process("test", blk) {
		t.Fatalf("Process() rejected valid block: %v", s.Validate(blk))
	}
	if s.BestHash() != blk.Hash() || s.Height() != 1 {
		t.Errorf("tip not advanced")
	}
	if s.TransactionsUpdated() != before+1 {
		t.Error("transactions-updated counter not bumped")
	}
	if s.Process("test", blk) {
		t.Error("duplicate block accepted")
	}
}

func TestValidate_Rejections(t *testing.T) {
	s, _ := New(testGenesis, nil)
	tip := s.BestIndex()
	ts := testGenesis.Timestamp + 60

	tests := []struct {
		name   string
		mutate func(*block.Block)
		want   error
	}{
		{"wrong parent", func(b *block.Block) { b.Header.PrevHash = types.Hash{1} }, ErrNotExtendingTip},
		{"wrong height", func(b *block.Block) { b.Header.Height = 5 }, ErrBadHeight},
		{"old time", func(b *block.Block) { b.Header.Timestamp = testGenesis.Timestamp }, ErrTimeTooOld},
		{"bad merkle", func(b *block.Block) { b.Header.MerkleRoot = types.Hash{2} }, ErrBadMerkleRoot},
		{"bad bits", func(b *block.Block) { b.Header.Bits = 0x1d00ffff }, ErrBadBits},
		{"unsigned", func(b *block.Block) { b.Header.Signature = nil }, ErrMissingSignature},
		{"no coinbase", func(b *block.Block) { b.Transactions = nil }, ErrNoCoinbase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blk := nextBlock(t, tip, ts)
			tt.mutate(blk)
			if err := s.Validate(blk); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidate_ProofOfWork(t *testing.T) {
	s, _ := New(testGenesis, nil)
	blk := nextBlock(t, s.BestIndex(), testGenesis.Timestamp+60)
	for block.CheckProofOfWork(blk.Hash(), blk.Header.Bits) {
		blk.Header.Nonce++
	}
	if err := s.Validate(blk); !errors.Is(err, ErrBadProofOfWork) {
		t.Errorf("Validate() = %v, want ErrBadProofOfWork", err)
	}
}

func TestMedianTimePast(t *testing.T) {
	s, _ := New(testGenesis, nil)
	ts := testGenesis.Timestamp
	for i := 0; i < 12; i++ {
		ts += 100
		blk := nextBlock(t, s.BestIndex(), ts)
		if !s.Process("test", blk) {
			t.Fatalf("block %d rejected: %v", i, s.Validate(blk))
		}
	}
	// Eleven most recent timestamps are ts-1000 .. ts; the median is ts-500.
	if got := s.BestIndex().MedianTimePast; got != ts-500 {
		t.Errorf("MedianTimePast = %d, want %d", got, ts-500)
	}
}

func TestRequestCountsAndSync(t *testing.T) {
	s, _ := New(testGenesis, nil)
	h := types.Hash{9}
	if _, ok := s.RequestCount(h); ok {
		t.Error("unexpected request count")
	}
	s.SetRequestCount(h, 3)
	s.SetRequestCount(h, 0)
	if n, ok := s.RequestCount(h); !ok || n != 0 {
		t.Errorf("RequestCount() = %d, %v", n, ok)
	}

	if s.IsInitialSync() {
		t.Error("should not start syncing")
	}
	s.SetInitialSync(true)
	if !s.IsInitialSync() {
		t.Error("SetInitialSync(true) not applied")
	}

	before := s.TransactionsUpdated()
	s.NotifyTransactionsUpdated()
	if s.TransactionsUpdated() != before+1 {
		t.Error("NotifyTransactionsUpdated() not applied")
	}
}

func TestPersistence(t *testing.T) {
	db := storage.NewMemory()
	s, err := New(testGenesis, db)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	blk := nextBlock(t, s.BestIndex(), testGenesis.Timestamp+60)
	if !s.Process("test", blk) {
		t.Fatal("block rejected")
	}

	reloaded, err := New(testGenesis, db)
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if reloaded.BestHash() != blk.Hash() || reloaded.Height() != 1 {
		t.Errorf("reloaded tip = %s at %d", reloaded.BestHash().Short(), reloaded.Height())
	}
	got, err := reloaded.Block(blk.Hash())
	if err != nil || got.Hash() != blk.Hash() {
		t.Errorf("Block() = %v, %v", got, err)
	}

	other := testGenesis
	other.Timestamp++
	if _, err := New(other, db); err == nil {
		t.Error("genesis mismatch not detected")
	}
}

// Package chain tracks the best chain: block indexes, the tip, median
// time past, and the counters the miner polls. It accepts blocks that
// extend the tip and persists them through a BlockStore.
package chain

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	klog "github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/Klingon-tech/klingnet-node/internal/storage"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// medianTimeSpan is the number of blocks the median time past covers.
const medianTimeSpan = 11

// Rejection reasons returned by Validate.
var (
	ErrNilBlock         = errors.New("nil block")
	ErrDuplicate        = errors.New("block already known")
	ErrNotExtendingTip  = errors.New("block does not extend the tip")
	ErrBadHeight        = errors.New("unexpected height")
	ErrTimeTooOld       = errors.New("timestamp not after median time past")
	ErrNoCoinbase       = errors.New("first transaction is not a coinbase")
	ErrBadMerkleRoot    = errors.New("merkle root mismatch")
	ErrBadBits          = errors.New("unexpected difficulty bits")
	ErrBadProofOfWork   = errors.New("hash above target")
	ErrMissingSignature = errors.New("block is not signed")
)

// Index is the summary of one accepted block.
type Index struct {
	Hash           types.Hash
	PrevHash       types.Hash
	Height         uint64
	Time           uint64
	Bits           uint32
	MedianTimePast uint64 // Median timestamp of this block and its ten predecessors.
	ProofOfStake   bool
}

// State is the best-chain tracker. It is safe for concurrent use.
type State struct {
	mu      sync.RWMutex
	indexes map[types.Hash]*Index
	tip     *Index
	blocks  *BlockStore // nil when not persisting

	syncing    atomic.Bool
	txUpdated  atomic.Uint64
	requestsMu sync.Mutex
	requests   map[types.Hash]uint32
}

// New creates a chain state. With a non-nil db the stored chain is loaded
// and the genesis block is written on first use; otherwise the chain lives
// in memory only.
func New(gen Genesis, db storage.DB) (*State, error) {
	s := &State{
		indexes:  make(map[types.Hash]*Index),
		requests: make(map[types.Hash]uint32),
	}
	if db != nil {
		s.blocks = NewBlockStore(storage.NewPrefixDB(db, "chain/"))
	}

	genesis := CreateGenesisBlock(gen)
	if s.blocks == nil {
		s.appendLocked(genesis)
		return s, nil
	}

	_, height, ok, err := s.blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}
	if !ok {
		if err := s.blocks.PutBlock(genesis); err != nil {
			return nil, fmt.Errorf("store genesis: %w", err)
		}
		s.appendLocked(genesis)
		return s, nil
	}

	for h := uint64(0); h <= height; h++ {
		blk, err := s.blocks.GetBlockByHeight(h)
		if err != nil {
			return nil, fmt.Errorf("load block %d: %w", h, err)
		}
		if h == 0 && blk.Hash() != genesis.Hash() {
			return nil, fmt.Errorf("stored genesis %s does not match configured genesis %s",
				blk.Hash().Short(), genesis.Hash().Short())
		}
		s.appendLocked(blk)
	}
	klog.Chain.Info().
		Uint64("height", s.tip.Height).
		Str("tip", s.tip.Hash.Short()).
		Msg("Chain state loaded")
	return s, nil
}

// appendLocked indexes blk as the new tip. Callers hold s.mu or own s
// exclusively.
func (s *State) appendLocked(blk *block.Block) *Index {
	idx := &Index{
		Hash:         blk.Hash(),
		PrevHash:     blk.Header.PrevHash,
		Height:       blk.Header.Height,
		Time:         blk.Header.Timestamp,
		Bits:         blk.Header.Bits,
		ProofOfStake: blk.IsProofOfStake(),
	}
	s.indexes[idx.Hash] = idx
	idx.MedianTimePast = s.medianTimePast(idx)
	s.tip = idx
	return idx
}

// medianTimePast returns the median timestamp of idx and up to ten
// ancestors.
func (s *State) medianTimePast(idx *Index) uint64 {
	times := make([]uint64, 0, medianTimeSpan)
	for cur := idx; cur != nil && len(times) < medianTimeSpan; {
		times = append(times, cur.Time)
		if cur.Height == 0 {
			break
		}
		cur = s.indexes[cur.PrevHash]
	}
	slices.Sort(times)
	return times[len(times)/2]
}

// BestIndex returns the tip.
func (s *State) BestIndex() *Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := *s.tip
	return &idx
}

// BestHash returns the tip hash.
func (s *State) BestHash() types.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip.Hash
}

// Height returns the tip height.
func (s *State) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip.Height
}

// Lookup returns the index for hash.
func (s *State) Lookup(hash types.Hash) (*Index, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[hash]
	if !ok {
		return nil, false
	}
	cp := *idx
	return &cp, true
}

// IsInitialSync reports whether the node is still catching up with the
// network.
func (s *State) IsInitialSync() bool { return s.syncing.Load() }

// SetInitialSync sets the initial-sync flag.
func (s *State) SetInitialSync(v bool) { s.syncing.Store(v) }

// TransactionsUpdated returns a counter bumped whenever the set of
// transactions available for new blocks changes.
func (s *State) TransactionsUpdated() uint64 { return s.txUpdated.Load() }

// NotifyTransactionsUpdated bumps the transactions-updated counter.
func (s *State) NotifyTransactionsUpdated() { s.txUpdated.Add(1) }

// SetRequestCount records how many peers have been asked for hash.
func (s *State) SetRequestCount(hash types.Hash, n uint32) {
	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()
	s.requests[hash] = n
}

// RequestCount returns the recorded request count for hash.
func (s *State) RequestCount(hash types.Hash) (uint32, bool) {
	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()
	n, ok := s.requests[hash]
	return n, ok
}

// Validate checks that blk can extend the current tip.
func (s *State) Validate(blk *block.Block) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validateLocked(blk)
}

func (s *State) validateLocked(blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return ErrNilBlock
	}
	hash := blk.Hash()
	if _, ok := s.indexes[hash]; ok {
		return ErrDuplicate
	}
	if blk.Header.PrevHash != s.tip.Hash {
		return ErrNotExtendingTip
	}
	if blk.Header.Height != s.tip.Height+1 {
		return fmt.Errorf("%w: %d, want %d", ErrBadHeight, blk.Header.Height, s.tip.Height+1)
	}
	if blk.Header.Timestamp <= s.tip.MedianTimePast {
		return ErrTimeTooOld
	}
	if len(blk.Transactions) == 0 || !blk.Transactions[0].IsCoinbase() {
		return ErrNoCoinbase
	}
	want := blk.Header.MerkleRoot
	check := block.NewBlock(&block.Header{}, blk.Transactions)
	check.RebuildMerkleRoot()
	if check.Header.MerkleRoot != want {
		return ErrBadMerkleRoot
	}
	if blk.Header.Bits != s.tip.Bits {
		return ErrBadBits
	}
	if !blk.IsProofOfStake() && !block.CheckProofOfWork(hash, blk.Header.Bits) {
		return ErrBadProofOfWork
	}
	if len(blk.Header.Signature) == 0 {
		return ErrMissingSignature
	}
	return nil
}

// Process validates blk and, if it extends the tip, makes it the new tip.
// source names where the block came from and is only logged.
func (s *State) Process(source string, blk *block.Block) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateLocked(blk); err != nil {
		ev := klog.Chain.Debug().Err(err).Str("source", source)
		if blk != nil && blk.Header != nil {
			ev = ev.Str("hash", blk.Hash().Short())
		}
		ev.Msg("Block rejected")
		return false
	}
	if s.blocks != nil {
		if err := s.blocks.PutBlock(blk); err != nil {
			klog.Chain.Error().Err(err).Str("hash", blk.Hash().Short()).Msg("Failed to store block")
			return false
		}
	}
	idx := s.appendLocked(blk)
	s.txUpdated.Add(1)

	klog.Chain.Info().
		Str("source", source).
		Uint64("height", idx.Height).
		Str("hash", idx.Hash.Short()).
		Bool("pos", idx.ProofOfStake).
		Int("txs", len(blk.Transactions)).
		Msg("Block accepted")
	return true
}

// Block returns a stored block by hash. It requires persistence.
func (s *State) Block(hash types.Hash) (*block.Block, error) {
	if s.blocks == nil {
		return nil, storage.ErrNotFound
	}
	return s.blocks.GetBlock(hash)
}

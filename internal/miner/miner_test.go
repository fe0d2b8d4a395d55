package miner

import (
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-node/internal/chain"
	"github.com/Klingon-tech/klingnet-node/internal/status"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/tx"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

const easyBits = 0x207fffff

// --- fakes ---

type fakeChain struct {
	mu      sync.Mutex
	best    chain.Index
	syncing atomic.Bool
	updated atomic.Uint64
}

func newFakeChain() *fakeChain {
	now := uint64(time.Now().Unix())
	return &fakeChain{best: chain.Index{
		Hash:           types.Hash{0xaa},
		Height:         5,
		Time:           now - 60,
		Bits:           easyBits,
		MedianTimePast: now - 300,
	}}
}

func (c *fakeChain) BestIndex() *chain.Index {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.best
	return &idx
}

func (c *fakeChain) BestHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.best.Hash
}

func (c *fakeChain) IsInitialSync() bool         { return c.syncing.Load() }
func (c *fakeChain) TransactionsUpdated() uint64 { return c.updated.Load() }

func (c *fakeChain) setBest(h types.Hash) {
	c.mu.Lock()
	c.best.Hash = h
	c.mu.Unlock()
}

func (c *fakeChain) advance(blk *block.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.best = chain.Index{
		Hash:           blk.Hash(),
		PrevHash:       blk.Header.PrevHash,
		Height:         blk.Header.Height,
		Time:           blk.Header.Timestamp,
		Bits:           blk.Header.Bits,
		MedianTimePast: c.best.MedianTimePast,
		ProofOfStake:   blk.IsProofOfStake(),
	}
}

type fakeKey struct {
	addr     types.Address
	kept     atomic.Int32
	returned atomic.Int32
}

func (k *fakeKey) Address() types.Address { return k.addr }
func (k *fakeKey) Keep()                  { k.kept.Add(1) }
func (k *fakeKey) Return()                { k.returned.Add(1) }

type fakeWallet struct {
	locked    atomic.Bool
	stake     atomic.Bool
	createErr error
	signErr   error

	mu      sync.Mutex
	keys    []*fakeKey
	creates int
}

func (w *fakeWallet) IsLocked() bool { return w.locked.Load() }

func (w *fakeWallet) ReserveKey() (KeyHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := &fakeKey{addr: types.Address{byte(len(w.keys) + 1)}}
	w.keys = append(w.keys, k)
	return k, nil
}

func (w *fakeWallet) CreateCandidate(parent *chain.Index, key KeyHandle, pos bool) (*block.Block, error) {
	w.mu.Lock()
	w.creates++
	w.mu.Unlock()
	if w.createErr != nil {
		return nil, w.createErr
	}

	ts := max(uint64(time.Now().Unix()), parent.MedianTimePast+1)
	txs := []*tx.Transaction{{
		Version: 1,
		Time:    ts,
		Inputs:  []tx.Input{{}},
		Outputs: []tx.Output{{Value: 50, Address: key.Address()}},
	}}
	if pos && w.stake.Load() {
		txs[0].Outputs[0] = tx.Output{}
		txs = append(txs, &tx.Transaction{
			Version: 1,
			Time:    ts,
			Inputs:  []tx.Input{{PrevOut: types.Outpoint{TxID: types.Hash{0x01}}}},
			Outputs: []tx.Output{{}, {Value: 11, Address: key.Address()}},
		})
	}
	blk := block.NewBlock(&block.Header{
		Version:   block.CurrentVersion,
		PrevHash:  parent.Hash,
		Timestamp: ts,
		Height:    parent.Height + 1,
		Bits:      parent.Bits,
	}, txs)
	blk.RebuildMerkleRoot()
	return blk, nil
}

func (w *fakeWallet) SignBlock(blk *block.Block, _ KeyHandle) error {
	if w.signErr != nil {
		return w.signErr
	}
	blk.Header.Signature = []byte{0x01}
	return nil
}

func (w *fakeWallet) createCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.creates
}

func (w *fakeWallet) returnedKeys() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, k := range w.keys {
		n += int(k.returned.Load())
	}
	return n
}

type fakePipeline struct {
	chain *fakeChain

	mu     sync.Mutex
	blocks []*block.Block
}

func (p *fakePipeline) Process(_ string, blk *block.Block) bool {
	p.mu.Lock()
	p.blocks = append(p.blocks, blk)
	p.mu.Unlock()
	if p.chain != nil {
		p.chain.advance(blk)
	}
	return true
}

func (p *fakePipeline) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.blocks)
}

type fakeRequests struct {
	mu     sync.Mutex
	counts map[types.Hash]uint32
}

func (r *fakeRequests) SetRequestCount(h types.Hash, n uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[types.Hash]uint32)
	}
	r.counts[h] = n
}

type peers int

func (p peers) PeerCount() int { return int(p) }

type lifecycle struct{ down atomic.Bool }

func (l *lifecycle) Running() bool { return !l.down.Load() }

type recordSink struct {
	mu      sync.Mutex
	updates []map[string]string
}

func (s *recordSink) Publish(v map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, v)
}

func (s *recordSink) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.updates {
		if _, ok := u[key]; ok {
			return true
		}
	}
	return false
}

type harness struct {
	chain    *fakeChain
	wallet   *fakeWallet
	pipeline *fakePipeline
	requests *fakeRequests
	life     *lifecycle
	sink     *recordSink
}

func newHarness() *harness {
	c := newFakeChain()
	return &harness{
		chain:    c,
		wallet:   &fakeWallet{},
		pipeline: &fakePipeline{chain: c},
		requests: &fakeRequests{},
		life:     &lifecycle{},
		sink:     &recordSink{},
	}
}

func (h *harness) manager(cfg Config) *Manager {
	m := New(cfg, Deps{
		Chain:     h.chain,
		Wallet:    h.wallet,
		Pipeline:  h.pipeline,
		Requests:  h.requests,
		Peers:     peers(1),
		Lifecycle: h.life,
		Sink:      h.sink,
	})
	m.timing = timing{
		poll:       5 * time.Millisecond,
		stakeStep:  5 * time.Millisecond,
		stakeSteps: 4,
		rateWindow: 10 * time.Millisecond,
		staleAfter: time.Minute,
	}
	return m
}

func neverFound(_ []byte, _ *big.Int, start, count uint32) (uint32, uint32, bool) {
	time.Sleep(time.Millisecond)
	return start + count, count, false
}

// --- state machine ---

func TestStop_NotStarted(t *testing.T) {
	m := newHarness().manager(Config{Threads: 1})
	assert.ErrorIs(t, m.Stop(), ErrNotStarted)
}

func TestStartStop_States(t *testing.T) {
	h := newHarness()
	h.wallet.locked.Store(true)
	m := h.manager(Config{Threads: 1})

	assert.Equal(t, StateNone, m.PoWState())
	assert.Equal(t, StateNone, m.PoSState())

	require.NoError(t, m.Start())
	assert.Equal(t, StateStarted, m.PoWState())
	assert.Equal(t, StateStarted, m.PoSState())

	// Starting again is a no-op.
	require.NoError(t, m.Start())
	assert.Equal(t, StateStarted, m.PoWState())

	m.setRate(1234)
	require.NoError(t, m.Stop())
	assert.Equal(t, StateStopped, m.PoWState())
	assert.Equal(t, StateStopped, m.PoSState())
	assert.Zero(t, m.HashesPerSecond())
	assert.True(t, h.sink.has(status.KeyMiningPoW))

	// Stopping a stopped manager leaves the states alone.
	require.NoError(t, m.Stop())
	assert.Equal(t, StateStopped, m.PoWState())
}

func TestStart_NoThreadsSkipsProofOfWork(t *testing.T) {
	h := newHarness()
	h.wallet.locked.Store(true)
	m := h.manager(Config{Threads: 0})

	require.NoError(t, m.Start())
	assert.Equal(t, StateNone, m.PoWState())
	assert.Equal(t, StateStarted, m.PoSState())
	require.NoError(t, m.Stop())
}

func TestStart_FlagsTooLong(t *testing.T) {
	m := newHarness().manager(Config{CoinbaseFlags: make([]byte, MaxCoinbaseScriptSize+1)})
	assert.ErrorIs(t, m.Start(), ErrCoinbaseScriptTooLong)
	assert.Equal(t, StateNone, m.PoSState())
}

// --- extra nonce ---

func TestExtraNonce_MonotonicPerParent(t *testing.T) {
	var e extraNonce
	a, b := types.Hash{0x01}, types.Hash{0x02}

	assert.Equal(t, uint32(1), e.next(a))
	assert.Equal(t, uint32(2), e.next(a))
	assert.Equal(t, uint32(3), e.next(a))
	assert.Equal(t, uint32(1), e.next(b), "new parent resets the counter")
	assert.Equal(t, uint32(2), e.next(b))
}

func TestExtraNonce_Apply(t *testing.T) {
	h := newHarness()
	key, _ := h.wallet.ReserveKey()
	blk, err := h.wallet.CreateCandidate(h.chain.BestIndex(), key, false)
	require.NoError(t, err)
	root := blk.Header.MerkleRoot

	var e extraNonce
	n, err := e.apply(blk, []byte("/klingnet/"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)
	assert.Equal(t, coinbaseScript(blk.Header.Height, 1, []byte("/klingnet/")), blk.Transactions[0].Inputs[0].Script)
	assert.NotEqual(t, root, blk.Header.MerkleRoot)

	_, err = e.apply(blk, make([]byte, MaxCoinbaseScriptSize))
	assert.ErrorIs(t, err, ErrCoinbaseScriptTooLong)
}

// --- submission ---

func solved(t *testing.T, h *harness) *candidate {
	t.Helper()
	key, _ := h.wallet.ReserveKey()
	parent := h.chain.BestIndex()
	blk, err := h.wallet.CreateCandidate(parent, key, false)
	require.NoError(t, err)
	for !block.CheckProofOfWork(blk.Hash(), blk.Header.Bits) {
		blk.Header.Nonce++
	}
	return &candidate{blk: blk, key: key, parent: parent, builtAt: time.Now()}
}

func TestSubmit_Accepted(t *testing.T) {
	h := newHarness()
	m := h.manager(Config{})
	cand := solved(t, h)

	require.True(t, m.submit(cand))
	assert.Equal(t, 1, h.pipeline.count())
	assert.Equal(t, int32(1), cand.key.(*fakeKey).kept.Load())

	count, ok := h.requests.counts[cand.blk.Hash()]
	assert.True(t, ok)
	assert.Zero(t, count)
}

func TestSubmit_StaleParentRejected(t *testing.T) {
	h := newHarness()
	m := h.manager(Config{})
	cand := solved(t, h)
	h.chain.setBest(types.Hash{0xbb})

	assert.False(t, m.submit(cand))
	assert.Zero(t, h.pipeline.count())
	assert.Equal(t, int32(1), cand.key.(*fakeKey).returned.Load())
	assert.Zero(t, cand.key.(*fakeKey).kept.Load())
}

func TestSubmit_BadProofOfWorkRejected(t *testing.T) {
	h := newHarness()
	m := h.manager(Config{})
	cand := solved(t, h)
	cand.blk.Header.Bits = 0x03000001 // Target of 1.

	assert.False(t, m.submit(cand))
	assert.Zero(t, h.pipeline.count())
}

type recordStrand struct{ posted atomic.Int32 }

func (s *recordStrand) Post(fn func()) bool {
	s.posted.Add(1)
	fn()
	return true
}

func TestSubmit_PostsToStrand(t *testing.T) {
	h := newHarness()
	m := h.manager(Config{})
	s := &recordStrand{}
	m.deps.Strand = s

	require.True(t, m.submit(solved(t, h)))
	assert.Equal(t, int32(1), s.posted.Load())
	assert.Equal(t, 1, h.pipeline.count())
}

// --- staleness ---

func TestIsStale(t *testing.T) {
	h := newHarness()
	m := h.manager(Config{})
	now := time.Now()
	m.now = func() time.Time { return now }

	m.pow.state.Store(int32(StateStarted))
	cand := &candidate{parent: h.chain.BestIndex(), builtAt: now}
	assert.False(t, m.isStale(&m.pow, cand, 0))

	assert.True(t, m.isStale(&m.pow, cand, MaxNonce), "nonce exhausted")

	h.chain.updated.Add(1)
	assert.False(t, m.isStale(&m.pow, cand, 0), "fresh candidate survives new transactions")
	cand.builtAt = now.Add(-2 * time.Minute)
	assert.True(t, m.isStale(&m.pow, cand, 0), "old candidate with new transactions")
	cand.txUpdated = h.chain.TransactionsUpdated()
	assert.False(t, m.isStale(&m.pow, cand, 0))

	h.chain.setBest(types.Hash{0xcc})
	assert.True(t, m.isStale(&m.pow, cand, 0), "tip moved")
	h.chain.setBest(cand.parent.Hash)

	h.life.down.Store(true)
	assert.True(t, m.isStale(&m.pow, cand, 0), "node stopping")
}

func TestSearch_TipChangeAbortsWithoutSubmitting(t *testing.T) {
	h := newHarness()
	calls := 0
	scanner := func(_ []byte, _ *big.Int, start, count uint32) (uint32, uint32, bool) {
		calls++
		if calls == 2 {
			h.chain.setBest(types.Hash{0xdd})
		}
		return start + count, count, false
	}
	m := h.manager(Config{Scanner: scanner, ScanBatch: 100})
	m.pow.state.Store(int32(StateStarted))

	key, _ := h.wallet.ReserveKey()
	parent := h.chain.BestIndex()
	blk, err := h.wallet.CreateCandidate(parent, key, false)
	require.NoError(t, err)

	err = m.search(&m.pow, &candidate{blk: blk, key: key, parent: parent, builtAt: time.Now()})
	assert.ErrorIs(t, err, errStale)
	assert.Equal(t, 2, calls)
	assert.Zero(t, h.pipeline.count())
}

func TestSearch_NonceExhausted(t *testing.T) {
	h := newHarness()
	var last uint32
	scanner := func(_ []byte, _ *big.Int, start, count uint32) (uint32, uint32, bool) {
		last = start + count
		return start + count, count, false
	}
	m := h.manager(Config{Scanner: scanner, ScanBatch: MaxNonce / 3})
	m.pow.state.Store(int32(StateStarted))

	key, _ := h.wallet.ReserveKey()
	parent := h.chain.BestIndex()
	blk, _ := h.wallet.CreateCandidate(parent, key, false)

	err := m.search(&m.pow, &candidate{blk: blk, key: key, parent: parent, builtAt: time.Now()})
	assert.ErrorIs(t, err, errStale)
	assert.Equal(t, MaxNonce, last)
}

func TestUpdateTime(t *testing.T) {
	h := newHarness()
	m := h.manager(Config{})
	parent := &chain.Index{Time: 10_000, MedianTimePast: 20_000}
	m.now = func() time.Time { return time.Unix(15_000, 0) }

	blk := block.NewBlock(&block.Header{Timestamp: 15_000}, []*tx.Transaction{{Time: 15_000}})
	cand := &candidate{blk: blk, parent: parent}

	assert.True(t, m.updateTime(cand))
	assert.Equal(t, uint64(20_001), blk.Header.Timestamp, "clamped to median time past")
	assert.True(t, m.withinDrift(cand))
	assert.False(t, m.updateTime(cand), "no change on second call")

	drift := uint64(MaxClockDrift / time.Second)
	blk.Transactions[0].Time = 20_001 - drift + 1
	assert.True(t, m.withinDrift(cand))
	blk.Transactions[0].Time = 20_001 - drift
	assert.False(t, m.withinDrift(cand), "timestamp exactly at the drift limit")
	blk.Transactions[0].Time = 20_001 - drift - 1
	assert.False(t, m.withinDrift(cand))
}

func TestSampleRate(t *testing.T) {
	h := newHarness()
	m := h.manager(Config{})
	start := time.Unix(1000, 0)
	now := start
	m.now = func() time.Time { return now }
	m.timing.rateWindow = 4 * time.Second

	s := rateSample{start: start, hashes: 8000}
	now = start.Add(2 * time.Second)
	m.sampleRate(&s)
	assert.Zero(t, m.HashesPerSecond(), "window not elapsed")

	now = start.Add(4 * time.Second)
	m.sampleRate(&s)
	assert.InDelta(t, 2000.0, m.HashesPerSecond(), 0.001)
	assert.Zero(t, s.hashes)
	assert.Equal(t, now, s.start)
	assert.True(t, h.sink.has(status.KeyHashesPerSecond))
}

// --- production loops ---

func TestProofOfWork_FindsBlock(t *testing.T) {
	h := newHarness()
	m := h.manager(Config{Threads: 1, ScanBatch: 16, CoinbaseFlags: []byte("test")})
	h.wallet.stake.Store(false)

	require.NoError(t, m.Start())
	require.Eventually(t, func() bool { return h.pipeline.count() > 0 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())

	h.pipeline.mu.Lock()
	blk := h.pipeline.blocks[0]
	h.pipeline.mu.Unlock()
	assert.True(t, block.CheckProofOfWork(blk.Hash(), blk.Header.Bits))
	assert.NotEmpty(t, blk.Header.Signature)
	assert.False(t, blk.IsProofOfStake())
}

func TestProofOfWork_BacksOffWhileSyncing(t *testing.T) {
	h := newHarness()
	h.chain.syncing.Store(true)
	m := h.manager(Config{Threads: 1})

	require.NoError(t, m.Start())
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, m.Stop())
	assert.Zero(t, h.wallet.createCount())
}

func TestProofOfWork_BacksOffWithoutPeers(t *testing.T) {
	h := newHarness()
	m := h.manager(Config{Threads: 1})
	m.deps.Peers = peers(0)

	require.NoError(t, m.Start())
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, m.Stop())
	assert.Zero(t, h.wallet.createCount())
}

func TestLoop_ExitsWhenCandidateFails(t *testing.T) {
	h := newHarness()
	h.wallet.createErr = errors.New("no funds")
	m := h.manager(Config{Threads: 1, Scanner: neverFound})

	require.NoError(t, m.Start())
	time.Sleep(30 * time.Millisecond)
	// One attempt per mode, then both loops give up.
	assert.Equal(t, 2, h.wallet.createCount())
	assert.Equal(t, 2, h.wallet.returnedKeys())
	require.NoError(t, m.Stop())
}

func TestProofOfStake_SubmitsAndThrottles(t *testing.T) {
	h := newHarness()
	h.wallet.stake.Store(true)
	m := h.manager(Config{})
	m.timing.stakeStep = 50 * time.Millisecond
	m.timing.stakeSteps = 100

	require.NoError(t, m.Start())
	require.Eventually(t, func() bool { return h.pipeline.count() == 1 }, time.Second, 5*time.Millisecond)

	// The throttle is long, but stop must still return promptly.
	stopped := make(chan struct{})
	go func() {
		_ = m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop() blocked on the stake throttle")
	}

	assert.Equal(t, 1, h.pipeline.count())
	h.pipeline.mu.Lock()
	assert.True(t, h.pipeline.blocks[0].IsProofOfStake())
	h.pipeline.mu.Unlock()
}

func TestProofOfStake_NoKernelReturnsKey(t *testing.T) {
	h := newHarness()
	m := h.manager(Config{})

	require.NoError(t, m.Start())
	require.Eventually(t, func() bool { return h.wallet.returnedKeys() > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())
	assert.Zero(t, h.pipeline.count())
}

func TestProofOfStake_SignFailureRetries(t *testing.T) {
	h := newHarness()
	h.wallet.stake.Store(true)
	h.wallet.signErr = errors.New("hsm offline")
	m := h.manager(Config{})

	require.NoError(t, m.Start())
	require.Eventually(t, func() bool { return h.wallet.createCount() >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, m.Stop())
	assert.Zero(t, h.pipeline.count())
}

func TestScanBlake3(t *testing.T) {
	hdr := &block.Header{Version: 1, Bits: easyBits}
	target := block.CompactToBig(easyBits)

	nonce, hashes, ok := ScanBlake3(hdr.Prefix(), target, 0, 1000)
	require.True(t, ok)
	assert.Equal(t, nonce+1, hashes)

	hdr.Nonce = nonce
	assert.True(t, block.CheckProofOfWork(hdr.Hash(), easyBits))

	_, hashes, ok = ScanBlake3(hdr.Prefix(), big.NewInt(0), 10, 5)
	assert.False(t, ok)
	assert.Equal(t, uint32(5), hashes)
}

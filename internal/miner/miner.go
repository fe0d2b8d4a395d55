// Package miner runs the proof-of-work and proof-of-stake block production
// loops: it builds candidates from the wallet, searches nonces, detects
// stale work and hands solved blocks to the acceptance pipeline.
package miner

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-node/internal/chain"
	klog "github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/Klingon-tech/klingnet-node/internal/status"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// Search limits.
const (
	MaxNonce      uint32 = 0xffff0000
	MaxClockDrift        = 2 * time.Hour

	defaultScanBatch uint32 = 1 << 16
)

// ErrNotStarted is returned by Stop when neither mode was ever started.
var ErrNotStarted = errors.New("miner not started")

// ChainState is the read side of the best chain.
type ChainState interface {
	BestIndex() *chain.Index
	BestHash() types.Hash
	IsInitialSync() bool
	TransactionsUpdated() uint64
}

// KeyHandle is a signing key reserved from the wallet for one candidate.
type KeyHandle interface {
	Address() types.Address
	Keep()
	Return()
}

// Wallet supplies keys and block candidates.
type Wallet interface {
	IsLocked() bool
	ReserveKey() (KeyHandle, error)
	CreateCandidate(parent *chain.Index, key KeyHandle, proofOfStake bool) (*block.Block, error)
	SignBlock(blk *block.Block, key KeyHandle) error
}

// Pipeline accepts solved blocks.
type Pipeline interface {
	Process(source string, blk *block.Block) bool
}

// RequestTracker records per-block request counts.
type RequestTracker interface {
	SetRequestCount(hash types.Hash, n uint32)
}

// PeerCounter reports how many peers are connected.
type PeerCounter interface {
	PeerCount() int
}

// Lifecycle reports whether the node is running.
type Lifecycle interface {
	Running() bool
}

// Poster runs functions on a serialized executor.
type Poster interface {
	Post(fn func()) bool
}

// Config holds miner settings.
type Config struct {
	Threads       int    // Proof of work runs only when > 0.
	CoinbaseFlags []byte // Appended to every coinbase script.
	ScanBatch     uint32 // Nonces per scanner call between staleness checks.
	Scanner       HashScanner
}

// Deps are the miner's collaborators.
type Deps struct {
	Chain     ChainState
	Wallet    Wallet
	Pipeline  Pipeline
	Requests  RequestTracker // optional
	Peers     PeerCounter
	Lifecycle Lifecycle
	Sink      status.Sink // optional
	Strand    Poster
}

// timing holds the loop intervals.
type timing struct {
	poll       time.Duration // Back-off while syncing, unconnected or locked.
	stakeStep  time.Duration // One step of the post-stake throttle.
	stakeSteps int
	rateWindow time.Duration // Hash-rate sample length.
	staleAfter time.Duration // Candidate age after which new transactions make it stale.
}

var defaultTiming = timing{
	poll:       time.Second,
	stakeStep:  500 * time.Millisecond,
	stakeSteps: 120,
	rateWindow: 4 * time.Second,
	staleAfter: 60 * time.Second,
}

// Manager owns the mining loops.
type Manager struct {
	cfg    Config
	deps   Deps
	timing timing
	now    func() time.Time
	logger zerolog.Logger

	pow mode
	pos mode

	extra extraNonce

	rateMu      sync.Mutex
	rate        float64
	lastPublish atomic.Int64
}

// New creates a miner. Nothing runs until Start.
func New(cfg Config, deps Deps) *Manager {
	if cfg.ScanBatch == 0 {
		cfg.ScanBatch = defaultScanBatch
	}
	if cfg.Scanner == nil {
		cfg.Scanner = ScanBlake3
	}
	if deps.Sink == nil {
		deps.Sink = status.Discard
	}
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		timing: defaultTiming,
		now:    time.Now,
		logger: klog.Miner,
		pow:    mode{name: "pow"},
		pos:    mode{name: "pos", proofOfStake: true},
	}
}

// Start launches proof of stake, and proof of work when Threads > 0.
// Proof of work always runs a single worker.
func (m *Manager) Start() error {
	if len(m.cfg.CoinbaseFlags) > MaxCoinbaseScriptSize {
		return fmt.Errorf("coinbase flags: %w", ErrCoinbaseScriptTooLong)
	}
	m.startMode(&m.pos, 1)
	if m.cfg.Threads > 0 {
		if m.cfg.Threads > 1 {
			m.logger.Info().Int("threads", m.cfg.Threads).Msg("Proof of work uses one worker")
		}
		m.startMode(&m.pow, 1)
	}
	return nil
}

// Stop stops both modes and waits for their workers.
func (m *Manager) Stop() error {
	if !m.started(&m.pow) && !m.started(&m.pos) {
		return ErrNotStarted
	}
	m.stopMode(&m.pow)
	m.stopMode(&m.pos)
	return nil
}

func (m *Manager) started(c *mode) bool {
	return c.current() != StateNone
}

// PoWState returns the proof-of-work mode state.
func (m *Manager) PoWState() State { return m.pow.current() }

// PoSState returns the proof-of-stake mode state.
func (m *Manager) PoSState() State { return m.pos.current() }

// HashesPerSecond returns the last sampled proof-of-work hash rate.
func (m *Manager) HashesPerSecond() float64 {
	m.rateMu.Lock()
	defer m.rateMu.Unlock()
	return m.rate
}

func (m *Manager) startMode(c *mode, workers int) {
	c.op.Lock()
	defer c.op.Unlock()

	if c.running() {
		return
	}
	c.state.Store(int32(StateStarting))
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go m.worker(c)
	}
	c.state.Store(int32(StateStarted))
	m.logger.Info().Str("mode", c.name).Int("workers", workers).Msg("Mining started")
	m.publishStates()
}

func (m *Manager) stopMode(c *mode) {
	c.op.Lock()
	defer c.op.Unlock()

	if c.current() != StateStarted {
		return
	}
	c.state.Store(int32(StateStopping))
	c.wg.Wait()
	if !c.proofOfStake {
		m.setRate(0)
	}
	c.state.Store(int32(StateStopped))
	m.logger.Info().Str("mode", c.name).Msg("Mining stopped")
	m.publishStates()
}

func (m *Manager) worker(c *mode) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("mode", c.name).Interface("panic", r).Msg("Mining loop crashed")
		}
	}()
	m.loop(c)
}

func (m *Manager) setRate(r float64) {
	m.rateMu.Lock()
	m.rate = r
	m.rateMu.Unlock()
}

func (m *Manager) publishStates() {
	m.deps.Sink.Publish(map[string]string{
		status.KeyMiningPoW: m.pow.current().String(),
		status.KeyMiningPoS: m.pos.current().String(),
	})
}

// publishRate reports the hash rate on the strand, at most once per
// sample window across all workers.
func (m *Manager) publishRate(rate float64) {
	now := m.now().UnixNano()
	last := m.lastPublish.Load()
	if now-last < int64(m.timing.rateWindow) || !m.lastPublish.CompareAndSwap(last, now) {
		return
	}
	value := strconv.FormatFloat(rate, 'f', 2, 64)
	post := func() {
		m.deps.Sink.Publish(map[string]string{status.KeyHashesPerSecond: value})
	}
	if m.deps.Strand == nil || !m.deps.Strand.Post(post) {
		post()
	}
}

package miner

import (
	"errors"
	"time"

	"github.com/Klingon-tech/klingnet-node/internal/chain"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
)

// errStale ends a proof-of-work search without submitting.
var errStale = errors.New("stale candidate")

// candidate is one block under construction together with what the chain
// looked like when it was built.
type candidate struct {
	blk       *block.Block
	key       KeyHandle
	parent    *chain.Index
	txUpdated uint64
	builtAt   time.Time
}

// keepGoing reports whether the mode is running and the node is up.
func (m *Manager) keepGoing(c *mode) bool {
	if !c.running() {
		return false
	}
	return m.deps.Lifecycle == nil || m.deps.Lifecycle.Running()
}

// sleep waits d and reports whether the loop should continue.
func (m *Manager) sleep(c *mode, d time.Duration) bool {
	time.Sleep(d)
	return m.keepGoing(c)
}

func (m *Manager) loop(c *mode) {
	log := m.logger.With().Str("mode", c.name).Logger()

	for m.keepGoing(c) {
		if m.deps.Chain.IsInitialSync() || m.deps.Peers.PeerCount() == 0 {
			m.sleep(c, m.timing.poll)
			continue
		}
		if m.deps.Wallet.IsLocked() {
			m.sleep(c, m.timing.poll)
			continue
		}

		cand, err := m.build(c)
		if err != nil {
			log.Error().Err(err).Msg("Cannot build block candidate, mining loop exiting")
			return
		}
		log.Debug().
			Uint64("height", cand.blk.Header.Height).
			Int("txs", len(cand.blk.Transactions)).
			Msg("Built block candidate")

		if c.proofOfStake {
			m.stakeAttempt(c, cand)
			continue
		}

		if err := m.search(c, cand); err != nil {
			cand.key.Return()
			if !errors.Is(err, errStale) {
				log.Warn().Err(err).Msg("Proof-of-work search failed")
			}
		}
	}
}

// build reserves a key, asks the wallet for a candidate and stamps the
// extra nonce into its coinbase.
func (m *Manager) build(c *mode) (*candidate, error) {
	key, err := m.deps.Wallet.ReserveKey()
	if err != nil {
		return nil, err
	}
	parent := m.deps.Chain.BestIndex()
	txUpdated := m.deps.Chain.TransactionsUpdated()

	blk, err := m.deps.Wallet.CreateCandidate(parent, key, c.proofOfStake)
	if err != nil {
		key.Return()
		return nil, err
	}
	if _, err := m.extra.apply(blk, m.cfg.CoinbaseFlags); err != nil {
		key.Return()
		return nil, err
	}
	return &candidate{
		blk:       blk,
		key:       key,
		parent:    parent,
		txUpdated: txUpdated,
		builtAt:   m.now(),
	}, nil
}

// stakeAttempt signs and submits a stake block, then throttles. Candidates
// that found no stake kernel are dropped.
func (m *Manager) stakeAttempt(c *mode, cand *candidate) {
	if !cand.blk.IsProofOfStake() {
		cand.key.Return()
	} else {
		if err := m.deps.Wallet.SignBlock(cand.blk, cand.key); err != nil {
			m.logger.Warn().Err(err).Msg("Cannot sign stake block")
			cand.key.Return()
			return
		}
		m.submit(cand)
	}
	for i := 0; i < m.timing.stakeSteps; i++ {
		if !m.sleep(c, m.timing.stakeStep) {
			return
		}
	}
}

// rateSample accumulates hashes over a window.
type rateSample struct {
	start  time.Time
	hashes uint64
}

// search scans nonces in batches until the candidate is solved or goes stale.
func (m *Manager) search(c *mode, cand *candidate) error {
	hdr := cand.blk.Header
	target := block.CompactToBig(hdr.Bits)
	prefix := hdr.Prefix()
	sample := rateSample{start: m.now()}
	nonce := uint32(0)

	for {
		count := m.cfg.ScanBatch
		if remaining := MaxNonce - nonce; remaining < count {
			count = remaining
		}
		found, hashes, ok := m.cfg.Scanner(prefix, target, nonce, count)
		sample.hashes += uint64(hashes)

		if ok {
			cand.blk.Header.Nonce = found
			if block.CheckProofOfWork(cand.blk.Hash(), hdr.Bits) {
				if err := m.deps.Wallet.SignBlock(cand.blk, cand.key); err != nil {
					return err
				}
				m.submit(cand)
				return nil
			}
			found++
		}
		nonce = found

		m.sampleRate(&sample)

		if m.isStale(c, cand, nonce) {
			return errStale
		}

		if m.updateTime(cand) {
			if !m.withinDrift(cand) {
				return errStale
			}
			prefix = cand.blk.Header.Prefix()
		}
	}
}

func (m *Manager) sampleRate(s *rateSample) {
	elapsed := m.now().Sub(s.start)
	if elapsed < m.timing.rateWindow {
		return
	}
	ms := elapsed.Milliseconds()
	if ms <= 0 {
		return
	}
	rate := 1000 * float64(s.hashes) / float64(ms)
	m.setRate(rate)
	m.publishRate(rate)
	s.start = m.now()
	s.hashes = 0
}

// isStale reports whether the search on cand should be abandoned.
func (m *Manager) isStale(c *mode, cand *candidate, nonce uint32) bool {
	if !m.keepGoing(c) {
		return true
	}
	if m.deps.Chain.TransactionsUpdated() != cand.txUpdated && m.now().Sub(cand.builtAt) > m.timing.staleAfter {
		return true
	}
	if nonce >= MaxNonce {
		return true
	}
	return m.deps.Chain.BestHash() != cand.parent.Hash
}

// updateTime moves the header timestamp forward to the current time,
// bounded below by the parent's median time past and clock drift. It
// reports whether the timestamp changed.
func (m *Manager) updateTime(cand *candidate) bool {
	ts := uint64(m.now().Unix())
	ts = max(ts, cand.parent.MedianTimePast+1)
	if drift := uint64(MaxClockDrift / time.Second); cand.parent.Time > drift {
		ts = max(ts, cand.parent.Time-drift)
	}
	if ts == cand.blk.Header.Timestamp {
		return false
	}
	cand.blk.Header.Timestamp = ts
	return true
}

// withinDrift reports whether the header timestamp is strictly less than
// every transaction time plus the clock drift.
func (m *Manager) withinDrift(cand *candidate) bool {
	drift := uint64(MaxClockDrift / time.Second)
	for _, t := range cand.blk.Transactions {
		if cand.blk.Header.Timestamp >= t.Time+drift {
			return false
		}
	}
	return true
}

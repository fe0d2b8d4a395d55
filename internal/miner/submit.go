package miner

import (
	"github.com/Klingon-tech/klingnet-node/pkg/block"
)

// submit re-checks a solved candidate and hands it to the pipeline on the
// strand. It reports whether the block was handed off.
func (m *Manager) submit(cand *candidate) bool {
	blk := cand.blk
	hash := blk.Hash()
	log := m.logger.With().
		Str("hash", hash.String()).
		Uint64("height", blk.Header.Height).
		Logger()

	if !blk.IsProofOfStake() && !block.CheckProofOfWork(hash, blk.Header.Bits) {
		log.Warn().Msg("Solved block fails proof of work")
		cand.key.Return()
		return false
	}
	if best := m.deps.Chain.BestHash(); blk.Header.PrevHash != best {
		log.Info().Str("best", best.String()).Msg("Generated block is stale")
		cand.key.Return()
		return false
	}

	cand.key.Keep()
	if m.deps.Requests != nil {
		m.deps.Requests.SetRequestCount(hash, 0)
	}

	process := func() {
		if m.deps.Pipeline.Process("miner", blk) {
			log.Info().Bool("pos", blk.IsProofOfStake()).Msg("Generated block accepted")
		} else {
			log.Warn().Msg("Generated block rejected")
		}
	}
	if m.deps.Strand == nil || !m.deps.Strand.Post(process) {
		process()
	}
	return true
}

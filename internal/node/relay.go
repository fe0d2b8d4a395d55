package node

import (
	"encoding/json"
	"errors"
	"net/netip"

	"github.com/Klingon-tech/klingnet-node/internal/addrbook"
	"github.com/Klingon-tech/klingnet-node/internal/chain"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
)

// Block sources passed to the chain.
const (
	sourceMiner = "miner"
	sourcePeer  = "peer"
)

// processBlock is the acceptance pipeline handed to the miner. Blocks this
// node produced credit the wallet and are relayed to peers.
func (n *Node) processBlock(source string, blk *block.Block) bool {
	if !n.chain.Process(source, blk) {
		return false
	}
	if source == sourceMiner {
		if n.wallet != nil {
			n.wallet.AddBlockReward(blk)
		}
		n.relay(blk)
	}
	return true
}

// relay sends blk to every connected peer as a JSON frame.
func (n *Node) relay(blk *block.Block) {
	if n.conns == nil {
		return
	}
	data, err := json.Marshal(blk)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Failed to encode block for relay")
		return
	}
	n.conns.Broadcast(data)
}

// handleFrame decodes a block relayed by a peer and hands it to the chain.
// Undecodable frames and invalid blocks count against the sender's ban score.
func (n *Node) handleFrame(from netip.AddrPort, frame []byte) {
	ip := from.Addr()

	var blk block.Block
	if err := json.Unmarshal(frame, &blk); err != nil || blk.Header == nil {
		n.penalize(ip, addrbook.PenaltyMalformed, "malformed frame")
		return
	}

	if err := n.chain.Validate(&blk); err != nil {
		// Known blocks and blocks off our tip are not the sender's fault.
		if !errors.Is(err, chain.ErrDuplicate) && !errors.Is(err, chain.ErrNotExtendingTip) {
			n.penalize(ip, addrbook.PenaltyInvalidBlock, "invalid block: "+err.Error())
		}
		return
	}
	n.processBlock(sourcePeer, &blk)
}

// penalize records an offense and drops the peer once it is banned.
func (n *Node) penalize(ip netip.Addr, penalty int, reason string) {
	n.book.RecordOffense(ip, penalty, reason)
	if n.conns != nil && n.book.IsBanned(ip) {
		n.conns.Disconnect(ip)
	}
}

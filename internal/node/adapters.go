package node

import (
	"github.com/Klingon-tech/klingnet-node/internal/chain"
	"github.com/Klingon-tech/klingnet-node/internal/miner"
	"github.com/Klingon-tech/klingnet-node/internal/wallet"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
)

// minerWallet adapts *wallet.Wallet to miner.Wallet.
type minerWallet struct {
	w *wallet.Wallet
}

func (a minerWallet) IsLocked() bool { return a.w.IsLocked() }

func (a minerWallet) ReserveKey() (miner.KeyHandle, error) {
	k, err := a.w.ReserveKey()
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (a minerWallet) CreateCandidate(parent *chain.Index, key miner.KeyHandle, pos bool) (*block.Block, error) {
	rk, ok := key.(*wallet.ReservedKey)
	if !ok {
		return nil, wallet.ErrForeignKey
	}
	return a.w.CreateCandidate(parent, rk, pos)
}

func (a minerWallet) SignBlock(blk *block.Block, key miner.KeyHandle) error {
	rk, ok := key.(*wallet.ReservedKey)
	if !ok {
		return wallet.ErrForeignKey
	}
	return a.w.SignBlock(blk, rk)
}

// pipelineFunc adapts a function to miner.Pipeline.
type pipelineFunc func(source string, blk *block.Block) bool

func (f pipelineFunc) Process(source string, blk *block.Block) bool { return f(source, blk) }

// noPeers is the peer counter used when networking is disabled.
type noPeers struct{}

func (noPeers) PeerCount() int { return 0 }

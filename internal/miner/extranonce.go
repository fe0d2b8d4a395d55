package miner

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// MaxCoinbaseScriptSize bounds the coinbase input script.
const MaxCoinbaseScriptSize = 100

// ErrCoinbaseScriptTooLong is returned when height, extra nonce and flags
// do not fit in the coinbase script.
var ErrCoinbaseScriptTooLong = errors.New("coinbase script too long")

// extraNonce is a counter shared by all mining loops of a Manager. It
// restarts whenever the parent block changes.
type extraNonce struct {
	mu     sync.Mutex
	parent types.Hash
	value  uint32
}

func (e *extraNonce) next(parent types.Hash) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.parent != parent {
		e.parent = parent
		e.value = 0
	}
	e.value++
	return e.value
}

// coinbaseScript encodes height, extra nonce and the configured flags.
func coinbaseScript(height uint64, extra uint32, flags []byte) []byte {
	script := binary.AppendUvarint(nil, height)
	script = binary.AppendUvarint(script, uint64(extra))
	return append(script, flags...)
}

// applyExtraNonce bumps the extra nonce for blk's parent, rewrites the
// coinbase script and rebuilds the merkle root.
func (e *extraNonce) apply(blk *block.Block, flags []byte) (uint32, error) {
	if len(blk.Transactions) == 0 || len(blk.Transactions[0].Inputs) == 0 {
		return 0, errors.New("candidate has no coinbase input")
	}
	n := e.next(blk.Header.PrevHash)
	script := coinbaseScript(blk.Header.Height, n, flags)
	if len(script) > MaxCoinbaseScriptSize {
		return 0, ErrCoinbaseScriptTooLong
	}
	blk.Transactions[0].Inputs[0].Script = script
	blk.RebuildMerkleRoot()
	return n, nil
}

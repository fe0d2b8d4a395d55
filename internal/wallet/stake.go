package wallet

import (
	"encoding/binary"
	"math/big"
	"sort"
	"time"

	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/crypto"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// Coin is an unspent output the wallet can stake.
type Coin struct {
	Outpoint types.Outpoint
	Value    uint64
	Time     uint64 // Unix time the output was created; its age starts here.
	Address  types.Address
}

// maxCoinAge caps the age that counts toward stake weight.
const maxCoinAge = 90 * 24 * time.Hour

// eligibleCoins returns coins at least minAge old at now, largest first.
func eligibleCoins(coins []Coin, now uint64, minAge time.Duration) []Coin {
	minSecs := uint64(minAge / time.Second)
	out := make([]Coin, 0, len(coins))
	for _, c := range coins {
		if c.Value > 0 && now >= c.Time && now-c.Time >= minSecs {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Value > out[j].Value })
	return out
}

// stakeWeight is value times age in seconds, with age capped at maxCoinAge.
func stakeWeight(c Coin, now uint64) *big.Int {
	age := now - c.Time
	if limit := uint64(maxCoinAge / time.Second); age > limit {
		age = limit
	}
	w := new(big.Int).SetUint64(c.Value)
	return w.Mul(w, new(big.Int).SetUint64(age))
}

// stakeKernel hashes the values a staker cannot grind: the parent block,
// the staked outpoint, its creation time and the candidate time.
func stakeKernel(parent types.Hash, c Coin, now uint64) types.Hash {
	buf := make([]byte, 0, types.HashSize*2+4+16)
	buf = append(buf, parent[:]...)
	buf = append(buf, c.Outpoint.TxID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, c.Outpoint.Index)
	buf = binary.LittleEndian.AppendUint64(buf, c.Time)
	buf = binary.LittleEndian.AppendUint64(buf, now)
	return crypto.Hash(buf)
}

// CheckStakeKernel reports whether coin c may stake on top of parent at
// time now: the kernel hash must not exceed the target scaled by the
// coin's weight.
func CheckStakeKernel(parent types.Hash, bits uint32, c Coin, now uint64) bool {
	target := block.CompactToBig(bits)
	if target.Sign() <= 0 {
		return false
	}
	target.Mul(target, stakeWeight(c, now))
	return block.HashToBig(stakeKernel(parent, c, now)).Cmp(target) <= 0
}

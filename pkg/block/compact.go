package block

import (
	"math/big"

	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// CompactToBig converts a compact-encoded target to a big integer.
//
// The compact form is a 32-bit number: the high byte is an exponent (in
// bytes), bit 23 is the sign and the low 23 bits are the mantissa.
func CompactToBig(compact uint32) *big.Int {
	mantissa := compact & 0x007fffff
	negative := compact&0x00800000 != 0
	exponent := uint(compact >> 24)

	var n *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		n = new(big.Int).SetUint64(uint64(mantissa))
	} else {
		n = new(big.Int).SetUint64(uint64(mantissa))
		n.Lsh(n, 8*(exponent-3))
	}
	if negative {
		n = n.Neg(n)
	}
	return n
}

// BigToCompact converts a non-negative big integer to its compact form.
func BigToCompact(n *big.Int) uint32 {
	if n.Sign() == 0 {
		return 0
	}

	var mantissa uint32
	exponent := uint(len(n.Bytes()))
	if exponent <= 3 {
		mantissa = uint32(n.Bits()[0])
		mantissa <<= 8 * (3 - exponent)
	} else {
		tn := new(big.Int).Set(n)
		mantissa = uint32(tn.Rsh(tn, 8*(exponent-3)).Bits()[0])
	}

	// The sign bit is set in the mantissa; shift it into the exponent.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}

	compact := uint32(exponent<<24) | mantissa
	if n.Sign() < 0 {
		compact |= 0x00800000
	}
	return compact
}

// HashToBig interprets a hash as a big-endian unsigned integer.
func HashToBig(h types.Hash) *big.Int {
	return new(big.Int).SetBytes(h[:])
}

// CheckProofOfWork reports whether hash meets the compact target bits.
func CheckProofOfWork(hash types.Hash, bits uint32) bool {
	target := CompactToBig(bits)
	if target.Sign() <= 0 {
		return false
	}
	return HashToBig(hash).Cmp(target) <= 0
}

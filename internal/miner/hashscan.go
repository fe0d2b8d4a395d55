package miner

import (
	"encoding/binary"
	"math/big"

	"github.com/Klingon-tech/klingnet-node/pkg/crypto"
)

// HashScanner searches nonces [start, start+count) for one whose header
// hash is at or below target. prefix is the serialized header without the
// trailing 4-byte little-endian nonce. It returns the nonce found (or the
// first nonce not scanned), the number of hashes computed and whether a
// solution was found.
type HashScanner func(prefix []byte, target *big.Int, start, count uint32) (nonce, hashes uint32, found bool)

// ScanBlake3 is the default HashScanner.
func ScanBlake3(prefix []byte, target *big.Int, start, count uint32) (uint32, uint32, bool) {
	buf := make([]byte, len(prefix)+4)
	copy(buf, prefix)
	hashInt := new(big.Int)

	for i := uint32(0); i < count; i++ {
		nonce := start + i
		binary.LittleEndian.PutUint32(buf[len(prefix):], nonce)
		hash := crypto.Hash(buf)
		hashInt.SetBytes(hash[:])
		if hashInt.Cmp(target) <= 0 {
			return nonce, i + 1, true
		}
	}
	return start + count, count, false
}

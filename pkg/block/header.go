package block

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-node/pkg/crypto"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// HeaderPrefixSize is the length of the header bytes that precede the nonce.
const HeaderPrefixSize = 4 + types.HashSize + types.HashSize + 8 + 8 + 4

// Header contains block metadata.
type Header struct {
	Version    uint32     `json:"version"`
	PrevHash   types.Hash `json:"prev_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Timestamp  uint64     `json:"timestamp"`
	Height     uint64     `json:"height"`
	Bits       uint32     `json:"bits"` // Compact-encoded target.
	Nonce      uint32     `json:"nonce"`
	Signature  []byte     `json:"signature,omitempty"`
}

// Hash computes the block header hash.
// Excludes Signature so the hash is stable for signing.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// Prefix returns the header bytes up to (not including) the nonce.
// Format: version(4) | prev_hash(32) | merkle_root(32) | timestamp(8) | height(8) | bits(4)
func (h *Header) Prefix() []byte {
	buf := make([]byte, 0, HeaderPrefixSize+4)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint32(buf, h.Bits)
	return buf
}

// SigningBytes returns the canonical bytes for hashing/signing: Prefix | nonce(4).
func (h *Header) SigningBytes() []byte {
	return binary.LittleEndian.AppendUint32(h.Prefix(), h.Nonce)
}

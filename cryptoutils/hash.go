package cryptoutils

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"lukechampine.com/blake3"
)

// HashSize is the size of every digest, commitment and fingerprint.
const HashSize = 32

// Hash is a 256-bit BLAKE3 digest.
type Hash [HashSize]byte

// Sum hashes the concatenation of parts.
func Sum(parts ...[]byte) Hash {
	h := blake3.New(HashSize, nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// DomainSum hashes parts under a domain separation tag. Each part is length
// prefixed so that distinct part lists never collide.
func DomainSum(domain string, parts ...[]byte) Hash {
	h := blake3.New(HashSize, nil)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(domain)))
	h.Write(lenBuf[:])
	h.Write([]byte(domain))
	for _, p := range parts {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Uint64LE encodes v little-endian, the integer encoding used inside hashes.
func Uint64LE(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func (h Hash) String() string { return hex.EncodeToString(h[:]) }
func (h Hash) Bytes() []byte  { return h[:] }
func (h Hash) IsZero() bool   { return h == Hash{} }

// Compare orders hashes bytewise.
func (h Hash) Compare(other Hash) int { return bytes.Compare(h[:], other[:]) }

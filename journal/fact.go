package journal

import (
	"bytes"
	"cmp"
	"encoding/binary"

	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
)

// FactKey addresses a fact. Facts with the same key resolve last-writer-wins.
type FactKey struct {
	TypeID  string
	Context interfaces.ContextID
	Nonce   uint64
}

func (k FactKey) Compare(other FactKey) int {
	if c := cmp.Compare(k.TypeID, other.TypeID); c != 0 {
		return c
	}
	if c := bytes.Compare(k.Context[:], other.Context[:]); c != 0 {
		return c
	}
	return cmp.Compare(k.Nonce, other.Nonce)
}

// Fact is an append-only journal entry. Value is encoded by the codec
// registered for TypeID.
type Fact struct {
	Key     FactKey
	Value   []byte
	Lamport uint64
	Author  interfaces.DeviceID
}

// Fingerprint identifies the exact fact content.
func (f Fact) Fingerprint() cryptoutils.Hash {
	return cryptoutils.DomainSum("aura.journal.fact",
		[]byte(f.Key.TypeID), f.Key.Context[:], cryptoutils.Uint64LE(f.Key.Nonce),
		f.Value, cryptoutils.Uint64LE(f.Lamport), f.Author[:])
}

// newerThan orders two facts for the same key by Lamport time, breaking ties
// on fingerprint.
func (f Fact) newerThan(other Fact) bool {
	if f.Lamport != other.Lamport {
		return f.Lamport > other.Lamport
	}
	a, b := f.Fingerprint(), other.Fingerprint()
	return a.Compare(b) > 0
}

// NonceFromHash derives a logical nonce from content, for facts keyed by what
// they say rather than by a counter.
func NonceFromHash(h cryptoutils.Hash) uint64 {
	return binary.LittleEndian.Uint64(h[:8])
}

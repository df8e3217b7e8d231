package effects

import (
	"bytes"
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
)

// SystemRandom draws from crypto/rand.
type SystemRandom struct{}

func (SystemRandom) Read(p []byte) (int, error) { return crand.Read(p) }

func (r SystemRandom) RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := crand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func (r SystemRandom) RandomU64() uint64 {
	return binary.LittleEndian.Uint64(r.RandomBytes(8))
}

func (SystemRandom) RandomUUID() uuid.UUID { return uuid.New() }

// SimulatedRandom is a deterministic stream seeded for reproducible
// simulations. It must never back production key material.
type SimulatedRandom struct {
	mu  sync.Mutex
	src *rand.ChaCha8
}

// NewSimulatedRandom seeds the stream from seed.
func NewSimulatedRandom(seed uint64) *SimulatedRandom {
	var s [32]byte
	binary.LittleEndian.PutUint64(s[:], seed)
	return &SimulatedRandom{src: rand.NewChaCha8(s)}
}

func (r *SimulatedRandom) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Read(p)
}

func (r *SimulatedRandom) RandomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = r.Read(b)
	return b
}

func (r *SimulatedRandom) RandomU64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Uint64()
}

func (r *SimulatedRandom) RandomUUID() uuid.UUID {
	id, err := uuid.NewRandomFromReader(bytes.NewReader(r.RandomBytes(16)))
	if err != nil {
		panic(err)
	}
	return id
}

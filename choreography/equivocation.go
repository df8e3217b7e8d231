package choreography

import (
	"log/slog"
	"sync"

	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

// TypeEquivocationProof is the fact type of recorded equivocation.
const TypeEquivocationProof = "consensus.equivocation"

// EquivocationProof shows one witness producing two results for the same
// consensus instance and prestate. The signatures are the witness's own
// contributions for each result.
type EquivocationProof struct {
	Witness         interfaces.DeviceID
	ConsensusID     cryptoutils.Hash
	PrestateHash    cryptoutils.Hash
	FirstResult     cryptoutils.Hash
	SecondResult    cryptoutils.Hash
	FirstSignature  []byte
	SecondSignature []byte
}

// ID is the content hash of the proof.
func (p *EquivocationProof) ID() cryptoutils.Hash {
	return cryptoutils.DomainSum("aura.equivocation",
		p.Witness[:], p.ConsensusID[:], p.PrestateHash[:], p.FirstResult[:], p.SecondResult[:])
}

// RegisterFacts adds the choreography fact types to registry.
func RegisterFacts(registry *journal.Registry) error {
	return registry.Register(TypeEquivocationProof, journal.Opaque[EquivocationProof]())
}

// RecordEquivocation stores p as a fact under context c.
func RecordEquivocation(j *journal.Journal, c interfaces.ContextID, p EquivocationProof, author interfaces.DeviceID) (journal.Fact, error) {
	return j.Emit(TypeEquivocationProof, c, journal.NonceFromHash(p.ID()), &p, author)
}

type witnessKey struct {
	consensus cryptoutils.Hash
	prestate  cryptoutils.Hash
	witness   interfaces.DeviceID
}

type witnessResult struct {
	result    cryptoutils.Hash
	signature []byte
}

// EquivocationDetector remembers the first result each witness contributed
// to a (consensus, prestate) pair.
type EquivocationDetector struct {
	mu   sync.Mutex
	seen map[witnessKey]witnessResult
	log  *slog.Logger
}

// NewEquivocationDetector creates an empty detector.
func NewEquivocationDetector(log *slog.Logger) *EquivocationDetector {
	return &EquivocationDetector{seen: map[witnessKey]witnessResult{}, log: common.OrDiscard(log)}
}

// Observe records a contribution. Repeating the same result is accepted; a
// different result returns *EquivocationError and the first result stays
// authoritative.
func (d *EquivocationDetector) Observe(witness interfaces.DeviceID, consensus, prestate, result cryptoutils.Hash, signature []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := witnessKey{consensus: consensus, prestate: prestate, witness: witness}
	first, ok := d.seen[key]
	if !ok {
		d.seen[key] = witnessResult{result: result, signature: signature}
		return nil
	}
	if first.result == result {
		return nil
	}

	d.log.Warn("equivocation detected",
		slog.String("witness", witness.String()),
		slog.String("consensus_id", consensus.String()),
		slog.String("first", first.result.String()),
		slog.String("second", result.String()))
	return &EquivocationError{Proof: EquivocationProof{
		Witness:         witness,
		ConsensusID:     consensus,
		PrestateHash:    prestate,
		FirstResult:     first.result,
		SecondResult:    result,
		FirstSignature:  first.signature,
		SecondSignature: signature,
	}}
}

// Forget drops everything recorded for consensus.
func (d *EquivocationDetector) Forget(consensus cryptoutils.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.seen {
		if k.consensus == consensus {
			delete(d.seen, k)
		}
	}
}

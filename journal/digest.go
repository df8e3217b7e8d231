package journal

import (
	"github.com/ruteri/aura/cryptoutils"
)

// DefaultBatchSize bounds the operations requested per anti-entropy round.
const DefaultBatchSize = 128

// Digest summarizes a journal for anti-entropy comparison.
type Digest struct {
	OperationCount uint64
	LastEpoch      uint64
	OperationHash  cryptoutils.Hash
	FactHash       cryptoutils.Hash
	CapsHash       cryptoutils.Hash
}

// DigestStatus relates a local digest to a remote one.
type DigestStatus int

const (
	DigestEqual DigestStatus = iota
	DigestLocalBehind
	DigestRemoteBehind
	DigestDiverged
)

func (s DigestStatus) String() string {
	switch s {
	case DigestEqual:
		return "equal"
	case DigestLocalBehind:
		return "local_behind"
	case DigestRemoteBehind:
		return "remote_behind"
	default:
		return "diverged"
	}
}

// Digest computes the journal digest.
func (j *Journal) Digest() Digest {
	d := Digest{OperationCount: uint64(len(j.Operations))}
	opParts := make([][]byte, 0, len(j.Operations))
	for i := range j.Operations {
		fp := j.Operations[i].Fingerprint()
		opParts = append(opParts, fp[:])
		d.LastEpoch = max(d.LastEpoch, j.Operations[i].Op.ParentEpoch)
	}
	d.OperationHash = cryptoutils.DomainSum("aura.digest.ops", opParts...)

	keys := j.sortedFactKeys()
	factParts := make([][]byte, 0, len(keys))
	for _, k := range keys {
		fp := j.Facts[k].Fingerprint()
		factParts = append(factParts, fp[:])
	}
	d.FactHash = cryptoutils.DomainSum("aura.digest.facts", factParts...)

	caps, _ := Encode(&j.Caps)
	d.CapsHash = cryptoutils.DomainSum("aura.digest.caps", caps)
	return d
}

// Matches reports whether two digests describe the same journal.
func (d Digest) Matches(other Digest) bool {
	return d.OperationCount == other.OperationCount &&
		d.OperationHash == other.OperationHash &&
		d.FactHash == other.FactHash &&
		d.CapsHash == other.CapsHash
}

// CompareDigests classifies local relative to remote.
func CompareDigests(local, remote Digest) DigestStatus {
	switch {
	case local.Matches(remote):
		return DigestEqual
	case local.OperationCount < remote.OperationCount:
		return DigestLocalBehind
	case local.OperationCount > remote.OperationCount:
		return DigestRemoteBehind
	default:
		return DigestDiverged
	}
}

// SyncRequest asks a peer for operations [From, From+Count).
type SyncRequest struct {
	From  uint64
	Count uint64
}

// PlanRequest decides what to fetch from a peer. ok is false when the local
// journal has nothing to fetch.
func PlanRequest(local, remote Digest, batchSize uint64) (req SyncRequest, ok bool) {
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	switch CompareDigests(local, remote) {
	case DigestLocalBehind:
		return SyncRequest{From: local.OperationCount, Count: min(remote.OperationCount-local.OperationCount, batchSize)}, true
	case DigestDiverged:
		return SyncRequest{From: 0, Count: batchSize}, true
	}
	return SyncRequest{}, false
}

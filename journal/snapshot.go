package journal

import (
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
)

// Snapshot is an archived journal, self-describing enough to check on restore.
type Snapshot struct {
	Account   interfaces.AccountID
	TreeEpoch uint64
	TreeRoot  cryptoutils.Hash
	CreatedAt uint64
	Journal   []byte
}

// NewSnapshot captures j.
func NewSnapshot(j *Journal, nowMs uint64) (*Snapshot, error) {
	data, err := EncodeJournal(j)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Account:   j.Account.Account,
		TreeEpoch: j.Tree.Epoch(),
		TreeRoot:  j.Tree.RootCommitment(),
		CreatedAt: nowMs,
		Journal:   data,
	}, nil
}

// Encode returns the snapshot bytes stored in an archive.
func (s *Snapshot) Encode() ([]byte, error) {
	return Encode(s)
}

// DecodeSnapshot parses archived snapshot bytes.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := decode(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Restore decodes the journal and checks it matches the recorded tree root.
func (s *Snapshot) Restore(registry *Registry) (*Journal, error) {
	j, err := DecodeJournal(s.Journal, registry)
	if err != nil {
		return nil, err
	}
	if err := j.Tree.Verify(s.TreeRoot); err != nil {
		return nil, err
	}
	if j.Account.Account != s.Account {
		return nil, interfaces.NewError(interfaces.KindFatal, "snapshot restore", "account mismatch")
	}
	return j, nil
}

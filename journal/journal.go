package journal

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ruteri/aura/capability"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/ratchettree"
)

// Journal is the replicated account journal: facts, the capability frontier,
// attested operations and the ratchet tree, plus the account state it owns.
type Journal struct {
	Account    *AccountState
	Facts      map[FactKey]Fact
	Caps       capability.Frontier
	Operations []AttestedOp
	Tree       *ratchettree.Tree

	registry *Registry
	seen     map[cryptoutils.Hash]bool
}

// New returns an empty journal for account.
func New(account interfaces.AccountID, registry *Registry) *Journal {
	return &Journal{
		Account:  NewAccountState(account),
		Facts:    map[FactKey]Fact{},
		Caps:     capability.Top(),
		Tree:     ratchettree.New(),
		registry: registry,
		seen:     map[cryptoutils.Hash]bool{},
	}
}

// Registry returns the fact registry the journal validates against.
func (j *Journal) Registry() *Registry { return j.registry }

// AddFact inserts f. Facts of known types must decode; unknown types are kept
// opaquely. It reports whether f replaced the stored value for its key.
func (j *Journal) AddFact(f Fact) (bool, error) {
	binding, _, err := j.registry.Reduce(f)
	if err != nil {
		return false, err
	}
	j.Account.Observe(f.Lamport)
	if cur, ok := j.Facts[f.Key]; ok && !f.newerThan(cur) {
		return false, nil
	}
	j.Facts[f.Key] = f
	j.Account.ApplyBinding(binding)
	return true, nil
}

// AddFacts inserts all facts or none.
func (j *Journal) AddFacts(facts []Fact) error {
	for _, f := range facts {
		if _, _, err := j.registry.Reduce(f); err != nil {
			return err
		}
	}
	for _, f := range facts {
		if _, err := j.AddFact(f); err != nil {
			return err
		}
	}
	return nil
}

// NewFact encodes value as a fact authored locally at the next Lamport time.
// The fact is not inserted.
func (j *Journal) NewFact(typeID string, ctx interfaces.ContextID, nonce uint64, value any, author interfaces.DeviceID) (Fact, error) {
	data, err := Encode(value)
	if err != nil {
		return Fact{}, err
	}
	return Fact{
		Key:     FactKey{TypeID: typeID, Context: ctx, Nonce: nonce},
		Value:   data,
		Lamport: j.Account.Tick(),
		Author:  author,
	}, nil
}

// Emit builds and inserts a fact.
func (j *Journal) Emit(typeID string, ctx interfaces.ContextID, nonce uint64, value any, author interfaces.DeviceID) (Fact, error) {
	f, err := j.NewFact(typeID, ctx, nonce, value, author)
	if err != nil {
		return Fact{}, err
	}
	if _, err := j.AddFact(f); err != nil {
		return Fact{}, err
	}
	return f, nil
}

// Fact returns the fact stored under key.
func (j *Journal) Fact(key FactKey) (Fact, bool) {
	f, ok := j.Facts[key]
	return f, ok
}

// FactsOfType returns facts of typeID in key order.
func (j *Journal) FactsOfType(typeID string) []Fact {
	var out []Fact
	for _, k := range j.sortedFactKeys() {
		if k.TypeID == typeID {
			out = append(out, j.Facts[k])
		}
	}
	return out
}

// DecodeFacts decodes every fact of typeID into T.
func DecodeFacts[T any](j *Journal, typeID string) ([]T, error) {
	var out []T
	for _, f := range j.FactsOfType(typeID) {
		var v T
		if err := decode(f.Value, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (j *Journal) sortedFactKeys() []FactKey {
	return slices.SortedFunc(maps.Keys(j.Facts), FactKey.Compare)
}

// HasOperation reports whether an op with fingerprint fp is in the journal.
func (j *Journal) HasOperation(fp cryptoutils.Hash) bool {
	return j.seen[fp]
}

// ApplyAttested verifies op, applies it to the tree and records it. Applying
// an op already in the journal is a no-op that returns false.
func (j *Journal) ApplyAttested(op AttestedOp) (bool, error) {
	fp := op.Fingerprint()
	if j.seen[fp] {
		return false, nil
	}
	if err := op.Verify(j.Account.Account, j.Account.GroupKey); err != nil {
		return false, err
	}

	next := j.Tree.Clone()
	var removed ratchettree.LeafNode
	if op.Op.Kind == ratchettree.OpRemoveLeaf {
		removed, _ = next.Leaf(op.Op.LeafIndex)
	}
	if _, err := next.Apply(op.Op); err != nil {
		return false, err
	}
	j.Tree = next
	j.recordOp(op, fp)
	j.applyMembership(op.Op, removed)
	return true, nil
}

func (j *Journal) recordOp(op AttestedOp, fp cryptoutils.Hash) {
	j.seen[fp] = true
	j.Operations = append(j.Operations, op)
	j.sortOperations()
	j.Account.RecordEvent(fp)
}

// applyMembership mirrors a membership change into the account state.
func (j *Journal) applyMembership(op ratchettree.TreeOp, removed ratchettree.LeafNode) {
	switch op.Kind {
	case ratchettree.OpAddLeaf, ratchettree.OpRecoveryGrant:
		if op.Leaf.Role == ratchettree.RoleGuardian {
			g := GuardianMetadata{ID: interfaces.GuardianID(op.Leaf.ID), PublicKey: op.Leaf.PublicKey, AddedAt: j.Account.Lamport}
			var meta GuardianMetadata
			if decode(op.Leaf.Metadata, &meta) == nil {
				g.Name, g.ShareIndex = meta.Name, meta.ShareIndex
			}
			j.Account.AddGuardian(g)
			return
		}
		d := DeviceMetadata{ID: interfaces.DeviceID(op.Leaf.ID), PublicKey: op.Leaf.PublicKey, AddedAt: j.Account.Lamport}
		var meta DeviceMetadata
		if decode(op.Leaf.Metadata, &meta) == nil {
			d.Name, d.Identifier = meta.Name, meta.Identifier
		}
		j.Account.AddDevice(d)
	case ratchettree.OpRemoveLeaf:
		if removed.Role == ratchettree.RoleGuardian {
			j.Account.RemoveGuardian(interfaces.GuardianID(removed.ID))
		} else {
			j.Account.RemoveDevice(interfaces.DeviceID(removed.ID))
		}
	}
}

func (j *Journal) sortOperations() {
	slices.SortStableFunc(j.Operations, func(a, b AttestedOp) int {
		if a.Op.ParentEpoch != b.Op.ParentEpoch {
			if a.Op.ParentEpoch < b.Op.ParentEpoch {
				return -1
			}
			return 1
		}
		fa, fb := a.Fingerprint(), b.Fingerprint()
		return fa.Compare(fb)
	})
}

// MergeOperations adds remote operations, deduplicating by fingerprint. Each
// must verify. Operations that extend the local tree are applied in order.
func (j *Journal) MergeOperations(ops []AttestedOp) (applied, duplicates int, err error) {
	for _, op := range ops {
		fp := op.Fingerprint()
		if j.seen[fp] {
			duplicates++
			continue
		}
		if err := op.Verify(j.Account.Account, j.Account.GroupKey); err != nil {
			return applied, duplicates, err
		}
		j.recordOp(op, fp)
		applied++
	}
	j.replayTree()
	return applied, duplicates, nil
}

// replayTree applies logged operations that extend the current tree.
func (j *Journal) replayTree() {
	for progressed := true; progressed; {
		progressed = false
		for _, op := range j.Operations {
			if op.Op.ParentEpoch != j.Tree.Epoch() || op.Op.ParentCommitment != j.Tree.RootCommitment() {
				continue
			}
			next := j.Tree.Clone()
			var removed ratchettree.LeafNode
			if op.Op.Kind == ratchettree.OpRemoveLeaf {
				removed, _ = next.Leaf(op.Op.LeafIndex)
			}
			if _, err := next.Apply(op.Op); err != nil {
				continue
			}
			j.Tree = next
			j.applyMembership(op.Op, removed)
			progressed = true
		}
	}
}

// OperationsRange returns up to count operations starting at from.
func (j *Journal) OperationsRange(from, count int) []AttestedOp {
	if from >= len(j.Operations) || count <= 0 {
		return nil
	}
	end := min(len(j.Operations), from+count)
	return slices.Clone(j.Operations[from:end])
}

// Merge joins other into j: facts by last-writer-wins, caps by meet, the tree
// with the greater epoch, operations by fingerprint, and the account state by
// its own join.
func (j *Journal) Merge(other *Journal) error {
	for _, k := range other.sortedFactKeys() {
		if _, err := j.AddFact(other.Facts[k]); err != nil {
			return fmt.Errorf("failed to merge fact %s: %w", k.TypeID, err)
		}
	}
	j.Caps = j.Caps.Meet(other.Caps)

	if treeAfter(other.Tree, j.Tree) {
		j.Tree = other.Tree.Clone()
	}
	for _, op := range other.Operations {
		fp := op.Fingerprint()
		if !j.seen[fp] {
			j.seen[fp] = true
			j.Operations = append(j.Operations, op)
		}
	}
	j.sortOperations()

	j.Account.Merge(other.Account)
	return nil
}

func treeAfter(a, b *ratchettree.Tree) bool {
	if a.Epoch() != b.Epoch() {
		return a.Epoch() > b.Epoch()
	}
	ra, rb := a.RootCommitment(), b.RootCommitment()
	return ra.Compare(rb) > 0
}

// journalWire is the canonical encoding of a journal.
type journalWire struct {
	Account    accountWire
	Facts      []Fact
	Caps       capability.Frontier
	Operations []AttestedOp
	Tree       ratchettree.State
}

// EncodeJournal returns the canonical encoding of j. Equal journals encode
// to equal bytes.
func EncodeJournal(j *Journal) ([]byte, error) {
	w := journalWire{
		Account:    j.Account.wire(),
		Caps:       j.Caps,
		Operations: j.Operations,
		Tree:       j.Tree.State(),
	}
	for _, k := range j.sortedFactKeys() {
		w.Facts = append(w.Facts, j.Facts[k])
	}
	return Encode(&w)
}

// DecodeJournal parses an encoded journal. The tree is rebuilt and the facts
// of known types are checked against registry.
func DecodeJournal(data []byte, registry *Registry) (*Journal, error) {
	var w journalWire
	if err := decode(data, &w); err != nil {
		return nil, err
	}
	tree, err := ratchettree.FromState(w.Tree, cryptoutils.Hash{})
	if err != nil {
		return nil, err
	}

	j := &Journal{
		Account:  accountFromWire(w.Account),
		Facts:    make(map[FactKey]Fact, len(w.Facts)),
		Caps:     w.Caps,
		Tree:     tree,
		registry: registry,
		seen:     map[cryptoutils.Hash]bool{},
	}
	for _, f := range w.Facts {
		if _, _, err := registry.Reduce(f); err != nil {
			return nil, err
		}
		j.Facts[f.Key] = f
	}
	for _, op := range w.Operations {
		fp := op.Fingerprint()
		if !j.seen[fp] {
			j.seen[fp] = true
			j.Operations = append(j.Operations, op)
		}
	}
	j.sortOperations()
	return j, nil
}

// Clone returns a deep copy.
func (j *Journal) Clone() *Journal {
	data, err := EncodeJournal(j)
	if err != nil {
		panic(err)
	}
	c, err := DecodeJournal(data, j.registry)
	if err != nil {
		panic(err)
	}
	return c
}

// Store guards a journal with single-writer discipline. Update runs on a copy
// and publishes it only if fn succeeds, so a commit is all-or-nothing to
// readers.
type Store struct {
	mu sync.RWMutex
	j  *Journal
}

// NewStore wraps j.
func NewStore(j *Journal) *Store {
	return &Store{j: j}
}

// View runs fn with read access. fn must not retain or mutate the journal.
func (s *Store) View(fn func(j *Journal) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.j)
}

// Update runs fn on a copy of the journal and swaps it in on success.
func (s *Store) Update(fn func(j *Journal) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.j.Clone()
	if err := fn(next); err != nil {
		return err
	}
	s.j = next
	return nil
}

// Snapshot returns a deep copy of the current journal.
func (s *Store) Snapshot() *Journal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.j.Clone()
}

// Replace swaps in j, e.g. after loading from storage.
func (s *Store) Replace(j *Journal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.j = j
}

// IsSerialization reports whether err is a journal decode failure.
func IsSerialization(err error) bool {
	return errors.Is(err, ErrSerialization)
}

package ratchettree

import (
	"bytes"
	"encoding/binary"
	"maps"
	"math/bits"
	"slices"

	"github.com/ruteri/aura/capability"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
)

// MaxLeaves bounds the tree so node indices fit in uint32.
const MaxLeaves = 1 << 20

// LeafID identifies a member. Device and guardian ids convert directly.
type LeafID [16]byte

func (id LeafID) String() string { return interfaces.DeviceID(id).String() }

// LeafRole is the kind of member a leaf holds.
type LeafRole uint8

const (
	RoleDevice LeafRole = iota
	RoleGuardian
)

func (r LeafRole) String() string {
	if r == RoleGuardian {
		return "guardian"
	}
	return "device"
}

// LeafNode is one member of the account.
type LeafNode struct {
	ID        LeafID
	Index     uint32
	Role      LeafRole
	PublicKey []byte
	Metadata  []byte
}

// NodePolicy assigns a policy to a branch node.
type NodePolicy struct {
	Node   uint32
	Policy capability.Policy
}

// State is the serialized form of a tree.
type State struct {
	Epoch    uint64
	Leaves   []LeafNode
	Policies []NodePolicy
}

// Tree is a left-balanced binary tree over the account's members. Leaves sit
// at even node indices 2i; the branch covering leaves [lo, hi) whose left
// subtree holds p leaves sits at 2(lo+p)-1.
type Tree struct {
	epoch    uint64
	leaves   []LeafNode
	policies map[uint32]capability.Policy

	commitments map[uint32]cryptoutils.Hash
	root        cryptoutils.Hash
}

// New returns an empty tree at epoch 0.
func New() *Tree {
	t := &Tree{policies: map[uint32]capability.Policy{}}
	t.recompute()
	return t
}

// FromState rebuilds a tree. If claimedRoot is non-zero the recomputed root
// must match it.
func FromState(st State, claimedRoot cryptoutils.Hash) (*Tree, error) {
	t := &Tree{epoch: st.Epoch, policies: map[uint32]capability.Policy{}}
	for i, l := range st.Leaves {
		l.Index = uint32(i)
		l.PublicKey = slices.Clone(l.PublicKey)
		l.Metadata = slices.Clone(l.Metadata)
		t.leaves = append(t.leaves, l)
	}
	for _, np := range st.Policies {
		if err := np.Policy.Validate(); err != nil {
			return nil, err
		}
		t.policies[np.Node] = np.Policy.Normalize()
	}
	t.recompute()
	if !claimedRoot.IsZero() && claimedRoot != t.root {
		return nil, &CommitmentMismatchError{Claimed: claimedRoot.String(), Computed: t.root.String()}
	}
	return t, nil
}

// State exports the tree.
func (t *Tree) State() State {
	st := State{Epoch: t.epoch}
	for _, l := range t.leaves {
		l.PublicKey = slices.Clone(l.PublicKey)
		l.Metadata = slices.Clone(l.Metadata)
		st.Leaves = append(st.Leaves, l)
	}
	for _, n := range slices.Sorted(maps.Keys(t.policies)) {
		st.Policies = append(st.Policies, NodePolicy{Node: n, Policy: t.policies[n]})
	}
	return st
}

// Clone returns an independent copy.
func (t *Tree) Clone() *Tree {
	c, _ := FromState(t.State(), cryptoutils.Hash{})
	return c
}

// Epoch is the tree epoch. Every applied operation advances it by one.
func (t *Tree) Epoch() uint64 {
	return t.epoch
}

func (t *Tree) NumLeaves() int {
	return len(t.leaves)
}

// RootCommitment summarizes membership, policies and epoch.
func (t *Tree) RootCommitment() cryptoutils.Hash {
	return t.root
}

// Leaves returns the members in index order.
func (t *Tree) Leaves() []LeafNode {
	return t.State().Leaves
}

// Leaf returns the leaf at index.
func (t *Tree) Leaf(index uint32) (LeafNode, error) {
	if int(index) >= len(t.leaves) {
		return LeafNode{}, ErrLeafNotFound
	}
	return t.State().Leaves[index], nil
}

// FindLeaf looks a member up by id.
func (t *Tree) FindLeaf(id LeafID) (LeafNode, bool) {
	for _, l := range t.leaves {
		if l.ID == id {
			l.PublicKey = slices.Clone(l.PublicKey)
			return l, true
		}
	}
	return LeafNode{}, false
}

// Commitment returns the commitment of a node.
func (t *Tree) Commitment(node uint32) (cryptoutils.Hash, bool) {
	h, ok := t.commitments[node]
	return h, ok
}

// Policy returns the policy of a branch. Unset branches are Any.
func (t *Tree) Policy(node uint32) capability.Policy {
	if p, ok := t.policies[node]; ok {
		return p
	}
	return capability.Any()
}

// RootNode returns the node index of the root.
func (t *Tree) RootNode() uint32 {
	return rootNode(len(t.leaves))
}

// Depth returns the number of edges from the root to the deepest leaf.
func (t *Tree) Depth() int {
	if len(t.leaves) <= 1 {
		return 0
	}
	return bits.Len(uint(len(t.leaves) - 1))
}

// Path returns the node indices from the leaf at index up to the root.
func (t *Tree) Path(index uint32) []uint32 {
	if int(index) >= len(t.leaves) {
		return nil
	}
	var path []uint32
	lo, hi := 0, len(t.leaves)
	for hi-lo > 1 {
		path = append(path, branchNode(lo, hi))
		p := splitPoint(hi - lo)
		if int(index) < lo+p {
			hi = lo + p
		} else {
			lo += p
		}
	}
	path = append(path, leafNode(int(index)))
	slices.Reverse(path)
	return path
}

// Verify recomputes every commitment and compares the root with claimed.
func (t *Tree) Verify(claimed cryptoutils.Hash) error {
	c := t.Clone()
	if c.root != claimed {
		return &CommitmentMismatchError{Claimed: claimed.String(), Computed: c.root.String()}
	}
	return nil
}

func leafNode(i int) uint32 { return uint32(2 * i) }

func branchNode(lo, hi int) uint32 {
	return uint32(2*(lo+splitPoint(hi-lo)) - 1)
}

// splitPoint is the size of the left subtree: the largest power of two
// strictly smaller than n.
func splitPoint(n int) int {
	return 1 << (bits.Len(uint(n-1)) - 1)
}

func rootNode(n int) uint32 {
	switch n {
	case 0:
		return 0
	case 1:
		return leafNode(0)
	}
	return branchNode(0, n)
}

func leafCommitment(index uint32, epoch uint64, publicKey []byte) cryptoutils.Hash {
	return cryptoutils.DomainSum("aura.tree.leaf",
		binary.LittleEndian.AppendUint32(nil, index), cryptoutils.Uint64LE(epoch), publicKey)
}

func branchCommitment(node uint32, epoch uint64, policy capability.Policy, left, right cryptoutils.Hash) cryptoutils.Hash {
	return cryptoutils.DomainSum("aura.tree.branch",
		binary.LittleEndian.AppendUint32(nil, node), cryptoutils.Uint64LE(epoch), policy.Tag(), left[:], right[:])
}

// recompute rebuilds every commitment. The epoch is bound into each node, so
// any mutation changes all of them.
func (t *Tree) recompute() {
	t.commitments = make(map[uint32]cryptoutils.Hash, 2*len(t.leaves))
	if len(t.leaves) == 0 {
		t.root = cryptoutils.DomainSum("aura.tree.empty", cryptoutils.Uint64LE(t.epoch))
		return
	}
	var build func(lo, hi int) cryptoutils.Hash
	build = func(lo, hi int) cryptoutils.Hash {
		if hi-lo == 1 {
			h := leafCommitment(uint32(lo), t.epoch, t.leaves[lo].PublicKey)
			t.commitments[leafNode(lo)] = h
			return h
		}
		p := splitPoint(hi - lo)
		left := build(lo, lo+p)
		right := build(lo+p, hi)
		node := branchNode(lo, hi)
		h := branchCommitment(node, t.epoch, t.Policy(node), left, right)
		t.commitments[node] = h
		return h
	}
	t.root = build(0, len(t.leaves))
}

func (t *Tree) isBranch(node uint32) bool {
	_, ok := t.commitments[node]
	return ok && node%2 == 1
}

func (t *Tree) indexOf(id LeafID) int {
	return slices.IndexFunc(t.leaves, func(l LeafNode) bool { return l.ID == id })
}

// Equal compares two trees by epoch and root.
func (t *Tree) Equal(other *Tree) bool {
	return t.epoch == other.epoch && bytes.Equal(t.root[:], other.root[:])
}

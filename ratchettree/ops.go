package ratchettree

import (
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ruteri/aura/capability"
	"github.com/ruteri/aura/cryptoutils"
)

// OpKind enumerates tree mutations.
type OpKind uint8

const (
	OpAddLeaf OpKind = iota + 1
	OpRemoveLeaf
	OpRotatePath
	OpRefreshPolicy
	OpEpochBump
	OpRecoveryGrant
)

func (k OpKind) String() string {
	switch k {
	case OpAddLeaf:
		return "add_leaf"
	case OpRemoveLeaf:
		return "remove_leaf"
	case OpRotatePath:
		return "rotate_path"
	case OpRefreshPolicy:
		return "refresh_policy"
	case OpEpochBump:
		return "epoch_bump"
	case OpRecoveryGrant:
		return "recovery_grant"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// TreeOp is a mutation bound to the epoch and root it was built against.
// Fields not used by Kind are left zero.
type TreeOp struct {
	Kind             OpKind
	ParentEpoch      uint64
	ParentCommitment cryptoutils.Hash
	Leaf             LeafNode
	LeafIndex        uint32
	NodeIndex        uint32
	Policy           capability.Policy
	Reason           string
}

func (t *Tree) newOp(kind OpKind) TreeOp {
	return TreeOp{Kind: kind, ParentEpoch: t.epoch, ParentCommitment: t.root}
}

// AddLeafOp proposes adding a member.
func (t *Tree) AddLeafOp(leaf LeafNode) TreeOp {
	op := t.newOp(OpAddLeaf)
	op.Leaf = leaf
	return op
}

// RemoveLeafOp proposes removing the member at index.
func (t *Tree) RemoveLeafOp(index uint32, reason string) TreeOp {
	op := t.newOp(OpRemoveLeaf)
	op.LeafIndex = index
	op.Reason = reason
	return op
}

// RotatePathOp proposes replacing the key of the member at index.
func (t *Tree) RotatePathOp(index uint32, publicKey []byte) TreeOp {
	op := t.newOp(OpRotatePath)
	op.LeafIndex = index
	op.Leaf.PublicKey = publicKey
	return op
}

// RefreshPolicyOp proposes restricting the policy of a branch.
func (t *Tree) RefreshPolicyOp(node uint32, policy capability.Policy) TreeOp {
	op := t.newOp(OpRefreshPolicy)
	op.NodeIndex = node
	op.Policy = policy
	return op
}

// EpochBumpOp proposes advancing the epoch without a membership change.
func (t *Tree) EpochBumpOp(reason string) TreeOp {
	op := t.newOp(OpEpochBump)
	op.Reason = reason
	return op
}

// RecoveryGrantOp proposes installing a recovered device's key.
func (t *Tree) RecoveryGrantOp(leaf LeafNode) TreeOp {
	op := t.newOp(OpRecoveryGrant)
	op.Leaf = leaf
	return op
}

// Apply validates op against the current epoch and root, mutates the tree,
// advances the epoch by one and recomputes commitments. It returns the path
// of the affected leaf, or nil for operations without one. On error the tree
// is unchanged.
func (t *Tree) Apply(op TreeOp) ([]uint32, error) {
	if op.ParentEpoch != t.epoch || op.ParentCommitment != t.root {
		return nil, &StaleOpError{Epoch: op.ParentEpoch, CurrentEpoch: t.epoch}
	}

	affected := -1
	switch op.Kind {
	case OpAddLeaf:
		if t.indexOf(op.Leaf.ID) >= 0 {
			return nil, ErrDuplicateLeaf
		}
		if len(t.leaves) >= MaxLeaves {
			return nil, ErrTreeFull
		}
		affected = len(t.leaves)
		t.leaves = append(t.leaves, cloneLeaf(op.Leaf, uint32(affected)))

	case OpRemoveLeaf:
		idx := int(op.LeafIndex)
		if idx >= len(t.leaves) {
			return nil, ErrLeafNotFound
		}
		if len(t.leaves) == 1 {
			return nil, ErrEmptyTree
		}
		// Swap with last keeps the tree left-balanced.
		last := len(t.leaves) - 1
		t.leaves[idx] = t.leaves[last]
		t.leaves[idx].Index = uint32(idx)
		t.leaves = t.leaves[:last]
		if idx < last {
			affected = idx
		}
		t.prunePolicies()

	case OpRotatePath:
		idx := int(op.LeafIndex)
		if idx >= len(t.leaves) {
			return nil, ErrLeafNotFound
		}
		t.leaves[idx].PublicKey = slices.Clone(op.Leaf.PublicKey)
		affected = idx

	case OpRefreshPolicy:
		if !t.isBranch(op.NodeIndex) {
			return nil, ErrNotBranch
		}
		if err := op.Policy.Validate(); err != nil {
			return nil, err
		}
		if !op.Policy.LessOrEqual(t.Policy(op.NodeIndex)) {
			return nil, ErrPolicyWidening
		}
		t.policies[op.NodeIndex] = op.Policy.Normalize()

	case OpEpochBump:

	case OpRecoveryGrant:
		if idx := t.indexOf(op.Leaf.ID); idx >= 0 {
			t.leaves[idx].PublicKey = slices.Clone(op.Leaf.PublicKey)
			t.leaves[idx].Role = op.Leaf.Role
			affected = idx
			break
		}
		if len(t.leaves) >= MaxLeaves {
			return nil, ErrTreeFull
		}
		affected = len(t.leaves)
		t.leaves = append(t.leaves, cloneLeaf(op.Leaf, uint32(affected)))

	default:
		return nil, ErrUnknownOp
	}

	t.epoch++
	t.recompute()
	if affected < 0 {
		return nil, nil
	}
	return t.Path(uint32(affected)), nil
}

// prunePolicies drops policies of branches that no longer exist.
func (t *Tree) prunePolicies() {
	t.recompute()
	for node := range t.policies {
		if !t.isBranch(node) {
			delete(t.policies, node)
		}
	}
}

func cloneLeaf(l LeafNode, index uint32) LeafNode {
	l.Index = index
	l.PublicKey = slices.Clone(l.PublicKey)
	l.Metadata = slices.Clone(l.Metadata)
	return l
}

// Encode returns the canonical encoding of op.
func (op TreeOp) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(&op)
}

// DecodeTreeOp parses an encoded TreeOp.
func DecodeTreeOp(data []byte) (TreeOp, error) {
	var op TreeOp
	if err := rlp.DecodeBytes(data, &op); err != nil {
		return TreeOp{}, fmt.Errorf("failed to decode tree op: %w", err)
	}
	return op, nil
}

// EncodeState returns the canonical encoding of a tree.
func (t *Tree) EncodeState() ([]byte, error) {
	st := t.State()
	return rlp.EncodeToBytes(&st)
}

// DecodeState parses an encoded tree and checks it against claimedRoot when
// that is non-zero.
func DecodeState(data []byte, claimedRoot cryptoutils.Hash) (*Tree, error) {
	var st State
	if err := rlp.DecodeBytes(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode tree state: %w", err)
	}
	return FromState(st, claimedRoot)
}

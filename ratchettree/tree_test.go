package ratchettree

import (
	"encoding/binary"
	"testing"

	"github.com/ruteri/aura/capability"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLeaf(n int) LeafNode {
	var id LeafID
	binary.BigEndian.PutUint32(id[12:], uint32(n))
	return LeafNode{ID: id, Role: RoleDevice, PublicKey: []byte{byte(n), byte(n >> 8), 0xaa}}
}

func buildTree(t *testing.T, n int) *Tree {
	t.Helper()
	tree := New()
	for i := 1; i <= n; i++ {
		_, err := tree.Apply(tree.AddLeafOp(testLeaf(i)))
		require.NoError(t, err)
	}
	return tree
}

func TestNodeIndices(t *testing.T) {
	tests := []struct {
		leaves int
		root   uint32
		depth  int
	}{
		{1, 0, 0},
		{2, 1, 1},
		{3, 3, 2},
		{4, 3, 2},
		{5, 7, 3},
		{255, 255, 8},
		{256, 255, 8},
		{257, 511, 9},
	}
	for _, tt := range tests {
		tree := &Tree{leaves: make([]LeafNode, tt.leaves), policies: map[uint32]capability.Policy{}}
		assert.Equal(t, tt.root, tree.RootNode(), "root for %d leaves", tt.leaves)
		assert.Equal(t, tt.depth, tree.Depth(), "depth for %d leaves", tt.leaves)
	}
}

func TestAdd256thLeaf(t *testing.T) {
	tree := buildTree(t, 255)
	require.Equal(t, uint64(255), tree.Epoch())

	path, err := tree.Apply(tree.AddLeafOp(testLeaf(256)))
	require.NoError(t, err)
	assert.Equal(t, uint64(256), tree.Epoch())
	assert.Equal(t, 256, tree.NumLeaves())
	assert.Equal(t, 8, tree.Depth())
	assert.Len(t, path, 9)
	assert.Equal(t, uint32(510), path[0])
	assert.Equal(t, tree.RootNode(), path[len(path)-1])
	require.NoError(t, tree.Verify(tree.RootCommitment()))
}

func TestRemoveLeafSwapsWithLast(t *testing.T) {
	tree := buildTree(t, 5)
	last := tree.leaves[4].ID

	path, err := tree.Apply(tree.RemoveLeafOp(1, "lost"))
	require.NoError(t, err)
	assert.Equal(t, 4, tree.NumLeaves())
	assert.Equal(t, last, tree.leaves[1].ID)
	assert.Equal(t, uint32(1), tree.leaves[1].Index)
	assert.Equal(t, []uint32{2, 1, 3}, path)

	_, found := tree.FindLeaf(testLeaf(2).ID)
	assert.False(t, found)

	// Removing the last index needs no swap
	path, err = tree.Apply(tree.RemoveLeafOp(3, ""))
	require.NoError(t, err)
	assert.Nil(t, path)
	assert.Equal(t, 3, tree.NumLeaves())
}

func TestApplyRejectsStaleAndInvalidOps(t *testing.T) {
	tree := buildTree(t, 2)
	stale := tree.AddLeafOp(testLeaf(9))
	_, err := tree.Apply(tree.EpochBumpOp("routine"))
	require.NoError(t, err)

	root := tree.RootCommitment()
	_, err = tree.Apply(stale)
	var staleErr *StaleOpError
	require.ErrorAs(t, err, &staleErr)
	assert.Equal(t, uint64(2), staleErr.Epoch)
	assert.Equal(t, root, tree.RootCommitment())

	_, err = tree.Apply(tree.AddLeafOp(testLeaf(1)))
	assert.ErrorIs(t, err, ErrDuplicateLeaf)
	_, err = tree.Apply(tree.RotatePathOp(7, []byte{1}))
	assert.ErrorIs(t, err, ErrLeafNotFound)
	_, err = tree.Apply(tree.RefreshPolicyOp(0, capability.All()))
	assert.ErrorIs(t, err, ErrNotBranch)

	single := buildTree(t, 1)
	_, err = single.Apply(single.RemoveLeafOp(0, ""))
	assert.ErrorIs(t, err, ErrEmptyTree)
}

func TestRefreshPolicyOnlyRestricts(t *testing.T) {
	tree := buildTree(t, 3)
	root := tree.RootNode()
	before := tree.RootCommitment()

	_, err := tree.Apply(tree.RefreshPolicyOp(root, capability.Threshold(2, 3)))
	require.NoError(t, err)
	assert.Equal(t, capability.Threshold(2, 3), tree.Policy(root))
	assert.NotEqual(t, before, tree.RootCommitment())

	_, err = tree.Apply(tree.RefreshPolicyOp(root, capability.Any()))
	assert.ErrorIs(t, err, ErrPolicyWidening)
}

func TestRotateAndRecoveryGrant(t *testing.T) {
	tree := buildTree(t, 3)
	before := tree.RootCommitment()

	_, err := tree.Apply(tree.RotatePathOp(2, []byte("new key")))
	require.NoError(t, err)
	leaf, err := tree.Leaf(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("new key"), leaf.PublicKey)
	assert.NotEqual(t, before, tree.RootCommitment())

	recovered := testLeaf(2)
	recovered.PublicKey = []byte("recovered")
	_, err = tree.Apply(tree.RecoveryGrantOp(recovered))
	require.NoError(t, err)
	got, ok := tree.FindLeaf(recovered.ID)
	require.True(t, ok)
	assert.Equal(t, []byte("recovered"), got.PublicKey)
	assert.Equal(t, 3, tree.NumLeaves())

	_, err = tree.Apply(tree.RecoveryGrantOp(testLeaf(10)))
	require.NoError(t, err)
	assert.Equal(t, 4, tree.NumLeaves())
}

func TestCommitmentsDetectTampering(t *testing.T) {
	tree := buildTree(t, 4)
	_, err := tree.Apply(tree.RefreshPolicyOp(tree.RootNode(), capability.Threshold(3, 4)))
	require.NoError(t, err)

	encoded, err := tree.EncodeState()
	require.NoError(t, err)
	decoded, err := DecodeState(encoded, tree.RootCommitment())
	require.NoError(t, err)
	assert.True(t, tree.Equal(decoded))

	st := tree.State()
	st.Leaves[2].PublicKey = []byte("attacker")
	_, err = FromState(st, tree.RootCommitment())
	var mismatch *CommitmentMismatchError
	require.ErrorAs(t, err, &mismatch)

	st = tree.State()
	st.Epoch++
	_, err = FromState(st, tree.RootCommitment())
	require.ErrorAs(t, err, &mismatch)

	assert.Error(t, tree.Verify(cryptoutils.Hash{1}))
}

func TestTreeOpCodec(t *testing.T) {
	tree := buildTree(t, 2)
	ops := []TreeOp{
		tree.AddLeafOp(LeafNode{ID: LeafID{9}, Role: RoleGuardian, PublicKey: []byte{1, 2}, Metadata: []byte("g")}),
		tree.RemoveLeafOp(1, "compromised"),
		tree.RotatePathOp(0, []byte{3}),
		tree.RefreshPolicyOp(1, capability.Threshold(1, 2)),
		tree.EpochBumpOp("routine"),
	}
	for _, op := range ops {
		t.Run(op.Kind.String(), func(t *testing.T) {
			encoded, err := op.Encode()
			require.NoError(t, err)
			decoded, err := DecodeTreeOp(encoded)
			require.NoError(t, err)
			assert.Equal(t, op.Kind, decoded.Kind)
			assert.Equal(t, op.ParentCommitment, decoded.ParentCommitment)
			again, err := decoded.Encode()
			require.NoError(t, err)
			assert.Equal(t, encoded, again)
		})
	}

	_, err := DecodeTreeOp([]byte{0xff})
	assert.Error(t, err)
}

package ratchettree

import (
	"fmt"

	"github.com/ruteri/aura/interfaces"
)

var (
	ErrLeafNotFound   = &interfaces.Error{Kind: interfaces.KindNotFound, Message: "leaf not found"}
	ErrDuplicateLeaf  = &interfaces.Error{Kind: interfaces.KindConflict, Message: "leaf already in tree"}
	ErrNotBranch      = &interfaces.Error{Kind: interfaces.KindInvalidArgument, Message: "node is not a branch"}
	ErrPolicyWidening = &interfaces.Error{Kind: interfaces.KindInvalidArgument, Message: "policy refresh may only restrict"}
	ErrUnknownOp      = &interfaces.Error{Kind: interfaces.KindInvalidArgument, Message: "unknown tree operation"}
	ErrTreeFull       = &interfaces.Error{Kind: interfaces.KindExhausted, Message: "tree is full"}
	ErrEmptyTree      = &interfaces.Error{Kind: interfaces.KindInvalidArgument, Message: "cannot remove the last leaf"}
)

// StaleOpError is returned when an operation was built against a different
// epoch or root than the tree's current one.
type StaleOpError struct {
	Epoch        uint64
	CurrentEpoch uint64
}

func (e *StaleOpError) Error() string {
	return fmt.Sprintf("stale tree operation: built at epoch %d, tree at %d", e.Epoch, e.CurrentEpoch)
}

func (e *StaleOpError) ErrorKind() interfaces.Kind { return interfaces.KindConflict }
func (e *StaleOpError) Unwrap() error              { return interfaces.ErrConflict }

// CommitmentMismatchError reports a tree whose recomputed root differs from
// the claimed one.
type CommitmentMismatchError struct {
	Claimed, Computed string
}

func (e *CommitmentMismatchError) Error() string {
	return fmt.Sprintf("tree commitment mismatch: claimed %s, computed %s", e.Claimed, e.Computed)
}

func (e *CommitmentMismatchError) ErrorKind() interfaces.Kind { return interfaces.KindFatal }
func (e *CommitmentMismatchError) Unwrap() error              { return interfaces.ErrFatal }

package choreography

import (
	"errors"
	"fmt"

	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
)

var (
	// ErrUnknownMessage is returned for a message name the protocol does not define.
	ErrUnknownMessage = &interfaces.Error{Kind: interfaces.KindInvalidArgument, Message: "unknown ceremony message"}

	// ErrInvalidProtocol is returned by Protocol.Validate.
	ErrInvalidProtocol = &interfaces.Error{Kind: interfaces.KindInvalidArgument, Message: "invalid protocol definition"}

	// ErrSessionCancelled is returned when a peer or the local caller cancelled
	// the session.
	ErrSessionCancelled = &interfaces.Error{Kind: interfaces.KindCancelled, Message: "ceremony cancelled"}

	// ErrBadReceipt is returned for an inbound message whose receipt is missing
	// or does not cover the declared flow cost.
	ErrBadReceipt = &interfaces.Error{Kind: interfaces.KindPermissionDenied, Message: "invalid guard receipt"}
)

// TimeoutError reports a missed phase deadline.
type TimeoutError struct {
	Phase Phase
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ceremony timed out in %s", e.Phase)
}

func (e *TimeoutError) ErrorKind() interfaces.Kind { return interfaces.KindTimeout }
func (e *TimeoutError) Unwrap() error              { return interfaces.ErrTimeout }

// SnapshotMismatchError is raised when a participant NACKs an intent because
// its tree root differs from the intent's snapshot commitment.
type SnapshotMismatchError struct {
	Expected   cryptoutils.Hash
	Actual     cryptoutils.Hash
	ActualFrom interfaces.DeviceID
}

func (e *SnapshotMismatchError) Error() string {
	return fmt.Sprintf("snapshot mismatch: expected %s, %s has %s", e.Expected, e.ActualFrom, e.Actual)
}

func (e *SnapshotMismatchError) ErrorKind() interfaces.Kind { return interfaces.KindConflict }
func (e *SnapshotMismatchError) Unwrap() error              { return interfaces.ErrConflict }

// InvalidTransitionError is returned when a session is driven along an edge
// the state machine does not have.
type InvalidTransitionError struct {
	From, To Phase
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid ceremony transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) ErrorKind() interfaces.Kind { return interfaces.KindInvalidArgument }
func (e *InvalidTransitionError) Unwrap() error              { return interfaces.ErrInvalidArgument }

// ExcludedError lists participants whose reveal did not match their commit.
// Remaining is the set the exchange can re-run with.
type ExcludedError struct {
	Bad       []interfaces.DeviceID
	Remaining []interfaces.DeviceID
}

func (e *ExcludedError) Error() string {
	return fmt.Sprintf("%d participants failed commit-reveal", len(e.Bad))
}

func (e *ExcludedError) ErrorKind() interfaces.Kind { return interfaces.KindConflict }
func (e *ExcludedError) Unwrap() error              { return interfaces.ErrConflict }

// EquivocationError rejects a second, conflicting result from a witness.
type EquivocationError struct {
	Proof EquivocationProof
}

func (e *EquivocationError) Error() string {
	return fmt.Sprintf("witness %s equivocated on consensus %s", e.Proof.Witness, e.Proof.ConsensusID)
}

func (e *EquivocationError) ErrorKind() interfaces.Kind { return interfaces.KindFatal }
func (e *EquivocationError) Unwrap() error              { return interfaces.ErrFatal }

// AbortedError wraps the cause of an aborted ceremony with the phase it
// failed in.
type AbortedError struct {
	Phase Phase
	Err   error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("ceremony aborted in %s: %v", e.Phase, e.Err)
}

func (e *AbortedError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a phase timeout.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

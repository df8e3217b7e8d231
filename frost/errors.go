package frost

import (
	"fmt"

	"github.com/ruteri/aura/interfaces"
)

// Sentinel errors. Each carries its interfaces.Kind so callers can classify
// failures without inspecting messages.
var (
	// ErrInvalidParameters is returned for invalid threshold or participant counts.
	ErrInvalidParameters = &interfaces.Error{Kind: interfaces.KindInvalidArgument, Message: "frost: invalid parameters"}

	// ErrInvalidCommitment is returned when a nonce or polynomial commitment cannot be decoded.
	ErrInvalidCommitment = &interfaces.Error{Kind: interfaces.KindInvalidArgument, Message: "frost: invalid commitment"}

	// ErrMissingSigner is returned when the signer's identifier is not in the commitment list.
	ErrMissingSigner = &interfaces.Error{Kind: interfaces.KindInvalidArgument, Message: "frost: signer not in commitment list"}

	// ErrInvalidSignature is returned when an aggregate signature does not verify.
	ErrInvalidSignature = &interfaces.Error{Kind: interfaces.KindFatal, Message: "frost: signature does not verify under group key"}

	// ErrInvalidProof is returned when a proof of knowledge fails.
	ErrInvalidProof = &interfaces.Error{Kind: interfaces.KindFatal, Message: "frost: invalid proof of knowledge"}

	// ErrGroupKeyMismatch is returned when a reshare would change the group key.
	ErrGroupKeyMismatch = &interfaces.Error{Kind: interfaces.KindFatal, Message: "frost: group key mismatch"}

	// ErrAggregationFailed is returned when derived key contributions cannot be combined.
	ErrAggregationFailed = &interfaces.Error{Kind: interfaces.KindFatal, Message: "frost: aggregation failed"}
)

// InsufficientParticipantsError is returned when fewer than the threshold
// participate in a signing or derivation session.
type InsufficientParticipantsError struct {
	Have, Need int
}

func (e *InsufficientParticipantsError) Error() string {
	return fmt.Sprintf("frost: insufficient participants: have %d, need %d", e.Have, e.Need)
}

func (e *InsufficientParticipantsError) ErrorKind() interfaces.Kind { return interfaces.KindExhausted }
func (e *InsufficientParticipantsError) Unwrap() error              { return interfaces.ErrExhausted }

// DuplicateIdentifierError is returned when an identifier appears twice.
type DuplicateIdentifierError struct {
	Identifier Identifier
}

func (e *DuplicateIdentifierError) Error() string {
	return fmt.Sprintf("frost: duplicate identifier %d", e.Identifier)
}

func (e *DuplicateIdentifierError) ErrorKind() interfaces.Kind { return interfaces.KindInvalidArgument }
func (e *DuplicateIdentifierError) Unwrap() error              { return interfaces.ErrInvalidArgument }

// MissingParticipantError is returned when a key generation participant never
// delivered its package. Key generation does not redistribute.
type MissingParticipantError struct {
	Identifier Identifier
}

func (e *MissingParticipantError) Error() string {
	return fmt.Sprintf("frost: missing participant %d", e.Identifier)
}

func (e *MissingParticipantError) ErrorKind() interfaces.Kind { return interfaces.KindFatal }
func (e *MissingParticipantError) Unwrap() error              { return interfaces.ErrFatal }

// InvalidPartialError is returned by aggregation when one signature share does
// not verify against the signer's verifying share.
type InvalidPartialError struct {
	Signer Identifier
}

func (e *InvalidPartialError) Error() string {
	return fmt.Sprintf("frost: invalid partial signature from %d", e.Signer)
}

func (e *InvalidPartialError) ErrorKind() interfaces.Kind { return interfaces.KindFatal }
func (e *InvalidPartialError) Unwrap() error              { return interfaces.ErrFatal }

// InvalidShareError is returned when a received secret share is inconsistent
// with the sender's published commitments.
type InvalidShareError struct {
	From Identifier
	Err  error
}

func (e *InvalidShareError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frost: invalid share from %d: %v", e.From, e.Err)
	}
	return fmt.Sprintf("frost: invalid share from %d", e.From)
}

func (e *InvalidShareError) ErrorKind() interfaces.Kind { return interfaces.KindFatal }
func (e *InvalidShareError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return interfaces.ErrFatal
}

// CommitmentMismatchError is returned when a revealed value does not match the
// hash committed in the previous round.
type CommitmentMismatchError struct {
	Participant Identifier
}

func (e *CommitmentMismatchError) Error() string {
	return fmt.Sprintf("frost: reveal from %d does not match commitment", e.Participant)
}

func (e *CommitmentMismatchError) ErrorKind() interfaces.Kind { return interfaces.KindFatal }
func (e *CommitmentMismatchError) Unwrap() error              { return interfaces.ErrFatal }

// ShareRefreshFailedError is returned when a participant's refresh
// contribution is invalid. The caller may retry without the participant if the
// remaining set still meets the threshold.
type ShareRefreshFailedError struct {
	Participant Identifier
	Err         error
}

func (e *ShareRefreshFailedError) Error() string {
	return fmt.Sprintf("frost: share refresh failed for %d: %v", e.Participant, e.Err)
}

func (e *ShareRefreshFailedError) ErrorKind() interfaces.Kind { return interfaces.KindFatal }
func (e *ShareRefreshFailedError) Unwrap() error              { return e.Err }

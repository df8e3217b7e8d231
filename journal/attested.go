package journal

import (
	"fmt"

	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/frost"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/ratchettree"
)

// ThresholdSignature is a FROST signature with the signer set that produced it.
type ThresholdSignature struct {
	Signature []byte
	Signers   []uint16
	M, N      uint16
}

// AttestedOp is a tree operation signed by a threshold of the account.
type AttestedOp struct {
	Op        ratchettree.TreeOp
	Signature ThresholdSignature
}

// OpSigningMessage is the message a quorum signs to attest op.
func OpSigningMessage(account interfaces.AccountID, op ratchettree.TreeOp) ([]byte, error) {
	encoded, err := op.Encode()
	if err != nil {
		return nil, err
	}
	h := cryptoutils.DomainSum("aura.tree.op", account[:], encoded)
	return h[:], nil
}

// Fingerprint is the hash of the canonical encoding of the attested op.
func (a *AttestedOp) Fingerprint() cryptoutils.Hash {
	encoded, err := Encode(a)
	if err != nil {
		// Encoding only fails for unsupported types, which AttestedOp has none of.
		panic(err)
	}
	return cryptoutils.Sum(encoded)
}

// Verify checks the signature against the group key and the signer count
// against the threshold.
func (a *AttestedOp) Verify(account interfaces.AccountID, groupKey []byte) error {
	if len(a.Signature.Signers) < int(a.Signature.M) {
		return &frost.InsufficientParticipantsError{Have: len(a.Signature.Signers), Need: int(a.Signature.M)}
	}
	msg, err := OpSigningMessage(account, a.Op)
	if err != nil {
		return err
	}
	if !frost.Verify(groupKey, msg, a.Signature.Signature) {
		return fmt.Errorf("%w: attested %s at epoch %d", frost.ErrInvalidSignature, a.Op.Kind, a.Op.ParentEpoch)
	}
	return nil
}

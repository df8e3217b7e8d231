package journal

import (
	"github.com/ruteri/aura/capability"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/ratchettree"
)

// Built-in fact types.
const (
	TypeCapRoot         = "cap.root"
	TypeCapDelegate     = "cap.delegate"
	TypeCapRevoke       = "cap.revoke"
	TypeFlowSpent       = "flow.spent"
	TypeIntent          = "intent"
	TypeIntentTombstone = "intent.tombstone"
	TypeCancelIntent    = "intent.cancel"
	TypeGuardianBinding = "guardian.binding"
)

// RevokeFact revokes a capability id account-wide.
type RevokeFact struct {
	Capability string
}

// Intent proposes a tree operation against a snapshot of the tree root.
type Intent struct {
	IntentID           cryptoutils.Hash
	Op                 ratchettree.TreeOp
	SnapshotCommitment cryptoutils.Hash
	Proposer           interfaces.DeviceID
}

// IntentTombstone closes an intent, on commit or cancel.
type IntentTombstone struct {
	IntentID  cryptoutils.Hash
	Committed bool
}

// CancelIntent is broadcast when a ceremony for an intent is cancelled.
type CancelIntent struct {
	IntentID cryptoutils.Hash
	Session  string
	By       interfaces.DeviceID
	Reason   string
}

// GuardianBinding binds a guardian to an account with its recovery share index.
type GuardianBinding struct {
	Guardian   interfaces.GuardianID
	Account    interfaces.AccountID
	ShareIndex uint8
	PublicKey  []byte
}

// NewIntent builds an intent for op, snapshotting the current tree root.
func NewIntent(op ratchettree.TreeOp, proposer interfaces.DeviceID) (Intent, error) {
	encoded, err := op.Encode()
	if err != nil {
		return Intent{}, err
	}
	return Intent{
		IntentID:           cryptoutils.DomainSum("aura.intent", encoded, proposer[:]),
		Op:                 op,
		SnapshotCommitment: op.ParentCommitment,
		Proposer:           proposer,
	}, nil
}

func registerBuiltins(r *Registry) {
	r.MustRegister(TypeCapRoot, func(_ interfaces.ContextID, data []byte) (RelationalBinding, error) {
		var g capability.RootGrant
		if err := decode(data, &g); err != nil {
			return RelationalBinding{}, err
		}
		return RelationalBinding{Roots: []capability.RootGrant{g}}, nil
	})
	r.MustRegister(TypeCapDelegate, func(_ interfaces.ContextID, data []byte) (RelationalBinding, error) {
		var d capability.Delegation
		if err := decode(data, &d); err != nil {
			return RelationalBinding{}, err
		}
		return RelationalBinding{Delegations: []capability.Delegation{d}}, nil
	})
	r.MustRegister(TypeCapRevoke, func(_ interfaces.ContextID, data []byte) (RelationalBinding, error) {
		var rv RevokeFact
		if err := decode(data, &rv); err != nil {
			return RelationalBinding{}, err
		}
		return RelationalBinding{Revoked: []string{rv.Capability}}, nil
	})
	r.MustRegister(TypeFlowSpent, Opaque[Receipt]())
	r.MustRegister(TypeIntent, Opaque[Intent]())
	r.MustRegister(TypeIntentTombstone, Opaque[IntentTombstone]())
	r.MustRegister(TypeCancelIntent, Opaque[CancelIntent]())
	r.MustRegister(TypeGuardianBinding, Opaque[GuardianBinding]())
}

package recovery

import (
	"crypto/ed25519"

	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

// Recovery fact types. The fact context is RequestContext(request id).
const (
	TypeRequested = "recovery.requested"
	TypeApproved  = "recovery.approved"
	TypeDisputed  = "recovery.disputed"
	TypeResolved  = "recovery.resolved"
	TypeCancelled = "recovery.cancelled"
	TypeCompleted = "recovery.completed"
)

// Request asks guardians to restore an account onto NewDevice.
type Request struct {
	RequestID    cryptoutils.Hash
	Account      interfaces.AccountID
	NewDevice    interfaces.DeviceID
	NewDeviceKey []byte
	Guardians    []interfaces.GuardianID
	Threshold    uint16
	RequestedAt  uint64
	CooldownMs   uint64
}

// Approval releases one guardian's share, sealed to the new device.
type Approval struct {
	RequestID   cryptoutils.Hash
	Guardian    interfaces.GuardianID
	ApprovedAt  uint64
	SealedShare []byte
	Signature   []byte
}

// FilerRole says who filed a dispute.
type FilerRole uint8

const (
	FilerGuardian FilerRole = iota
	FilerDevice
)

// Dispute objects to a request. One dispute counts per filer.
type Dispute struct {
	RequestID cryptoutils.Hash
	Filer     [16]byte
	Role      FilerRole
	Reason    string
	Critical  bool
	FiledAt   uint64
}

// Resolution settles the disputes filed up to ResolvedAt. An upheld
// resolution keeps them in force; a dismissed one clears them.
type Resolution struct {
	RequestID  cryptoutils.Hash
	Upheld     bool
	ResolvedAt uint64
	By         interfaces.DeviceID
}

// Cancellation stops a request.
type Cancellation struct {
	RequestID   cryptoutils.Hash
	By          interfaces.DeviceID
	CancelledAt uint64
	Reason      string
}

// Completion records that the new device rebuilt the secret.
type Completion struct {
	RequestID   cryptoutils.Hash
	CompletedAt uint64
	Evidence    cryptoutils.Hash
}

// RegisterFacts adds the recovery fact types to registry.
func RegisterFacts(registry *journal.Registry) error {
	for typeID, reducer := range map[string]journal.Reducer{
		TypeRequested: journal.Opaque[Request](),
		TypeApproved:  journal.Opaque[Approval](),
		TypeDisputed:  journal.Opaque[Dispute](),
		TypeResolved:  journal.Opaque[Resolution](),
		TypeCancelled: journal.Opaque[Cancellation](),
		TypeCompleted: journal.Opaque[Completion](),
	} {
		if registry.Known(typeID) {
			continue
		}
		if err := registry.Register(typeID, reducer); err != nil {
			return err
		}
	}
	return nil
}

// RequestContext is the fact context of every fact about a request.
func RequestContext(id cryptoutils.Hash) interfaces.ContextID {
	var c interfaces.ContextID
	copy(c[:], id[:])
	return c
}

// NewRequestID binds a request to its account, device and time.
func NewRequestID(account interfaces.AccountID, device interfaces.DeviceID, requestedAt uint64, salt []byte) cryptoutils.Hash {
	return cryptoutils.DomainSum("aura.recovery.request", account[:], device[:], cryptoutils.Uint64LE(requestedAt), salt)
}

func approvalMessage(a Approval) []byte {
	h := cryptoutils.DomainSum("aura.recovery.approval", a.RequestID[:], a.Guardian[:], cryptoutils.Uint64LE(a.ApprovedAt), a.SealedShare)
	return h[:]
}

// SignApproval signs an approval with the guardian's key.
func SignApproval(a Approval, key ed25519.PrivateKey) Approval {
	a.Signature = ed25519.Sign(key, approvalMessage(a))
	return a
}

// VerifyApproval checks an approval signature against the guardian's key.
func VerifyApproval(a Approval, pub []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), approvalMessage(a), a.Signature)
}

func recordRequest(j *journal.Journal, r Request, author interfaces.DeviceID) (journal.Fact, error) {
	return j.Emit(TypeRequested, RequestContext(r.RequestID), 0, &r, author)
}

func recordApproval(j *journal.Journal, a Approval, author interfaces.DeviceID) (journal.Fact, error) {
	return j.Emit(TypeApproved, RequestContext(a.RequestID), journal.NonceFromHash(cryptoutils.DomainSum("aura.recovery.approver", a.Guardian[:])), &a, author)
}

func recordDispute(j *journal.Journal, d Dispute, author interfaces.DeviceID) (journal.Fact, error) {
	return j.Emit(TypeDisputed, RequestContext(d.RequestID), journal.NonceFromHash(cryptoutils.DomainSum("aura.recovery.disputer", d.Filer[:])), &d, author)
}

func recordResolution(j *journal.Journal, r Resolution, author interfaces.DeviceID) (journal.Fact, error) {
	return j.Emit(TypeResolved, RequestContext(r.RequestID), r.ResolvedAt, &r, author)
}

func recordCancellation(j *journal.Journal, c Cancellation, author interfaces.DeviceID) (journal.Fact, error) {
	return j.Emit(TypeCancelled, RequestContext(c.RequestID), 0, &c, author)
}

func recordCompletion(j *journal.Journal, c Completion, author interfaces.DeviceID) (journal.Fact, error) {
	return j.Emit(TypeCompleted, RequestContext(c.RequestID), 0, &c, author)
}

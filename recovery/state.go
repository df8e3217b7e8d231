package recovery

import (
	"cmp"
	"slices"

	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

// Status is the lifecycle position of a request.
type Status uint8

const (
	StatusPending Status = iota
	StatusApproved
	StatusCoolingDown
	StatusReady
	StatusCompleted
	StatusCancelled
	StatusDisputed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusCoolingDown:
		return "cooling_down"
	case StatusReady:
		return "ready"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusDisputed:
		return "disputed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// EscalationLevel grades the disputes in force against a request.
type EscalationLevel uint8

const (
	EscalationNone EscalationLevel = iota
	EscalationLow
	EscalationHigh
	EscalationCritical
)

func (l EscalationLevel) String() string {
	switch l {
	case EscalationNone:
		return "none"
	case EscalationLow:
		return "low"
	case EscalationHigh:
		return "high"
	case EscalationCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Blocks reports whether the level prevents completion.
func (l EscalationLevel) Blocks() bool {
	return l >= EscalationHigh
}

// Escalate grades a set of disputes.
func Escalate(disputes []Dispute) EscalationLevel {
	for _, d := range disputes {
		if d.Critical {
			return EscalationCritical
		}
	}
	switch len(disputes) {
	case 0:
		return EscalationNone
	case 1:
		return EscalationLow
	default:
		return EscalationHigh
	}
}

// State is a request reduced from the journal at a point in time.
type State struct {
	Request    Request
	Status     Status
	Escalation EscalationLevel

	// Approvals holds one valid approval per requested guardian, oldest first.
	Approvals []Approval
	// Disputes holds the disputes in force: filed inside the window and not
	// cleared by a dismissal.
	Disputes []Dispute

	// DisputeWindowEnd is zero until the first approval.
	DisputeWindowEnd uint64
	// ThresholdAt is when the threshold-th approval arrived, zero before.
	ThresholdAt uint64
	// ReadyAt is when the cooldown and the dispute window have both passed.
	ReadyAt uint64
}

// Reduce computes the state of request id at nowMs. Approvals from guardians
// outside the request, or whose signature does not verify against the
// account's guardian keys, are ignored. ok is false when no request fact
// exists.
func Reduce(j *journal.Journal, id cryptoutils.Hash, nowMs, disputeWindowMs uint64) (State, bool, error) {
	c := RequestContext(id)

	var st State
	found := false
	reqs, err := journal.DecodeFacts[Request](j, TypeRequested)
	if err != nil {
		return State{}, false, err
	}
	for _, r := range reqs {
		if r.RequestID == id {
			st.Request, found = r, true
			break
		}
	}
	if !found {
		return State{}, false, nil
	}

	requested := map[interfaces.GuardianID]bool{}
	for _, g := range st.Request.Guardians {
		requested[g] = true
	}

	approvals, err := decodeFor[Approval](j, TypeApproved, c)
	if err != nil {
		return State{}, false, err
	}
	for _, a := range approvals {
		if a.RequestID != id || !requested[a.Guardian] {
			continue
		}
		g, ok := j.Account.Guardians[a.Guardian]
		if !ok || j.Account.RemovedGuardians[a.Guardian] || !VerifyApproval(a, g.PublicKey) {
			continue
		}
		st.Approvals = append(st.Approvals, a)
	}
	slices.SortFunc(st.Approvals, func(a, b Approval) int {
		if n := cmp.Compare(a.ApprovedAt, b.ApprovedAt); n != 0 {
			return n
		}
		return slices.Compare(a.Guardian[:], b.Guardian[:])
	})

	if len(st.Approvals) > 0 {
		st.DisputeWindowEnd = st.Approvals[0].ApprovedAt + disputeWindowMs
	}
	if n := int(st.Request.Threshold); n > 0 && len(st.Approvals) >= n {
		st.ThresholdAt = st.Approvals[n-1].ApprovedAt
		st.ReadyAt = max(st.ThresholdAt+st.Request.CooldownMs, st.DisputeWindowEnd)
	}

	resolutions, err := decodeFor[Resolution](j, TypeResolved, c)
	if err != nil {
		return State{}, false, err
	}
	var dismissedAt uint64
	upheld := false
	for _, r := range resolutions {
		if r.RequestID != id {
			continue
		}
		if r.Upheld {
			upheld = true
		} else {
			dismissedAt = max(dismissedAt, r.ResolvedAt)
		}
	}

	disputes, err := decodeFor[Dispute](j, TypeDisputed, c)
	if err != nil {
		return State{}, false, err
	}
	for _, d := range disputes {
		if d.RequestID != id {
			continue
		}
		if st.DisputeWindowEnd != 0 && d.FiledAt > st.DisputeWindowEnd {
			continue
		}
		if dismissedAt != 0 && d.FiledAt <= dismissedAt {
			continue
		}
		st.Disputes = append(st.Disputes, d)
	}
	slices.SortFunc(st.Disputes, func(a, b Dispute) int { return cmp.Compare(a.FiledAt, b.FiledAt) })
	st.Escalation = Escalate(st.Disputes)

	done, err := completed(j, c, id)
	if err != nil {
		return State{}, false, err
	}
	stopped, err := cancelled(j, c, id)
	if err != nil {
		return State{}, false, err
	}

	switch {
	case done:
		st.Status = StatusCompleted
	case stopped:
		st.Status = StatusCancelled
	case upheld && st.Escalation == EscalationCritical:
		st.Status = StatusCancelled
	case st.Escalation.Blocks():
		st.Status = StatusDisputed
	case st.ThresholdAt == 0:
		st.Status = StatusPending
	case nowMs < st.DisputeWindowEnd:
		st.Status = StatusApproved
	case nowMs < st.ReadyAt:
		st.Status = StatusCoolingDown
	default:
		st.Status = StatusReady
	}
	return st, true, nil
}

func decodeFor[T any](j *journal.Journal, typeID string, c interfaces.ContextID) ([]T, error) {
	var out []T
	for _, f := range j.FactsOfType(typeID) {
		if f.Key.Context != c {
			continue
		}
		var v T
		if err := journal.Decode(f.Value, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func completed(j *journal.Journal, c interfaces.ContextID, id cryptoutils.Hash) (bool, error) {
	facts, err := decodeFor[Completion](j, TypeCompleted, c)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(facts, func(f Completion) bool { return f.RequestID == id }), nil
}

func cancelled(j *journal.Journal, c interfaces.ContextID, id cryptoutils.Hash) (bool, error) {
	facts, err := decodeFor[Cancellation](j, TypeCancelled, c)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(facts, func(f Cancellation) bool { return f.RequestID == id }), nil
}

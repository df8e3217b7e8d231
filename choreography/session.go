package choreography

import (
	"slices"

	"github.com/ruteri/aura/capability"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

// Member is one party of a session. Guardians are addressed by their
// guardian id, which shares the device id encoding.
type Member struct {
	ID   interfaces.DeviceID
	Role Role
}

// Peer is the transport address of m.
func (m Member) Peer() interfaces.PeerID {
	if m.Role == RoleGuardian {
		return interfaces.GuardianID(m.ID).Peer()
	}
	return m.ID.Peer()
}

// Authority is the flow budget peer of m.
func (m Member) Authority() interfaces.AuthorityID {
	if m.Role == RoleGuardian {
		return interfaces.GuardianID(m.ID).Authority()
	}
	return m.ID.Authority()
}

// Subject is the authority graph subject m is evaluated as.
func (m Member) Subject() capability.Subject {
	if m.Role == RoleGuardian {
		return capability.Guardian(interfaces.GuardianID(m.ID))
	}
	return capability.Device(m.ID)
}

// Session is the persisted state of one ceremony. Everything in it is public;
// secret material stays with the agent.
type Session struct {
	ID          interfaces.SessionID
	Kind        Kind
	Account     interfaces.AccountID
	Context     interfaces.ContextID
	Coordinator interfaces.DeviceID
	Members     []Member
	Threshold   uint16
	Phase       Phase
	Attempt     uint32
	HasIntent   bool
	Intent      journal.Intent
	Prestate    cryptoutils.Hash
	StartedMs   uint64
	UpdatedMs   uint64
	Reason      string

	// State is opaque per-kind progress recorded at checkpoints.
	State []byte
}

// Member returns the member with id.
func (s *Session) Member(id interfaces.DeviceID) (Member, bool) {
	for _, m := range s.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// MembersWith lists the ids of members that satisfy role, in session order.
func (s *Session) MembersWith(role Role) []interfaces.DeviceID {
	var out []interfaces.DeviceID
	for _, m := range s.Members {
		if m.Role.Satisfies(role) {
			out = append(out, m.ID)
		}
	}
	return out
}

// Exclude drops ids from the member list.
func (s *Session) Exclude(ids []interfaces.DeviceID) {
	s.Members = slices.DeleteFunc(s.Members, func(m Member) bool {
		return slices.Contains(ids, m.ID)
	})
}

// Restrict keeps the coordinator plus the listed members.
func (s *Session) Restrict(keep []interfaces.DeviceID) {
	s.Members = slices.DeleteFunc(s.Members, func(m Member) bool {
		return m.ID != s.Coordinator && !slices.Contains(keep, m.ID)
	})
}

// Transition moves the session to phase to at nowMs.
func (s *Session) Transition(to Phase, nowMs uint64) error {
	if !CanTransition(s.Phase, to) {
		return &InvalidTransitionError{From: s.Phase, To: to}
	}
	if to == PhaseShareExchange && s.Phase == PhaseShareExchange {
		s.Attempt++
	}
	s.Phase = to
	s.UpdatedMs = nowMs
	return nil
}

// Encode returns the checkpoint encoding of s.
func (s *Session) Encode() ([]byte, error) {
	return journal.Encode(s)
}

// DecodeSession parses a checkpoint.
func DecodeSession(data []byte) (*Session, error) {
	var s Session
	if err := journal.Decode(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

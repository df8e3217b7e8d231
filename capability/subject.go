package capability

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ruteri/aura/interfaces"
)

// SubjectKind distinguishes authority graph nodes.
type SubjectKind uint8

const (
	SubjectDevice SubjectKind = iota
	SubjectGuardian
	SubjectGroup
	SubjectSession
)

// Subject is a node in the authority graph. Nodes are referenced by their
// stable Key, never by pointer.
type Subject struct {
	Kind    SubjectKind
	ID      string
	Members []string
	M       uint16
	Issuer  string
}

// Device returns the subject for a device.
func Device(id interfaces.DeviceID) Subject {
	return Subject{Kind: SubjectDevice, ID: id.String()}
}

// Guardian returns the subject for a guardian.
func Guardian(id interfaces.GuardianID) Subject {
	return Subject{Kind: SubjectGuardian, ID: id.String()}
}

// Group returns the subject for a threshold group of devices.
func Group(members []interfaces.DeviceID, m uint16) Subject {
	ids := make([]string, len(members))
	for i, d := range members {
		ids[i] = d.String()
	}
	slices.Sort(ids)
	return Subject{Kind: SubjectGroup, Members: slices.Compact(ids), M: m}
}

// Session returns the subject for a ceremony session issued by issuer.
func Session(id interfaces.SessionID, issuer Subject) Subject {
	return Subject{Kind: SubjectSession, ID: id.String(), Issuer: issuer.Key()}
}

// Key is the stable identity of the subject.
func (s Subject) Key() string {
	switch s.Kind {
	case SubjectDevice:
		return "device:" + s.ID
	case SubjectGuardian:
		return "guardian:" + s.ID
	case SubjectGroup:
		return fmt.Sprintf("group:%d:%s", s.M, strings.Join(s.Members, ","))
	case SubjectSession:
		return "session:" + s.ID + "@" + s.Issuer
	default:
		return fmt.Sprintf("unknown:%d:%s", s.Kind, s.ID)
	}
}

func (s Subject) String() string { return s.Key() }

package choreography

import (
	"fmt"
	"slices"

	"github.com/ruteri/aura/capability"
	"github.com/ruteri/aura/journal"
)

// Kind names a ceremony template.
type Kind string

const (
	KindDKG      Kind = "dkg"
	KindSign     Kind = "sign"
	KindRefresh  Kind = "refresh"
	KindDerive   Kind = "derive"
	KindEnroll   Kind = "enroll"
	KindRecovery Kind = "recovery"
)

// Role is the part a member plays in a ceremony.
type Role string

// Satisfies reports whether a member holding r may send as want. The
// coordinator and joiners are participants too.
func (r Role) Satisfies(want Role) bool {
	if r == want {
		return true
	}
	return want == RoleParticipant && (r == RoleCoordinator || r == RoleJoiner)
}

const (
	RoleCoordinator Role = "coordinator"
	RoleParticipant Role = "participant"
	RoleJoiner      Role = "joiner"
	RoleGuardian    Role = "guardian"
)

// Message names shared by the built-in protocols.
const (
	MsgPrepare     = "prepare"
	MsgAck         = "ack"
	MsgNack        = "nack"
	MsgShareCommit = "share.commit"
	MsgShareReveal = "share.reveal"
	MsgRound2      = "round2"
	MsgPartial     = "partial"
	MsgConfirm     = "confirm"
	MsgResult      = "result"
	MsgReject      = "reject"
	MsgCommit      = "commit"
	MsgApprove     = "approve"
	MsgAnnounce    = "announce"
	MsgDealing     = "dealing"
	MsgRoster      = "roster"

	// MsgCancel is understood in every protocol and every phase.
	MsgCancel = "cancel"
)

// Guard is the declarative precondition of a message: the sender must hold
// Capability, the (context, recipient) budget is charged FlowCost, and the
// listed fact types may be emitted atomically with the charge.
type Guard struct {
	Capability string
	FlowCost   uint64
	Facts      []string
}

// MessageSpec is one edge of the schedule.
type MessageSpec struct {
	Name  string
	From  Role
	To    Role
	Phase Phase
	Guard Guard
}

// Branch is one outcome of a Choice.
type Branch struct {
	Label    string
	Messages []string
}

// Choice is a decision point where Decider picks exactly one branch and only
// that branch's messages may follow.
type Choice struct {
	Name     string
	Decider  Role
	Phase    Phase
	Branches []Branch
}

// Protocol is a role-typed message schedule.
type Protocol struct {
	Kind     Kind
	Roles    []Role
	Messages []MessageSpec
	Choices  []Choice
}

var cancelSpec = MessageSpec{Name: MsgCancel, Guard: Guard{Facts: []string{journal.TypeCancelIntent}}}

// Message returns the MessageSpec named name. MsgCancel is always defined.
func (p *Protocol) Message(name string) (MessageSpec, bool) {
	if name == MsgCancel {
		return cancelSpec, true
	}
	for _, m := range p.Messages {
		if m.Name == name {
			return m, true
		}
	}
	return MessageSpec{}, false
}

// Validate checks that names are unique, roles are declared, phases are
// non-decreasing along the schedule and every choice branch names existing
// messages of the choice's phase.
func (p *Protocol) Validate() error {
	if p.Kind == "" {
		return fmt.Errorf("%w: empty kind", ErrInvalidProtocol)
	}
	seen := map[string]bool{}
	last := PhaseInitialized
	for _, m := range p.Messages {
		switch {
		case m.Name == "" || m.Name == MsgCancel:
			return fmt.Errorf("%w: %s: reserved or empty message name %q", ErrInvalidProtocol, p.Kind, m.Name)
		case seen[m.Name]:
			return fmt.Errorf("%w: %s: duplicate message %q", ErrInvalidProtocol, p.Kind, m.Name)
		case !slices.Contains(p.Roles, m.From) || !slices.Contains(p.Roles, m.To):
			return fmt.Errorf("%w: %s: message %q uses an undeclared role", ErrInvalidProtocol, p.Kind, m.Name)
		case m.Phase == PhaseInitialized || m.Phase == PhaseAborted:
			return fmt.Errorf("%w: %s: message %q in phase %s", ErrInvalidProtocol, p.Kind, m.Name, m.Phase)
		case m.Phase < last:
			return fmt.Errorf("%w: %s: message %q goes back to %s", ErrInvalidProtocol, p.Kind, m.Name, m.Phase)
		case m.Guard.Capability != "" && !slices.Contains(capability.AllPermissions, m.Guard.Capability):
			return fmt.Errorf("%w: %s: message %q guards unknown capability %q", ErrInvalidProtocol, p.Kind, m.Name, m.Guard.Capability)
		}
		seen[m.Name] = true
		last = m.Phase
	}

	for _, c := range p.Choices {
		if !slices.Contains(p.Roles, c.Decider) {
			return fmt.Errorf("%w: %s: choice %q decided by undeclared role", ErrInvalidProtocol, p.Kind, c.Name)
		}
		if len(c.Branches) < 2 {
			return fmt.Errorf("%w: %s: choice %q needs two branches", ErrInvalidProtocol, p.Kind, c.Name)
		}
		for _, b := range c.Branches {
			for _, name := range b.Messages {
				m, ok := p.Message(name)
				if !ok || m.Phase != c.Phase {
					return fmt.Errorf("%w: %s: choice %q branch %q references %q", ErrInvalidProtocol, p.Kind, c.Name, b.Label, name)
				}
				if m.From != c.Decider {
					return fmt.Errorf("%w: %s: choice %q branch %q: %q not sent by %s", ErrInvalidProtocol, p.Kind, c.Name, b.Label, name, c.Decider)
				}
			}
		}
	}
	return nil
}

// Branch returns the label of the branch containing message name, if it is
// part of a choice.
func (p *Protocol) Branch(name string) (choice, label string, ok bool) {
	for _, c := range p.Choices {
		for _, b := range c.Branches {
			if slices.Contains(b.Messages, name) {
				return c.Name, b.Label, true
			}
		}
	}
	return "", "", false
}

func msg(name string, from, to Role, phase Phase, perm string, cost uint64, facts ...string) MessageSpec {
	return MessageSpec{Name: name, From: from, To: to, Phase: phase, Guard: Guard{Capability: perm, FlowCost: cost, Facts: facts}}
}

// prepareAck is the prepare/ACK prefix common to every template.
func prepareAck(perm string, responder Role) []MessageSpec {
	return []MessageSpec{
		msg(MsgPrepare, RoleCoordinator, responder, PhasePrepare, perm, 1, journal.TypeIntent),
		msg(MsgAck, responder, RoleCoordinator, PhasePrepare, "", 1),
		msg(MsgNack, responder, RoleCoordinator, PhasePrepare, "", 1),
	}
}

func attestChoice() Choice {
	return Choice{
		Name:    "verify",
		Decider: RoleCoordinator,
		Phase:   PhaseAttest,
		Branches: []Branch{
			{Label: "success", Messages: []string{MsgResult}},
			{Label: "failure", Messages: []string{MsgReject}},
		},
	}
}

func attestAndCommit(perm, commitPerm string, to Role) []MessageSpec {
	return []MessageSpec{
		msg(MsgResult, RoleCoordinator, to, PhaseAttest, perm, 1),
		msg(MsgReject, RoleCoordinator, to, PhaseAttest, "", 0),
		msg(MsgCommit, RoleCoordinator, to, PhaseCommitted, commitPerm, 1, journal.TypeIntentTombstone),
	}
}

var builtins = map[Kind]*Protocol{
	// DKG: round-one packages go through commit-reveal, round-two shares are
	// pairwise, and every participant confirms the resulting public package.
	KindDKG: {
		Kind:  KindDKG,
		Roles: []Role{RoleCoordinator, RoleParticipant},
		Messages: concat(
			prepareAck("", RoleParticipant),
			[]MessageSpec{
				msg(MsgShareCommit, RoleParticipant, RoleParticipant, PhaseShareExchange, "", 1),
				msg(MsgShareReveal, RoleParticipant, RoleParticipant, PhaseShareExchange, "", 1),
				msg(MsgRound2, RoleParticipant, RoleParticipant, PhaseCompute, "", 2),
				msg(MsgConfirm, RoleParticipant, RoleCoordinator, PhaseAttest, "", 1),
			},
			attestAndCommit("", "", RoleParticipant),
		),
		Choices: []Choice{attestChoice()},
	},

	// Sign: nonce commitments are exchanged commit-reveal, partials go to the
	// coordinator, which aggregates and announces the verdict.
	KindSign: {
		Kind:  KindSign,
		Roles: []Role{RoleCoordinator, RoleParticipant},
		Messages: concat(
			prepareAck(capability.PermSign, RoleParticipant),
			[]MessageSpec{
				msg(MsgShareCommit, RoleParticipant, RoleParticipant, PhaseShareExchange, capability.PermSign, 1),
				msg(MsgShareReveal, RoleParticipant, RoleParticipant, PhaseShareExchange, capability.PermSign, 1),
				msg(MsgPartial, RoleParticipant, RoleCoordinator, PhaseCompute, capability.PermSign, 2),
			},
			attestAndCommit(capability.PermSign, capability.PermTreePropose, RoleParticipant),
		),
		Choices: []Choice{attestChoice()},
	},

	// Refresh: zero-sum round-one packages commit-reveal, pairwise deltas,
	// confirmations that the group key is unchanged.
	KindRefresh: {
		Kind:  KindRefresh,
		Roles: []Role{RoleCoordinator, RoleParticipant},
		Messages: concat(
			prepareAck(capability.PermTreeApprove, RoleParticipant),
			[]MessageSpec{
				msg(MsgShareCommit, RoleParticipant, RoleParticipant, PhaseShareExchange, capability.PermTreeApprove, 1),
				msg(MsgShareReveal, RoleParticipant, RoleParticipant, PhaseShareExchange, capability.PermTreeApprove, 1),
				msg(MsgRound2, RoleParticipant, RoleParticipant, PhaseCompute, capability.PermTreeApprove, 2),
				msg(MsgConfirm, RoleParticipant, RoleCoordinator, PhaseAttest, capability.PermTreeApprove, 1),
			},
			attestAndCommit(capability.PermTreeApprove, capability.PermTreePropose, RoleParticipant),
		),
		Choices: []Choice{attestChoice()},
	},

	// Derive: commit-reveal of per-context contributions. The binding proof is
	// produced by a sign ceremony over the derived key.
	KindDerive: {
		Kind:  KindDerive,
		Roles: []Role{RoleCoordinator, RoleParticipant},
		Messages: concat(
			prepareAck(capability.PermDerive, RoleParticipant),
			[]MessageSpec{
				msg(MsgShareCommit, RoleParticipant, RoleParticipant, PhaseShareExchange, capability.PermDerive, 1),
				msg(MsgShareReveal, RoleParticipant, RoleParticipant, PhaseShareExchange, capability.PermDerive, 1),
			},
			[]MessageSpec{
				msg(MsgResult, RoleCoordinator, RoleParticipant, PhaseAttest, capability.PermDerive, 1),
				msg(MsgReject, RoleCoordinator, RoleParticipant, PhaseAttest, "", 0),
			},
		),
		Choices: []Choice{attestChoice()},
	},

	// Enroll: every member of the new set announces a share key and the
	// coordinator publishes the roster of keys, signing commitments and the
	// dealing quorum. The quorum deals reshared key material and signs the
	// membership op; recipients confirm. Joiners count as participants but
	// hold no capabilities yet, so their messages are unguarded.
	KindEnroll: {
		Kind:  KindEnroll,
		Roles: []Role{RoleCoordinator, RoleParticipant, RoleJoiner},
		Messages: concat(
			[]MessageSpec{
				msg(MsgPrepare, RoleCoordinator, RoleParticipant, PhasePrepare, capability.PermTreePropose, 1, journal.TypeIntent),
				msg(MsgAck, RoleParticipant, RoleCoordinator, PhasePrepare, "", 1),
				msg(MsgNack, RoleParticipant, RoleCoordinator, PhasePrepare, "", 1),
				msg(MsgAnnounce, RoleParticipant, RoleCoordinator, PhaseShareExchange, "", 1),
				msg(MsgRoster, RoleCoordinator, RoleParticipant, PhaseShareExchange, capability.PermTreePropose, 1),
				msg(MsgDealing, RoleParticipant, RoleParticipant, PhaseCompute, capability.PermTreeApprove, 2),
				msg(MsgPartial, RoleParticipant, RoleCoordinator, PhaseCompute, capability.PermTreeApprove, 2),
				msg(MsgConfirm, RoleParticipant, RoleCoordinator, PhaseAttest, "", 1),
			},
			attestAndCommit("", capability.PermTreePropose, RoleParticipant),
		),
		Choices: []Choice{attestChoice()},
	},

	// Recovery: guardians approve a request bound to the prestate and release
	// their recovery shares once the request is ready. Guardians are outside
	// the account's authority graph; approvals carry their own signatures.
	KindRecovery: {
		Kind:  KindRecovery,
		Roles: []Role{RoleCoordinator, RoleGuardian},
		Messages: []MessageSpec{
			msg(MsgPrepare, RoleCoordinator, RoleGuardian, PhasePrepare, "", 1),
			msg(MsgAck, RoleGuardian, RoleCoordinator, PhasePrepare, "", 1),
			msg(MsgNack, RoleGuardian, RoleCoordinator, PhasePrepare, "", 1),
			msg(MsgApprove, RoleGuardian, RoleCoordinator, PhaseShareExchange, "", 1),
			msg(MsgResult, RoleCoordinator, RoleGuardian, PhaseAttest, "", 1),
			msg(MsgReject, RoleCoordinator, RoleGuardian, PhaseAttest, "", 0),
			msg(MsgCommit, RoleCoordinator, RoleGuardian, PhaseCommitted, "", 1),
		},
		Choices: []Choice{attestChoice()},
	},
}

func concat(parts ...[]MessageSpec) []MessageSpec {
	var out []MessageSpec
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Builtin returns the built-in template for kind.
func Builtin(kind Kind) (*Protocol, bool) {
	p, ok := builtins[kind]
	return p, ok
}

// Kinds lists the built-in templates.
func Kinds() []Kind {
	out := make([]Kind, 0, len(builtins))
	for k := range builtins {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

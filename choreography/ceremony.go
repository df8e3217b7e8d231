package choreography

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ruteri/aura/capability"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/effects"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

// Config tunes a Choreographer.
type Config struct {
	Timeouts Timeouts
	Observer Observer
}

// Choreographer creates and resumes ceremonies for one device.
type Choreographer struct {
	self        interfaces.DeviceID
	journal     *effects.JournalEffect
	time        interfaces.Time
	random      interfaces.Random
	guard       *GuardChain
	runtime     *Runtime
	checkpoints *CheckpointStore
	detector    *EquivocationDetector
	timeouts    Timeouts
	observer    Observer
	log         *slog.Logger
}

// New builds a choreographer over the device's effects and journal.
func New(eff *effects.Effects, je *effects.JournalEffect, evaluator *capability.Evaluator, cfg Config) *Choreographer {
	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	log := eff.Logger()
	guard := NewGuardChain(je.Author(), evaluator, je, eff.Network, eff.Time, observer, log)
	return &Choreographer{
		self:        je.Author(),
		journal:     je,
		time:        eff.Time,
		random:      eff.Random,
		guard:       guard,
		runtime:     NewRuntime(je.Author(), eff.Network, guard, log),
		checkpoints: NewCheckpointStore(eff.Storage, log),
		detector:    NewEquivocationDetector(log),
		timeouts:    cfg.Timeouts.WithDefaults(),
		observer:    observer,
		log:         log,
	}
}

func (c *Choreographer) Self() interfaces.DeviceID         { return c.self }
func (c *Choreographer) Runtime() *Runtime                 { return c.runtime }
func (c *Choreographer) Detector() *EquivocationDetector   { return c.detector }
func (c *Choreographer) Checkpoints() *CheckpointStore     { return c.checkpoints }
func (c *Choreographer) Journal() *effects.JournalEffect   { return c.journal }
func (c *Choreographer) Timeouts() Timeouts                { return c.timeouts }

// NewSession builds a session coordinated by this device. The coordinator is
// added to members if absent.
func (c *Choreographer) NewSession(kind Kind, ctxID interfaces.ContextID, members []Member, threshold uint16) *Session {
	now := c.time.NowMs()
	var prestate cryptoutils.Hash
	_ = c.journal.View(func(j *journal.Journal) error {
		prestate = j.Tree.RootCommitment()
		return nil
	})

	members = slices.Clone(members)
	if i := slices.IndexFunc(members, func(m Member) bool { return m.ID == c.self }); i >= 0 {
		members[i].Role = RoleCoordinator
	} else {
		members = append([]Member{{ID: c.self, Role: RoleCoordinator}}, members...)
	}

	return &Session{
		ID:          c.random.RandomUUID(),
		Kind:        kind,
		Account:     c.journal.Account(),
		Context:     ctxID,
		Coordinator: c.self,
		Members:     members,
		Threshold:   threshold,
		Phase:       PhaseInitialized,
		StartedMs:   now,
		UpdatedMs:   now,
		Prestate:    prestate,
	}
}

// Start opens s for driving and writes its first checkpoint.
func (c *Choreographer) Start(ctx context.Context, s *Session) (*Ceremony, error) {
	proto, ok := Builtin(s.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown ceremony kind %q", interfaces.ErrInvalidArgument, s.Kind)
	}
	if err := proto.Validate(); err != nil {
		return nil, err
	}
	if _, ok := s.Member(c.self); !ok {
		return nil, fmt.Errorf("%w: %s is not a member of session %s", interfaces.ErrInvalidArgument, c.self, s.ID)
	}

	c.runtime.Open(s.ID)
	cer := c.ceremony(s, proto)
	if err := c.checkpoints.Save(ctx, s); err != nil {
		c.runtime.Forget(s.ID)
		return nil, err
	}
	c.log.Info("ceremony started",
		slog.String("session_id", s.ID.String()),
		slog.String("kind", string(s.Kind)),
		slog.Int("members", len(s.Members)))
	return cer, nil
}

func (c *Choreographer) ceremony(s *Session, proto *Protocol) *Ceremony {
	now := time.Now()
	return &Ceremony{c: c, s: s, proto: proto, entered: now, deadline: now.Add(c.timeouts.For(s.Phase))}
}

// PrepareRequest is the payload of MsgPrepare: the session as the
// coordinator sees it and the kind-specific request body.
type PrepareRequest struct {
	Session Session
	Body    []byte
}

// NackPayload explains a NACK. Actual is the responder's tree root when the
// snapshot did not match.
type NackPayload struct {
	Actual cryptoutils.Hash
	Reason string
}

// Accept joins the session an invitation belongs to. It enters Prepare and
// checks the intent snapshot against the local tree, NACKing and aborting on
// mismatch. The caller inspects the returned body and then calls Ack or Nack.
func (c *Choreographer) Accept(ctx context.Context, invite *Envelope) (*Ceremony, []byte, error) {
	var req PrepareRequest
	if err := invite.DecodePayload(&req); err != nil {
		return nil, nil, err
	}
	s := req.Session
	switch {
	case s.ID != invite.Session:
		return nil, nil, fmt.Errorf("%w: invitation session mismatch", interfaces.ErrInvalidArgument)
	case s.Coordinator != invite.From:
		return nil, nil, fmt.Errorf("%w: invitation from %s for a session coordinated by %s", interfaces.ErrPermissionDenied, invite.From, s.Coordinator)
	case s.Kind != invite.Kind:
		return nil, nil, fmt.Errorf("%w: invitation kind mismatch", interfaces.ErrInvalidArgument)
	}
	s.Phase = PhaseInitialized
	s.Attempt = 0
	s.State = nil

	cer, err := c.Start(ctx, &s)
	if err != nil {
		return nil, nil, err
	}
	if err := cer.Enter(ctx, PhasePrepare); err != nil {
		return nil, nil, err
	}

	if s.HasIntent {
		var root cryptoutils.Hash
		_ = c.journal.View(func(j *journal.Journal) error {
			root = j.Tree.RootCommitment()
			return nil
		})
		if root != s.Intent.SnapshotCommitment {
			_ = cer.Send(ctx, MsgNack, s.Coordinator, &NackPayload{Actual: root, Reason: "snapshot mismatch"})
			return nil, nil, cer.Abort(ctx, &SnapshotMismatchError{Expected: s.Intent.SnapshotCommitment, Actual: root, ActualFrom: c.self})
		}
	}
	return cer, req.Body, nil
}

// Resume reopens every checkpointed session in Compute or later. Earlier
// checkpoints are discarded.
func (c *Choreographer) Resume(ctx context.Context) ([]*Ceremony, error) {
	sessions, err := c.checkpoints.Recover(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Ceremony, 0, len(sessions))
	for _, s := range sessions {
		proto, ok := Builtin(s.Kind)
		if !ok {
			c.log.Warn("dropping checkpoint of unknown kind", slog.String("session_id", s.ID.String()), slog.String("kind", string(s.Kind)))
			_ = c.checkpoints.Delete(ctx, s.ID)
			continue
		}
		c.runtime.Open(s.ID)
		out = append(out, c.ceremony(s, proto))
		c.log.Info("ceremony resumed", slog.String("session_id", s.ID.String()), slog.String("phase", s.Phase.String()))
	}
	return out, nil
}

// Ceremony drives one session through its phases. It is used by a single
// goroutine.
type Ceremony struct {
	c        *Choreographer
	s        *Session
	proto    *Protocol
	entered  time.Time
	deadline time.Time
}

// Session returns the live session state.
func (cer *Ceremony) Session() *Session { return cer.s }

// ID is the session id.
func (cer *Ceremony) ID() interfaces.SessionID { return cer.s.ID }

// IsCoordinator reports whether this device coordinates the session.
func (cer *Ceremony) IsCoordinator() bool { return cer.s.Coordinator == cer.c.self }

// ConsensusID identifies the session for equivocation tracking.
func (cer *Ceremony) ConsensusID() cryptoutils.Hash {
	return cryptoutils.DomainSum("aura.ceremony", cer.s.ID[:])
}

// Enter moves to phase. Cancellation is honored here: a cancelled session or
// context aborts instead of advancing.
func (cer *Ceremony) Enter(ctx context.Context, phase Phase) error {
	if reason := cer.c.runtime.Cancelled(cer.s.ID); reason != "" {
		return cer.Abort(ctx, fmt.Errorf("%w: %s", ErrSessionCancelled, reason))
	}
	if err := ctx.Err(); err != nil {
		return cer.Abort(context.WithoutCancel(ctx), fmt.Errorf("%w: %v", ErrSessionCancelled, err))
	}

	prev := cer.s.Phase
	if err := cer.s.Transition(phase, cer.c.time.NowMs()); err != nil {
		return err
	}
	if prev != PhaseInitialized {
		cer.c.observer.PhaseCompleted(cer.s.Kind, prev, time.Since(cer.entered))
	}
	cer.entered = time.Now()
	cer.deadline = cer.entered.Add(cer.c.timeouts.For(phase))
	return cer.c.checkpoints.Save(ctx, cer.s)
}

// Checkpoint records State and persists the session.
func (cer *Ceremony) Checkpoint(ctx context.Context, state []byte) error {
	cer.s.State = state
	return cer.c.checkpoints.Save(ctx, cer.s)
}

func (cer *Ceremony) phaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithDeadline(ctx, cer.deadline)
}

// Others lists members other than this device satisfying role.
func (cer *Ceremony) Others(role Role) []interfaces.DeviceID {
	return slices.DeleteFunc(cer.s.MembersWith(role), func(id interfaces.DeviceID) bool { return id == cer.c.self })
}

// Send guards and transmits message name to one member.
func (cer *Ceremony) Send(ctx context.Context, name string, to interfaces.DeviceID, payload any, facts ...FactDraft) error {
	spec, ok := cer.proto.Message(name)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownMessage, cer.s.Kind, name)
	}
	phase := spec.Phase
	if name == MsgCancel {
		phase = cer.s.Phase
	} else if phase != cer.s.Phase {
		return fmt.Errorf("%w: %s belongs to %s, session is in %s", interfaces.ErrInvalidArgument, name, spec.Phase, cer.s.Phase)
	}

	me, _ := cer.s.Member(cer.c.self)
	if name != MsgCancel && !me.Role.Satisfies(spec.From) {
		return fmt.Errorf("%w: %s may not send %s", interfaces.ErrPermissionDenied, me.Role, name)
	}
	recipient, ok := cer.s.Member(to)
	if !ok {
		return fmt.Errorf("%w: %s is not a member", interfaces.ErrInvalidArgument, to)
	}

	var body []byte
	if payload != nil {
		var err error
		if body, err = EncodePayload(payload); err != nil {
			return err
		}
	}

	pctx, cancel := cer.phaseContext(ctx)
	defer cancel()
	_, err := cer.c.guard.Send(pctx, Outbound{
		Kind:    cer.s.Kind,
		Spec:    spec,
		Context: cer.s.Context,
		Sender:  me.Subject(),
		To:      recipient,
		Envelope: Envelope{
			Session: cer.s.ID,
			Kind:    cer.s.Kind,
			Name:    name,
			Phase:   phase,
			Attempt: cer.s.Attempt,
			From:    cer.c.self,
			To:      to,
			Payload: body,
		},
		Facts: facts,
	})
	return err
}

// Broadcast sends name to every other member of the message's recipient role.
// Facts ride on the first send only.
func (cer *Ceremony) Broadcast(ctx context.Context, name string, payload any, facts ...FactDraft) error {
	spec, ok := cer.proto.Message(name)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownMessage, cer.s.Kind, name)
	}
	var to []interfaces.DeviceID
	if name == MsgCancel {
		for _, m := range cer.s.Members {
			if m.ID != cer.c.self {
				to = append(to, m.ID)
			}
		}
	} else {
		to = cer.Others(spec.To)
	}
	return cer.sendAll(ctx, name, to, payload, facts)
}

func (cer *Ceremony) sendAll(ctx context.Context, name string, to []interfaces.DeviceID, payload any, facts []FactDraft) error {
	if len(to) == 0 {
		if len(facts) == 0 {
			return nil
		}
		return cer.c.journal.Update(ctx, func(j *journal.Journal) error {
			for _, f := range facts {
				if _, err := j.Emit(f.TypeID, f.Context, f.Nonce, f.Value, cer.c.self); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := cer.Send(ctx, name, to[0], payload, facts...); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range to[1:] {
		g.Go(func() error {
			return cer.Send(gctx, name, id, payload)
		})
	}
	return g.Wait()
}

// Await collects one message with a name in names from each sender in from,
// within the current phase deadline. On timeout it returns what arrived and
// a *TimeoutError.
func (cer *Ceremony) Await(ctx context.Context, names []string, from []interfaces.DeviceID) (map[interfaces.DeviceID]*Envelope, error) {
	pctx, cancel := cer.phaseContext(ctx)
	defer cancel()

	got := make(map[interfaces.DeviceID]*Envelope, len(from))
	for len(got) < len(from) {
		env, err := cer.c.runtime.Recv(pctx, cer.s.ID, cer.phaseOf(names[0]), func(e *Envelope) bool {
			return slices.Contains(names, e.Name) &&
				e.Attempt == cer.s.Attempt &&
				slices.Contains(from, e.From) &&
				got[e.From] == nil
		})
		switch {
		case err == nil:
			got[env.From] = env
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return got, &TimeoutError{Phase: cer.s.Phase}
		default:
			return got, err
		}
	}
	return got, nil
}

func (cer *Ceremony) phaseOf(name string) Phase {
	if spec, ok := cer.proto.Message(name); ok && name != MsgCancel {
		return spec.Phase
	}
	return cer.s.Phase
}

// AwaitOne receives a single message from one sender.
func (cer *Ceremony) AwaitOne(ctx context.Context, name string, from interfaces.DeviceID) (*Envelope, error) {
	got, err := cer.Await(ctx, []string{name}, []interfaces.DeviceID{from})
	if err != nil {
		return nil, err
	}
	return got[from], nil
}

// Prepare runs the coordinator side of prepare/ACK. The intent, if any, is
// proposed to the journal atomically with the first prepare message. If some
// participants stay silent until the deadline but enough ACKed to meet the
// threshold, the session continues with the ACKing set.
func (cer *Ceremony) Prepare(ctx context.Context, body any) error {
	if err := cer.Enter(ctx, PhasePrepare); err != nil {
		return err
	}
	var raw []byte
	if body != nil {
		var err error
		if raw, err = EncodePayload(body); err != nil {
			return cer.Abort(ctx, err)
		}
	}

	var facts []FactDraft
	if cer.s.HasIntent {
		in := cer.s.Intent
		facts = append(facts, FactDraft{TypeID: journal.TypeIntent, Nonce: journal.NonceFromHash(in.IntentID), Value: &in})
	}

	spec, _ := cer.proto.Message(MsgPrepare)
	responders := cer.Others(spec.To)
	req := &PrepareRequest{Session: *cer.s, Body: raw}
	if len(responders) == 0 {
		if err := cer.sendAll(ctx, MsgPrepare, nil, req, facts); err != nil {
			return cer.Abort(ctx, err)
		}
	}
	// Unreachable responders are treated like silent ones. Facts go out with
	// the first attempt, since the guard records them before transmitting.
	reachable := make([]interfaces.DeviceID, 0, len(responders))
	for i, id := range responders {
		var f []FactDraft
		if i == 0 {
			f = facts
		}
		err := cer.Send(ctx, MsgPrepare, id, req, f...)
		switch {
		case err == nil:
			reachable = append(reachable, id)
		case interfaces.IsKind(err, interfaces.KindTransient):
			cer.c.log.Warn("ceremony participant unreachable",
				slog.String("session_id", cer.s.ID.String()),
				slog.String("participant", id.String()),
				"err", err)
		default:
			return cer.Abort(ctx, err)
		}
	}

	got, err := cer.Await(ctx, []string{MsgAck, MsgNack}, reachable)
	for id, env := range got {
		if env.Name != MsgNack {
			continue
		}
		var nack NackPayload
		_ = env.DecodePayload(&nack)
		if cer.s.HasIntent && nack.Actual != cer.s.Intent.SnapshotCommitment && !nack.Actual.IsZero() {
			return cer.Abort(ctx, &SnapshotMismatchError{Expected: cer.s.Intent.SnapshotCommitment, Actual: nack.Actual, ActualFrom: id})
		}
		return cer.Abort(ctx, fmt.Errorf("%w: %s declined: %s", interfaces.ErrPermissionDenied, id, nack.Reason))
	}
	switch {
	case err == nil && len(reachable) == len(responders):
		return nil
	case err == nil:
		err = fmt.Errorf("%w: %d of %d participants reachable", interfaces.ErrTransient, len(reachable), len(responders))
	case !IsTimeout(err):
		return cer.Abort(ctx, err)
	}

	acked := make([]interfaces.DeviceID, 0, len(got))
	for id := range got {
		acked = append(acked, id)
	}
	self, _ := cer.s.Member(cer.c.self)
	have := len(acked)
	if self.Role.Satisfies(spec.To) {
		have++
	}
	if have < int(cer.s.Threshold) {
		return cer.Abort(ctx, err)
	}
	cer.s.Restrict(acked)
	cer.c.log.Info("continuing without silent participants",
		slog.String("session_id", cer.s.ID.String()),
		slog.Int("acked", len(acked)))
	return cer.c.checkpoints.Save(ctx, cer.s)
}

// Ack answers the coordinator's prepare.
func (cer *Ceremony) Ack(ctx context.Context) error {
	return cer.Send(ctx, MsgAck, cer.s.Coordinator, nil)
}

// Nack declines the prepare and aborts locally.
func (cer *Ceremony) Nack(ctx context.Context, reason string) error {
	_ = cer.Send(ctx, MsgNack, cer.s.Coordinator, &NackPayload{Reason: reason})
	return cer.Abort(ctx, fmt.Errorf("%w: declined: %s", interfaces.ErrPermissionDenied, reason))
}

// CommitValue is the commitment published before value is revealed.
func CommitValue(session interfaces.SessionID, attempt uint32, from interfaces.DeviceID, value []byte) cryptoutils.Hash {
	var a [4]byte
	a[0], a[1], a[2], a[3] = byte(attempt), byte(attempt>>8), byte(attempt>>16), byte(attempt>>24)
	return cryptoutils.DomainSum("aura.ceremony.commit", session[:], a[:], from[:], value)
}

// ExchangeCommitReveal runs the share exchange among participants: every
// participant broadcasts H(value), then value. Participants that stay
// silent or reveal something other than they committed to are excluded and
// the exchange re-runs with the rest while the threshold is still met;
// otherwise the ceremony aborts. The result includes this device's value.
func (cer *Ceremony) ExchangeCommitReveal(ctx context.Context, value []byte) (map[interfaces.DeviceID][]byte, error) {
	for {
		if err := cer.Enter(ctx, PhaseShareExchange); err != nil {
			return nil, err
		}
		peers := cer.Others(RoleParticipant)
		attempt := cer.s.Attempt

		mine := CommitValue(cer.s.ID, attempt, cer.c.self, value)
		if err := cer.Broadcast(ctx, MsgShareCommit, &mine); err != nil {
			return nil, cer.Abort(ctx, err)
		}
		commits, err := cer.Await(ctx, []string{MsgShareCommit}, peers)
		if err != nil && !IsTimeout(err) {
			return nil, cer.Abort(ctx, err)
		}

		if err := cer.Broadcast(ctx, MsgShareReveal, value); err != nil {
			return nil, cer.Abort(ctx, err)
		}
		reveals, err := cer.Await(ctx, []string{MsgShareReveal}, peers)
		if err != nil && !IsTimeout(err) {
			return nil, cer.Abort(ctx, err)
		}

		out := map[interfaces.DeviceID][]byte{cer.c.self: value}
		var bad []interfaces.DeviceID
		for _, id := range peers {
			c, r := commits[id], reveals[id]
			if c == nil || r == nil {
				bad = append(bad, id)
				continue
			}
			var committed cryptoutils.Hash
			var revealed []byte
			if c.DecodePayload(&committed) != nil || r.DecodePayload(&revealed) != nil ||
				CommitValue(cer.s.ID, attempt, id, revealed) != committed {
				bad = append(bad, id)
				continue
			}
			out[id] = revealed
		}
		if len(bad) == 0 {
			return out, nil
		}

		remaining := slices.DeleteFunc(cer.s.MembersWith(RoleParticipant), func(id interfaces.DeviceID) bool {
			return slices.Contains(bad, id)
		})
		excluded := &ExcludedError{Bad: bad, Remaining: remaining}
		if len(remaining) < int(cer.s.Threshold) {
			return nil, cer.Abort(ctx, excluded)
		}
		cer.c.log.Warn("re-running share exchange without excluded participants",
			slog.String("session_id", cer.s.ID.String()),
			slog.Int("excluded", len(bad)))
		cer.s.Exclude(bad)
	}
}

// Decide is the coordinator's attest choice. Success sends MsgResult with
// payload; failure sends MsgReject and aborts with cause.
func (cer *Ceremony) Decide(ctx context.Context, success bool, payload any, cause error) error {
	if !success {
		_ = cer.Broadcast(ctx, MsgReject, &NackPayload{Reason: cause.Error()})
		return cer.Abort(ctx, cause)
	}
	if err := cer.Broadcast(ctx, MsgResult, payload); err != nil {
		return cer.Abort(ctx, err)
	}
	return nil
}

// AwaitVerdict waits for the coordinator's attest choice. A rejection aborts.
func (cer *Ceremony) AwaitVerdict(ctx context.Context) (*Envelope, error) {
	got, err := cer.Await(ctx, []string{MsgResult, MsgReject}, []interfaces.DeviceID{cer.s.Coordinator})
	if err != nil {
		return nil, cer.Abort(ctx, err)
	}
	env := got[cer.s.Coordinator]
	if env.Name == MsgReject {
		var nack NackPayload
		_ = env.DecodePayload(&nack)
		return nil, cer.Abort(ctx, fmt.Errorf("%w: coordinator rejected: %s", interfaces.ErrFatal, nack.Reason))
	}
	return env, nil
}

// ObserveResult feeds a witness contribution to the equivocation detector.
// A conflicting contribution is recorded as an equivocation fact and
// returned as *EquivocationError; the caller must drop it.
func (cer *Ceremony) ObserveResult(ctx context.Context, witness interfaces.DeviceID, result cryptoutils.Hash, signature []byte) error {
	err := cer.c.detector.Observe(witness, cer.ConsensusID(), cer.s.Prestate, result, signature)
	var eq *EquivocationError
	if !errors.As(err, &eq) {
		return err
	}
	if rerr := cer.c.journal.Update(ctx, func(j *journal.Journal) error {
		_, err := RecordEquivocation(j, cer.s.Context, eq.Proof, cer.c.self)
		return err
	}); rerr != nil {
		cer.c.log.Error("failed to record equivocation", "err", rerr)
	}
	return err
}

// CommitNotice is the payload of MsgCommit.
type CommitNotice struct {
	HasOp bool
	Op    journal.AttestedOp
	Body  []byte
}

// Commit writes op (if any), tombstones the intent and runs apply in one
// journal update, then notifies participants and closes the session.
// Committing an op already in the journal is a no-op for the op.
func (cer *Ceremony) Commit(ctx context.Context, op *journal.AttestedOp, body any, apply func(j *journal.Journal) error) error {
	notice := &CommitNotice{}
	if op != nil {
		notice.HasOp, notice.Op = true, *op
	}
	if body != nil {
		raw, err := EncodePayload(body)
		if err != nil {
			return cer.Abort(ctx, err)
		}
		notice.Body = raw
	}

	if err := cer.finish(ctx, notice, apply); err != nil {
		return err
	}
	if _, ok := cer.proto.Message(MsgCommit); ok {
		cctx, cancel := context.WithTimeout(ctx, cer.c.timeouts.Commit)
		defer cancel()
		if err := cer.broadcastCommit(cctx, notice); err != nil {
			cer.c.log.Warn("commit notification incomplete; peers converge through anti-entropy",
				slog.String("session_id", cer.s.ID.String()), "err", err)
		}
	}
	return nil
}

func (cer *Ceremony) broadcastCommit(ctx context.Context, notice *CommitNotice) error {
	spec, _ := cer.proto.Message(MsgCommit)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range cer.Others(spec.To) {
		g.Go(func() error {
			me, _ := cer.s.Member(cer.c.self)
			to, _ := cer.s.Member(id)
			body, err := EncodePayload(notice)
			if err != nil {
				return err
			}
			_, err = cer.c.guard.Send(gctx, Outbound{
				Kind:    cer.s.Kind,
				Spec:    spec,
				Context: cer.s.Context,
				Sender:  me.Subject(),
				To:      to,
				Envelope: Envelope{
					Session: cer.s.ID, Kind: cer.s.Kind, Name: MsgCommit, Phase: PhaseCommitted,
					Attempt: cer.s.Attempt, From: cer.c.self, To: id, Payload: body,
				},
			})
			return err
		})
	}
	return g.Wait()
}

// AwaitCommit waits for the coordinator's commit notice and applies it
// locally with the same atomicity as Commit.
func (cer *Ceremony) AwaitCommit(ctx context.Context, apply func(j *journal.Journal, notice *CommitNotice) error) (*CommitNotice, error) {
	cer.deadline = time.Now().Add(cer.c.timeouts.Commit + cer.c.timeouts.Attest)
	got, err := cer.Await(ctx, []string{MsgCommit}, []interfaces.DeviceID{cer.s.Coordinator})
	if err != nil {
		return nil, cer.Abort(ctx, err)
	}
	notice := &CommitNotice{}
	if err := got[cer.s.Coordinator].DecodePayload(notice); err != nil {
		return nil, cer.Abort(ctx, err)
	}
	var fn func(j *journal.Journal) error
	if apply != nil {
		fn = func(j *journal.Journal) error { return apply(j, notice) }
	}
	if err := cer.finish(ctx, notice, fn); err != nil {
		return nil, err
	}
	return notice, nil
}

// Finish commits locally without notifying anyone. Used by templates that
// have no commit message.
func (cer *Ceremony) Finish(ctx context.Context, apply func(j *journal.Journal) error) error {
	return cer.finish(ctx, &CommitNotice{}, apply)
}

func (cer *Ceremony) finish(ctx context.Context, notice *CommitNotice, apply func(j *journal.Journal) error) error {
	cctx, cancel := context.WithTimeout(ctx, cer.c.timeouts.Commit)
	defer cancel()

	err := cer.c.journal.Update(cctx, func(j *journal.Journal) error {
		if notice.HasOp {
			if _, err := j.ApplyAttested(notice.Op); err != nil {
				return err
			}
		}
		if cer.s.HasIntent {
			if _, err := j.TombstoneIntent(cer.s.Intent, true, cer.c.self); err != nil {
				return err
			}
		}
		if apply != nil {
			return apply(j)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &TimeoutError{Phase: PhaseCommitted}
		}
		return cer.Abort(ctx, err)
	}

	prev := cer.s.Phase
	if err := cer.s.Transition(PhaseCommitted, cer.c.time.NowMs()); err != nil {
		return err
	}
	cer.c.observer.PhaseCompleted(cer.s.Kind, prev, time.Since(cer.entered))
	cer.close(ctx, "committed")
	cer.c.log.Info("ceremony committed",
		slog.String("session_id", cer.s.ID.String()),
		slog.String("kind", string(cer.s.Kind)))
	return nil
}

func (cer *Ceremony) close(ctx context.Context, outcome string) {
	if err := cer.c.checkpoints.Delete(context.WithoutCancel(ctx), cer.s.ID); err != nil {
		cer.c.log.Warn("failed to delete checkpoint", slog.String("session_id", cer.s.ID.String()), "err", err)
	}
	cer.c.runtime.Forget(cer.s.ID)
	cer.c.detector.Forget(cer.ConsensusID())
	cer.c.observer.CeremonyFinished(cer.s.Kind, outcome)
}

// Cancel records a CancelIntent, tells every other member and aborts. Peers
// honor it at their next phase boundary or wait.
func (cer *Ceremony) Cancel(ctx context.Context, reason string) error {
	if cer.s.Phase.Terminal() {
		return nil
	}
	ci := journal.CancelIntent{Session: cer.s.ID.String(), By: cer.c.self, Reason: reason}
	var facts []FactDraft
	if cer.s.HasIntent {
		ci.IntentID = cer.s.Intent.IntentID
		facts = append(facts, FactDraft{TypeID: journal.TypeCancelIntent, Nonce: journal.NonceFromHash(ci.IntentID), Value: &ci})
	}
	cer.c.runtime.markCancelled(cer.s.ID, reason)

	sctx := context.WithoutCancel(ctx)
	if err := cer.Broadcast(sctx, MsgCancel, &ci, facts...); err != nil {
		cer.c.log.Warn("cancel broadcast incomplete", slog.String("session_id", cer.s.ID.String()), "err", err)
	}
	return cer.Abort(sctx, fmt.Errorf("%w: %s", ErrSessionCancelled, reason))
}

// Abort moves the session to Aborted and releases it. It returns cause
// wrapped in *AbortedError, so callers can `return cer.Abort(ctx, err)`.
func (cer *Ceremony) Abort(ctx context.Context, cause error) error {
	var aborted *AbortedError
	if errors.As(cause, &aborted) {
		return cause
	}
	phase := cer.s.Phase
	if phase.Terminal() {
		return &AbortedError{Phase: phase, Err: cause}
	}
	_ = cer.s.Transition(PhaseAborted, cer.c.time.NowMs())
	cer.s.Reason = cause.Error()

	outcome := "aborted"
	switch {
	case IsTimeout(cause):
		outcome = "timeout"
	case interfaces.IsKind(cause, interfaces.KindCancelled):
		outcome = "cancelled"
	}
	cer.close(ctx, outcome)
	cer.c.log.Warn("ceremony aborted",
		slog.String("session_id", cer.s.ID.String()),
		slog.String("kind", string(cer.s.Kind)),
		slog.String("phase", phase.String()),
		"err", cause)
	return &AbortedError{Phase: phase, Err: cause}
}

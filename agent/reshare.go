package agent

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ruteri/aura/amp"
	"github.com/ruteri/aura/capability"
	"github.com/ruteri/aura/choreography"
	"github.com/ruteri/aura/frost"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
	"github.com/ruteri/aura/ratchettree"
)

// reshareMode selects what a reshare ceremony does with the moved key.
type reshareMode uint8

const (
	// reshareEnroll adds a joiner to the holders.
	reshareEnroll reshareMode = iota + 1
	// reshareRemove drops devices from the holders.
	reshareRemove
	// reshareEscrow hands the whole secret to the coordinator only, for
	// splitting among guardians. Holders keep their shares.
	reshareEscrow
)

func (m reshareMode) String() string {
	switch m {
	case reshareEnroll:
		return "enroll"
	case reshareRemove:
		return "remove"
	case reshareEscrow:
		return "escrow"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// Enrollment describes a device to add to the account. The device must be
// running and reachable; its signing key becomes its tree leaf key.
type Enrollment struct {
	Device     interfaces.DeviceID
	Name       string
	SigningKey ed25519.PublicKey
	// Threshold of the enlarged holder set. Zero picks a majority.
	Threshold uint16
}

type reshareRequest struct {
	Mode         uint8
	KeyEpoch     uint64
	OldPublic    frost.PublicKeyPackage
	NewThreshold uint16
	Quorum       []Holder
	Recipients   []Holder
	HasJoiner    bool
	Joiner       interfaces.DeviceID
	Removed      []interfaces.DeviceID
}

func (r *reshareRequest) mode() reshareMode { return reshareMode(r.Mode) }

func (r *reshareRequest) quorumIDs() []frost.Identifier {
	out := make([]frost.Identifier, len(r.Quorum))
	for i, h := range r.Quorum {
		out[i] = h.Identifier
	}
	slices.Sort(out)
	return out
}

func (r *reshareRequest) recipientIDs() []frost.Identifier {
	out := make([]frost.Identifier, len(r.Recipients))
	for i, h := range r.Recipients {
		out[i] = h.Identifier
	}
	slices.Sort(out)
	return out
}

func (r *reshareRequest) isQuorum(d interfaces.DeviceID) bool {
	return slices.ContainsFunc(r.Quorum, func(h Holder) bool { return h.Device == d })
}

func (r *reshareRequest) recipient(d interfaces.DeviceID) (Holder, bool) {
	return (&keyRecord{Holders: r.Recipients}).holder(d)
}

type reshareAnnounce struct {
	HasRecipient  bool
	Recipient     frost.RecipientAnnouncement
	HasCommitment bool
	Commitment    frost.Commitment
	SigningKey    []byte
}

type reshareRoster struct {
	Recipients  []frost.RecipientAnnouncement
	Commitments []frost.Commitment
}

type reshareCommit struct {
	Threshold    journal.ThresholdConfig
	SessionEpoch uint64
	Delegations  []capability.Delegation
}

// reshareState is what a member holds between the phases of a reshare.
type reshareState struct {
	req         reshareRequest
	old         *keyRecord
	receiver    *frost.ReshareRecipient
	nonce       *frost.Nonce
	message     []byte
	ownAnnounce reshareAnnounce
	ownDealing  *frost.Dealing
	roster      reshareRoster
	next        *keyRecord
}

// Enroll adds a device to the holders of the account key. Every current
// holder deals a share of the unchanged group key to the enlarged set, the
// device gets a tree leaf and the coordinator's permissions.
func (a *Agent) Enroll(ctx context.Context, e Enrollment) error {
	a.keyMu.Lock()
	defer a.keyMu.Unlock()

	rec, err := a.requireKey()
	if err != nil {
		return err
	}
	if _, held := rec.holder(e.Device); held {
		return fmt.Errorf("%w: %s already holds a share", interfaces.ErrConflict, e.Device)
	}
	if len(e.SigningKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: enrollment needs the device's signing key", interfaces.ErrInvalidArgument)
	}

	next := slices.Clone(rec.Holders)
	var maxID frost.Identifier
	for _, h := range next {
		maxID = max(maxID, h.Identifier)
	}
	joiner := Holder{Device: e.Device, Identifier: maxID + 1}
	next = append(next, joiner)
	threshold := e.Threshold
	if threshold == 0 {
		threshold = uint16(len(next)/2 + 1)
	}
	if int(threshold) > len(next) {
		return fmt.Errorf("%w: threshold %d of %d holders", interfaces.ErrInvalidArgument, threshold, len(next))
	}

	leaf, err := deviceLeaf(e.Device, e.Name, uint16(joiner.Identifier), e.SigningKey)
	if err != nil {
		return err
	}
	req := reshareRequest{
		Mode:         uint8(reshareEnroll),
		KeyEpoch:     rec.Epoch,
		OldPublic:    rec.Public,
		NewThreshold: threshold,
		Quorum:       sortedHolders(rec.Holders),
		Recipients:   sortedHolders(next),
		HasJoiner:    true,
		Joiner:       e.Device,
	}
	members := participants(rec, a.self)
	members = append(members, choreography.Member{ID: e.Device, Role: choreography.RoleJoiner})

	build := func(j *journal.Journal) (ratchettree.TreeOp, error) {
		if _, exists := j.Tree.FindLeaf(leaf.ID); exists {
			return ratchettree.TreeOp{}, fmt.Errorf("%w: %s is already in the tree", interfaces.ErrConflict, e.Device)
		}
		return j.Tree.AddLeafOp(leaf), nil
	}
	return a.reshare(ctx, rec, req, members, build)
}

// Remove drops a device from the holders. The remaining holders receive
// fresh shares, so the removed device's share no longer combines with
// theirs, and its leaf is removed from the tree.
func (a *Agent) Remove(ctx context.Context, device interfaces.DeviceID, reason string) error {
	a.keyMu.Lock()
	defer a.keyMu.Unlock()

	rec, err := a.requireKey()
	if err != nil {
		return err
	}
	if device == a.self {
		return fmt.Errorf("%w: a device cannot remove itself", interfaces.ErrInvalidArgument)
	}
	removed, held := rec.holder(device)
	if !held {
		return fmt.Errorf("%w: %s", ErrNotMember, device)
	}
	remaining := slices.DeleteFunc(slices.Clone(rec.Holders), func(h Holder) bool { return h.Device == device })
	quorum := remaining
	if len(quorum) < int(rec.Public.Threshold) {
		// Too few holders remain to deal on their own; the removed device
		// has to cooperate.
		quorum = append(slices.Clone(remaining), removed)
	}
	req := reshareRequest{
		Mode:         uint8(reshareRemove),
		KeyEpoch:     rec.Epoch,
		OldPublic:    rec.Public,
		NewThreshold: min(rec.Public.Threshold, uint16(len(remaining))),
		Quorum:       sortedHolders(quorum),
		Recipients:   sortedHolders(remaining),
		Removed:      []interfaces.DeviceID{device},
	}
	var members []choreography.Member
	for _, h := range quorum {
		if h.Device != a.self {
			members = append(members, choreography.Member{ID: h.Device, Role: choreography.RoleParticipant})
		}
	}

	build := func(j *journal.Journal) (ratchettree.TreeOp, error) {
		l, ok := j.Tree.FindLeaf(ratchettree.LeafID(device))
		if !ok {
			return ratchettree.TreeOp{}, fmt.Errorf("%w: %s has no tree leaf", ErrNotMember, device)
		}
		return j.Tree.RemoveLeafOp(l.Index, reason), nil
	}
	return a.reshare(ctx, rec, req, members, build)
}

// escrowSecret has a quorum of holders deal the account secret to this device
// alone. Nothing is committed and the holders keep their shares.
func (a *Agent) escrowSecret(ctx context.Context) ([]byte, error) {
	rec, err := a.requireKey()
	if err != nil {
		return nil, err
	}
	if rec.Public.Threshold == 1 {
		// A 1-of-n share is the secret itself.
		return slices.Clone(rec.Key.SigningShare), nil
	}

	me, _ := rec.holder(a.self)
	quorum := []Holder{me}
	for _, h := range rec.Holders {
		if len(quorum) == int(rec.Public.Threshold) {
			break
		}
		if h.Device != a.self {
			quorum = append(quorum, h)
		}
	}
	req := reshareRequest{
		Mode:         uint8(reshareEscrow),
		KeyEpoch:     rec.Epoch,
		OldPublic:    rec.Public,
		NewThreshold: 1,
		Quorum:       sortedHolders(quorum),
		Recipients:   []Holder{me},
	}
	var members []choreography.Member
	for _, h := range quorum[1:] {
		members = append(members, choreography.Member{ID: h.Device, Role: choreography.RoleParticipant})
	}

	var secret []byte
	err = a.runReshareCoordinator(ctx, rec, req, members, nil, nil, func(next *keyRecord) error {
		secret = slices.Clone(next.Key.SigningShare)
		next.wipe()
		return nil
	})
	return secret, err
}

// reshare coordinates a membership change and installs the new share.
// A joiner receives every permission the coordinator holds.
func (a *Agent) reshare(ctx context.Context, rec *keyRecord, req reshareRequest, members []choreography.Member, build func(j *journal.Journal) (ratchettree.TreeOp, error)) error {
	var op ratchettree.TreeOp
	var delegations []capability.Delegation
	err := a.journal.View(func(j *journal.Journal) error {
		var err error
		if op, err = build(j); err != nil {
			return err
		}
		if req.HasJoiner {
			delegations, err = grantAll(j.Account.Graph(), capability.Device(a.self), req.Joiner)
		}
		return err
	})
	if err != nil {
		return err
	}
	intent, err := journal.NewIntent(op, a.self)
	if err != nil {
		return err
	}

	return a.runReshareCoordinator(ctx, rec, req, members, &intent, delegations, func(next *keyRecord) error {
		if err := a.keys.install(ctx, next); err != nil {
			return err
		}
		a.observeEpoch(ctx)
		if req.mode() == reshareRemove {
			a.bumpChannels(ctx, amp.BumpDeviceRemoval)
		}
		a.log.Info("key reshared",
			slog.String("mode", req.mode().String()),
			slog.Uint64("key_epoch", next.Epoch),
			slog.Int("holders", len(next.Holders)),
			slog.Int("threshold", int(next.Public.Threshold)))
		return nil
	})
}

// runReshareCoordinator drives the coordinator side. done receives the
// coordinator's new record after the commit.
func (a *Agent) runReshareCoordinator(ctx context.Context, rec *keyRecord, req reshareRequest, members []choreography.Member, intent *journal.Intent, delegations []capability.Delegation, done func(next *keyRecord) error) error {
	s := a.chor.NewSession(choreography.KindEnroll, contextFor("reshare", a.cfg.Account), members, uint16(len(members)+1))
	if intent != nil {
		s.HasIntent, s.Intent = true, *intent
	}
	cer, err := a.chor.Start(ctx, s)
	if err != nil {
		return err
	}
	if err := cer.Prepare(ctx, &req); err != nil {
		return err
	}
	if len(cer.Session().Members) != len(members)+1 {
		return cer.Abort(ctx, fmt.Errorf("%w: every member of a reshare must take part", interfaces.ErrTimeout))
	}

	st, err := a.reshareAnnounce(ctx, cer, rec, req)
	if err != nil {
		return err
	}

	// Collect announcements and publish the roster.
	others := cer.Others(choreography.RoleParticipant)
	got, err := cer.Await(ctx, []string{choreography.MsgAnnounce}, others)
	if err != nil {
		return cer.Abort(ctx, err)
	}
	anns := map[interfaces.DeviceID]reshareAnnounce{a.self: st.ownAnnounce}
	for id, env := range got {
		var ann reshareAnnounce
		if err := env.DecodePayload(&ann); err != nil {
			return cer.Abort(ctx, err)
		}
		anns[id] = ann
	}
	roster, err := buildRoster(req, anns)
	if err != nil {
		return cer.Abort(ctx, err)
	}
	if err := cer.Broadcast(ctx, choreography.MsgRoster, roster); err != nil {
		return cer.Abort(ctx, err)
	}
	st.roster = *roster

	if err := a.reshareDeal(ctx, cer, st); err != nil {
		return err
	}

	var ts journal.ThresholdSignature
	var sigErr error
	if intent != nil {
		ts, sigErr = a.collectOpSignature(ctx, cer, st)
		if sigErr != nil && !isInvalidPartial(sigErr) {
			return cer.Abort(ctx, sigErr)
		}
	}
	if err := a.reshareReceive(ctx, cer, st); err != nil {
		return err
	}
	if err := cer.Enter(ctx, choreography.PhaseAttest); err != nil {
		st.next.wipe()
		return err
	}
	if sigErr != nil {
		st.next.wipe()
		return cer.Decide(ctx, false, nil, sigErr)
	}

	var confirmFrom []interfaces.DeviceID
	for _, h := range req.Recipients {
		if h.Device != a.self {
			confirmFrom = append(confirmFrom, h.Device)
		}
	}
	if err := a.confirmKey(ctx, cer, st.next, confirmFrom); err != nil {
		st.next.wipe()
		return err
	}

	if req.mode() == reshareEscrow {
		if err := cer.Commit(ctx, nil, nil, nil); err != nil {
			st.next.wipe()
			return err
		}
		return done(st.next)
	}

	if err := a.keys.stage(ctx, st.next); err != nil {
		st.next.wipe()
		return cer.Abort(ctx, err)
	}
	var sessionEpoch uint64
	_ = a.journal.View(func(j *journal.Journal) error {
		sessionEpoch = j.Account.SessionEpoch + 1
		return nil
	})
	commit := reshareCommit{
		Threshold:    journal.ThresholdConfig{M: req.NewThreshold, N: uint16(len(req.Recipients)), Epoch: st.next.Epoch},
		SessionEpoch: sessionEpoch,
		Delegations:  delegations,
	}
	op := journal.AttestedOp{Op: intent.Op, Signature: ts}
	if err := cer.Commit(ctx, &op, &commit, func(j *journal.Journal) error {
		return applyReshare(j, &commit, a.self)
	}); err != nil {
		st.next.wipe()
		return err
	}
	return done(st.next)
}

// reshareAnnounce enters the share exchange and prepares this member's
// recipient keys and signing nonce.
func (a *Agent) reshareAnnounce(ctx context.Context, cer *choreography.Ceremony, rec *keyRecord, req reshareRequest) (*reshareState, error) {
	if err := cer.Enter(ctx, choreography.PhaseShareExchange); err != nil {
		return nil, err
	}
	st := &reshareState{req: req, old: rec}
	st.ownAnnounce.SigningKey = a.SigningKey()
	sessionID := cer.ID()

	if h, ok := req.recipient(a.self); ok {
		r, ann, err := frost.NewReshareRecipient(h.Identifier, int(req.NewThreshold), req.recipientIDs(), &req.OldPublic, req.quorumIDs(), sessionID[:], a.eff.Random)
		if err != nil {
			return nil, cer.Abort(ctx, err)
		}
		st.receiver = r
		st.ownAnnounce.HasRecipient, st.ownAnnounce.Recipient = true, ann
	}
	if req.isQuorum(a.self) && cer.Session().HasIntent {
		msg, err := journal.OpSigningMessage(a.cfg.Account, cer.Session().Intent.Op)
		if err != nil {
			return nil, cer.Abort(ctx, err)
		}
		nonce, commitment, err := rec.Key.Commit(a.eff.Random)
		if err != nil {
			return nil, cer.Abort(ctx, err)
		}
		st.nonce, st.message = nonce, msg
		st.ownAnnounce.HasCommitment, st.ownAnnounce.Commitment = true, commitment
	}
	return st, nil
}

// buildRoster checks every member announced what its place in the request
// needs and orders the announcements.
func buildRoster(req reshareRequest, anns map[interfaces.DeviceID]reshareAnnounce) (*reshareRoster, error) {
	roster := &reshareRoster{}
	for _, h := range req.Recipients {
		ann, ok := anns[h.Device]
		if !ok || !ann.HasRecipient || ann.Recipient.Identifier != h.Identifier {
			return nil, fmt.Errorf("%w: %s did not announce recipient %d", interfaces.ErrPermissionDenied, h.Device, h.Identifier)
		}
		roster.Recipients = append(roster.Recipients, ann.Recipient)
	}
	for _, h := range req.Quorum {
		ann, ok := anns[h.Device]
		if !ok {
			return nil, fmt.Errorf("%w: %s did not announce", interfaces.ErrPermissionDenied, h.Device)
		}
		if ann.HasCommitment {
			if ann.Commitment.Identifier != h.Identifier {
				return nil, fmt.Errorf("%w: %s committed as identifier %d", interfaces.ErrPermissionDenied, h.Device, ann.Commitment.Identifier)
			}
			roster.Commitments = append(roster.Commitments, ann.Commitment)
		}
	}
	slices.SortFunc(roster.Recipients, func(x, y frost.RecipientAnnouncement) int { return int(x.Identifier) - int(y.Identifier) })
	slices.SortFunc(roster.Commitments, func(x, y frost.Commitment) int { return int(x.Identifier) - int(y.Identifier) })
	return roster, nil
}

// reshareDeal enters Compute, deals to every recipient and sends the partial
// signature of the membership op.
func (a *Agent) reshareDeal(ctx context.Context, cer *choreography.Ceremony, st *reshareState) error {
	if err := cer.Enter(ctx, choreography.PhaseCompute); err != nil {
		return err
	}
	if !st.req.isQuorum(a.self) {
		return nil
	}
	sessionID := cer.ID()
	dealing, err := frost.Reshare(&st.old.Key, &st.old.Public, st.req.quorumIDs(), int(st.req.NewThreshold), st.roster.Recipients, sessionID[:], a.eff.Random)
	if err != nil {
		return cer.Abort(ctx, err)
	}
	for _, h := range st.req.Recipients {
		if h.Device == a.self {
			st.ownDealing = dealing
			continue
		}
		if err := cer.Send(ctx, choreography.MsgDealing, h.Device, dealing); err != nil {
			return cer.Abort(ctx, err)
		}
	}

	if st.nonce == nil || cer.IsCoordinator() {
		return nil
	}
	share, err := st.old.Key.Sign(st.nonce, st.message, st.roster.Commitments)
	if err != nil {
		return cer.Abort(ctx, err)
	}
	return cer.Send(ctx, choreography.MsgPartial, cer.Session().Coordinator, &share)
}

// reshareReceive collects the dealings addressed to this recipient and
// finalizes its new share.
func (a *Agent) reshareReceive(ctx context.Context, cer *choreography.Ceremony, st *reshareState) error {
	if st.receiver == nil {
		return nil
	}
	var from []interfaces.DeviceID
	for _, h := range st.req.Quorum {
		if h.Device != a.self {
			from = append(from, h.Device)
		}
	}
	got, err := cer.Await(ctx, []string{choreography.MsgDealing}, from)
	if err != nil {
		return cer.Abort(ctx, err)
	}
	quorum := &keyRecord{Holders: st.req.Quorum}
	dealings := make([]*frost.Dealing, 0, len(got)+1)
	if st.ownDealing != nil {
		dealings = append(dealings, st.ownDealing)
	}
	for id, env := range got {
		var d frost.Dealing
		if err := env.DecodePayload(&d); err != nil {
			return cer.Abort(ctx, err)
		}
		if h, ok := quorum.holder(id); !ok || h.Identifier != d.From {
			return cer.Abort(ctx, fmt.Errorf("%w: %s dealt as identifier %d", interfaces.ErrPermissionDenied, id, d.From))
		}
		dealings = append(dealings, &d)
	}
	key, pub, err := st.receiver.Finalize(dealings)
	if err != nil {
		return cer.Abort(ctx, err)
	}
	st.next = &keyRecord{Epoch: st.req.KeyEpoch + 1, Key: *key, Public: *pub, Holders: sortedHolders(st.req.Recipients)}
	return nil
}

// collectOpSignature signs the membership op with the old key: the
// coordinator's own share plus a partial from every other dealer.
func (a *Agent) collectOpSignature(ctx context.Context, cer *choreography.Ceremony, st *reshareState) (journal.ThresholdSignature, error) {
	own, err := st.old.Key.Sign(st.nonce, st.message, st.roster.Commitments)
	if err != nil {
		return journal.ThresholdSignature{}, err
	}
	var from []interfaces.DeviceID
	for _, h := range st.req.Quorum {
		if h.Device != a.self {
			from = append(from, h.Device)
		}
	}
	got, err := cer.Await(ctx, []string{choreography.MsgPartial}, from)
	if err != nil {
		return journal.ThresholdSignature{}, err
	}
	shares := []frost.SignatureShare{own}
	for id, env := range got {
		var share frost.SignatureShare
		if err := env.DecodePayload(&share); err != nil {
			return journal.ThresholdSignature{}, err
		}
		h, _ := st.old.holder(id)
		if share.Identifier != h.Identifier || !frost.VerifyShare(&st.old.Public, st.message, st.roster.Commitments, share) {
			return journal.ThresholdSignature{}, &frost.InvalidPartialError{Signer: h.Identifier}
		}
		shares = append(shares, share)
	}
	sig, err := frost.Aggregate(&st.old.Public, st.message, st.roster.Commitments, shares)
	if err != nil {
		return journal.ThresholdSignature{}, err
	}
	signers := make([]uint16, len(st.roster.Commitments))
	for i, c := range st.roster.Commitments {
		signers[i] = uint16(c.Identifier)
	}
	return journal.ThresholdSignature{Signature: sig, Signers: signers, M: st.old.Public.Threshold, N: uint16(len(st.old.Holders))}, nil
}

func isInvalidPartial(err error) bool {
	var bad *frost.InvalidPartialError
	return errors.As(err, &bad)
}

// applyReshare records the new threshold and session epoch and the grants
// that came with the change.
func applyReshare(j *journal.Journal, c *reshareCommit, author interfaces.DeviceID) error {
	if c.Threshold.Epoch > j.Account.Threshold.Epoch {
		j.Account.Threshold = c.Threshold
	}
	j.Account.SetSessionEpoch(c.SessionEpoch)
	return emitDelegations(j, c.Delegations, author)
}

func (a *Agent) joinReshare(ctx context.Context, invite *choreography.Envelope) error {
	cer, body, err := a.chor.Accept(ctx, invite)
	if err != nil {
		return err
	}
	var req reshareRequest
	if err := journal.Decode(body, &req); err != nil {
		return cer.Nack(ctx, "malformed request")
	}
	rec, reason := a.checkReshare(ctx, cer, &req)
	if reason != "" {
		return cer.Nack(ctx, reason)
	}
	if err := cer.Ack(ctx); err != nil {
		return cer.Abort(ctx, err)
	}

	st, err := a.reshareAnnounce(ctx, cer, rec, req)
	if err != nil {
		return err
	}
	coordinator := cer.Session().Coordinator
	if err := cer.Send(ctx, choreography.MsgAnnounce, coordinator, &st.ownAnnounce); err != nil {
		return cer.Abort(ctx, err)
	}
	env, err := cer.AwaitOne(ctx, choreography.MsgRoster, coordinator)
	if err != nil {
		return cer.Abort(ctx, err)
	}
	if err := env.DecodePayload(&st.roster); err != nil {
		return cer.Abort(ctx, err)
	}
	if st.ownAnnounce.HasRecipient && !slices.ContainsFunc(st.roster.Recipients, func(r frost.RecipientAnnouncement) bool {
		return r.Identifier == st.ownAnnounce.Recipient.Identifier && bytes.Equal(r.EncryptionKey, st.ownAnnounce.Recipient.EncryptionKey)
	}) {
		return cer.Abort(ctx, fmt.Errorf("%w: roster does not carry this device's announcement", interfaces.ErrPermissionDenied))
	}

	if err := a.reshareDeal(ctx, cer, st); err != nil {
		return err
	}
	if err := a.reshareReceive(ctx, cer, st); err != nil {
		return err
	}
	if err := cer.Enter(ctx, choreography.PhaseAttest); err != nil {
		st.next.wipe()
		return err
	}
	if st.next != nil {
		if err := a.confirmKeyWith(ctx, cer, st.next); err != nil {
			st.next.wipe()
			return err
		}
	} else if _, err := cer.AwaitVerdict(ctx); err != nil {
		return err
	}

	if req.mode() == reshareEscrow {
		_, err := cer.AwaitCommit(ctx, nil)
		return err
	}
	if st.next != nil {
		if err := a.keys.stage(ctx, st.next); err != nil {
			st.next.wipe()
			return cer.Abort(ctx, err)
		}
	}
	_, err = cer.AwaitCommit(ctx, func(j *journal.Journal, notice *choreography.CommitNotice) error {
		var commit reshareCommit
		if err := journal.Decode(notice.Body, &commit); err != nil {
			return err
		}
		if st.next != nil && commit.Threshold.Epoch != st.next.Epoch {
			return fmt.Errorf("%w: committed key epoch %d, reshared %d", interfaces.ErrFatal, commit.Threshold.Epoch, st.next.Epoch)
		}
		return applyReshare(j, &commit, coordinator)
	})
	if err != nil {
		st.next.wipe()
		return err
	}

	if st.next != nil {
		if err := a.keys.install(ctx, st.next); err != nil {
			return err
		}
	}
	a.observeEpoch(ctx)
	return nil
}

// checkReshare validates a reshare request against local state and returns
// the share this device deals from, or a reason to decline.
func (a *Agent) checkReshare(ctx context.Context, cer *choreography.Ceremony, req *reshareRequest) (*keyRecord, string) {
	s := cer.Session()
	switch req.mode() {
	case reshareEnroll, reshareRemove:
		if !s.HasIntent {
			return nil, "membership change without intent"
		}
	case reshareEscrow:
		if s.HasIntent {
			return nil, "escrow carries no op"
		}
	default:
		return nil, "unknown reshare mode"
	}

	var groupKey []byte
	var leafOK bool
	_ = a.journal.View(func(j *journal.Journal) error {
		groupKey = slices.Clone(j.Account.GroupKey)
		if !s.HasIntent {
			return nil
		}
		op := s.Intent.Op
		switch req.mode() {
		case reshareEnroll:
			leafOK = op.Kind == ratchettree.OpAddLeaf && op.Leaf.ID == ratchettree.LeafID(req.Joiner)
		case reshareRemove:
			l, err := j.Tree.Leaf(op.LeafIndex)
			leafOK = op.Kind == ratchettree.OpRemoveLeaf && err == nil && len(req.Removed) == 1 && l.ID == ratchettree.LeafID(req.Removed[0])
		}
		return nil
	})
	if !bytes.Equal(groupKey, req.OldPublic.GroupKey) {
		return nil, "request is for another group key"
	}
	if s.HasIntent && !leafOK {
		return nil, "intent does not match the membership change"
	}

	if !req.isQuorum(a.self) {
		if _, ok := req.recipient(a.self); !ok || !req.HasJoiner || req.Joiner != a.self {
			return nil, "not part of this reshare"
		}
		return nil, ""
	}
	rec, err := a.keyFor(ctx, req.KeyEpoch)
	if err != nil {
		return nil, err.Error()
	}
	fp, _ := rec.fingerprint()
	claimed := keyRecord{Epoch: req.KeyEpoch, Public: req.OldPublic, Holders: rec.Holders}
	if cfp, _ := claimed.fingerprint(); cfp != fp {
		return nil, "request carries another public key package"
	}
	if h, _ := rec.holder(a.self); !slices.Contains(req.Quorum, h) {
		return nil, "quorum names this device with another identifier"
	}
	return rec, ""
}

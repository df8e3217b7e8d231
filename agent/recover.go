package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ruteri/aura/amp"
	"github.com/ruteri/aura/choreography"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/frost"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
	"github.com/ruteri/aura/ratchettree"
	"github.com/ruteri/aura/recovery"
)

type recoveryInvite struct {
	Request    recovery.Request
	Generation uint64
}

type recoveryResult struct {
	Approved []interfaces.GuardianID
}

// Recover files a recovery request for this device and collects guardian
// approvals for it. The request becomes ready once the cooldown after the
// threshold approval has passed without a blocking dispute; CompleteRecovery
// then restores the account onto this device. The device must have synced
// the account journal from some peer first.
func (a *Agent) Recover(ctx context.Context) (recovery.Request, error) {
	if a.cfg.Guardian {
		return recovery.Request{}, ErrGuardianRole
	}
	if _, held := a.keys.Current(); held {
		return recovery.Request{}, fmt.Errorf("%w: device already holds a key share", interfaces.ErrConflict)
	}
	var live bool
	_ = a.journal.View(func(j *journal.Journal) error {
		live = j.Account.IsLiveDevice(a.self)
		return nil
	})
	if live {
		return recovery.Request{}, fmt.Errorf("%w: device is already a member of the account", interfaces.ErrConflict)
	}
	policy, err := a.RecoveryPolicy()
	if err != nil {
		return recovery.Request{}, err
	}
	if len(policy.Guardians) == 0 {
		return recovery.Request{}, fmt.Errorf("%w: the account has no guardians", ErrNotMember)
	}

	req, err := a.recovery.Initiate(ctx, a.self, a.ShareKey(), policy.Guardians, policy.Threshold)
	if err != nil {
		return recovery.Request{}, err
	}
	members := make([]choreography.Member, 0, len(req.Guardians))
	for _, g := range req.Guardians {
		members = append(members, choreography.Member{ID: interfaces.DeviceID(g), Role: choreography.RoleGuardian})
	}
	s := a.chor.NewSession(choreography.KindRecovery, recovery.RequestContext(req.RequestID), members, req.Threshold)
	cer, err := a.chor.Start(ctx, s)
	if err != nil {
		return req, err
	}
	if err := cer.Prepare(ctx, &recoveryInvite{Request: req, Generation: policy.Generation}); err != nil {
		return req, err
	}

	if err := cer.Enter(ctx, choreography.PhaseShareExchange); err != nil {
		return req, err
	}
	got, err := cer.Await(ctx, []string{choreography.MsgApprove}, cer.Others(choreography.RoleGuardian))
	if err != nil && !choreography.IsTimeout(err) {
		return req, cer.Abort(ctx, err)
	}
	if err := cer.Enter(ctx, choreography.PhaseCompute); err != nil {
		return req, err
	}
	var approved []interfaces.GuardianID
	for id, env := range got {
		var approval recovery.Approval
		if err := env.DecodePayload(&approval); err != nil {
			a.log.Warn("dropping malformed approval", slog.String("guardian", id.String()), "err", err)
			continue
		}
		if approval.Guardian != interfaces.GuardianID(id) || approval.RequestID != req.RequestID {
			a.log.Warn("dropping approval for another guardian or request", slog.String("guardian", id.String()))
			continue
		}
		if err := a.recovery.SubmitApproval(ctx, approval); err != nil {
			a.log.Warn("rejected recovery approval", slog.String("guardian", id.String()), "err", err)
			continue
		}
		approved = append(approved, approval.Guardian)
	}

	if err := cer.Enter(ctx, choreography.PhaseAttest); err != nil {
		return req, err
	}
	if len(approved) < int(req.Threshold) {
		return req, cer.Decide(ctx, false, nil, &frost.InsufficientParticipantsError{Have: len(approved), Need: int(req.Threshold)})
	}
	if err := cer.Decide(ctx, true, &recoveryResult{Approved: approved}, nil); err != nil {
		return req, err
	}
	if err := cer.Commit(ctx, nil, nil, nil); err != nil {
		return req, err
	}
	a.log.Info("recovery approvals collected",
		slog.String("request", req.RequestID.String()),
		slog.Int("approvals", len(approved)))
	return req, nil
}

// CompleteRecovery rebuilds the account key from the released guardian
// shares and makes this device the sole holder: it joins the tree by a
// recovery grant, every other device is removed, and it receives the
// permissions of a root authority.
func (a *Agent) CompleteRecovery(ctx context.Context, id cryptoutils.Hash) error {
	if a.cfg.Guardian {
		return ErrGuardianRole
	}
	a.keyMu.Lock()
	defer a.keyMu.Unlock()

	var groupKey []byte
	var keyEpoch uint64
	_ = a.journal.View(func(j *journal.Journal) error {
		groupKey = slices.Clone(j.Account.GroupKey)
		keyEpoch = j.Account.Threshold.Epoch
		return nil
	})
	if len(groupKey) == 0 {
		return fmt.Errorf("%w: account journal has no group key; sync first", interfaces.ErrNotFound)
	}

	var key *frost.KeyPackage
	var pub *frost.PublicKeyPackage
	secret, err := a.recovery.Complete(ctx, id, a.keys.identity().share, func(secret []byte) error {
		var err error
		key, pub, err = frost.KeyPackageFromSecret(secret, groupKey)
		return err
	})
	if err != nil {
		return err
	}
	cryptoutils.Wipe(secret)

	rec := &keyRecord{Epoch: keyEpoch + 1, Key: *key, Public: *pub, Holders: []Holder{{Device: a.self, Identifier: key.Identifier}}}
	if err := a.keys.stage(ctx, rec); err != nil {
		rec.wipe()
		return err
	}
	leaf, err := deviceLeaf(a.self, a.cfg.Name, uint16(key.Identifier), a.SigningKey())
	if err != nil {
		return err
	}

	var removed int
	err = a.journal.Update(ctx, func(j *journal.Journal) error {
		if root, ok := rootSubject(j); ok {
			delegations, err := grantAll(j.Account.Graph(), root, a.self)
			if err != nil {
				return err
			}
			if err := emitDelegations(j, delegations, a.self); err != nil {
				return err
			}
		}
		if err := attestAlone(j, rec, a.eff.Random, j.Tree.RecoveryGrantOp(leaf)); err != nil {
			return err
		}
		for _, d := range j.Account.LiveDevices() {
			if d.ID == a.self {
				continue
			}
			l, ok := j.Tree.FindLeaf(ratchettree.LeafID(d.ID))
			if !ok {
				continue
			}
			if err := attestAlone(j, rec, a.eff.Random, j.Tree.RemoveLeafOp(l.Index, "account recovered")); err != nil {
				return err
			}
			removed++
		}
		j.Account.Threshold = journal.ThresholdConfig{M: 1, N: 1, Epoch: rec.Epoch}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recovery completed but the device could not take over the account: %w", err)
	}
	if err := a.keys.install(ctx, rec); err != nil {
		return err
	}
	a.observeEpoch(ctx)
	a.bumpChannels(ctx, amp.BumpRecovery)
	a.log.Info("account recovered onto this device",
		slog.String("request", id.String()),
		slog.Int("removed_devices", removed),
		slog.Uint64("key_epoch", rec.Epoch))
	return nil
}

// attestAlone signs op with a share that meets the threshold by itself and
// applies it.
func attestAlone(j *journal.Journal, rec *keyRecord, rand interfaces.Random, op ratchettree.TreeOp) error {
	msg, err := journal.OpSigningMessage(j.Account.Account, op)
	if err != nil {
		return err
	}
	sig, err := signAlone(&rec.Key, &rec.Public, msg, rand)
	if err != nil {
		return err
	}
	_, err = j.ApplyAttested(journal.AttestedOp{
		Op:        op,
		Signature: journal.ThresholdSignature{Signature: sig, Signers: []uint16{uint16(rec.Key.Identifier)}, M: 1, N: 1},
	})
	return err
}

// RecoveryStatus reduces a recovery request at the current time.
func (a *Agent) RecoveryStatus(id cryptoutils.Hash) (recovery.State, error) {
	return a.recovery.Status(id)
}

// DisputeRecovery objects to a request, as a live device or as a guardian.
func (a *Agent) DisputeRecovery(ctx context.Context, id cryptoutils.Hash, reason string, critical bool) error {
	d := recovery.Dispute{RequestID: id, Filer: [16]byte(a.self), Role: recovery.FilerDevice, Reason: reason, Critical: critical}
	if a.cfg.Guardian {
		d.Role = recovery.FilerGuardian
	}
	return a.recovery.Dispute(ctx, d)
}

// ResolveRecovery settles the disputes on a request.
func (a *Agent) ResolveRecovery(ctx context.Context, id cryptoutils.Hash, upheld bool) error {
	if a.cfg.Guardian {
		return ErrGuardianRole
	}
	return a.recovery.Resolve(ctx, id, upheld, a.self)
}

// CancelRecovery stops a request that has not completed.
func (a *Agent) CancelRecovery(ctx context.Context, id cryptoutils.Hash, reason string) error {
	if a.cfg.Guardian {
		return ErrGuardianRole
	}
	return a.recovery.Cancel(ctx, id, a.self, reason)
}

func (a *Agent) joinRecovery(ctx context.Context, invite *choreography.Envelope) error {
	cer, body, err := a.chor.Accept(ctx, invite)
	if err != nil {
		return err
	}
	var inv recoveryInvite
	if err := journal.Decode(body, &inv); err != nil {
		return cer.Nack(ctx, "malformed request")
	}
	me := interfaces.GuardianID(a.self)
	if inv.Request.Account != a.cfg.Account || !slices.Contains(inv.Request.Guardians, me) {
		return cer.Nack(ctx, "not a guardian of this request")
	}
	if cer.Session().Context != recovery.RequestContext(inv.Request.RequestID) || cer.Session().Coordinator != inv.Request.NewDevice {
		return cer.Nack(ctx, "session does not match request")
	}
	st, err := a.recovery.Status(inv.Request.RequestID)
	if err != nil {
		return cer.Nack(ctx, err.Error())
	}
	if st.Status.Terminal() {
		return cer.Nack(ctx, "request is "+st.Status.String())
	}
	// Seal to the device key in the journal, not the one in the invitation.
	req := st.Request
	if a.cfg.ApproveRecovery != nil && !a.cfg.ApproveRecovery(req) {
		return cer.Nack(ctx, "guardian declined")
	}
	policy, err := a.RecoveryPolicy()
	if err != nil || policy.Generation != inv.Generation {
		return cer.Nack(ctx, "stale guardian split")
	}
	share, err := a.escrowShare()
	if err != nil {
		return cer.Nack(ctx, err.Error())
	}
	defer cryptoutils.Wipe(share.Share)
	if err := cer.Ack(ctx); err != nil {
		return cer.Abort(ctx, err)
	}

	if err := cer.Enter(ctx, choreography.PhaseShareExchange); err != nil {
		return err
	}
	approval, err := a.recovery.Approve(ctx, req, share, a.keys.identity().signing)
	if err != nil {
		return cer.Abort(ctx, err)
	}
	if err := cer.Send(ctx, choreography.MsgApprove, cer.Session().Coordinator, &approval); err != nil {
		return cer.Abort(ctx, err)
	}
	if err := cer.Enter(ctx, choreography.PhaseCompute); err != nil {
		return err
	}
	if err := cer.Enter(ctx, choreography.PhaseAttest); err != nil {
		return err
	}
	if _, err := cer.AwaitVerdict(ctx); err != nil {
		return err
	}
	if _, err := cer.AwaitCommit(ctx, nil); err != nil {
		return err
	}
	a.log.Info("recovery approved", slog.String("request", req.RequestID.String()), slog.String("device", req.NewDevice.String()))
	return nil
}

package agent

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ruteri/aura/choreography"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/frost"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

const derivedPrefix = "derived_identity/"

// DerivedIdentity is a per-context key derived from the account key, with a
// threshold signature binding it to the account.
type DerivedIdentity struct {
	App         string
	Context     []byte
	IdentityKey []byte
	Binding     journal.ThresholdSignature
}

// VerifyBinding checks the binding proof against the account group key.
func (d *DerivedIdentity) VerifyBinding(groupKey []byte) bool {
	return frost.Verify(groupKey, bindingMessage(d.App, d.Context, d.IdentityKey), d.Binding.Signature)
}

type deriveRequest struct {
	KeyEpoch uint64
	App      string
	Context  []byte
}

type deriveReveal struct {
	Participants []uint16
	Contribution frost.DerivationContribution
	Commitment   frost.DerivationCommitment
}

type deriveResult struct {
	IdentityKey []byte
}

type derivationInput struct {
	Account interfaces.AccountID
	App     string
	Context []byte
}

// derivationContext is the DKD context bytes. The account id is part of it so
// identical app contexts of different accounts never collide.
func derivationContext(account interfaces.AccountID, app string, c []byte) ([]byte, error) {
	return journal.Encode(&derivationInput{Account: account, App: app, Context: c})
}

func bindingMessage(app string, c []byte, identityKey []byte) []byte {
	fp := cryptoutils.Sum(identityKey)
	return slices.Concat([]byte("DKD_BINDING"), cryptoutils.Uint64LE(uint64(len(app))), []byte(app), c, fp[:])
}

func derivedKey(app string, c []byte) string {
	return derivedPrefix + app + "/" + hex.EncodeToString(c)
}

// Derive computes the identity key for (app, context) with a quorum of
// holders, binds it with a threshold signature and stores the result.
// Deriving the same context again returns the same key.
func (a *Agent) Derive(ctx context.Context, app string, dkdContext []byte) (*DerivedIdentity, error) {
	if app == "" {
		return nil, fmt.Errorf("%w: app id is required", interfaces.ErrInvalidArgument)
	}
	rec, err := a.requireKey()
	if err != nil {
		return nil, err
	}
	input, err := derivationContext(a.cfg.Account, app, dkdContext)
	if err != nil {
		return nil, err
	}
	ctxID := contextFor("dkd", a.cfg.Account, []byte(app), dkdContext)

	var point []byte
	if rec.Public.Threshold <= 1 {
		point, err = a.deriveLocal(ctx, rec, input, ctxID)
	} else {
		point, err = a.deriveThreshold(ctx, rec, deriveRequest{KeyEpoch: rec.Epoch, App: app, Context: dkdContext}, input, ctxID)
	}
	if err != nil {
		return nil, err
	}

	binding, err := a.sign(ctx, rec, signRequest{Purpose: "dkd.binding", Message: bindingMessage(app, dkdContext, point)}, nil, nil)
	if err != nil {
		if choreography.IsTimeout(err) {
			return nil, fmt.Errorf("%w: binding proof not produced in time: %w", interfaces.ErrTimeout, err)
		}
		return nil, fmt.Errorf("failed to bind derived key: %w", err)
	}
	id := &DerivedIdentity{App: app, Context: slices.Clone(dkdContext), IdentityKey: point, Binding: binding}
	raw, err := journal.Encode(id)
	if err != nil {
		return nil, err
	}
	if err := a.eff.Storage.Store(ctx, derivedKey(app, dkdContext), raw); err != nil {
		return nil, err
	}
	a.log.Info("identity derived", slog.String("app", app), slog.String("identity_key", hex.EncodeToString(point)))
	return id, nil
}

// DerivedIdentity returns a previously derived identity from local storage.
func (a *Agent) DerivedIdentity(ctx context.Context, app string, dkdContext []byte) (*DerivedIdentity, error) {
	raw, err := a.eff.Storage.Retrieve(ctx, derivedKey(app, dkdContext))
	if err != nil {
		return nil, err
	}
	var id DerivedIdentity
	if err := journal.Decode(raw, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

func (a *Agent) deriveLocal(ctx context.Context, rec *keyRecord, input []byte, ctxID interfaces.ContextID) ([]byte, error) {
	contribution, commitment, err := rec.Key.DeriveContribution(input, []frost.Identifier{rec.Key.Identifier})
	if err != nil {
		return nil, err
	}
	commitments := []frost.DerivationCommitment{commitment}
	point, err := frost.AggregateDerivation(commitments, []frost.DerivationContribution{contribution})
	if err != nil {
		return nil, err
	}
	err = a.journal.Update(ctx, func(j *journal.Journal) error {
		recordDerivation(j, ctxID, commitments)
		return nil
	})
	return point, err
}

func (a *Agent) deriveThreshold(ctx context.Context, rec *keyRecord, req deriveRequest, input []byte, ctxID interfaces.ContextID) ([]byte, error) {
	s := a.chor.NewSession(choreography.KindDerive, ctxID, participants(rec, a.self), rec.Public.Threshold)
	cer, err := a.chor.Start(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := cer.Prepare(ctx, &req); err != nil {
		return nil, err
	}
	point, commitments, err := a.exchangeContributions(ctx, cer, rec, input)
	if err != nil {
		return nil, err
	}

	if err := cer.Enter(ctx, choreography.PhaseAttest); err != nil {
		return nil, err
	}
	if err := cer.Decide(ctx, true, &deriveResult{IdentityKey: point}, nil); err != nil {
		return nil, err
	}
	if err := cer.Finish(ctx, func(j *journal.Journal) error {
		recordDerivation(j, ctxID, commitments)
		return nil
	}); err != nil {
		return nil, err
	}
	return point, nil
}

// exchangeContributions runs the commit-reveal of derivation contributions.
// Contributions are weighted for a specific participant set, so the exchange
// repeats over the revealed set until every member computed for the same one.
func (a *Agent) exchangeContributions(ctx context.Context, cer *choreography.Ceremony, rec *keyRecord, input []byte) ([]byte, []frost.DerivationCommitment, error) {
	var ids []frost.Identifier
	for _, d := range cer.Session().MembersWith(choreography.RoleParticipant) {
		h, ok := rec.holder(d)
		if !ok {
			return nil, nil, cer.Abort(ctx, fmt.Errorf("%w: %s holds no share", ErrNotMember, d))
		}
		ids = append(ids, h.Identifier)
	}

	for {
		slices.Sort(ids)
		contribution, commitment, err := rec.Key.DeriveContribution(input, ids)
		if err != nil {
			return nil, nil, cer.Abort(ctx, err)
		}
		mine := deriveReveal{Contribution: contribution, Commitment: commitment}
		for _, id := range ids {
			mine.Participants = append(mine.Participants, uint16(id))
		}
		raw, err := journal.Encode(&mine)
		if err != nil {
			return nil, nil, cer.Abort(ctx, err)
		}
		revealed, err := cer.ExchangeCommitReveal(ctx, raw)
		if err != nil {
			return nil, nil, err
		}

		var (
			got         []frost.Identifier
			agreed      = true
			commitments []frost.DerivationCommitment
			reveals     []frost.DerivationContribution
		)
		for d, v := range revealed {
			var r deriveReveal
			if err := journal.Decode(v, &r); err != nil {
				return nil, nil, cer.Abort(ctx, err)
			}
			h, ok := rec.holder(d)
			if !ok || r.Contribution.Identifier != h.Identifier || r.Commitment.Identifier != h.Identifier {
				return nil, nil, cer.Abort(ctx, fmt.Errorf("%w: %s contributed as another holder", interfaces.ErrPermissionDenied, d))
			}
			got = append(got, h.Identifier)
			agreed = agreed && slices.Equal(r.Participants, mine.Participants)
			commitments = append(commitments, r.Commitment)
			reveals = append(reveals, r.Contribution)
		}
		slices.Sort(got)
		if agreed && slices.Equal(got, ids) {
			if err := cer.Enter(ctx, choreography.PhaseCompute); err != nil {
				return nil, nil, err
			}
			point, err := frost.AggregateDerivation(commitments, reveals)
			if err != nil {
				return nil, nil, cer.Abort(ctx, err)
			}
			slices.SortFunc(commitments, func(x, y frost.DerivationCommitment) int { return int(x.Identifier) - int(y.Identifier) })
			return point, commitments, nil
		}
		if len(got) < int(rec.Public.Threshold) {
			return nil, nil, cer.Abort(ctx, &frost.InsufficientParticipantsError{Have: len(got), Need: int(rec.Public.Threshold)})
		}
		ids = got
	}
}

// recordDerivation stores the commitment root of a derivation context.
func recordDerivation(j *journal.Journal, ctxID interfaces.ContextID, commitments []frost.DerivationCommitment) {
	parts := make([][]byte, 0, len(commitments))
	for _, c := range commitments {
		parts = append(parts, c.Hash[:])
	}
	root := cryptoutils.DomainSum("aura.dkd.root", parts...)
	if cur, ok := j.Account.DKDRoots[ctxID]; !ok || root.Compare(cur) > 0 {
		j.Account.DKDRoots[ctxID] = root
	}
}

func (a *Agent) joinDerive(ctx context.Context, invite *choreography.Envelope) error {
	cer, body, err := a.chor.Accept(ctx, invite)
	if err != nil {
		return err
	}
	var req deriveRequest
	if err := journal.Decode(body, &req); err != nil || req.App == "" {
		return cer.Nack(ctx, "malformed request")
	}
	if cer.Session().Context != contextFor("dkd", a.cfg.Account, []byte(req.App), req.Context) {
		return cer.Nack(ctx, "context does not match request")
	}
	rec, err := a.keyFor(ctx, req.KeyEpoch)
	if err != nil {
		return cer.Nack(ctx, err.Error())
	}
	input, err := derivationContext(a.cfg.Account, req.App, req.Context)
	if err != nil {
		return cer.Nack(ctx, err.Error())
	}
	if err := cer.Ack(ctx); err != nil {
		return cer.Abort(ctx, err)
	}

	point, commitments, err := a.exchangeContributions(ctx, cer, rec, input)
	if err != nil {
		return err
	}
	if err := cer.Enter(ctx, choreography.PhaseAttest); err != nil {
		return err
	}
	env, err := cer.AwaitVerdict(ctx)
	if err != nil {
		return err
	}
	var res deriveResult
	if err := env.DecodePayload(&res); err != nil {
		return cer.Abort(ctx, err)
	}
	if err := cer.ObserveResult(ctx, cer.Session().Coordinator, cryptoutils.Sum(res.IdentityKey), res.IdentityKey); err != nil {
		return cer.Abort(ctx, err)
	}
	if !bytes.Equal(res.IdentityKey, point) {
		return cer.Abort(ctx, fmt.Errorf("%w: coordinator announced a different derived key", frost.ErrAggregationFailed))
	}
	return cer.Finish(ctx, func(j *journal.Journal) error {
		recordDerivation(j, cer.Session().Context, commitments)
		return nil
	})
}

// ListDerived returns the identities derived on this device.
func (a *Agent) ListDerived(ctx context.Context) ([]*DerivedIdentity, error) {
	keys, err := a.eff.Storage.ListKeys(ctx, derivedPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*DerivedIdentity, 0, len(keys))
	for _, k := range keys {
		raw, err := a.eff.Storage.Retrieve(ctx, k)
		if errors.Is(err, interfaces.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var id DerivedIdentity
		if err := journal.Decode(raw, &id); err != nil {
			return nil, err
		}
		out = append(out, &id)
	}
	return out, nil
}

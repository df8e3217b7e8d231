package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/aura/amp"
	"github.com/ruteri/aura/choreography"
	"github.com/ruteri/aura/frost"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

type refreshRequest struct {
	KeyEpoch uint64
}

type refreshCommit struct {
	KeyEpoch uint64
}

// pairwiseRound is the second round shared by key generation and refresh:
// sealed shares go to each peer and the received ones finalize the key.
type pairwiseRound interface {
	Round2(packages []*frost.Round1Package) ([]*frost.Round2Package, error)
	Finalize(shares []*frost.Round2Package) (*frost.KeyPackage, *frost.PublicKeyPackage, error)
}

// exchangeRound2 runs round two in Compute and returns the finalized key.
func (a *Agent) exchangeRound2(ctx context.Context, cer *choreography.Ceremony, p pairwiseRound, packages []*frost.Round1Package, roster *keyRecord) (*frost.KeyPackage, *frost.PublicKeyPackage, error) {
	if err := cer.Enter(ctx, choreography.PhaseCompute); err != nil {
		return nil, nil, err
	}
	outgoing, err := p.Round2(packages)
	if err != nil {
		return nil, nil, cer.Abort(ctx, err)
	}
	for _, pkg := range outgoing {
		to, ok := roster.deviceOf(pkg.To)
		if !ok {
			return nil, nil, cer.Abort(ctx, fmt.Errorf("%w: no holder with identifier %d", ErrNotMember, pkg.To))
		}
		if err := cer.Send(ctx, choreography.MsgRound2, to, pkg); err != nil {
			return nil, nil, cer.Abort(ctx, err)
		}
	}
	got, err := cer.Await(ctx, []string{choreography.MsgRound2}, cer.Others(choreography.RoleParticipant))
	if err != nil {
		return nil, nil, cer.Abort(ctx, err)
	}
	incoming := make([]*frost.Round2Package, 0, len(got))
	for id, env := range got {
		var pkg frost.Round2Package
		if err := env.DecodePayload(&pkg); err != nil {
			return nil, nil, cer.Abort(ctx, err)
		}
		if h, ok := roster.holder(id); !ok || h.Identifier != pkg.From {
			return nil, nil, cer.Abort(ctx, fmt.Errorf("%w: %s sent a share as identifier %d", interfaces.ErrPermissionDenied, id, pkg.From))
		}
		incoming = append(incoming, &pkg)
	}
	key, pub, err := p.Finalize(incoming)
	if err != nil {
		return nil, nil, cer.Abort(ctx, err)
	}
	if err := cer.Enter(ctx, choreography.PhaseAttest); err != nil {
		key.Wipe()
		return nil, nil, err
	}
	return key, pub, nil
}

// Refresh rotates every holder's share without changing the group key or
// the threshold. Shares of the previous key epoch become useless once the
// commit is applied. Every holder must take part.
func (a *Agent) Refresh(ctx context.Context) error {
	a.keyMu.Lock()
	defer a.keyMu.Unlock()

	rec, err := a.requireKey()
	if err != nil {
		return err
	}
	req := refreshRequest{KeyEpoch: rec.Epoch}
	s := a.chor.NewSession(choreography.KindRefresh, contextFor("refresh", a.cfg.Account), participants(rec, a.self), uint16(len(rec.Holders)))
	cer, err := a.chor.Start(ctx, s)
	if err != nil {
		return err
	}
	if err := cer.Prepare(ctx, &req); err != nil {
		return err
	}

	next, err := a.runRefresh(ctx, cer, rec)
	if err != nil {
		return err
	}
	if err := a.confirmKey(ctx, cer, next, cer.Others(choreography.RoleParticipant)); err != nil {
		next.wipe()
		return err
	}
	if err := a.keys.stage(ctx, next); err != nil {
		next.wipe()
		return cer.Abort(ctx, err)
	}
	commit := refreshCommit{KeyEpoch: next.Epoch}
	if err := cer.Commit(ctx, nil, &commit, func(j *journal.Journal) error {
		return applyRefresh(j, &commit)
	}); err != nil {
		next.wipe()
		return err
	}
	if err := a.keys.install(ctx, next); err != nil {
		return err
	}
	a.bumpChannels(ctx, amp.BumpKeyRefresh)
	a.log.Info("key shares refreshed", slog.Uint64("key_epoch", next.Epoch), slog.Int("holders", len(next.Holders)))
	return nil
}

// runRefresh exchanges zero-sum round-one packages commit-reveal and the
// pairwise deltas. It leaves the ceremony in Attest.
func (a *Agent) runRefresh(ctx context.Context, cer *choreography.Ceremony, rec *keyRecord) (*keyRecord, error) {
	ids := make([]frost.Identifier, 0, len(rec.Holders))
	for _, h := range rec.Holders {
		ids = append(ids, h.Identifier)
	}
	sessionID := cer.ID()
	p, round1, err := frost.NewRefreshParticipant(&rec.Key, &rec.Public, ids, sessionID[:], a.eff.Random)
	if err != nil {
		return nil, cer.Abort(ctx, err)
	}
	raw, err := journal.Encode(round1)
	if err != nil {
		return nil, cer.Abort(ctx, err)
	}
	revealed, err := cer.ExchangeCommitReveal(ctx, raw)
	if err != nil {
		return nil, err
	}
	packages := make([]*frost.Round1Package, 0, len(revealed))
	for d, v := range revealed {
		var pkg frost.Round1Package
		if err := journal.Decode(v, &pkg); err != nil {
			return nil, cer.Abort(ctx, err)
		}
		if h, ok := rec.holder(d); !ok || h.Identifier != pkg.Identifier {
			return nil, cer.Abort(ctx, fmt.Errorf("%w: %s announced identifier %d", interfaces.ErrPermissionDenied, d, pkg.Identifier))
		}
		packages = append(packages, &pkg)
	}

	key, pub, err := a.exchangeRound2(ctx, cer, p, packages, rec)
	if err != nil {
		return nil, err
	}
	return &keyRecord{Epoch: rec.Epoch + 1, Key: *key, Public: *pub, Holders: sortedHolders(rec.Holders)}, nil
}

func (a *Agent) joinRefresh(ctx context.Context, invite *choreography.Envelope) error {
	cer, body, err := a.chor.Accept(ctx, invite)
	if err != nil {
		return err
	}
	var req refreshRequest
	if err := journal.Decode(body, &req); err != nil {
		return cer.Nack(ctx, "malformed request")
	}
	rec, err := a.keyFor(ctx, req.KeyEpoch)
	if err != nil {
		return cer.Nack(ctx, err.Error())
	}
	if len(cer.Session().Members) != len(rec.Holders) {
		return cer.Nack(ctx, "refresh must include every holder")
	}
	if err := cer.Ack(ctx); err != nil {
		return cer.Abort(ctx, err)
	}

	next, err := a.runRefresh(ctx, cer, rec)
	if err != nil {
		return err
	}
	if err := a.confirmKeyWith(ctx, cer, next); err != nil {
		next.wipe()
		return err
	}
	if err := a.keys.stage(ctx, next); err != nil {
		next.wipe()
		return cer.Abort(ctx, err)
	}
	if _, err := cer.AwaitCommit(ctx, func(j *journal.Journal, notice *choreography.CommitNotice) error {
		var commit refreshCommit
		if err := journal.Decode(notice.Body, &commit); err != nil {
			return err
		}
		if commit.KeyEpoch != next.Epoch {
			return fmt.Errorf("%w: committed key epoch %d, refreshed %d", interfaces.ErrFatal, commit.KeyEpoch, next.Epoch)
		}
		return applyRefresh(j, &commit)
	}); err != nil {
		next.wipe()
		return err
	}
	return a.keys.install(ctx, next)
}

func applyRefresh(j *journal.Journal, c *refreshCommit) error {
	if c.KeyEpoch > j.Account.Threshold.Epoch {
		j.Account.Threshold.Epoch = c.KeyEpoch
	}
	return nil
}

package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ruteri/aura/choreography"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/frost"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
	"github.com/ruteri/aura/ratchettree"
)

// signRequest is the prepare body of a sign ceremony. When HasOp is set the
// message must be the signing message of the session intent's op.
type signRequest struct {
	KeyEpoch uint64
	Purpose  string
	Message  []byte
	HasOp    bool
}

type signResult struct {
	Signature []byte
	Signers   []uint16
}

// Sign produces a threshold signature over message with the account key.
func (a *Agent) Sign(ctx context.Context, message []byte) (journal.ThresholdSignature, error) {
	rec, err := a.requireKey()
	if err != nil {
		return journal.ThresholdSignature{}, err
	}
	return a.sign(ctx, rec, signRequest{Purpose: "message", Message: message}, nil, nil)
}

// attest signs the op built against the current tree and commits it,
// running apply in the same journal update.
func (a *Agent) attest(ctx context.Context, build func(t *ratchettree.Tree) (ratchettree.TreeOp, error), apply func(j *journal.Journal) error) (journal.AttestedOp, error) {
	rec, err := a.requireKey()
	if err != nil {
		return journal.AttestedOp{}, err
	}

	var op ratchettree.TreeOp
	err = a.journal.View(func(j *journal.Journal) error {
		var err error
		op, err = build(j.Tree)
		return err
	})
	if err != nil {
		return journal.AttestedOp{}, err
	}
	intent, err := journal.NewIntent(op, a.self)
	if err != nil {
		return journal.AttestedOp{}, err
	}
	msg, err := journal.OpSigningMessage(a.cfg.Account, op)
	if err != nil {
		return journal.AttestedOp{}, err
	}

	ts, err := a.sign(ctx, rec, signRequest{Purpose: "tree." + op.Kind.String(), Message: msg, HasOp: true}, &intent, apply)
	if err != nil {
		return journal.AttestedOp{}, err
	}
	return journal.AttestedOp{Op: op, Signature: ts}, nil
}

// sign runs the sign ceremony, or signs locally when this share alone meets
// the threshold. With an intent, the attested op is committed together with
// apply.
func (a *Agent) sign(ctx context.Context, rec *keyRecord, req signRequest, intent *journal.Intent, apply func(j *journal.Journal) error) (journal.ThresholdSignature, error) {
	req.KeyEpoch = rec.Epoch
	if rec.Public.Threshold <= 1 {
		return a.signLocal(ctx, rec, req, intent, apply)
	}

	s := a.chor.NewSession(choreography.KindSign, contextFor("sign", a.cfg.Account), participants(rec, a.self), rec.Public.Threshold)
	if intent != nil {
		s.HasIntent, s.Intent = true, *intent
	}
	cer, err := a.chor.Start(ctx, s)
	if err != nil {
		return journal.ThresholdSignature{}, err
	}
	if err := cer.Prepare(ctx, &req); err != nil {
		return journal.ThresholdSignature{}, err
	}

	nonce, commitments, err := a.exchangeNonces(ctx, cer, rec)
	if err != nil {
		return journal.ThresholdSignature{}, err
	}
	if err := cer.Enter(ctx, choreography.PhaseCompute); err != nil {
		return journal.ThresholdSignature{}, err
	}
	own, err := rec.Key.Sign(nonce, req.Message, commitments)
	if err != nil {
		return journal.ThresholdSignature{}, cer.Abort(ctx, err)
	}

	signers := make([]interfaces.DeviceID, 0, len(commitments))
	ids := make([]uint16, 0, len(commitments))
	for _, c := range commitments {
		d, _ := rec.deviceOf(c.Identifier)
		if d != a.self {
			signers = append(signers, d)
		}
		ids = append(ids, uint16(c.Identifier))
	}
	got, err := cer.Await(ctx, []string{choreography.MsgPartial}, signers)
	if err != nil {
		return journal.ThresholdSignature{}, cer.Abort(ctx, err)
	}
	shares := []frost.SignatureShare{own}
	var aggErr error
	for _, id := range signers {
		var share frost.SignatureShare
		if err := got[id].DecodePayload(&share); err != nil {
			return journal.ThresholdSignature{}, cer.Abort(ctx, err)
		}
		if err := cer.ObserveResult(ctx, id, cryptoutils.Sum(share.Share), share.Share); err != nil {
			return journal.ThresholdSignature{}, cer.Abort(ctx, err)
		}
		if h, _ := rec.holder(id); share.Identifier != h.Identifier || !frost.VerifyShare(&rec.Public, req.Message, commitments, share) {
			aggErr = &frost.InvalidPartialError{Signer: h.Identifier}
		}
		shares = append(shares, share)
	}
	var sig []byte
	if aggErr == nil {
		sig, aggErr = frost.Aggregate(&rec.Public, req.Message, commitments, shares)
	}

	if err := cer.Enter(ctx, choreography.PhaseAttest); err != nil {
		return journal.ThresholdSignature{}, err
	}
	if aggErr != nil {
		return journal.ThresholdSignature{}, cer.Decide(ctx, false, nil, aggErr)
	}
	ts := journal.ThresholdSignature{Signature: sig, Signers: ids, M: rec.Public.Threshold, N: uint16(len(rec.Holders))}
	if err := cer.Decide(ctx, true, &signResult{Signature: sig, Signers: ids}, nil); err != nil {
		return journal.ThresholdSignature{}, err
	}

	var op *journal.AttestedOp
	if intent != nil {
		op = &journal.AttestedOp{Op: intent.Op, Signature: ts}
	}
	if err := cer.Commit(ctx, op, nil, apply); err != nil {
		return journal.ThresholdSignature{}, err
	}
	a.log.Info("threshold signature produced",
		slog.String("purpose", req.Purpose),
		slog.Int("signers", len(ids)))
	return ts, nil
}

func (a *Agent) signLocal(ctx context.Context, rec *keyRecord, req signRequest, intent *journal.Intent, apply func(j *journal.Journal) error) (journal.ThresholdSignature, error) {
	sig, err := signAlone(&rec.Key, &rec.Public, req.Message, a.eff.Random)
	if err != nil {
		return journal.ThresholdSignature{}, err
	}
	ts := journal.ThresholdSignature{Signature: sig, Signers: []uint16{uint16(rec.Key.Identifier)}, M: rec.Public.Threshold, N: uint16(len(rec.Holders))}
	if intent == nil && apply == nil {
		return ts, nil
	}
	err = a.journal.Update(ctx, func(j *journal.Journal) error {
		if intent != nil {
			if _, err := j.ApplyAttested(journal.AttestedOp{Op: intent.Op, Signature: ts}); err != nil {
				return err
			}
		}
		if apply != nil {
			return apply(j)
		}
		return nil
	})
	if err != nil {
		return journal.ThresholdSignature{}, err
	}
	a.log.Info("signed locally", slog.String("purpose", req.Purpose))
	return ts, nil
}

// signAlone runs both FROST rounds with a single share that meets the
// threshold on its own.
func signAlone(key *frost.KeyPackage, pub *frost.PublicKeyPackage, message []byte, rand interfaces.Random) ([]byte, error) {
	nonce, commitment, err := key.Commit(rand)
	if err != nil {
		return nil, err
	}
	commitments := []frost.Commitment{commitment}
	share, err := key.Sign(nonce, message, commitments)
	if err != nil {
		return nil, err
	}
	return frost.Aggregate(pub, message, commitments, []frost.SignatureShare{share})
}

// exchangeNonces commits to fresh signing nonces and runs the share exchange
// over the commitments. The returned commitments are those of the final
// signing set.
func (a *Agent) exchangeNonces(ctx context.Context, cer *choreography.Ceremony, rec *keyRecord) (*frost.Nonce, []frost.Commitment, error) {
	nonce, mine, err := rec.Key.Commit(a.eff.Random)
	if err != nil {
		return nil, nil, cer.Abort(ctx, err)
	}
	raw, err := journal.Encode(&mine)
	if err != nil {
		return nil, nil, cer.Abort(ctx, err)
	}
	revealed, err := cer.ExchangeCommitReveal(ctx, raw)
	if err != nil {
		return nil, nil, err
	}

	commitments := make([]frost.Commitment, 0, len(revealed))
	for d, v := range revealed {
		var c frost.Commitment
		if err := journal.Decode(v, &c); err != nil {
			return nil, nil, cer.Abort(ctx, err)
		}
		h, ok := rec.holder(d)
		if !ok || h.Identifier != c.Identifier {
			return nil, nil, cer.Abort(ctx, fmt.Errorf("%w: %s committed as identifier %d", interfaces.ErrPermissionDenied, d, c.Identifier))
		}
		commitments = append(commitments, c)
	}
	slices.SortFunc(commitments, func(x, y frost.Commitment) int { return int(x.Identifier) - int(y.Identifier) })
	return nonce, commitments, nil
}

func (a *Agent) joinSign(ctx context.Context, invite *choreography.Envelope) error {
	cer, body, err := a.chor.Accept(ctx, invite)
	if err != nil {
		return err
	}
	var req signRequest
	if err := journal.Decode(body, &req); err != nil {
		return cer.Nack(ctx, "malformed request")
	}
	rec, err := a.keyFor(ctx, req.KeyEpoch)
	if err != nil {
		return cer.Nack(ctx, err.Error())
	}
	if req.HasOp {
		s := cer.Session()
		if !s.HasIntent {
			return cer.Nack(ctx, "op signature without intent")
		}
		msg, err := journal.OpSigningMessage(a.cfg.Account, s.Intent.Op)
		if err != nil || !bytes.Equal(msg, req.Message) {
			return cer.Nack(ctx, "message does not match intent")
		}
	}
	if err := cer.Ack(ctx); err != nil {
		return cer.Abort(ctx, err)
	}

	nonce, commitments, err := a.exchangeNonces(ctx, cer, rec)
	if err != nil {
		return err
	}
	if err := cer.Enter(ctx, choreography.PhaseCompute); err != nil {
		return err
	}
	share, err := rec.Key.Sign(nonce, req.Message, commitments)
	if err != nil {
		return cer.Abort(ctx, err)
	}
	coordinator := cer.Session().Coordinator
	if err := cer.Send(ctx, choreography.MsgPartial, coordinator, &share); err != nil {
		return cer.Abort(ctx, err)
	}

	if err := cer.Enter(ctx, choreography.PhaseAttest); err != nil {
		return err
	}
	env, err := cer.AwaitVerdict(ctx)
	if err != nil {
		return err
	}
	var res signResult
	if err := env.DecodePayload(&res); err != nil {
		return cer.Abort(ctx, err)
	}
	if !frost.Verify(rec.Public.GroupKey, req.Message, res.Signature) {
		return cer.Abort(ctx, frost.ErrInvalidSignature)
	}
	if err := cer.ObserveResult(ctx, coordinator, cryptoutils.Sum(res.Signature), res.Signature); err != nil {
		return cer.Abort(ctx, err)
	}
	_, err = cer.AwaitCommit(ctx, nil)
	return err
}

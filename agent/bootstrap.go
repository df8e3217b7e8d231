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

type dkgRequest struct {
	Threshold uint16
	Holders   []Holder
}

type dkgAnnounce struct {
	Round1     frost.Round1Package
	SigningKey []byte
	Name       string
}

// keyConfirm is the fingerprint of a key record a member finished a
// ceremony with.
type keyConfirm struct {
	Fingerprint cryptoutils.Hash
}

type genesisMember struct {
	Device     interfaces.DeviceID
	Identifier uint16
	Name       string
	SigningKey []byte
}

type genesisCommit struct {
	GroupKey  []byte
	Threshold journal.ThresholdConfig
	Members   []genesisMember
}

// Bootstrap creates a 1-of-1 account held by this device alone. The device
// becomes the root authority with every permission and the first leaf of
// the tree.
func (a *Agent) Bootstrap(ctx context.Context) error {
	if a.cfg.Guardian {
		return ErrGuardianRole
	}
	a.keyMu.Lock()
	defer a.keyMu.Unlock()

	keys, pub, err := frost.KeyGen(1, 1, a.eff.Random)
	if err != nil {
		return err
	}
	rec := &keyRecord{Epoch: 0, Key: *keys[0], Public: *pub, Holders: []Holder{{Device: a.self, Identifier: keys[0].Identifier}}}
	leaf, err := deviceLeaf(a.self, a.cfg.Name, uint16(keys[0].Identifier), a.SigningKey())
	if err != nil {
		return err
	}
	if err := a.keys.stage(ctx, rec); err != nil {
		return err
	}

	err = a.journal.Update(ctx, func(j *journal.Journal) error {
		if len(j.Account.GroupKey) > 0 {
			return ErrAlreadyBootstrapped
		}
		j.Account.GroupKey = slices.Clone(pub.GroupKey)
		j.Account.Threshold = journal.ThresholdConfig{M: 1, N: 1, Epoch: 0}
		if err := emitRoot(j, a.self, a.self); err != nil {
			return err
		}
		op := j.Tree.AddLeafOp(leaf)
		msg, err := journal.OpSigningMessage(a.cfg.Account, op)
		if err != nil {
			return err
		}
		sig, err := signAlone(&rec.Key, &rec.Public, msg, a.eff.Random)
		if err != nil {
			return err
		}
		_, err = j.ApplyAttested(journal.AttestedOp{
			Op:        op,
			Signature: journal.ThresholdSignature{Signature: sig, Signers: []uint16{1}, M: 1, N: 1},
		})
		return err
	})
	if err != nil {
		return err
	}
	if err := a.keys.install(ctx, rec); err != nil {
		return err
	}
	a.log.Info("account bootstrapped", slog.String("group_key", fmt.Sprintf("%x", pub.GroupKey)))
	return nil
}

// Genesis runs a distributed key generation among this device and others,
// creating an m-of-n account no single device ever held the key of. Every
// member becomes a root authority.
func (a *Agent) Genesis(ctx context.Context, others []interfaces.DeviceID, threshold uint16) error {
	if a.cfg.Guardian {
		return ErrGuardianRole
	}
	a.keyMu.Lock()
	defer a.keyMu.Unlock()

	var bootstrapped bool
	_ = a.journal.View(func(j *journal.Journal) error {
		bootstrapped = len(j.Account.GroupKey) > 0
		return nil
	})
	if bootstrapped {
		return ErrAlreadyBootstrapped
	}

	devices := append([]interfaces.DeviceID{a.self}, others...)
	slices.SortFunc(devices, func(x, y interfaces.DeviceID) int { return bytes.Compare(x[:], y[:]) })
	devices = slices.Compact(devices)
	if threshold < 1 || int(threshold) > len(devices) {
		return fmt.Errorf("%w: threshold %d of %d devices", interfaces.ErrInvalidArgument, threshold, len(devices))
	}
	req := dkgRequest{Threshold: threshold}
	members := make([]choreography.Member, 0, len(devices))
	for i, d := range devices {
		req.Holders = append(req.Holders, Holder{Device: d, Identifier: frost.Identifier(i + 1)})
		members = append(members, choreography.Member{ID: d, Role: choreography.RoleParticipant})
	}

	// Every member is required: a missing participant fails key generation.
	s := a.chor.NewSession(choreography.KindDKG, contextFor("dkg", a.cfg.Account), members, uint16(len(devices)))
	cer, err := a.chor.Start(ctx, s)
	if err != nil {
		return err
	}
	if err := cer.Prepare(ctx, &req); err != nil {
		return err
	}

	rec, announced, err := a.runDKG(ctx, cer, req)
	if err != nil {
		return err
	}
	if err := a.confirmKey(ctx, cer, rec, cer.Others(choreography.RoleParticipant)); err != nil {
		rec.wipe()
		return err
	}

	commit := genesisCommit{
		GroupKey:  rec.Public.GroupKey,
		Threshold: journal.ThresholdConfig{M: threshold, N: uint16(len(devices)), Epoch: 0},
	}
	for _, h := range req.Holders {
		ann := announced[h.Device]
		commit.Members = append(commit.Members, genesisMember{Device: h.Device, Identifier: uint16(h.Identifier), Name: ann.Name, SigningKey: ann.SigningKey})
	}
	if err := a.keys.stage(ctx, rec); err != nil {
		rec.wipe()
		return cer.Abort(ctx, err)
	}
	if err := cer.Commit(ctx, nil, &commit, func(j *journal.Journal) error {
		return applyGenesis(j, &commit, a.self)
	}); err != nil {
		rec.wipe()
		return err
	}
	if err := a.keys.install(ctx, rec); err != nil {
		return err
	}
	a.log.Info("account created by key generation",
		slog.Int("devices", len(devices)),
		slog.Int("threshold", int(threshold)))

	for _, m := range commit.Members {
		leaf, err := deviceLeaf(m.Device, m.Name, m.Identifier, m.SigningKey)
		if err != nil {
			return err
		}
		if _, err := a.attest(ctx, func(t *ratchettree.Tree) (ratchettree.TreeOp, error) {
			return t.AddLeafOp(leaf), nil
		}, nil); err != nil {
			return fmt.Errorf("failed to add %s to the tree: %w", m.Device, err)
		}
	}
	return nil
}

// runDKG is the part of key generation every member runs: round one through
// commit-reveal, round two pairwise. It leaves the ceremony in Attest.
func (a *Agent) runDKG(ctx context.Context, cer *choreography.Ceremony, req dkgRequest) (*keyRecord, map[interfaces.DeviceID]dkgAnnounce, error) {
	me, ok := (&keyRecord{Holders: req.Holders}).holder(a.self)
	if !ok {
		return nil, nil, cer.Abort(ctx, ErrNotMember)
	}
	n := len(req.Holders)
	sessionID := cer.ID()
	p, round1, err := frost.NewDKGParticipant(me.Identifier, int(req.Threshold), n, sessionID[:], a.eff.Random)
	if err != nil {
		return nil, nil, cer.Abort(ctx, err)
	}
	raw, err := journal.Encode(&dkgAnnounce{Round1: *round1, SigningKey: a.SigningKey(), Name: a.cfg.Name})
	if err != nil {
		return nil, nil, cer.Abort(ctx, err)
	}
	revealed, err := cer.ExchangeCommitReveal(ctx, raw)
	if err != nil {
		return nil, nil, err
	}

	roster := &keyRecord{Holders: req.Holders}
	announced := make(map[interfaces.DeviceID]dkgAnnounce, len(revealed))
	packages := make([]*frost.Round1Package, 0, len(revealed))
	for d, v := range revealed {
		var ann dkgAnnounce
		if err := journal.Decode(v, &ann); err != nil {
			return nil, nil, cer.Abort(ctx, err)
		}
		if h, ok := roster.holder(d); !ok || h.Identifier != ann.Round1.Identifier {
			return nil, nil, cer.Abort(ctx, fmt.Errorf("%w: %s announced identifier %d", interfaces.ErrPermissionDenied, d, ann.Round1.Identifier))
		}
		announced[d] = ann
		packages = append(packages, &ann.Round1)
	}

	key, pub, err := a.exchangeRound2(ctx, cer, p, packages, roster)
	if err != nil {
		return nil, nil, err
	}
	return &keyRecord{Epoch: 0, Key: *key, Public: *pub, Holders: sortedHolders(req.Holders)}, announced, nil
}

func (a *Agent) joinDKG(ctx context.Context, invite *choreography.Envelope) error {
	cer, body, err := a.chor.Accept(ctx, invite)
	if err != nil {
		return err
	}
	var req dkgRequest
	if err := journal.Decode(body, &req); err != nil {
		return cer.Nack(ctx, "malformed request")
	}
	var bootstrapped bool
	_ = a.journal.View(func(j *journal.Journal) error {
		bootstrapped = len(j.Account.GroupKey) > 0
		return nil
	})
	if bootstrapped {
		return cer.Nack(ctx, "account already has a group key")
	}
	if err := cer.Ack(ctx); err != nil {
		return cer.Abort(ctx, err)
	}

	rec, _, err := a.runDKG(ctx, cer, req)
	if err != nil {
		return err
	}
	if err := a.confirmKeyWith(ctx, cer, rec); err != nil {
		rec.wipe()
		return err
	}
	if err := a.keys.stage(ctx, rec); err != nil {
		rec.wipe()
		return cer.Abort(ctx, err)
	}

	_, err = cer.AwaitCommit(ctx, func(j *journal.Journal, notice *choreography.CommitNotice) error {
		var commit genesisCommit
		if err := journal.Decode(notice.Body, &commit); err != nil {
			return err
		}
		if !bytes.Equal(commit.GroupKey, rec.Public.GroupKey) {
			return fmt.Errorf("%w: committed group key differs from the generated one", interfaces.ErrFatal)
		}
		return applyGenesis(j, &commit, a.self)
	})
	if err != nil {
		rec.wipe()
		return err
	}
	return a.keys.install(ctx, rec)
}

// applyGenesis records the generated group key and makes every member a root.
func applyGenesis(j *journal.Journal, c *genesisCommit, author interfaces.DeviceID) error {
	if len(j.Account.GroupKey) > 0 && !bytes.Equal(j.Account.GroupKey, c.GroupKey) {
		return ErrAlreadyBootstrapped
	}
	j.Account.GroupKey = slices.Clone(c.GroupKey)
	j.Account.Threshold = c.Threshold
	for _, m := range c.Members {
		if err := emitRoot(j, m.Device, author); err != nil {
			return err
		}
	}
	return nil
}

// confirmKey collects the fingerprint of the key each member in from ended up
// with and announces the verdict. Any difference fails the ceremony.
func (a *Agent) confirmKey(ctx context.Context, cer *choreography.Ceremony, rec *keyRecord, from []interfaces.DeviceID) error {
	fp, err := rec.fingerprint()
	if err != nil {
		return cer.Abort(ctx, err)
	}
	confirms, err := cer.Await(ctx, []string{choreography.MsgConfirm}, from)
	if err != nil {
		return cer.Abort(ctx, err)
	}
	for id, env := range confirms {
		var c keyConfirm
		if err := env.DecodePayload(&c); err != nil || c.Fingerprint != fp {
			return cer.Decide(ctx, false, nil, fmt.Errorf("%w: %s finished with a different key", interfaces.ErrFatal, id))
		}
	}
	return cer.Decide(ctx, true, &keyConfirm{Fingerprint: fp}, nil)
}

// confirmKeyWith is the member side of confirmKey.
func (a *Agent) confirmKeyWith(ctx context.Context, cer *choreography.Ceremony, rec *keyRecord) error {
	fp, err := rec.fingerprint()
	if err != nil {
		return cer.Abort(ctx, err)
	}
	if err := cer.Send(ctx, choreography.MsgConfirm, cer.Session().Coordinator, &keyConfirm{Fingerprint: fp}); err != nil {
		return cer.Abort(ctx, err)
	}
	env, err := cer.AwaitVerdict(ctx)
	if err != nil {
		return err
	}
	var verdict keyConfirm
	if err := env.DecodePayload(&verdict); err != nil || verdict.Fingerprint != fp {
		return cer.Abort(ctx, fmt.Errorf("%w: coordinator confirmed a different key", interfaces.ErrFatal))
	}
	return nil
}

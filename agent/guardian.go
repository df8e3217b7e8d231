package agent

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
	"github.com/ruteri/aura/ratchettree"
	"github.com/ruteri/aura/recovery"
)

// TypeGuardianEscrow carries one guardian's recovery share, sealed to the
// guardian's share key.
const TypeGuardianEscrow = "guardian.escrow"

const escrowInfo = "aura.guardian.escrow"

// Guardian describes a guardian of the account. SigningKey verifies its
// recovery approvals and ShareKey is the HPKE key its share is sealed to.
type Guardian struct {
	ID         interfaces.GuardianID
	Name       string
	SigningKey ed25519.PublicKey
	ShareKey   []byte
}

// guardianEscrow is one share of a guardian split. Every split gets a new
// generation; shares of different generations never combine.
type guardianEscrow struct {
	Guardian   interfaces.GuardianID
	Generation uint64
	Threshold  uint16
	Sealed     []byte
}

func registerFacts(registry *journal.Registry) error {
	if registry.Known(TypeGuardianEscrow) {
		return nil
	}
	return registry.Register(TypeGuardianEscrow, journal.Opaque[guardianEscrow]())
}

func escrowContext(account interfaces.AccountID) interfaces.ContextID {
	return contextFor("guardian.escrow", account)
}

func escrowAAD(account interfaces.AccountID, g interfaces.GuardianID, generation uint64) []byte {
	return slices.Concat(account[:], g[:], cryptoutils.Uint64LE(generation))
}

// currentEscrow returns the newest guardian split of the account.
func currentEscrow(j *journal.Journal) (uint64, []guardianEscrow, error) {
	all, err := journal.DecodeFacts[guardianEscrow](j, TypeGuardianEscrow)
	if err != nil {
		return 0, nil, err
	}
	var generation uint64
	for _, e := range all {
		generation = max(generation, e.Generation)
	}
	var out []guardianEscrow
	for _, e := range all {
		if e.Generation == generation && !j.Account.RemovedGuardians[e.Guardian] {
			out = append(out, e)
		}
	}
	return generation, out, nil
}

// RecoveryPolicy is the guardian set recovery currently uses.
type RecoveryPolicy struct {
	Generation uint64
	Threshold  uint16
	Guardians  []interfaces.GuardianID
}

// RecoveryPolicy reports the guardians holding shares of the newest split.
func (a *Agent) RecoveryPolicy() (RecoveryPolicy, error) {
	var p RecoveryPolicy
	err := a.journal.View(func(j *journal.Journal) error {
		generation, escrows, err := currentEscrow(j)
		if err != nil {
			return err
		}
		p.Generation = generation
		for _, e := range escrows {
			p.Threshold = e.Threshold
			p.Guardians = append(p.Guardians, e.Guardian)
		}
		return nil
	})
	return p, err
}

// SetGuardians splits the account secret among guardians so that any
// threshold of them can restore the account. The secret is dealt to this
// device by a quorum of holders, split, sealed to each guardian and wiped.
// Guardians are added to the tree; live guardians not listed are removed
// and their shares stop combining with the new split. A zero threshold
// means a majority.
func (a *Agent) SetGuardians(ctx context.Context, guardians []Guardian, threshold uint16) error {
	if _, err := a.requireKey(); err != nil {
		return err
	}
	if len(guardians) == 0 || len(guardians) > 255 {
		return fmt.Errorf("%w: between 1 and 255 guardians are required, got %d", interfaces.ErrInvalidArgument, len(guardians))
	}
	if threshold == 0 {
		threshold = uint16(len(guardians)/2 + 1)
	}
	if int(threshold) > len(guardians) {
		return fmt.Errorf("%w: recovery threshold %d of %d guardians", interfaces.ErrInvalidArgument, threshold, len(guardians))
	}
	ids := make([]interfaces.GuardianID, len(guardians))
	listed := make(map[interfaces.GuardianID]bool, len(guardians))
	for i, g := range guardians {
		if len(g.SigningKey) != ed25519.PublicKeySize || len(g.ShareKey) == 0 {
			return fmt.Errorf("%w: guardian %s needs a signing key and a share key", interfaces.ErrInvalidArgument, g.ID)
		}
		if listed[g.ID] {
			return fmt.Errorf("%w: guardian %s listed twice", interfaces.ErrInvalidArgument, g.ID)
		}
		listed[g.ID] = true
		ids[i] = g.ID
	}

	a.keyMu.Lock()
	defer a.keyMu.Unlock()

	var generation uint64
	var dropped []interfaces.GuardianID
	err := a.journal.View(func(j *journal.Journal) error {
		for _, g := range guardians {
			if j.Account.RemovedGuardians[g.ID] {
				return fmt.Errorf("%w: guardian %s was removed from the account", interfaces.ErrConflict, g.ID)
			}
		}
		for _, g := range j.Account.LiveGuardians() {
			if !listed[g.ID] {
				dropped = append(dropped, g.ID)
			}
		}
		current, _, err := currentEscrow(j)
		generation = current + 1
		return err
	})
	if err != nil {
		return err
	}

	secret, err := a.escrowSecret(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect the account secret: %w", err)
	}
	shares, err := recovery.SplitSecret(secret, ids, int(threshold))
	cryptoutils.Wipe(secret)
	if err != nil {
		return err
	}
	escrows := make([]guardianEscrow, len(guardians))
	for i, g := range guardians {
		sealed, err := cryptoutils.SealShare(g.ShareKey, []byte(escrowInfo), escrowAAD(a.cfg.Account, g.ID, generation), shares[i].Share, a.eff.Random)
		cryptoutils.Wipe(shares[i].Share)
		if err != nil {
			return fmt.Errorf("failed to seal share of guardian %s: %w", g.ID, err)
		}
		escrows[i] = guardianEscrow{Guardian: g.ID, Generation: generation, Threshold: threshold, Sealed: sealed}
	}

	for _, id := range dropped {
		if _, err := a.attest(ctx, func(t *ratchettree.Tree) (ratchettree.TreeOp, error) {
			l, ok := t.FindLeaf(ratchettree.LeafID(id))
			if !ok {
				return ratchettree.TreeOp{}, fmt.Errorf("%w: guardian %s has no tree leaf", ErrNotMember, id)
			}
			return t.RemoveLeafOp(l.Index, "guardian replaced"), nil
		}, nil); err != nil {
			return fmt.Errorf("failed to remove guardian %s: %w", id, err)
		}
	}

	for i, g := range guardians {
		index := shares[i].Index()
		escrow := escrows[i]
		record := func(j *journal.Journal) error {
			binding := journal.GuardianBinding{Guardian: g.ID, Account: a.cfg.Account, ShareIndex: index, PublicKey: g.SigningKey}
			if _, err := j.BindGuardian(binding, a.self); err != nil {
				return err
			}
			nonce := journal.NonceFromHash(cryptoutils.DomainSum(escrowInfo, g.ID[:], cryptoutils.Uint64LE(generation)))
			_, err := j.Emit(TypeGuardianEscrow, escrowContext(a.cfg.Account), nonce, &escrow, a.self)
			return err
		}

		var inTree bool
		_ = a.journal.View(func(j *journal.Journal) error {
			_, inTree = j.Tree.FindLeaf(ratchettree.LeafID(g.ID))
			return nil
		})
		if inTree {
			err = a.journal.Update(ctx, record)
		} else {
			leaf, lerr := guardianLeaf(g.ID, g.Name, index, g.SigningKey)
			if lerr != nil {
				return lerr
			}
			_, err = a.attest(ctx, func(t *ratchettree.Tree) (ratchettree.TreeOp, error) {
				return t.AddLeafOp(leaf), nil
			}, record)
		}
		if err != nil {
			return fmt.Errorf("failed to add guardian %s: %w", g.ID, err)
		}
	}

	a.log.Info("guardians set",
		slog.Int("guardians", len(guardians)),
		slog.Int("threshold", int(threshold)),
		slog.Uint64("generation", generation),
		slog.Int("removed", len(dropped)))
	return nil
}

// escrowShare opens this guardian's share of the newest split.
func (a *Agent) escrowShare() (recovery.GuardianShare, error) {
	me := interfaces.GuardianID(a.self)
	var escrow *guardianEscrow
	err := a.journal.View(func(j *journal.Journal) error {
		_, escrows, err := currentEscrow(j)
		for i := range escrows {
			if escrows[i].Guardian == me {
				escrow = &escrows[i]
			}
		}
		return err
	})
	if err != nil {
		return recovery.GuardianShare{}, err
	}
	if escrow == nil {
		return recovery.GuardianShare{}, fmt.Errorf("%w: no recovery share for guardian %s", ErrNotMember, me)
	}
	share, err := a.keys.identity().share.OpenShare(escrow.Sealed, []byte(escrowInfo), escrowAAD(a.cfg.Account, me, escrow.Generation))
	if err != nil {
		return recovery.GuardianShare{}, fmt.Errorf("failed to open recovery share: %w", err)
	}
	return recovery.GuardianShare{Guardian: me, Threshold: escrow.Threshold, Share: share}, nil
}

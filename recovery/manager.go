package recovery

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/effects"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

// Config holds the recovery timing policy.
type Config struct {
	Cooldown      time.Duration
	DisputeWindow time.Duration
}

// DefaultConfig returns a 24 hour cooldown and a one hour dispute window.
func DefaultConfig() Config {
	return Config{Cooldown: 24 * time.Hour, DisputeWindow: time.Hour}
}

// Manager drives recovery requests against one replica of the account journal.
type Manager struct {
	journal *effects.JournalEffect
	clock   interfaces.Time
	random  interfaces.Random
	cfg     Config
	log     *slog.Logger
}

// NewManager creates a manager. The journal registry must have the recovery
// fact types registered.
func NewManager(je *effects.JournalEffect, clock interfaces.Time, random interfaces.Random, cfg Config, log *slog.Logger) *Manager {
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.DisputeWindow <= 0 {
		cfg.DisputeWindow = DefaultConfig().DisputeWindow
	}
	return &Manager{journal: je, clock: clock, random: random, cfg: cfg, log: common.OrDiscard(log)}
}

func (m *Manager) disputeWindowMs() uint64 { return uint64(m.cfg.DisputeWindow.Milliseconds()) }

// Initiate files a request to restore the account onto device. deviceKey is
// the HPKE public key guardians seal their shares to. An empty guardian list
// asks every live guardian.
func (m *Manager) Initiate(ctx context.Context, device interfaces.DeviceID, deviceKey []byte, guardians []interfaces.GuardianID, threshold uint16) (Request, error) {
	if len(deviceKey) == 0 {
		return Request{}, interfaces.NewError(interfaces.KindInvalidArgument, "recovery.initiate", "missing device key")
	}

	var req Request
	err := m.journal.Update(ctx, func(j *journal.Journal) error {
		if len(guardians) == 0 {
			for _, g := range j.Account.LiveGuardians() {
				guardians = append(guardians, g.ID)
			}
		}
		for _, g := range guardians {
			if _, ok := j.Account.Guardians[g]; !ok || j.Account.RemovedGuardians[g] {
				return fmt.Errorf("%w: %s", ErrNotGuardian, g)
			}
		}
		if threshold == 0 || int(threshold) > len(guardians) {
			return interfaces.Errorf(interfaces.KindInvalidArgument, "threshold %d out of range for %d guardians", threshold, len(guardians))
		}

		now := m.clock.NowMs()
		req = Request{
			RequestID:    NewRequestID(j.Account.Account, device, now, m.random.RandomBytes(16)),
			Account:      j.Account.Account,
			NewDevice:    device,
			NewDeviceKey: deviceKey,
			Guardians:    guardians,
			Threshold:    threshold,
			RequestedAt:  now,
			CooldownMs:   uint64(m.cfg.Cooldown.Milliseconds()),
		}
		_, err := recordRequest(j, req, m.journal.Author())
		return err
	})
	if err != nil {
		return Request{}, err
	}

	m.log.Info("recovery requested",
		slog.String("request", req.RequestID.String()),
		slog.String("device", device.String()),
		slog.Int("guardians", len(req.Guardians)),
		slog.Int("threshold", int(threshold)))
	return req, nil
}

// Approve is run by a guardian: it seals the guardian's share to the new
// device, signs the approval and records it.
func (m *Manager) Approve(ctx context.Context, req Request, share GuardianShare, key ed25519.PrivateKey) (Approval, error) {
	sealed, err := SealShare(share, req, m.random)
	if err != nil {
		return Approval{}, err
	}
	a := SignApproval(Approval{
		RequestID:   req.RequestID,
		Guardian:    share.Guardian,
		ApprovedAt:  m.clock.NowMs(),
		SealedShare: sealed,
	}, key)
	if err := m.SubmitApproval(ctx, a); err != nil {
		return Approval{}, err
	}
	return a, nil
}

// SubmitApproval records an approval received from a guardian.
func (m *Manager) SubmitApproval(ctx context.Context, a Approval) error {
	err := m.journal.Update(ctx, func(j *journal.Journal) error {
		st, err := m.reduce(j, a.RequestID)
		if err != nil {
			return err
		}
		if st.Status.Terminal() {
			return &NotReadyError{Status: st.Status, Escalation: st.Escalation}
		}
		listed := false
		for _, g := range st.Request.Guardians {
			listed = listed || g == a.Guardian
		}
		g, ok := j.Account.Guardians[a.Guardian]
		if !listed || !ok || j.Account.RemovedGuardians[a.Guardian] {
			return ErrNotGuardian
		}
		if !VerifyApproval(a, g.PublicKey) {
			return ErrBadApproval
		}
		_, err = recordApproval(j, a, m.journal.Author())
		return err
	})
	if err != nil {
		return err
	}
	m.log.Info("recovery approved", slog.String("request", a.RequestID.String()), slog.String("guardian", a.Guardian.String()))
	return nil
}

// Dispute records an objection from a live guardian or device. A later
// dispute by the same filer replaces the earlier one.
func (m *Manager) Dispute(ctx context.Context, d Dispute) error {
	if d.FiledAt == 0 {
		d.FiledAt = m.clock.NowMs()
	}
	var level EscalationLevel
	err := m.journal.Update(ctx, func(j *journal.Journal) error {
		st, err := m.reduce(j, d.RequestID)
		if err != nil {
			return err
		}
		if st.Status.Terminal() {
			return &NotReadyError{Status: st.Status, Escalation: st.Escalation}
		}
		switch d.Role {
		case FilerGuardian:
			id := interfaces.GuardianID(d.Filer)
			if _, ok := j.Account.Guardians[id]; !ok || j.Account.RemovedGuardians[id] {
				return ErrNotGuardian
			}
		case FilerDevice:
			if !j.Account.IsLiveDevice(interfaces.DeviceID(d.Filer)) {
				return ErrNotLiveDevice
			}
		default:
			return interfaces.Errorf(interfaces.KindInvalidArgument, "unknown filer role %d", d.Role)
		}
		if _, err := recordDispute(j, d, m.journal.Author()); err != nil {
			return err
		}
		st, err = m.reduce(j, d.RequestID)
		level = st.Escalation
		return err
	})
	if err != nil {
		return err
	}
	m.log.Warn("recovery disputed",
		slog.String("request", d.RequestID.String()),
		slog.Bool("critical", d.Critical),
		slog.String("escalation", level.String()))
	return nil
}

// Resolve settles the disputes in force. Dismissing them unblocks the
// request; upholding a critical dispute cancels it.
func (m *Manager) Resolve(ctx context.Context, id cryptoutils.Hash, upheld bool, by interfaces.DeviceID) error {
	return m.journal.Update(ctx, func(j *journal.Journal) error {
		if _, err := m.reduce(j, id); err != nil {
			return err
		}
		if !j.Account.IsLiveDevice(by) {
			return ErrNotLiveDevice
		}
		_, err := recordResolution(j, Resolution{RequestID: id, Upheld: upheld, ResolvedAt: m.clock.NowMs(), By: by}, m.journal.Author())
		return err
	})
}

// Cancel stops a request. Any live device may cancel a request that has not
// completed.
func (m *Manager) Cancel(ctx context.Context, id cryptoutils.Hash, by interfaces.DeviceID, reason string) error {
	err := m.journal.Update(ctx, func(j *journal.Journal) error {
		st, err := m.reduce(j, id)
		if err != nil {
			return err
		}
		if st.Status.Terminal() {
			return &NotReadyError{Status: st.Status, Escalation: st.Escalation}
		}
		if !j.Account.IsLiveDevice(by) {
			return ErrNotLiveDevice
		}
		_, err = recordCancellation(j, Cancellation{RequestID: id, By: by, CancelledAt: m.clock.NowMs(), Reason: reason}, m.journal.Author())
		return err
	})
	if err != nil {
		return err
	}
	m.log.Info("recovery cancelled", slog.String("request", id.String()), slog.String("by", by.String()))
	return nil
}

// Status reduces the request at the current time.
func (m *Manager) Status(id cryptoutils.Hash) (State, error) {
	var st State
	err := m.journal.View(func(j *journal.Journal) error {
		var err error
		st, err = m.reduce(j, id)
		return err
	})
	return st, err
}

// Complete combines the released shares once the request is ready. verify
// checks the rebuilt secret before the completion is recorded. Completion
// bumps the account's session epoch.
func (m *Manager) Complete(ctx context.Context, id cryptoutils.Hash, kp *cryptoutils.ShareKeyPair, verify func(secret []byte) error) ([]byte, error) {
	var secret []byte
	err := m.journal.Update(ctx, func(j *journal.Journal) error {
		st, err := m.reduce(j, id)
		if err != nil {
			return err
		}
		if st.Status != StatusReady {
			return &NotReadyError{Status: st.Status, Escalation: st.Escalation, ReadyAt: st.ReadyAt}
		}

		var shares [][]byte
		var evidence [][]byte
		for _, a := range st.Approvals[:st.Request.Threshold] {
			share, err := OpenShare(kp, st.Request, a.SealedShare)
			if err != nil {
				return fmt.Errorf("share from guardian %s: %w", a.Guardian, err)
			}
			shares = append(shares, share)
			evidence = append(evidence, a.Signature)
		}
		defer func() {
			for _, s := range shares {
				cryptoutils.Wipe(s)
			}
		}()

		secret, err = CombineShares(shares)
		if err != nil {
			return err
		}
		if verify != nil {
			if err := verify(secret); err != nil {
				cryptoutils.Wipe(secret)
				return err
			}
		}

		c := Completion{RequestID: id, CompletedAt: m.clock.NowMs(), Evidence: cryptoutils.DomainSum("aura.recovery.evidence", evidence...)}
		if _, err := recordCompletion(j, c, m.journal.Author()); err != nil {
			return err
		}
		j.Account.SetSessionEpoch(j.Account.SessionEpoch + 1)
		return nil
	})
	if err != nil {
		var nr *NotReadyError
		if !errors.As(err, &nr) {
			m.log.Error("recovery completion failed", slog.String("request", id.String()), "err", err)
		}
		return nil, err
	}
	m.log.Info("recovery completed", slog.String("request", id.String()))
	return secret, nil
}

func (m *Manager) reduce(j *journal.Journal, id cryptoutils.Hash) (State, error) {
	st, ok, err := Reduce(j, id, m.clock.NowMs(), m.disputeWindowMs())
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	return st, nil
}

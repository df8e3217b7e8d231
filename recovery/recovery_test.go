package recovery

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/effects"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testAccount = interfaces.AccountID{0xac}
	liveDevice  = interfaces.DeviceIDFromUint(1)
	newDevice   = interfaces.DeviceIDFromUint(9)
	secret      = []byte("0123456789abcdef0123456789abcdef")
)

type fixture struct {
	mgr       *Manager
	je        *effects.JournalEffect
	clock     *effects.SimulatedTime
	kp        *cryptoutils.ShareKeyPair
	guardians []interfaces.GuardianID
	keys      []ed25519.PrivateKey
	shares    []GuardianShare
}

func newFixture(t *testing.T, guardians, threshold int) *fixture {
	t.Helper()
	ctx := context.Background()

	registry := journal.NewRegistry()
	require.NoError(t, RegisterFacts(registry))
	eff := effects.NewSimulated(7, nil, "", nil)
	je, err := effects.OpenJournal(ctx, eff, testAccount, liveDevice, effects.JournalOptions{Registry: registry})
	require.NoError(t, err)

	f := &fixture{je: je, clock: eff.Time.(*effects.SimulatedTime)}
	for i := 0; i < guardians; i++ {
		id := interfaces.GuardianID{0x90, byte(i + 1)}
		f.guardians = append(f.guardians, id)
		f.keys = append(f.keys, ed25519.NewKeyFromSeed(bytes.Repeat([]byte{byte(i + 1)}, ed25519.SeedSize)))
	}
	require.NoError(t, je.Update(ctx, func(j *journal.Journal) error {
		j.Account.AddDevice(journal.DeviceMetadata{ID: liveDevice, Name: "laptop"})
		for i, id := range f.guardians {
			j.Account.AddGuardian(journal.GuardianMetadata{ID: id, ShareIndex: uint8(i + 1), PublicKey: f.keys[i].Public().(ed25519.PublicKey)})
		}
		return nil
	}))

	f.shares, err = SplitSecret(secret, f.guardians, threshold)
	require.NoError(t, err)
	f.kp, err = cryptoutils.GenerateShareKeyPair(eff.Random)
	require.NoError(t, err)

	f.mgr = NewManager(je, f.clock, eff.Random, DefaultConfig(), nil)
	f.clock.Advance(1000)
	return f
}

func (f *fixture) initiate(t *testing.T, threshold uint16) Request {
	t.Helper()
	req, err := f.mgr.Initiate(context.Background(), newDevice, f.kp.Public, f.guardians, threshold)
	require.NoError(t, err)
	return req
}

func (f *fixture) approve(t *testing.T, req Request, idx ...int) {
	t.Helper()
	for _, i := range idx {
		_, err := f.mgr.Approve(context.Background(), req, f.shares[i], f.keys[i])
		require.NoError(t, err)
	}
}

func (f *fixture) status(t *testing.T, req Request) State {
	t.Helper()
	st, err := f.mgr.Status(req.RequestID)
	require.NoError(t, err)
	return st
}

func TestSplitAndCombine(t *testing.T) {
	guardians := []interfaces.GuardianID{{1}, {2}, {3}, {4}, {5}}
	shares, err := SplitSecret(secret, guardians, 3)
	require.NoError(t, err)
	require.Len(t, shares, 5)
	for i, s := range shares {
		assert.Equal(t, guardians[i], s.Guardian)
		assert.NotZero(t, s.Index())
	}

	got, err := CombineShares([][]byte{shares[4].Share, shares[0].Share, shares[2].Share})
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	got, err = CombineShares([][]byte{shares[0].Share, shares[1].Share})
	require.NoError(t, err)
	assert.NotEqual(t, secret, got)

	single, err := SplitSecret(secret, guardians[:2], 1)
	require.NoError(t, err)
	got, err = CombineShares([][]byte{single[1].Share})
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	_, err = SplitSecret(secret, guardians, 6)
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
	_, err = SplitSecret(nil, guardians, 2)
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
	_, err = CombineShares(nil)
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

func TestEscalate(t *testing.T) {
	assert.Equal(t, EscalationNone, Escalate(nil))
	assert.Equal(t, EscalationLow, Escalate([]Dispute{{}}))
	assert.Equal(t, EscalationHigh, Escalate([]Dispute{{}, {}}))
	assert.Equal(t, EscalationCritical, Escalate([]Dispute{{Critical: true}}))
	assert.False(t, EscalationLow.Blocks())
	assert.True(t, EscalationHigh.Blocks())
	assert.True(t, EscalationCritical.Blocks())
}

func TestRecoveryLifecycle(t *testing.T) {
	f := newFixture(t, 5, 3)
	ctx := context.Background()
	req := f.initiate(t, 3)
	assert.Equal(t, StatusPending, f.status(t, req).Status)

	f.approve(t, req, 0, 1)
	assert.Equal(t, StatusPending, f.status(t, req).Status)

	f.approve(t, req, 2)
	st := f.status(t, req)
	assert.Equal(t, StatusApproved, st.Status)
	assert.Len(t, st.Approvals, 3)
	assert.Equal(t, uint64(1000+time.Hour.Milliseconds()), st.DisputeWindowEnd)

	f.clock.Advance(uint64(2 * time.Hour.Milliseconds()))
	assert.Equal(t, StatusCoolingDown, f.status(t, req).Status)

	_, err := f.mgr.Complete(ctx, req.RequestID, f.kp, nil)
	var nr *NotReadyError
	require.ErrorAs(t, err, &nr)
	assert.Equal(t, StatusCoolingDown, nr.Status)
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	f.clock.Advance(uint64(23 * time.Hour.Milliseconds()))
	assert.Equal(t, StatusReady, f.status(t, req).Status)

	var before uint64
	require.NoError(t, f.je.View(func(j *journal.Journal) error { before = j.Account.SessionEpoch; return nil }))

	got, err := f.mgr.Complete(ctx, req.RequestID, f.kp, func(s []byte) error {
		if !bytes.Equal(s, secret) {
			return interfaces.NewError(interfaces.KindPermissionDenied, "verify", "wrong secret")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, secret, got)
	assert.Equal(t, StatusCompleted, f.status(t, req).Status)
	require.NoError(t, f.je.View(func(j *journal.Journal) error {
		assert.Equal(t, before+1, j.Account.SessionEpoch)
		return nil
	}))

	err = f.mgr.Cancel(ctx, req.RequestID, liveDevice, "too late")
	assert.ErrorAs(t, err, &nr)
}

func TestRecoveryBlockedByDisputes(t *testing.T) {
	f := newFixture(t, 5, 3)
	ctx := context.Background()
	req := f.initiate(t, 3)
	f.approve(t, req, 0, 1, 2)

	for _, i := range []int{3, 4} {
		require.NoError(t, f.mgr.Dispute(ctx, Dispute{
			RequestID: req.RequestID,
			Filer:     f.guardians[i],
			Role:      FilerGuardian,
			Reason:    "did not hear from the owner",
		}))
	}

	st := f.status(t, req)
	assert.Equal(t, EscalationHigh, st.Escalation)
	assert.Equal(t, StatusDisputed, st.Status)

	f.clock.Advance(uint64(25 * time.Hour.Milliseconds()))
	_, err := f.mgr.Complete(ctx, req.RequestID, f.kp, nil)
	var nr *NotReadyError
	require.ErrorAs(t, err, &nr)
	assert.Equal(t, EscalationHigh, nr.Escalation)

	require.NoError(t, f.mgr.Resolve(ctx, req.RequestID, false, liveDevice))
	st = f.status(t, req)
	assert.Equal(t, EscalationNone, st.Escalation)
	assert.Equal(t, StatusReady, st.Status)

	got, err := f.mgr.Complete(ctx, req.RequestID, f.kp, nil)
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestDisputesCountOncePerFiler(t *testing.T) {
	f := newFixture(t, 3, 2)
	ctx := context.Background()
	req := f.initiate(t, 2)
	f.approve(t, req, 0)

	for i := 0; i < 2; i++ {
		f.clock.Advance(10)
		require.NoError(t, f.mgr.Dispute(ctx, Dispute{RequestID: req.RequestID, Filer: f.guardians[2], Role: FilerGuardian}))
	}
	assert.Equal(t, EscalationLow, f.status(t, req).Escalation)
}

func TestDisputeAfterWindowIsIgnored(t *testing.T) {
	f := newFixture(t, 3, 2)
	ctx := context.Background()
	req := f.initiate(t, 2)
	f.approve(t, req, 0, 1)

	f.clock.Advance(uint64(2 * time.Hour.Milliseconds()))
	require.NoError(t, f.mgr.Dispute(ctx, Dispute{RequestID: req.RequestID, Filer: liveDevice, Role: FilerDevice, Critical: true}))

	st := f.status(t, req)
	assert.Equal(t, EscalationNone, st.Escalation)
	assert.Equal(t, StatusCoolingDown, st.Status)
}

func TestUpheldCriticalDisputeCancels(t *testing.T) {
	f := newFixture(t, 3, 2)
	ctx := context.Background()
	req := f.initiate(t, 2)
	f.approve(t, req, 0)

	require.NoError(t, f.mgr.Dispute(ctx, Dispute{RequestID: req.RequestID, Filer: liveDevice, Role: FilerDevice, Critical: true, Reason: "not me"}))
	st := f.status(t, req)
	assert.Equal(t, EscalationCritical, st.Escalation)
	assert.Equal(t, StatusDisputed, st.Status)

	require.NoError(t, f.mgr.Resolve(ctx, req.RequestID, true, liveDevice))
	assert.Equal(t, StatusCancelled, f.status(t, req).Status)

	var nr *NotReadyError
	assert.ErrorAs(t, f.mgr.SubmitApproval(ctx, Approval{RequestID: req.RequestID, Guardian: f.guardians[1]}), &nr)
}

func TestCancelRequiresLiveDevice(t *testing.T) {
	f := newFixture(t, 3, 2)
	ctx := context.Background()
	req := f.initiate(t, 2)

	err := f.mgr.Cancel(ctx, req.RequestID, newDevice, "")
	assert.ErrorIs(t, err, ErrNotLiveDevice)
	assert.ErrorIs(t, err, interfaces.ErrPermissionDenied)

	require.NoError(t, f.mgr.Cancel(ctx, req.RequestID, liveDevice, "lost phone was found"))
	assert.Equal(t, StatusCancelled, f.status(t, req).Status)
}

func TestApprovalValidation(t *testing.T) {
	f := newFixture(t, 3, 2)
	ctx := context.Background()
	req, err := f.mgr.Initiate(ctx, newDevice, f.kp.Public, f.guardians[:2], 2)
	require.NoError(t, err)

	_, err = f.mgr.Approve(ctx, req, f.shares[2], f.keys[2])
	assert.ErrorIs(t, err, ErrNotGuardian)

	_, err = f.mgr.Approve(ctx, req, f.shares[0], f.keys[1])
	assert.ErrorIs(t, err, ErrBadApproval)

	_, err = f.mgr.Status(cryptoutils.Hash{1})
	assert.ErrorIs(t, err, ErrUnknownRequest)

	_, err = f.mgr.Initiate(ctx, newDevice, f.kp.Public, []interfaces.GuardianID{{0x77}}, 1)
	assert.ErrorIs(t, err, ErrNotGuardian)
	_, err = f.mgr.Initiate(ctx, newDevice, f.kp.Public, nil, 4)
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

func TestOpenShareRejectsOtherRequest(t *testing.T) {
	f := newFixture(t, 3, 2)
	req := f.initiate(t, 2)
	sealed, err := SealShare(f.shares[0], req, effects.NewSimulatedRandom(3))
	require.NoError(t, err)

	other := req
	other.RequestID = cryptoutils.Hash{9}
	_, err = OpenShare(f.kp, other, sealed)
	assert.ErrorIs(t, err, interfaces.ErrPermissionDenied)

	share, err := OpenShare(f.kp, req, sealed)
	require.NoError(t, err)
	assert.Equal(t, f.shares[0].Share, share)
}

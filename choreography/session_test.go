package choreography

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	coordinator = interfaces.DeviceID{1}
	alice       = interfaces.DeviceID{2}
	bob         = interfaces.DeviceID{3}
	guardian    = interfaces.DeviceID{4}
)

func newTestSession() *Session {
	return &Session{
		ID:          uuid.New(),
		Kind:        KindSign,
		Account:     interfaces.AccountID{9},
		Coordinator: coordinator,
		Members: []Member{
			{ID: coordinator, Role: RoleCoordinator},
			{ID: alice, Role: RoleParticipant},
			{ID: bob, Role: RoleJoiner},
			{ID: guardian, Role: RoleGuardian},
		},
		Threshold: 2,
	}
}

func TestSessionMembers(t *testing.T) {
	s := newTestSession()

	assert.Equal(t, []interfaces.DeviceID{coordinator, alice, bob}, s.MembersWith(RoleParticipant))
	assert.Equal(t, []interfaces.DeviceID{guardian}, s.MembersWith(RoleGuardian))

	m, ok := s.Member(guardian)
	require.True(t, ok)
	assert.Equal(t, interfaces.GuardianID(guardian).Peer(), m.Peer())
	m, _ = s.Member(alice)
	assert.Equal(t, alice.Peer(), m.Peer())

	_, ok = s.Member(interfaces.DeviceID{0xff})
	assert.False(t, ok)
}

func TestSessionExcludeAndRestrict(t *testing.T) {
	s := newTestSession()
	s.Exclude([]interfaces.DeviceID{bob})
	_, ok := s.Member(bob)
	assert.False(t, ok)
	assert.Len(t, s.Members, 3)

	s = newTestSession()
	s.Restrict([]interfaces.DeviceID{alice})
	assert.Equal(t, []interfaces.DeviceID{coordinator, alice}, s.MembersWith(RoleParticipant))
	assert.Len(t, s.Members, 2)
}

func TestSessionTransition(t *testing.T) {
	s := newTestSession()
	require.NoError(t, s.Transition(PhasePrepare, 10))
	require.NoError(t, s.Transition(PhaseShareExchange, 20))
	assert.Zero(t, s.Attempt)

	require.NoError(t, s.Transition(PhaseShareExchange, 30))
	assert.Equal(t, uint32(1), s.Attempt)
	assert.Equal(t, uint64(30), s.UpdatedMs)

	err := s.Transition(PhaseCommitted, 40)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, PhaseShareExchange, invalid.From)
	assert.Equal(t, interfaces.KindInvalidArgument, interfaces.KindOf(err))
	assert.Equal(t, PhaseShareExchange, s.Phase)
}

func TestSessionEncodeRoundTrip(t *testing.T) {
	s := newTestSession()
	s.Phase = PhaseCompute
	s.Prestate = cryptoutils.Hash{7}
	s.State = []byte("progress")

	data, err := s.Encode()
	require.NoError(t, err)
	decoded, err := DecodeSession(data)
	require.NoError(t, err)
	assert.Equal(t, s.ID, decoded.ID)
	assert.Equal(t, s.Members, decoded.Members)
	assert.Equal(t, s.Prestate, decoded.Prestate)
	assert.Equal(t, s.State, decoded.State)
	assert.Equal(t, PhaseCompute, decoded.Phase)
}

func TestCheckpointRecover(t *testing.T) {
	ctx := context.Background()
	store := NewCheckpointStore(storage.NewMemStorage(nil), nil)

	early := newTestSession()
	early.Phase = PhaseShareExchange
	resumable := newTestSession()
	resumable.Phase = PhaseAttest
	done := newTestSession()
	done.Phase = PhaseCommitted
	for _, s := range []*Session{early, resumable, done} {
		require.NoError(t, store.Save(ctx, s))
	}

	recovered, err := store.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, resumable.ID, recovered[0].ID)

	_, err = store.Load(ctx, early.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = store.Load(ctx, done.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	require.NoError(t, store.Delete(ctx, resumable.ID))
	recovered, err = store.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestErrorKinds(t *testing.T) {
	timeout := &AbortedError{Phase: PhaseAttest, Err: &TimeoutError{Phase: PhaseAttest}}
	assert.True(t, IsTimeout(timeout))
	assert.Equal(t, interfaces.KindTimeout, interfaces.KindOf(timeout))
	assert.ErrorIs(t, timeout, interfaces.ErrTimeout)

	excluded := &AbortedError{Phase: PhaseShareExchange, Err: &ExcludedError{}}
	assert.False(t, IsTimeout(excluded))
	assert.Equal(t, interfaces.KindConflict, interfaces.KindOf(excluded))

	assert.Equal(t, interfaces.KindCancelled, interfaces.KindOf(ErrSessionCancelled))
	assert.Equal(t, interfaces.KindPermissionDenied, interfaces.KindOf(ErrBadReceipt))
	assert.True(t, errors.Is(&EquivocationError{}, interfaces.ErrFatal))
}

func TestBuiltinProtocols(t *testing.T) {
	kinds := Kinds()
	assert.ElementsMatch(t, []Kind{KindDKG, KindSign, KindRefresh, KindDerive, KindEnroll, KindRecovery}, kinds)
	for _, k := range kinds {
		p, ok := Builtin(k)
		require.True(t, ok, k)
		assert.NoError(t, p.Validate(), k)

		cancel, ok := p.Message(MsgCancel)
		require.True(t, ok)
		assert.Equal(t, MsgCancel, cancel.Name)
	}

	_, ok := Builtin("unknown")
	assert.False(t, ok)
	err := (&Protocol{}).Validate()
	assert.ErrorIs(t, err, ErrInvalidProtocol)
}

func TestCommitValue(t *testing.T) {
	id := uuid.New()
	a := CommitValue(id, 0, alice, []byte("share"))
	assert.Equal(t, a, CommitValue(id, 0, alice, []byte("share")))
	assert.NotEqual(t, a, CommitValue(id, 1, alice, []byte("share")))
	assert.NotEqual(t, a, CommitValue(id, 0, bob, []byte("share")))
	assert.NotEqual(t, a, CommitValue(id, 0, alice, []byte("other")))
}

func TestEquivocationDetector(t *testing.T) {
	d := NewEquivocationDetector(nil)
	consensus, prestate := cryptoutils.Hash{1}, cryptoutils.Hash{2}
	first, second := cryptoutils.Hash{3}, cryptoutils.Hash{4}

	require.NoError(t, d.Observe(alice, consensus, prestate, first, []byte("s1")))
	require.NoError(t, d.Observe(alice, consensus, prestate, first, []byte("s1")))
	require.NoError(t, d.Observe(bob, consensus, prestate, second, []byte("s2")))

	err := d.Observe(alice, consensus, prestate, second, []byte("s3"))
	var eq *EquivocationError
	require.ErrorAs(t, err, &eq)
	assert.Equal(t, alice, eq.Proof.Witness)
	assert.Equal(t, first, eq.Proof.FirstResult)
	assert.Equal(t, second, eq.Proof.SecondResult)
	assert.Equal(t, []byte("s3"), eq.Proof.SecondSignature)
	assert.Equal(t, eq.Proof.ID(), eq.Proof.ID())

	d.Forget(consensus)
	assert.NoError(t, d.Observe(alice, consensus, prestate, second, nil))
}

func TestEnvelopeFrame(t *testing.T) {
	payload, err := EncodePayload([]byte("share"))
	require.NoError(t, err)
	e := &Envelope{
		Session: uuid.New(),
		Kind:    KindDKG,
		Name:    MsgShareCommit,
		Phase:   PhaseShareExchange,
		Attempt: 2,
		From:    alice,
		To:      bob,
		Payload: payload,
	}
	frame, err := e.Encode()
	require.NoError(t, err)
	require.True(t, IsFrame(frame))

	decoded, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, e.Session, decoded.Session)
	assert.Equal(t, e.Name, decoded.Name)
	assert.Equal(t, e.Attempt, decoded.Attempt)
	var body []byte
	require.NoError(t, decoded.DecodePayload(&body))
	assert.Equal(t, []byte("share"), body)

	_, err = DecodeEnvelope([]byte{0x00, 0x01})
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
	assert.False(t, IsFrame(nil))
}

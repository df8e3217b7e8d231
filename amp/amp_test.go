package amp

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/aura/effects"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

var (
	testAccount = interfaces.AccountID{0xac}
	testContext = interfaces.ContextID{0xc0}
	testChannel = interfaces.ChannelID{0xc4}
	channelRoot = []byte("channel root secret for tests!!!")
)

func newRegistry(t *testing.T) *journal.Registry {
	t.Helper()
	r := journal.NewRegistry()
	require.NoError(t, RegisterFacts(r))
	return r
}

func newJournal(t *testing.T) *journal.Journal {
	return journal.New(testAccount, newRegistry(t))
}

func openJournal(t *testing.T, eff *effects.Effects, author uint64) *effects.JournalEffect {
	t.Helper()
	je, err := effects.OpenJournal(context.Background(), eff, testAccount, interfaces.DeviceIDFromUint(author), effects.JournalOptions{Registry: newRegistry(t)})
	require.NoError(t, err)
	return je
}

func TestHeaderCodec(t *testing.T) {
	h := Header{Context: testContext, Channel: testChannel, Epoch: 3, Generation: 0x0102030405060708}
	b := h.Encode()
	require.Len(t, b, HeaderSize)
	assert.Equal(t, byte(3), b[48])
	assert.Equal(t, byte(0x08), b[56])

	decoded, err := DecodeHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)

	b[70] = 1
	_, err = DecodeHeader(b)
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	_, err = DecodeHeader(b[:79])
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

func TestEnvelopeSealOpen(t *testing.T) {
	h := Header{Context: testContext, Channel: testChannel, Epoch: 1, Generation: 9}
	env, err := Seal(h, channelRoot, []byte("hello"))
	require.NoError(t, err)

	wire := env.Encode()
	require.Len(t, wire, EnvelopeOverhead+5)
	decoded, err := DecodeEnvelope(wire)
	require.NoError(t, err)
	pt, err := Open(decoded, channelRoot)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)

	// The header is associated data
	decoded.Header.Generation = 10
	_, err = Open(decoded, channelRoot)
	assert.Error(t, err)

	_, err = Open(env, []byte("another secret"))
	assert.Error(t, err)
}

func TestGenerationWindowBoundaries(t *testing.T) {
	j := newJournal(t)
	author := interfaces.DeviceIDFromUint(1)
	_, err := RecordPolicy(j, testContext, ChannelPolicy{Channel: testChannel, SkipWindow: 10}, author)
	require.NoError(t, err)
	_, err = RecordCheckpoint(j, testContext, NewCheckpoint(testContext, testChannel, 0, 50, 0), author)
	require.NoError(t, err)

	s, err := Reduce(j, testContext, testChannel)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), s.SkipWindow)
	assert.Equal(t, uint64(50), s.LastCheckpointGen)

	header := func(gen uint64) Header {
		return Header{Context: testContext, Channel: testChannel, Generation: gen}
	}
	assert.NoError(t, AdvanceRecv(s, header(50)))
	assert.NoError(t, AdvanceRecv(s, header(70)))

	err = AdvanceRecv(s, header(71))
	var window *GenerationOutOfWindowError
	require.ErrorAs(t, err, &window)
	assert.Equal(t, uint64(50), window.Min)
	assert.Equal(t, uint64(70), window.Max)
	assert.Equal(t, interfaces.KindInvalidArgument, interfaces.KindOf(err))

	assert.Error(t, AdvanceRecv(s, header(49)))
}

func TestAdvanceSendDoesNotMutate(t *testing.T) {
	s := ChannelEpochState{Context: testContext, Channel: testChannel, SkipWindow: 4, LastCheckpointGen: 10, CurrentGen: 12}
	h, next, err := AdvanceSend(s)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), h.Generation)
	assert.Equal(t, uint64(13), next)
	assert.Equal(t, uint64(12), s.CurrentGen)

	s.CurrentGen = 19
	_, _, err = AdvanceSend(s)
	var window *GenerationOutOfWindowError
	require.ErrorAs(t, err, &window)
	assert.Equal(t, uint64(18), window.Max)
}

func TestReduceDefaults(t *testing.T) {
	s, err := Reduce(newJournal(t), testContext, testChannel)
	require.NoError(t, err)
	assert.Equal(t, DefaultSkipWindow, s.SkipWindow)
	assert.Zero(t, s.ChanEpoch)
	assert.Nil(t, s.Pending)
}

func TestReduceFollowsContiguousCommits(t *testing.T) {
	j := newJournal(t)
	author := interfaces.DeviceIDFromUint(1)
	for _, b := range []CommittedBump{
		{Channel: testChannel, ParentEpoch: 1, NewEpoch: 2},
		{Channel: testChannel, ParentEpoch: 0, NewEpoch: 1},
		{Channel: testChannel, ParentEpoch: 3, NewEpoch: 4},
	} {
		_, err := RecordCommittedBump(j, testContext, b, author)
		require.NoError(t, err)
	}
	_, err := RecordCheckpoint(j, testContext, NewCheckpoint(testContext, testChannel, 1, 40, 0), author)
	require.NoError(t, err)
	_, err = RecordCheckpoint(j, testContext, NewCheckpoint(testContext, testChannel, 4, 90, 0), author)
	require.NoError(t, err)

	s, err := Reduce(j, testContext, testChannel)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.ChanEpoch)
	// The epoch 4 checkpoint is beyond the current epoch
	assert.Equal(t, uint64(40), s.LastCheckpointGen)
}

func TestPendingBumpSpacing(t *testing.T) {
	tests := []struct {
		name    string
		reason  BumpReason
		sent    uint64
		pending bool
	}{
		{"routine before spacing", BumpRoutine, 100, false},
		{"routine after spacing", BumpRoutine, 512, true},
		{"compromise bypasses spacing", BumpCompromise, 0, true},
		{"device removal bypasses spacing", BumpDeviceRemoval, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := newJournal(t)
			author := interfaces.DeviceIDFromUint(1)
			_, err := RecordCheckpoint(j, testContext, NewCheckpoint(testContext, testChannel, 0, 0, 0), author)
			require.NoError(t, err)
			_, err = RecordGeneration(j, testContext, GenerationAdvance{Channel: testChannel, NextGen: tt.sent}, author)
			require.NoError(t, err)
			_, err = RecordProposedBump(j, testContext, ProposedBump{Channel: testChannel, NewEpoch: 1, BumpID: [32]byte{2}, Reason: tt.reason}, author)
			require.NoError(t, err)

			s, err := Reduce(j, testContext, testChannel)
			require.NoError(t, err)
			assert.Equal(t, tt.sent, s.CurrentGen)
			if !tt.pending {
				assert.Nil(t, s.Pending)
				return
			}
			require.NotNil(t, s.Pending)
			assert.Equal(t, uint64(1), s.Pending.NewEpoch)
			assert.Equal(t, tt.reason, s.Pending.Reason)
		})
	}
}

func TestPendingBumpTieBreak(t *testing.T) {
	j := newJournal(t)
	author := interfaces.DeviceIDFromUint(1)
	for _, id := range []byte{9, 3, 7} {
		_, err := RecordProposedBump(j, testContext, ProposedBump{Channel: testChannel, NewEpoch: 1, BumpID: [32]byte{id}, Reason: BumpRecovery}, author)
		require.NoError(t, err)
	}
	s, err := Reduce(j, testContext, testChannel)
	require.NoError(t, err)
	require.NotNil(t, s.Pending)
	assert.Equal(t, byte(3), s.Pending.BumpID[0])
}

func TestReplayWindow(t *testing.T) {
	w := NewReplayWindow()
	h := Header{Context: testContext, Channel: testChannel, Epoch: 0, Generation: 5}
	require.NoError(t, w.Accept(h, 0, 0))
	assert.True(t, w.Seen(h))
	assert.ErrorIs(t, w.Accept(h, 0, 0), ErrReplay)

	other := h
	other.Epoch = 1
	require.NoError(t, w.Accept(other, 0, 0))

	// Moving the window forgets old generations and epochs
	next := Header{Context: testContext, Channel: testChannel, Epoch: 1, Generation: 9}
	require.NoError(t, w.Accept(next, 1, 6))
	assert.False(t, w.Seen(h))
	assert.False(t, w.Seen(other))
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *recordingObserver) MessageProcessed(direction, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = map[string]int{}
	}
	o.outcomes[direction+"/"+outcome]++
}

func (o *recordingObserver) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[key]
}

// channelPair creates a channel on A and joins it on B.
func channelPair(t *testing.T, skipWindow uint32) (a, b *Channel, ja, jb *effects.JournalEffect, obs *recordingObserver) {
	t.Helper()
	ctx := context.Background()
	ja = openJournal(t, effects.NewSimulated(1, nil, "", nil), 1)
	jb = openJournal(t, effects.NewSimulated(2, nil, "", nil), 2)
	obs = &recordingObserver{}

	ma := NewManager(ja, nil, nil)
	mb := NewManager(jb, obs, nil)

	a, err := ma.Create(ctx, testContext, testChannel, skipWindow, channelRoot)
	require.NoError(t, err)
	require.NoError(t, jb.MergeJournal(ctx, ja.GetJournal()))
	b = mb.Join(testContext, testChannel, channelRoot)
	return a, b, ja, jb, obs
}

func TestChannelMessaging(t *testing.T) {
	ctx := context.Background()
	a, b, _, _, obs := channelPair(t, 0)

	first, err := a.Seal(ctx, []byte("one"))
	require.NoError(t, err)
	second, err := a.Seal(ctx, []byte("two"))
	require.NoError(t, err)

	state, err := a.State()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), state.CurrentGen)

	h, pt, err := b.m.Open(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), pt)
	assert.Equal(t, uint64(1), h.Generation)

	_, pt, err = b.m.Open(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), pt)

	_, _, err = b.m.Open(ctx, first)
	assert.ErrorIs(t, err, ErrReplay)

	tampered := append([]byte(nil), second...)
	tampered[len(tampered)-1] ^= 1
	tampered[56]++ // new generation so the replay check passes
	_, _, err = b.m.Open(ctx, tampered)
	assert.Equal(t, interfaces.KindPermissionDenied, interfaces.KindOf(err))

	assert.Equal(t, 2, obs.count("recv/ok"))
	assert.Equal(t, 1, obs.count("recv/replay"))
	assert.Equal(t, 1, obs.count("recv/auth_failed"))
}

func TestChannelCheckpointsKeepSendingInWindow(t *testing.T) {
	ctx := context.Background()
	a, _, _, _, _ := channelPair(t, 4)
	for range 20 {
		_, err := a.Seal(ctx, []byte("x"))
		require.NoError(t, err)
	}
	s, err := a.State()
	require.NoError(t, err)
	assert.Equal(t, uint64(20), s.CurrentGen)
	assert.True(t, s.InWindow(s.CurrentGen))
	assert.Greater(t, s.LastCheckpointGen, uint64(0))
}

func TestChannelEpochBump(t *testing.T) {
	ctx := context.Background()
	a, b, ja, jb, _ := channelPair(t, 0)

	old, err := a.Seal(ctx, []byte("before"))
	require.NoError(t, err)

	bump, err := a.ProposeBump(ctx, BumpCompromise)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), bump.NewEpoch)
	require.NoError(t, jb.MergeJournal(ctx, ja.GetJournal()))

	next, err := a.Seal(ctx, []byte("after"))
	require.NoError(t, err)
	env, err := DecodeEnvelope(next)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), env.Header.Epoch)

	sa, err := a.State()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sa.ChanEpoch)

	// B has the proposal but not the commit: both epochs are accepted
	sb, err := b.State()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), sb.ChanEpoch)
	require.NotNil(t, sb.Pending)

	_, pt, err := b.m.Open(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), pt)
	_, pt, err = b.m.Open(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), pt)

	sb, err = b.State()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sb.ChanEpoch)
	assert.Nil(t, sb.Pending)

	// After the commit the old epoch is gone
	stale, err := Seal(Header{Context: testContext, Channel: testChannel, Epoch: 0, Generation: 5}, channelRoot, []byte("stale"))
	require.NoError(t, err)
	_, _, err = b.m.Open(ctx, stale.Encode())
	var mismatch *EpochMismatchError
	assert.ErrorAs(t, err, &mismatch)
}

func TestOpenUnknownChannel(t *testing.T) {
	_, b, _, _, _ := channelPair(t, 0)
	env, err := Seal(Header{Context: testContext, Channel: interfaces.ChannelID{0xee}}, channelRoot, nil)
	require.NoError(t, err)
	_, _, err = b.m.Open(context.Background(), env.Encode())
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestRendezvousDirectory(t *testing.T) {
	ctx := context.Background()
	eff := effects.NewSimulated(3, nil, "", nil)
	clock := eff.Time.(*effects.SimulatedTime)
	clock.Advance(1_000)
	je := openJournal(t, eff, 1)
	dir := NewDirectory(je, eff.Time, nil)

	_, key, err := ed25519.GenerateKey(eff.Random)
	require.NoError(t, err)
	authority := interfaces.DeviceIDFromUint(1).Authority()

	desc, err := dir.Publish(ctx, Descriptor{
		Authority:     authority,
		Context:       testContext,
		Hints:         []TransportHint{TcpDirect("10.0.0.1:7400"), WebSocketRelay("relay.example.org")},
		PSKCommitment: PSKCommitment([]byte("psk")),
		ValidFrom:     1_000,
		ValidUntil:    11_000,
		Nonce:         1,
	}, key)
	require.NoError(t, err)
	require.NoError(t, desc.Verify())

	// A fresh directory over the same journal finds it
	other := NewDirectory(je, eff.Time, nil)
	found, err := other.Lookup(authority, testContext)
	require.NoError(t, err)
	assert.Equal(t, desc.Hints, found.Hints)

	_, err = other.Lookup(interfaces.AuthorityID{0x01}, testContext)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	assert.False(t, desc.NeedsRefresh(10_000))
	assert.True(t, desc.NeedsRefresh(10_001))
	assert.Empty(t, other.Stale(authority))
	clock.Advance(9_500)
	assert.Len(t, other.Stale(authority), 1)

	clock.Advance(500)
	_, err = other.Lookup(authority, testContext)
	var expired *DescriptorExpiredError
	assert.ErrorAs(t, err, &expired)
	assert.Equal(t, 1, other.Purge())
	assert.Zero(t, other.Purge())
}

func TestDescriptorVerify(t *testing.T) {
	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	d := Descriptor{Authority: interfaces.AuthorityID{1}, Hints: []TransportHint{QuicDirect("h:1")}, ValidFrom: 1, ValidUntil: 2}
	assert.ErrorIs(t, d.Verify(), ErrInvalidDescriptor)
	require.NoError(t, d.Sign(key))
	require.NoError(t, d.Verify())

	d.Hints[0].Addr = "evil:1"
	assert.ErrorIs(t, d.Verify(), ErrInvalidDescriptor)
}

func serveSync(ctx context.Context, net interfaces.Network, s *JournalSync) {
	go func() {
		for {
			peer, data, err := net.Receive(ctx)
			if err != nil {
				return
			}
			s.Handle(ctx, peer, data)
		}
	}()
}

func TestJournalSync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub := effects.NewHub()
	effA := effects.NewSimulated(1, hub, "a", nil)
	effB := effects.NewSimulated(2, hub, "b", nil)
	ja, jb := openJournal(t, effA, 1), openJournal(t, effB, 2)
	sa := NewJournalSync(ja, effA, 0, time.Second)
	sb := NewJournalSync(jb, effB, 0, time.Second)
	serveSync(ctx, effA.Network, sa)
	serveSync(ctx, effB.Network, sb)

	_, err := NewManager(ja, nil, nil).Create(ctx, testContext, testChannel, 16, channelRoot)
	require.NoError(t, err)
	require.NoError(t, ja.Update(ctx, func(j *journal.Journal) error {
		j.Account.SetSessionEpoch(4)
		j.Account.UseNonce([]byte{1})
		return nil
	}))

	res, err := sb.SyncWith(ctx, "a")
	require.NoError(t, err)
	assert.True(t, res.StateMerged)

	require.NoError(t, jb.View(func(j *journal.Journal) error {
		assert.Equal(t, uint64(4), j.Account.SessionEpoch)
		s, err := Reduce(j, testContext, testChannel)
		require.NoError(t, err)
		assert.Equal(t, uint32(16), s.SkipWindow)
		return nil
	}))

	res, err = sb.SyncWith(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, journal.DigestEqual, res.Status)
	assert.False(t, res.StateMerged)
}

func TestJournalSyncTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub := effects.NewHub()
	effA := effects.NewSimulated(1, hub, "a", nil)
	hub.Join("silent")
	s := NewJournalSync(openJournal(t, effA, 1), effA, 0, 50*time.Millisecond)

	_, err := s.SyncWith(ctx, "silent")
	assert.ErrorIs(t, err, interfaces.ErrTimeout)
}

type fakeSyncer struct {
	active, peak atomic.Int64
	fail         interfaces.PeerID
}

func (f *fakeSyncer) SyncWith(ctx context.Context, peer interfaces.PeerID) (SyncResult, error) {
	n := f.active.Inc()
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	f.active.Dec()
	if peer == f.fail {
		return SyncResult{}, errors.New("unreachable")
	}
	return SyncResult{Status: journal.DigestEqual}, nil
}

type countingSyncObserver struct {
	mu      sync.Mutex
	results []string
}

func (o *countingSyncObserver) SyncRound(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}

func TestSyncSchedulerBoundsConcurrency(t *testing.T) {
	var peers []interfaces.PeerID
	for _, p := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		peers = append(peers, interfaces.PeerID(p))
	}
	syncer := &fakeSyncer{fail: "c"}
	obs := &countingSyncObserver{}
	s := NewSyncScheduler(syncer, func() []interfaces.PeerID { return peers },
		SyncConfig{MaxConcurrentSyncs: 3}, effects.NewSystemTime(), obs, nil)

	err := s.SyncOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync with c")
	assert.LessOrEqual(t, syncer.peak.Load(), int64(3))

	rounds, failures := s.Stats()
	assert.Equal(t, uint64(12), rounds)
	assert.Equal(t, uint64(1), failures)
	assert.Len(t, obs.results, 12)
}

func TestSyncSchedulerRunStopsOnCancel(t *testing.T) {
	clock := effects.NewSimulatedTime(0)
	syncer := &fakeSyncer{}
	s := NewSyncScheduler(syncer, func() []interfaces.PeerID { return []interfaces.PeerID{"a"} },
		DefaultSyncConfig(), clock, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		rounds, _ := s.Stats()
		return rounds == 1
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

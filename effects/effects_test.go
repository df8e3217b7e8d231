package effects

import (
	"context"
	"testing"
	"time"

	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedTime(t *testing.T) {
	clock := NewSimulatedTime(1000)
	done := make(chan error, 1)
	go func() { done <- clock.Sleep(context.Background(), 500) }()

	// Give the sleeper a chance to register before advancing
	require.Eventually(t, func() bool {
		clock.mu.Lock()
		defer clock.mu.Unlock()
		return len(clock.waiters) == 1
	}, time.Second, time.Millisecond)

	clock.Advance(499)
	select {
	case <-done:
		t.Fatal("woke early")
	default:
	}
	clock.Advance(1)
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1500), clock.NowMs())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, clock.Sleep(ctx, 10), context.Canceled)
}

func TestSimulatedRandomIsDeterministic(t *testing.T) {
	a, b := NewSimulatedRandom(7), NewSimulatedRandom(7)
	assert.Equal(t, a.RandomBytes(32), b.RandomBytes(32))
	assert.Equal(t, a.RandomU64(), b.RandomU64())
	assert.Equal(t, a.RandomUUID(), b.RandomUUID())
	assert.NotEqual(t, NewSimulatedRandom(8).RandomBytes(32), NewSimulatedRandom(7).RandomBytes(32))
}

func TestHubDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub()
	a := hub.Join("a")
	events := a.SubscribePeerEvents(ctx)
	b := hub.Join("b")
	c := hub.Join("c")

	ev := <-events
	assert.Equal(t, interfaces.PeerEvent{Peer: "b", Kind: interfaces.PeerConnected}, ev)
	assert.Equal(t, []interfaces.PeerID{"b", "c"}, a.ConnectedPeers())

	require.NoError(t, b.SendToPeer(ctx, "a", []byte("from b")))
	require.NoError(t, c.SendToPeer(ctx, "a", []byte("from c")))

	// ReceiveFrom skips frames from other peers without dropping them
	data, err := a.ReceiveFrom(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []byte("from c"), data)

	from, data, err := a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PeerID("b"), from)
	assert.Equal(t, []byte("from b"), data)

	hub.Partition([]interfaces.PeerID{"a"}, []interfaces.PeerID{"b", "c"})
	err = a.SendToPeer(ctx, "b", []byte("x"))
	var sendErr *interfaces.SendFailedError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, interfaces.KindTransient, interfaces.KindOf(err))
	assert.Empty(t, a.ConnectedPeers())

	hub.Heal()
	require.NoError(t, a.Broadcast(ctx, []byte("hello")))
	data, err = c.ReceiveFrom(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	short, stop := context.WithTimeout(ctx, 10*time.Millisecond)
	defer stop()
	_, _, err = b.Receive(short)
	require.NoError(t, err, "b also got the broadcast")
	_, _, err = b.Receive(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJournalEffectPersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	eff := NewSimulated(1, nil, "", nil)
	account := interfaces.AccountID{0xac}
	dev := interfaces.DeviceIDFromUint(1)

	je, err := OpenJournal(ctx, eff, account, dev, JournalOptions{DefaultFlowLimit: 1000})
	require.NoError(t, err)

	c, peer := interfaces.ContextID{1}, interfaces.AuthorityID{2}
	_, err = je.ChargeFlowBudget(ctx, c, peer, 300, func(j *journal.Journal) error {
		_, err := j.Emit("app.sent", c, 1, &journal.RevokeFact{Capability: "m"}, dev)
		return err
	})
	require.NoError(t, err)

	// A failing emit rolls back both the charge and the receipt
	_, err = je.ChargeFlowBudget(ctx, c, peer, 100, func(j *journal.Journal) error {
		return interfaces.ErrConflict
	})
	assert.ErrorIs(t, err, interfaces.ErrConflict)
	assert.Equal(t, uint64(300), je.Flow().Budget(c, peer).Spent)

	reopened, err := OpenJournal(ctx, eff, account, dev, JournalOptions{DefaultFlowLimit: 1000})
	require.NoError(t, err)
	assert.Equal(t, uint64(300), reopened.Flow().Budget(c, peer).Spent)
	assert.Len(t, reopened.GetJournal().FactsOfType(journal.TypeFlowSpent), 1)
	assert.Len(t, reopened.GetJournal().FactsOfType("app.sent"), 1)
}

func TestEffectsValidate(t *testing.T) {
	hub := NewHub()
	eff := NewSimulated(1, hub, "a", nil)
	require.NoError(t, eff.Validate())

	eff.Network = nil
	assert.ErrorIs(t, eff.Validate(), interfaces.ErrInvalidArgument)
}

package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ruteri/aura/amp"
	"github.com/ruteri/aura/choreography"
	"github.com/ruteri/aura/effects"
	"github.com/ruteri/aura/frost"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/recovery"
	"github.com/ruteri/aura/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAccount = interfaces.AccountID{0xa1, 0x2a}

type testNode struct {
	*Agent
	clock *effects.SimulatedTime
}

// cluster runs agents over one simulated network.
type cluster struct {
	t   *testing.T
	ctx context.Context
	hub *effects.Hub
}

func newCluster(t *testing.T) *cluster {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)
	return &cluster{t: t, ctx: ctx, hub: effects.NewHub()}
}

func (c *cluster) start(n uint64, configure func(cfg *Config)) *testNode {
	c.t.Helper()
	cfg := Config{
		Account: testAccount,
		Device:  interfaces.DeviceIDFromUint(n),
		Name:    fmt.Sprintf("device-%d", n),
		Timeouts: choreography.Timeouts{
			Prepare:       3 * time.Second,
			ShareExchange: 5 * time.Second,
			Compute:       5 * time.Second,
			Attest:        5 * time.Second,
			Commit:        5 * time.Second,
		},
		Recovery:    recovery.Config{DisputeWindow: time.Millisecond},
		SyncTimeout: 5 * time.Second,
	}
	if configure != nil {
		configure(&cfg)
	}
	peer := cfg.Device.Peer()
	if cfg.Guardian {
		peer = interfaces.GuardianID(cfg.Device).Peer()
	}
	eff := effects.NewSimulated(n, c.hub, peer, nil)
	a, err := New(c.ctx, eff, cfg)
	require.NoError(c.t, err)

	ctx, stop := context.WithCancel(c.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	c.t.Cleanup(func() {
		stop()
		<-done
	})
	return &testNode{Agent: a, clock: eff.Time.(*effects.SimulatedTime)}
}

// genesis starts n devices and creates a threshold-of-n account among them.
func (c *cluster) genesis(n int, threshold uint16) []*testNode {
	c.t.Helper()
	nodes := make([]*testNode, n)
	var others []interfaces.DeviceID
	for i := range nodes {
		nodes[i] = c.start(uint64(i+1), nil)
		if i > 0 {
			others = append(others, nodes[i].Device())
		}
	}
	require.NoError(c.t, nodes[0].Genesis(c.ctx, others, threshold))
	c.settle(nodes, n)
	return nodes
}

// settle waits until every node holds a share and sees devices live devices
// on the same tree.
func (c *cluster) settle(nodes []*testNode, devices int) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		want := nodes[0].Status()
		for _, n := range nodes {
			st := n.Status()
			if !st.HoldsShare || len(st.Devices) != devices || st.TreeEpoch != want.TreeEpoch || st.KeyEpoch != want.KeyEpoch {
				return false
			}
		}
		return true
	}, 20*time.Second, 20*time.Millisecond)
}

func (c *cluster) guardians(n int, peers ...interfaces.PeerID) ([]*testNode, []Guardian) {
	c.t.Helper()
	var nodes []*testNode
	var gs []Guardian
	for i := range n {
		g := c.start(uint64(100+i), func(cfg *Config) {
			cfg.Guardian = true
			cfg.Name = fmt.Sprintf("guardian-%d", i)
			cfg.Peers = peers
		})
		nodes = append(nodes, g)
		gs = append(gs, Guardian{ID: interfaces.GuardianID(g.Device()), Name: g.cfg.Name, SigningKey: g.SigningKey(), ShareKey: g.ShareKey()})
	}
	return nodes, gs
}

func TestBootstrapAndSign(t *testing.T) {
	c := newCluster(t)
	d1 := c.start(1, nil)
	require.NoError(t, d1.Bootstrap(c.ctx))
	assert.ErrorIs(t, d1.Bootstrap(c.ctx), ErrAlreadyBootstrapped)

	st := d1.Status()
	assert.True(t, st.HoldsShare)
	assert.Equal(t, uint16(1), st.Threshold)
	assert.Equal(t, []interfaces.DeviceID{d1.Device()}, st.Devices)
	require.Len(t, st.GroupKey, 32)

	msg := []byte("single device message")
	sig, err := d1.Sign(c.ctx, msg)
	require.NoError(t, err)
	assert.True(t, frost.Verify(st.GroupKey, msg, sig.Signature))
	assert.False(t, frost.Verify(st.GroupKey, []byte("other"), sig.Signature))
}

func TestGenesisSignAndDerive(t *testing.T) {
	c := newCluster(t)
	nodes := c.genesis(3, 2)

	st := nodes[0].Status()
	assert.Equal(t, uint16(2), st.Threshold)
	assert.Equal(t, uint16(3), st.Holders)
	for _, n := range nodes[1:] {
		assert.Equal(t, st.GroupKey, n.Status().GroupKey)
	}

	msg := []byte("two of three")
	sig, err := nodes[1].Sign(c.ctx, msg)
	require.NoError(t, err)
	assert.True(t, frost.Verify(st.GroupKey, msg, sig.Signature))
	assert.GreaterOrEqual(t, len(sig.Signers), 2)

	id, err := nodes[0].Derive(c.ctx, "mail", []byte("alice@example.org"))
	require.NoError(t, err)
	assert.True(t, id.VerifyBinding(st.GroupKey))

	again, err := nodes[2].Derive(c.ctx, "mail", []byte("alice@example.org"))
	require.NoError(t, err)
	assert.Equal(t, id.IdentityKey, again.IdentityKey)

	other, err := nodes[0].Derive(c.ctx, "chat", []byte("alice@example.org"))
	require.NoError(t, err)
	assert.NotEqual(t, id.IdentityKey, other.IdentityKey)

	stored, err := nodes[0].DerivedIdentity(c.ctx, "mail", []byte("alice@example.org"))
	require.NoError(t, err)
	assert.Equal(t, id.IdentityKey, stored.IdentityKey)
	listed, err := nodes[0].ListDerived(c.ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	_, err = nodes[0].Derive(c.ctx, "", nil)
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

func TestRefreshKeepsGroupKey(t *testing.T) {
	c := newCluster(t)
	nodes := c.genesis(3, 2)
	groupKey := nodes[0].Status().GroupKey

	require.NoError(t, nodes[0].Refresh(c.ctx))
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			rec, ok := n.keys.Current()
			if !ok || rec.Epoch != 1 {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, groupKey, nodes[0].Status().GroupKey)

	msg := []byte("after refresh")
	sig, err := nodes[2].Sign(c.ctx, msg)
	require.NoError(t, err)
	assert.True(t, frost.Verify(groupKey, msg, sig.Signature))
}

func TestEnrollAndRemove(t *testing.T) {
	c := newCluster(t)
	d1 := c.start(1, nil)
	require.NoError(t, d1.Bootstrap(c.ctx))
	d2 := c.start(2, nil)
	d3 := c.start(3, nil)
	groupKey := d1.Status().GroupKey

	require.NoError(t, d1.Enroll(c.ctx, Enrollment{Device: d2.Device(), Name: "laptop", SigningKey: d2.SigningKey()}))
	c.settle([]*testNode{d1, d2}, 2)
	assert.Equal(t, uint16(2), d2.Status().Threshold)

	require.NoError(t, d2.Enroll(c.ctx, Enrollment{Device: d3.Device(), Name: "phone", SigningKey: d3.SigningKey(), Threshold: 2}))
	c.settle([]*testNode{d1, d2, d3}, 3)
	assert.Equal(t, groupKey, d3.Status().GroupKey)

	err := d1.Enroll(c.ctx, Enrollment{Device: d3.Device(), SigningKey: d3.SigningKey()})
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	msg := []byte("signed by a joined device")
	sig, err := d3.Sign(c.ctx, msg)
	require.NoError(t, err)
	assert.True(t, frost.Verify(groupKey, msg, sig.Signature))

	require.NoError(t, d1.Remove(c.ctx, d3.Device(), "lost"))
	c.settle([]*testNode{d1, d2}, 2)

	require.NoError(t, d3.SyncWith(c.ctx, d1.Peer()))
	st := d3.Status()
	assert.False(t, st.HoldsShare)
	assert.NotContains(t, st.Devices, d3.Device())
	_, err = d3.Sign(c.ctx, msg)
	assert.ErrorIs(t, err, ErrNoKey)

	sig, err = d2.Sign(c.ctx, msg)
	require.NoError(t, err)
	assert.True(t, frost.Verify(groupKey, msg, sig.Signature))

	assert.ErrorIs(t, d1.Remove(c.ctx, d1.Device(), "self"), interfaces.ErrInvalidArgument)
}

func TestSignSurvivesPartitionedHolder(t *testing.T) {
	c := newCluster(t)
	nodes := c.genesis(3, 2)
	groupKey := nodes[0].Status().GroupKey

	c.hub.Partition([]interfaces.PeerID{nodes[2].Peer()}, []interfaces.PeerID{nodes[0].Peer(), nodes[1].Peer()})
	msg := []byte("while partitioned")
	sig, err := nodes[0].Sign(c.ctx, msg)
	require.NoError(t, err)
	assert.True(t, frost.Verify(groupKey, msg, sig.Signature))

	// Refresh needs every holder.
	err = nodes[0].Refresh(c.ctx)
	require.Error(t, err)

	c.hub.Heal()
	require.NoError(t, nodes[2].SyncWith(c.ctx, nodes[0].Peer()))
	assert.Equal(t, nodes[0].Status().TreeEpoch, nodes[2].Status().TreeEpoch)
}

func TestFlowBudgetExhaustion(t *testing.T) {
	c := newCluster(t)
	d1 := c.start(1, func(cfg *Config) { cfg.FlowLimit = 4 })
	d2 := c.start(2, nil)

	err := d1.Genesis(c.ctx, []interfaces.DeviceID{d2.Device()}, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrExhausted)
	assert.Empty(t, d1.Status().GroupKey)
}

func TestGuardianRecovery(t *testing.T) {
	c := newCluster(t)
	d1 := c.start(1, nil)
	require.NoError(t, d1.Bootstrap(c.ctx))
	groupKey := d1.Status().GroupKey

	gnodes, gs := c.guardians(3, d1.Peer())
	require.NoError(t, d1.SetGuardians(c.ctx, gs, 2))

	policy, err := d1.RecoveryPolicy()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), policy.Generation)
	assert.Equal(t, uint16(2), policy.Threshold)
	assert.Len(t, policy.Guardians, 3)
	assert.Len(t, d1.Status().Guardians, 3)

	_, err = gnodes[0].Sign(c.ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrGuardianRole)

	// The device holding the key is lost; a new one restores the account.
	d9 := c.start(9, func(cfg *Config) { cfg.Peers = []interfaces.PeerID{d1.Peer()} })
	require.NoError(t, d9.SyncWith(c.ctx, d1.Peer()))
	req, err := d9.Recover(c.ctx)
	require.NoError(t, err)

	st, err := d9.RecoveryStatus(req.RequestID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(st.Approvals), 2)

	d9.clock.Advance(10)
	st, err = d9.RecoveryStatus(req.RequestID)
	require.NoError(t, err)
	require.Equal(t, recovery.StatusReady, st.Status)

	require.NoError(t, d9.CompleteRecovery(c.ctx, req.RequestID))
	status := d9.Status()
	assert.True(t, status.HoldsShare)
	assert.Equal(t, groupKey, status.GroupKey)
	assert.Equal(t, uint64(1), status.KeyEpoch)
	assert.Equal(t, []interfaces.DeviceID{d9.Device()}, status.Devices)

	msg := []byte("recovered")
	sig, err := d9.Sign(c.ctx, msg)
	require.NoError(t, err)
	assert.True(t, frost.Verify(groupKey, msg, sig.Signature))

	st, err = d9.RecoveryStatus(req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, recovery.StatusCompleted, st.Status)

	// The old device learns it was removed and erases its share.
	require.NoError(t, d1.SyncWith(c.ctx, d9.Peer()))
	assert.False(t, d1.Status().HoldsShare)
}

func TestRecoveryCancelledByLiveDevice(t *testing.T) {
	c := newCluster(t)
	d1 := c.start(1, nil)
	require.NoError(t, d1.Bootstrap(c.ctx))
	_, gs := c.guardians(2, d1.Peer())
	require.NoError(t, d1.SetGuardians(c.ctx, gs, 0))

	d9 := c.start(9, func(cfg *Config) { cfg.Peers = []interfaces.PeerID{d1.Peer()} })
	require.NoError(t, d9.SyncWith(c.ctx, d1.Peer()))
	req, err := d9.Recover(c.ctx)
	require.NoError(t, err)

	require.NoError(t, d1.SyncWith(c.ctx, d9.Peer()))
	require.NoError(t, d1.CancelRecovery(c.ctx, req.RequestID, "not me"))
	require.NoError(t, d9.SyncWith(c.ctx, d1.Peer()))

	st, err := d9.RecoveryStatus(req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, recovery.StatusCancelled, st.Status)

	d9.clock.Advance(10)
	err = d9.CompleteRecovery(c.ctx, req.RequestID)
	var notReady *recovery.NotReadyError
	assert.ErrorAs(t, err, &notReady)
	assert.False(t, d9.Status().HoldsShare)
	assert.True(t, d1.Status().HoldsShare)
}

func TestSetGuardiansValidation(t *testing.T) {
	c := newCluster(t)
	d1 := c.start(1, nil)

	_, gs := c.guardians(2)
	assert.ErrorIs(t, d1.SetGuardians(c.ctx, gs, 1), ErrNoKey)

	require.NoError(t, d1.Bootstrap(c.ctx))
	assert.ErrorIs(t, d1.SetGuardians(c.ctx, nil, 1), interfaces.ErrInvalidArgument)
	assert.ErrorIs(t, d1.SetGuardians(c.ctx, gs, 3), interfaces.ErrInvalidArgument)
	assert.ErrorIs(t, d1.SetGuardians(c.ctx, []Guardian{gs[0], gs[0]}, 1), interfaces.ErrInvalidArgument)

	require.NoError(t, d1.SetGuardians(c.ctx, gs, 2))
	// Replacing the set drops the unlisted guardian.
	require.NoError(t, d1.SetGuardians(c.ctx, gs[:1], 1))
	policy, err := d1.RecoveryPolicy()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), policy.Generation)
	assert.Equal(t, []interfaces.GuardianID{gs[0].ID}, policy.Guardians)
	assert.Equal(t, []interfaces.GuardianID{gs[0].ID}, d1.Status().Guardians)

	assert.ErrorIs(t, d1.SetGuardians(c.ctx, gs, 1), interfaces.ErrConflict)
}

func TestMessagingAndRendezvous(t *testing.T) {
	c := newCluster(t)
	d1 := c.start(1, nil)
	require.NoError(t, d1.Bootstrap(c.ctx))
	d2 := c.start(2, nil)
	require.NoError(t, d1.Enroll(c.ctx, Enrollment{Device: d2.Device(), Name: "laptop", SigningKey: d2.SigningKey()}))
	c.settle([]*testNode{d1, d2}, 2)

	ctxID := interfaces.ContextID{0x42}
	chID := interfaces.ChannelID{0x43}
	psk := []byte("pre-shared rendezvous key")

	require.NoError(t, d1.CreateChannel(c.ctx, ctxID, chID, psk, 0))
	published, err := d1.PublishDescriptor(c.ctx, ctxID, []amp.TransportHint{amp.TcpDirect("10.0.0.1:7000")}, psk, time.Hour)
	require.NoError(t, err)

	require.NoError(t, d2.SyncWith(c.ctx, d1.Peer()))
	require.NoError(t, d2.JoinChannel(ctxID, chID, psk))

	found, err := d2.LookupDescriptor(d1.Device().Authority(), ctxID, psk)
	require.NoError(t, err)
	assert.Equal(t, published.Hints, found.Hints)
	_, err = d2.LookupDescriptor(d1.Device().Authority(), ctxID, []byte("another key"))
	assert.ErrorIs(t, err, amp.ErrInvalidDescriptor)

	require.NoError(t, d1.SendMessage(c.ctx, d2.Peer(), ctxID, chID, []byte("hello")))
	select {
	case msg := <-d2.Messages():
		assert.Equal(t, []byte("hello"), msg.Body)
		assert.Equal(t, d1.Peer(), msg.From)
		assert.Equal(t, chID, msg.Channel)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	err = d1.SendMessage(c.ctx, d2.Peer(), ctxID, interfaces.ChannelID{0x99}, []byte("nowhere"))
	assert.ErrorIs(t, err, amp.ErrUnknownChannel)

	d2.LeaveChannel(ctxID, chID)
	_, ok := d2.Channels().Channel(ctxID, chID)
	assert.False(t, ok)
}

func TestBackupAndRestore(t *testing.T) {
	c := newCluster(t)
	archive, err := storage.NewFileArchive(t.TempDir(), nil)
	require.NoError(t, err)

	d1 := c.start(1, func(cfg *Config) { cfg.Archive = archive })
	require.NoError(t, d1.Bootstrap(c.ctx))
	id, err := d1.Backup(c.ctx)
	require.NoError(t, err)

	d5 := c.start(5, func(cfg *Config) { cfg.Archive = archive })
	require.NoError(t, d5.RestoreSnapshot(c.ctx, id))
	assert.Equal(t, d1.Status().GroupKey, d5.Status().GroupKey)
	assert.Equal(t, d1.Status().Devices, d5.Status().Devices)
	assert.False(t, d5.Status().HoldsShare)

	d6 := c.start(6, nil)
	_, err = d6.Backup(c.ctx)
	assert.ErrorIs(t, err, ErrNoArchive)
}

func TestAgentRestartKeepsShare(t *testing.T) {
	c := newCluster(t)
	eff := effects.NewSimulated(1, nil, "", nil)
	eff.Network = c.hub.Join(interfaces.DeviceIDFromUint(1).Peer())
	cfg := Config{Account: testAccount, Device: interfaces.DeviceIDFromUint(1)}

	a, err := New(c.ctx, eff, cfg)
	require.NoError(t, err)
	require.NoError(t, a.Bootstrap(c.ctx))
	signingKey := a.SigningKey()

	again, err := New(c.ctx, eff, cfg)
	require.NoError(t, err)
	assert.Equal(t, signingKey, again.SigningKey())
	assert.True(t, again.Status().HoldsShare)
	assert.Equal(t, a.Status().GroupKey, again.Status().GroupKey)
}

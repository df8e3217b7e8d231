package api

import (
	"context"
	"time"

	"github.com/ruteri/aura/agent"
	"github.com/ruteri/aura/amp"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
	"github.com/ruteri/aura/recovery"
	"github.com/stretchr/testify/mock"
)

// MockAgent is a testify mock of AgentService. Inbox backs Messages.
type MockAgent struct {
	mock.Mock
	Inbox chan agent.Message
}

var _ AgentService = (*MockAgent)(nil)

func (m *MockAgent) Status() agent.Status {
	return m.Called().Get(0).(agent.Status)
}

func (m *MockAgent) Bootstrap(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockAgent) Genesis(ctx context.Context, others []interfaces.DeviceID, threshold uint16) error {
	return m.Called(ctx, others, threshold).Error(0)
}

func (m *MockAgent) Enroll(ctx context.Context, e agent.Enrollment) error {
	return m.Called(ctx, e).Error(0)
}

func (m *MockAgent) Remove(ctx context.Context, device interfaces.DeviceID, reason string) error {
	return m.Called(ctx, device, reason).Error(0)
}

func (m *MockAgent) Refresh(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockAgent) Sign(ctx context.Context, message []byte) (journal.ThresholdSignature, error) {
	args := m.Called(ctx, message)
	return args.Get(0).(journal.ThresholdSignature), args.Error(1)
}

func (m *MockAgent) Derive(ctx context.Context, app string, dkdContext []byte) (*agent.DerivedIdentity, error) {
	args := m.Called(ctx, app, dkdContext)
	d, _ := args.Get(0).(*agent.DerivedIdentity)
	return d, args.Error(1)
}

func (m *MockAgent) ListDerived(ctx context.Context) ([]*agent.DerivedIdentity, error) {
	args := m.Called(ctx)
	all, _ := args.Get(0).([]*agent.DerivedIdentity)
	return all, args.Error(1)
}

func (m *MockAgent) SetGuardians(ctx context.Context, guardians []agent.Guardian, threshold uint16) error {
	return m.Called(ctx, guardians, threshold).Error(0)
}

func (m *MockAgent) RecoveryPolicy() (agent.RecoveryPolicy, error) {
	args := m.Called()
	return args.Get(0).(agent.RecoveryPolicy), args.Error(1)
}

func (m *MockAgent) Recover(ctx context.Context) (recovery.Request, error) {
	args := m.Called(ctx)
	return args.Get(0).(recovery.Request), args.Error(1)
}

func (m *MockAgent) RecoveryStatus(id cryptoutils.Hash) (recovery.State, error) {
	args := m.Called(id)
	return args.Get(0).(recovery.State), args.Error(1)
}

func (m *MockAgent) CompleteRecovery(ctx context.Context, id cryptoutils.Hash) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockAgent) DisputeRecovery(ctx context.Context, id cryptoutils.Hash, reason string, critical bool) error {
	return m.Called(ctx, id, reason, critical).Error(0)
}

func (m *MockAgent) ResolveRecovery(ctx context.Context, id cryptoutils.Hash, upheld bool) error {
	return m.Called(ctx, id, upheld).Error(0)
}

func (m *MockAgent) CancelRecovery(ctx context.Context, id cryptoutils.Hash, reason string) error {
	return m.Called(ctx, id, reason).Error(0)
}

func (m *MockAgent) SyncNow(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockAgent) SyncWith(ctx context.Context, peer interfaces.PeerID) error {
	return m.Called(ctx, peer).Error(0)
}

func (m *MockAgent) Backup(ctx context.Context) (interfaces.ContentID, error) {
	args := m.Called(ctx)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (m *MockAgent) RestoreSnapshot(ctx context.Context, id interfaces.ContentID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockAgent) CreateChannel(ctx context.Context, c interfaces.ContextID, ch interfaces.ChannelID, psk []byte, skipWindow uint32) error {
	return m.Called(ctx, c, ch, psk, skipWindow).Error(0)
}

func (m *MockAgent) JoinChannel(c interfaces.ContextID, ch interfaces.ChannelID, psk []byte) error {
	return m.Called(c, ch, psk).Error(0)
}

func (m *MockAgent) LeaveChannel(c interfaces.ContextID, ch interfaces.ChannelID) {
	m.Called(c, ch)
}

func (m *MockAgent) SendMessage(ctx context.Context, peer interfaces.PeerID, c interfaces.ContextID, ch interfaces.ChannelID, body []byte) error {
	return m.Called(ctx, peer, c, ch, body).Error(0)
}

func (m *MockAgent) Messages() <-chan agent.Message {
	return m.Inbox
}

func (m *MockAgent) PublishDescriptor(ctx context.Context, c interfaces.ContextID, hints []amp.TransportHint, psk []byte, ttl time.Duration) (amp.Descriptor, error) {
	args := m.Called(ctx, c, hints, psk, ttl)
	return args.Get(0).(amp.Descriptor), args.Error(1)
}

func (m *MockAgent) LookupDescriptor(authority interfaces.AuthorityID, c interfaces.ContextID, psk []byte) (amp.Descriptor, error) {
	args := m.Called(authority, c, psk)
	return args.Get(0).(amp.Descriptor), args.Error(1)
}

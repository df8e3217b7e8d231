package main

import (
	"bytes"
	"testing"

	"github.com/ruteri/aura/config"
	"github.com/ruteri/aura/effects"
	"github.com/ruteri/aura/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAgentConfigRoundTrips(t *testing.T) {
	cfg, err := newAgentConfig("", "laptop", "/tmp/aura-test", false, effects.NewSimulatedRandom(1))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeConfig(&buf, cfg))

	parsed, err := config.Parse(buf.String())
	require.NoError(t, err)
	assert.Equal(t, cfg.Agent, parsed.Agent)
	assert.Equal(t, "/tmp/aura-test/journal", parsed.Storage.LevelDB)
	assert.Equal(t, "file:///tmp/aura-test/keys", parsed.Storage.Secure)
	assert.Equal(t, cfg.Timeouts(), parsed.Timeouts())

	account, device, err := identity(parsed.Agent)
	require.NoError(t, err)
	assert.False(t, account.IsZero())
	assert.Equal(t, device.Peer(), peerID(parsed.Agent, device))
}

func TestNewAgentConfigJoinsAccount(t *testing.T) {
	account := interfaces.AccountID{1, 2, 3}
	a, err := newAgentConfig(account.String(), "", "/tmp/a", true, effects.NewSimulatedRandom(1))
	require.NoError(t, err)
	b, err := newAgentConfig(account.String(), "", "/tmp/b", true, effects.NewSimulatedRandom(2))
	require.NoError(t, err)

	assert.Equal(t, account.String(), a.Agent.AccountID)
	assert.Equal(t, a.Agent.AccountID, b.Agent.AccountID)
	assert.NotEqual(t, a.Agent.DeviceID, b.Agent.DeviceID)

	_, device, err := identity(a.Agent)
	require.NoError(t, err)
	assert.Equal(t, interfaces.GuardianID(device).Peer(), peerID(a.Agent, device))

	_, err = newAgentConfig("not-hex", "", "/tmp/c", false, effects.NewSimulatedRandom(3))
	require.Error(t, err)
}

func TestIdentityRequiresIDs(t *testing.T) {
	_, _, err := identity(config.AgentConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aura-agent init")
}

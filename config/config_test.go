package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Parse("")
	require.NoError(t, err)

	to := cfg.Timeouts()
	assert.Equal(t, 10*time.Second, to.Prepare)
	assert.Equal(t, 15*time.Second, to.ShareExchange)
	assert.Equal(t, 5*time.Second, to.Compute)
	assert.Equal(t, 15*time.Second, to.Attest)
	assert.Equal(t, 5*time.Second, to.Commit)

	s := cfg.SyncSettings()
	assert.Equal(t, 5, s.MaxConcurrentSyncs)
	assert.Equal(t, 60*time.Second, s.AutoSyncInterval)
	assert.Equal(t, uint64(128), s.BatchSize)

	r := cfg.RecoverySettings()
	assert.Equal(t, 24*time.Hour, r.Cooldown)
	assert.Equal(t, time.Hour, r.DisputeWindow)
}

func TestLoadOverridesDefaults(t *testing.T) {
	doc := `
[agent]
device_id = "00000000000000000000000000000001"
data_dir = "/tmp/aura"

[storage]
leveldb = "/tmp/aura/db"
secure = "file:///tmp/aura/keys"
archives = ["file:///tmp/aura/snapshots", "s3://bucket/aura/?region=eu-west-1"]

[network]
listen = "0.0.0.0:7400"
relay_url = "wss://relay.example.com/aura"

[network.peers]
00000000000000000000000000000002 = "10.0.0.2:7400"

[ceremony]
prepare = "2s"

[recovery]
cooldown = "1h"
`
	path := filepath.Join(t.TempDir(), "aura.toml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/aura", cfg.Agent.DataDir)
	assert.Len(t, cfg.Storage.Archives, 2)
	assert.Equal(t, "10.0.0.2:7400", cfg.Network.Peers["00000000000000000000000000000002"])
	assert.Equal(t, 2*time.Second, cfg.Timeouts().Prepare)
	assert.Equal(t, 15*time.Second, cfg.Timeouts().Attest)
	assert.Equal(t, time.Hour, cfg.RecoverySettings().Cooldown)
	assert.Equal(t, time.Hour, cfg.RecoverySettings().DisputeWindow)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"bad device id", "[agent]\ndevice_id = \"xyz\"", "agent.device_id"},
		{"bad secure scheme", "[storage]\nsecure = \"s3://bucket\"", "storage.secure"},
		{"bad archive scheme", "[storage]\narchives = [\"ftp://host/x\"]", "storage.archives[0]"},
		{"bad relay", "[network]\nrelay_url = \"http://relay\"", "network.relay_url"},
		{"partial tls", "[network]\ncert_file = \"peer.pem\"", "must be set together"},
		{"zero timeout", "[ceremony]\ncommit = \"0s\"", "ceremony.commit"},
		{"zero syncs", "[sync]\nmax_concurrent_syncs = 0", "sync.max_concurrent_syncs"},
		{"unknown key", "[agent]\ncolour = \"blue\"", "unknown keys"},
		{"bad duration", "[ceremony]\nprepare = \"soon\"", "config parse failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.doc)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

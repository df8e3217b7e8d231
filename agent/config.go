package agent

import (
	"time"

	"github.com/ruteri/aura/amp"
	"github.com/ruteri/aura/capability"
	"github.com/ruteri/aura/choreography"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/recovery"
)

// DefaultFlowLimit is the per (context, peer) budget when Config leaves it zero.
const DefaultFlowLimit = 4096

// Config configures an Agent. Account and Device are required.
type Config struct {
	Account interfaces.AccountID
	Device  interfaces.DeviceID
	Name    string

	// Guardian runs the agent as the guardian interfaces.GuardianID(Device):
	// it only answers recovery ceremonies and never holds a signing share.
	Guardian bool

	// Peers are synced with in addition to the account's members. A device
	// that has not joined yet, or a guardian, needs at least one.
	Peers []interfaces.PeerID

	FlowLimit   uint64
	Timeouts    choreography.Timeouts
	Recovery    recovery.Config
	Sync        amp.SyncConfig
	SyncTimeout time.Duration
	LocalChecks *capability.LocalChecks

	// ApproveRecovery decides a guardian's answer to a recovery request.
	// Nil approves every well-formed request.
	ApproveRecovery func(req recovery.Request) bool

	// Archive receives journal snapshots from Backup. Optional.
	Archive interfaces.ArchiveBackend

	Observer        choreography.Observer
	SyncObserver    amp.SyncObserver
	ChannelObserver amp.Observer
}

func (c Config) withDefaults() Config {
	if c.FlowLimit == 0 {
		c.FlowLimit = DefaultFlowLimit
	}
	if c.Sync.AutoSyncInterval == 0 {
		c.Sync = amp.DefaultSyncConfig()
	}
	if c.Recovery == (recovery.Config{}) {
		c.Recovery = recovery.DefaultConfig()
	}
	c.Timeouts = c.Timeouts.WithDefaults()
	return c
}

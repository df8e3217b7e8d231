// Package config loads the agent's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ruteri/aura/amp"
	"github.com/ruteri/aura/choreography"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/recovery"
)

// Duration is a time.Duration that decodes from strings such as "15s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Agent    AgentConfig    `toml:"agent"`
	Storage  StorageConfig  `toml:"storage"`
	Network  NetworkConfig  `toml:"network"`
	Ceremony CeremonyConfig `toml:"ceremony"`
	Sync     SyncConfig     `toml:"sync"`
	Recovery RecoveryConfig `toml:"recovery"`
	HTTP     HTTPConfig     `toml:"http"`
}

type AgentConfig struct {
	DeviceID  string `toml:"device_id"`
	AccountID string `toml:"account_id"`
	DataDir   string `toml:"data_dir"`
	Name      string `toml:"name"`
	FlowLimit uint64 `toml:"flow_limit"`

	// Guardian runs the agent as a guardian of the account.
	Guardian  bool     `toml:"guardian"`
	// SyncPeers are synced with besides the account members.
	SyncPeers []string `toml:"sync_peers"`
}

type StorageConfig struct {
	// LevelDB is a directory, or empty for an in-memory store.
	LevelDB  string   `toml:"leveldb"`
	Secure   string   `toml:"secure"`
	Archives []string `toml:"archives"`
}

type NetworkConfig struct {
	Listen   string            `toml:"listen"`
	Peers    map[string]string `toml:"peers"`
	RelayURL string            `toml:"relay_url"`
	// RelayDomain is looked up for _aura-relay._tcp SRV records when
	// RelayURL is empty.
	RelayDomain string `toml:"relay_domain"`
	DNSResolver string `toml:"dns_resolver"`

	// TLS for direct gRPC. The certificate names this agent's peer id and
	// is issued by CAFile; all three must be set together.
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	CAFile   string `toml:"ca_file"`
}

type CeremonyConfig struct {
	Prepare       Duration `toml:"prepare"`
	ShareExchange Duration `toml:"share_exchange"`
	Compute       Duration `toml:"compute"`
	Attest        Duration `toml:"attest"`
	Commit        Duration `toml:"commit"`
}

type SyncConfig struct {
	MaxConcurrentSyncs int      `toml:"max_concurrent_syncs"`
	AutoSyncInterval   Duration `toml:"auto_sync_interval"`
	BatchSize          uint64   `toml:"batch_size"`
}

type RecoveryConfig struct {
	Cooldown      Duration `toml:"cooldown"`
	DisputeWindow Duration `toml:"dispute_window"`
}

type HTTPConfig struct {
	Listen        string   `toml:"listen"`
	Metrics       string   `toml:"metrics"`
	DrainDuration Duration `toml:"drain"`
	EnablePprof   bool     `toml:"pprof"`
}

// Default returns the configuration used for every key the file omits.
func Default() Config {
	t := choreography.DefaultTimeouts()
	s := amp.DefaultSyncConfig()
	r := recovery.DefaultConfig()
	return Config{
		Agent:   AgentConfig{DataDir: "/var/lib/aura"},
		Storage: StorageConfig{Secure: "mem://"},
		Network: NetworkConfig{Listen: "127.0.0.1:7400"},
		Ceremony: CeremonyConfig{
			Prepare:       Duration{t.Prepare},
			ShareExchange: Duration{t.ShareExchange},
			Compute:       Duration{t.Compute},
			Attest:        Duration{t.Attest},
			Commit:        Duration{t.Commit},
		},
		Sync: SyncConfig{
			MaxConcurrentSyncs: s.MaxConcurrentSyncs,
			AutoSyncInterval:   Duration{s.AutoSyncInterval},
			BatchSize:          s.BatchSize,
		},
		Recovery: RecoveryConfig{
			Cooldown:      Duration{r.Cooldown},
			DisputeWindow: Duration{r.DisputeWindow},
		},
		HTTP: HTTPConfig{
			Listen:        "127.0.0.1:7480",
			Metrics:       "127.0.0.1:7490",
			DrainDuration: Duration{5 * time.Second},
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return Parse(string(data))
}

// Parse decodes a TOML document over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(data string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config has unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem it finds.
func (c Config) Validate() error {
	var errs []error
	if c.Agent.DeviceID != "" {
		if _, err := interfaces.NewDeviceIDFromHex(c.Agent.DeviceID); err != nil {
			errs = append(errs, fmt.Errorf("agent.device_id: %w", err))
		}
	}
	if c.Agent.AccountID != "" {
		if _, err := interfaces.NewAccountIDFromHex(c.Agent.AccountID); err != nil {
			errs = append(errs, fmt.Errorf("agent.account_id: %w", err))
		}
	}
	if c.Storage.Secure == "" {
		errs = append(errs, errors.New("storage.secure is required"))
	} else if err := validateURI("storage.secure", c.Storage.Secure, "file", "vault", "mem"); err != nil {
		errs = append(errs, err)
	}
	for i, a := range c.Storage.Archives {
		if err := validateURI(fmt.Sprintf("storage.archives[%d]", i), a, "file", "s3", "ipfs", "github"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Network.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Network.Listen); err != nil {
			errs = append(errs, fmt.Errorf("network.listen: %w", err))
		}
	}
	for id, addr := range c.Network.Peers {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("network.peers.%s: %w", id, err))
		}
	}
	if c.Network.RelayURL != "" {
		if err := validateURI("network.relay_url", c.Network.RelayURL, "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Network.DNSResolver != "" {
		if _, _, err := net.SplitHostPort(c.Network.DNSResolver); err != nil {
			errs = append(errs, fmt.Errorf("network.dns_resolver: %w", err))
		}
	}
	if tlsSet := c.Network.CertFile != "" || c.Network.KeyFile != "" || c.Network.CAFile != ""; tlsSet &&
		(c.Network.CertFile == "" || c.Network.KeyFile == "" || c.Network.CAFile == "") {
		errs = append(errs, errors.New("network.cert_file, network.key_file and network.ca_file must be set together"))
	}
	for name, d := range map[string]Duration{
		"ceremony.prepare":        c.Ceremony.Prepare,
		"ceremony.share_exchange": c.Ceremony.ShareExchange,
		"ceremony.compute":        c.Ceremony.Compute,
		"ceremony.attest":         c.Ceremony.Attest,
		"ceremony.commit":         c.Ceremony.Commit,
		"sync.auto_sync_interval": c.Sync.AutoSyncInterval,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Sync.MaxConcurrentSyncs <= 0 {
		errs = append(errs, errors.New("sync.max_concurrent_syncs must be positive"))
	}
	if c.Sync.BatchSize == 0 {
		errs = append(errs, errors.New("sync.batch_size must be positive"))
	}
	if c.Recovery.Cooldown.Duration < 0 || c.Recovery.DisputeWindow.Duration < 0 {
		errs = append(errs, errors.New("recovery durations must not be negative"))
	}
	return errors.Join(errs...)
}

func validateURI(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported scheme %q", field, u.Scheme)
}

// Timeouts returns the ceremony deadlines.
func (c Config) Timeouts() choreography.Timeouts {
	return choreography.Timeouts{
		Prepare:       c.Ceremony.Prepare.Duration,
		ShareExchange: c.Ceremony.ShareExchange.Duration,
		Compute:       c.Ceremony.Compute.Duration,
		Attest:        c.Ceremony.Attest.Duration,
		Commit:        c.Ceremony.Commit.Duration,
	}
}

func (c Config) SyncSettings() amp.SyncConfig {
	return amp.SyncConfig{
		MaxConcurrentSyncs: c.Sync.MaxConcurrentSyncs,
		AutoSyncInterval:   c.Sync.AutoSyncInterval.Duration,
		BatchSize:          c.Sync.BatchSize,
	}
}

func (c Config) RecoverySettings() recovery.Config {
	return recovery.Config{
		Cooldown:      c.Recovery.Cooldown.Duration,
		DisputeWindow: c.Recovery.DisputeWindow.Duration,
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/aura/agent"
	"github.com/ruteri/aura/api"
	"github.com/ruteri/aura/cmd/flags"
	"github.com/ruteri/aura/config"
	"github.com/ruteri/aura/effects"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/metrics"
	"github.com/ruteri/aura/storage"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "aura-agent",
		Usage: "Run a device or guardian agent of a threshold account",
		Flags: append([]cli.Flag{flags.ConfigFlag, flags.LogServiceFlagFn("aura-agent")}, flags.CommonFlags...),
		Commands: []*cli.Command{
			initCommand,
		},
		Action: runAgent,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runAgent(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	cfg, err := config.Load(cCtx.String(flags.ConfigFlag.Name))
	if err != nil {
		return err
	}
	account, device, err := identity(cfg.Agent)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eff, closeEffects, err := openEffects(ctx, cfg, device, logger)
	if err != nil {
		return err
	}
	defer closeEffects()

	var archive interfaces.ArchiveBackend
	if len(cfg.Storage.Archives) > 0 {
		archive, err = storage.NewBackendFactory(logger).MultiArchiveFor(cfg.Storage.Archives)
		if err != nil {
			return fmt.Errorf("failed to open archives: %w", err)
		}
	}

	syncPeers := make([]interfaces.PeerID, len(cfg.Agent.SyncPeers))
	for i, p := range cfg.Agent.SyncPeers {
		syncPeers[i] = interfaces.PeerID(p)
	}

	recorder := metrics.NewRecorder()
	a, err := agent.New(ctx, eff, agent.Config{
		Account:         account,
		Device:          device,
		Name:            cfg.Agent.Name,
		Guardian:        cfg.Agent.Guardian,
		Peers:           syncPeers,
		FlowLimit:       cfg.Agent.FlowLimit,
		Timeouts:        cfg.Timeouts(),
		Recovery:        cfg.RecoverySettings(),
		Sync:            cfg.SyncSettings(),
		Archive:         archive,
		Observer:        recorder,
		SyncObserver:    recorder,
		ChannelObserver: recorder,
	})
	if err != nil {
		logger.Error("Failed to start agent", "err", err)
		return err
	}

	server, err := api.NewServer(flags.ConfigureServer(cCtx, logger, cfg.HTTP), api.NewHandler(a, logger))
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.RunInBackground()

	logger.Info("Agent is running",
		slog.String("account", account.String()),
		slog.String("device", device.String()),
		slog.String("peer", string(a.Peer())),
		slog.Bool("guardian", cfg.Agent.Guardian))

	runErr := a.Run(ctx)
	logger.Info("Shutdown signal received")
	server.Shutdown()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("Agent stopped with error", "err", runErr)
		return runErr
	}
	logger.Info("Agent shutdown complete")
	return nil
}

func identity(cfg config.AgentConfig) (interfaces.AccountID, interfaces.DeviceID, error) {
	if cfg.AccountID == "" || cfg.DeviceID == "" {
		return interfaces.AccountID{}, interfaces.DeviceID{}, errors.New("agent.account_id and agent.device_id are required; run 'aura-agent init' to generate them")
	}
	account, err := interfaces.NewAccountIDFromHex(cfg.AccountID)
	if err != nil {
		return account, interfaces.DeviceID{}, err
	}
	device, err := interfaces.NewDeviceIDFromHex(cfg.DeviceID)
	return account, device, err
}

func peerID(cfg config.AgentConfig, device interfaces.DeviceID) interfaces.PeerID {
	if cfg.Guardian {
		return interfaces.GuardianID(device).Peer()
	}
	return device.Peer()
}

// openEffects opens the device's storage, secure store and transport. The
// returned func closes them.
func openEffects(ctx context.Context, cfg config.Config, device interfaces.DeviceID, logger *slog.Logger) (*effects.Effects, func(), error) {
	factory := storage.NewBackendFactory(logger)

	var store *storage.LevelDBStorage
	var err error
	if cfg.Storage.LevelDB == "" {
		logger.Warn("No leveldb directory configured; the journal is kept in memory")
		store = storage.NewMemStorage(logger)
	} else {
		store, err = storage.NewLevelDBStorage(cfg.Storage.LevelDB, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open journal store: %w", err)
		}
	}
	secure, err := factory.SecureStoreFor(cfg.Storage.Secure)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to open secure store: %w", err)
	}
	network, err := openNetwork(ctx, cfg.Network, peerID(cfg.Agent, device), logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	eff := &effects.Effects{
		Storage: store,
		Secure:  secure,
		Network: network,
		Time:    effects.NewSystemTime(),
		Random:  effects.SystemRandom{},
		Log:     logger,
	}
	closeAll := func() {
		if err := network.Close(); err != nil {
			logger.Warn("Failed to close transport", "err", err)
		}
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close journal store", "err", err)
		}
	}
	return eff, closeAll, nil
}

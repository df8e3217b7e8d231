package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ruteri/aura/config"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/transport"
)

type closableNetwork interface {
	interfaces.Network
	io.Closer
}

// openNetwork picks the transport: the configured relay URL, else a relay
// found through SRV records of the relay domain, else direct gRPC between
// the configured peers.
func openNetwork(ctx context.Context, cfg config.NetworkConfig, self interfaces.PeerID, logger *slog.Logger) (closableNetwork, error) {
	relayURL := cfg.RelayURL
	if relayURL == "" && cfg.RelayDomain != "" {
		targets, err := transport.ResolveRelaySRV(ctx, cfg.RelayDomain, cfg.DNSResolver)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve relay for %s: %w", cfg.RelayDomain, err)
		}
		relayURL = transport.RelayURL(targets[0])
		logger.Info("Relay resolved", slog.String("domain", cfg.RelayDomain), slog.String("url", relayURL))
	}
	if relayURL != "" {
		n, err := transport.DialRelay(ctx, relayURL, self, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to relay %s: %w", relayURL, err)
		}
		return n, nil
	}

	peers := make(map[interfaces.PeerID]string, len(cfg.Peers))
	for id, addr := range cfg.Peers {
		peers[interfaces.PeerID(id)] = addr
	}
	var certs *transport.PeerCertificates
	if cfg.CertFile != "" {
		var err error
		if certs, err = transport.LoadPeerCertificates(cfg.CertFile, cfg.KeyFile, cfg.CAFile, logger); err != nil {
			return nil, err
		}
	}
	n, err := transport.ListenGRPC(transport.GRPCConfig{
		Self:   self,
		Listen: cfg.Listen,
		Peers:  peers,
		TLS:    certs,
	}, logger)
	if err != nil {
		return nil, err
	}
	return n, nil
}

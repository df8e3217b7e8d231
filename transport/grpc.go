package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/effects"
	"github.com/ruteri/aura/interfaces"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultMaxMsgBytes bounds a single frame in either direction.
const DefaultMaxMsgBytes = 4 << 20

type GRPCConfig struct {
	Self   interfaces.PeerID
	Listen string
	// Peers maps peer ids to their listen addresses.
	Peers map[interfaces.PeerID]string

	// SendTimeout applies per frame when non-zero.
	SendTimeout time.Duration
	MaxMsgBytes int

	// TLS enables mutual TLS and binds the sender header to the client
	// certificate. Plaintext when nil.
	TLS *PeerCertificates
}

// GRPCNetwork is the Network effect for peers that can dial each other
// directly. Every frame is one unary Deliver call.
type GRPCNetwork struct {
	*effects.Mailbox
	UnimplementedPeerServer

	cfg    GRPCConfig
	server *grpc.Server
	lis    net.Listener
	log    *slog.Logger

	mu    sync.Mutex
	peers map[interfaces.PeerID]string
	conns map[interfaces.PeerID]*grpc.ClientConn
	seen  map[interfaces.PeerID]bool
}

var _ interfaces.Network = (*GRPCNetwork)(nil)

// ListenGRPC binds cfg.Listen and starts serving in the background.
func ListenGRPC(cfg GRPCConfig, log *slog.Logger) (*GRPCNetwork, error) {
	if cfg.Self == "" {
		return nil, fmt.Errorf("%w: empty self peer id", interfaces.ErrInvalidArgument)
	}
	if cfg.MaxMsgBytes <= 0 {
		cfg.MaxMsgBytes = DefaultMaxMsgBytes
	}
	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}

	n := &GRPCNetwork{
		Mailbox: effects.NewMailbox(),
		cfg:     cfg,
		lis:     lis,
		log:     common.OrDiscard(log).With(slog.String("transport", "grpc")),
		peers:   map[interfaces.PeerID]string{},
		conns:   map[interfaces.PeerID]*grpc.ClientConn{},
		seen:    map[interfaces.PeerID]bool{},
	}
	maps.Copy(n.peers, cfg.Peers)

	opts := []grpc.ServerOption{grpc.MaxRecvMsgSize(cfg.MaxMsgBytes), grpc.MaxSendMsgSize(cfg.MaxMsgBytes)}
	if cfg.TLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(cfg.TLS.ServerConfig())))
	}
	n.server = grpc.NewServer(opts...)
	RegisterPeerServer(n.server, n)
	go func() {
		if err := n.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			n.log.Error("grpc server stopped", "err", err)
		}
	}()
	n.log.Info("peer transport listening", slog.String("addr", lis.Addr().String()), slog.Bool("tls", cfg.TLS != nil))
	return n, nil
}

// Addr is the bound listen address.
func (n *GRPCNetwork) Addr() string { return n.lis.Addr().String() }

// AddPeer registers or replaces the address of peer.
func (n *GRPCNetwork) AddPeer(peer interfaces.PeerID, addr string) {
	n.mu.Lock()
	old, had := n.conns[peer]
	n.peers[peer] = addr
	delete(n.conns, peer)
	n.mu.Unlock()

	if had {
		_ = old.Close()
	}
	n.Emit(interfaces.PeerEvent{Peer: peer, Kind: interfaces.PeerConnected})
}

// RemovePeer forgets peer and closes its connection.
func (n *GRPCNetwork) RemovePeer(peer interfaces.PeerID) {
	n.mu.Lock()
	conn, had := n.conns[peer]
	_, known := n.peers[peer]
	delete(n.peers, peer)
	delete(n.conns, peer)
	n.mu.Unlock()

	if had {
		_ = conn.Close()
	}
	if known {
		n.Emit(interfaces.PeerEvent{Peer: peer, Kind: interfaces.PeerDisconnected})
	}
}

// Deliver implements PeerServer.
func (n *GRPCNetwork) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	from := md.Get(peerHeader)
	if len(from) != 1 || from[0] == "" {
		return nil, status.Error(codes.InvalidArgument, "missing sender peer id")
	}
	peer := interfaces.PeerID(from[0])
	if n.cfg.TLS != nil {
		if err := n.cfg.TLS.authenticate(ctx, peer); err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
	}

	n.mu.Lock()
	first := !n.seen[peer]
	n.seen[peer] = true
	n.mu.Unlock()
	if first {
		n.Emit(interfaces.PeerEvent{Peer: peer, Kind: interfaces.PeerConnected})
	}

	n.Mailbox.Deliver(peer, in.GetValue())
	return wrapperspb.Bool(true), nil
}

func (n *GRPCNetwork) conn(peer interfaces.PeerID) (*grpc.ClientConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.conns[peer]; ok {
		return c, nil
	}
	addr, ok := n.peers[peer]
	if !ok {
		return nil, &interfaces.SendFailedError{Peer: peer, Reason: "no address for peer"}
	}
	creds := insecure.NewCredentials()
	if n.cfg.TLS != nil {
		creds = credentials.NewTLS(n.cfg.TLS.ClientConfig(peer))
	}
	c, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(n.cfg.MaxMsgBytes),
			grpc.MaxCallSendMsgSize(n.cfg.MaxMsgBytes),
		),
	)
	if err != nil {
		return nil, &interfaces.SendFailedError{Peer: peer, Reason: err.Error()}
	}
	n.conns[peer] = c
	return c, nil
}

func (n *GRPCNetwork) SendToPeer(ctx context.Context, peer interfaces.PeerID, data []byte) error {
	c, err := n.conn(peer)
	if err != nil {
		return err
	}
	if n.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.SendTimeout)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx, peerHeader, string(n.cfg.Self))

	if _, err := NewPeerClient(c).Deliver(ctx, wrapperspb.Bytes(data)); err != nil {
		n.log.Debug("frame delivery failed", slog.String("peer", string(peer)), "err", err)
		return &interfaces.SendFailedError{Peer: peer, Reason: status.Convert(err).Message()}
	}
	return nil
}

// Broadcast sends to every known peer in parallel and returns the first
// failure, if any.
func (n *GRPCNetwork) Broadcast(ctx context.Context, data []byte) error {
	var g errgroup.Group
	for _, peer := range n.knownPeers() {
		g.Go(func() error { return n.SendToPeer(ctx, peer, data) })
	}
	return g.Wait()
}

func (n *GRPCNetwork) knownPeers() []interfaces.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Sorted(maps.Keys(n.peers))
}

// ConnectedPeers lists known peers whose connection is not failing.
func (n *GRPCNetwork) ConnectedPeers() []interfaces.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]interfaces.PeerID, 0, len(n.peers))
	for peer := range n.peers {
		if c, ok := n.conns[peer]; ok {
			switch c.GetState() {
			case connectivity.TransientFailure, connectivity.Shutdown:
				continue
			}
		}
		out = append(out, peer)
	}
	slices.Sort(out)
	return out
}

// Close stops the server and closes every client connection.
func (n *GRPCNetwork) Close() error {
	n.server.GracefulStop()
	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []error
	for peer, c := range n.conns {
		errs = append(errs, c.Close())
		delete(n.conns, peer)
	}
	return errors.Join(errs...)
}

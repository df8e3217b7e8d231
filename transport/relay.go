package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/gorilla/websocket"
	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/effects"
	"github.com/ruteri/aura/interfaces"
)

const (
	relayHello uint8 = iota
	relayData
	relayJoined
	relayLeft
)

// relayFrame is one binary WebSocket message. For data sent to the relay
// Peer is the destination, empty for broadcast; for data from the relay it
// is the origin.
type relayFrame struct {
	Kind uint8
	Peer string
	Data []byte
}

func decodeRelayFrame(b []byte) (relayFrame, error) {
	var f relayFrame
	err := rlp.DecodeBytes(b, &f)
	return f, err
}

type relayConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *relayConn) write(f relayFrame) error {
	b, err := rlp.EncodeToBytes(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

// RelayServer forwards frames between peers connected over WebSocket. It
// sees only opaque frames; end-to-end protection is the caller's job.
type RelayServer struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.Mutex
	clients map[interfaces.PeerID]*relayConn
}

func NewRelayServer(log *slog.Logger) *RelayServer {
	return &RelayServer{
		log:     common.OrDiscard(log).With(slog.String("component", "relay")),
		clients: map[interfaces.PeerID]*relayConn{},
	}
}

func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer ws.Close()

	_, msg, err := ws.ReadMessage()
	if err != nil {
		return
	}
	hello, err := decodeRelayFrame(msg)
	if err != nil || hello.Kind != relayHello || hello.Peer == "" {
		s.log.Warn("relay client did not say hello", slog.String("remote", r.RemoteAddr))
		return
	}
	self := interfaces.PeerID(hello.Peer)
	conn := &relayConn{ws: ws}

	s.mu.Lock()
	if old, ok := s.clients[self]; ok {
		_ = old.ws.Close()
	}
	others := make(map[interfaces.PeerID]*relayConn, len(s.clients))
	maps.Copy(others, s.clients)
	delete(others, self)
	s.clients[self] = conn
	s.mu.Unlock()

	for peer, other := range others {
		_ = conn.write(relayFrame{Kind: relayJoined, Peer: string(peer)})
		_ = other.write(relayFrame{Kind: relayJoined, Peer: string(self)})
	}
	s.log.Debug("relay peer joined", slog.String("peer", string(self)))

	defer s.leave(self, conn)
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := decodeRelayFrame(msg)
		if err != nil || f.Kind != relayData {
			s.log.Debug("dropping malformed relay frame", slog.String("peer", string(self)))
			continue
		}
		s.forward(self, f)
	}
}

func (s *RelayServer) forward(from interfaces.PeerID, f relayFrame) {
	out := relayFrame{Kind: relayData, Peer: string(from), Data: f.Data}

	s.mu.Lock()
	var targets []*relayConn
	if f.Peer == "" {
		for peer, c := range s.clients {
			if peer != from {
				targets = append(targets, c)
			}
		}
	} else if c, ok := s.clients[interfaces.PeerID(f.Peer)]; ok {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	if len(targets) == 0 && f.Peer != "" {
		s.log.Debug("relay target not connected", slog.String("from", string(from)), slog.String("to", f.Peer))
	}
	for _, c := range targets {
		if err := c.write(out); err != nil {
			s.log.Debug("relay write failed", "err", err)
		}
	}
}

func (s *RelayServer) leave(peer interfaces.PeerID, conn *relayConn) {
	s.mu.Lock()
	if s.clients[peer] != conn {
		s.mu.Unlock()
		return
	}
	delete(s.clients, peer)
	others := slices.Collect(maps.Values(s.clients))
	s.mu.Unlock()

	for _, c := range others {
		_ = c.write(relayFrame{Kind: relayLeft, Peer: string(peer)})
	}
	s.log.Debug("relay peer left", slog.String("peer", string(peer)))
}

// RelayNetwork is the Network effect over a RelayServer.
type RelayNetwork struct {
	*effects.Mailbox

	self interfaces.PeerID
	conn *relayConn
	log  *slog.Logger
	done chan struct{}

	mu    sync.Mutex
	peers map[interfaces.PeerID]bool
}

var _ interfaces.Network = (*RelayNetwork)(nil)

// DialRelay connects to the relay at url (ws:// or wss://) as self.
func DialRelay(ctx context.Context, url string, self interfaces.PeerID, log *slog.Logger) (*RelayNetwork, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}
	n := &RelayNetwork{
		Mailbox: effects.NewMailbox(),
		self:    self,
		conn:    &relayConn{ws: ws},
		log:     common.OrDiscard(log).With(slog.String("transport", "relay")),
		done:    make(chan struct{}),
		peers:   map[interfaces.PeerID]bool{},
	}
	if err := n.conn.write(relayFrame{Kind: relayHello, Peer: string(self)}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("failed to greet relay: %w", err)
	}
	go n.readLoop()
	return n, nil
}

func (n *RelayNetwork) readLoop() {
	defer close(n.done)
	for {
		_, msg, err := n.conn.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				n.log.Debug("relay connection closed", "err", err)
			}
			n.dropAll()
			return
		}
		f, err := decodeRelayFrame(msg)
		if err != nil {
			continue
		}
		peer := interfaces.PeerID(f.Peer)
		switch f.Kind {
		case relayData:
			n.Deliver(peer, f.Data)
		case relayJoined:
			n.mu.Lock()
			n.peers[peer] = true
			n.mu.Unlock()
			n.Emit(interfaces.PeerEvent{Peer: peer, Kind: interfaces.PeerConnected})
		case relayLeft:
			n.mu.Lock()
			delete(n.peers, peer)
			n.mu.Unlock()
			n.Emit(interfaces.PeerEvent{Peer: peer, Kind: interfaces.PeerDisconnected})
		}
	}
}

func (n *RelayNetwork) dropAll() {
	n.mu.Lock()
	peers := slices.Collect(maps.Keys(n.peers))
	clear(n.peers)
	n.mu.Unlock()
	for _, p := range peers {
		n.Emit(interfaces.PeerEvent{Peer: p, Kind: interfaces.PeerDisconnected})
	}
}

var errRelayClosed = errors.New("relay connection closed")

func (n *RelayNetwork) send(ctx context.Context, f relayFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-n.done:
		return errRelayClosed
	default:
	}
	return n.conn.write(f)
}

func (n *RelayNetwork) SendToPeer(ctx context.Context, peer interfaces.PeerID, data []byte) error {
	if err := n.send(ctx, relayFrame{Kind: relayData, Peer: string(peer), Data: data}); err != nil {
		return &interfaces.SendFailedError{Peer: peer, Reason: err.Error()}
	}
	return nil
}

func (n *RelayNetwork) Broadcast(ctx context.Context, data []byte) error {
	if err := n.send(ctx, relayFrame{Kind: relayData, Data: data}); err != nil {
		return &interfaces.SendFailedError{Reason: err.Error()}
	}
	return nil
}

func (n *RelayNetwork) ConnectedPeers() []interfaces.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Sorted(maps.Keys(n.peers))
}

// Close says goodbye to the relay and waits for the read loop to exit.
func (n *RelayNetwork) Close() error {
	n.conn.mu.Lock()
	_ = n.conn.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	n.conn.mu.Unlock()
	err := n.conn.ws.Close()
	<-n.done
	return err
}

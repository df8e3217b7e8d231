package effects

import (
	"context"
	"slices"
	"sync"

	"github.com/ruteri/aura/interfaces"
)

// Hub connects in-process HubNetworks. It delivers frames in send order per
// sender and can partition peers to simulate network splits.
type Hub struct {
	mu     sync.RWMutex
	nodes  map[interfaces.PeerID]*HubNetwork
	broken map[[2]interfaces.PeerID]bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		nodes:  map[interfaces.PeerID]*HubNetwork{},
		broken: map[[2]interfaces.PeerID]bool{},
	}
}

func linkKey(a, b interfaces.PeerID) [2]interfaces.PeerID {
	if b < a {
		a, b = b, a
	}
	return [2]interfaces.PeerID{a, b}
}

// Join attaches a new peer and announces it to the others.
func (h *Hub) Join(peer interfaces.PeerID) *HubNetwork {
	n := &HubNetwork{Mailbox: NewMailbox(), hub: h, self: peer}

	h.mu.Lock()
	others := make([]*HubNetwork, 0, len(h.nodes))
	for _, o := range h.nodes {
		others = append(others, o)
	}
	h.nodes[peer] = n
	h.mu.Unlock()

	for _, o := range others {
		o.Emit(interfaces.PeerEvent{Peer: peer, Kind: interfaces.PeerConnected})
		n.Emit(interfaces.PeerEvent{Peer: o.self, Kind: interfaces.PeerConnected})
	}
	return n
}

// Leave detaches peer.
func (h *Hub) Leave(peer interfaces.PeerID) {
	h.mu.Lock()
	delete(h.nodes, peer)
	others := make([]*HubNetwork, 0, len(h.nodes))
	for _, o := range h.nodes {
		others = append(others, o)
	}
	h.mu.Unlock()

	for _, o := range others {
		o.Emit(interfaces.PeerEvent{Peer: peer, Kind: interfaces.PeerDisconnected})
	}
}

// Partition cuts every link between the two groups.
func (h *Hub) Partition(left, right []interfaces.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range left {
		for _, b := range right {
			h.broken[linkKey(a, b)] = true
		}
	}
}

// Heal restores every link.
func (h *Hub) Heal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.broken)
}

func (h *Hub) route(from, to interfaces.PeerID) (*HubNetwork, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.broken[linkKey(from, to)] {
		return nil, false
	}
	n, ok := h.nodes[to]
	return n, ok
}

func (h *Hub) reachable(from interfaces.PeerID) []*HubNetwork {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*HubNetwork
	for id, n := range h.nodes {
		if id != from && !h.broken[linkKey(from, id)] {
			out = append(out, n)
		}
	}
	return out
}

// HubNetwork is one peer's Network effect on a Hub.
type HubNetwork struct {
	*Mailbox
	hub  *Hub
	self interfaces.PeerID
}

var _ interfaces.Network = (*HubNetwork)(nil)

// Self is this peer's id.
func (n *HubNetwork) Self() interfaces.PeerID { return n.self }

func (n *HubNetwork) SendToPeer(ctx context.Context, peer interfaces.PeerID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, ok := n.hub.route(n.self, peer)
	if !ok {
		return &interfaces.SendFailedError{Peer: peer, Reason: "peer unreachable"}
	}
	dst.Deliver(n.self, slices.Clone(data))
	return nil
}

func (n *HubNetwork) Broadcast(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, dst := range n.hub.reachable(n.self) {
		dst.Deliver(n.self, slices.Clone(data))
	}
	return nil
}

func (n *HubNetwork) ConnectedPeers() []interfaces.PeerID {
	var out []interfaces.PeerID
	for _, o := range n.hub.reachable(n.self) {
		out = append(out, o.self)
	}
	slices.Sort(out)
	return out
}

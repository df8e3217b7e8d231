package choreography

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/interfaces"
)

const (
	// maxQueuedPerSession bounds frames buffered for a session nobody reads.
	maxQueuedPerSession = 512

	inviteBuffer = 64
)

type mailboxKey struct {
	session interfaces.SessionID
	phase   Phase
}

type sessionBox struct {
	queued    int
	cancelled string
	signal    chan struct{}
}

// Runtime demultiplexes inbound ceremony frames into mailboxes keyed by
// (session, phase). Prepare messages for sessions this device has not opened
// are surfaced as invitations.
type Runtime struct {
	self    interfaces.DeviceID
	network interfaces.Network
	guard   *GuardChain
	log     *slog.Logger

	mu       sync.Mutex
	boxes    map[mailboxKey][]*Envelope
	sessions map[interfaces.SessionID]*sessionBox
	open     map[interfaces.SessionID]bool
	invites  chan *Envelope
	fallback func(ctx context.Context, peer interfaces.PeerID, data []byte)
}

// NewRuntime creates a runtime reading from network.
func NewRuntime(self interfaces.DeviceID, network interfaces.Network, guard *GuardChain, log *slog.Logger) *Runtime {
	return &Runtime{
		self:     self,
		network:  network,
		guard:    guard,
		log:      common.OrDiscard(log),
		boxes:    map[mailboxKey][]*Envelope{},
		sessions: map[interfaces.SessionID]*sessionBox{},
		open:     map[interfaces.SessionID]bool{},
		invites:  make(chan *Envelope, inviteBuffer),
	}
}

// SetFallback routes non-ceremony frames read by Run to fn.
func (r *Runtime) SetFallback(fn func(ctx context.Context, peer interfaces.PeerID, data []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

// Invitations streams prepare messages for sessions not opened locally.
func (r *Runtime) Invitations() <-chan *Envelope {
	return r.invites
}

// Run reads the network until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	for {
		peer, data, err := r.network.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("ceremony receive failed", "err", err)
			continue
		}
		if !IsFrame(data) {
			r.mu.Lock()
			fb := r.fallback
			r.mu.Unlock()
			if fb != nil {
				fb(ctx, peer, data)
			}
			continue
		}
		if err := r.Deliver(peer, data); err != nil {
			r.log.Warn("ceremony frame rejected", slog.String("peer", string(peer)), "err", err)
		}
	}
}

func (r *Runtime) box(id interfaces.SessionID) *sessionBox {
	b, ok := r.sessions[id]
	if !ok {
		b = &sessionBox{signal: make(chan struct{})}
		r.sessions[id] = b
	}
	return b
}

func (b *sessionBox) wake() {
	close(b.signal)
	b.signal = make(chan struct{})
}

// Deliver validates one frame received from peer and queues it.
func (r *Runtime) Deliver(peer interfaces.PeerID, data []byte) error {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return err
	}

	if env.Name == MsgCancel {
		if env.From.Peer() != peer && interfaces.GuardianID(env.From).Peer() != peer {
			return fmt.Errorf("%w: %s claims to be %s", interfaces.ErrPermissionDenied, peer, env.From)
		}
		r.markCancelled(env.Session, fmt.Sprintf("cancelled by %s", env.From))
		return nil
	}

	proto, ok := Builtin(env.Kind)
	if !ok {
		return fmt.Errorf("%w: unknown ceremony kind %q", interfaces.ErrInvalidArgument, env.Kind)
	}
	spec, ok := proto.Message(env.Name)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownMessage, env.Kind, env.Name)
	}
	if spec.Phase != env.Phase {
		return fmt.Errorf("%w: %s sent in %s, expected %s", interfaces.ErrInvalidArgument, env.Name, env.Phase, spec.Phase)
	}
	if sender := (Member{ID: env.From, Role: spec.From}); sender.Peer() != peer {
		return fmt.Errorf("%w: %s claims to be %s", interfaces.ErrPermissionDenied, peer, env.From)
	}
	if env.To != r.self {
		return fmt.Errorf("%w: frame addressed to %s", interfaces.ErrInvalidArgument, env.To)
	}
	if err := r.guard.Admit(spec, env); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if env.Name == MsgPrepare && !r.open[env.Session] {
		select {
		case r.invites <- env:
		default:
			return fmt.Errorf("%w: invitation queue full", interfaces.ErrExhausted)
		}
		return nil
	}
	b := r.box(env.Session)
	if b.queued >= maxQueuedPerSession {
		return fmt.Errorf("%w: session %s mailbox full", interfaces.ErrExhausted, env.Session)
	}
	key := mailboxKey{session: env.Session, phase: env.Phase}
	r.boxes[key] = append(r.boxes[key], env)
	b.queued++
	b.wake()
	return nil
}

func (r *Runtime) markCancelled(id interfaces.SessionID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.box(id)
	if b.cancelled == "" {
		b.cancelled = reason
		b.wake()
	}
	r.log.Info("ceremony cancelled", slog.String("session_id", id.String()), slog.String("reason", reason))
}

// Open marks a session as locally driven, so its prepare messages are
// delivered to the mailbox instead of the invitation stream.
func (r *Runtime) Open(id interfaces.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[id] = true
	r.box(id)
}

// Forget drops all state held for a session.
func (r *Runtime) Forget(id interfaces.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, id)
	delete(r.sessions, id)
	for k := range r.boxes {
		if k.session == id {
			delete(r.boxes, k)
		}
	}
}

// Cancelled returns the cancellation reason of a session, or "".
func (r *Runtime) Cancelled(id interfaces.SessionID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.sessions[id]; ok {
		return b.cancelled
	}
	return ""
}

// Recv blocks until a queued envelope of (session, phase) satisfies match.
// A cancelled session returns ErrSessionCancelled.
func (r *Runtime) Recv(ctx context.Context, id interfaces.SessionID, phase Phase, match func(*Envelope) bool) (*Envelope, error) {
	key := mailboxKey{session: id, phase: phase}
	for {
		r.mu.Lock()
		b := r.box(id)
		if b.cancelled != "" {
			reason := b.cancelled
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrSessionCancelled, reason)
		}
		for i, env := range r.boxes[key] {
			if match(env) {
				r.boxes[key] = append(r.boxes[key][:i:i], r.boxes[key][i+1:]...)
				b.queued--
				r.mu.Unlock()
				return env, nil
			}
		}
		signal := b.signal
		r.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// IsCancelled reports whether err came from a cancelled session.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrSessionCancelled)
}

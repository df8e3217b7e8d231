package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ruteri/aura/amp"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
)

// messageFrameTag prefixes AMP envelopes on the wire so the router can tell
// them from ceremony and sync frames.
const messageFrameTag byte = 0xB7

const inboxSize = 256

// Message is a decrypted AMP message received by this device.
type Message struct {
	From       interfaces.PeerID
	Context    interfaces.ContextID
	Channel    interfaces.ChannelID
	Epoch      uint64
	Generation uint64
	Body       []byte
}

type channelRef struct {
	context interfaces.ContextID
	channel interfaces.ChannelID
}

// channelRoot derives a channel's root secret from the pre-shared key the
// peers agreed on at rendezvous.
func channelRoot(psk []byte, c interfaces.ContextID, ch interfaces.ChannelID) ([]byte, error) {
	return cryptoutils.DeriveKey(psk, slices.Concat(c[:], ch[:]), "aura.amp.root", 32)
}

// CreateChannel opens a channel rooted in psk and records its policy and
// first checkpoint in the journal. skipWindow zero uses the default.
func (a *Agent) CreateChannel(ctx context.Context, c interfaces.ContextID, ch interfaces.ChannelID, psk []byte, skipWindow uint32) error {
	root, err := channelRoot(psk, c, ch)
	if err != nil {
		return err
	}
	defer cryptoutils.Wipe(root)
	if _, err := a.channels.Create(ctx, c, ch, skipWindow, root); err != nil {
		return err
	}
	a.trackChannel(c, ch)
	return nil
}

// JoinChannel registers a channel another member created with the same psk.
func (a *Agent) JoinChannel(c interfaces.ContextID, ch interfaces.ChannelID, psk []byte) error {
	root, err := channelRoot(psk, c, ch)
	if err != nil {
		return err
	}
	defer cryptoutils.Wipe(root)
	a.channels.Join(c, ch, root)
	a.trackChannel(c, ch)
	return nil
}

// LeaveChannel forgets a channel's root secret.
func (a *Agent) LeaveChannel(c interfaces.ContextID, ch interfaces.ChannelID) {
	a.channels.Leave(c, ch)
	a.chanMu.Lock()
	delete(a.joined, channelRef{c, ch})
	a.chanMu.Unlock()
}

func (a *Agent) trackChannel(c interfaces.ContextID, ch interfaces.ChannelID) {
	a.chanMu.Lock()
	a.joined[channelRef{c, ch}] = true
	a.chanMu.Unlock()
}

// SendMessage seals body on a joined channel and sends it to peer.
func (a *Agent) SendMessage(ctx context.Context, peer interfaces.PeerID, c interfaces.ContextID, ch interfaces.ChannelID, body []byte) error {
	channel, ok := a.channels.Channel(c, ch)
	if !ok {
		return fmt.Errorf("%w: %s/%s", amp.ErrUnknownChannel, c, ch)
	}
	sealed, err := channel.Seal(ctx, body)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(sealed)+1)
	frame = append(frame, messageFrameTag)
	frame = append(frame, sealed...)
	return a.eff.Network.SendToPeer(ctx, peer, frame)
}

// Messages delivers received messages. Messages arriving while the inbox is
// full are dropped.
func (a *Agent) Messages() <-chan Message { return a.inbox }

func (a *Agent) receiveMessage(ctx context.Context, peer interfaces.PeerID, data []byte) {
	h, body, err := a.channels.Open(ctx, data)
	if err != nil {
		a.log.Warn("dropping amp message",
			slog.String("peer", string(peer)),
			slog.String("channel", h.Channel.String()),
			"err", err)
		return
	}
	msg := Message{From: peer, Context: h.Context, Channel: h.Channel, Epoch: h.Epoch, Generation: h.Generation, Body: body}
	select {
	case a.inbox <- msg:
	default:
		a.log.Warn("inbox full; dropping amp message", slog.String("peer", string(peer)))
	}
}

// bumpChannels proposes an epoch bump on every joined channel, so messages
// after a membership change use keys the departed members never saw.
func (a *Agent) bumpChannels(ctx context.Context, reason amp.BumpReason) {
	a.chanMu.Lock()
	refs := make([]channelRef, 0, len(a.joined))
	for ref := range a.joined {
		refs = append(refs, ref)
	}
	a.chanMu.Unlock()

	for _, ref := range refs {
		channel, ok := a.channels.Channel(ref.context, ref.channel)
		if !ok {
			continue
		}
		if _, err := channel.ProposeBump(ctx, reason); err != nil {
			a.log.Warn("failed to propose channel epoch bump",
				slog.String("channel", ref.channel.String()),
				slog.String("reason", reason.String()),
				"err", err)
		}
	}
}

// PublishDescriptor announces how peers in context c reach this device,
// committing to the psk its channels there are rooted in.
func (a *Agent) PublishDescriptor(ctx context.Context, c interfaces.ContextID, hints []amp.TransportHint, psk []byte, ttl time.Duration) (amp.Descriptor, error) {
	now := a.eff.Time.NowMs()
	d := amp.Descriptor{
		Authority:     a.authority(),
		Context:       c,
		Hints:         hints,
		PSKCommitment: amp.PSKCommitment(psk),
		ValidFrom:     now,
		ValidUntil:    now + uint64(ttl.Milliseconds()),
		Nonce:         a.eff.Random.RandomU64(),
	}
	return a.directory.Publish(ctx, d, a.keys.identity().signing)
}

// LookupDescriptor finds the descriptor of authority in c and checks it
// commits to psk.
func (a *Agent) LookupDescriptor(authority interfaces.AuthorityID, c interfaces.ContextID, psk []byte) (amp.Descriptor, error) {
	d, err := a.directory.Lookup(authority, c)
	if err != nil {
		return amp.Descriptor{}, err
	}
	if d.PSKCommitment != amp.PSKCommitment(psk) {
		return amp.Descriptor{}, fmt.Errorf("%w: descriptor commits to another key", amp.ErrInvalidDescriptor)
	}
	return d, nil
}

func (a *Agent) authority() interfaces.AuthorityID {
	if a.cfg.Guardian {
		return interfaces.GuardianID(a.self).Authority()
	}
	return a.self.Authority()
}

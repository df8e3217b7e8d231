package amp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/effects"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

// Observer is notified of every sealed and opened message.
type Observer interface {
	MessageProcessed(direction, outcome string)
}

type nopObserver struct{}

func (nopObserver) MessageProcessed(string, string) {}

type channelKey struct {
	context interfaces.ContextID
	channel interfaces.ChannelID
}

// Manager holds the channels of one device. Channel state lives in the
// journal; the manager only keeps root secrets and the replay window.
type Manager struct {
	journal  *effects.JournalEffect
	replay   *ReplayWindow
	observer Observer
	log      *slog.Logger

	mu       sync.RWMutex
	channels map[channelKey]*Channel
}

// NewManager creates a manager over je. The journal registry must have the
// amp fact types registered.
func NewManager(je *effects.JournalEffect, observer Observer, log *slog.Logger) *Manager {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Manager{
		journal:  je,
		replay:   NewReplayWindow(),
		observer: observer,
		log:      common.OrDiscard(log),
		channels: map[channelKey]*Channel{},
	}
}

// Create opens a new channel: it records the channel policy and a checkpoint
// at generation 0, then registers the channel.
func (m *Manager) Create(ctx context.Context, c interfaces.ContextID, ch interfaces.ChannelID, skipWindow uint32, root []byte) (*Channel, error) {
	if skipWindow == 0 {
		skipWindow = DefaultSkipWindow
	}
	err := m.journal.Update(ctx, func(j *journal.Journal) error {
		if _, err := RecordPolicy(j, c, ChannelPolicy{Channel: ch, SkipWindow: skipWindow}, m.journal.Author()); err != nil {
			return err
		}
		_, err := RecordCheckpoint(j, c, NewCheckpoint(c, ch, 0, 0, 0), m.journal.Author())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	m.log.Info("amp channel created", slog.String("context", c.String()), slog.String("channel", ch.String()))
	return m.Join(c, ch, root), nil
}

// Join registers a channel another device created. Its facts arrive through
// anti-entropy.
func (m *Manager) Join(c interfaces.ContextID, ch interfaces.ChannelID, root []byte) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := channelKey{c, ch}
	if existing, ok := m.channels[key]; ok {
		return existing
	}
	channel := &Channel{context: c, id: ch, root: append([]byte(nil), root...), m: m}
	m.channels[key] = channel
	return channel
}

// Leave forgets a channel's root secret.
func (m *Manager) Leave(c interfaces.ContextID, ch interfaces.ChannelID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if channel, ok := m.channels[channelKey{c, ch}]; ok {
		cryptoutils.Wipe(channel.root)
		delete(m.channels, channelKey{c, ch})
	}
}

// Channel returns a registered channel.
func (m *Manager) Channel(c interfaces.ContextID, ch interfaces.ChannelID) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[channelKey{c, ch}]
	return channel, ok
}

// Open routes an envelope to its channel and decrypts it.
func (m *Manager) Open(ctx context.Context, data []byte) (Header, []byte, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		m.observer.MessageProcessed("recv", "malformed")
		return Header{}, nil, err
	}
	channel, ok := m.Channel(env.Header.Context, env.Header.Channel)
	if !ok {
		m.observer.MessageProcessed("recv", "unknown_channel")
		return env.Header, nil, fmt.Errorf("%w: %s/%s", ErrUnknownChannel, env.Header.Context, env.Header.Channel)
	}
	pt, err := channel.open(ctx, env)
	return env.Header, pt, err
}

// Channel is one (context, channel) pair on this device.
type Channel struct {
	context interfaces.ContextID
	id      interfaces.ChannelID
	root    []byte
	m       *Manager
}

func (c *Channel) Context() interfaces.ContextID { return c.context }
func (c *Channel) ID() interfaces.ChannelID       { return c.id }

// State reduces the channel state from the current journal.
func (c *Channel) State() (ChannelEpochState, error) {
	var s ChannelEpochState
	err := c.m.journal.View(func(j *journal.Journal) (err error) {
		s, err = Reduce(j, c.context, c.id)
		return err
	})
	return s, err
}

// Seal encrypts plaintext as the next message on the channel. The generation
// advance, and the bump commit when sending into a pending epoch, are
// recorded atomically with producing the envelope. When the next generation
// reaches half the window a new checkpoint is recorded so sending never
// leaves the window.
func (c *Channel) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	author := c.m.journal.Author()
	var out []byte
	err := c.m.journal.Update(ctx, func(j *journal.Journal) error {
		s, err := Reduce(j, c.context, c.id)
		if err != nil {
			return err
		}
		h, next, err := AdvanceSend(s)
		if err != nil {
			return err
		}
		secret, err := EpochSecret(c.root, c.context, c.id, h.Epoch)
		if err != nil {
			return err
		}
		env, err := Seal(h, secret, plaintext)
		if err != nil {
			return err
		}

		if s.Pending != nil {
			if _, err := RecordCommittedBump(j, c.context, committedFrom(c.id, s.Pending), author); err != nil {
				return err
			}
		}
		if _, err := RecordGeneration(j, c.context, GenerationAdvance{Channel: c.id, Epoch: h.Epoch, NextGen: next}, author); err != nil {
			return err
		}
		if next-s.LastCheckpointGen >= uint64(s.SkipWindow) {
			base := next - uint64(s.SkipWindow/2)
			if _, err := RecordCheckpoint(j, c.context, NewCheckpoint(c.context, c.id, h.Epoch, base, 0), author); err != nil {
				return err
			}
		}
		out = env.Encode()
		return nil
	})
	if err != nil {
		c.m.observer.MessageProcessed("send", outcomeOf(err))
		return nil, err
	}
	c.m.observer.MessageProcessed("send", "ok")
	return out, nil
}

func (c *Channel) open(ctx context.Context, env *Envelope) ([]byte, error) {
	pt, err := c.openEnvelope(ctx, env)
	if err != nil {
		c.m.observer.MessageProcessed("recv", outcomeOf(err))
		c.m.log.Debug("amp message rejected",
			slog.String("channel", c.id.String()),
			slog.Uint64("epoch", env.Header.Epoch),
			slog.Uint64("generation", env.Header.Generation),
			"err", err)
		return nil, err
	}
	c.m.observer.MessageProcessed("recv", "ok")
	return pt, nil
}

func (c *Channel) openEnvelope(ctx context.Context, env *Envelope) ([]byte, error) {
	s, err := c.State()
	if err != nil {
		return nil, err
	}
	if err := AdvanceRecv(s, env.Header); err != nil {
		return nil, err
	}
	if c.m.replay.Seen(env.Header) {
		return nil, ErrReplay
	}
	secret, err := EpochSecret(c.root, c.context, c.id, env.Header.Epoch)
	if err != nil {
		return nil, err
	}
	pt, err := Open(env, secret)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindPermissionDenied, "amp open", err)
	}
	lo, _ := s.Window()
	if err := c.m.replay.Accept(env.Header, s.ChanEpoch, lo); err != nil {
		return nil, err
	}

	// The first message at the pending epoch confirms the bump.
	if s.Pending != nil && env.Header.Epoch == s.Pending.NewEpoch {
		err := c.m.journal.Update(ctx, func(j *journal.Journal) error {
			_, err := RecordCommittedBump(j, c.context, committedFrom(c.id, s.Pending), c.m.journal.Author())
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to commit epoch bump: %w", err)
		}
		c.m.log.Info("amp epoch bump committed",
			slog.String("channel", c.id.String()),
			slog.Uint64("epoch", s.Pending.NewEpoch),
			slog.String("reason", s.Pending.Reason.String()))
	}
	return pt, nil
}

// ProposeBump records a proposal to move the channel to the next epoch.
func (c *Channel) ProposeBump(ctx context.Context, reason BumpReason) (ProposedBump, error) {
	author := c.m.journal.Author()
	var b ProposedBump
	err := c.m.journal.Update(ctx, func(j *journal.Journal) error {
		s, err := Reduce(j, c.context, c.id)
		if err != nil {
			return err
		}
		b = ProposedBump{
			Channel:     c.id,
			ParentEpoch: s.ChanEpoch,
			NewEpoch:    s.ChanEpoch + 1,
			BumpID: cryptoutils.DomainSum("aura.amp.bump", c.context[:], c.id[:],
				cryptoutils.Uint64LE(s.ChanEpoch), []byte{byte(reason)}, author[:],
				cryptoutils.Uint64LE(j.Account.Lamport)),
			Reason: reason,
		}
		_, err = RecordProposedBump(j, c.context, b, author)
		return err
	})
	return b, err
}

// Checkpoint anchors the window at the current generation.
func (c *Channel) Checkpoint(ctx context.Context) (Checkpoint, error) {
	var cp Checkpoint
	err := c.m.journal.Update(ctx, func(j *journal.Journal) error {
		s, err := Reduce(j, c.context, c.id)
		if err != nil {
			return err
		}
		cp = NewCheckpoint(c.context, c.id, s.ChanEpoch, s.CurrentGen, 0)
		_, err = RecordCheckpoint(j, c.context, cp, c.m.journal.Author())
		return err
	})
	return cp, err
}

// SetSkipWindow replaces the channel policy.
func (c *Channel) SetSkipWindow(ctx context.Context, w uint32) error {
	if w == 0 {
		return fmt.Errorf("%w: skip window must be positive", interfaces.ErrInvalidArgument)
	}
	return c.m.journal.Update(ctx, func(j *journal.Journal) error {
		_, err := RecordPolicy(j, c.context, ChannelPolicy{Channel: c.id, SkipWindow: w}, c.m.journal.Author())
		return err
	})
}

func committedFrom(ch interfaces.ChannelID, p *PendingBump) CommittedBump {
	return CommittedBump{Channel: ch, ParentEpoch: p.ParentEpoch, NewEpoch: p.NewEpoch, ChosenBumpID: p.BumpID}
}

func outcomeOf(err error) string {
	var window *GenerationOutOfWindowError
	var epoch *EpochMismatchError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrReplay):
		return "replay"
	case errors.As(err, &window):
		return "out_of_window"
	case errors.As(err, &epoch):
		return "epoch_mismatch"
	case errors.Is(err, cryptoutils.ErrDecryption):
		return "auth_failed"
	default:
		return "error"
	}
}

package amp

import (
	"fmt"
	"sync"

	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
)

// EpochSecret derives the secret of one channel epoch from the channel root
// secret. Bumping the epoch changes every message key.
func EpochSecret(root []byte, c interfaces.ContextID, ch interfaces.ChannelID, epoch uint64) ([]byte, error) {
	salt := make([]byte, 0, len(c)+len(ch))
	salt = append(append(salt, c[:]...), ch[:]...)
	return cryptoutils.DeriveKey(root, salt, fmt.Sprintf("aura.amp.epoch.%d", epoch), cryptoutils.KeySize)
}

// SendEpoch is the epoch new messages are sent at: the pending epoch when a
// bump is in flight, else the current one.
func (s ChannelEpochState) SendEpoch() uint64 {
	if s.Pending != nil {
		return s.Pending.NewEpoch
	}
	return s.ChanEpoch
}

// AdvanceSend returns the header for the next message and the generation
// after it. It does not change s; the caller records the returned
// generation as a fact.
func AdvanceSend(s ChannelEpochState) (Header, uint64, error) {
	if !s.InWindow(s.CurrentGen) {
		lo, hi := s.Window()
		return Header{}, 0, &GenerationOutOfWindowError{Generation: s.CurrentGen, Min: lo, Max: hi}
	}
	h := Header{
		Context:    s.Context,
		Channel:    s.Channel,
		Epoch:      s.SendEpoch(),
		Generation: s.CurrentGen,
	}
	return h, s.CurrentGen + 1, nil
}

// AdvanceRecv checks an inbound header against s: the epoch must be the
// current or pending one and the generation must lie in the window.
func AdvanceRecv(s ChannelEpochState, h Header) error {
	if h.Context != s.Context || h.Channel != s.Channel {
		return fmt.Errorf("%w: header for %s/%s", ErrUnknownChannel, h.Context, h.Channel)
	}
	if h.Epoch != s.ChanEpoch && (s.Pending == nil || h.Epoch != s.Pending.NewEpoch) {
		e := &EpochMismatchError{Epoch: h.Epoch, Current: s.ChanEpoch}
		if s.Pending != nil {
			e.HasPending, e.Pending = true, s.Pending.NewEpoch
		}
		return e
	}
	if !s.InWindow(h.Generation) {
		lo, hi := s.Window()
		return &GenerationOutOfWindowError{Generation: h.Generation, Min: lo, Max: hi}
	}
	return nil
}

type replayKey struct {
	context interfaces.ContextID
	channel interfaces.ChannelID
	epoch   uint64
}

// ReplayWindow remembers accepted (epoch, generation) pairs per channel for
// the lifetime of the process. Generations below the window are forgotten
// since AdvanceRecv already rejects them.
type ReplayWindow struct {
	mu   sync.Mutex
	seen map[replayKey]map[uint64]struct{}
}

func NewReplayWindow() *ReplayWindow {
	return &ReplayWindow{seen: map[replayKey]map[uint64]struct{}{}}
}

// Seen reports whether h was already accepted.
func (w *ReplayWindow) Seen(h Header) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.seen[replayKey{h.Context, h.Channel, h.Epoch}][h.Generation]
	return ok
}

// Accept records h. It returns ErrReplay if h was accepted before. Entries
// below minGen and epochs below minEpoch are pruned.
func (w *ReplayWindow) Accept(h Header, minEpoch, minGen uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := replayKey{h.Context, h.Channel, h.Epoch}
	gens, ok := w.seen[key]
	if !ok {
		gens = map[uint64]struct{}{}
		w.seen[key] = gens
	}
	if _, dup := gens[h.Generation]; dup {
		return ErrReplay
	}
	gens[h.Generation] = struct{}{}

	for k, g := range w.seen {
		if k.context != h.Context || k.channel != h.Channel {
			continue
		}
		if k.epoch < minEpoch {
			delete(w.seen, k)
			continue
		}
		for gen := range g {
			if gen < minGen {
				delete(g, gen)
			}
		}
	}
	return nil
}

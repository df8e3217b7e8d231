package effects

import (
	"fmt"
	"log/slog"

	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/storage"
)

// Effects is the capability bundle handed to every component that performs
// I/O. Components receive it at construction and never reach around it.
type Effects struct {
	Storage interfaces.Storage
	Secure  interfaces.SecureStorage
	Network interfaces.Network
	Time    interfaces.Time
	Random  interfaces.Random
	Log     *slog.Logger
}

// Validate reports the first missing handle.
func (e *Effects) Validate() error {
	switch {
	case e.Storage == nil:
		return fmt.Errorf("%w: storage effect missing", interfaces.ErrInvalidArgument)
	case e.Secure == nil:
		return fmt.Errorf("%w: secure storage effect missing", interfaces.ErrInvalidArgument)
	case e.Network == nil:
		return fmt.Errorf("%w: network effect missing", interfaces.ErrInvalidArgument)
	case e.Time == nil:
		return fmt.Errorf("%w: time effect missing", interfaces.ErrInvalidArgument)
	case e.Random == nil:
		return fmt.Errorf("%w: random effect missing", interfaces.ErrInvalidArgument)
	}
	return nil
}

// Logger returns the configured logger or a discarding one.
func (e *Effects) Logger() *slog.Logger {
	return common.OrDiscard(e.Log)
}

// WithNetwork returns a copy using n as the network effect.
func (e Effects) WithNetwork(n interfaces.Network) *Effects {
	e.Network = n
	return &e
}

// NewSimulated builds effects for one simulated device: in-memory storage,
// in-memory secure storage, a manual clock and a seeded RNG. The network is
// attached by joining a Hub.
func NewSimulated(seed uint64, hub *Hub, peer interfaces.PeerID, log *slog.Logger) *Effects {
	e := &Effects{
		Storage: storage.NewMemStorage(log),
		Secure:  storage.NewMemSecureStore(),
		Time:    NewSimulatedTime(0),
		Random:  NewSimulatedRandom(seed),
		Log:     common.OrDiscard(log),
	}
	if hub != nil {
		e.Network = hub.Join(peer)
	}
	return e
}

package effects

import (
	"context"
	"slices"
	"sync"

	"github.com/ruteri/aura/interfaces"
)

type frame struct {
	from interfaces.PeerID
	data []byte
}

// Mailbox is the inbound half of a Network effect: a queue of frames that
// Receive takes in arrival order and ReceiveFrom filters by sender, plus the
// peer event subscriptions.
type Mailbox struct {
	mu     sync.Mutex
	queue  []frame
	signal chan struct{}
	subs   []chan interfaces.PeerEvent
}

func NewMailbox() *Mailbox {
	return &Mailbox{signal: make(chan struct{})}
}

// Deliver queues data from peer and wakes every waiter.
func (m *Mailbox) Deliver(from interfaces.PeerID, data []byte) {
	m.mu.Lock()
	m.queue = append(m.queue, frame{from: from, data: data})
	close(m.signal)
	m.signal = make(chan struct{})
	m.mu.Unlock()
}

// Emit fans ev out to subscribers, dropping it for any that are full.
func (m *Mailbox) Emit(ev interfaces.PeerEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		select {
		case s <- ev:
		default:
		}
	}
}

// take removes the first queued frame matching match, or returns the signal
// channel to wait on.
func (m *Mailbox) take(match func(frame) bool) (frame, bool, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, f := range m.queue {
		if match(f) {
			m.queue = slices.Delete(m.queue, i, i+1)
			return f, true, nil
		}
	}
	return frame{}, false, m.signal
}

func (m *Mailbox) wait(ctx context.Context, match func(frame) bool) (frame, error) {
	for {
		f, ok, signal := m.take(match)
		if ok {
			return f, nil
		}
		select {
		case <-signal:
		case <-ctx.Done():
			return frame{}, ctx.Err()
		}
	}
}

func (m *Mailbox) Receive(ctx context.Context) (interfaces.PeerID, []byte, error) {
	f, err := m.wait(ctx, func(frame) bool { return true })
	if err != nil {
		return "", nil, err
	}
	return f.from, f.data, nil
}

func (m *Mailbox) ReceiveFrom(ctx context.Context, peer interfaces.PeerID) ([]byte, error) {
	f, err := m.wait(ctx, func(f frame) bool { return f.from == peer })
	if err != nil {
		return nil, err
	}
	return f.data, nil
}

// SubscribePeerEvents streams connectivity changes until ctx is done. Events
// are dropped if the subscriber falls behind by more than 16.
func (m *Mailbox) SubscribePeerEvents(ctx context.Context) <-chan interfaces.PeerEvent {
	ch := make(chan interfaces.PeerEvent, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.subs = slices.DeleteFunc(m.subs, func(c chan interfaces.PeerEvent) bool { return c == ch })
		m.mu.Unlock()
		close(ch)
	}()
	return ch
}

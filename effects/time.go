package effects

import (
	"context"
	"sync"
	"time"

	"github.com/ruteri/aura/interfaces"
)

// SystemTime reads the process clock. NowMs is monotonic: it is measured from
// a fixed start instant and offset by the wall clock at that instant.
type SystemTime struct {
	start     time.Time
	startUnix uint64
}

// NewSystemTime returns the production clock.
func NewSystemTime() *SystemTime {
	now := time.Now()
	return &SystemTime{start: now, startUnix: uint64(now.UnixMilli())}
}

func (t *SystemTime) NowMs() uint64 {
	return t.startUnix + uint64(time.Since(t.start).Milliseconds())
}

func (t *SystemTime) PhysicalTime() interfaces.PhysicalTime {
	return interfaces.PhysicalTime{UnixMs: uint64(time.Now().UnixMilli())}
}

func (t *SystemTime) Sleep(ctx context.Context, ms uint64) error {
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SimulatedTime is a manual clock. Sleep blocks until Advance moves the clock
// past the wake-up time or ctx is done.
type SimulatedTime struct {
	mu      sync.Mutex
	now     uint64
	waiters []simWaiter
}

type simWaiter struct {
	at   uint64
	wake chan struct{}
}

// NewSimulatedTime starts the clock at startMs.
func NewSimulatedTime(startMs uint64) *SimulatedTime {
	return &SimulatedTime{now: startMs}
}

func (t *SimulatedTime) NowMs() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now
}

func (t *SimulatedTime) PhysicalTime() interfaces.PhysicalTime {
	return interfaces.PhysicalTime{UnixMs: t.NowMs()}
}

// Advance moves the clock forward by ms and wakes due sleepers.
func (t *SimulatedTime) Advance(ms uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now += ms
	kept := t.waiters[:0]
	for _, w := range t.waiters {
		if w.at <= t.now {
			close(w.wake)
			continue
		}
		kept = append(kept, w)
	}
	t.waiters = kept
}

func (t *SimulatedTime) Sleep(ctx context.Context, ms uint64) error {
	if ms == 0 {
		return ctx.Err()
	}
	t.mu.Lock()
	w := simWaiter{at: t.now + ms, wake: make(chan struct{})}
	t.waiters = append(t.waiters, w)
	t.mu.Unlock()

	select {
	case <-w.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

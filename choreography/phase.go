package choreography

import (
	"fmt"
	"slices"
	"time"
)

// Phase is a ceremony session state.
type Phase uint8

const (
	PhaseInitialized Phase = iota
	PhasePrepare
	PhaseShareExchange
	PhaseCompute
	PhaseAttest
	PhaseCommitted
	PhaseAborted
)

var phaseNames = [...]string{
	PhaseInitialized:   "initialized",
	PhasePrepare:       "prepare",
	PhaseShareExchange: "share_exchange",
	PhaseCompute:       "compute",
	PhaseAttest:        "attest",
	PhaseCommitted:     "committed",
	PhaseAborted:       "aborted",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", p)
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseAborted
}

// Recoverable reports whether a session checkpointed in p is retried after a
// restart. Sessions that never reached Compute are discarded.
func (p Phase) Recoverable() bool {
	return p >= PhaseCompute && !p.Terminal()
}

// ShareExchange may loop onto itself when a participant is excluded and the
// exchange re-runs with the remaining set.
var transitions = map[Phase][]Phase{
	PhaseInitialized:   {PhasePrepare, PhaseAborted},
	PhasePrepare:       {PhaseShareExchange, PhaseAborted},
	PhaseShareExchange: {PhaseShareExchange, PhaseCompute, PhaseAborted},
	PhaseCompute:       {PhaseAttest, PhaseAborted},
	PhaseAttest:        {PhaseCommitted, PhaseAborted},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Phase) bool {
	return slices.Contains(transitions[from], to)
}

// Timeouts are the per-phase deadlines. Commit bounds the journal write and
// commit notification after Attest.
type Timeouts struct {
	Prepare       time.Duration
	ShareExchange time.Duration
	Compute       time.Duration
	Attest        time.Duration
	Commit        time.Duration
}

// DefaultTimeouts returns prepare 10s, share exchange 15s, compute 5s,
// attest 15s and commit 5s.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Prepare:       10 * time.Second,
		ShareExchange: 15 * time.Second,
		Compute:       5 * time.Second,
		Attest:        15 * time.Second,
		Commit:        5 * time.Second,
	}
}

// For returns the deadline of phase p. Committed maps to the commit timeout.
func (t Timeouts) For(p Phase) time.Duration {
	switch p {
	case PhasePrepare:
		return t.Prepare
	case PhaseShareExchange:
		return t.ShareExchange
	case PhaseCompute:
		return t.Compute
	case PhaseAttest:
		return t.Attest
	case PhaseCommitted:
		return t.Commit
	default:
		return 0
	}
}

// WithDefaults fills zero fields from DefaultTimeouts.
func (t Timeouts) WithDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Prepare == 0 {
		t.Prepare = d.Prepare
	}
	if t.ShareExchange == 0 {
		t.ShareExchange = d.ShareExchange
	}
	if t.Compute == 0 {
		t.Compute = d.Compute
	}
	if t.Attest == 0 {
		t.Attest = d.Attest
	}
	if t.Commit == 0 {
		t.Commit = d.Commit
	}
	return t
}

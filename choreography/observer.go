package choreography

import "time"

// Observer receives ceremony telemetry. Implementations must not block.
type Observer interface {
	CeremonyFinished(kind Kind, outcome string)
	PhaseCompleted(kind Kind, phase Phase, d time.Duration)
	MessageGuarded(kind Kind, outcome string)
}

// Guard outcomes reported to MessageGuarded.
const (
	GuardSent      = "sent"
	GuardDenied    = "denied"
	GuardExhausted = "exhausted"
	GuardFailed    = "failed"
)

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) CeremonyFinished(Kind, string)             {}
func (NopObserver) PhaseCompleted(Kind, Phase, time.Duration) {}
func (NopObserver) MessageGuarded(Kind, string)               {}

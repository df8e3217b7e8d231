package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/aura/choreography"
)

var (
	registerOnce sync.Once

	ceremonies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aura",
			Name:      "ceremony_total",
			Help:      "Finished ceremonies by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aura",
			Name:      "ceremony_phase_seconds",
			Help:      "Time spent in each ceremony phase.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"phase"},
	)
	flowCharges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aura",
			Name:      "flow_charge_total",
			Help:      "Guard chain charges by outcome.",
		},
		[]string{"outcome"},
	)
	syncRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aura",
			Name:      "sync_rounds_total",
			Help:      "Anti-entropy rounds by result.",
		},
		[]string{"result"},
	)
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "aura",
			Name:      "build_info",
			Help:      "Constant 1, labelled with the running service and version.",
		},
		[]string{"service", "version"},
	)
	ampMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aura",
			Name:      "amp_messages_total",
			Help:      "AMP envelopes sealed and opened.",
		},
		[]string{"direction", "outcome"},
	)
)

// RegisterMetrics adds the collectors to the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(ceremonies, phaseDuration, flowCharges, syncRounds, ampMessages, buildInfo)
	})
}

// Recorder feeds ceremony, sync and AMP telemetry into the collectors. The
// zero value is ready to use.
type Recorder struct{}

// NewRecorder registers the collectors and returns a recorder.
func NewRecorder() *Recorder {
	RegisterMetrics()
	return &Recorder{}
}

func (*Recorder) CeremonyFinished(kind choreography.Kind, outcome string) {
	ceremonies.WithLabelValues(string(kind), outcome).Inc()
}

func (*Recorder) PhaseCompleted(_ choreography.Kind, phase choreography.Phase, d time.Duration) {
	phaseDuration.WithLabelValues(phase.String()).Observe(d.Seconds())
}

func (*Recorder) MessageGuarded(_ choreography.Kind, outcome string) {
	flowCharges.WithLabelValues(outcome).Inc()
}

func (*Recorder) SyncRound(result string) {
	syncRounds.WithLabelValues(result).Inc()
}

func (*Recorder) MessageProcessed(direction, outcome string) {
	ampMessages.WithLabelValues(direction, outcome).Inc()
}

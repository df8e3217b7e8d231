package choreography

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseTransitions(t *testing.T) {
	cases := []struct {
		from, to Phase
		ok       bool
	}{
		{PhaseInitialized, PhasePrepare, true},
		{PhasePrepare, PhaseShareExchange, true},
		{PhaseShareExchange, PhaseShareExchange, true},
		{PhaseShareExchange, PhaseCompute, true},
		{PhaseCompute, PhaseAttest, true},
		{PhaseAttest, PhaseCommitted, true},
		{PhaseCompute, PhaseAborted, true},
		{PhaseInitialized, PhaseCompute, false},
		{PhaseCompute, PhaseShareExchange, false},
		{PhaseCommitted, PhaseAborted, false},
		{PhaseAborted, PhasePrepare, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestPhaseClassification(t *testing.T) {
	assert.True(t, PhaseCommitted.Terminal())
	assert.True(t, PhaseAborted.Terminal())
	assert.False(t, PhaseAttest.Terminal())

	assert.False(t, PhasePrepare.Recoverable())
	assert.False(t, PhaseShareExchange.Recoverable())
	assert.True(t, PhaseCompute.Recoverable())
	assert.True(t, PhaseAttest.Recoverable())
	assert.False(t, PhaseCommitted.Recoverable())

	assert.Equal(t, "share_exchange", PhaseShareExchange.String())
	assert.Equal(t, "Phase(42)", Phase(42).String())
}

func TestTimeouts(t *testing.T) {
	d := DefaultTimeouts()
	assert.Equal(t, 10*time.Second, d.For(PhasePrepare))
	assert.Equal(t, 15*time.Second, d.For(PhaseShareExchange))
	assert.Equal(t, 5*time.Second, d.For(PhaseCompute))
	assert.Equal(t, 15*time.Second, d.For(PhaseAttest))
	assert.Equal(t, 5*time.Second, d.For(PhaseCommitted))
	assert.Zero(t, d.For(PhaseInitialized))

	custom := Timeouts{Compute: time.Second}.WithDefaults()
	require.Equal(t, time.Second, custom.Compute)
	assert.Equal(t, d.Prepare, custom.Prepare)
	assert.Equal(t, d.Commit, custom.Commit)
}

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruteri/aura/choreography"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder()

	before := testutil.ToFloat64(ceremonies.WithLabelValues("sign", "success"))
	r.CeremonyFinished(choreography.KindSign, "success")
	r.CeremonyFinished(choreography.KindSign, "success")
	assert.Equal(t, before+2, testutil.ToFloat64(ceremonies.WithLabelValues("sign", "success")))

	before = testutil.ToFloat64(flowCharges.WithLabelValues(choreography.GuardExhausted))
	r.MessageGuarded(choreography.KindSign, choreography.GuardExhausted)
	assert.Equal(t, before+1, testutil.ToFloat64(flowCharges.WithLabelValues(choreography.GuardExhausted)))

	before = testutil.ToFloat64(syncRounds.WithLabelValues("ok"))
	r.SyncRound("ok")
	assert.Equal(t, before+1, testutil.ToFloat64(syncRounds.WithLabelValues("ok")))

	before = testutil.ToFloat64(ampMessages.WithLabelValues("recv", "replay"))
	r.MessageProcessed("recv", "replay")
	assert.Equal(t, before+1, testutil.ToFloat64(ampMessages.WithLabelValues("recv", "replay")))

	r.PhaseCompleted(choreography.KindSign, choreography.PhasePrepare, 20*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, err := New("aura", "")
	require.NoError(t, err)
	require.NoError(t, srv.ListenAndServe())

	NewRecorder().CeremonyFinished(choreography.KindDKG, "aborted")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `aura_ceremony_total{kind="dkg",outcome="aborted"}`)
}

func TestNewRejectsBadAddr(t *testing.T) {
	_, err := New("aura", "not-an-addr")
	require.Error(t, err)
}

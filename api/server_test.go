package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/aura/agent"
	"github.com/ruteri/aura/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*MockAgent, *Server) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := &MockAgent{Inbox: make(chan agent.Message)}
	srv, err := NewServer(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      logger,
		GracefulShutdownDuration: time.Second,
	}, NewHandler(m, logger))
	require.NoError(t, err)
	return m, srv
}

func TestServerHealthAndDrain(t *testing.T) {
	m, srv := newTestServer(t)
	m.On("Status").Return(testStatus())
	router := srv.Router()

	get := func(path string) int {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, get("/livez"))
	assert.Equal(t, http.StatusOK, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/api/v1/status"))

	assert.Equal(t, http.StatusOK, get("/drain"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/api/v1/status"))
	assert.Equal(t, http.StatusOK, get("/livez"))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	var drained ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&drained))
	assert.Equal(t, string(interfaces.KindTransient), drained.Kind)
	assert.True(t, drained.Retryable)

	assert.Equal(t, http.StatusOK, get("/undrain"))
	assert.Equal(t, http.StatusOK, get("/api/v1/status"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var ready healthResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&ready))
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, newStatusResponse(testStatus()).Account, ready.Account)
}

func TestClientRoundTrip(t *testing.T) {
	m, srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	client := NewClient(ts.URL + "/")
	ctx := context.Background()

	m.On("Status").Return(testStatus())
	m.On("Refresh", mock.Anything).Return(nil).Once()
	st, err := client.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, testDevice.String(), st.Device)
	assert.Equal(t, uint64(1), st.KeyEpoch)

	m.On("Bootstrap", mock.Anything).Return(agent.ErrAlreadyBootstrapped).Once()
	_, err = client.Bootstrap(ctx)
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, interfaces.KindOf(agent.ErrAlreadyBootstrapped), interfaces.KindOf(err))
	assert.Equal(t, StatusCode(interfaces.KindOf(agent.ErrAlreadyBootstrapped)), apiErr.StatusCode)

	_, err = client.RecoveryStatus(ctx, "nope")
	require.Error(t, err)
	assert.Equal(t, interfaces.KindInvalidArgument, interfaces.KindOf(err))

	m.AssertExpectations(t)
}

func TestClientUnreachableAgentIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := NewClient(url).Status(context.Background())
	require.Error(t, err)
	assert.Equal(t, interfaces.KindTransient, interfaces.KindOf(err))
}

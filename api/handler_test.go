package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/aura/agent"
	"github.com/ruteri/aura/amp"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
	"github.com/ruteri/aura/recovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func setupHandler(t *testing.T) (*MockAgent, http.Handler) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := &MockAgent{Inbox: make(chan agent.Message, 8)}
	t.Cleanup(func() { m.AssertExpectations(t) })

	router := chi.NewRouter()
	NewHandler(m, logger).Routes(router)
	return m, router
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

var (
	testDevice  = interfaces.DeviceIDFromUint(1)
	testAccount = interfaces.AccountID{0xaa}
)

func testStatus() agent.Status {
	return agent.Status{
		Account:    testAccount,
		Device:     testDevice,
		GroupKey:   []byte{0x02, 0x03},
		Threshold:  2,
		Holders:    3,
		KeyEpoch:   1,
		TreeEpoch:  4,
		HoldsShare: true,
		Devices:    []interfaces.DeviceID{testDevice, interfaces.DeviceIDFromUint(2), interfaces.DeviceIDFromUint(3)},
	}
}

func TestHandleStatus(t *testing.T) {
	m, h := setupHandler(t)
	m.On("Status").Return(testStatus())

	rr := doJSON(t, h, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, testAccount.String(), resp.Account)
	assert.Equal(t, testDevice.String(), resp.Device)
	assert.Equal(t, []byte{0x02, 0x03}, []byte(resp.GroupKey))
	assert.Equal(t, uint16(2), resp.Threshold)
	assert.Equal(t, uint16(3), resp.Holders)
	assert.Len(t, resp.Devices, 3)
	assert.Empty(t, resp.Guardians)
	assert.True(t, resp.HoldsShare)
}

func TestHandleGenesis(t *testing.T) {
	t.Run("parses devices", func(t *testing.T) {
		m, h := setupHandler(t)
		others := []interfaces.DeviceID{interfaces.DeviceIDFromUint(2), interfaces.DeviceIDFromUint(3)}
		m.On("Genesis", mock.Anything, others, uint16(2)).Return(nil)
		m.On("Status").Return(testStatus())

		rr := doJSON(t, h, http.MethodPost, "/api/v1/genesis", GenesisRequest{
			Devices:   []string{others[0].String(), others[1].String()},
			Threshold: 2,
		})
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("rejects malformed device id", func(t *testing.T) {
		_, h := setupHandler(t)
		rr := doJSON(t, h, http.MethodPost, "/api/v1/genesis", GenesisRequest{Devices: []string{"zz"}, Threshold: 1})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, string(interfaces.KindInvalidArgument), decodeError(t, rr).Kind)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		_, h := setupHandler(t)
		rr := doJSON(t, h, http.MethodPost, "/api/v1/genesis", map[string]any{"threshold": 1, "bogus": true})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestHandleSign(t *testing.T) {
	t.Run("returns the threshold signature", func(t *testing.T) {
		m, h := setupHandler(t)
		sig := journal.ThresholdSignature{Signature: bytes.Repeat([]byte{7}, 64), Signers: []uint16{1, 3}, M: 2, N: 3}
		m.On("Sign", mock.Anything, []byte("hello")).Return(sig, nil)

		rr := doJSON(t, h, http.MethodPost, "/api/v1/sign", map[string]string{"message": "0x68656c6c6f"})
		require.Equal(t, http.StatusOK, rr.Code)

		var resp SignatureResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, sig.Signature, []byte(resp.Signature))
		assert.Equal(t, []uint16{1, 3}, resp.Signers)
		assert.Equal(t, uint16(2), resp.M)
	})

	t.Run("empty message", func(t *testing.T) {
		_, h := setupHandler(t)
		rr := doJSON(t, h, http.MethodPost, "/api/v1/sign", SignRequest{})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("error kinds map to status codes", func(t *testing.T) {
		cases := []struct {
			err       error
			status    int
			kind      interfaces.Kind
			retryable bool
		}{
			{fmt.Errorf("%w: flow budget spent", interfaces.ErrExhausted), http.StatusTooManyRequests, interfaces.KindExhausted, false},
			{fmt.Errorf("%w: ceremony in progress", interfaces.ErrConflict), http.StatusConflict, interfaces.KindConflict, true},
			{fmt.Errorf("%w: holder unreachable", interfaces.ErrTransient), http.StatusServiceUnavailable, interfaces.KindTransient, true},
			{agent.ErrNoKey, StatusCode(interfaces.KindOf(agent.ErrNoKey)), interfaces.KindOf(agent.ErrNoKey), interfaces.KindOf(agent.ErrNoKey).Retryable()},
			{errors.New("boom"), http.StatusInternalServerError, interfaces.KindFatal, false},
		}
		for _, tc := range cases {
			m, h := setupHandler(t)
			m.On("Sign", mock.Anything, mock.Anything).Return(journal.ThresholdSignature{}, tc.err)

			rr := doJSON(t, h, http.MethodPost, "/api/v1/sign", SignRequest{Message: []byte{1}})
			assert.Equal(t, tc.status, rr.Code, tc.err.Error())
			resp := decodeError(t, rr)
			assert.Equal(t, string(tc.kind), resp.Kind)
			assert.Equal(t, tc.retryable, resp.Retryable)
			assert.Contains(t, resp.Error, tc.err.Error())
		}
	})
}

func TestHandleEnrollAndRemove(t *testing.T) {
	m, h := setupHandler(t)
	newDevice := interfaces.DeviceIDFromUint(4)
	key := bytes.Repeat([]byte{9}, 32)
	m.On("Enroll", mock.Anything, agent.Enrollment{Device: newDevice, Name: "laptop", SigningKey: key}).Return(nil)
	m.On("Remove", mock.Anything, newDevice, "lost").Return(nil)
	m.On("Status").Return(testStatus())

	rr := doJSON(t, h, http.MethodPost, "/api/v1/devices", EnrollRequest{Device: newDevice.String(), Name: "laptop", SigningKey: key})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodDelete, "/api/v1/devices/"+newDevice.String(), RemoveRequest{Reason: "lost"})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodDelete, "/api/v1/devices/nothex", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleRecovery(t *testing.T) {
	m, h := setupHandler(t)
	id := cryptoutils.Hash{0x42}
	g1, g2 := interfaces.GuardianID{1}, interfaces.GuardianID{2}
	req := recovery.Request{RequestID: id, Account: testAccount, NewDevice: testDevice, Guardians: []interfaces.GuardianID{g1, g2}, Threshold: 2, RequestedAt: 1000}
	st := recovery.State{
		Request:    req,
		Status:     recovery.StatusCoolingDown,
		Escalation: recovery.EscalationLow,
		Approvals:  []recovery.Approval{{RequestID: id, Guardian: g1}, {RequestID: id, Guardian: g2}},
		Disputes:   []recovery.Dispute{{RequestID: id, Filer: [16]byte(interfaces.DeviceIDFromUint(2)), Role: recovery.FilerDevice, Reason: "not me"}},
		ReadyAt:    5000,
	}

	m.On("Recover", mock.Anything).Return(req, nil)
	m.On("RecoveryStatus", id).Return(st, nil)
	m.On("DisputeRecovery", mock.Anything, id, "not me", false).Return(nil)
	m.On("CancelRecovery", mock.Anything, id, "").Return(fmt.Errorf("%w: request already completed", interfaces.ErrConflict))

	rr := doJSON(t, h, http.MethodPost, "/api/v1/recovery", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var created RecoveryRequestResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, id.String(), created.RequestID)
	assert.Equal(t, []string{g1.String(), g2.String()}, created.Guardians)

	rr = doJSON(t, h, http.MethodGet, "/api/v1/recovery/0x"+id.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var state RecoveryStateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &state))
	assert.Equal(t, "cooling_down", state.Status)
	assert.Equal(t, "low", state.Escalation)
	assert.Equal(t, []string{g1.String(), g2.String()}, state.Approvals)
	require.Len(t, state.Disputes, 1)
	assert.False(t, state.Disputes[0].Guardian)
	assert.Equal(t, uint64(5000), state.ReadyAt)

	rr = doJSON(t, h, http.MethodPost, "/api/v1/recovery/"+id.String()+"/dispute", DisputeRequest{Reason: "not me"})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/api/v1/recovery/"+id.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/api/v1/recovery/1234", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleSync(t *testing.T) {
	m, h := setupHandler(t)
	m.On("SyncNow", mock.Anything).Return(nil).Once()
	m.On("SyncWith", mock.Anything, interfaces.PeerID("peer-2")).Return(nil).Once()
	m.On("Status").Return(testStatus())

	assert.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPost, "/api/v1/sync", nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPost, "/api/v1/sync", SyncRequest{Peer: "peer-2"}).Code)
}

func TestHandleBackupAndRestore(t *testing.T) {
	m, h := setupHandler(t)
	cid, err := interfaces.ComputeContentID([]byte("snapshot"))
	require.NoError(t, err)
	m.On("Backup", mock.Anything).Return(cid, nil)
	m.On("RestoreSnapshot", mock.Anything, cid).Return(nil)
	m.On("Status").Return(testStatus())

	rr := doJSON(t, h, http.MethodPost, "/api/v1/backup", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp BackupResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, cid.String(), resp.CID)

	assert.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPost, "/api/v1/restore", RestoreRequest{CID: resp.CID}).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(t, h, http.MethodPost, "/api/v1/restore", RestoreRequest{CID: "not-a-cid"}).Code)
}

func TestHandleMessaging(t *testing.T) {
	m, h := setupHandler(t)
	c := interfaces.ContextID{1}
	ch := interfaces.ChannelID{2}
	psk := []byte("shared secret")
	m.On("CreateChannel", mock.Anything, c, ch, psk, uint32(16)).Return(nil)
	m.On("SendMessage", mock.Anything, interfaces.PeerID("bob"), c, ch, []byte("hi")).Return(nil)

	rr := doJSON(t, h, http.MethodPost, "/api/v1/channels", ChannelRequest{Context: c.String(), Channel: ch.String(), PSK: psk, SkipWindow: 16})
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/api/v1/messages", SendMessageRequest{Peer: "bob", Context: c.String(), Channel: ch.String(), Body: []byte("hi")})
	assert.Equal(t, http.StatusNoContent, rr.Code)

	m.Inbox <- agent.Message{From: "alice", Context: c, Channel: ch, Epoch: 1, Generation: 3, Body: []byte("one")}
	m.Inbox <- agent.Message{From: "alice", Context: c, Channel: ch, Epoch: 1, Generation: 4, Body: []byte("two")}

	rr = doJSON(t, h, http.MethodGet, "/api/v1/messages", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var msgs []MessageResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", string(msgs[0].Body))
	assert.Equal(t, uint64(4), msgs[1].Generation)

	rr = doJSON(t, h, http.MethodGet, "/api/v1/messages", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestHandleDescriptors(t *testing.T) {
	m, h := setupHandler(t)
	c := interfaces.ContextID{1}
	psk := []byte("psk")
	hints := []amp.TransportHint{amp.TcpDirect("10.0.0.1:7000"), amp.WebSocketRelay("relay.example.org")}
	d := amp.Descriptor{Authority: testDevice.Authority(), Context: c, Hints: hints, PSKCommitment: amp.PSKCommitment(psk), ValidUntil: 60_000}
	m.On("PublishDescriptor", mock.Anything, c, hints, psk, time.Minute).Return(d, nil)
	m.On("LookupDescriptor", testDevice.Authority(), c, psk).Return(d, nil)

	rr := doJSON(t, h, http.MethodPost, "/api/v1/descriptors", PublishDescriptorRequest{
		Context:    c.String(),
		Hints:      []TransportHintInfo{{Kind: "tcp", Addr: "10.0.0.1:7000"}, {Kind: "ws-relay", Relay: "relay.example.org"}},
		PSK:        psk,
		TTLSeconds: 60,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var resp DescriptorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Hints, 2)
	assert.Equal(t, "ws-relay", resp.Hints[1].Kind)

	rr = doJSON(t, h, http.MethodPost, "/api/v1/descriptors/lookup", LookupDescriptorRequest{Authority: testDevice.Authority().String(), Context: c.String(), PSK: psk})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/api/v1/descriptors", PublishDescriptorRequest{
		Context:    c.String(),
		Hints:      []TransportHintInfo{{Kind: "carrier-pigeon"}},
		TTLSeconds: 60,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

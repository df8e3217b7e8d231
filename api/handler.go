package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/aura/agent"
	"github.com/ruteri/aura/amp"
	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
	"github.com/ruteri/aura/recovery"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// maxMessages bounds how many inbox messages one request drains.
const maxMessages = 64

// AgentService is the part of the device agent the API exposes.
type AgentService interface {
	Status() agent.Status
	Bootstrap(ctx context.Context) error
	Genesis(ctx context.Context, others []interfaces.DeviceID, threshold uint16) error
	Enroll(ctx context.Context, e agent.Enrollment) error
	Remove(ctx context.Context, device interfaces.DeviceID, reason string) error
	Refresh(ctx context.Context) error

	Sign(ctx context.Context, message []byte) (journal.ThresholdSignature, error)
	Derive(ctx context.Context, app string, dkdContext []byte) (*agent.DerivedIdentity, error)
	ListDerived(ctx context.Context) ([]*agent.DerivedIdentity, error)

	SetGuardians(ctx context.Context, guardians []agent.Guardian, threshold uint16) error
	RecoveryPolicy() (agent.RecoveryPolicy, error)
	Recover(ctx context.Context) (recovery.Request, error)
	RecoveryStatus(id cryptoutils.Hash) (recovery.State, error)
	CompleteRecovery(ctx context.Context, id cryptoutils.Hash) error
	DisputeRecovery(ctx context.Context, id cryptoutils.Hash, reason string, critical bool) error
	ResolveRecovery(ctx context.Context, id cryptoutils.Hash, upheld bool) error
	CancelRecovery(ctx context.Context, id cryptoutils.Hash, reason string) error

	SyncNow(ctx context.Context) error
	SyncWith(ctx context.Context, peer interfaces.PeerID) error
	Backup(ctx context.Context) (interfaces.ContentID, error)
	RestoreSnapshot(ctx context.Context, id interfaces.ContentID) error

	CreateChannel(ctx context.Context, c interfaces.ContextID, ch interfaces.ChannelID, psk []byte, skipWindow uint32) error
	JoinChannel(c interfaces.ContextID, ch interfaces.ChannelID, psk []byte) error
	LeaveChannel(c interfaces.ContextID, ch interfaces.ChannelID)
	SendMessage(ctx context.Context, peer interfaces.PeerID, c interfaces.ContextID, ch interfaces.ChannelID, body []byte) error
	Messages() <-chan agent.Message
	PublishDescriptor(ctx context.Context, c interfaces.ContextID, hints []amp.TransportHint, psk []byte, ttl time.Duration) (amp.Descriptor, error)
	LookupDescriptor(authority interfaces.AuthorityID, c interfaces.ContextID, psk []byte) (amp.Descriptor, error)
}

// Handler serves the device API on top of an agent.
type Handler struct {
	agent AgentService
	log   *slog.Logger
}

func NewHandler(agent AgentService, log *slog.Logger) *Handler {
	return &Handler{agent: agent, log: common.OrDiscard(log)}
}

// Routes registers the API under r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.HandleStatus)
		r.Post("/bootstrap", h.HandleBootstrap)
		r.Post("/genesis", h.HandleGenesis)
		r.Post("/devices", h.HandleEnroll)
		r.Delete("/devices/{device}", h.HandleRemove)
		r.Post("/refresh", h.HandleRefresh)

		r.Post("/sign", h.HandleSign)
		r.Post("/derive", h.HandleDerive)
		r.Get("/derived", h.HandleListDerived)

		r.Put("/guardians", h.HandleSetGuardians)
		r.Get("/guardians", h.HandleRecoveryPolicy)
		r.Post("/recovery", h.HandleRecover)
		r.Get("/recovery/{id}", h.HandleRecoveryStatus)
		r.Post("/recovery/{id}/complete", h.HandleCompleteRecovery)
		r.Post("/recovery/{id}/dispute", h.HandleDisputeRecovery)
		r.Post("/recovery/{id}/resolve", h.HandleResolveRecovery)
		r.Post("/recovery/{id}/cancel", h.HandleCancelRecovery)

		r.Post("/sync", h.HandleSync)
		r.Post("/backup", h.HandleBackup)
		r.Post("/restore", h.HandleRestore)

		r.Post("/channels", h.HandleCreateChannel)
		r.Post("/channels/join", h.HandleJoinChannel)
		r.Post("/channels/leave", h.HandleLeaveChannel)
		r.Post("/messages", h.HandleSendMessage)
		r.Get("/messages", h.HandleReceiveMessages)
		r.Post("/descriptors", h.HandlePublishDescriptor)
		r.Post("/descriptors/lookup", h.HandleLookupDescriptor)
	})
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, newStatusResponse(h.agent.Status()))
}

func (h *Handler) HandleBootstrap(w http.ResponseWriter, r *http.Request) {
	if err := h.agent.Bootstrap(r.Context()); err != nil {
		h.writeError(w, "bootstrap", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newStatusResponse(h.agent.Status()))
}

func (h *Handler) HandleGenesis(w http.ResponseWriter, r *http.Request) {
	var req GenesisRequest
	if !h.decode(w, r, &req) {
		return
	}
	others := make([]interfaces.DeviceID, len(req.Devices))
	for i, s := range req.Devices {
		id, err := interfaces.NewDeviceIDFromHex(s)
		if err != nil {
			h.badRequest(w, err)
			return
		}
		others[i] = id
	}
	if err := h.agent.Genesis(r.Context(), others, req.Threshold); err != nil {
		h.writeError(w, "genesis", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newStatusResponse(h.agent.Status()))
}

func (h *Handler) HandleEnroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if !h.decode(w, r, &req) {
		return
	}
	device, err := interfaces.NewDeviceIDFromHex(req.Device)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	e := agent.Enrollment{Device: device, Name: req.Name, SigningKey: []byte(req.SigningKey), Threshold: req.Threshold}
	if err := h.agent.Enroll(r.Context(), e); err != nil {
		h.writeError(w, "enroll", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newStatusResponse(h.agent.Status()))
}

func (h *Handler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	device, err := interfaces.NewDeviceIDFromHex(chi.URLParam(r, "device"))
	if err != nil {
		h.badRequest(w, err)
		return
	}
	var req RemoveRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	if err := h.agent.Remove(r.Context(), device, req.Reason); err != nil {
		h.writeError(w, "remove", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newStatusResponse(h.agent.Status()))
}

func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.agent.Refresh(r.Context()); err != nil {
		h.writeError(w, "refresh", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newStatusResponse(h.agent.Status()))
}

func (h *Handler) HandleSign(w http.ResponseWriter, r *http.Request) {
	var req SignRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Message) == 0 {
		h.badRequest(w, errors.New("empty message"))
		return
	}
	sig, err := h.agent.Sign(r.Context(), req.Message)
	if err != nil {
		h.writeError(w, "sign", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newSignatureResponse(sig))
}

func (h *Handler) HandleDerive(w http.ResponseWriter, r *http.Request) {
	var req DeriveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.App == "" {
		h.badRequest(w, errors.New("missing app"))
		return
	}
	d, err := h.agent.Derive(r.Context(), req.App, req.Context)
	if err != nil {
		h.writeError(w, "derive", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newDerivedIdentityResponse(d))
}

func (h *Handler) HandleListDerived(w http.ResponseWriter, r *http.Request) {
	all, err := h.agent.ListDerived(r.Context())
	if err != nil {
		h.writeError(w, "list derived", err)
		return
	}
	resp := make([]DerivedIdentityResponse, len(all))
	for i, d := range all {
		resp[i] = newDerivedIdentityResponse(d)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleSetGuardians(w http.ResponseWriter, r *http.Request) {
	var req SetGuardiansRequest
	if !h.decode(w, r, &req) {
		return
	}
	guardians := make([]agent.Guardian, len(req.Guardians))
	for i, g := range req.Guardians {
		id, err := interfaces.NewGuardianIDFromHex(g.ID)
		if err != nil {
			h.badRequest(w, err)
			return
		}
		guardians[i] = agent.Guardian{ID: id, Name: g.Name, SigningKey: []byte(g.SigningKey), ShareKey: g.ShareKey}
	}
	if err := h.agent.SetGuardians(r.Context(), guardians, req.Threshold); err != nil {
		h.writeError(w, "set guardians", err)
		return
	}
	h.HandleRecoveryPolicy(w, r)
}

func (h *Handler) HandleRecoveryPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.agent.RecoveryPolicy()
	if err != nil {
		h.writeError(w, "recovery policy", err)
		return
	}
	h.writeJSON(w, http.StatusOK, RecoveryPolicyResponse{Generation: p.Generation, Threshold: p.Threshold, Guardians: stringify(p.Guardians)})
}

func (h *Handler) HandleRecover(w http.ResponseWriter, r *http.Request) {
	req, err := h.agent.Recover(r.Context())
	if err != nil {
		h.writeError(w, "recover", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newRecoveryRequestResponse(req))
}

func (h *Handler) HandleRecoveryStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	st, err := h.agent.RecoveryStatus(id)
	if err != nil {
		h.writeError(w, "recovery status", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newRecoveryStateResponse(st))
}

func (h *Handler) HandleCompleteRecovery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	if err := h.agent.CompleteRecovery(r.Context(), id); err != nil {
		h.writeError(w, "complete recovery", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newStatusResponse(h.agent.Status()))
}

func (h *Handler) HandleDisputeRecovery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	var req DisputeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.agent.DisputeRecovery(r.Context(), id, req.Reason, req.Critical); err != nil {
		h.writeError(w, "dispute recovery", err)
		return
	}
	h.recoveryState(w, id)
}

func (h *Handler) HandleResolveRecovery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.agent.ResolveRecovery(r.Context(), id, req.Upheld); err != nil {
		h.writeError(w, "resolve recovery", err)
		return
	}
	h.recoveryState(w, id)
}

func (h *Handler) HandleCancelRecovery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	if err := h.agent.CancelRecovery(r.Context(), id, req.Reason); err != nil {
		h.writeError(w, "cancel recovery", err)
		return
	}
	h.recoveryState(w, id)
}

func (h *Handler) recoveryState(w http.ResponseWriter, id cryptoutils.Hash) {
	st, err := h.agent.RecoveryStatus(id)
	if err != nil {
		h.writeError(w, "recovery status", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newRecoveryStateResponse(st))
}

func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	var err error
	if req.Peer == "" {
		err = h.agent.SyncNow(r.Context())
	} else {
		err = h.agent.SyncWith(r.Context(), interfaces.PeerID(req.Peer))
	}
	if err != nil {
		h.writeError(w, "sync", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newStatusResponse(h.agent.Status()))
}

func (h *Handler) HandleBackup(w http.ResponseWriter, r *http.Request) {
	id, err := h.agent.Backup(r.Context())
	if err != nil {
		h.writeError(w, "backup", err)
		return
	}
	h.writeJSON(w, http.StatusOK, BackupResponse{CID: id.String()})
}

func (h *Handler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := interfaces.ParseContentID(req.CID)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	if err := h.agent.RestoreSnapshot(r.Context(), id); err != nil {
		h.writeError(w, "restore", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newStatusResponse(h.agent.Status()))
}

func (h *Handler) HandleCreateChannel(w http.ResponseWriter, r *http.Request) {
	req, c, ch, ok := h.channelRequest(w, r)
	if !ok {
		return
	}
	if err := h.agent.CreateChannel(r.Context(), c, ch, req.PSK, req.SkipWindow); err != nil {
		h.writeError(w, "create channel", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleJoinChannel(w http.ResponseWriter, r *http.Request) {
	req, c, ch, ok := h.channelRequest(w, r)
	if !ok {
		return
	}
	if err := h.agent.JoinChannel(c, ch, req.PSK); err != nil {
		h.writeError(w, "join channel", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleLeaveChannel(w http.ResponseWriter, r *http.Request) {
	_, c, ch, ok := h.channelRequest(w, r)
	if !ok {
		return
	}
	h.agent.LeaveChannel(c, ch)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) channelRequest(w http.ResponseWriter, r *http.Request) (ChannelRequest, interfaces.ContextID, interfaces.ChannelID, bool) {
	var req ChannelRequest
	if !h.decode(w, r, &req) {
		return req, interfaces.ContextID{}, interfaces.ChannelID{}, false
	}
	c, ch, err := parseChannel(req.Context, req.Channel)
	if err != nil {
		h.badRequest(w, err)
		return req, c, ch, false
	}
	return req, c, ch, true
}

func (h *Handler) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Peer == "" {
		h.badRequest(w, errors.New("missing peer"))
		return
	}
	c, ch, err := parseChannel(req.Context, req.Channel)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	if err := h.agent.SendMessage(r.Context(), interfaces.PeerID(req.Peer), c, ch, req.Body); err != nil {
		h.writeError(w, "send message", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleReceiveMessages drains the messages already in the inbox without
// waiting for more.
func (h *Handler) HandleReceiveMessages(w http.ResponseWriter, r *http.Request) {
	inbox := h.agent.Messages()
	resp := []MessageResponse{}
	for len(resp) < maxMessages {
		select {
		case m := <-inbox:
			resp = append(resp, newMessageResponse(m))
			continue
		default:
		}
		break
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandlePublishDescriptor(w http.ResponseWriter, r *http.Request) {
	var req PublishDescriptorRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := interfaces.NewContextIDFromHex(req.Context)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	hints, err := parseHints(req.Hints)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	if req.TTLSeconds == 0 {
		h.badRequest(w, errors.New("ttl must be positive"))
		return
	}
	d, err := h.agent.PublishDescriptor(r.Context(), c, hints, req.PSK, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.writeError(w, "publish descriptor", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newDescriptorResponse(d))
}

func (h *Handler) HandleLookupDescriptor(w http.ResponseWriter, r *http.Request) {
	var req LookupDescriptorRequest
	if !h.decode(w, r, &req) {
		return
	}
	authority, err := interfaces.NewAuthorityIDFromHex(req.Authority)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	c, err := interfaces.NewContextIDFromHex(req.Context)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	d, err := h.agent.LookupDescriptor(authority, c, req.PSK)
	if err != nil {
		h.writeError(w, "lookup descriptor", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newDescriptorResponse(d))
}

func parseChannel(contextHex, channelHex string) (interfaces.ContextID, interfaces.ChannelID, error) {
	c, err := interfaces.NewContextIDFromHex(contextHex)
	if err != nil {
		return c, interfaces.ChannelID{}, fmt.Errorf("context: %w", err)
	}
	ch, err := interfaces.NewChannelIDFromHex(channelHex)
	if err != nil {
		return c, ch, fmt.Errorf("channel: %w", err)
	}
	return c, ch, nil
}

func (h *Handler) requestID(w http.ResponseWriter, r *http.Request) (cryptoutils.Hash, bool) {
	id, err := ParseRequestID(chi.URLParam(r, "id"))
	if err != nil {
		h.badRequest(w, err)
		return id, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func (h *Handler) badRequest(w http.ResponseWriter, err error) {
	h.writeError(w, "", fmt.Errorf("%w: %w", interfaces.ErrInvalidArgument, err))
}

// StatusCode maps an error kind to the HTTP status it is reported with.
func StatusCode(kind interfaces.Kind) int {
	switch kind {
	case interfaces.KindNotFound:
		return http.StatusNotFound
	case interfaces.KindInvalidArgument:
		return http.StatusBadRequest
	case interfaces.KindPermissionDenied:
		return http.StatusForbidden
	case interfaces.KindConflict:
		return http.StatusConflict
	case interfaces.KindExhausted:
		return http.StatusTooManyRequests
	case interfaces.KindTimeout:
		return http.StatusGatewayTimeout
	case interfaces.KindTransient:
		return http.StatusServiceUnavailable
	case interfaces.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	kind := interfaces.KindOf(err)
	status := StatusCode(kind)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "op", op, "kind", string(kind), "err", err)
	} else if op != "" {
		h.log.Warn("request rejected", "op", op, "kind", string(kind), "err", err)
	}
	h.writeJSON(w, status, newErrorResponse(err))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

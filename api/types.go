package api

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/aura/agent"
	"github.com/ruteri/aura/amp"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
	"github.com/ruteri/aura/recovery"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Category  string `json:"category"`
	Severity  string `json:"severity"`
	Retryable bool   `json:"retryable"`
}

func newErrorResponse(err error) ErrorResponse {
	kind := interfaces.KindOf(err)
	category := kind.Category()
	return ErrorResponse{
		Error:     err.Error(),
		Kind:      string(kind),
		Category:  string(category),
		Severity:  string(category.Severity()),
		Retryable: kind.Retryable(),
	}
}

// StatusResponse summarizes the account as this device sees it.
type StatusResponse struct {
	Account      string        `json:"account"`
	Device       string        `json:"device"`
	Guardian     bool          `json:"guardian"`
	GroupKey     hexutil.Bytes `json:"group_key,omitempty"`
	Threshold    uint16        `json:"threshold"`
	Holders      uint16        `json:"holders"`
	KeyEpoch     uint64        `json:"key_epoch"`
	TreeEpoch    uint64        `json:"tree_epoch"`
	SessionEpoch uint64        `json:"session_epoch"`
	HoldsShare   bool          `json:"holds_share"`
	Devices      []string      `json:"devices"`
	Guardians    []string      `json:"guardians"`
}

type GenesisRequest struct {
	Devices   []string `json:"devices"`
	Threshold uint16   `json:"threshold"`
}

type EnrollRequest struct {
	Device     string        `json:"device"`
	Name       string        `json:"name"`
	SigningKey hexutil.Bytes `json:"signing_key"`
	Threshold  uint16        `json:"threshold,omitempty"`
}

type RemoveRequest struct {
	Reason string `json:"reason"`
}

type SignRequest struct {
	Message hexutil.Bytes `json:"message"`
}

// SignatureResponse is a threshold signature and the share indices that
// produced it.
type SignatureResponse struct {
	Signature hexutil.Bytes `json:"signature"`
	Signers   []uint16      `json:"signers"`
	M         uint16        `json:"m"`
	N         uint16        `json:"n"`
}

type DeriveRequest struct {
	App     string        `json:"app"`
	Context hexutil.Bytes `json:"context"`
}

type DerivedIdentityResponse struct {
	App         string            `json:"app"`
	Context     hexutil.Bytes     `json:"context"`
	IdentityKey hexutil.Bytes     `json:"identity_key"`
	Binding     SignatureResponse `json:"binding"`
}

type GuardianInfo struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	SigningKey hexutil.Bytes `json:"signing_key"`
	ShareKey   hexutil.Bytes `json:"share_key"`
}

type SetGuardiansRequest struct {
	Guardians []GuardianInfo `json:"guardians"`
	Threshold uint16         `json:"threshold,omitempty"`
}

type RecoveryPolicyResponse struct {
	Generation uint64   `json:"generation"`
	Threshold  uint16   `json:"threshold"`
	Guardians  []string `json:"guardians"`
}

type RecoveryRequestResponse struct {
	RequestID   string   `json:"request_id"`
	Account     string   `json:"account"`
	NewDevice   string   `json:"new_device"`
	Guardians   []string `json:"guardians"`
	Threshold   uint16   `json:"threshold"`
	RequestedAt uint64   `json:"requested_at"`
	CooldownMs  uint64   `json:"cooldown_ms"`
}

type DisputeInfo struct {
	Filer    string `json:"filer"`
	Guardian bool   `json:"guardian"`
	Reason   string `json:"reason"`
	Critical bool   `json:"critical"`
	FiledAt  uint64 `json:"filed_at"`
}

type RecoveryStateResponse struct {
	Request          RecoveryRequestResponse `json:"request"`
	Status           string                  `json:"status"`
	Escalation       string                  `json:"escalation"`
	Approvals        []string                `json:"approvals"`
	Disputes         []DisputeInfo           `json:"disputes"`
	DisputeWindowEnd uint64                  `json:"dispute_window_end"`
	ThresholdAt      uint64                  `json:"threshold_at"`
	ReadyAt          uint64                  `json:"ready_at"`
}

type DisputeRequest struct {
	Reason   string `json:"reason"`
	Critical bool   `json:"critical"`
}

type ResolveRequest struct {
	Upheld bool `json:"upheld"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

// SyncRequest names a peer to sync with. An empty peer runs a round against
// every known peer.
type SyncRequest struct {
	Peer string `json:"peer,omitempty"`
}

type BackupResponse struct {
	CID string `json:"cid"`
}

type RestoreRequest struct {
	CID string `json:"cid"`
}

type ChannelRequest struct {
	Context    string        `json:"context"`
	Channel    string        `json:"channel"`
	PSK        hexutil.Bytes `json:"psk"`
	SkipWindow uint32        `json:"skip_window,omitempty"`
}

type SendMessageRequest struct {
	Peer    string        `json:"peer"`
	Context string        `json:"context"`
	Channel string        `json:"channel"`
	Body    hexutil.Bytes `json:"body"`
}

type MessageResponse struct {
	From       string        `json:"from"`
	Context    string        `json:"context"`
	Channel    string        `json:"channel"`
	Epoch      uint64        `json:"epoch"`
	Generation uint64        `json:"generation"`
	Body       hexutil.Bytes `json:"body"`
}

type TransportHintInfo struct {
	Kind  string `json:"kind"`
	Addr  string `json:"addr,omitempty"`
	Relay string `json:"relay,omitempty"`
}

type PublishDescriptorRequest struct {
	Context    string              `json:"context"`
	Hints      []TransportHintInfo `json:"hints"`
	PSK        hexutil.Bytes       `json:"psk"`
	TTLSeconds uint64              `json:"ttl_seconds"`
}

type LookupDescriptorRequest struct {
	Authority string        `json:"authority"`
	Context   string        `json:"context"`
	PSK       hexutil.Bytes `json:"psk"`
}

type DescriptorResponse struct {
	Authority     string              `json:"authority"`
	Context       string              `json:"context"`
	Hints         []TransportHintInfo `json:"hints"`
	PSKCommitment hexutil.Bytes       `json:"psk_commitment"`
	ValidFrom     uint64              `json:"valid_from"`
	ValidUntil    uint64              `json:"valid_until"`
	Nonce         uint64              `json:"nonce"`
	PublicKey     hexutil.Bytes       `json:"public_key"`
	Signature     hexutil.Bytes       `json:"signature"`
}

func newStatusResponse(st agent.Status) StatusResponse {
	return StatusResponse{
		Account:      st.Account.String(),
		Device:       st.Device.String(),
		Guardian:     st.Guardian,
		GroupKey:     st.GroupKey,
		Threshold:    st.Threshold,
		Holders:      st.Holders,
		KeyEpoch:     st.KeyEpoch,
		TreeEpoch:    st.TreeEpoch,
		SessionEpoch: st.SessionEpoch,
		HoldsShare:   st.HoldsShare,
		Devices:      stringify(st.Devices),
		Guardians:    stringify(st.Guardians),
	}
}

func newSignatureResponse(sig journal.ThresholdSignature) SignatureResponse {
	return SignatureResponse{Signature: sig.Signature, Signers: sig.Signers, M: sig.M, N: sig.N}
}

func newDerivedIdentityResponse(d *agent.DerivedIdentity) DerivedIdentityResponse {
	return DerivedIdentityResponse{
		App:         d.App,
		Context:     d.Context,
		IdentityKey: d.IdentityKey,
		Binding:     newSignatureResponse(d.Binding),
	}
}

func newRecoveryRequestResponse(req recovery.Request) RecoveryRequestResponse {
	return RecoveryRequestResponse{
		RequestID:   req.RequestID.String(),
		Account:     req.Account.String(),
		NewDevice:   req.NewDevice.String(),
		Guardians:   stringify(req.Guardians),
		Threshold:   req.Threshold,
		RequestedAt: req.RequestedAt,
		CooldownMs:  req.CooldownMs,
	}
}

func newRecoveryStateResponse(st recovery.State) RecoveryStateResponse {
	resp := RecoveryStateResponse{
		Request:          newRecoveryRequestResponse(st.Request),
		Status:           st.Status.String(),
		Escalation:       st.Escalation.String(),
		Approvals:        []string{},
		Disputes:         []DisputeInfo{},
		DisputeWindowEnd: st.DisputeWindowEnd,
		ThresholdAt:      st.ThresholdAt,
		ReadyAt:          st.ReadyAt,
	}
	for _, a := range st.Approvals {
		resp.Approvals = append(resp.Approvals, a.Guardian.String())
	}
	for _, d := range st.Disputes {
		resp.Disputes = append(resp.Disputes, DisputeInfo{
			Filer:    interfaces.DeviceID(d.Filer).String(),
			Guardian: d.Role == recovery.FilerGuardian,
			Reason:   d.Reason,
			Critical: d.Critical,
			FiledAt:  d.FiledAt,
		})
	}
	return resp
}

func newMessageResponse(m agent.Message) MessageResponse {
	return MessageResponse{
		From:       string(m.From),
		Context:    m.Context.String(),
		Channel:    m.Channel.String(),
		Epoch:      m.Epoch,
		Generation: m.Generation,
		Body:       m.Body,
	}
}

func newDescriptorResponse(d amp.Descriptor) DescriptorResponse {
	hints := make([]TransportHintInfo, len(d.Hints))
	for i, h := range d.Hints {
		hints[i] = TransportHintInfo{Kind: h.Kind.String(), Addr: h.Addr, Relay: h.Relay}
	}
	return DescriptorResponse{
		Authority:     d.Authority.String(),
		Context:       d.Context.String(),
		Hints:         hints,
		PSKCommitment: d.PSKCommitment[:],
		ValidFrom:     d.ValidFrom,
		ValidUntil:    d.ValidUntil,
		Nonce:         d.Nonce,
		PublicKey:     d.PublicKey,
		Signature:     d.Signature,
	}
}

func parseHints(infos []TransportHintInfo) ([]amp.TransportHint, error) {
	hints := make([]amp.TransportHint, 0, len(infos))
	for _, h := range infos {
		switch h.Kind {
		case amp.HintQuicDirect.String():
			hints = append(hints, amp.QuicDirect(h.Addr))
		case amp.HintTcpDirect.String():
			hints = append(hints, amp.TcpDirect(h.Addr))
		case amp.HintWebSocketRelay.String():
			hints = append(hints, amp.WebSocketRelay(h.Relay))
		default:
			return nil, fmt.Errorf("%w: unknown transport hint %q", interfaces.ErrInvalidArgument, h.Kind)
		}
	}
	return hints, nil
}

// ParseRequestID decodes the hex form of a recovery request id.
func ParseRequestID(s string) (cryptoutils.Hash, error) {
	var id cryptoutils.Hash
	raw, err := hexutil.Decode(ensure0x(s))
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("%w: request id must be %d hex bytes", interfaces.ErrInvalidIdentifier, len(id))
	}
	copy(id[:], raw)
	return id, nil
}

func ensure0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s
	}
	return "0x" + s
}

func stringify[T fmt.Stringer](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

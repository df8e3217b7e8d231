package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ruteri/aura/interfaces"
)

// Client talks to a device agent's API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: http.DefaultClient}
}

// APIError is a non-2xx response. It carries the error kind the agent
// reported, so callers can branch on interfaces.KindOf.
type APIError struct {
	StatusCode int
	Response   ErrorResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent returned %d (%s): %s", e.StatusCode, e.Response.Kind, e.Response.Error)
}

func (e *APIError) ErrorKind() interfaces.Kind {
	if e.Response.Kind == "" {
		return interfaces.KindFatal
	}
	return interfaces.Kind(e.Response.Kind)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: could not reach agent: %w", interfaces.ErrTransient, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read agent response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(raw, &apiErr.Response); err != nil || apiErr.Response.Error == "" {
			apiErr.Response.Error = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("could not parse agent response: %w", err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	return &resp, c.do(ctx, http.MethodGet, "/api/v1/status", nil, &resp)
}

func (c *Client) Bootstrap(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/bootstrap", nil, &resp)
}

func (c *Client) Genesis(ctx context.Context, req GenesisRequest) (*StatusResponse, error) {
	var resp StatusResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/genesis", req, &resp)
}

func (c *Client) Enroll(ctx context.Context, req EnrollRequest) (*StatusResponse, error) {
	var resp StatusResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/devices", req, &resp)
}

func (c *Client) Remove(ctx context.Context, device, reason string) (*StatusResponse, error) {
	var resp StatusResponse
	return &resp, c.do(ctx, http.MethodDelete, "/api/v1/devices/"+device, RemoveRequest{Reason: reason}, &resp)
}

func (c *Client) Refresh(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/refresh", nil, &resp)
}

func (c *Client) Sign(ctx context.Context, message []byte) (*SignatureResponse, error) {
	var resp SignatureResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/sign", SignRequest{Message: message}, &resp)
}

func (c *Client) Derive(ctx context.Context, app string, dkdContext []byte) (*DerivedIdentityResponse, error) {
	var resp DerivedIdentityResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/derive", DeriveRequest{App: app, Context: dkdContext}, &resp)
}

func (c *Client) ListDerived(ctx context.Context) ([]DerivedIdentityResponse, error) {
	var resp []DerivedIdentityResponse
	return resp, c.do(ctx, http.MethodGet, "/api/v1/derived", nil, &resp)
}

func (c *Client) SetGuardians(ctx context.Context, req SetGuardiansRequest) (*RecoveryPolicyResponse, error) {
	var resp RecoveryPolicyResponse
	return &resp, c.do(ctx, http.MethodPut, "/api/v1/guardians", req, &resp)
}

func (c *Client) RecoveryPolicy(ctx context.Context) (*RecoveryPolicyResponse, error) {
	var resp RecoveryPolicyResponse
	return &resp, c.do(ctx, http.MethodGet, "/api/v1/guardians", nil, &resp)
}

func (c *Client) Recover(ctx context.Context) (*RecoveryRequestResponse, error) {
	var resp RecoveryRequestResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/recovery", nil, &resp)
}

func (c *Client) RecoveryStatus(ctx context.Context, id string) (*RecoveryStateResponse, error) {
	var resp RecoveryStateResponse
	return &resp, c.do(ctx, http.MethodGet, "/api/v1/recovery/"+id, nil, &resp)
}

func (c *Client) CompleteRecovery(ctx context.Context, id string) (*StatusResponse, error) {
	var resp StatusResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/recovery/"+id+"/complete", nil, &resp)
}

func (c *Client) DisputeRecovery(ctx context.Context, id string, req DisputeRequest) (*RecoveryStateResponse, error) {
	var resp RecoveryStateResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/recovery/"+id+"/dispute", req, &resp)
}

func (c *Client) ResolveRecovery(ctx context.Context, id string, upheld bool) (*RecoveryStateResponse, error) {
	var resp RecoveryStateResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/recovery/"+id+"/resolve", ResolveRequest{Upheld: upheld}, &resp)
}

func (c *Client) CancelRecovery(ctx context.Context, id, reason string) (*RecoveryStateResponse, error) {
	var resp RecoveryStateResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/recovery/"+id+"/cancel", CancelRequest{Reason: reason}, &resp)
}

// Sync runs a sync round against peer, or every known peer when peer is empty.
func (c *Client) Sync(ctx context.Context, peer string) (*StatusResponse, error) {
	var resp StatusResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/sync", SyncRequest{Peer: peer}, &resp)
}

func (c *Client) Backup(ctx context.Context) (*BackupResponse, error) {
	var resp BackupResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/backup", nil, &resp)
}

func (c *Client) Restore(ctx context.Context, cid string) (*StatusResponse, error) {
	var resp StatusResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/restore", RestoreRequest{CID: cid}, &resp)
}

func (c *Client) CreateChannel(ctx context.Context, req ChannelRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/channels", req, nil)
}

func (c *Client) JoinChannel(ctx context.Context, req ChannelRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/channels/join", req, nil)
}

func (c *Client) LeaveChannel(ctx context.Context, req ChannelRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/channels/leave", req, nil)
}

func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/messages", req, nil)
}

func (c *Client) ReceiveMessages(ctx context.Context) ([]MessageResponse, error) {
	var resp []MessageResponse
	return resp, c.do(ctx, http.MethodGet, "/api/v1/messages", nil, &resp)
}

func (c *Client) PublishDescriptor(ctx context.Context, req PublishDescriptorRequest) (*DescriptorResponse, error) {
	var resp DescriptorResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/descriptors", req, &resp)
}

func (c *Client) LookupDescriptor(ctx context.Context, req LookupDescriptorRequest) (*DescriptorResponse, error) {
	var resp DescriptorResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/descriptors/lookup", req, &resp)
}

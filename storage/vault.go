package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/interfaces"
)

// VaultSecureStore implements SecureStorage over a HashiCorp Vault KV v2
// mount. Each secure location is one secret under dataPath.
type VaultSecureStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// VaultAuth selects how the store authenticates: a token, a TLS client
// certificate, or both.
type VaultAuth struct {
	Token      string
	ClientCert *tls.Certificate
}

// NewVaultSecureStore creates a Vault-backed secure store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "aura/device-1")
//   - auth: Token and/or TLS client certificate
//   - log: Structured logger
func NewVaultSecureStore(address, mountPath, dataPath string, auth VaultAuth, log *slog.Logger) (*VaultSecureStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	if auth.ClientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{*auth.ClientCert}},
			},
			Timeout: 30 * time.Second,
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if auth.Token != "" {
		client.SetToken(auth.Token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultSecureStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         common.OrDiscard(log),
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

func (b *VaultSecureStore) secretPath(kind string, loc interfaces.SecureLocation) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", b.mountPath, kind, b.dataPath, loc.Namespace, loc.Key)
}

// SecureStore writes data to loc. Requires SecureWrite.
func (b *VaultSecureStore) SecureStore(ctx context.Context, loc interfaces.SecureLocation, caps []interfaces.SecureCapability, data []byte) error {
	if !interfaces.HasCapability(caps, interfaces.SecureWrite) {
		return interfaces.ErrAccessDenied
	}
	start := time.Now()
	path := b.secretPath("data", loc)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	}
	if _, err := b.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrHardwareUnavailable, err)
	}

	b.log.Debug("Stored secure location in Vault",
		slog.String("location", loc.String()),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// SecureRetrieve reads loc. Requires SecureRead.
func (b *VaultSecureStore) SecureRetrieve(ctx context.Context, loc interfaces.SecureLocation, caps []interfaces.SecureCapability) ([]byte, error) {
	if !interfaces.HasCapability(caps, interfaces.SecureRead) {
		return nil, interfaces.ErrAccessDenied
	}
	path := b.secretPath("data", loc)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrHardwareUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, loc.String())
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, interfaces.NewError(interfaces.KindFatal, "vault retrieve", "invalid data format in Vault response")
	}
	content, ok := data["content"].(string)
	if !ok {
		return nil, interfaces.NewError(interfaces.KindFatal, "vault retrieve", "content key not found in Vault data")
	}
	decoded, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindFatal, "vault retrieve", err)
	}
	return decoded, nil
}

// SecureDelete removes every version of loc. Requires SecureWrite.
func (b *VaultSecureStore) SecureDelete(ctx context.Context, loc interfaces.SecureLocation, caps []interfaces.SecureCapability) error {
	if !interfaces.HasCapability(caps, interfaces.SecureWrite) {
		return interfaces.ErrAccessDenied
	}
	path := b.secretPath("metadata", loc)
	if _, err := b.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrHardwareUnavailable, err)
	}
	return nil
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultSecureStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

// LocationURI returns the URI that identifies this store.
func (b *VaultSecureStore) LocationURI() string {
	return b.locationURI
}

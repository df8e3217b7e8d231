package storage

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/interfaces"
)

// BackendFactory creates storage effects, secure stores and archives from
// location URIs.
type BackendFactory struct {
	log *slog.Logger
}

// NewBackendFactory creates a factory.
func NewBackendFactory(log *slog.Logger) *BackendFactory {
	return &BackendFactory{log: common.OrDiscard(log)}
}

// StorageFor opens the Storage effect at uri.
//
// Supported schemes:
//   - leveldb:///var/lib/aura/db
//   - mem://
func (f *BackendFactory) StorageFor(uri string) (*LevelDBStorage, error) {
	loc, err := interfaces.NewStorageBackendLocation(uri)
	if err != nil {
		return nil, err
	}
	switch loc.Scheme {
	case "leveldb":
		path := localPath(loc)
		if path == "" {
			return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, uri)
		}
		return NewLevelDBStorage(path, f.log)
	case "mem":
		return NewMemStorage(f.log), nil
	default:
		return nil, fmt.Errorf("%w: %s is not a storage scheme", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// SecureStoreFor opens the SecureStorage at uri.
//
// Supported schemes:
//   - file:///var/lib/aura/keys (passphrase from the AURA_PASSPHRASE environment variable)
//   - vault://vault.example.com:8200/secret/aura/device-1?tls=true (token from VAULT_TOKEN)
//   - mem://
func (f *BackendFactory) SecureStoreFor(uri string) (interfaces.SecureStorage, error) {
	loc, err := interfaces.NewStorageBackendLocation(uri)
	if err != nil {
		return nil, err
	}
	f.log.Debug("Creating secure store", slog.String("scheme", loc.Scheme))

	switch loc.Scheme {
	case "file":
		path := localPath(loc)
		if path == "" {
			return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, uri)
		}
		return NewSealedFileStore(path, []byte(os.Getenv("AURA_PASSPHRASE")), f.log)
	case "vault":
		parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: expected vault://host/mount/path", interfaces.ErrInvalidLocationURI)
		}
		scheme := "http"
		if loc.GetParamBool("tls") {
			scheme = "https"
		}
		return NewVaultSecureStore(fmt.Sprintf("%s://%s", scheme, loc.Host), parts[0], parts[1],
			VaultAuth{Token: os.Getenv("VAULT_TOKEN")}, f.log)
	case "mem":
		return NewMemSecureStore(), nil
	default:
		return nil, fmt.Errorf("%w: %s is not a secure store scheme", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// ArchiveFor creates the archive backend at uri.
//
// Supported schemes:
//   - file:///var/lib/aura/snapshots
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
//   - ipfs://host:port/?timeout=30s
//   - github://[TOKEN@]owner/repo/prefix?ref=main&api=https://ghe.example.com/api/v3 (read-only)
func (f *BackendFactory) ArchiveFor(uri string) (interfaces.ArchiveBackend, error) {
	loc, err := interfaces.NewStorageBackendLocation(uri)
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "file":
		path := localPath(loc)
		if path == "" {
			return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, uri)
		}
		return NewFileArchive(path, f.log)
	case "s3":
		return f.createS3Archive(loc)
	case "ipfs":
		return f.createIPFSArchive(loc)
	case "github":
		return f.createGitHubArchive(loc)
	default:
		return nil, fmt.Errorf("%w: %s is not an archive scheme", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// MultiArchiveFor creates a MultiArchive over every uri that yields a valid
// backend. It fails only if none do.
func (f *BackendFactory) MultiArchiveFor(uris []string) (*MultiArchive, error) {
	backends := make([]interfaces.ArchiveBackend, 0, len(uris))
	for _, uri := range uris {
		backend, err := f.ArchiveFor(uri)
		if err != nil {
			f.log.Warn("Failed to create archive backend",
				"err", err,
				slog.String("location", redact(uri)))
			continue
		}
		backends = append(backends, backend)
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid archive backends created")
	}
	return NewMultiArchive(backends, f.log), nil
}

func (f *BackendFactory) createS3Archive(loc interfaces.StorageBackendLocation) (interfaces.ArchiveBackend, error) {
	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if loc.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(loc.Auth, ":")
	}
	return NewS3Archive(loc.Host, strings.TrimPrefix(loc.Path, "/"), region, loc.GetParam("endpoint"), accessKey, secretKey, f.log)
}

func (f *BackendFactory) createIPFSArchive(loc interfaces.StorageBackendLocation) (interfaces.ArchiveBackend, error) {
	host, port, found := strings.Cut(loc.Host, ":")
	if !found || port == "" {
		port = "5001"
	}

	timeout := 30 * time.Second
	if t := loc.GetParam("timeout"); t != "" {
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("%w: timeout %q", interfaces.ErrInvalidLocationURI, t)
		}
		timeout = parsed
	}
	return NewIPFSArchive(host, port, timeout, f.log)
}

func (f *BackendFactory) createGitHubArchive(loc interfaces.StorageBackendLocation) (interfaces.ArchiveBackend, error) {
	repo, prefix, _ := strings.Cut(strings.TrimPrefix(loc.Path, "/"), "/")
	if loc.Host == "" || repo == "" {
		return nil, fmt.Errorf("%w: github archive needs owner/repo in %s", interfaces.ErrInvalidLocationURI, redact(loc.Raw))
	}
	token, _, _ := strings.Cut(loc.Auth, ":")
	return NewGitHubArchive(loc.GetParam("api"), loc.Host, repo, prefix, loc.GetParam("ref"), token, f.log), nil
}

// localPath handles both file:///abs and file://./relative forms.
func localPath(loc interfaces.StorageBackendLocation) string {
	if loc.Host == "" {
		return loc.Path
	}
	return loc.Host + "/" + strings.TrimPrefix(loc.Path, "/")
}

func redact(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return uri
	}
	if at := strings.Index(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return uri
}

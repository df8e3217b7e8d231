package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/interfaces"
)

// IPFSArchive implements ArchiveBackend on an IPFS node. Content is written
// into the node's mutable file system under /aura/<type>/<content id>, so it
// is addressed by our content id regardless of how IPFS chunks it.
type IPFSArchive struct {
	shell       *shell.Shell
	host        string
	port        string
	timeout     time.Duration
	log         *slog.Logger
	locationURI string
}

// NewIPFSArchive connects to the IPFS API at host:port.
func NewIPFSArchive(host, port string, timeout time.Duration, log *slog.Logger) (*IPFSArchive, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	sh := shell.NewShell(apiURL)
	sh.SetTimeout(timeout)

	return &IPFSArchive{
		shell:       sh,
		host:        host,
		port:        port,
		timeout:     timeout,
		log:         common.OrDiscard(log),
		locationURI: fmt.Sprintf("ipfs://%s/?timeout=%s", apiURL, timeout),
	}, nil
}

// Fetch reads content by id. Returns ErrContentNotFound if it doesn't exist
// or ErrBackendUnavailable if the node is not reachable.
func (b *IPFSArchive) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	path := b.mfsPath(id, contentType)

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable",
			slog.String("host", b.host),
			slog.String("port", b.port))
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.FilesRead(ctx, path)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to fetch data from IPFS",
			slog.String("path", path),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to fetch data from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}
	if err := verifyContent(id, data); err != nil {
		return nil, err
	}

	b.log.Debug("Fetched content from IPFS",
		slog.String("path", path),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Store writes data to the node and returns its content id.
func (b *IPFSArchive) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id, err := interfaces.ComputeContentID(data)
	if err != nil {
		return id, err
	}
	if !b.shell.IsUp() {
		return id, interfaces.ErrBackendUnavailable
	}

	path := b.mfsPath(id, contentType)
	err = b.shell.FilesWrite(ctx, path, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return id, fmt.Errorf("failed to add data to IPFS: %w", err)
	}

	b.log.Debug("Stored content in IPFS",
		slog.String("path", path),
		slog.String("content_id", id.String()))

	return id, nil
}

// Available checks if the IPFS node is reachable.
func (b *IPFSArchive) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a unique identifier for this archive.
func (b *IPFSArchive) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this archive.
func (b *IPFSArchive) LocationURI() string {
	return b.locationURI
}

func (b *IPFSArchive) mfsPath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return fmt.Sprintf("/aura/%s/%s", contentType, id)
}

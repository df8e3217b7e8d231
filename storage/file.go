package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/interfaces"
)

// FileArchive implements ArchiveBackend on the local file system.
// Content is stored in a directory per content type, named by content id.
type FileArchive struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileArchive creates a file archive rooted at baseDir, creating the
// per-type subdirectories if they don't exist.
func NewFileArchive(baseDir string, log *slog.Logger) (*FileArchive, error) {
	for _, ct := range []interfaces.ContentType{interfaces.SnapshotType, interfaces.TranscriptType} {
		if err := os.MkdirAll(filepath.Join(baseDir, ct.String()), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", ct, err)
		}
	}

	return &FileArchive{
		baseDir:     baseDir,
		log:         common.OrDiscard(log),
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads the content stored under id. Returns ErrContentNotFound if the
// file doesn't exist.
func (b *FileArchive) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	filePath := b.filePath(id, contentType)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if err := verifyContent(id, data); err != nil {
		return nil, err
	}

	b.log.Debug("Fetched content from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store writes data and returns its content id.
func (b *FileArchive) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id, err := interfaces.ComputeContentID(data)
	if err != nil {
		return id, err
	}

	filePath := b.filePath(id, contentType)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return id, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return id, fmt.Errorf("failed to write file: %w", err)
	}

	b.log.Debug("Stored content in file",
		slog.String("path", filePath),
		slog.String("content_id", id.String()))

	return id, nil
}

// Available checks that the base directory exists.
func (b *FileArchive) Available(ctx context.Context) bool {
	if _, err := os.Stat(b.baseDir); err != nil {
		b.log.Debug("File archive unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this archive.
func (b *FileArchive) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this archive.
func (b *FileArchive) LocationURI() string {
	return b.locationURI
}

func (b *FileArchive) filePath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return filepath.Join(b.baseDir, contentType.String(), id.String())
}

// verifyContent checks that data hashes to id.
func verifyContent(id interfaces.ContentID, data []byte) error {
	computed, err := interfaces.ComputeContentID(data)
	if err != nil {
		return err
	}
	if !computed.Equals(id) {
		return interfaces.NewError(interfaces.KindFatal, "archive fetch", fmt.Sprintf("content %s does not match its id", id))
	}
	return nil
}

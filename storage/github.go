package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/interfaces"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHubArchive is a read-only archive over a file archive layout committed
// to a GitHub repository, so published snapshots can seed a restore.
type GitHubArchive struct {
	apiURL      string
	owner       string
	repo        string
	prefix      string
	ref         string
	token       string
	client      *http.Client
	log         *slog.Logger
	locationURI string
}

// gitHubContent is the subset of the contents API response we use.
type gitHubContent struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	SHA      string `json:"sha"`
	Size     int    `json:"size"`
}

// NewGitHubArchive reads content from owner/repo under prefix at ref. An
// empty apiURL uses the public GitHub API.
func NewGitHubArchive(apiURL, owner, repo, prefix, ref, token string, log *slog.Logger) *GitHubArchive {
	if apiURL == "" {
		apiURL = defaultGitHubAPI
	}
	return &GitHubArchive{
		apiURL:      strings.TrimSuffix(apiURL, "/"),
		owner:       owner,
		repo:        repo,
		prefix:      strings.Trim(prefix, "/"),
		ref:         ref,
		token:       token,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         common.OrDiscard(log),
		locationURI: fmt.Sprintf("github://%s/%s/%s", owner, repo, strings.Trim(prefix, "/")),
	}
}

// Fetch downloads prefix/<type>/<id> and checks it against id.
func (b *GitHubArchive) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	file := path.Join(b.prefix, contentType.String(), id.String())
	content, err := b.fetchContent(ctx, file)
	if err != nil {
		return nil, err
	}

	if content.Encoding != "base64" {
		return nil, fmt.Errorf("unexpected content encoding: %s", content.Encoding)
	}
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	if err := verifyContent(id, data); err != nil {
		b.log.Warn("Content hash mismatch",
			slog.String("path", file),
			slog.String("content_id", id.String()))
		return nil, err
	}

	b.log.Debug("Fetched content from GitHub",
		slog.String("path", file),
		slog.String("blobSHA", content.SHA),
		slog.Int("size", len(data)))
	return data, nil
}

// Store always fails; publishing goes through git.
func (b *GitHubArchive) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id, err := interfaces.ComputeContentID(data)
	if err != nil {
		return id, err
	}
	return id, interfaces.NewError(interfaces.KindPermissionDenied, "github archive", "read-only backend")
}

// Available checks that the repository is reachable.
func (b *GitHubArchive) Available(ctx context.Context) bool {
	req, err := b.newRequest(ctx, fmt.Sprintf("%s/repos/%s/%s", b.apiURL, b.owner, b.repo))
	if err != nil {
		b.log.Debug("Failed to create request", "err", err)
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		b.log.Debug("GitHub archive unavailable", "err", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b.log.Debug("GitHub archive unavailable", slog.String("status", resp.Status))
		return false
	}
	return true
}

// Name returns a unique identifier for this archive.
func (b *GitHubArchive) Name() string {
	return fmt.Sprintf("github-%s-%s", b.owner, b.repo)
}

// LocationURI returns the URI that identifies this archive.
func (b *GitHubArchive) LocationURI() string {
	return b.locationURI
}

func (b *GitHubArchive) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	return req, nil
}

func (b *GitHubArchive) fetchContent(ctx context.Context, file string) (*gitHubContent, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/contents/%s", b.apiURL, b.owner, b.repo, file)
	if b.ref != "" {
		url += "?ref=" + b.ref
	}
	req, err := b.newRequest(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, interfaces.ErrContentNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrBackendUnavailable, resp.Status)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("GitHub API error: %s, %s", resp.Status, string(body))
	}

	var content gitHubContent
	if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	return &content, nil
}

package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ruteri/aura/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGitHubArchive(t *testing.T) {
	snapshot := []byte("published journal snapshot")
	id, err := interfaces.ComputeContentID(snapshot)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/backups", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/repos/acme/backups/contents/aura/snapshot/"+id.String(), func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "main", r.URL.Query().Get("ref"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(gitHubContent{
			Content:  base64.StdEncoding.EncodeToString(snapshot),
			Encoding: "base64",
			SHA:      "abc",
			Size:     len(snapshot),
		})
	})
	mux.HandleFunc("/repos/acme/backups/contents/aura/transcript/"+id.String(), func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(gitHubContent{
			Content:  base64.StdEncoding.EncodeToString([]byte("tampered")),
			Encoding: "base64",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewBackendFactory(discard())
	backend, err := f.ArchiveFor("github://secret@acme/backups/aura?ref=main&api=" + srv.URL)
	require.NoError(t, err)
	archive, ok := backend.(*GitHubArchive)
	require.True(t, ok)
	assert.Equal(t, "github://acme/backups/aura", archive.LocationURI())

	ctx := context.Background()
	assert.True(t, archive.Available(ctx))

	data, err := archive.Fetch(ctx, id, interfaces.SnapshotType)
	require.NoError(t, err)
	assert.Equal(t, snapshot, data)

	_, err = archive.Fetch(ctx, id, interfaces.TranscriptType)
	assert.Equal(t, interfaces.KindFatal, interfaces.KindOf(err))

	other, err := interfaces.ComputeContentID([]byte("missing"))
	require.NoError(t, err)
	_, err = archive.Fetch(ctx, other, interfaces.SnapshotType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	_, err = archive.Store(ctx, snapshot, interfaces.SnapshotType)
	assert.Equal(t, interfaces.KindPermissionDenied, interfaces.KindOf(err))

	_, err = f.ArchiveFor("github://acme")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

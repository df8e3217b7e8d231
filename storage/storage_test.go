package storage

import (
	"context"
	"testing"

	"github.com/ruteri/aura/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelDBStorage(t *testing.T) {
	ctx := context.Background()
	s := NewMemStorage(discard(), WithMaxValueSize(16))
	defer s.Close()

	require.NoError(t, s.Store(ctx, "journal/ac", []byte("state")))
	require.NoError(t, s.StoreBatch(ctx, map[string][]byte{
		"sessions/1": []byte("a"),
		"sessions/2": []byte("b"),
	}))

	got, err := s.Retrieve(ctx, "journal/ac")
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), got)

	_, err = s.Retrieve(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	keys, err := s.ListKeys(ctx, "sessions/")
	require.NoError(t, err)
	assert.Equal(t, []string{"sessions/1", "sessions/2"}, keys)

	removed, err := s.Remove(ctx, "sessions/1")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.Remove(ctx, "sessions/1")
	require.NoError(t, err)
	assert.False(t, removed)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Keys)
	assert.Equal(t, int64(6), stats.SizeBytes)

	require.NoError(t, s.ClearAll(ctx))
	keys, err = s.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLevelDBBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemStorage(discard(), WithMaxValueSize(4))

	err := s.StoreBatch(ctx, map[string][]byte{
		"a": []byte("ok"),
		"b": []byte("too large"),
	})
	assert.ErrorIs(t, err, interfaces.ErrExhausted)

	keys, err := s.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLevelDBCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemStorage(discard())

	require.NoError(t, s.CompareAndSwap(ctx, "k", nil, []byte("v1")))
	assert.ErrorIs(t, s.CompareAndSwap(ctx, "k", nil, []byte("v2")), interfaces.ErrConflict)
	require.NoError(t, s.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2")))

	got, err := s.Retrieve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestSecureStores(t *testing.T) {
	sealed, err := NewSealedFileStore(t.TempDir(), []byte("correct horse"), discard())
	require.NoError(t, err)

	stores := map[string]interfaces.SecureStorage{
		"sealed file": sealed,
		"memory":      NewMemSecureStore(),
	}
	loc := interfaces.SecureLocation{Namespace: "frost_keys", Key: "00000000000000000000000000000001"}
	rw := []interfaces.SecureCapability{interfaces.SecureRead, interfaces.SecureWrite}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := store.SecureStore(ctx, loc, []interfaces.SecureCapability{interfaces.SecureRead}, []byte("share"))
			assert.ErrorIs(t, err, interfaces.ErrAccessDenied)
			assert.Equal(t, interfaces.KindPermissionDenied, interfaces.KindOf(err))

			require.NoError(t, store.SecureStore(ctx, loc, rw, []byte("share")))

			_, err = store.SecureRetrieve(ctx, loc, []interfaces.SecureCapability{interfaces.SecureWrite})
			assert.ErrorIs(t, err, interfaces.ErrAccessDenied)

			got, err := store.SecureRetrieve(ctx, loc, rw)
			require.NoError(t, err)
			assert.Equal(t, []byte("share"), got)

			require.NoError(t, store.SecureDelete(ctx, loc, rw))
			_, err = store.SecureRetrieve(ctx, loc, rw)
			assert.ErrorIs(t, err, interfaces.ErrNotFound)
		})
	}
}

func TestSealedFileStoreRejectsWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	loc := interfaces.SecureLocation{Namespace: "frost_keys", Key: "dev"}
	rw := []interfaces.SecureCapability{interfaces.SecureRead, interfaces.SecureWrite}

	s, err := NewSealedFileStore(dir, []byte("one"), discard())
	require.NoError(t, err)
	require.NoError(t, s.SecureStore(ctx, loc, rw, []byte("share")))

	other, err := NewSealedFileStore(dir, []byte("two"), discard())
	require.NoError(t, err)
	_, err = other.SecureRetrieve(ctx, loc, rw)
	assert.Equal(t, interfaces.KindFatal, interfaces.KindOf(err))

	_, err = s.SecureRetrieve(ctx, interfaces.SecureLocation{Namespace: "..", Key: "x"}, rw)
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

func TestFactory(t *testing.T) {
	f := NewBackendFactory(discard())

	_, err := f.ArchiveFor("ftp://example.com")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	archive, err := f.ArchiveFor("file://" + t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileArchive{}, archive)

	s3, err := f.ArchiveFor("s3://AKID:SECRET@bucket/snapshots/?region=eu-west-1")
	require.NoError(t, err)
	assert.Contains(t, s3.LocationURI(), "AKID:***@bucket")

	multi, err := f.MultiArchiveFor([]string{"file://" + t.TempDir(), "ftp://bad"})
	require.NoError(t, err)
	assert.Equal(t, "multi-archive", multi.Name())

	_, err = f.MultiArchiveFor([]string{"ftp://bad"})
	assert.Error(t, err)

	st, err := f.StorageFor("mem://")
	require.NoError(t, err)
	defer st.Close()

	secure, err := f.SecureStoreFor("mem://")
	require.NoError(t, err)
	assert.IsType(t, &MemSecureStore{}, secure)

	assert.Equal(t, "s3://***@bucket", redact("s3://a:b@bucket"))
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/interfaces"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStorage implements the Storage effect over a LevelDB database.
// Writes are synchronous; StoreBatch uses a single LevelDB batch so it
// commits all entries or none.
type LevelDBStorage struct {
	db      *leveldb.DB
	log     *slog.Logger
	backend string

	// maxValueSize bounds single values; zero disables the check.
	maxValueSize int

	closeOnce sync.Once
}

// LevelDBOption configures a LevelDBStorage.
type LevelDBOption func(*LevelDBStorage)

// WithMaxValueSize rejects values larger than n bytes with ErrQuotaExceeded.
func WithMaxValueSize(n int) LevelDBOption {
	return func(s *LevelDBStorage) { s.maxValueSize = n }
}

// NewLevelDBStorage opens (or creates) a LevelDB database at path.
func NewLevelDBStorage(path string, log *slog.Logger, opts ...LevelDBOption) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return newLevelDBStorage(db, "leveldb://"+path, log, opts), nil
}

// NewMemStorage returns a LevelDBStorage over an in-memory LevelDB store.
// It behaves exactly like the on-disk variant and is used by tests and the
// simulator.
func NewMemStorage(log *slog.Logger, opts ...LevelDBOption) *LevelDBStorage {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		// Opening an empty in-memory store cannot fail.
		panic(err)
	}
	return newLevelDBStorage(db, "mem://", log, opts)
}

func newLevelDBStorage(db *leveldb.DB, backend string, log *slog.Logger, opts []LevelDBOption) *LevelDBStorage {
	s := &LevelDBStorage{db: db, log: common.OrDiscard(log), backend: backend}
	for _, o := range opts {
		o(s)
	}
	return s
}

var syncWrite = &opt.WriteOptions{Sync: true}

func (s *LevelDBStorage) checkSize(key string, value []byte) error {
	if s.maxValueSize > 0 && len(value) > s.maxValueSize {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", interfaces.ErrQuotaExceeded, key, len(value), s.maxValueSize)
	}
	return nil
}

func ioError(op string, err error) error {
	return interfaces.WrapError(interfaces.KindTransient, op, err)
}

// Store writes value under key.
func (s *LevelDBStorage) Store(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.checkSize(key, value); err != nil {
		return err
	}
	if err := s.db.Put([]byte(key), value, syncWrite); err != nil {
		return ioError("store", err)
	}
	s.log.Debug("Stored key", slog.String("key", key), slog.Int("size", len(value)))
	return nil
}

// Retrieve returns the value under key, or ErrNotFound.
func (s *LevelDBStorage) Retrieve(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, key)
	}
	if err != nil {
		return nil, ioError("retrieve", err)
	}
	return value, nil
}

// Remove deletes key and reports whether it existed.
func (s *LevelDBStorage) Remove(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	existed, err := s.db.Has([]byte(key), nil)
	if err != nil {
		return false, ioError("remove", err)
	}
	if !existed {
		return false, nil
	}
	if err := s.db.Delete([]byte(key), syncWrite); err != nil {
		return false, ioError("remove", err)
	}
	return true, nil
}

// ListKeys returns the keys with the given prefix in lexical order. An empty
// prefix lists every key.
func (s *LevelDBStorage) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rng *util.Range
	if prefix != "" {
		rng = util.BytesPrefix([]byte(prefix))
	}
	it := s.db.NewIterator(rng, nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	if err := it.Error(); err != nil {
		return nil, ioError("list", err)
	}
	return keys, nil
}

// StoreBatch writes every entry atomically.
func (s *LevelDBStorage) StoreBatch(ctx context.Context, entries map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for k, v := range entries {
		if err := s.checkSize(k, v); err != nil {
			return err
		}
		batch.Put([]byte(k), v)
	}
	if err := s.db.Write(batch, syncWrite); err != nil {
		return ioError("store batch", err)
	}
	s.log.Debug("Stored batch", slog.Int("entries", len(entries)))
	return nil
}

// ClearAll removes every key.
func (s *LevelDBStorage) ClearAll(ctx context.Context) error {
	keys, err := s.ListKeys(ctx, "")
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, k := range keys {
		batch.Delete([]byte(k))
	}
	if err := s.db.Write(batch, syncWrite); err != nil {
		return ioError("clear", err)
	}
	return nil
}

// Stats counts keys and value bytes.
func (s *LevelDBStorage) Stats(ctx context.Context) (interfaces.StorageStats, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.StorageStats{}, err
	}
	stats := interfaces.StorageStats{Backend: s.backend}
	it := s.db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		stats.Keys++
		stats.SizeBytes += int64(len(it.Value()))
	}
	if err := it.Error(); err != nil {
		return stats, ioError("stats", err)
	}
	return stats, nil
}

// CompareAndSwap replaces the value under key with next if it currently
// equals prev. A nil prev means the key must be absent. It returns
// ErrConflict when the current value differs.
func (s *LevelDBStorage) CompareAndSwap(ctx context.Context, key string, prev, next []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return ioError("cas", err)
	}
	cur, err := tr.Get([]byte(key), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		cur = nil
	case err != nil:
		tr.Discard()
		return ioError("cas", err)
	}
	if (prev == nil) != (cur == nil) || string(prev) != string(cur) {
		tr.Discard()
		return fmt.Errorf("%w: %s changed concurrently", interfaces.ErrConflict, key)
	}
	if err := tr.Put([]byte(key), next, syncWrite); err != nil {
		tr.Discard()
		return ioError("cas", err)
	}
	if err := tr.Commit(); err != nil {
		return ioError("cas", err)
	}
	return nil
}

// Close releases the database.
func (s *LevelDBStorage) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.db.Close() })
	return err
}

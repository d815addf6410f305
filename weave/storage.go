package weave

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Storage persists journal blobs by key.
type Storage interface {
	Put(key string, blob []byte) error
	// Get returns a copy of the stored blob, and false when the key is not present.
	Get(key string) ([]byte, bool, error)
	// Keys returns the sorted keys starting with prefix.
	Keys(prefix string) ([]string, error)
	// DropPrefix removes every key starting with prefix, an empty prefix removes everything.
	DropPrefix(prefix string) error
	Close()
}

// KeyPrefixStorage scopes a shared Storage to the keys under "scope;". Keys are returned without the scope and
// dropping the empty prefix only clears the scope.
func KeyPrefixStorage(s Storage, scope string) Storage {
	if scope == "" {
		return s
	}
	return &scopedStorage{Storage: s, scope: scope + ";"}
}

type scopedStorage struct {
	Storage
	scope string
}

func (s *scopedStorage) Put(key string, blob []byte) error {
	return s.Storage.Put(s.scope+key, blob)
}

func (s *scopedStorage) Get(key string) ([]byte, bool, error) {
	return s.Storage.Get(s.scope + key)
}

func (s *scopedStorage) Keys(prefix string) ([]string, error) {
	keys, err := s.Storage.Keys(s.scope + prefix)
	for i := range keys {
		keys[i] = keys[i][len(s.scope):]
	}
	return keys, err
}

func (s *scopedStorage) DropPrefix(prefix string) error {
	return s.Storage.DropPrefix(s.scope + prefix)
}

// Close leaves the shared storage open for its owner.
func (s *scopedStorage) Close() {}

// memStorage keeps blobs in a map, it backs runs without a journal directory.
type memStorage struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemStorage returns an in-memory Storage implementation.
func NewMemStorage() Storage {
	return &memStorage{blobs: make(map[string][]byte)}
}

func (m *memStorage) Put(key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blobs[key] = slices.Clone(blob)
	return nil
}

func (m *memStorage) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, ok := m.blobs[key]
	return slices.Clone(blob), ok, nil
}

func (m *memStorage) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := slices.Sorted(maps.Keys(m.blobs))
	return slices.DeleteFunc(keys, func(k string) bool { return !strings.HasPrefix(k, prefix) }), nil
}

func (m *memStorage) DropPrefix(prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	maps.DeleteFunc(m.blobs, func(k string, _ []byte) bool { return strings.HasPrefix(k, prefix) })
	return nil
}

func (m *memStorage) Close() {}

type badgerStorage struct {
	path   string
	db     *badger.DB
	remove bool
}

// NewBadgerStorage opens a Badger backed Storage at the path. When remove is set the directory is deleted on Close.
func NewBadgerStorage(path string, maxMemMB int, remove bool) (Storage, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir failed: %w", err)
	}

	clamp := func(val, lo, high int64) int64 {
		return min(max(val, lo), high)
	}
	memTableSize := clamp(int64(maxMemMB/4), 8, 64) << 20
	// values are snappy compressed by the journal, so block compression and its cache stay disabled
	opts := badger.DefaultOptions(path).
		WithCompression(options.None).
		WithBlockCacheSize(0).
		WithNumMemtables(2).
		WithMemTableSize(memTableSize).
		WithBaseTableSize(memTableSize).
		WithIndexCacheSize(clamp(int64(maxMemMB/4), 8, 64) << 20).
		WithValueLogFileSize(1 << 26).
		WithLoggingLevel(badger.ERROR).
		WithMetricsEnabled(false)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open storage db failed: %w", err)
	}
	return &badgerStorage{path: path, db: db, remove: remove}, nil
}

func (b *badgerStorage) Put(key string, blob []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), blob)
	})
}

func (b *badgerStorage) Get(key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		found = true
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, found, err
}

func (b *badgerStorage) Keys(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	return keys, err // badger iterates in key order
}

func (b *badgerStorage) DropPrefix(prefix string) error {
	if prefix == "" {
		return b.db.DropAll()
	}
	return b.db.DropPrefix([]byte(prefix))
}

func (b *badgerStorage) Close() {
	_ = b.db.Close()
	if b.remove {
		_ = os.RemoveAll(b.path)
	}
}

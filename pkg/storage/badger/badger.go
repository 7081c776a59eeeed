package badger

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/go-logr/logr"
)

// Store implements storage.Store on top of BadgerDB. It serves as durable
// local storage for identifiers, the outbound queue and cached remote config.
type Store struct {
	db     *badger.DB
	log    logr.Logger
	closed atomic.Bool
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = small defaults).
	// Tracker state is tiny; 16 MB is plenty for most processes.
	MaxMemoryMB int64

	// Logger receives write failures at V(2)
	Logger logr.Logger
}

// New opens a BadgerDB-backed store
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	memTableSize := int64(8 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}

	// Keep memory bounded: tracker state is a handful of small keys
	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(2).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogFileSize(16 << 20).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Store{db: db, log: log.WithName("badger-store")}, nil
}

// Get returns the value stored under key
func (s *Store) Get(key string) (string, bool) {
	if s.closed.Load() {
		return "", false
	}

	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			s.log.V(2).Info("read failed", "key", key, "err", err)
		}
		return "", false
	}
	return value, true
}

// Set writes value under key with an optional TTL
func (s *Store) Set(key, value string, ttl time.Duration) bool {
	if s.closed.Load() {
		return false
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), []byte(value))
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		s.log.V(2).Info("write failed", "key", key, "err", err)
		return false
	}
	return true
}

// Delete removes key
func (s *Store) Delete(key string) bool {
	if s.closed.Load() {
		return false
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		s.log.V(2).Info("delete failed", "key", key, "err", err)
		return false
	}
	return true
}

// Available reports whether the database is open
func (s *Store) Available() bool {
	return !s.closed.Load()
}

// Keys returns every key with the given prefix
func (s *Store) Keys(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// RunGC runs BadgerDB's value log garbage collection.
// discardRatio: run GC if this fraction of a file can be discarded (0.5 = 50%).
// Returns nil when no rewrite was needed.
func (s *Store) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close shuts down BadgerDB cleanly. Later calls report the store unavailable.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

package memory

import (
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Options configures an in-memory store.
type Options struct {
	// MaxBytes caps the sum of key and value lengths (0 = no quota). A write
	// that would exceed it fails, like a full browser localStorage.
	MaxBytes int

	// Clock drives TTL expiry (nil = real clock).
	Clock clock.PassiveClock
}

type entry struct {
	value   string
	expires time.Time // zero = no expiry
}

// Store keeps values in memory. Data is lost on restart.
// Useful for testing, degraded mode and as a server-side cookie jar.
type Store struct {
	opts Options

	mu          sync.RWMutex
	entries     map[string]entry
	used        int
	unavailable bool
}

// New creates an in-memory store
func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Store{
		opts:    opts,
		entries: make(map[string]entry),
	}
}

// Get returns the value for key if present and not expired
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.unavailable {
		return "", false
	}
	e, ok := s.entries[key]
	if !ok || s.expired(e) {
		return "", false
	}
	return e.value, true
}

// Set stores value under key, failing when unavailable or over quota
func (s *Store) Set(key, value string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return false
	}

	used := s.used
	if old, ok := s.entries[key]; ok {
		used -= len(key) + len(old.value)
	}
	used += len(key) + len(value)
	if s.opts.MaxBytes > 0 && used > s.opts.MaxBytes {
		return false
	}

	e := entry{value: value}
	if ttl > 0 {
		e.expires = s.opts.Clock.Now().Add(ttl)
	}
	s.entries[key] = e
	s.used = used
	return true
}

// Delete removes key
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return false
	}
	if old, ok := s.entries[key]; ok {
		s.used -= len(key) + len(old.value)
		delete(s.entries, key)
	}
	return true
}

// Available reports whether the store accepts reads and writes
func (s *Store) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.unavailable
}

// SetAvailable toggles simulated unavailability (privacy mode, disabled storage)
func (s *Store) SetAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = !available
}

// Keys returns the live keys in sorted order, ignoring availability
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if !s.expired(e) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) expired(e entry) bool {
	return !e.expires.IsZero() && !s.opts.Clock.Now().Before(e.expires)
}

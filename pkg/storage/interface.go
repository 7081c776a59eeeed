package storage

import "time"

// Kind names one of the browser-style storage locations.
type Kind string

const (
	KindCookie  Kind = "cookie"
	KindLocal   Kind = "local"
	KindSession Kind = "session"
)

// Store is a key/value storage capability. Implementations never panic or
// return errors for unavailability or quota failures: Get reports absence,
// Set and Delete report false. Callers treat a false result as a signal to
// degrade, not as a failure.
type Store interface {
	// Get returns the value for key, or false if it is absent, expired or the
	// store is unavailable.
	Get(key string) (string, bool)

	// Set writes a value. ttl <= 0 means no expiry.
	Set(key, value string, ttl time.Duration) bool

	// Delete removes key. Deleting an absent key succeeds.
	Delete(key string) bool

	// Available reports whether the store currently accepts reads and writes.
	Available() bool
}

// Set groups the three storage locations a tracker may use. A nil entry is
// treated as permanently unavailable.
type Set struct {
	Cookie  Store
	Local   Store
	Session Store
}

// Get returns the store for kind, or nil.
func (s Set) Get(kind Kind) Store {
	switch kind {
	case KindCookie:
		return s.Cookie
	case KindLocal:
		return s.Local
	case KindSession:
		return s.Session
	}
	return nil
}

// All returns every configured store with its kind, cookie first.
func (s Set) All() []Entry {
	var out []Entry
	for _, kind := range []Kind{KindCookie, KindLocal, KindSession} {
		if st := s.Get(kind); st != nil {
			out = append(out, Entry{Kind: kind, Store: st})
		}
	}
	return out
}

// Entry pairs a store with its kind.
type Entry struct {
	Kind  Kind
	Store Store
}

// Usable reports whether st is non-nil and available.
func Usable(st Store) bool {
	return st != nil && st.Available()
}

// Package identity owns the domain-user-id, the session and the business user
// id of a tracker, and persists them through the storage capability according
// to the configured state storage strategy.
package identity

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/nicktill/tinytrack/pkg/config"
	"github.com/nicktill/tinytrack/pkg/storage"
)

// Options configures a Manager.
type Options struct {
	Stores   storage.Set
	Strategy config.StateStorageStrategy

	CookieName     string
	CookieDomain   string
	CookiePath     string
	CookieLifetime time.Duration
	SessionTimeout time.Duration

	Anonymous config.AnonymousTrackingOptions

	Clock  clock.PassiveClock
	Logger logr.Logger

	// NewID generates identifiers; defaults to random UUIDs
	NewID func() string
}

// ClearOptions selects what ClearUserData keeps in memory.
type ClearOptions struct {
	PreserveSession bool
	PreserveUser    bool
}

// Identifiers are the identity fields allowed onto an event payload under
// the current anonymous-tracking mode.
type Identifiers struct {
	DomainUserID string
	SessionID    string
	SessionIndex int
	UserID       string

	// ServerAnonymisation asks the collector not to derive identifiers
	ServerAnonymisation bool
}

// Manager is the identity and session manager of one tracker.
type Manager struct {
	mu sync.Mutex

	opts     Options
	strategy config.StateStorageStrategy
	anon     config.AnonymousTrackingOptions
	log      logr.Logger
	clock    clock.PassiveClock
	newID    func() string
	hash     string

	loaded   bool
	sess     Session
	userID   *string
	degraded bool
}

// NewManager creates a manager. Nothing is read from storage until the first
// session access.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Strategy == "" {
		opts.Strategy = config.StrategyCookieAndLocalStorage
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = config.DefaultSessionCookieTimeout
	}
	if opts.CookieLifetime <= 0 {
		opts.CookieLifetime = config.DefaultCookieLifetime
	}
	if opts.CookieName == "" {
		opts.CookieName = config.DefaultCookieName
	}
	if opts.CookiePath == "" {
		opts.CookiePath = config.DefaultCookiePath
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	m := &Manager{
		opts:     opts,
		strategy: opts.Strategy,
		anon:     opts.Anonymous,
		log:      log.WithName("identity"),
		clock:    opts.Clock,
		newID:    opts.NewID,
		hash:     DomainHash(opts.CookieDomain, opts.CookiePath),
	}
	if m.anon.Enabled {
		m.deleteDurable()
	}
	return m
}

// CookieName returns the storage key for base ("id" or "ses")
func (m *Manager) CookieName(base string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cookieNameLocked(base)
}

func (m *Manager) cookieNameLocked(base string) string {
	return m.opts.CookieName + base + "." + m.hash
}

// SetCookieLifetime changes the lifetime of the id record from its next write
func (m *Manager) SetCookieLifetime(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.CookieLifetime = d
	if m.loaded {
		m.persistLocked()
	}
}

// SetCookiePath changes the cookie path. The storage keys hash the path, so
// the record moves to the new keys.
func (m *Manager) SetCookiePath(path string) {
	if path == "" {
		path = config.DefaultCookiePath
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if path == m.opts.CookiePath {
		return
	}
	if !m.loaded {
		m.loadLocked(m.clock.Now())
	}
	m.deleteDurable()
	m.opts.CookiePath = path
	m.hash = DomainHash(m.opts.CookieDomain, path)
	m.persistLocked()
}

// EnsureSession returns the current session, creating or renewing it as
// needed, and records activity at the current time.
func (m *Manager) EnsureSession() Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.ensureLocked(now)
	m.sess.LastActivity = now
	m.persistLocked()
	return m.sess
}

// Touch is EnsureSession for a tracked event: it also advances the event
// index and records the session's first event.
func (m *Manager) Touch(eventID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.ensureLocked(now)
	m.sess.LastActivity = now
	m.sess.EventIndex++
	if m.sess.FirstEventID == "" {
		m.sess.FirstEventID = eventID
		m.sess.FirstEventTime = now
	}
	m.persistLocked()
	return m.sess
}

// NewSession forces a new session for the same domain user
func (m *Manager) NewSession() Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if !m.loaded {
		m.loadLocked(now)
	}
	m.renewLocked(now)
	m.persistLocked()
	return m.sess
}

// Current returns the session without recording activity
func (m *Manager) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		m.loadLocked(m.clock.Now())
	}
	return m.sess
}

// DomainUserID returns the domain user id
func (m *Manager) DomainUserID() string {
	return m.Current().DomainUserID
}

// SessionIndex returns the session index
func (m *Manager) SessionIndex() int {
	return m.Current().SessionIndex
}

// DomainUserInfo returns the full id record
func (m *Manager) DomainUserInfo() Session {
	return m.Current()
}

// SetUserID sets the business user id; nil clears it.
func (m *Manager) SetUserID(id *string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == nil {
		m.userID = nil
		return
	}
	v := *id
	m.userID = &v
}

// UserID returns the business user id, or "" when unset
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.userID == nil {
		return ""
	}
	return *m.userID
}

// ClearUserData deletes identity keys from every backend regardless of the
// current strategy and regenerates whatever is not preserved.
func (m *Manager) ClearUserData(opts ClearOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteDurable()

	now := m.clock.Now()
	if !m.loaded {
		m.loadLocked(now)
	}
	if !opts.PreserveSession {
		m.sess.SessionID = m.newID()
		m.sess.PreviousSessionID = ""
		m.sess.SessionIndex = 1
		m.sess.SessionStart = now
		m.sess.LastActivity = now
		m.sess.LastVisit = time.Time{}
		m.sess.FirstEventID = ""
		m.sess.FirstEventTime = time.Time{}
		m.sess.EventIndex = 0
	}
	if !opts.PreserveUser {
		m.sess.DomainUserID = ""
		if !m.anon.Enabled {
			m.sess.DomainUserID = m.newID()
		}
		m.sess.CreatedAt = now
		m.userID = nil
	}
	m.log.V(0).Info("cleared user data", "preserveSession", opts.PreserveSession, "preserveUser", opts.PreserveUser)
}

// EnableAnonymousTracking switches to anonymous mode. Durable copies of the
// identifiers are deleted and the domain user id is discarded; the current
// session keeps running in memory.
func (m *Manager) EnableAnonymousTracking(opts config.AnonymousTrackingOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()

	opts.Enabled = true
	if !m.loaded {
		m.loadLocked(m.clock.Now())
	}
	m.anon = opts
	m.deleteDurable()
	m.sess.DomainUserID = ""
}

// DisableAnonymousTracking leaves anonymous mode and persists the in-memory
// session to strategy, falling back to the configured strategy.
func (m *Manager) DisableAnonymousTracking(strategy config.StateStorageStrategy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case strategy != "":
		m.strategy = strategy
	case m.opts.Strategy != "":
		m.strategy = m.opts.Strategy
	default:
		m.strategy = config.StrategyCookieAndLocalStorage
	}
	m.anon = config.AnonymousTrackingOptions{}

	now := m.clock.Now()
	if !m.loaded {
		m.loadLocked(now)
	}
	if m.sess.DomainUserID == "" {
		m.sess.DomainUserID = m.newID()
		m.sess.CreatedAt = now
	}
	m.persistLocked()
}

// Anonymous returns the active anonymous-tracking options
func (m *Manager) Anonymous() config.AnonymousTrackingOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.anon
}

// Strategy returns the active state storage strategy
func (m *Manager) Strategy() config.StateStorageStrategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strategy
}

// Degraded reports whether the last persist found no writable store while
// the strategy asked for one. State then lives in memory only.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Identifiers returns the identity fields allowed on an event for s
func (m *Manager) Identifiers(s Session) Identifiers {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.anon.WithServerAnonymisation {
		return Identifiers{ServerAnonymisation: true}
	}
	var ids Identifiers
	if m.userID != nil {
		ids.UserID = *m.userID
	}
	if !m.anon.Enabled {
		ids.DomainUserID = s.DomainUserID
		ids.SessionID = s.SessionID
		ids.SessionIndex = s.SessionIndex
		return ids
	}
	if m.anon.WithSessionTracking {
		ids.SessionID = s.SessionID
		ids.SessionIndex = s.SessionIndex
	}
	return ids
}

func (m *Manager) ensureLocked(now time.Time) {
	if !m.loaded {
		m.loadLocked(now)
		return
	}
	if m.expired(now) {
		m.renewLocked(now)
	}
}

func (m *Manager) expired(now time.Time) bool {
	return now.Sub(m.sess.LastActivity) > m.opts.SessionTimeout
}

// loadLocked reads the id record from cookie, then local storage. A missing
// or corrupt record starts a new visitor.
func (m *Manager) loadLocked(now time.Time) {
	m.loaded = true

	if !m.anon.Enabled {
		if s, ok := m.readDurable(); ok {
			m.sess = s
			m.sess.SessionStart = now
			if m.expired(now) {
				m.renewLocked(now)
			}
			return
		}
	}

	m.sess = Session{
		DomainUserID: m.newID(),
		CreatedAt:    now,
		SessionIndex: 1,
		LastActivity: now,
		SessionID:    m.newID(),
		SessionStart: now,
	}
	if m.anon.Enabled {
		m.sess.DomainUserID = ""
	}
}

func (m *Manager) renewLocked(now time.Time) {
	m.sess.PreviousSessionID = m.sess.SessionID
	m.sess.SessionID = m.newID()
	m.sess.SessionIndex++
	m.sess.LastVisit = m.sess.LastActivity
	m.sess.LastActivity = now
	m.sess.SessionStart = now
	m.sess.FirstEventID = ""
	m.sess.FirstEventTime = time.Time{}
	m.sess.EventIndex = 0
	m.log.V(4).Info("session renewed", "sessionIndex", m.sess.SessionIndex)
}

func (m *Manager) readDurable() (Session, bool) {
	key := m.cookieNameLocked("id")
	var sources []storage.Store
	if m.strategy.UsesCookie() {
		sources = append(sources, m.opts.Stores.Cookie)
	}
	if m.strategy.UsesLocalStorage() {
		sources = append(sources, m.opts.Stores.Local)
	}
	for _, st := range sources {
		if !storage.Usable(st) {
			continue
		}
		raw, ok := st.Get(key)
		if !ok || raw == "" {
			continue
		}
		s, err := decodeRecord(raw)
		if err != nil {
			m.log.V(2).Info("ignoring stored id record", "key", key, "err", err)
			continue
		}
		return s, true
	}
	return Session{}, false
}

func (m *Manager) persistLocked() {
	if m.anon.Enabled || m.strategy == config.StrategyNone {
		return
	}

	record := encodeRecord(m.sess)
	idKey, sesKey := m.cookieNameLocked("id"), m.cookieNameLocked("ses")

	var targets []storage.Entry
	if m.strategy.UsesCookie() {
		targets = append(targets, storage.Entry{Kind: storage.KindCookie, Store: m.opts.Stores.Cookie})
	}
	if m.strategy.UsesLocalStorage() {
		targets = append(targets, storage.Entry{Kind: storage.KindLocal, Store: m.opts.Stores.Local})
	}

	written := 0
	for _, t := range targets {
		if !storage.Usable(t.Store) {
			continue
		}
		okID := t.Store.Set(idKey, record, m.opts.CookieLifetime)
		okSes := t.Store.Set(sesKey, "*", m.opts.SessionTimeout)
		if !okID || !okSes {
			m.log.V(2).Info("failed to persist id record", "store", t.Kind)
			continue
		}
		written++
	}
	m.degraded = written == 0
}

func (m *Manager) deleteDurable() {
	idKey, sesKey := m.cookieNameLocked("id"), m.cookieNameLocked("ses")
	for _, e := range m.opts.Stores.All() {
		if e.Store == nil {
			continue
		}
		e.Store.Delete(idKey)
		e.Store.Delete(sesKey)
	}
}

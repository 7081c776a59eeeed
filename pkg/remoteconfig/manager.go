package remoteconfig

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/nicktill/tinytrack/pkg/config"
	"github.com/nicktill/tinytrack/pkg/schedule"
	"github.com/nicktill/tinytrack/pkg/storage"
)

// FetchMode is the action a refresh cycle takes.
type FetchMode string

const (
	// ModeUpdateTimer skips the fetch and arms a timer for the remaining interval
	ModeUpdateTimer FetchMode = "updateTimer"
	// ModeUrgentFetch fetches now because nothing is cached
	ModeUrgentFetch FetchMode = "urgentFetch"
	// ModeCheckDiff fetches and applies only if the payload changed
	ModeCheckDiff FetchMode = "checkDiff"
)

// Options configures a Manager.
type Options struct {
	// Local is the application-supplied layer
	Local map[string]interface{}
	// Defaults sit below every other layer
	Defaults map[string]interface{}

	Preference config.MergePreference
	Policy     MergePolicy

	// Fetcher retrieves the remote layer; nil disables remote config
	Fetcher Fetcher

	// Store caches the last remote layer (usually local storage)
	Store    storage.Store
	CacheKey string

	RefreshInterval time.Duration

	// OnApply receives the new effective config whenever it changes
	OnApply func(effective map[string]interface{})

	Clock  clock.PassiveClock
	Logger logr.Logger
}

// Result describes one refresh cycle.
type Result struct {
	Mode    FetchMode
	Changed bool
	// NextIn is the delay until the next cycle should run
	NextIn time.Duration
}

type call struct {
	done chan struct{}
	res  Result
	err  error
}

// Manager owns the layers of one tracker.
type Manager struct {
	opts  Options
	log   logr.Logger
	clock clock.PassiveClock

	mu        sync.Mutex
	base      map[string]interface{}
	remote    *Layer
	effective map[string]interface{}
	applied   bool
	inflight  *call
}

// NewManager builds the effective config from defaults, the local layer and
// any cached remote layer.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = config.DefaultRemoteConfigRefresh
	}
	if opts.Preference == "" {
		opts.Preference = config.PreferMerge
	}
	if opts.CacheKey == "" {
		opts.CacheKey = config.DefaultStorageKeyPrefix + config.RemoteConfigStorageKey
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	m := &Manager{
		opts:  opts,
		log:   log.WithName("remoteconfig"),
		clock: opts.Clock,
	}
	m.base = Merge(NormalizeMap(opts.Defaults), NormalizeMap(opts.Local), config.PreferRemote, opts.Policy)
	m.loadCache()
	m.recompute()
	return m
}

func (m *Manager) loadCache() {
	if !storage.Usable(m.opts.Store) {
		return
	}
	raw, ok := m.opts.Store.Get(m.opts.CacheKey)
	if !ok {
		return
	}
	layer, err := decodeCache(raw)
	if err != nil {
		m.log.V(2).Info("discarding cached remote config", "err", err)
		m.opts.Store.Delete(m.opts.CacheKey)
		return
	}
	m.remote = &layer
	m.applied = true
}

func (m *Manager) recompute() {
	if m.remote == nil {
		m.effective = deepCopy(m.base).(map[string]interface{})
		return
	}
	m.effective = Merge(m.base, m.remote.Config, m.opts.Preference, m.opts.Policy)
}

// Effective returns a copy of the merged config
func (m *Manager) Effective() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return deepCopy(m.effective).(map[string]interface{})
}

// Applied reports whether a remote layer (fetched or cached) has been
// applied at least once
func (m *Manager) Applied() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}

// Remote returns the current remote layer, if any
func (m *Manager) Remote() (Layer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remote == nil {
		return Layer{}, false
	}
	return *m.remote, true
}

// DetermineFetchMode picks the action for a refresh cycle at now
func (m *Manager) DetermineFetchMode(now time.Time) FetchMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchModeLocked(now)
}

func (m *Manager) fetchModeLocked(now time.Time) FetchMode {
	if m.remote == nil {
		return ModeUrgentFetch
	}
	if now.Sub(m.remote.FetchedAt) < m.opts.RefreshInterval {
		return ModeUpdateTimer
	}
	return ModeCheckDiff
}

// Refresh runs one refresh cycle. A call made while another cycle is
// fetching waits for it and shares its result. Fetch failures keep the
// previous config in force.
func (m *Manager) Refresh(ctx context.Context) (Result, error) {
	m.mu.Lock()
	if c := m.inflight; c != nil {
		m.mu.Unlock()
		select {
		case <-c.done:
			return c.res, c.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	now := m.clock.Now()
	mode := m.fetchModeLocked(now)
	if mode == ModeUpdateTimer || m.opts.Fetcher == nil {
		next := m.opts.RefreshInterval
		if m.remote != nil {
			next -= now.Sub(m.remote.FetchedAt)
		}
		m.mu.Unlock()
		return Result{Mode: ModeUpdateTimer, NextIn: next}, nil
	}

	c := &call{done: make(chan struct{})}
	m.inflight = c
	m.mu.Unlock()

	c.res, c.err = m.fetch(ctx, mode)

	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()
	close(c.done)
	return c.res, c.err
}

func (m *Manager) fetch(ctx context.Context, mode FetchMode) (Result, error) {
	res := Result{Mode: mode, NextIn: m.opts.RefreshInterval}

	doc, err := m.opts.Fetcher.Fetch(ctx)
	if err != nil {
		m.log.V(2).Info("remote config unavailable, keeping previous layer", "mode", mode, "err", err)
		return res, err
	}
	layer, err := NewLayer(SourceRemote, doc, m.clock.Now())
	if err != nil {
		m.log.V(2).Info("ignoring remote config", "err", err)
		return res, err
	}

	m.mu.Lock()
	unchanged := m.remote != nil &&
		m.remote.Fingerprint == layer.Fingerprint &&
		Equal(m.remote.Config, layer.Config)
	if unchanged {
		// Same payload: only the freshness moves
		m.remote.FetchedAt = layer.FetchedAt
		m.persistLocked(*m.remote)
		m.mu.Unlock()
		m.log.V(4).Info("remote config unchanged", "mode", mode)
		return res, nil
	}

	if m.remote != nil {
		m.log.V(4).Info("remote config changed", "diff", Diff(m.remote.Config, layer.Config))
	}
	m.remote = &layer
	m.applied = true
	m.recompute()
	m.persistLocked(layer)
	effective := deepCopy(m.effective).(map[string]interface{})
	m.mu.Unlock()

	res.Changed = true
	if m.opts.OnApply != nil {
		m.opts.OnApply(effective)
	}
	return res, nil
}

func (m *Manager) persistLocked(l Layer) {
	if !storage.Usable(m.opts.Store) {
		return
	}
	raw, err := encodeCache(l)
	if err != nil {
		m.log.V(2).Info("failed to cache remote config", "err", err)
		return
	}
	if !m.opts.Store.Set(m.opts.CacheKey, raw, 0) {
		m.log.V(2).Info("failed to cache remote config", "key", m.opts.CacheKey)
	}
}

// Schedule runs refresh cycles on g until g is cancelled. The first cycle
// runs as soon as the scheduler fires, never inline, so construction and
// delivery never wait on the network.
func (m *Manager) Schedule(ctx context.Context, g *schedule.Group) {
	if m.opts.Fetcher == nil {
		return
	}
	var cycle func()
	cycle = func() {
		res, _ := m.Refresh(ctx)
		next := res.NextIn
		if next <= 0 {
			next = m.opts.RefreshInterval
		}
		if ctx.Err() != nil {
			return
		}
		g.After(next, cycle)
	}
	g.After(0, cycle)
}

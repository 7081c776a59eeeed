// Package tracker ties the identity, sampling, remote-config, queue, activity
// and plugin components of one tracker together and keeps the registry of
// live trackers.
//
// Every public method of a Tracker and every timer callback it owns is
// serialised by the tracker's mutex. Runtime failures are logged and
// absorbed; only construction returns errors.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/nicktill/tinytrack/pkg/activity"
	"github.com/nicktill/tinytrack/pkg/config"
	"github.com/nicktill/tinytrack/pkg/event"
	"github.com/nicktill/tinytrack/pkg/identity"
	"github.com/nicktill/tinytrack/pkg/plugin"
	"github.com/nicktill/tinytrack/pkg/queue"
	"github.com/nicktill/tinytrack/pkg/remoteconfig"
	"github.com/nicktill/tinytrack/pkg/sampling"
	"github.com/nicktill/tinytrack/pkg/schedule"
	"github.com/nicktill/tinytrack/pkg/storage"
	"github.com/nicktill/tinytrack/pkg/transport"
)

// Version is reported in the tv field of every event
const Version = "go-0.1.0"

// Schemas of the contexts a tracker attaches itself
const (
	CustomTagsSchema  = "iglu:com.tinytrack/custom_tags/jsonschema/1-0-0"
	CustomEventSchema = "iglu:com.tinytrack/custom_event/jsonschema/1-0-0"
)

// AnonymousHeader is sent on POST while server anonymisation is on
const AnonymousHeader = "SP-Anonymous"

var (
	// ErrNoSharedState is returned when a tracker is built without SharedState
	ErrNoSharedState = errors.New("shared state is required")
	// ErrNoNamespace is returned for an empty tracker id or namespace
	ErrNoNamespace = errors.New("tracker id and namespace are required")
)

// Options configures a Tracker. Everything except Shared has a default.
type Options struct {
	Config config.TrackerConfig
	Shared *SharedState

	// Stores are the storage capabilities; nil entries are unavailable
	Stores storage.Set
	// Sender delivers events; defaults to HTTP
	Sender transport.Sender
	// Fetcher overrides the HTTP fetcher built from RemoteConfigURL
	Fetcher remoteconfig.Fetcher
	// Scheduler drives every timer and clock of the tracker
	Scheduler schedule.Scheduler

	Observer queue.Observer
	// OnDrop may call back into the tracker, except Remove
	OnDrop func(ev event.QueuedEvent, reason queue.DropReason)

	// Plugins are activated in order once the tracker is constructed
	Plugins       []plugin.Plugin
	OnPluginError func(name string, err error)

	// Page is the initial page the tracker reports
	Page event.PageInfo
	// DoNotTrack is the environment's do-not-track signal
	DoNotTrack bool

	// Random draws sampling numbers in [0, 100)
	Random func() float64
	NewID  func() string
	Logger logr.Logger
}

// PageViewEvent describes a page view
type PageViewEvent struct {
	// Title overrides the document title for this page view
	Title string
	// ContextCallback runs on the page view and on every page ping of it
	ContextCallback func() []event.SelfDescribingJSON
	Contexts        []event.SelfDescribingJSON
	// TrueTimestamp overrides the device timestamp, epoch ms
	TrueTimestamp int64
}

// CustomEvent is a named event with free-form data
type CustomEvent struct {
	Name     string
	Data     interface{}
	Contexts []event.SelfDescribingJSON
}

// Tracker is one tracker instance
type Tracker struct {
	id        string
	namespace string
	cfg       config.TrackerConfig
	stores    storage.Set
	shared    *SharedState
	log       logr.Logger
	sched     schedule.Scheduler
	group     *schedule.Group
	newID     func() string
	dnt       bool

	ctx    context.Context
	cancel context.CancelFunc

	ids      *identity.Manager
	sampler  *sampling.Engine
	rcfg     *remoteconfig.Manager
	queue    *queue.Queue
	activity *activity.Scheduler
	plugins  *plugin.Registry

	mu              sync.Mutex
	page            event.PageInfo
	customReferrer  bool
	lastPageURL     string
	pageViewID      string
	pageViewGen     uint64
	pageViewSession string
	pageViewSent    bool
	preservePVID    bool
	pageContexts    func() []event.SelfDescribingJSON
	customTags      map[string]interface{}
	optOutCookie    string
	removed         bool
}

// New builds a tracker. It never touches the network: a configured remote
// config is fetched from the first timer cycle.
func New(id, namespace string, opts Options) (*Tracker, error) {
	if id == "" || namespace == "" {
		return nil, ErrNoNamespace
	}
	if opts.Shared == nil {
		return nil, ErrNoSharedState
	}
	cfg, err := config.Resolve(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tracker config: %w", err)
	}
	if opts.Scheduler == nil {
		opts.Scheduler = schedule.NewReal()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Sender == nil {
		opts.Sender = transport.NewHTTP(cfg.ConnectionTimeout)
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithName("tracker").WithValues("tracker", id)

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		id:         id,
		namespace:  namespace,
		cfg:        cfg,
		stores:     opts.Stores,
		shared:     opts.Shared,
		log:        log,
		sched:      opts.Scheduler,
		group:      schedule.NewGroup(opts.Scheduler),
		newID:      opts.NewID,
		dnt:        opts.DoNotTrack,
		ctx:        ctx,
		cancel:     cancel,
		page:       opts.Page,
		customTags: make(map[string]interface{}),
	}

	t.ids = identity.NewManager(identity.Options{
		Stores:         opts.Stores,
		Strategy:       cfg.StateStorageStrategy,
		CookieName:     cfg.CookieName,
		CookieDomain:   cfg.CookieDomain,
		CookiePath:     cfg.CookiePath,
		CookieLifetime: cfg.CookieLifetime,
		SessionTimeout: cfg.SessionCookieTimeout,
		Anonymous:      cfg.AnonymousTracking,
		Clock:          opts.Scheduler,
		Logger:         log,
		NewID:          opts.NewID,
	})

	local := t.localStore()
	t.sampler = sampling.NewEngine(sampling.Options{
		Store:  opts.Stores.Local,
		Key:    cfg.StorageKeyPrefix + config.SamplingRandomNumberStorageKey,
		Random: opts.Random,
		Logger: log,
	})
	t.sampler.SetPersistence(!cfg.AnonymousTracking.Enabled && storage.Usable(local))

	fetcher := opts.Fetcher
	if fetcher == nil && cfg.RemoteConfigURL != "" {
		fetcher = remoteconfig.NewHTTPFetcher(cfg.RemoteConfigURL, config.RemoteConfigFetchTimeout)
	}
	t.rcfg = remoteconfig.NewManager(remoteconfig.Options{
		Local:           cfg.LocalConfig,
		Preference:      cfg.MergePreference,
		Policy:          remoteconfig.DefaultPolicy(),
		Fetcher:         fetcher,
		Store:           local,
		CacheKey:        cfg.StorageKeyPrefix + config.RemoteConfigStorageKey,
		RefreshInterval: cfg.RemoteConfigRefresh,
		OnApply:         t.applyRemoteConfig,
		Clock:           opts.Scheduler,
		Logger:          log,
	})
	t.sampler.SetConfig(t.rcfg.Effective(), t.rcfg.Applied())

	method := config.MethodPost
	if cfg.EventMethod == config.MethodGet {
		method = config.MethodGet
	}
	t.queue = queue.New(queue.Options{
		Namespace:         namespace,
		Method:            method,
		CollectorURL:      cfg.CollectorURL,
		PostPath:          cfg.PostPath,
		GetPath:           cfg.GetPath,
		BufferSize:        cfg.BufferSize,
		FlushInterval:     cfg.FlushInterval,
		MaxGetBytes:       cfg.MaxGetBytes,
		MaxPostBytes:      cfg.MaxPostBytes,
		ConnectionTimeout: cfg.ConnectionTimeout,
		MaxRetries:        cfg.MaxRetries,
		RetryMinDelay:     cfg.RetryMinDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		UseStm:            config.Bool(cfg.UseStm),
		CustomHeaders:     cfg.CustomHeaders,
		Persist:           local,
		StorageKey:        cfg.StorageKeyPrefix + config.OutQueueStorageKey + "_" + namespace + "_" + string(method),
		MaxQueueSize:      cfg.MaxLocalStorageQueueSize,
		Sender:            opts.Sender,
		// The queue cancels its own timers from ClearTimers and Close
		Group:    schedule.NewGroup(opts.Scheduler),
		Observer: opts.Observer,
		OnDrop:   opts.OnDrop,
		Logger:   log,
	})
	t.updateAnonymousHeader()

	t.activity = activity.New(activity.Options{
		Group:           t.group,
		ResetOnPageView: config.Bool(cfg.ResetActivityTrackingOnPageView),
		Context:         t.activityContexts,
		Logger:          log,
	})
	t.plugins = plugin.NewRegistry(t, plugin.Options{OnError: opts.OnPluginError, Logger: log})

	t.shared.attach(id, t.queue, t.queue.Unload)
	t.rcfg.Schedule(t.ctx, t.group)

	for _, p := range opts.Plugins {
		_ = t.plugins.Add(p)
	}
	log.V(0).Info("tracker created", "namespace", namespace, "collector", cfg.CollectorURL,
		"strategy", cfg.StateStorageStrategy, "anonymous", cfg.AnonymousTracking.Enabled)
	return t, nil
}

// ID returns the tracker id
func (t *Tracker) ID() string { return t.id }

// Namespace returns the tracker namespace
func (t *Tracker) Namespace() string { return t.namespace }

// Shared returns the SharedState the tracker is attached to
func (t *Tracker) Shared() *SharedState { return t.shared }

// Config returns the resolved configuration
func (t *Tracker) Config() config.TrackerConfig { return t.cfg }

// Queue exposes the output queue
func (t *Tracker) Queue() *queue.Queue { return t.queue }

// localStore is the local storage the active strategy allows, or nil
func (t *Tracker) localStore() storage.Store {
	if !t.ids.Strategy().UsesLocalStorage() {
		return nil
	}
	return t.stores.Local
}

func (t *Tracker) applyRemoteConfig(effective map[string]interface{}) {
	t.sampler.SetConfig(effective, t.rcfg.Applied())
	t.log.V(2).Info("remote config applied", "samplingMode", t.sampler.Mode())
}

func (t *Tracker) updateAnonymousHeader() {
	if t.ids.Anonymous().WithServerAnonymisation {
		t.queue.SetHeader(AnonymousHeader, "*")
		return
	}
	t.queue.SetHeader(AnonymousHeader, "")
}

// SetUserID sets the business user id; nil clears it
func (t *Tracker) SetUserID(id *string) {
	t.ids.SetUserID(id)
}

// GetUserID returns the business user id
func (t *Tracker) GetUserID() string {
	return t.ids.UserID()
}

// GetDomainUserID returns the domain user id
func (t *Tracker) GetDomainUserID() string {
	return t.ids.DomainUserID()
}

// GetDomainUserInfo returns the full id record
func (t *Tracker) GetDomainUserInfo() identity.Session {
	return t.ids.DomainUserInfo()
}

// GetDomainSessionIndex returns the session index
func (t *Tracker) GetDomainSessionIndex() int {
	return t.ids.SessionIndex()
}

// GetCookieName returns the storage key for base, e.g. "id" or "ses"
func (t *Tracker) GetCookieName(base string) string {
	return t.ids.CookieName(base)
}

// NewSession expires the current session and starts a new one
func (t *Tracker) NewSession() {
	t.ids.NewSession()
}

// ClearUserData deletes stored identifiers and invalidates the sampling
// random number
func (t *Tracker) ClearUserData(opts identity.ClearOptions) {
	t.ids.ClearUserData(opts)
	t.sampler.RemoveCachedRandomNumber()
}

// EnableAnonymousTracking switches to anonymous mode at runtime
func (t *Tracker) EnableAnonymousTracking(opts config.AnonymousTrackingOptions) {
	t.ids.EnableAnonymousTracking(opts)
	t.sampler.SetPersistence(false)
	t.updateAnonymousHeader()
}

// DisableAnonymousTracking leaves anonymous mode. An empty strategy falls
// back to the configured one.
func (t *Tracker) DisableAnonymousTracking(strategy config.StateStorageStrategy) {
	t.ids.DisableAnonymousTracking(strategy)
	local := t.localStore()
	t.sampler.SetPersistence(storage.Usable(local))
	t.queue.SetPersist(local)
	t.updateAnonymousHeader()
}

// SetVisitorCookieTimeout changes how long the id record is kept
func (t *Tracker) SetVisitorCookieTimeout(d time.Duration) {
	t.ids.SetCookieLifetime(d)
}

// SetCookiePath changes the cookie path, and with it the storage key hash
func (t *Tracker) SetCookiePath(path string) {
	t.ids.SetCookiePath(path)
}

// GetSamplingMode returns the current sampling mode
func (t *Tracker) GetSamplingMode() sampling.Mode {
	return t.sampler.Mode()
}

// SamplingDecision returns the decision for the current visitor
func (t *Tracker) SamplingDecision() sampling.Decision {
	return t.sampler.Decision(t.ids.DomainUserID())
}

// RemoteConfig returns the effective merged config
func (t *Tracker) RemoteConfig() map[string]interface{} {
	return t.rcfg.Effective()
}

// RefreshRemoteConfig runs one refresh cycle now
func (t *Tracker) RefreshRemoteConfig(ctx context.Context) (remoteconfig.Result, error) {
	return t.rcfg.Refresh(ctx)
}

// SetCollectorURL redirects future deliveries
func (t *Tracker) SetCollectorURL(url string) {
	t.queue.SetCollectorURL(url)
}

// SetBufferSize changes the flush threshold
func (t *Tracker) SetBufferSize(n int) {
	t.queue.SetBufferSize(n)
}

// FlushBuffer sends everything pending now
func (t *Tracker) FlushBuffer(opts queue.FlushOptions) {
	t.queue.Flush(opts)
}

// SetOptOutCookie names a cookie whose presence stops all tracking; an empty
// name clears it
func (t *Tracker) SetOptOutCookie(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.optOutCookie = name
}

// SetCustomURL overrides the page URL
func (t *Tracker) SetCustomURL(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.page.URL = url
}

// SetReferrerURL overrides the referrer
func (t *Tracker) SetReferrerURL(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.page.Referrer = url
	t.customReferrer = true
}

// SetDocumentTitle overrides the page title
func (t *Tracker) SetDocumentTitle(title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.page.Title = title
}

// SetCustomTags adds or replaces custom tags sent with every event
func (t *Tracker) SetCustomTags(tags map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range tags {
		t.customTags[k] = v
	}
}

// UnsetCustomTags removes the named tags, or all of them when none are named
func (t *Tracker) UnsetCustomTags(keys ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(keys) == 0 {
		t.customTags = make(map[string]interface{})
		return
	}
	for _, k := range keys {
		delete(t.customTags, k)
	}
}

// PreservePageViewID stops regenerating the page-view id on page views
func (t *Tracker) PreservePageViewID() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preservePVID = true
}

// GetPageViewID returns the page-view id of the current page
func (t *Tracker) GetPageViewID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pageViewID != "" {
		return t.pageViewID
	}
	return t.shared.PageViewID(t.newID)
}

// GetPageViewSent reports whether a page view was tracked for the current page
func (t *Tracker) GetPageViewSent() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pageViewSent
}

// EnableActivityTracking sends page pings as heartbeats
func (t *Tracker) EnableActivityTracking(cfg activity.Config) {
	if err := t.activity.Enable(activity.KindPing, cfg, t.emitPing); err != nil {
		t.log.V(2).Info("activity tracking not enabled", "err", err)
	}
}

// EnableActivityTrackingCallback hands heartbeats to cb instead of sending
// page pings
func (t *Tracker) EnableActivityTrackingCallback(cfg activity.Config, cb func(activity.CallbackData)) {
	if err := t.activity.Enable(activity.KindCallback, cfg, cb); err != nil {
		t.log.V(2).Info("activity callback not enabled", "err", err)
	}
}

// UpdatePageActivity records activity that did not come from an interaction
func (t *Tracker) UpdatePageActivity() {
	t.activity.UpdatePageActivity()
}

// UpdateScroll records the current scroll position
func (t *Tracker) UpdateScroll(x, y int) {
	t.activity.UpdateScroll(x, y)
}

// AddPlugin activates p now; it applies to events tracked afterwards
func (t *Tracker) AddPlugin(p plugin.Plugin) {
	_ = t.plugins.Add(p)
}

// ClearTimers stops activity tracking, every timer the tracker and its
// queue own, and the in-flight request. Queued events stay queued.
func (t *Tracker) ClearTimers() {
	t.activity.Stop()
	t.group.CancelAll()
	t.queue.CancelTimers()
}

// Remove tears the tracker down: timers are cancelled, the in-flight request
// is aborted and the queue detaches from SharedState. Undelivered events stay
// persisted.
func (t *Tracker) Remove() {
	t.mu.Lock()
	if t.removed {
		t.mu.Unlock()
		return
	}
	t.removed = true
	t.mu.Unlock()

	t.cancel()
	t.activity.Stop()
	t.group.Close()
	t.shared.detach(t.id)
	t.queue.Close()
	t.log.V(0).Info("tracker removed")
}

func formatMillis(ms int64) string {
	return strconv.FormatInt(ms, 10)
}

// Package collector is a development collector for tinytrack trackers. It
// accepts the GET and POST tracking endpoints, keeps the most recent events
// in memory, streams them to live tail clients over WebSocket and serves the
// remote config document trackers poll.
//
// Responses can be scripted with FailNext to watch a tracker retry and drop.
package collector

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"k8s.io/utils/clock"

	"github.com/nicktill/tinytrack/pkg/config"
	"github.com/nicktill/tinytrack/pkg/event"
	"github.com/nicktill/tinytrack/pkg/httpx"
	"github.com/nicktill/tinytrack/pkg/metrics"
	"github.com/nicktill/tinytrack/pkg/plugin/traceparent"
	"github.com/nicktill/tinytrack/pkg/remoteconfig"
	"github.com/nicktill/tinytrack/pkg/storage"
	"github.com/nicktill/tinytrack/pkg/tracker"
)

// RemoteConfigKey is the storage key of the served remote config
const RemoteConfigKey = "collector_remote_config"

// DefaultEventsLimit caps /v1/events when no limit is given
const DefaultEventsLimit = 100

// ErrInvalidConfig is returned for a remote config that is not a JSON object
var ErrInvalidConfig = errors.New("remote config must be a JSON object")

var errScripted = errors.New("scripted failure")

// Options configures a Collector. Zero values take the defaults in pkg/config.
type Options struct {
	PostPath string
	GetPath  string

	MaxRetained      int
	MaxBodyBytes     int64
	MaxEventsPerPost int

	// Store keeps the remote config across restarts; nil keeps it in memory
	Store storage.Store

	// Metrics is optional
	Metrics *metrics.Ingest

	Clock  clock.PassiveClock
	Logger logr.Logger
}

// Received is one event as the collector saw it
type Received struct {
	Method      string            `json:"method"`
	ReceivedAt  time.Time         `json:"received_at"`
	Anonymous   bool              `json:"anonymous,omitempty"`
	TraceParent string            `json:"traceparent,omitempty"`
	Fields      map[string]string `json:"fields"`
}

// Stats summarises what the collector has received
type Stats struct {
	Received    int64            `json:"received"`
	Retained    int              `json:"retained"`
	Rejected    int64            `json:"rejected"`
	ByType      map[string]int64 `json:"by_type"`
	TailClients int              `json:"tail_clients"`
	Uptime      string           `json:"uptime"`
}

// Collector receives tracking requests
type Collector struct {
	opts    Options
	log     logr.Logger
	clock   clock.PassiveClock
	started time.Time
	hub     *Hub

	mu       sync.RWMutex
	events   []Received
	received int64
	rejected int64
	byType   map[string]int64
	failures []int
	remote   []byte
}

// New creates a collector. Start the tail hub with Hub().Run.
func New(opts Options) *Collector {
	if opts.PostPath == "" {
		opts.PostPath = config.DefaultPostPath
	}
	if opts.GetPath == "" {
		opts.GetPath = config.DefaultGetPath
	}
	if opts.MaxRetained <= 0 {
		opts.MaxRetained = config.CollectorMaxEventsRetained
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = config.CollectorMaxBodyBytes
	}
	if opts.MaxEventsPerPost <= 0 {
		opts.MaxEventsPerPost = config.CollectorMaxEventsPerPost
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithName("collector")

	c := &Collector{
		opts:    opts,
		log:     log,
		clock:   opts.Clock,
		started: opts.Clock.Now(),
		byType:  make(map[string]int64),
	}
	c.hub = NewHub(log, func(n int) {
		if c.opts.Metrics != nil {
			c.opts.Metrics.TailClients(n)
		}
	})
	if storage.Usable(opts.Store) {
		if raw, ok := opts.Store.Get(RemoteConfigKey); ok {
			c.remote = []byte(raw)
		}
	}
	return c
}

// Hub returns the live tail hub
func (c *Collector) Hub() *Hub { return c.hub }

// Router wires every endpoint
func (c *Collector) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(httpx.CORS)

	r.HandleFunc(c.opts.GetPath, c.HandleGet).Methods(http.MethodGet)
	r.HandleFunc(c.opts.PostPath, c.HandlePost).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/health", c.HandleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/events", c.HandleEvents).Methods(http.MethodGet)
	api.HandleFunc("/events", c.HandleClear).Methods(http.MethodDelete)
	api.HandleFunc("/stats", c.HandleStats).Methods(http.MethodGet)
	api.HandleFunc("/config", c.HandleGetConfig).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/config", c.HandlePutConfig).Methods(http.MethodPut)
	api.HandleFunc("/fail", c.HandleFail).Methods(http.MethodPut)
	api.Handle("/ws", c.hub).Methods(http.MethodGet)

	if c.opts.Metrics != nil {
		r.Handle("/metrics", c.opts.Metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// FailNext makes the next n tracking requests answer with status
func (c *Collector) FailNext(status, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.failures = append(c.failures, status)
	}
}

func (c *Collector) nextFailure() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.failures) == 0 {
		return 0, false
	}
	status := c.failures[0]
	c.failures = c.failures[1:]
	return status, true
}

// HandleGet accepts a single event in the query string
func (c *Collector) HandleGet(w http.ResponseWriter, r *http.Request) {
	c.request(http.MethodGet)
	if status, ok := c.nextFailure(); ok {
		c.reject(w, status, "scripted", errScripted)
		return
	}

	fields := event.PayloadFromValues(r.URL.Query()).Map()
	if err := ValidateEvent(fields); err != nil {
		c.reject(w, http.StatusBadRequest, "invalid_event", err)
		return
	}
	c.accept(r, []map[string]string{fields})
	httpx.RespondPixel(w)
}

// HandlePost accepts a payload_data batch
func (c *Collector) HandlePost(w http.ResponseWriter, r *http.Request) {
	c.request(http.MethodPost)
	if status, ok := c.nextFailure(); ok {
		c.reject(w, status, "scripted", errScripted)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, c.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.reject(w, http.StatusRequestEntityTooLarge, "too_large", ErrBodyTooLarge)
			return
		}
		c.reject(w, http.StatusBadRequest, "unreadable", err)
		return
	}

	rows, err := event.DecodePost(body)
	if err != nil {
		c.reject(w, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if len(rows) > c.opts.MaxEventsPerPost {
		c.reject(w, http.StatusBadRequest, "too_many_events",
			fmt.Errorf("%w: %d (max %d)", ErrTooManyEvents, len(rows), c.opts.MaxEventsPerPost))
		return
	}
	for i, row := range rows {
		if err := ValidateEvent(row); err != nil {
			c.reject(w, http.StatusBadRequest, "invalid_event", fmt.Errorf("event %d: %w", i, err))
			return
		}
	}

	c.accept(r, rows)
	c.respond(w, http.StatusOK, map[string]interface{}{"status": "ok", "count": len(rows)})
}

func (c *Collector) accept(r *http.Request, rows []map[string]string) {
	now := c.clock.Now()
	anonymous := r.Header.Get(tracker.AnonymousHeader) != ""
	var trace string
	if tc, ok := traceparent.FromRequest(r); ok {
		trace = tc.String()
	}

	batch := make([]Received, len(rows))
	for i, row := range rows {
		batch[i] = Received{
			Method:      r.Method,
			ReceivedAt:  now,
			Anonymous:   anonymous,
			TraceParent: trace,
			Fields:      row,
		}
		if tc, ok := eventTrace(row); ok {
			batch[i].TraceParent = tc
		}
	}

	c.mu.Lock()
	c.events = append(c.events, batch...)
	if over := len(c.events) - c.opts.MaxRetained; over > 0 {
		c.events = append([]Received(nil), c.events[over:]...)
	}
	c.received += int64(len(batch))
	for _, ev := range batch {
		c.byType[ev.Fields["e"]]++
	}
	c.mu.Unlock()

	if c.opts.Metrics != nil {
		for _, ev := range batch {
			c.opts.Metrics.Events(ev.Fields["e"], 1)
		}
	}
	for _, ev := range batch {
		c.hub.Publish(map[string]interface{}{"type": "event", "event": ev})
	}
	c.log.V(4).Info("received events", "method", r.Method, "count", len(batch),
		"anonymous", anonymous, "traceparent", trace)
}

// eventTrace returns the traceparent context an event carries, if any
func eventTrace(fields map[string]string) (string, bool) {
	raw := []byte(fields["co"])
	if len(raw) == 0 && fields["cx"] != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(fields["cx"])
		if err != nil {
			return "", false
		}
		raw = decoded
	}
	if len(raw) == 0 {
		return "", false
	}
	var doc struct {
		Data []struct {
			Schema string          `json:"schema"`
			Data   json.RawMessage `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", false
	}
	for _, ctx := range doc.Data {
		if ctx.Schema != traceparent.Schema {
			continue
		}
		var data map[string]string
		if err := json.Unmarshal(ctx.Data, &data); err != nil {
			return "", false
		}
		tc, err := traceparent.Parse(data[traceparent.Header])
		if err != nil {
			return "", false
		}
		return tc.String(), true
	}
	return "", false
}

func (c *Collector) request(method string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.Request(method)
	}
}

func (c *Collector) reject(w http.ResponseWriter, status int, reason string, err error) {
	c.mu.Lock()
	c.rejected++
	c.mu.Unlock()
	if c.opts.Metrics != nil {
		c.opts.Metrics.Rejected(reason)
	}
	c.log.V(2).Info("rejected request", "status", status, "reason", reason, "err", err)
	if encErr := httpx.RespondError(w, status, err); encErr != nil {
		c.log.V(2).Info("failed to encode response", "err", encErr)
	}
}

// fail answers an API request; unlike reject it is not an ingest refusal
func (c *Collector) fail(w http.ResponseWriter, status int, err error) {
	if encErr := httpx.RespondError(w, status, err); encErr != nil {
		c.log.V(2).Info("failed to encode response", "err", encErr)
	}
}

func (c *Collector) respond(w http.ResponseWriter, status int, data interface{}) {
	if err := httpx.RespondJSON(w, status, data); err != nil {
		c.log.V(2).Info("failed to encode response", "err", err)
	}
}

// Events returns the retained events, oldest first
func (c *Collector) Events() []Received {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Received(nil), c.events...)
}

// HandleEvents lists retained events. Query parameters: type (the "e"
// code), namespace (tna), limit (most recent n).
func (c *Collector) HandleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := DefaultEventsLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.fail(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	kind, namespace := q.Get("type"), q.Get("namespace")

	var out []Received
	for _, ev := range c.Events() {
		if kind != "" && ev.Fields["e"] != kind {
			continue
		}
		if namespace != "" && ev.Fields["tna"] != namespace {
			continue
		}
		out = append(out, ev)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	if out == nil {
		out = []Received{}
	}
	c.respond(w, http.StatusOK, map[string]interface{}{"events": out, "count": len(out)})
}

// HandleClear forgets every retained event
func (c *Collector) HandleClear(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// Stats returns the current counters
func (c *Collector) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byType := make(map[string]int64, len(c.byType))
	for k, v := range c.byType {
		byType[k] = v
	}
	return Stats{
		Received:    c.received,
		Retained:    len(c.events),
		Rejected:    c.rejected,
		ByType:      byType,
		TailClients: c.hub.Clients(),
		Uptime:      c.clock.Since(c.started).Round(time.Second).String(),
	}
}

// HandleStats serves Stats
func (c *Collector) HandleStats(w http.ResponseWriter, r *http.Request) {
	c.respond(w, http.StatusOK, c.Stats())
}

// HandleHealth reports liveness
func (c *Collector) HandleHealth(w http.ResponseWriter, r *http.Request) {
	c.respond(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": tracker.Version,
		"uptime":  c.clock.Since(c.started).Round(time.Second).String(),
	})
}

// SetRemoteConfig replaces the served remote config
func (c *Collector) SetRemoteConfig(doc map[string]interface{}) error {
	if doc == nil {
		return ErrInvalidConfig
	}
	raw, err := remoteconfig.Canonical(doc)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.remote = raw
	c.mu.Unlock()

	if storage.Usable(c.opts.Store) && !c.opts.Store.Set(RemoteConfigKey, string(raw), 0) {
		c.log.V(2).Info("failed to persist remote config")
	}
	c.log.V(0).Info("remote config updated", "bytes", len(raw))
	return nil
}

// HandleGetConfig serves the remote config, 404 until one is set
func (c *Collector) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	raw := c.remote
	c.mu.RUnlock()

	if raw == nil {
		c.fail(w, http.StatusNotFound, errors.New("no remote config"))
		return
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err == nil {
		if fp, err := remoteconfig.Fingerprint(doc); err == nil {
			w.Header().Set("ETag", strconv.Quote(strconv.FormatUint(fp, 16)))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// HandlePutConfig replaces the remote config from the request body
func (c *Collector) HandlePutConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxRemoteConfigBytes))
	if err != nil {
		c.fail(w, http.StatusRequestEntityTooLarge, ErrBodyTooLarge)
		return
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
		c.fail(w, http.StatusBadRequest, ErrInvalidConfig)
		return
	}
	if err := c.SetRemoteConfig(doc); err != nil {
		c.fail(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type failRequest struct {
	Status int `json:"status"`
	Count  int `json:"count"`
}

// HandleFail scripts failures: {"status": 503, "count": 2}
func (c *Collector) HandleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1024)).Decode(&req); err != nil {
		c.fail(w, http.StatusBadRequest, err)
		return
	}
	if req.Status < 400 || req.Status > 599 || req.Count <= 0 {
		c.fail(w, http.StatusBadRequest, errors.New("status must be 4xx or 5xx and count positive"))
		return
	}
	c.FailNext(req.Status, req.Count)
	w.WriteHeader(http.StatusNoContent)
}

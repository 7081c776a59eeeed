// Package sampling derives the per-visitor sampling decision from the
// "sampling" key family of the effective config.
package sampling

import (
	"encoding/json"
	"math/rand/v2"
	"sync"

	"github.com/go-logr/logr"

	"github.com/nicktill/tinytrack/pkg/storage"
)

// Mode says whether events are subject to probabilistic sampling.
type Mode string

const (
	ModeNone Mode = "NONE"
	ModeRCFG Mode = "RCFG"
)

// Status says whether the decision is backed by an applied remote config.
type Status string

const (
	StatusDefault Status = "DEFAULT"
	StatusDerived Status = "DERIVED"
)

// Action is the outcome for the visitor.
type Action string

const (
	// ActionSample keeps events
	ActionSample Action = "sl"
	// ActionNoSample drops every non-exempt event
	ActionNoSample Action = "nsl"
)

// FamilyKey is the config key holding sampling settings
const FamilyKey = "sampling"

// Config is the parsed sampling key family.
type Config struct {
	Enabled    bool
	Percentage float64
	Exempt     []string
}

// ParseConfig reads the sampling family of an effective config. Missing or
// mistyped fields fall back to "sample everything".
func ParseConfig(effective map[string]interface{}) Config {
	cfg := Config{Percentage: 100}
	family, ok := effective[FamilyKey].(map[string]interface{})
	if !ok {
		return cfg
	}
	if v, ok := family["enabled"].(bool); ok {
		cfg.Enabled = v
	}
	switch v := family["percentage"].(type) {
	case float64:
		cfg.Percentage = v
	case int:
		cfg.Percentage = float64(v)
	}
	if cfg.Percentage < 0 {
		cfg.Percentage = 0
	}
	if cfg.Percentage > 100 {
		cfg.Percentage = 100
	}
	if list, ok := family["exempt"].([]interface{}); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				cfg.Exempt = append(cfg.Exempt, s)
			}
		}
	}
	return cfg
}

// ComputeSamplingMode returns RCFG when sampling is enabled below 100%
func ComputeSamplingMode(effective map[string]interface{}) Mode {
	return ParseConfig(effective).mode()
}

func (c Config) mode() Mode {
	if c.Enabled && c.Percentage < 100 {
		return ModeRCFG
	}
	return ModeNone
}

// Decision is the sampling decision for one visitor.
type Decision struct {
	Mode         Mode
	Status       Status
	Action       Action
	RandomNumber float64
}

type cached struct {
	DomainUserID string  `json:"duid"`
	Random       float64 `json:"rnd"`
}

// Options configures an Engine.
type Options struct {
	// Store persists the random number; nil keeps it in memory
	Store storage.Store
	Key   string

	// Random draws from [0, 100); defaults to math/rand
	Random func() float64

	Logger logr.Logger
}

// Engine caches the random number per domain user and derives decisions.
type Engine struct {
	opts Options
	log  logr.Logger

	mu      sync.Mutex
	cfg     Config
	status  Status
	persist bool
	rnd     *cached
}

// NewEngine creates an engine; until SetConfig is called every event is kept
func NewEngine(opts Options) *Engine {
	if opts.Random == nil {
		opts.Random = func() float64 { return rand.Float64() * 100 }
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Engine{
		opts:    opts,
		log:     log.WithName("sampling"),
		cfg:     Config{Percentage: 100},
		status:  StatusDefault,
		persist: true,
	}
}

// SetConfig installs the effective config. applied marks that a remote
// layer backs it, which moves the status to DERIVED for good.
func (e *Engine) SetConfig(effective map[string]interface{}, applied bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cfg = ParseConfig(effective)
	if applied {
		e.status = StatusDerived
	}
}

// SetPersistence turns durable caching of the random number on or off.
// Anonymous tracking turns it off.
func (e *Engine) SetPersistence(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.persist = enabled
	if !enabled && storage.Usable(e.opts.Store) {
		e.opts.Store.Delete(e.opts.Key)
	}
}

// Mode returns the current sampling mode
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.mode()
}

// Decision returns the decision for domainUserID. The random number is
// drawn once per domain user and reused until invalidated.
func (e *Engine) Decision(domainUserID string) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decisionLocked(domainUserID)
}

func (e *Engine) decisionLocked(domainUserID string) Decision {
	rnd := e.randomLocked(domainUserID)
	d := Decision{
		Mode:         e.cfg.mode(),
		Status:       e.status,
		Action:       ActionSample,
		RandomNumber: rnd,
	}
	if d.Mode == ModeRCFG && rnd >= e.cfg.Percentage {
		d.Action = ActionNoSample
	}
	return d
}

// Keep reports whether an event named eventName should be sent
func (e *Engine) Keep(domainUserID, eventName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.mode() == ModeNone {
		return true
	}
	if e.decisionLocked(domainUserID).Action == ActionSample {
		return true
	}
	for _, name := range e.cfg.Exempt {
		if name == eventName {
			return true
		}
	}
	return false
}

// RemoveCachedRandomNumber forces a new draw on the next decision
func (e *Engine) RemoveCachedRandomNumber() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rnd = nil
	if storage.Usable(e.opts.Store) {
		e.opts.Store.Delete(e.opts.Key)
	}
}

func (e *Engine) randomLocked(domainUserID string) float64 {
	if e.rnd == nil {
		e.rnd = e.loadLocked()
	}
	if e.rnd != nil && e.rnd.DomainUserID == domainUserID {
		return e.rnd.Random
	}

	e.rnd = &cached{DomainUserID: domainUserID, Random: e.opts.Random()}
	e.storeLocked()
	return e.rnd.Random
}

func (e *Engine) loadLocked() *cached {
	if !e.persist || !storage.Usable(e.opts.Store) {
		return nil
	}
	raw, ok := e.opts.Store.Get(e.opts.Key)
	if !ok {
		return nil
	}
	var c cached
	if err := json.Unmarshal([]byte(raw), &c); err != nil || c.Random < 0 || c.Random >= 100 {
		e.log.V(2).Info("discarding cached random number", "err", err)
		return nil
	}
	return &c
}

func (e *Engine) storeLocked() {
	if !e.persist || !storage.Usable(e.opts.Store) {
		return
	}
	data, err := json.Marshal(e.rnd)
	if err != nil {
		return
	}
	if !e.opts.Store.Set(e.opts.Key, string(data), 0) {
		e.log.V(2).Info("failed to persist random number", "key", e.opts.Key)
	}
}

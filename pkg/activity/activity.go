// Package activity emits page liveness signals. After a page view starts,
// the first heartbeat fires once the minimum visit length has passed and
// the next ones follow every heartbeat delay. A heartbeat is only reported
// when the visitor did something since the previous one.
package activity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/nicktill/tinytrack/pkg/event"
	"github.com/nicktill/tinytrack/pkg/schedule"
)

// ErrInvalidConfig is returned for a non-positive heartbeat delay or a
// negative minimum visit length
var ErrInvalidConfig = errors.New("invalid activity tracking config")

// Kind distinguishes the two configurations a tracker may run side by side
type Kind string

const (
	// KindPing reports heartbeats as page ping events
	KindPing Kind = "ping"
	// KindCallback hands heartbeats to a caller-supplied function
	KindCallback Kind = "callback"
)

// Config sets the heartbeat timing
type Config struct {
	MinimumVisitLength time.Duration `yaml:"minimum_visit_length"`
	HeartbeatDelay     time.Duration `yaml:"heartbeat_delay"`
}

func (c Config) validate() error {
	if c.HeartbeatDelay <= 0 {
		return fmt.Errorf("%w: heartbeat delay %v", ErrInvalidConfig, c.HeartbeatDelay)
	}
	if c.MinimumVisitLength < 0 {
		return fmt.Errorf("%w: minimum visit length %v", ErrInvalidConfig, c.MinimumVisitLength)
	}
	return nil
}

// CallbackData describes one heartbeat
type CallbackData struct {
	Context    []event.SelfDescribingJSON
	PageViewID string
	event.Offsets
}

// Emitter receives heartbeats. It runs without the scheduler lock held.
type Emitter func(CallbackData)

// Options configures a Scheduler
type Options struct {
	// Group owns the heartbeat timers
	Group *schedule.Group
	// ResetOnPageView clears scroll extrema and pending activity on each page view
	ResetOnPageView bool
	// Context supplies the contexts attached to callback data
	Context func() []event.SelfDescribingJSON
	Logger  logr.Logger
}

type tracking struct {
	cfg    Config
	emit   Emitter
	task   *schedule.Task
	active bool
	beats  int

	offsets    event.Offsets
	haveScroll bool
}

func (tr *tracking) scroll(x, y int) {
	if !tr.haveScroll {
		tr.offsets = event.Offsets{MinX: x, MaxX: x, MinY: y, MaxY: y}
		tr.haveScroll = true
		return
	}
	tr.offsets.MinX = min(tr.offsets.MinX, x)
	tr.offsets.MaxX = max(tr.offsets.MaxX, x)
	tr.offsets.MinY = min(tr.offsets.MinY, y)
	tr.offsets.MaxY = max(tr.offsets.MaxY, y)
}

// Scheduler tracks activity for one tracker
type Scheduler struct {
	group   *schedule.Group
	reset   bool
	context func() []event.SelfDescribingJSON
	log     logr.Logger

	mu         sync.Mutex
	pageViewID string
	started    bool
	scrolled   bool
	lastX      int
	lastY      int
	configs    map[Kind]*tracking
}

// New creates an idle scheduler. Nothing is armed until a configuration is
// enabled and a page view has started.
func New(opts Options) *Scheduler {
	if opts.Group == nil {
		opts.Group = schedule.NewGroup(schedule.NewReal())
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Scheduler{
		group:   opts.Group,
		reset:   opts.ResetOnPageView,
		context: opts.Context,
		log:     log.WithName("activity"),
		configs: make(map[Kind]*tracking),
	}
}

// Enable installs or replaces the configuration of the given kind. If a page
// view is already running its timers start now.
func (s *Scheduler) Enable(kind Kind, cfg Config, emit Emitter) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if emit == nil {
		return fmt.Errorf("%w: nil emitter", ErrInvalidConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.configs[kind]; ok {
		old.task.Cancel()
	}
	tr := &tracking{cfg: cfg, emit: emit}
	if s.scrolled {
		tr.scroll(s.lastX, s.lastY)
	}
	s.configs[kind] = tr
	if s.started {
		s.armLocked(kind, tr)
	}
	s.log.V(4).Info("activity tracking enabled", "kind", kind,
		"minimumVisitLength", cfg.MinimumVisitLength, "heartbeatDelay", cfg.HeartbeatDelay)
	return nil
}

// Enabled reports whether a configuration of the given kind is installed
func (s *Scheduler) Enabled(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.configs[kind]
	return ok
}

// PageViewStarted re-arms every configuration for a new page view
func (s *Scheduler) PageViewStarted(pageViewID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pageViewID = pageViewID
	s.started = true
	if s.reset {
		for _, tr := range s.configs {
			tr.active = false
			tr.offsets = event.Offsets{}
			tr.haveScroll = false
		}
	}
	for kind, tr := range s.configs {
		tr.task.Cancel()
		s.armLocked(kind, tr)
	}
}

// UpdatePageActivity records activity without a scroll position
func (s *Scheduler) UpdatePageActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markActiveLocked()
}

// UpdateScroll records the current scroll position as activity
func (s *Scheduler) UpdateScroll(x, y int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastX, s.lastY = x, y
	s.scrolled = true
	for _, tr := range s.configs {
		tr.scroll(x, y)
	}
	s.markActiveLocked()
}

// Offsets returns the scroll extrema the next heartbeat of kind would report
func (s *Scheduler) Offsets(kind Kind) event.Offsets {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.configs[kind]; ok {
		return tr.offsets
	}
	return event.Offsets{}
}

// Stop cancels every heartbeat timer and removes both configurations
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, tr := range s.configs {
		tr.task.Cancel()
		delete(s.configs, kind)
	}
}

func (s *Scheduler) markActiveLocked() {
	for _, tr := range s.configs {
		tr.active = true
	}
}

func (s *Scheduler) armLocked(kind Kind, tr *tracking) {
	tr.beats = 0
	tr.task = s.group.Every(tr.cfg.MinimumVisitLength, tr.cfg.HeartbeatDelay, func() {
		s.heartbeat(kind, tr)
	})
}

func (s *Scheduler) heartbeat(kind Kind, tr *tracking) {
	s.mu.Lock()
	if s.configs[kind] != tr {
		s.mu.Unlock()
		return
	}
	tr.beats++
	if !tr.active {
		s.mu.Unlock()
		s.log.V(4).Info("heartbeat skipped, no activity", "kind", kind, "beat", tr.beats)
		return
	}
	tr.active = false
	data := CallbackData{PageViewID: s.pageViewID, Offsets: tr.offsets}
	if tr.haveScroll {
		// Start the next window at the current position
		tr.offsets = event.Offsets{MinX: s.lastX, MaxX: s.lastX, MinY: s.lastY, MaxY: s.lastY}
	}
	emit := tr.emit
	contexts := s.context
	s.mu.Unlock()

	if contexts != nil {
		data.Context = contexts()
	}
	emit(data)
}

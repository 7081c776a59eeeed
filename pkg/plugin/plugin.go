// Package plugin activates tracker extensions and collects their per-event
// contributions. Plugins are plain structs of optional funcs; a plugin that
// fails, by error or panic, is isolated from the tracker and from the other
// plugins.
package plugin

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/nicktill/tinytrack/pkg/event"
)

var (
	// ErrActivation wraps an error returned from Activate
	ErrActivation = errors.New("plugin activation failed")
	// ErrPanic wraps a recovered plugin panic
	ErrPanic = errors.New("plugin panicked")
	// ErrUnnamed is returned when a plugin has no name
	ErrUnnamed = errors.New("plugin name is required")
)

// Host is the tracker a plugin is activated on
type Host interface {
	ID() string
	Namespace() string
}

// Plugin is a set of optional hooks. Nil hooks are skipped.
type Plugin struct {
	Name string

	// Activate runs once when the plugin is added to a tracker
	Activate func(host Host) error
	// Contexts returns extra contexts for every event
	Contexts func() []event.SelfDescribingJSON
	// Filter returns false to drop an event before it is queued
	Filter func(p *event.Payload) bool
}

// Capabilities lists which hooks a plugin provides
type Capabilities struct {
	Activate bool
	Contexts bool
	Filter   bool
}

// Capabilities reports the non-nil hooks
func (p Plugin) Capabilities() Capabilities {
	return Capabilities{
		Activate: p.Activate != nil,
		Contexts: p.Contexts != nil,
		Filter:   p.Filter != nil,
	}
}

// Options configures a Registry
type Options struct {
	// OnError is told about every isolated plugin failure
	OnError func(name string, err error)
	Logger  logr.Logger
}

type entry struct {
	plugin Plugin
	failed bool
}

// Registry holds the plugins of one tracker in registration order
type Registry struct {
	host    Host
	onError func(string, error)
	log     logr.Logger

	mu      sync.RWMutex
	entries []*entry
}

// NewRegistry creates an empty registry bound to host
func NewRegistry(host Host, opts Options) *Registry {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Registry{
		host:    host,
		onError: opts.OnError,
		log:     log.WithName("plugin"),
	}
}

// Add registers and activates p. An activation failure is reported and the
// plugin stays registered but inactive; the returned error is informational.
func (r *Registry) Add(p Plugin) error {
	if p.Name == "" {
		return ErrUnnamed
	}

	e := &entry{plugin: p}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	if p.Activate == nil {
		r.log.V(4).Info("plugin added", "plugin", p.Name)
		return nil
	}

	err := r.call(p.Name, func() error { return p.Activate(r.host) })
	if err != nil {
		r.mu.Lock()
		e.failed = true
		r.mu.Unlock()
		return err
	}
	r.log.V(0).Info("plugin activated", "plugin", p.Name, "tracker", r.host.ID())
	return nil
}

// Names returns the registered plugin names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.plugin.Name
	}
	return names
}

// Active reports whether the named plugin is registered and did not fail
// to activate
func (r *Registry) Active(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.plugin.Name == name && !e.failed {
			return true
		}
	}
	return false
}

// Contexts gathers contexts from every active plugin. A panicking hook
// contributes nothing.
func (r *Registry) Contexts() []event.SelfDescribingJSON {
	var out []event.SelfDescribingJSON
	for _, p := range r.active() {
		if p.Contexts == nil {
			continue
		}
		var got []event.SelfDescribingJSON
		if err := r.call(p.Name, func() error {
			got = p.Contexts()
			return nil
		}); err == nil {
			out = append(out, got...)
		}
	}
	return out
}

// Filter reports whether every active plugin keeps the event. A panicking
// filter keeps it.
func (r *Registry) Filter(payload *event.Payload) bool {
	for _, p := range r.active() {
		if p.Filter == nil {
			continue
		}
		keep := true
		if err := r.call(p.Name, func() error {
			keep = p.Filter(payload)
			return nil
		}); err != nil {
			continue
		}
		if !keep {
			r.log.V(4).Info("event filtered", "plugin", p.Name)
			return false
		}
	}
	return true
}

func (r *Registry) active() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.failed {
			out = append(out, e.plugin)
		}
	}
	return out
}

// call runs fn with panic recovery and reports any failure
func (r *Registry) call(name string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s: %v", ErrPanic, name, rec)
		}
		if err != nil {
			r.log.V(2).Info("plugin failure", "plugin", name, "err", err)
			if r.onError != nil {
				r.onError(name, err)
			}
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrActivation, name, err)
	}
	return nil
}

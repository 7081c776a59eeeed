package tracker

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
)

var (
	// ErrDuplicateTracker is returned when the tracker id is taken
	ErrDuplicateTracker = errors.New("tracker already exists")
	// ErrDuplicateNamespace is returned when the namespace is taken
	ErrDuplicateNamespace = errors.New("tracker namespace already in use")
)

// Registry holds the live trackers of a process, in creation order
type Registry struct {
	log logr.Logger

	mu       sync.RWMutex
	trackers map[string]*Tracker
	order    []string
	// reserved maps ids under construction to their namespace
	reserved map[string]string
}

// NewRegistry creates an empty registry
func NewRegistry(log logr.Logger) *Registry {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Registry{
		log:      log.WithName("registry"),
		trackers: make(map[string]*Tracker),
		reserved: make(map[string]string),
	}
}

// AddTracker constructs a tracker and registers it. Ids and namespaces are
// unique among live trackers.
func (r *Registry) AddTracker(id, namespace string, opts Options) (*Tracker, error) {
	if err := r.reserve(id, namespace); err != nil {
		return nil, err
	}

	// Plugins activate during construction and may call back into the registry
	if opts.Logger.GetSink() == nil {
		opts.Logger = r.log
	}
	t, err := New(id, namespace, opts)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, id)
	if err != nil {
		return nil, err
	}
	r.trackers[id] = t
	r.order = append(r.order, id)
	return t, nil
}

func (r *Registry) reserve(id, namespace string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.trackers[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTracker, id)
	}
	if _, ok := r.reserved[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTracker, id)
	}
	for _, t := range r.trackers {
		if t.namespace == namespace {
			return fmt.Errorf("%w: %s", ErrDuplicateNamespace, namespace)
		}
	}
	for _, ns := range r.reserved {
		if ns == namespace {
			return fmt.Errorf("%w: %s", ErrDuplicateNamespace, namespace)
		}
	}
	r.reserved[id] = namespace
	return nil
}

// GetTracker returns the tracker with id, or nil
func (r *Registry) GetTracker(id string) *Tracker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[id]
	if !ok {
		r.log.V(2).Info("unknown tracker", "tracker", id)
		return nil
	}
	return t
}

// GetTrackers returns the known trackers among ids, skipping unknown ones
func (r *Registry) GetTrackers(ids []string) []*Tracker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tracker, 0, len(ids))
	for _, id := range ids {
		if t, ok := r.trackers[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// AllTrackers returns every live tracker keyed by id
func (r *Registry) AllTrackers() map[string]*Tracker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Tracker, len(r.trackers))
	for id, t := range r.trackers {
		out[id] = t
	}
	return out
}

// AllTrackerNames returns the live tracker ids in creation order
func (r *Registry) AllTrackerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// TrackerExists reports whether id is live
func (r *Registry) TrackerExists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.trackers[id]
	return ok
}

// RemoveTrackers removes and tears down the trackers in ids; nil removes all
func (r *Registry) RemoveTrackers(ids []string) {
	r.mu.Lock()
	if ids == nil {
		ids = append([]string(nil), r.order...)
	}
	var removed []*Tracker
	for _, id := range ids {
		t, ok := r.trackers[id]
		if !ok {
			continue
		}
		delete(r.trackers, id)
		removed = append(removed, t)
	}
	kept := r.order[:0]
	for _, id := range r.order {
		if _, ok := r.trackers[id]; ok {
			kept = append(kept, id)
		}
	}
	r.order = kept
	r.mu.Unlock()

	for _, t := range removed {
		t.Remove()
	}
}

// Dispatch runs fn against the trackers in ids, or every tracker when ids is
// nil. A panic in fn is logged and does not stop the other trackers.
func (r *Registry) Dispatch(ids []string, fn func(*Tracker)) {
	r.mu.RLock()
	collection := make(map[string]*Tracker, len(r.trackers))
	for id, t := range r.trackers {
		collection[id] = t
	}
	if ids == nil {
		ids = append([]string(nil), r.order...)
	}
	r.mu.RUnlock()

	r.DispatchToTrackersInCollection(ids, collection, fn)
}

// DispatchToTrackersInCollection runs fn against the trackers in ids found
// in collection. A nil ids means every tracker of the collection.
func (r *Registry) DispatchToTrackersInCollection(ids []string, collection map[string]*Tracker, fn func(*Tracker)) {
	if ids == nil {
		for id := range collection {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}
	for _, id := range ids {
		t, ok := collection[id]
		if !ok {
			r.log.V(2).Info("dispatch to unknown tracker", "tracker", id)
			continue
		}
		r.run(t, fn)
	}
}

func (r *Registry) run(t *Tracker, fn func(*Tracker)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error(fmt.Errorf("%v", rec), "tracker callback failed", "tracker", t.id)
		}
	}()
	fn(t)
}

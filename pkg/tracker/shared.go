package tracker

import (
	"sync"

	"github.com/nicktill/tinytrack/pkg/queue"
)

// slot is what one tracker registers in SharedState
type slot struct {
	id    string
	queue *queue.Queue
	flush func()
}

// SharedState holds what every tracker on a page shares: the output queues,
// the buffer flushers run at unload, the load signal and the page-view id.
// Construct one with NewSharedState and pass it to each tracker.
type SharedState struct {
	mu sync.Mutex

	slots []slot

	hasLoaded bool
	onLoad    []func()

	pageViewID string
	// gen increments every time a new page-view id is seeded
	gen uint64
}

// NewSharedState returns an empty, not yet loaded state
func NewSharedState() *SharedState {
	return &SharedState{}
}

// OnLoad runs fn once the page has loaded. After MarkLoaded it runs fn
// immediately.
func (s *SharedState) OnLoad(fn func()) {
	s.mu.Lock()
	if !s.hasLoaded {
		s.onLoad = append(s.onLoad, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

// MarkLoaded publishes the load signal. Waiting callbacks run once, in
// registration order; later calls do nothing.
func (s *SharedState) MarkLoaded() {
	s.mu.Lock()
	if s.hasLoaded {
		s.mu.Unlock()
		return
	}
	s.hasLoaded = true
	waiting := s.onLoad
	s.onLoad = nil
	s.mu.Unlock()

	for _, fn := range waiting {
		fn()
	}
}

// Loaded reports whether MarkLoaded was called
func (s *SharedState) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasLoaded
}

// Queues returns the registered output queues in tracker order
func (s *SharedState) Queues() []*queue.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*queue.Queue, len(s.slots))
	for i, sl := range s.slots {
		out[i] = sl.queue
	}
	return out
}

// Unload runs every buffer flusher, draining each tracker's queue through
// beacons.
func (s *SharedState) Unload() {
	s.mu.Lock()
	flushers := make([]func(), 0, len(s.slots))
	for _, sl := range s.slots {
		if sl.flush != nil {
			flushers = append(flushers, sl.flush)
		}
	}
	s.mu.Unlock()

	for _, fn := range flushers {
		fn()
	}
}

// PageViewID returns the current page-view id, seeding one if no tracker
// has started a page view yet.
func (s *SharedState) PageViewID(newID func() string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pageViewID == "" {
		s.seedLocked(newID)
	}
	return s.pageViewID
}

// beginPageView picks the id for a page view by a tracker that last used
// generation consumed. The current id is adopted unless the tracker already
// used it or its session was renewed; then a fresh id is seeded.
func (s *SharedState) beginPageView(consumed uint64, renewed bool, newID func() string) (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pageViewID == "" || consumed == s.gen || renewed {
		s.seedLocked(newID)
	}
	return s.pageViewID, s.gen
}

func (s *SharedState) seedLocked(newID func() string) {
	s.gen++
	s.pageViewID = newID()
}

func (s *SharedState) attach(id string, q *queue.Queue, flush func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = append(s.slots, slot{id: id, queue: q, flush: flush})
}

func (s *SharedState) detach(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.slots[:0]
	for _, sl := range s.slots {
		if sl.id != id {
			kept = append(kept, sl)
		}
	}
	s.slots = kept
}

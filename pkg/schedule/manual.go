package schedule

import (
	"sort"
	"sync"
	"time"

	testingclock "k8s.io/utils/clock/testing"
)

// Manual is a deterministic scheduler for tests: time only moves when
// Advance is called, and due callbacks run synchronously on the caller's
// goroutine in due-time order.
type Manual struct {
	mu    sync.Mutex
	clock *testingclock.FakePassiveClock
	tasks []*manualTask
	seq   uint64
}

type manualTask struct {
	seq     uint64
	due     time.Time
	fn      func()
	stopped bool
	fired   bool
	m       *Manual
}

// NewManual creates a manual scheduler starting at start
func NewManual(start time.Time) *Manual {
	return &Manual{clock: testingclock.NewFakePassiveClock(start)}
}

// Now returns the scheduler's current time
func (m *Manual) Now() time.Time {
	return m.clock.Now()
}

// Since returns the time elapsed since t, so Manual also serves as a
// clock.PassiveClock
func (m *Manual) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// AfterFunc schedules fn at Now()+d
func (m *Manual) AfterFunc(d time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTask{seq: m.seq, due: m.clock.Now().Add(d), fn: fn, m: m}
	m.tasks = append(m.tasks, t)
	return t
}

// Advance moves time forward by d, firing every callback that becomes due,
// including callbacks scheduled by other callbacks within the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.clock.Now().Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.clock.SetTime(target)
			m.mu.Unlock()
			return
		}
		next.fired = true
		m.removeLocked(next)
		if next.due.After(m.clock.Now()) {
			m.clock.SetTime(next.due)
		}
		m.mu.Unlock()

		next.fn()
	}
}

// Pending returns the number of callbacks that have not fired or been stopped
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// NextDue returns the time of the earliest pending callback
func (m *Manual) NextDue() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tasks) == 0 {
		return time.Time{}, false
	}
	m.sortLocked()
	return m.tasks[0].due, true
}

func (m *Manual) nextDueLocked(target time.Time) *manualTask {
	if len(m.tasks) == 0 {
		return nil
	}
	m.sortLocked()
	if m.tasks[0].due.After(target) {
		return nil
	}
	return m.tasks[0]
}

func (m *Manual) sortLocked() {
	sort.SliceStable(m.tasks, func(i, j int) bool {
		if m.tasks[i].due.Equal(m.tasks[j].due) {
			return m.tasks[i].seq < m.tasks[j].seq
		}
		return m.tasks[i].due.Before(m.tasks[j].due)
	})
}

func (m *Manual) removeLocked(t *manualTask) {
	for i, other := range m.tasks {
		if other == t {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return
		}
	}
}

// Stop cancels the task if it has not fired
func (t *manualTask) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	t.m.removeLocked(t)
	return true
}

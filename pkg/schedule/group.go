package schedule

import (
	"sync"
	"sync/atomic"
	"time"
)

// Group tracks every task it schedules so they can be cancelled together.
type Group struct {
	sched Scheduler

	mu     sync.Mutex
	tasks  map[uint64]*Task
	nextID uint64
	closed bool
}

// Task is a cancellation token for a one-shot or repeating callback.
type Task struct {
	id       uint64
	group    *Group
	canceled atomic.Bool

	mu     sync.Mutex
	handle Handle
}

// NewGroup creates a task group on sched
func NewGroup(sched Scheduler) *Group {
	return &Group{sched: sched, tasks: make(map[uint64]*Task)}
}

// Scheduler returns the underlying scheduler
func (g *Group) Scheduler() Scheduler {
	return g.sched
}

// After runs fn once after d. Once the group is closed the returned task is
// already cancelled and fn never runs.
func (g *Group) After(d time.Duration, fn func()) *Task {
	t := g.newTask()
	if t.canceled.Load() {
		return t
	}
	t.arm(d, func() {
		if t.canceled.Load() {
			return
		}
		g.remove(t)
		fn()
	})
	return t
}

// Every runs fn after first and then every interval until the task is
// cancelled. The task token stays valid across repetitions.
func (g *Group) Every(first, interval time.Duration, fn func()) *Task {
	t := g.newTask()
	if t.canceled.Load() {
		return t
	}

	var tick func()
	tick = func() {
		if t.canceled.Load() {
			return
		}
		fn()
		if t.canceled.Load() {
			return
		}
		t.arm(interval, tick)
	}
	t.arm(first, tick)
	return t
}

// CancelAll cancels every pending task. The group stays usable.
func (g *Group) CancelAll() {
	g.mu.Lock()
	tasks := g.tasks
	g.tasks = make(map[uint64]*Task)
	g.mu.Unlock()

	for _, t := range tasks {
		t.stop()
	}
}

// Close cancels every pending task and rejects new ones.
func (g *Group) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.CancelAll()
}

// Len returns the number of live tasks
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}

func (g *Group) newTask() *Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextID++
	t := &Task{id: g.nextID, group: g}
	if g.closed {
		t.canceled.Store(true)
		return t
	}
	g.tasks[t.id] = t
	return t
}

func (g *Group) remove(t *Task) {
	g.mu.Lock()
	delete(g.tasks, t.id)
	g.mu.Unlock()
}

func (t *Task) arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceled.Load() {
		return
	}
	t.handle = t.group.sched.AfterFunc(d, fn)
}

func (t *Task) stop() {
	t.canceled.Store(true)
	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()
	if h != nil {
		h.Stop()
	}
}

// Cancel stops the task. Safe to call more than once.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.stop()
	t.group.remove(t)
}

// Canceled reports whether the task was cancelled
func (t *Task) Canceled() bool {
	return t.canceled.Load()
}

// Package schedule provides the scheduled-task abstraction used by trackers:
// one-shot and repeating tasks with cancellation tokens, grouped so that a
// tracker can cancel everything it scheduled in one call.
//
// Callbacks run on the scheduler's goroutine (a timer goroutine for the real
// scheduler, the caller of Advance for the manual one). Owners serialise
// callback effects with their own lock.
package schedule

import (
	"time"

	"k8s.io/utils/clock"
)

// Handle stops a scheduled callback.
type Handle interface {
	// Stop prevents the callback from firing. It returns false if the
	// callback already fired or was stopped.
	Stop() bool
}

// Scheduler runs callbacks after a delay. It doubles as the clock of the
// components it drives.
type Scheduler interface {
	clock.PassiveClock
	AfterFunc(d time.Duration, fn func()) Handle
}

// Real schedules on wall-clock timers.
type Real struct {
	clock clock.WithDelayedExecution
}

// NewReal returns a scheduler backed by the real clock
func NewReal() *Real {
	return &Real{clock: clock.RealClock{}}
}

// Now returns the current time
func (r *Real) Now() time.Time {
	return r.clock.Now()
}

// Since returns the time elapsed since t
func (r *Real) Since(t time.Time) time.Duration {
	return r.clock.Since(t)
}

// AfterFunc runs fn on its own goroutine after d
func (r *Real) AfterFunc(d time.Duration, fn func()) Handle {
	return r.clock.AfterFunc(d, fn)
}

package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedState_OnLoad(t *testing.T) {
	s := NewSharedState()
	var calls []string

	s.OnLoad(func() { calls = append(calls, "first") })
	s.OnLoad(func() { calls = append(calls, "second") })
	assert.Empty(t, calls)
	assert.False(t, s.Loaded())

	s.MarkLoaded()
	assert.Equal(t, []string{"first", "second"}, calls)

	s.MarkLoaded()
	assert.Len(t, calls, 2, "waiting callbacks run once")

	s.OnLoad(func() { calls = append(calls, "late") })
	assert.Equal(t, []string{"first", "second", "late"}, calls)
	assert.True(t, s.Loaded())
}

func TestSharedState_PageViewIDSeededOnce(t *testing.T) {
	s := NewSharedState()
	n := 0
	newID := func() string {
		n++
		return "pv-" + string(rune('0'+n))
	}

	assert.Equal(t, "pv-1", s.PageViewID(newID))
	assert.Equal(t, "pv-1", s.PageViewID(newID))

	// A tracker adopting the seeded id, then using it up
	id, gen := s.beginPageView(0, false, newID)
	assert.Equal(t, "pv-1", id)
	id, gen = s.beginPageView(gen, false, newID)
	assert.Equal(t, "pv-2", id)

	id, _ = s.beginPageView(gen-1, true, newID)
	assert.Equal(t, "pv-3", id, "a renewed session always starts a fresh page view")
}

func TestSharedState_UnloadBeaconsEveryTracker(t *testing.T) {
	e := newEnv()
	buffered := func(o *Options) { o.Config.BufferSize = 10 }
	t1 := e.tracker(t, "sp1", buffered)
	t2 := e.tracker(t, "sp2", buffered)

	t1.TrackPageView(PageViewEvent{})
	t1.TrackCustomEvent(CustomEvent{Name: "checkout"})
	t2.TrackPageView(PageViewEvent{})
	require.Len(t, e.shared.Queues(), 2)
	assert.Equal(t, 2, t1.Pending())
	assert.Empty(t, e.sender.rows())

	e.shared.Unload()

	e.sender.mu.Lock()
	beacons := append([]sent(nil), e.sender.beacons...)
	e.sender.mu.Unlock()
	require.Len(t, beacons, 2)
	assert.Len(t, beacons[0].rows, 2)
	assert.Equal(t, "sp1", beacons[0].rows[0]["tna"])
	assert.Len(t, beacons[1].rows, 1)
	assert.Equal(t, "sp2", beacons[1].rows[0]["tna"])
	assert.Equal(t, 0, t1.Pending())
	assert.Equal(t, 0, t2.Pending())
}

func TestSharedState_DetachOnRemove(t *testing.T) {
	e := newEnv()
	t1 := e.tracker(t, "sp1")
	e.tracker(t, "sp2")
	require.Len(t, e.shared.Queues(), 2)

	t1.Remove()
	queues := e.shared.Queues()
	require.Len(t, queues, 1)
	assert.NotSame(t, t1.Queue(), queues[0])
}

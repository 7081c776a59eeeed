package tracker

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinytrack/pkg/activity"
	"github.com/nicktill/tinytrack/pkg/plugin"
)

func TestRegistry_AddAndLookup(t *testing.T) {
	e := newEnv()
	r := NewRegistry(logr.Discard())
	defer r.RemoveTrackers(nil)

	a, err := r.AddTracker("a", "ns-a", e.options())
	require.NoError(t, err)
	b, err := r.AddTracker("b", "ns-b", e.options())
	require.NoError(t, err)

	assert.Same(t, a, r.GetTracker("a"))
	assert.Nil(t, r.GetTracker("missing"))
	assert.True(t, r.TrackerExists("b"))
	assert.False(t, r.TrackerExists("missing"))
	assert.Equal(t, []string{"a", "b"}, r.AllTrackerNames())
	assert.Equal(t, []*Tracker{b}, r.GetTrackers([]string{"missing", "b"}))
	assert.Len(t, r.AllTrackers(), 2)
	assert.Equal(t, "ns-b", b.Namespace())
}

func TestRegistry_Duplicates(t *testing.T) {
	e := newEnv()
	r := NewRegistry(logr.Discard())
	defer r.RemoveTrackers(nil)

	_, err := r.AddTracker("a", "ns", e.options())
	require.NoError(t, err)

	_, err = r.AddTracker("a", "other", e.options())
	assert.ErrorIs(t, err, ErrDuplicateTracker)

	_, err = r.AddTracker("b", "ns", e.options())
	assert.ErrorIs(t, err, ErrDuplicateNamespace)
	assert.Equal(t, []string{"a"}, r.AllTrackerNames())
}

func TestRegistry_FailedConstructionReleasesID(t *testing.T) {
	e := newEnv()
	r := NewRegistry(logr.Discard())
	defer r.RemoveTrackers(nil)

	opts := e.options()
	opts.Shared = nil
	_, err := r.AddTracker("a", "ns", opts)
	require.ErrorIs(t, err, ErrNoSharedState)
	assert.False(t, r.TrackerExists("a"))

	_, err = r.AddTracker("a", "ns", e.options())
	assert.NoError(t, err)
}

func TestRegistry_PluginMayQueryRegistry(t *testing.T) {
	e := newEnv()
	r := NewRegistry(logr.Discard())
	defer r.RemoveTrackers(nil)

	_, err := r.AddTracker("a", "ns-a", e.options())
	require.NoError(t, err)

	var sawA bool
	opts := e.options()
	opts.Plugins = []plugin.Plugin{{
		Name: "lookup",
		Activate: func(plugin.Host) error {
			sawA = r.TrackerExists("a")
			return nil
		},
	}}
	_, err = r.AddTracker("b", "ns-b", opts)
	require.NoError(t, err)
	assert.True(t, sawA)
}

func TestRegistry_Dispatch(t *testing.T) {
	e := newEnv()
	r := NewRegistry(logr.Discard())
	defer r.RemoveTrackers(nil)

	for _, id := range []string{"c", "a", "b"} {
		_, err := r.AddTracker(id, "ns-"+id, e.options())
		require.NoError(t, err)
	}

	var seen []string
	r.Dispatch(nil, func(tr *Tracker) {
		seen = append(seen, tr.ID())
		if tr.ID() == "c" {
			panic("boom")
		}
	})
	assert.Equal(t, []string{"c", "a", "b"}, seen, "all trackers in creation order")

	seen = nil
	r.Dispatch([]string{"b", "missing"}, func(tr *Tracker) { seen = append(seen, tr.ID()) })
	assert.Equal(t, []string{"b"}, seen)

	seen = nil
	r.DispatchToTrackersInCollection(nil, r.AllTrackers(), func(tr *Tracker) { seen = append(seen, tr.ID()) })
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestRegistry_RemoveTrackers(t *testing.T) {
	e := newEnv()
	r := NewRegistry(logr.Discard())

	for _, id := range []string{"a", "b", "c"} {
		tr, err := r.AddTracker(id, "ns-"+id, e.options())
		require.NoError(t, err)
		tr.EnableActivityTracking(activity.Config{MinimumVisitLength: time.Second, HeartbeatDelay: time.Second})
		tr.TrackPageView(PageViewEvent{})
		tr.Queue().Wait()
	}
	require.Equal(t, 3, e.sched.Pending())

	r.RemoveTrackers([]string{"b"})
	assert.Equal(t, []string{"a", "c"}, r.AllTrackerNames())
	assert.Equal(t, 2, e.sched.Pending())
	assert.Len(t, e.shared.Queues(), 2)

	r.RemoveTrackers(nil)
	assert.Empty(t, r.AllTrackerNames())
	assert.Equal(t, 0, e.sched.Pending())
	assert.Empty(t, e.shared.Queues())
}

package remoteconfig

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinytrack/pkg/config"
	"github.com/nicktill/tinytrack/pkg/schedule"
	"github.com/nicktill/tinytrack/pkg/storage/memory"
)

type fakeFetcher struct {
	mu    sync.Mutex
	doc   map[string]interface{}
	err   error
	calls atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context) (map[string]interface{}, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return deepCopy(f.doc).(map[string]interface{}), nil
}

func (f *fakeFetcher) set(doc map[string]interface{}, err error) {
	f.mu.Lock()
	f.doc, f.err = doc, err
	f.mu.Unlock()
}

func newTestManager(t *testing.T, f Fetcher, store *memory.Store, sched *schedule.Manual, onApply func(map[string]interface{})) *Manager {
	t.Helper()
	return NewManager(Options{
		Local:           map[string]interface{}{"app": "local"},
		Defaults:        map[string]interface{}{"app": "default", "level": "info"},
		Fetcher:         f,
		Store:           store,
		RefreshInterval: time.Hour,
		OnApply:         onApply,
		Clock:           sched,
	})
}

func TestManager_DefaultsAndLocal(t *testing.T) {
	sched := schedule.NewManual(time.Unix(0, 0))
	m := newTestManager(t, nil, nil, sched, nil)

	eff := m.Effective()
	assert.Equal(t, "local", eff["app"])
	assert.Equal(t, "info", eff["level"])
	assert.False(t, m.Applied())
}

func TestManager_RefreshModes(t *testing.T) {
	sched := schedule.NewManual(time.Unix(1_000, 0))
	store := memory.New(memory.Options{})
	f := &fakeFetcher{doc: map[string]interface{}{"sampling": map[string]interface{}{"enabled": true, "percentage": 20}}}
	applies := 0
	m := newTestManager(t, f, store, sched, func(map[string]interface{}) { applies++ })

	ctx := context.Background()
	require.Equal(t, ModeUrgentFetch, m.DetermineFetchMode(sched.Now()))

	res, err := m.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeUrgentFetch, res.Mode)
	assert.True(t, res.Changed)
	assert.Equal(t, 1, applies)
	assert.True(t, m.Applied())
	assert.Contains(t, m.Effective(), "sampling")

	_, ok := store.Get(config.DefaultStorageKeyPrefix + config.RemoteConfigStorageKey)
	assert.True(t, ok, "layer is cached")

	// Fresh cache: no network call, timer for the remainder
	sched.Advance(20 * time.Minute)
	res, err = m.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeUpdateTimer, res.Mode)
	assert.Equal(t, 40*time.Minute, res.NextIn)
	assert.Equal(t, int32(1), f.calls.Load())

	// Stale cache with the same payload: fetched, not re-applied
	sched.Advance(time.Hour)
	res, err = m.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeCheckDiff, res.Mode)
	assert.False(t, res.Changed)
	assert.Equal(t, 1, applies)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Equal(t, ModeUpdateTimer, m.DetermineFetchMode(sched.Now()), "freshness moves on an unchanged fetch")

	// Stale cache with a new payload: applied
	sched.Advance(time.Hour)
	f.set(map[string]interface{}{"sampling": map[string]interface{}{"enabled": true, "percentage": 50}}, nil)
	res, err = m.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 2, applies)
	sampling := m.Effective()["sampling"].(map[string]interface{})
	assert.Equal(t, 50.0, sampling["percentage"])
}

func TestManager_FailuresKeepPreviousConfig(t *testing.T) {
	sched := schedule.NewManual(time.Unix(1_000, 0))
	f := &fakeFetcher{doc: map[string]interface{}{"flag": "on"}}
	m := newTestManager(t, f, nil, sched, nil)

	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	sched.Advance(2 * time.Hour)
	f.set(nil, ErrMalformed)
	_, err = m.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, "on", m.Effective()["flag"])

	f.set(nil, ErrFetch)
	_, err = m.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrFetch)
	assert.Equal(t, "on", m.Effective()["flag"])
}

func TestManager_LoadsCacheAtConstruction(t *testing.T) {
	sched := schedule.NewManual(time.Unix(1_000, 0))
	store := memory.New(memory.Options{})
	f := &fakeFetcher{doc: map[string]interface{}{"flag": "cached"}}

	first := newTestManager(t, f, store, sched, nil)
	_, err := first.Refresh(context.Background())
	require.NoError(t, err)

	sched.Advance(time.Minute)
	second := newTestManager(t, f, store, sched, nil)
	assert.True(t, second.Applied())
	assert.Equal(t, "cached", second.Effective()["flag"])
	layer, ok := second.Remote()
	require.True(t, ok)
	assert.Equal(t, SourceCache, layer.Source)
	assert.Equal(t, ModeUpdateTimer, second.DetermineFetchMode(sched.Now()))
}

func TestManager_CorruptCacheIsDiscarded(t *testing.T) {
	sched := schedule.NewManual(time.Unix(1_000, 0))
	store := memory.New(memory.Options{})
	key := config.DefaultStorageKeyPrefix + config.RemoteConfigStorageKey
	store.Set(key, "{not json", 0)

	m := newTestManager(t, nil, store, sched, nil)
	assert.False(t, m.Applied())
	_, ok := store.Get(key)
	assert.False(t, ok)
}

func TestManager_ConcurrentRefreshJoins(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	f := FetcherFunc(func(ctx context.Context) (map[string]interface{}, error) {
		calls.Add(1)
		<-release
		return map[string]interface{}{"k": "v"}, nil
	})
	m := newTestManager(t, f, nil, schedule.NewManual(time.Unix(0, 0)), nil)

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = m.Refresh(context.Background())
		}(i)
	}

	// Let the goroutines pile up behind the first fetch
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	// Joined callers share the single result; a straggler finds a fresh cache
	for _, r := range results {
		if !r.Changed {
			assert.Equal(t, ModeUpdateTimer, r.Mode)
		}
	}
}

func TestManager_Schedule(t *testing.T) {
	sched := schedule.NewManual(time.Unix(1_000, 0))
	f := &fakeFetcher{doc: map[string]interface{}{"k": "v"}}
	m := newTestManager(t, f, nil, sched, nil)
	g := schedule.NewGroup(sched)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Schedule(ctx, g)
	assert.Equal(t, int32(0), f.calls.Load(), "first cycle is never inline")

	sched.Advance(0)
	assert.Equal(t, int32(1), f.calls.Load())

	sched.Advance(time.Hour)
	assert.Equal(t, int32(2), f.calls.Load())

	g.CancelAll()
	sched.Advance(5 * time.Hour)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestHTTPFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"sampling":{"enabled":true,"percentage":25}}`))
		case "/array":
			w.Write([]byte(`[1,2,3]`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	doc, err := NewHTTPFetcher(server.URL+"/ok", time.Second).Fetch(context.Background())
	require.NoError(t, err)
	assert.Contains(t, doc, "sampling")

	_, err = NewHTTPFetcher(server.URL+"/array", time.Second).Fetch(context.Background())
	assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)

	_, err = NewHTTPFetcher(server.URL+"/boom", time.Second).Fetch(context.Background())
	assert.True(t, errors.Is(err, ErrFetch), "got %v", err)
}

package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinytrack/pkg/config"
	"github.com/nicktill/tinytrack/pkg/event"
	"github.com/nicktill/tinytrack/pkg/schedule"
	"github.com/nicktill/tinytrack/pkg/storage/memory"
	"github.com/nicktill/tinytrack/pkg/transport"
)

type request struct {
	kind    Kind
	url     string
	headers map[string]string
	rows    []map[string]string
	err     error
}

func (r request) eids() []string {
	out := make([]string, len(r.rows))
	for i, row := range r.rows {
		out[i] = row["eid"]
	}
	return out
}

// fakeSender records requests; respond decides the outcome of call n.
type fakeSender struct {
	mu      sync.Mutex
	calls   []request
	beacons []request
	respond func(ctx context.Context, n int) error
}

func (f *fakeSender) record(ctx context.Context, r request) error {
	f.mu.Lock()
	n := len(f.calls)
	respond := f.respond
	f.mu.Unlock()

	var err error
	if respond != nil {
		err = respond(ctx, n)
	}
	r.err = err

	f.mu.Lock()
	f.calls = append(f.calls, r)
	f.mu.Unlock()
	return err
}

func (f *fakeSender) Post(ctx context.Context, u string, body []byte, headers map[string]string) error {
	rows, err := event.DecodePost(body)
	if err != nil {
		return err
	}
	return f.record(ctx, request{kind: KindPost, url: u, headers: headers, rows: rows})
}

func (f *fakeSender) Get(ctx context.Context, u string) error {
	parsed, err := url.Parse(u)
	if err != nil {
		return err
	}
	row := map[string]string{}
	for k := range parsed.Query() {
		row[k] = parsed.Query().Get(k)
	}
	return f.record(ctx, request{kind: KindGet, url: u, rows: []map[string]string{row}})
}

func (f *fakeSender) Beacon(u string, body []byte, headers map[string]string) bool {
	rows, _ := event.DecodePost(body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beacons = append(f.beacons, request{kind: KindBeacon, url: u, headers: headers, rows: rows})
	return true
}

func (f *fakeSender) requests() []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]request, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeSender) delivered() []string {
	var out []string
	for _, r := range f.requests() {
		if r.err == nil {
			out = append(out, r.eids()...)
		}
	}
	return out
}

func newEvent(i int) event.QueuedEvent {
	p := event.NewPayload()
	p.Add("e", "pv")
	p.Add("eid", strconv.Itoa(i))
	return event.QueuedEvent{Name: "page_view", Payload: p}
}

func eids(from, to int) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, strconv.Itoa(i))
	}
	return out
}

type harness struct {
	sched  *schedule.Manual
	group  *schedule.Group
	sender *fakeSender
	drops  map[DropReason]int
	mu     sync.Mutex
}

func newHarness() *harness {
	sched := schedule.NewManual(time.Unix(1_700_000_000, 0))
	return &harness{
		sched:  sched,
		group:  schedule.NewGroup(sched),
		sender: &fakeSender{},
		drops:  map[DropReason]int{},
	}
}

func (h *harness) options() Options {
	return Options{
		Namespace:         "sp",
		CollectorURL:      "http://collector.test",
		PostPath:          config.DefaultPostPath,
		GetPath:           config.DefaultGetPath,
		BufferSize:        1,
		ConnectionTimeout: time.Second,
		MaxRetries:        3,
		RetryMinDelay:     time.Second,
		RetryMaxDelay:     4 * time.Second,
		Sender:            h.sender,
		Group:             h.group,
		OnDrop: func(ev event.QueuedEvent, reason DropReason) {
			h.mu.Lock()
			h.drops[reason]++
			h.mu.Unlock()
		},
	}
}

func (h *harness) dropped(reason DropReason) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drops[reason]
}

func TestQueue_PreservesEnqueueOrder(t *testing.T) {
	h := newHarness()
	q := New(h.options())
	defer q.Close()

	for i := 1; i <= 25; i++ {
		q.Enqueue(newEvent(i))
	}
	q.Flush(FlushOptions{})
	q.Wait()

	assert.Equal(t, eids(1, 25), h.sender.delivered())
	assert.Equal(t, 0, q.Pending())
}

func TestQueue_SequenceNumbersIncrease(t *testing.T) {
	h := newHarness()
	opts := h.options()
	opts.BufferSize = 100
	q := New(opts)
	defer q.Close()

	var last uint64
	for i := 0; i < 10; i++ {
		seq := q.Enqueue(newEvent(i))
		assert.Greater(t, seq, last)
		last = seq
	}
}

func TestQueue_BufferSizeThree(t *testing.T) {
	h := newHarness()
	opts := h.options()
	opts.BufferSize = 3
	q := New(opts)
	defer q.Close()

	q.Enqueue(newEvent(1))
	q.Enqueue(newEvent(2))
	q.Wait()
	require.Empty(t, h.sender.requests(), "no flush below the buffer size")

	q.Enqueue(newEvent(3))
	q.Wait()
	reqs := h.sender.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, eids(1, 3), reqs[0].eids())

	q.Enqueue(newEvent(4))
	q.Wait()
	assert.Len(t, h.sender.requests(), 1, "fourth event starts a new batch")
	assert.Equal(t, 1, q.Pending())
}

func TestQueue_TimeoutRedeliveredOnce(t *testing.T) {
	h := newHarness()
	h.sender.respond = func(ctx context.Context, n int) error {
		if n == 0 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	opts := h.options()
	opts.BufferSize = 3
	opts.ConnectionTimeout = 20 * time.Millisecond
	q := New(opts)
	defer q.Close()

	for i := 1; i <= 3; i++ {
		q.Enqueue(newEvent(i))
	}

	require.Eventually(t, q.RetryScheduled, 2*time.Second, time.Millisecond)
	assert.Equal(t, 3, q.Pending(), "the batch goes back to the buffer")
	require.Len(t, h.sender.requests(), 1)

	h.sched.Advance(opts.RetryMaxDelay)
	q.Wait()

	reqs := h.sender.requests()
	require.Len(t, reqs, 2, "exactly one redelivery")
	assert.Error(t, reqs[0].err)
	assert.NoError(t, reqs[1].err)
	assert.Equal(t, reqs[0].eids(), reqs[1].eids())

	seen := map[string]bool{}
	for _, id := range h.sender.delivered() {
		assert.False(t, seen[id], "duplicate delivery of %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, int64(0), q.Dropped())
}

func TestQueue_DropsAfterMaxRetries(t *testing.T) {
	h := newHarness()
	h.sender.respond = func(ctx context.Context, n int) error {
		return &transport.StatusError{Code: http.StatusServiceUnavailable}
	}
	opts := h.options()
	opts.MaxRetries = 2
	q := New(opts)
	defer q.Close()

	q.Enqueue(newEvent(1))
	for i := 0; i < opts.MaxRetries; i++ {
		require.Eventually(t, q.RetryScheduled, time.Second, time.Millisecond)
		h.sched.Advance(opts.RetryMaxDelay)
		q.Wait()
	}
	q.Wait()

	assert.Len(t, h.sender.requests(), opts.MaxRetries+1)
	assert.Equal(t, int64(1), q.Dropped())
	assert.Equal(t, 1, h.dropped(DropRetriesExhausted))
	assert.Equal(t, 0, q.Pending())
	assert.False(t, q.RetryScheduled())
}

func TestQueue_NonRetryableStatusDrops(t *testing.T) {
	h := newHarness()
	h.sender.respond = func(ctx context.Context, n int) error {
		return &transport.StatusError{Code: http.StatusBadRequest}
	}
	q := New(h.options())
	defer q.Close()

	q.Enqueue(newEvent(1))
	q.Wait()

	assert.Equal(t, 1, h.dropped(DropRejected))
	assert.False(t, q.RetryScheduled())
}

func TestQueue_EventsWaitBehindRetry(t *testing.T) {
	h := newHarness()
	h.sender.respond = func(ctx context.Context, n int) error {
		if n == 0 {
			return &transport.StatusError{Code: http.StatusInternalServerError}
		}
		return nil
	}
	q := New(h.options())
	defer q.Close()

	q.Enqueue(newEvent(1))
	require.Eventually(t, q.RetryScheduled, time.Second, time.Millisecond)

	q.Enqueue(newEvent(2))
	q.Enqueue(newEvent(3))
	q.Wait()
	require.Len(t, h.sender.requests(), 1, "nothing overtakes a batch waiting to retry")

	h.sched.Advance(4 * time.Second)
	q.Wait()
	assert.Equal(t, eids(1, 3), h.sender.delivered())
}

func TestQueue_GetFallsBackToPost(t *testing.T) {
	h := newHarness()
	opts := h.options()
	opts.Method = config.MethodGet
	opts.MaxGetBytes = 200
	q := New(opts)
	defer q.Close()

	q.Enqueue(newEvent(1))
	q.Wait()

	big := newEvent(2)
	big.Payload.Add("url", "https://example.com/"+strings.Repeat("a", 300))
	q.Enqueue(big)
	q.Wait()

	reqs := h.sender.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, KindGet, reqs[0].kind)
	assert.True(t, strings.HasPrefix(reqs[0].url, "http://collector.test"+config.DefaultGetPath+"?"))
	assert.Equal(t, KindPost, reqs[1].kind)
	assert.Equal(t, "2", reqs[1].rows[0]["eid"])
}

func TestQueue_PostBatchesRespectMaxPostBytes(t *testing.T) {
	h := newHarness()
	opts := h.options()
	opts.BufferSize = 10
	opts.MaxPostBytes = 400
	q := New(opts)
	defer q.Close()

	for i := 1; i <= 10; i++ {
		ev := newEvent(i)
		ev.Payload.Add("pad", strings.Repeat("x", 60))
		q.Enqueue(ev)
	}
	q.Wait()

	reqs := h.sender.requests()
	require.Greater(t, len(reqs), 1, "batch should be split")
	for _, r := range reqs {
		body, err := json.Marshal(r.rows)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(body), opts.MaxPostBytes)
	}
	assert.Equal(t, eids(1, 10), h.sender.delivered())
}

func TestQueue_OversizedEventSentAloneWithoutRetry(t *testing.T) {
	h := newHarness()
	h.sender.respond = func(ctx context.Context, n int) error {
		return &transport.StatusError{Code: http.StatusInternalServerError}
	}
	opts := h.options()
	opts.MaxPostBytes = 200
	q := New(opts)
	defer q.Close()

	ev := newEvent(1)
	ev.Payload.Add("pad", strings.Repeat("x", 500))
	q.Enqueue(ev)
	q.Wait()

	require.Len(t, h.sender.requests(), 1)
	assert.Equal(t, 1, h.dropped(DropTooLarge))
	assert.False(t, q.RetryScheduled())
}

func TestQueue_StmAndHeaders(t *testing.T) {
	h := newHarness()
	opts := h.options()
	opts.UseStm = true
	opts.CustomHeaders = map[string]string{"X-Tenant": "shop"}
	q := New(opts)
	defer q.Close()

	q.SetHeader("SP-Anonymous", "*")
	q.Enqueue(newEvent(1))
	q.Wait()

	reqs := h.sender.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, strconv.FormatInt(h.sched.Now().UnixMilli(), 10), reqs[0].rows[0]["stm"])
	assert.Equal(t, "shop", reqs[0].headers["X-Tenant"])
	assert.Equal(t, "*", reqs[0].headers["SP-Anonymous"])

	q.SetHeader("SP-Anonymous", "")
	q.Enqueue(newEvent(2))
	q.Wait()
	_, ok := h.sender.requests()[1].headers["SP-Anonymous"]
	assert.False(t, ok)
}

func TestQueue_StmDisabled(t *testing.T) {
	h := newHarness()
	q := New(h.options())
	defer q.Close()

	q.Enqueue(newEvent(1))
	q.Wait()
	_, ok := h.sender.requests()[0].rows[0]["stm"]
	assert.False(t, ok)
}

func TestQueue_PersistAndRestore(t *testing.T) {
	h := newHarness()
	store := memory.New(memory.Options{})
	h.sender.respond = func(ctx context.Context, n int) error {
		return &transport.StatusError{Code: http.StatusServiceUnavailable}
	}
	opts := h.options()
	opts.BufferSize = 3
	opts.Persist = store
	opts.StorageKey = "tinytrack_OutQueue_sp_post"

	q := New(opts)
	for i := 1; i <= 3; i++ {
		q.Enqueue(newEvent(i))
	}
	require.Eventually(t, q.RetryScheduled, time.Second, time.Millisecond)
	q.Close()

	raw, ok := store.Get(opts.StorageKey)
	require.True(t, ok)
	var persisted []event.QueuedEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	require.Len(t, persisted, 3)
	assert.Equal(t, 1, persisted[0].Attempts)

	// Next process: deliveries succeed
	h2 := newHarness()
	opts2 := opts
	opts2.Sender = h2.sender
	opts2.Group = h2.group
	opts2.BufferSize = 10
	q2 := New(opts2)
	defer q2.Close()

	assert.Equal(t, 3, q2.Pending())
	assert.Equal(t, uint64(4), q2.Enqueue(newEvent(4)), "numbering resumes after restored events")

	h2.sched.Advance(0)
	q2.Wait()
	assert.Equal(t, eids(1, 4), h2.sender.delivered())
	_, ok = store.Get(opts.StorageKey)
	assert.False(t, ok, "empty queue clears the stored copy")
}

func TestQueue_EvictsOldestFirst(t *testing.T) {
	h := newHarness()
	store := memory.New(memory.Options{})
	opts := h.options()
	opts.BufferSize = 100
	opts.MaxQueueSize = 3
	opts.Persist = store
	opts.StorageKey = "q"
	q := New(opts)
	defer q.Close()

	for i := 1; i <= 5; i++ {
		q.Enqueue(newEvent(i))
	}

	assert.Equal(t, 3, q.Pending())
	assert.Equal(t, int64(2), q.Dropped())
	assert.Equal(t, 2, h.dropped(DropEvicted))

	raw, _ := store.Get("q")
	var persisted []event.QueuedEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	require.Len(t, persisted, 3)
	assert.Equal(t, uint64(3), persisted[0].Seq)
	assert.Equal(t, uint64(5), persisted[2].Seq)
}

func TestQueue_CorruptPersistedQueueIsDiscarded(t *testing.T) {
	h := newHarness()
	store := memory.New(memory.Options{})
	store.Set("q", "not json", 0)
	opts := h.options()
	opts.Persist = store
	opts.StorageKey = "q"

	q := New(opts)
	defer q.Close()
	assert.Equal(t, 0, q.Pending())
	_, ok := store.Get("q")
	assert.False(t, ok)
}

func TestQueue_CloseCancelsInFlight(t *testing.T) {
	h := newHarness()
	h.sender.respond = func(ctx context.Context, n int) error {
		<-ctx.Done()
		return ctx.Err()
	}
	store := memory.New(memory.Options{})
	opts := h.options()
	opts.ConnectionTimeout = time.Hour
	opts.Persist = store
	opts.StorageKey = "q"
	q := New(opts)

	q.Enqueue(newEvent(1))
	require.Eventually(t, func() bool {
		_, ok := q.InFlight()
		return ok
	}, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the in-flight request")
	}

	assert.False(t, q.RetryScheduled())
	assert.Equal(t, 0, h.sched.Pending(), "no timer survives Close")
	h.sched.Advance(time.Hour)
	assert.Len(t, h.sender.requests(), 1)

	assert.Equal(t, uint64(0), q.Enqueue(newEvent(2)))
	assert.Equal(t, 1, h.dropped(DropClosed))

	_, ok := store.Get("q")
	assert.True(t, ok, "the undelivered event stays persisted")
}

func TestQueue_CancelTimersRequeuesInFlight(t *testing.T) {
	h := newHarness()
	h.sender.respond = func(ctx context.Context, n int) error {
		if n == 0 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	opts := h.options()
	opts.ConnectionTimeout = time.Hour
	opts.FlushInterval = time.Minute
	q := New(opts)
	defer q.Close()

	q.Enqueue(newEvent(1))
	require.Eventually(t, func() bool {
		_, ok := q.InFlight()
		return ok
	}, time.Second, time.Millisecond)
	require.Positive(t, h.sched.Pending())

	q.CancelTimers()
	q.Wait()

	assert.Equal(t, 0, h.sched.Pending(), "no timer survives CancelTimers")
	assert.False(t, q.RetryScheduled())
	assert.Equal(t, 1, q.Pending())
	assert.Zero(t, q.Dropped())

	h.sched.Advance(time.Hour)
	assert.Len(t, h.sender.requests(), 1)

	q.Flush(FlushOptions{})
	q.Wait()
	assert.Equal(t, []string{"1"}, h.sender.delivered())
	assert.Zero(t, q.Pending())
}

func TestQueue_OnDropMayReenter(t *testing.T) {
	h := newHarness()
	h.sender.respond = func(ctx context.Context, n int) error {
		if n == 0 {
			return &transport.StatusError{Code: http.StatusBadRequest}
		}
		return nil
	}
	opts := h.options()
	pending := make(chan int, 1)
	var q *Queue
	opts.OnDrop = func(ev event.QueuedEvent, reason DropReason) {
		pending <- q.Pending()
		q.Enqueue(newEvent(2))
	}
	q = New(opts)
	defer q.Close()

	q.Enqueue(newEvent(1))
	select {
	case n := <-pending:
		assert.Zero(t, n)
	case <-time.After(2 * time.Second):
		t.Fatal("OnDrop did not return")
	}
	q.Wait()

	assert.Equal(t, []string{"2"}, h.sender.delivered())
	assert.Equal(t, int64(1), q.Dropped())
}

func TestQueue_SetPersist(t *testing.T) {
	h := newHarness()
	h.sender.respond = func(ctx context.Context, n int) error {
		return &transport.StatusError{Code: http.StatusServiceUnavailable}
	}
	opts := h.options()
	opts.StorageKey = "q"
	q := New(opts)
	defer q.Close()

	q.Enqueue(newEvent(1))
	require.Eventually(t, q.RetryScheduled, time.Second, time.Millisecond)

	store := memory.New(memory.Options{})
	q.SetPersist(store)
	_, ok := store.Get("q")
	assert.True(t, ok, "pending events are mirrored into the new store")

	q.SetPersist(nil)
	q.Enqueue(newEvent(2))
	raw, _ := store.Get("q")
	var mirrored []event.QueuedEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &mirrored))
	assert.Len(t, mirrored, 1, "nothing is mirrored once persistence is off")
}

func TestQueue_Unload(t *testing.T) {
	h := newHarness()
	opts := h.options()
	opts.BufferSize = 10
	q := New(opts)
	defer q.Close()

	for i := 1; i <= 4; i++ {
		q.Enqueue(newEvent(i))
	}
	q.Unload()

	assert.Equal(t, 0, q.Pending())
	assert.Empty(t, h.sender.requests())
	require.Len(t, h.sender.beacons, 1)
	assert.Equal(t, eids(1, 4), h.sender.beacons[0].eids())
}

func TestQueue_FlushChangesBufferSize(t *testing.T) {
	h := newHarness()
	opts := h.options()
	opts.BufferSize = 10
	q := New(opts)
	defer q.Close()

	q.Enqueue(newEvent(1))
	q.Flush(FlushOptions{NewBufferSize: 2})
	q.Wait()
	require.Len(t, h.sender.requests(), 1)
	assert.Equal(t, 2, q.BufferSize())

	q.Enqueue(newEvent(2))
	q.Wait()
	assert.Len(t, h.sender.requests(), 1)
	q.Enqueue(newEvent(3))
	q.Wait()
	assert.Len(t, h.sender.requests(), 2)
}

func TestQueue_SetBufferSizeFlushesWhenFull(t *testing.T) {
	h := newHarness()
	opts := h.options()
	opts.BufferSize = 10
	q := New(opts)
	defer q.Close()

	q.Enqueue(newEvent(1))
	q.Enqueue(newEvent(2))
	q.SetBufferSize(2)
	q.Wait()
	assert.Equal(t, eids(1, 2), h.sender.delivered())
}

func TestQueue_PeriodicFlush(t *testing.T) {
	h := newHarness()
	opts := h.options()
	opts.BufferSize = 10
	opts.FlushInterval = 5 * time.Second
	q := New(opts)
	defer q.Close()

	q.Enqueue(newEvent(1))
	h.sched.Advance(5 * time.Second)
	q.Wait()
	assert.Equal(t, eids(1, 1), h.sender.delivered())
}

func TestQueue_SetCollectorURL(t *testing.T) {
	h := newHarness()
	q := New(h.options())
	defer q.Close()

	q.SetCollectorURL("http://other.test")
	q.Enqueue(newEvent(1))
	q.Wait()
	assert.True(t, strings.HasPrefix(h.sender.requests()[0].url, "http://other.test/"))
}

package queue

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/jpillora/backoff"

	"github.com/nicktill/tinytrack/pkg/config"
	"github.com/nicktill/tinytrack/pkg/event"
	"github.com/nicktill/tinytrack/pkg/schedule"
	"github.com/nicktill/tinytrack/pkg/storage"
	"github.com/nicktill/tinytrack/pkg/transport"
)

// Kind is the transport used for a request
type Kind string

const (
	KindPost   Kind = "post"
	KindGet    Kind = "get"
	KindBeacon Kind = "beacon"
)

// DropReason says why an event left the queue undelivered
type DropReason string

const (
	DropRetriesExhausted DropReason = "retries_exhausted"
	DropRejected         DropReason = "rejected"
	DropTooLarge         DropReason = "too_large"
	DropEvicted          DropReason = "evicted"
	DropClosed           DropReason = "closed"
)

// postOverhead approximates the payload_data wrapper around POST rows
const postOverhead = 88

// Options configures a Queue
type Options struct {
	Namespace string
	Method    config.EventMethod

	CollectorURL string
	PostPath     string
	GetPath      string

	BufferSize    int
	FlushInterval time.Duration
	MaxGetBytes   int
	MaxPostBytes  int

	ConnectionTimeout time.Duration
	MaxRetries        int
	RetryMinDelay     time.Duration
	RetryMaxDelay     time.Duration

	UseStm        bool
	CustomHeaders map[string]string

	// Persist mirrors the queue into this store; nil keeps it in memory
	Persist    storage.Store
	StorageKey string
	// MaxQueueSize bounds the queue; the oldest pending events are evicted
	MaxQueueSize int

	Sender   transport.Sender
	Group    *schedule.Group
	Observer Observer
	// OnDrop is called once per dropped event after the queue lock is
	// released, so it may call back into the queue. It must not call Close or
	// Wait.
	OnDrop func(ev event.QueuedEvent, reason DropReason)
	Logger   logr.Logger
}

// FlushOptions tunes an explicit flush
type FlushOptions struct {
	// NewBufferSize replaces the buffer size going forward when > 0
	NewBufferSize int
}

type inflight struct {
	kind     Kind
	cancel   context.CancelFunc
	deadline time.Time
	batch    []event.QueuedEvent
	// aborted requests hand their batch back instead of retrying
	aborted bool
}

type drop struct {
	ev     event.QueuedEvent
	reason DropReason
}

// Queue buffers events for one tracker and delivers them in sequence order.
// At most one request is in flight at a time.
type Queue struct {
	opts    Options
	log     logr.Logger
	sched   schedule.Scheduler
	obs     Observer
	backoff *backoff.Backoff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	buf          []event.QueuedEvent
	nextSeq      uint64
	bufferSize   int
	collectorURL string
	headers      map[string]string
	inflight     *inflight
	retryTask    *schedule.Task
	flushTask    *schedule.Task
	forceFlush   bool
	closed       bool
	drops        []drop

	dropped atomic.Int64
}

// New creates a queue and restores any persisted events
func New(opts Options) *Queue {
	if opts.BufferSize <= 0 {
		opts.BufferSize = config.DefaultBufferSize
	}
	if opts.MaxPostBytes <= 0 {
		opts.MaxPostBytes = config.DefaultMaxPostBytes
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = config.DefaultConnectionTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = config.DefaultMaxRetries
	}
	if opts.RetryMinDelay <= 0 {
		opts.RetryMinDelay = config.DefaultRetryMinDelay
	}
	if opts.RetryMaxDelay < opts.RetryMinDelay {
		opts.RetryMaxDelay = opts.RetryMinDelay
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = config.DefaultMaxLocalStorageQueueSize
	}
	if opts.Method == "" {
		opts.Method = config.MethodPost
	}
	if opts.Group == nil {
		opts.Group = schedule.NewGroup(schedule.NewReal())
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	headers := make(map[string]string, len(opts.CustomHeaders))
	for k, v := range opts.CustomHeaders {
		headers[k] = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		opts:  opts,
		log:   log.WithName("queue").WithValues("namespace", opts.Namespace),
		sched: opts.Group.Scheduler(),
		obs:   opts.Observer,
		backoff: &backoff.Backoff{
			Min:    opts.RetryMinDelay,
			Max:    opts.RetryMaxDelay,
			Factor: config.RetryFactor,
			Jitter: true,
		},
		ctx:          ctx,
		cancel:       cancel,
		nextSeq:      1,
		bufferSize:   opts.BufferSize,
		collectorURL: opts.CollectorURL,
		headers:      headers,
	}

	q.restore()
	if opts.FlushInterval > 0 {
		q.flushTask = opts.Group.Every(opts.FlushInterval, opts.FlushInterval, q.periodicFlush)
	}
	return q
}

// Enqueue appends ev, assigning its sequence number, and flushes when the
// buffer is full. It returns the sequence number, or 0 once the queue is
// closed.
func (q *Queue) Enqueue(ev event.QueuedEvent) uint64 {
	q.mu.Lock()
	defer q.unlock()

	if q.closed {
		q.dropLocked([]event.QueuedEvent{ev}, DropClosed)
		return 0
	}

	ev.Seq = q.nextSeq
	q.nextSeq++
	if ev.Timestamp == 0 {
		ev.Timestamp = q.sched.Now().UnixMilli()
	}
	q.buf = append(q.buf, ev)
	q.obs.Enqueued(q.opts.Namespace)
	q.log.V(4).Info("enqueued", "seq", ev.Seq, "event", ev.Name)

	q.evictLocked()
	q.persistLocked()

	if len(q.buf) >= q.bufferSize {
		q.flushLocked()
	}
	return ev.Seq
}

// Flush sends everything pending now, regardless of the buffer size
func (q *Queue) Flush(opts FlushOptions) {
	q.mu.Lock()
	defer q.unlock()

	if opts.NewBufferSize > 0 {
		q.bufferSize = opts.NewBufferSize
	}
	if q.closed || len(q.buf) == 0 {
		return
	}
	q.forceFlush = true
	if q.retryTask != nil {
		q.retryTask.Cancel()
		q.retryTask = nil
	}
	q.flushLocked()
}

// SetBufferSize changes the flush threshold going forward
func (q *Queue) SetBufferSize(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	defer q.unlock()

	q.bufferSize = n
	if !q.closed && len(q.buf) >= n {
		q.flushLocked()
	}
}

// BufferSize returns the current flush threshold
func (q *Queue) BufferSize() int {
	q.mu.Lock()
	defer q.unlock()
	return q.bufferSize
}

// SetCollectorURL redirects future requests
func (q *Queue) SetCollectorURL(url string) {
	q.mu.Lock()
	defer q.unlock()
	q.collectorURL = url
}

// SetHeader sets a POST header; an empty value removes it
func (q *Queue) SetHeader(name, value string) {
	q.mu.Lock()
	defer q.unlock()
	if value == "" {
		delete(q.headers, name)
		return
	}
	q.headers[name] = value
}

// Unload drains the buffer through beacons. Beacons are fire-and-forget:
// the events leave the queue whether or not they arrive.
func (q *Queue) Unload() {
	q.mu.Lock()
	defer q.unlock()

	if q.closed || len(q.buf) == 0 {
		return
	}
	pending := q.buf
	q.buf = nil
	q.forceFlush = false
	if q.retryTask != nil {
		q.retryTask.Cancel()
		q.retryTask = nil
	}

	url := q.collectorURL + q.opts.PostPath
	headers := q.headersLocked()
	for len(pending) > 0 {
		n := q.postBatchLen(pending)
		body, err := q.postBody(pending[:n])
		if err == nil {
			q.opts.Sender.Beacon(url, body, headers)
			q.obs.Sent(q.opts.Namespace, KindBeacon, n)
		} else {
			q.log.V(2).Info("failed to encode beacon", "err", err)
			q.dropLocked(pending[:n], DropRejected)
		}
		pending = pending[n:]
	}
	q.persistLocked()
}

// Close cancels the retry and flush timers and the in-flight request, then
// waits for the send goroutine. Nothing the queue scheduled runs afterwards.
// Undelivered events stay persisted for the next process.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.retryTask != nil {
		q.retryTask.Cancel()
		q.retryTask = nil
	}
	if q.flushTask != nil {
		q.flushTask.Cancel()
		q.flushTask = nil
	}
	q.cancel()
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	q.persistLocked()
	q.mu.Unlock()
}

// CancelTimers cancels the retry and flush timers and aborts the in-flight
// request. Its events go back to the front of the buffer without using up a
// retry attempt. The queue stays open: the next Enqueue or Flush sends again,
// and the periodic flush stays off.
func (q *Queue) CancelTimers() {
	q.mu.Lock()
	defer q.unlock()

	if q.retryTask != nil {
		q.retryTask.Cancel()
		q.retryTask = nil
	}
	if q.flushTask != nil {
		q.flushTask.Cancel()
		q.flushTask = nil
	}
	q.forceFlush = false
	if f := q.inflight; f != nil {
		f.aborted = true
		f.cancel()
	}
	q.log.V(4).Info("timers cancelled", "pending", len(q.buf))
}

// SetPersist switches the store the queue is mirrored into; nil stops
// mirroring
func (q *Queue) SetPersist(s storage.Store) {
	q.mu.Lock()
	defer q.unlock()
	q.opts.Persist = s
	q.persistLocked()
}

// Wait blocks until no request is in flight
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Pending returns the number of undelivered events, in flight included
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.unlock()
	n := len(q.buf)
	if q.inflight != nil {
		n += len(q.inflight.batch)
	}
	return n
}

// InFlight reports the kind of the in-flight request, if any
func (q *Queue) InFlight() (Kind, bool) {
	q.mu.Lock()
	defer q.unlock()
	if q.inflight == nil {
		return "", false
	}
	return q.inflight.kind, true
}

// RetryScheduled reports whether a backoff timer is armed
func (q *Queue) RetryScheduled() bool {
	q.mu.Lock()
	defer q.unlock()
	return q.retryTask != nil
}

// Dropped returns the number of events dropped so far
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

func (q *Queue) periodicFlush() {
	q.mu.Lock()
	defer q.unlock()
	if q.closed || len(q.buf) == 0 {
		return
	}
	q.forceFlush = true
	q.flushLocked()
}

// flushLocked starts a request for the head of the buffer unless one is in
// flight or a retry is waiting on its backoff.
func (q *Queue) flushLocked() {
	if q.closed || q.inflight != nil || q.retryTask != nil || len(q.buf) == 0 {
		return
	}

	var (
		kind  Kind
		n     int
		url   string
		body  []byte
		alone bool
	)

	if q.opts.Method == config.MethodGet {
		n = 1
		url = event.EncodeGet(q.collectorURL+q.opts.GetPath, q.stamp(q.buf[0].Payload))
		kind = KindGet
		if q.opts.MaxGetBytes > 0 && len(url) > q.opts.MaxGetBytes {
			// Too long for a query string
			kind = KindPost
		}
	} else {
		kind = KindPost
		n = q.postBatchLen(q.buf)
	}

	if kind == KindPost {
		alone = n == 1 && q.buf[0].Size()+postOverhead > q.opts.MaxPostBytes
		var err error
		body, err = q.postBody(q.buf[:n])
		if err != nil {
			q.log.V(2).Info("failed to encode batch", "err", err)
			batch := q.take(n)
			q.dropLocked(batch, DropRejected)
			q.persistLocked()
			return
		}
		url = q.collectorURL + q.opts.PostPath
	}

	batch := q.take(n)
	// A flush drains everything buffered now, across as many batches as it takes
	q.forceFlush = len(q.buf) > 0

	ctx, cancel := context.WithTimeout(q.ctx, q.opts.ConnectionTimeout)
	deadline, _ := ctx.Deadline()
	f := &inflight{kind: kind, cancel: cancel, deadline: deadline, batch: batch}
	q.inflight = f
	headers := q.headersLocked()

	q.wg.Add(1)
	go q.send(ctx, f, url, body, headers, alone)
}

func (q *Queue) send(ctx context.Context, f *inflight, url string, body []byte, headers map[string]string, alone bool) {
	defer q.wg.Done()
	defer f.cancel()

	kind, batch := f.kind, f.batch

	var err error
	switch kind {
	case KindGet:
		err = q.opts.Sender.Get(ctx, url)
	default:
		err = q.opts.Sender.Post(ctx, url, body, headers)
	}

	q.mu.Lock()
	defer q.unlock()
	if q.inflight == f {
		q.inflight = nil
	}

	if q.closed || (f.aborted && err != nil) {
		if err != nil {
			q.buf = append(batch, q.buf...)
			q.persistLocked()
		}
		return
	}

	if err == nil {
		q.backoff.Reset()
		q.obs.Sent(q.opts.Namespace, kind, len(batch))
		q.log.V(4).Info("delivered", "kind", kind, "events", len(batch), "firstSeq", batch[0].Seq)
		q.persistLocked()
		if len(q.buf) >= q.bufferSize || (q.forceFlush && len(q.buf) > 0) {
			q.flushLocked()
		}
		return
	}

	q.log.V(2).Info("delivery failed", "kind", kind, "events", len(batch), "err", err)
	switch {
	case alone:
		q.dropLocked(batch, DropTooLarge)
	case !transport.Retryable(err):
		q.dropLocked(batch, DropRejected)
	default:
		var retry []event.QueuedEvent
		var exhausted []event.QueuedEvent
		for _, ev := range batch {
			ev.Attempts++
			if ev.Attempts > q.opts.MaxRetries {
				exhausted = append(exhausted, ev)
				continue
			}
			retry = append(retry, ev)
		}
		q.dropLocked(exhausted, DropRetriesExhausted)
		if len(retry) > 0 {
			q.buf = append(retry, q.buf...)
			q.obs.Retried(q.opts.Namespace, len(retry))
			q.scheduleRetryLocked()
		}
	}
	q.persistLocked()
	if q.retryTask == nil && len(q.buf) >= q.bufferSize {
		q.flushLocked()
	}
}

func (q *Queue) scheduleRetryLocked() {
	delay := q.backoff.Duration()
	q.retryTask = q.opts.Group.After(delay, func() {
		q.mu.Lock()
		defer q.unlock()
		q.retryTask = nil
		q.flushLocked()
	})
	q.log.V(4).Info("retry scheduled", "delay", delay)
}

// postBatchLen returns how many events from the head of events fit in one
// POST body. An oversized head event is sent alone.
func (q *Queue) postBatchLen(events []event.QueuedEvent) int {
	size := postOverhead
	n := 0
	for _, ev := range events {
		s := ev.Size() + 1
		if n > 0 && size+s > q.opts.MaxPostBytes {
			break
		}
		size += s
		n++
		if size > q.opts.MaxPostBytes {
			break
		}
	}
	return n
}

func (q *Queue) postBody(events []event.QueuedEvent) ([]byte, error) {
	payloads := make([]*event.Payload, len(events))
	for i, ev := range events {
		payloads[i] = q.stamp(ev.Payload)
	}
	return event.EncodePost(payloads)
}

// stamp returns a copy of p carrying the sent timestamp
func (q *Queue) stamp(p *event.Payload) *event.Payload {
	c := p.Clone()
	if q.opts.UseStm {
		c.Add("stm", formatMillis(q.sched.Now()))
	}
	return c
}

func (q *Queue) take(n int) []event.QueuedEvent {
	batch := make([]event.QueuedEvent, n)
	copy(batch, q.buf[:n])
	q.buf = q.buf[n:]
	return batch
}

func (q *Queue) headersLocked() map[string]string {
	out := make(map[string]string, len(q.headers))
	for k, v := range q.headers {
		out[k] = v
	}
	return out
}

// dropLocked counts events as dropped. OnDrop runs from unlock.
func (q *Queue) dropLocked(events []event.QueuedEvent, reason DropReason) {
	if len(events) == 0 {
		return
	}
	q.dropped.Add(int64(len(events)))
	q.obs.Dropped(q.opts.Namespace, reason, len(events))
	q.log.V(2).Info("dropped events", "reason", reason, "count", len(events))
	if q.opts.OnDrop != nil {
		for _, ev := range events {
			q.drops = append(q.drops, drop{ev: ev, reason: reason})
		}
	}
}

// unlock releases q.mu and then reports the drops collected under it
func (q *Queue) unlock() {
	drops := q.drops
	q.drops = nil
	q.mu.Unlock()
	for _, d := range drops {
		q.opts.OnDrop(d.ev, d.reason)
	}
}

// evictLocked enforces MaxQueueSize, oldest pending events first
func (q *Queue) evictLocked() {
	total := len(q.buf)
	if q.inflight != nil {
		total += len(q.inflight.batch)
	}
	over := total - q.opts.MaxQueueSize
	if over <= 0 {
		return
	}
	if over > len(q.buf) {
		over = len(q.buf)
	}
	evicted := q.take(over)
	q.dropLocked(evicted, DropEvicted)
}

func (q *Queue) persistLocked() {
	depth := len(q.buf)
	var all []event.QueuedEvent
	if q.inflight != nil {
		depth += len(q.inflight.batch)
		all = append(all, q.inflight.batch...)
	}
	q.obs.Depth(q.opts.Namespace, depth)

	if !storage.Usable(q.opts.Persist) {
		return
	}
	all = append(all, q.buf...)
	if len(all) == 0 {
		q.opts.Persist.Delete(q.opts.StorageKey)
		return
	}
	data, err := json.Marshal(all)
	if err != nil {
		q.log.V(2).Info("failed to encode queue", "err", err)
		return
	}
	if !q.opts.Persist.Set(q.opts.StorageKey, string(data), 0) {
		q.log.V(2).Info("failed to persist queue", "key", q.opts.StorageKey, "events", len(all))
	}
}

func (q *Queue) restore() {
	if !storage.Usable(q.opts.Persist) {
		return
	}
	raw, ok := q.opts.Persist.Get(q.opts.StorageKey)
	if !ok {
		return
	}
	var events []event.QueuedEvent
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		q.log.V(2).Info("discarding persisted queue", "err", err)
		q.opts.Persist.Delete(q.opts.StorageKey)
		return
	}

	valid := events[:0]
	for _, ev := range events {
		if ev.Payload != nil && ev.Seq > 0 {
			valid = append(valid, ev)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Seq < valid[j].Seq })

	q.mu.Lock()
	defer q.unlock()
	q.buf = valid
	if n := len(valid); n > 0 {
		q.nextSeq = valid[n-1].Seq + 1
	}
	q.evictLocked()
	q.persistLocked()
	if len(q.buf) > 0 {
		q.log.V(0).Info("restored persisted events", "events", len(q.buf))
		q.opts.Group.After(0, func() {
			q.mu.Lock()
			defer q.unlock()
			q.forceFlush = true
			q.flushLocked()
		})
	}
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

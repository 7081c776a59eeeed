package tracker

import (
	"strconv"

	"github.com/nicktill/tinytrack/pkg/activity"
	"github.com/nicktill/tinytrack/pkg/config"
	"github.com/nicktill/tinytrack/pkg/event"
	"github.com/nicktill/tinytrack/pkg/identity"
)

// TrackPageView starts a page view: it picks the page-view id, re-arms
// activity tracking and sends the event.
func (t *Tracker) TrackPageView(pv PageViewEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed {
		return
	}

	sess := t.ids.EnsureSession()
	renewed := t.pageViewSession != "" && t.pageViewSession != sess.SessionID
	if !t.preservePVID || t.pageViewID == "" {
		t.pageViewID, t.pageViewGen = t.shared.beginPageView(t.pageViewGen, renewed, t.newID)
	}
	t.pageViewSession = sess.SessionID
	t.pageContexts = pv.ContextCallback

	if !t.customReferrer && t.lastPageURL != "" && t.lastPageURL != t.page.URL {
		t.page.Referrer = t.lastPageURL
	}
	t.lastPageURL = t.page.URL

	page := t.page
	if pv.Title != "" {
		page.Title = pv.Title
	}
	contexts := append([]event.SelfDescribingJSON(nil), pv.Contexts...)
	if pv.ContextCallback != nil {
		contexts = append(contexts, pv.ContextCallback()...)
	}
	ev := event.PageView(page, contexts...)
	ev.TrueTimestamp = pv.TrueTimestamp

	if t.trackLocked(ev) {
		t.pageViewSent = true
	}
	t.activity.PageViewStarted(t.pageViewID)
}

// TrackPagePing sends a page ping with the given scroll extrema
func (t *Tracker) TrackPagePing(offsets event.Offsets) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trackPingLocked(offsets)
}

func (t *Tracker) trackPingLocked(offsets event.Offsets) {
	if t.removed {
		return
	}
	var contexts []event.SelfDescribingJSON
	if t.pageContexts != nil {
		contexts = t.pageContexts()
	}
	t.trackLocked(event.PagePing(t.page, offsets, contexts...))
}

func (t *Tracker) emitPing(d activity.CallbackData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trackPingLocked(d.Offsets)
}

// activityContexts supplies the context of callback heartbeats
func (t *Tracker) activityContexts() []event.SelfDescribingJSON {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []event.SelfDescribingJSON
	if ctx, ok := t.webPageContextLocked(); ok {
		out = append(out, ctx)
	}
	if t.pageContexts != nil {
		out = append(out, t.pageContexts()...)
	}
	return out
}

// TrackSelfDescribingEvent sends a self-describing event
func (t *Tracker) TrackSelfDescribingEvent(sdj event.SelfDescribingJSON, contexts ...event.SelfDescribingJSON) {
	t.track(event.SelfDescribing(sdj, contexts...))
}

// TrackCustomEvent sends a named custom event. Its name is what sampling
// exemptions and filters see.
func (t *Tracker) TrackCustomEvent(ce CustomEvent) {
	if ce.Name == "" {
		t.log.V(2).Info("custom event without a name ignored")
		return
	}
	ev := event.SelfDescribing(event.SelfDescribingJSON{
		Schema: CustomEventSchema,
		Data:   map[string]interface{}{"name": ce.Name, "data": ce.Data},
	}, ce.Contexts...)
	ev.Name = ce.Name
	t.track(ev)
}

// TrackErrorEvent sends an application error
func (t *Tracker) TrackErrorEvent(info event.ErrorInfo, contexts ...event.SelfDescribingJSON) {
	if info.Message == "" {
		return
	}
	t.track(event.ApplicationError(info, contexts...))
}

// TrackLinkClick sends a link click
func (t *Tracker) TrackLinkClick(info event.LinkClickInfo, contexts ...event.SelfDescribingJSON) {
	if info.TargetURL == "" {
		return
	}
	t.track(event.LinkClick(info, contexts...))
}

// TrackButtonClick sends a button click
func (t *Tracker) TrackButtonClick(info event.ButtonClickInfo, contexts ...event.SelfDescribingJSON) {
	t.track(event.ButtonClick(info, contexts...))
}

func (t *Tracker) track(ev event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed {
		return
	}
	t.trackLocked(ev)
}

// trackLocked completes ev with identity, page and contexts and queues it.
// It returns false when the event was suppressed.
func (t *Tracker) trackLocked(ev event.Event) bool {
	if t.optedOutLocked() {
		t.log.V(4).Info("event suppressed by opt-out cookie", "event", ev.Name)
		return false
	}
	if t.cfg.RespectDoNotTrack && t.dnt {
		t.log.V(4).Info("event suppressed by do-not-track", "event", ev.Name)
		return false
	}

	eventID := t.newID()
	sess := t.ids.Touch(eventID)
	ids := t.ids.Identifiers(sess)

	if !t.sampler.Keep(sess.DomainUserID, ev.Name) {
		t.log.V(4).Info("event not sampled", "event", ev.Name)
		return false
	}

	p := ev.Payload.Clone()
	now := t.sched.Now().UnixMilli()
	p.Add("eid", eventID)
	p.Add("dtm", formatMillis(now))
	if ev.TrueTimestamp > 0 {
		p.Add("ttm", formatMillis(ev.TrueTimestamp))
	}
	p.Add("tv", Version)
	p.Add("tna", t.namespace)
	p.Add("aid", t.cfg.AppID)
	p.Add("p", t.cfg.Platform)
	p.Add("duid", ids.DomainUserID)
	p.Add("sid", ids.SessionID)
	if ids.SessionIndex > 0 {
		p.Add("vid", strconv.Itoa(ids.SessionIndex))
	}
	p.Add("uid", ids.UserID)
	if _, ok := p.Get("url"); !ok {
		p.Add("url", t.page.URL)
		p.Add("page", t.page.Title)
		p.Add("refr", t.page.Referrer)
	}

	contexts := append([]event.SelfDescribingJSON(nil), ev.Contexts...)
	if config.Bool(t.cfg.Contexts.WebPage) {
		if ctx, ok := t.webPageContextLocked(); ok {
			contexts = append(contexts, ctx)
		}
	}
	if t.cfg.Contexts.Session {
		if ctx, ok := identity.SessionContext(sess, ids, t.ids.Strategy()); ok {
			contexts = append(contexts, ctx)
		}
	}
	if len(t.customTags) > 0 {
		tags := make(map[string]interface{}, len(t.customTags))
		for k, v := range t.customTags {
			tags[k] = v
		}
		contexts = append(contexts, event.SelfDescribingJSON{Schema: CustomTagsSchema, Data: tags})
	}
	contexts = append(contexts, t.plugins.Contexts()...)

	ev.Payload = p
	if err := ev.Encode(contexts, config.Bool(t.cfg.EncodeBase64)); err != nil {
		t.log.V(2).Info("failed to encode event", "event", ev.Name, "err", err)
		return false
	}
	if !t.plugins.Filter(p) {
		return false
	}

	seq := t.queue.Enqueue(event.QueuedEvent{Name: ev.Name, Payload: p, Timestamp: now})
	t.log.V(4).Info("tracked", "event", ev.Name, "eid", eventID, "seq", seq)
	return seq > 0
}

func (t *Tracker) webPageContextLocked() (event.SelfDescribingJSON, bool) {
	if t.pageViewID == "" {
		return event.SelfDescribingJSON{}, false
	}
	return event.SelfDescribingJSON{
		Schema: event.WebPageSchema,
		Data:   map[string]string{"id": t.pageViewID},
	}, true
}

func (t *Tracker) optedOutLocked() bool {
	if t.optOutCookie == "" || t.stores.Cookie == nil {
		return false
	}
	_, ok := t.stores.Cookie.Get(t.optOutCookie)
	return ok
}

// Unload drains the queue through beacons. SharedState.Unload does this for
// every tracker at once.
func (t *Tracker) Unload() {
	t.queue.Unload()
}

// Pending returns the number of undelivered events
func (t *Tracker) Pending() int {
	return t.queue.Pending()
}

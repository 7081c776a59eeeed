package main

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/go-logr/logr"

	"github.com/nicktill/tinytrack/pkg/event"
	"github.com/nicktill/tinytrack/pkg/tracker"
)

type page struct {
	url   string
	title string
}

var pages = []page{
	{"https://shop.example/", "Shop"},
	{"https://shop.example/catalog", "Catalog"},
	{"https://shop.example/catalog/lamp", "Desk lamp"},
	{"https://shop.example/cart", "Cart"},
	{"https://shop.example/checkout", "Checkout"},
}

// simulator walks the registry's trackers through visits
type simulator struct {
	registry *tracker.Registry
	interval time.Duration
	log      logr.Logger
}

func newSimulator(r *tracker.Registry, interval time.Duration, log logr.Logger) *simulator {
	return &simulator{registry: r, interval: interval, log: log.WithName("sim")}
}

func (s *simulator) all(fn func(*tracker.Tracker)) {
	s.registry.Dispatch(nil, fn)
}

// visit views a page, stays active on it and clicks through to the next
func (s *simulator) visit(ctx context.Context, n int) error {
	p := pages[n%len(pages)]
	s.log.V(0).Info("visiting", "visit", n, "url", p.url)

	s.all(func(t *tracker.Tracker) {
		t.SetCustomURL(p.url)
		t.SetDocumentTitle(p.title)
		t.SetCustomTags(map[string]interface{}{"visit": n})
		t.TrackPageView(tracker.PageViewEvent{})
	})

	for i := 0; i < 3; i++ {
		if err := s.pause(ctx); err != nil {
			return err
		}
		s.all(func(t *tracker.Tracker) {
			t.UpdatePageActivity()
			t.UpdateScroll(0, 200*(i+1))
		})
	}

	next := pages[(n+1)%len(pages)]
	switch rand.IntN(4) {
	case 0:
		s.all(func(t *tracker.Tracker) {
			t.TrackButtonClick(event.ButtonClickInfo{Label: "Add to cart", ID: "add-to-cart"})
		})
	case 1:
		s.all(func(t *tracker.Tracker) {
			t.TrackErrorEvent(event.ErrorInfo{Message: "price lookup timed out", Filename: "cart.js", LineNumber: 42})
		})
	default:
		s.all(func(t *tracker.Tracker) {
			t.TrackCustomEvent(tracker.CustomEvent{
				Name: "product_viewed",
				Data: map[string]interface{}{"title": p.title},
			})
		})
	}
	s.all(func(t *tracker.Tracker) {
		t.TrackLinkClick(event.LinkClickInfo{TargetURL: next.url, ElementContent: next.title})
	})
	return s.pause(ctx)
}

func (s *simulator) pause(ctx context.Context) error {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

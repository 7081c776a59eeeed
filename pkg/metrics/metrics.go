// Package metrics exports tracker delivery and collector ingest counters in
// Prometheus format.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/tinytrack/pkg/queue"
)

const namespace = "tinytrack"

// Delivery implements queue.Observer on a private registry
type Delivery struct {
	registry *prometheus.Registry

	enqueued *prometheus.CounterVec
	sent     *prometheus.CounterVec
	retried  *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	depth    *prometheus.GaugeVec
}

var _ queue.Observer = (*Delivery)(nil)

// NewDelivery creates the delivery metrics and registers them
func NewDelivery() (*Delivery, error) {
	d := &Delivery{
		registry: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_events_total",
			Help:      "Events accepted into a tracker queue.",
		}, []string{"tracker"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "sent_events_total",
			Help:      "Events delivered to the collector, by transport.",
		}, []string{"tracker", "transport"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "retried_events_total",
			Help:      "Events put back in the queue after a failed delivery.",
		}, []string{"tracker"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dropped_events_total",
			Help:      "Events that left the queue undelivered, by reason.",
		}, []string{"tracker", "reason"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Undelivered events, in flight included.",
		}, []string{"tracker"}),
	}

	for _, c := range []prometheus.Collector{d.enqueued, d.sent, d.retried, d.dropped, d.depth} {
		if err := d.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register delivery metrics: %w", err)
		}
	}
	return d, nil
}

// Registry returns the registry holding the delivery metrics
func (d *Delivery) Registry() *prometheus.Registry {
	return d.registry
}

// Handler serves the delivery metrics
func (d *Delivery) Handler() http.Handler {
	return promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})
}

func (d *Delivery) Enqueued(ns string) {
	d.enqueued.WithLabelValues(ns).Inc()
}

func (d *Delivery) Sent(ns string, kind queue.Kind, n int) {
	d.sent.WithLabelValues(ns, string(kind)).Add(float64(n))
}

func (d *Delivery) Retried(ns string, n int) {
	d.retried.WithLabelValues(ns).Add(float64(n))
}

func (d *Delivery) Dropped(ns string, reason queue.DropReason, n int) {
	d.dropped.WithLabelValues(ns, string(reason)).Add(float64(n))
}

func (d *Delivery) Depth(ns string, n int) {
	d.depth.WithLabelValues(ns).Set(float64(n))
}

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingest counts what a collector receives
type Ingest struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	events   *prometheus.CounterVec
	rejected *prometheus.CounterVec
	clients  prometheus.Gauge
}

// NewIngest creates the collector metrics and registers them
func NewIngest() (*Ingest, error) {
	m := &Ingest{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "requests_total",
			Help:      "Ingest requests, by method.",
		}, []string{"method"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "events_total",
			Help:      "Events received, by event type.",
		}, []string{"type"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "rejected_requests_total",
			Help:      "Ingest requests refused, by reason.",
		}, []string{"reason"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "tail_clients",
			Help:      "Connected live tail clients.",
		}),
	}

	for _, c := range []prometheus.Collector{m.requests, m.events, m.rejected, m.clients} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register ingest metrics: %w", err)
		}
	}
	return m, nil
}

// Gatherer exposes the registry so it can be merged with others
func (m *Ingest) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the ingest metrics
func (m *Ingest) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Request counts one ingest request
func (m *Ingest) Request(method string) {
	m.requests.WithLabelValues(method).Inc()
}

// Events counts received events of one type
func (m *Ingest) Events(eventType string, n int) {
	m.events.WithLabelValues(eventType).Add(float64(n))
}

// Rejected counts a refused request
func (m *Ingest) Rejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

// TailClients sets the number of live tail connections
func (m *Ingest) TailClients(n int) {
	m.clients.Set(float64(n))
}

// Package metrics exposes poll outcomes as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements poller.Observer on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	polls        *prometheus.CounterVec
	cacheHits    *prometheus.CounterVec
	pollErrors   *prometheus.CounterVec
	values       *prometheus.GaugeVec
	pollDuration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metergw_polls_total",
			Help: "Successful device polls per meter.",
		}, []string{"meter"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metergw_cache_hits_total",
			Help: "Fetches answered from cache per meter.",
		}, []string{"meter"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metergw_poll_errors_total",
			Help: "Failed device polls per meter.",
		}, []string{"meter"}),
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "metergw_meter_value",
			Help: "Last successfully decoded, scaled value per meter.",
		}, []string{"meter"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "metergw_poll_duration_seconds",
			Help:    "Device read plus decode duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.polls, m.cacheHits, m.pollErrors, m.values, m.pollDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) PollSucceeded(id string, value float64, elapsed time.Duration) {
	m.polls.WithLabelValues(id).Inc()
	m.values.WithLabelValues(id).Set(value)
	m.pollDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) PollFailed(id string) {
	m.pollErrors.WithLabelValues(id).Inc()
}

func (m *Metrics) CacheHit(id string) {
	m.cacheHits.WithLabelValues(id).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package edge

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the edge collectors on a private registry so several services
// can live in one process (tests).
type Metrics struct {
	Registry *prometheus.Registry

	inFlight    prometheus.Gauge
	decisions   *prometheus.CounterVec
	previews    *prometheus.CounterVec
	proxyErrors prometheus.Counter
	respBytes   *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgeroute",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight requests.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeroute",
			Subsystem: "dispatch",
			Name:      "decisions_total",
			Help:      "Requests by dispatch decision.",
		}, []string{"decision"}),
		previews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeroute",
			Subsystem: "preview",
			Name:      "rendered_total",
			Help:      "Preview outcomes by kind and verdict (crawler, human, redirect).",
		}, []string{"kind", "verdict"}),
		proxyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeroute",
			Subsystem: "proxy",
			Name:      "errors_total",
			Help:      "Proxied requests answered with 502.",
		}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edgeroute",
			Subsystem: "http",
			Name:      "response_bytes",
			Help:      "Response body sizes.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8), // 256b to ~4mb
		}, []string{"decision"}),
	}
	m.Registry.MustRegister(
		m.inFlight,
		m.decisions,
		m.previews,
		m.proxyErrors,
		m.respBytes,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Package metrics exports tunnel counters for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xmplusdev/xmplus-tunnel/tunnel"
)

const namespace = "xmplus_tunnel"

// Metrics observes relay sessions. It keeps its own registry so that
// several instances can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	bytes    *prometheus.CounterVec
	active   prometheus.Gauge
	sessions *prometheus.CounterVec
	duration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Bytes delivered through tunnels.",
		}, []string{"direction"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Tunnels currently open.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished tunnels by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of finished tunnels.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		}),
	}
	m.registry.MustRegister(m.bytes, m.active, m.sessions, m.duration)
	return m
}

func (m *Metrics) SessionStarted(*tunnel.Session) {
	m.active.Inc()
}

func (m *Metrics) SessionClosed(_ *tunnel.Session, res *tunnel.Result, err error) {
	m.active.Dec()
	m.bytes.WithLabelValues("upload").Add(float64(res.ClientToTarget))
	m.bytes.WithLabelValues("download").Add(float64(res.TargetToClient))
	m.sessions.WithLabelValues(tunnel.Outcome(err)).Inc()
	m.duration.Observe(res.Duration.Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Sessions         *prometheus.GaugeVec
	SessionEvents    *prometheus.CounterVec
	ProxyRequests    *prometheus.CounterVec
	UpstreamFailures *prometheus.CounterVec
	UpstreamLatency  prometheus.Histogram
	WSMessages       *prometheus.CounterVec

	gatherer prometheus.Gatherer
	latency  *latencyWindow
}

// NewMetrics registers the instruments on reg. A nil reg uses the default
// Prometheus registry.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	return &Metrics{
		Sessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live sessions by state.",
		}, []string{"state"}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		ProxyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Proxied requests by method and outcome.",
		}, []string{"method", "outcome"}),
		UpstreamFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Failed upstream calls by reason.",
		}, []string{"reason"}),
		UpstreamLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_ms",
			Help:      "Time until upstream response headers in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Realtime WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		gatherer: gatherer,
		latency:  newLatencyWindow(512),
	}
}

// SetSessionCounts publishes the registry's current totals.
func (m *Metrics) SetSessionCounts(total, active int) {
	m.Sessions.WithLabelValues("active").Set(float64(active))
	m.Sessions.WithLabelValues("idle").Set(float64(total - active))
}

// ObserveUpstream records the time to upstream response headers.
func (m *Metrics) ObserveUpstream(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	m.UpstreamLatency.Observe(ms)
	m.latency.Observe(StageUpstreamHeaders, ms)
}

// ObserveProxy records one finished proxy request.
func (m *Metrics) ObserveProxy(method, outcome string, total time.Duration) {
	m.ProxyRequests.WithLabelValues(method, outcome).Inc()
	m.latency.Observe(StageProxyTotal, float64(total.Microseconds())/1000)
	m.latency.ObserveIndicator(outcome)
}

func (m *Metrics) ObserveUpstreamFailure(reason string) {
	m.UpstreamFailures.WithLabelValues(reason).Inc()
}

// SnapshotLatency returns the rolling latency percentiles.
func (m *Metrics) SnapshotLatency() LatencySnapshot {
	return m.latency.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

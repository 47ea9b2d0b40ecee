// Package metrics exposes Prometheus collectors for the fusion service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crowdbus"

type Metrics struct {
	registry *prometheus.Registry

	pings            *prometheus.CounterVec
	fusionDuration   prometheus.Histogram
	fusedBuses       prometheus.Counter
	positionUpdates  prometheus.Counter
	sweepDuration    prometheus.Histogram
	sessionsExpired  prometheus.Counter
	tripsCompleted   prometheus.Counter
	dispatchFailures *prometheus.CounterVec
	trustCorruption  prometheus.Counter
	rateLimited      prometheus.Counter
	wsConnections    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_total",
			Help:      "Ingested pings by outcome.",
		}, []string{"outcome"}),
		fusionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fusion_cycle_seconds",
			Help:      "Duration of fusion cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		fusedBuses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fused_buses_total",
			Help:      "Buses fused across all cycles.",
		}),
		positionUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "position_updates_total",
			Help:      "Position updates emitted to broadcasters.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_cycle_seconds",
			Help:      "Duration of sweep cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Tracking sessions ended for inactivity.",
		}),
		tripsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trips_completed_total",
			Help:      "Trips detected as completed.",
		}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Downstream dispatches that failed after retries.",
		}, []string{"target"}),
		trustCorruption: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_corruption_total",
			Help:      "Trust records repaired after holding an invalid score.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open websocket connections.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.pings,
		m.fusionDuration,
		m.fusedBuses,
		m.positionUpdates,
		m.sweepDuration,
		m.sessionsExpired,
		m.tripsCompleted,
		m.dispatchFailures,
		m.trustCorruption,
		m.rateLimited,
		m.wsConnections,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Ping counts one ingested ping; outcome is accepted, flagged or rejected.
func (m *Metrics) Ping(outcome string) {
	if m == nil {
		return
	}
	m.pings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) FusionCycle(d time.Duration, fused, updates int) {
	if m == nil {
		return
	}
	m.fusionDuration.Observe(d.Seconds())
	m.fusedBuses.Add(float64(fused))
	m.positionUpdates.Add(float64(updates))
}

func (m *Metrics) SweepCycle(d time.Duration, expired, completed int) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
	m.sessionsExpired.Add(float64(expired))
	m.tripsCompleted.Add(float64(completed))
}

func (m *Metrics) DispatchFailure(target string) {
	if m == nil {
		return
	}
	m.dispatchFailures.WithLabelValues(target).Inc()
}

func (m *Metrics) TrustCorruption() {
	if m == nil {
		return
	}
	m.trustCorruption.Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) WSConnected() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) WSDisconnected() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

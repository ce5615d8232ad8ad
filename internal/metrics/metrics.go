// Package metrics exposes Prometheus counters and gauges for the
// coordination core. The collectors are served from the coordinator HTTP
// server at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all farmhand collectors on a private registry so tests can
// create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	ClaimsGranted   prometheus.Counter
	ClaimsDenied    prometheus.Counter
	ClaimsReclaimed prometheus.Counter
	ClaimsReleased  prometheus.Counter

	SessionsStarted   prometheus.Counter
	SessionsRestarted prometheus.Counter
	Escalations       prometheus.Counter
	DeadLettered      prometheus.Counter

	ActiveClaims    prometheus.Gauge
	RunningSessions prometheus.Gauge
	QueueDepth      prometheus.Gauge

	ClaimHoldSeconds prometheus.Histogram
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ClaimsGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farmhand_claims_granted_total",
			Help: "Claims successfully acquired.",
		}),
		ClaimsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farmhand_claims_denied_total",
			Help: "Claim attempts denied or deferred due to resource conflicts.",
		}),
		ClaimsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farmhand_claims_reclaimed_total",
			Help: "Stale claims force-removed after missing heartbeats past the TTL.",
		}),
		ClaimsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farmhand_claims_released_total",
			Help: "Claims released on completion or abort.",
		}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farmhand_sessions_started_total",
			Help: "Agent sessions launched, including restarts.",
		}),
		SessionsRestarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farmhand_sessions_restarted_total",
			Help: "Sessions restarted while preserving their claim.",
		}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farmhand_escalations_total",
			Help: "Sessions terminated without restart, requiring operator attention.",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farmhand_work_dead_lettered_total",
			Help: "Work items moved to the dead-letter list.",
		}),
		ActiveClaims: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "farmhand_active_claims",
			Help: "Currently active claims.",
		}),
		RunningSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "farmhand_running_sessions",
			Help: "Currently running agent sessions.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "farmhand_queue_depth",
			Help: "Pending work items, including those in a backoff window.",
		}),
		ClaimHoldSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "farmhand_claim_hold_seconds",
			Help:    "How long claims were held before release.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}),
	}

	reg.MustRegister(
		m.ClaimsGranted, m.ClaimsDenied, m.ClaimsReclaimed, m.ClaimsReleased,
		m.SessionsStarted, m.SessionsRestarted, m.Escalations, m.DeadLettered,
		m.ActiveClaims, m.RunningSessions, m.QueueDepth,
		m.ClaimHoldSeconds,
	)
	return m
}

// Handler returns the HTTP handler serving the registry in Prometheus text
// format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics holds the Prometheus collectors for the coordination core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles all collectors on a dedicated registry so tests can create
// instances freely without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	SelectionsTotal   *prometheus.CounterVec
	AvailableBackends prometheus.Gauge

	HealthStatus *prometheus.GaugeVec

	FailoversTotal  *prometheus.CounterVec
	FailoverState   *prometheus.GaugeVec
	NodeFailures    *prometheus.GaugeVec

	ClusterTerm   prometheus.Gauge
	ClusterLeader prometheus.Gauge
	HealthyPeers  prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helmsman_requests_total",
				Help: "Requests dispatched through the load balancer",
			},
			[]string{"backend", "outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helmsman_request_duration_seconds",
				Help:    "Backend request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		SelectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helmsman_selections_total",
				Help: "Backend selections by strategy",
			},
			[]string{"strategy"},
		),
		AvailableBackends: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "helmsman_available_backends",
				Help: "Backends currently eligible for traffic",
			},
		),
		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "helmsman_health_check_status",
				Help: "Health check status (0 unknown, 1 healthy, 2 degraded, 3 unhealthy)",
			},
			[]string{"check"},
		),
		FailoversTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helmsman_failovers_total",
				Help: "Failover executions by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		FailoverState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "helmsman_failover_state",
				Help: "Current failover state machine position (one-hot by state)",
			},
			[]string{"state"},
		),
		NodeFailures: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "helmsman_node_failure_count",
				Help: "Consecutive failure count per failover node",
			},
			[]string{"node"},
		),
		ClusterTerm: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "helmsman_cluster_term",
				Help: "Current election term of this coordinator",
			},
		),
		ClusterLeader: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "helmsman_cluster_is_leader",
				Help: "1 when this coordinator holds leadership",
			},
		),
		HealthyPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "helmsman_cluster_healthy_peers",
				Help: "Healthy coordinator peers including self",
			},
		),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.SelectionsTotal,
		m.AvailableBackends,
		m.HealthStatus,
		m.FailoversTotal,
		m.FailoverState,
		m.NodeFailures,
		m.ClusterTerm,
		m.ClusterLeader,
		m.HealthyPeers,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

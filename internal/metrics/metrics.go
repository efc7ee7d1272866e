// Package metrics exposes Prometheus instrumentation for the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Placement metrics
	PlacementsTotal    *prometheus.CounterVec
	PlacementDuration  prometheus.Histogram
	ReservationRetries prometheus.Counter

	// Migration metrics
	MigrationsTotal   *prometheus.CounterVec
	MigrationsActive  prometheus.Gauge
	StageDuration     *prometheus.HistogramVec
	MigrationFailures *prometheus.CounterVec

	// Health metrics
	ProbesTotal       *prometheus.CounterVec
	NodesByHealth     *prometheus.GaugeVec
	HealthTransitions *prometheus.CounterVec

	// Cluster metrics
	EvacuationsTotal *prometheus.CounterVec
	RebalanceMoves   *prometheus.CounterVec
	ClusterVariance  prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		PlacementsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "virtforge_placements_total",
				Help: "Total number of placement decisions",
			},
			[]string{"strategy", "outcome"},
		),

		PlacementDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "virtforge_placement_duration_seconds",
				Help:    "Duration of placement decisions",
				Buckets: prometheus.DefBuckets,
			},
		),

		ReservationRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "virtforge_reservation_retries_total",
				Help: "Total number of placement retries after reservation conflicts",
			},
		),

		MigrationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "virtforge_migrations_total",
				Help: "Total number of migration jobs by mode and final state",
			},
			[]string{"mode", "state"},
		),

		MigrationsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "virtforge_migrations_active",
				Help: "Number of migration jobs currently executing",
			},
		),

		StageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "virtforge_migration_stage_duration_seconds",
				Help:    "Duration of individual migration stages",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"mode", "stage"},
		),

		MigrationFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "virtforge_migration_failures_total",
				Help: "Total number of migration stage failures",
			},
			[]string{"mode", "stage", "timeout"},
		),

		ProbesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "virtforge_health_probes_total",
				Help: "Total number of node health probes",
			},
			[]string{"result"},
		),

		NodesByHealth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "virtforge_nodes",
				Help: "Number of nodes by health status",
			},
			[]string{"health"},
		),

		HealthTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "virtforge_health_transitions_total",
				Help: "Total number of node health state transitions",
			},
			[]string{"from", "to"},
		),

		EvacuationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "virtforge_evacuations_total",
				Help: "Total number of node evacuations by outcome",
			},
			[]string{"outcome"},
		),

		RebalanceMoves: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "virtforge_rebalance_moves_total",
				Help: "Total number of rebalance moves by outcome",
			},
			[]string{"outcome"},
		),

		ClusterVariance: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "virtforge_cluster_utilization_variance",
				Help: "Variance of node utilization scores at the last rebalance analysis",
			},
		),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "virtforge_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "virtforge_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

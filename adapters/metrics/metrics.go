// Package metrics provides Prometheus metrics collection for the streaming
// proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for the proxy.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Auth metrics
	AuthFailures *prometheus.CounterVec

	// Upstream pipe metrics
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	PipesInFlight    prometheus.Gauge

	// Frame / store metrics
	FramesWritten *prometheus.CounterVec
	BytesWritten  prometheus.Counter
	StoreErrors   *prometheus.CounterVec

	// Registry metrics
	ActiveConnections prometheus.Gauge

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a new metrics collector registered against the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamproxy",
				Name:      "requests_total",
				Help:      "Total number of proxy requests processed, by action and status",
			},
			[]string{"action", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "streamproxy",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"action", "status"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streamproxy",
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),

		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamproxy",
				Name:      "auth_failures_total",
				Help:      "Total number of authentication failures",
			},
			[]string{"reason"},
		),

		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "streamproxy",
				Name:      "upstream_duration_seconds",
				Help:      "Time from upstream fetch start to terminal frame",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"outcome"},
		),
		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamproxy",
				Name:      "upstream_errors_total",
				Help:      "Total number of upstream errors by kind",
			},
			[]string{"kind"},
		),
		PipesInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streamproxy",
				Name:      "pipes_in_flight",
				Help:      "Number of upstream pipes currently streaming into the store",
			},
		),

		FramesWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamproxy",
				Name:      "frames_written_total",
				Help:      "Total number of frames appended to streams, by frame type",
			},
			[]string{"type"},
		),
		BytesWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "streamproxy",
				Name:      "bytes_written_total",
				Help:      "Total bytes of upstream payload appended to streams",
			},
		),
		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamproxy",
				Name:      "store_errors_total",
				Help:      "Total number of store transport errors, by operation",
			},
			[]string{"op"},
		),

		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streamproxy",
				Name:      "registry_connections",
				Help:      "Number of live upstream connections tracked by the registry",
			},
		),

		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "streamproxy",
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "streamproxy",
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streamproxy",
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

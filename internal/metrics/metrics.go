// Package metrics holds the Prometheus collectors for the timeclock core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "timeclock"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	LedgerEntries       *prometheus.CounterVec // by outcome
	ChainViolations     prometheus.Counter
	ChainHalted         prometheus.Gauge
	PipelineCycles      *prometheus.CounterVec // by result
	PipelineDuration    prometheus.Histogram
	DedupPurged         *prometheus.CounterVec // by kind
	SecurityEvents      *prometheus.CounterVec // by kind
	BadgeOperations     *prometheus.CounterVec // by action, result
	DevicesByStatus     *prometheus.GaugeVec   // by status
	DeviceEscalations   prometheus.Counter
	HeartbeatsReceived  *prometheus.CounterVec // by known
	Notifications       *prometheus.CounterVec // by sink, result
	HTTPRequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		LedgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_processed_total",
			Help:      "Ledger entries processed, by outcome",
		}, []string{"outcome"}),
		ChainViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_violations_total",
			Help:      "Hash chain breaks detected",
		}),
		ChainHalted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_halted",
			Help:      "1 while ledger processing is halted on an unresolved chain break",
		}),
		PipelineCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_cycles_total",
			Help:      "Ledger pipeline cycles, by result",
		}, []string{"result"}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_cycle_duration_seconds",
			Help:      "Duration of one ledger pipeline cycle",
			Buckets:   prometheus.DefBuckets,
		}),
		DedupPurged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_purged_total",
			Help:      "Rows removed by the dedup retention sweep, by kind",
		}, []string{"kind"}),
		SecurityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events raised, by kind",
		}, []string{"kind"}),
		BadgeOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "badge_operations_total",
			Help:      "Badge lifecycle operations, by action and result",
		}, []string{"action", "result"}),
		DevicesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Devices by computed status at the last health check",
		}, []string{"status"}),
		DeviceEscalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_escalations_total",
			Help:      "Offline escalations sent",
		}),
		HeartbeatsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_received_total",
			Help:      "Device heartbeats received, by whether the device is registered",
		}, []string{"known"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries, by sink and result",
		}, []string{"sink", "result"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route pattern and status code",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LedgerEntries,
		m.ChainViolations,
		m.ChainHalted,
		m.PipelineCycles,
		m.PipelineDuration,
		m.DedupPurged,
		m.SecurityEvents,
		m.BadgeOperations,
		m.DevicesByStatus,
		m.DeviceEscalations,
		m.HeartbeatsReceived,
		m.Notifications,
		m.HTTPRequestDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

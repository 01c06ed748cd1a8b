package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	WindowsOpen       *prometheus.GaugeVec
	TabsOpen          *prometheus.GaugeVec
	PersistenceDenied *prometheus.CounterVec
	WipeDuration      prometheus.Histogram
	WipeFailures      prometheus.Counter

	// Download metrics
	DownloadsActive   prometheus.Gauge
	DownloadsFinished *prometheus.CounterVec
	DownloadBytes     prometheus.Counter
	StaleProgress     prometheus.Counter

	// Filter metrics
	FilterRules     prometheus.Gauge
	FilterWarnings  prometheus.Gauge
	FilterReloads   *prometheus.CounterVec
	RequestsBlocked *prometheus.CounterVec

	// Bus metrics
	BusPublished *prometheus.CounterVec
	BusQueueWait *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
}

// New creates a metrics collector on its own registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browsecore_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "browsecore_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		WindowsOpen: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "browsecore_windows_open",
				Help: "Open windows by partition",
			},
			[]string{"partition"},
		),
		TabsOpen: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "browsecore_tabs_open",
				Help: "Open tabs by partition",
			},
			[]string{"partition"},
		),
		PersistenceDenied: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browsecore_persistence_denied_total",
				Help: "Durable writes denied by the persistence guard",
			},
			[]string{"kind"},
		),
		WipeDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "browsecore_private_wipe_duration_seconds",
				Help:    "Time taken to wipe a private storage context",
				Buckets: prometheus.DefBuckets,
			},
		),
		WipeFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "browsecore_private_wipe_failures_total",
				Help: "Private storage contexts that could not be wiped",
			},
		),

		DownloadsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "browsecore_downloads_active",
				Help: "Downloads pending, in progress or paused",
			},
		),
		DownloadsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browsecore_downloads_finished_total",
				Help: "Downloads that reached a terminal state",
			},
			[]string{"state", "partition"},
		),
		DownloadBytes: f.NewCounter(
			prometheus.CounterOpts{
				Name: "browsecore_download_bytes_total",
				Help: "Bytes accepted by the download ledger",
			},
		),
		StaleProgress: f.NewCounter(
			prometheus.CounterOpts{
				Name: "browsecore_download_stale_progress_total",
				Help: "Out-of-order or duplicate progress reports dropped",
			},
		),

		FilterRules: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "browsecore_filter_rules",
				Help: "Rules in the active filter snapshot",
			},
		),
		FilterWarnings: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "browsecore_filter_rule_warnings",
				Help: "Entries skipped while loading the active snapshot",
			},
		),
		FilterReloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browsecore_filter_reloads_total",
				Help: "Filter rule reloads",
			},
			[]string{"status"},
		),
		RequestsBlocked: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browsecore_requests_blocked_total",
				Help: "Outbound requests blocked by the filter",
			},
			[]string{"partition"},
		),

		BusPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browsecore_bus_events_published_total",
				Help: "Events published on the internal bus",
			},
			[]string{"topic"},
		),
		BusQueueWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "browsecore_bus_publish_wait_seconds",
				Help:    "Time publishers waited for queue space",
				Buckets: []float64{.0001, .001, .01, .1, 1},
			},
			[]string{"topic"},
		),

		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "browsecore_websocket_connections",
				Help: "Active event stream connections",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// WindowOpened increments the open window gauge
func (m *Metrics) WindowOpened(partition string) {
	if m == nil {
		return
	}
	m.WindowsOpen.WithLabelValues(partition).Inc()
}

// WindowClosed decrements the open window gauge
func (m *Metrics) WindowClosed(partition string) {
	if m == nil {
		return
	}
	m.WindowsOpen.WithLabelValues(partition).Dec()
}

// TabOpened increments the open tab gauge
func (m *Metrics) TabOpened(partition string) {
	if m == nil {
		return
	}
	m.TabsOpen.WithLabelValues(partition).Inc()
}

// TabsClosed decrements the open tab gauge by n
func (m *Metrics) TabsClosed(partition string, n int) {
	if m == nil {
		return
	}
	m.TabsOpen.WithLabelValues(partition).Sub(float64(n))
}

// PersistenceDeniedInc counts a denied durable write
func (m *Metrics) PersistenceDeniedInc(kind string) {
	if m == nil {
		return
	}
	m.PersistenceDenied.WithLabelValues(kind).Inc()
}

// ObserveWipe records a private context wipe
func (m *Metrics) ObserveWipe(duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.WipeDuration.Observe(duration.Seconds())
	if failed {
		m.WipeFailures.Inc()
	}
}

// SetDownloadsActive sets the active download gauge
func (m *Metrics) SetDownloadsActive(n int) {
	if m == nil {
		return
	}
	m.DownloadsActive.Set(float64(n))
}

// DownloadFinished counts a terminal download
func (m *Metrics) DownloadFinished(state, partition string) {
	if m == nil {
		return
	}
	m.DownloadsFinished.WithLabelValues(state, partition).Inc()
}

// AddDownloadBytes counts accepted bytes
func (m *Metrics) AddDownloadBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.DownloadBytes.Add(float64(n))
}

// StaleProgressInc counts a dropped progress report
func (m *Metrics) StaleProgressInc() {
	if m == nil {
		return
	}
	m.StaleProgress.Inc()
}

// FilterLoaded records a successful or failed rule load
func (m *Metrics) FilterLoaded(rules, warnings int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.FilterReloads.WithLabelValues("error").Inc()
		return
	}
	m.FilterReloads.WithLabelValues("ok").Inc()
	m.FilterRules.Set(float64(rules))
	m.FilterWarnings.Set(float64(warnings))
}

// RequestBlocked counts a blocked outbound request
func (m *Metrics) RequestBlocked(partition string) {
	if m == nil {
		return
	}
	m.RequestsBlocked.WithLabelValues(partition).Inc()
}

// EventPublished records a bus publish and how long it waited for queue space
func (m *Metrics) EventPublished(topic string, wait time.Duration) {
	if m == nil {
		return
	}
	m.BusPublished.WithLabelValues(topic).Inc()
	m.BusQueueWait.WithLabelValues(topic).Observe(wait.Seconds())
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

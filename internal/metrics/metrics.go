package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keyguard"

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	keyOperations        *prometheus.CounterVec
	keyOperationDuration *prometheus.HistogramVec
	keyOperationErrors   *prometheus.CounterVec
	keyOperationBytes    *prometheus.CounterVec

	lifecycleEvents   *prometheus.CounterVec
	rotations         *prometheus.CounterVec
	integrityFailures prometheus.Counter
	keysByStatus      *prometheus.GaugeVec

	backups       *prometheus.CounterVec
	lastBackup    prometheus.Gauge
	storageErrors *prometheus.CounterVec

	activeConnections prometheus.Gauge
	goroutines        prometheus.Gauge
	memoryAllocBytes  prometheus.Gauge
	memorySysBytes    prometheus.Gauge
}

// NewMetrics creates a new metrics instance on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom
// registry. When reg is also a Gatherer, Handler serves it.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	reg.MustRegister(versioncollector.NewCollector(namespace))

	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP requests",
			},
			[]string{"method", "path"},
		),
		keyOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_operations_total",
				Help:      "Total number of key operations",
			},
			[]string{"operation", "usage"},
		),
		keyOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "key_operation_duration_seconds",
				Help:      "Key operation duration in seconds",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		keyOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_operation_errors_total",
				Help:      "Total number of failed key operations",
			},
			[]string{"operation", "error_type"},
		),
		keyOperationBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_operation_bytes_total",
				Help:      "Total bytes encrypted, decrypted or signed",
			},
			[]string{"operation"},
		),
		lifecycleEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_events_total",
				Help:      "Total number of key lifecycle events",
			},
			[]string{"event", "usage"},
		),
		rotations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_rotations_total",
				Help:      "Total number of key rotations",
			},
			[]string{"trigger"}, // "manual" or "automatic"
		),
		integrityFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "integrity_failures_total",
				Help:      "Total number of integrity verification failures",
			},
		),
		keysByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "keys",
				Help:      "Number of stored keys by status",
			},
			[]string{"status"},
		),
		backups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backups_total",
				Help:      "Total number of backups by result",
			},
			[]string{"result"},
		),
		lastBackup: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_backup_timestamp_seconds",
				Help:      "Unix time of the last successful backup",
			},
		),
		storageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of storage errors",
			},
			[]string{"operation"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordKeyOperation records a successful key operation.
func (m *Metrics) RecordKeyOperation(operation, usage string, duration time.Duration, bytes int) {
	m.keyOperations.WithLabelValues(operation, usage).Inc()
	m.keyOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if bytes > 0 {
		m.keyOperationBytes.WithLabelValues(operation).Add(float64(bytes))
	}
}

// RecordKeyError records a failed key operation. errorType is a
// keyerr.Label value.
func (m *Metrics) RecordKeyError(operation, errorType string) {
	m.keyOperationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordLifecycleEvent counts a lifecycle event.
func (m *Metrics) RecordLifecycleEvent(event, usage string) {
	m.lifecycleEvents.WithLabelValues(event, usage).Inc()
}

// RecordRotation counts a rotation by trigger.
func (m *Metrics) RecordRotation(automatic bool) {
	trigger := "manual"
	if automatic {
		trigger = "automatic"
	}
	m.rotations.WithLabelValues(trigger).Inc()
}

// RecordIntegrityFailure counts an integrity failure.
func (m *Metrics) RecordIntegrityFailure() {
	m.integrityFailures.Inc()
}

// RecordBackup counts a backup attempt.
func (m *Metrics) RecordBackup(success bool, at time.Time) {
	if !success {
		m.backups.WithLabelValues("failure").Inc()
		return
	}
	m.backups.WithLabelValues("success").Inc()
	m.lastBackup.Set(float64(at.Unix()))
}

// RecordStorageError counts a storage error.
func (m *Metrics) RecordStorageError(operation string) {
	m.storageErrors.WithLabelValues(operation).Inc()
}

// SetKeyCounts replaces the per-status key gauges.
func (m *Metrics) SetKeyCounts(byStatus map[string]int) {
	for status, n := range byStatus {
		m.keysByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartCollector updates system metrics and calls refresh on every tick
// until ctx is done. refresh may be nil.
func (m *Metrics) StartCollector(ctx context.Context, interval time.Duration, refresh func(*Metrics)) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateSystemMetrics()
				if refresh != nil {
					refresh(m)
				}
			}
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

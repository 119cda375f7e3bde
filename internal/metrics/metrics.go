// Package metrics provides Prometheus-based metrics collection for nmapper.
// It tracks scheduler runs, dispatch queue pressure, snapshot diffs, and
// snapshot store operations for operational monitoring.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace for all nmapper metrics.
	namespace = "nmapper"

	// Subsystems.
	subsystemScan      = "scan"
	subsystemScheduler = "scheduler"
	subsystemDispatch  = "dispatch"
	subsystemDiff      = "diff"
	subsystemStorage   = "storage"
)

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	// Scan metrics
	scansTotal   *prometheus.CounterVec
	scanDuration *prometheus.HistogramVec
	scanErrors   *prometheus.CounterVec
	devicesFound *prometheus.HistogramVec

	// Scheduler metrics
	schedulerRuns    *prometheus.CounterVec
	schedulerRetries prometheus.Counter
	schedulesActive  prometheus.Gauge

	// Dispatch queue metrics
	dispatchActive   prometheus.Gauge
	dispatchBacklog  prometheus.Gauge
	dispatchRejected prometheus.Counter

	// Diff metrics
	diffsTotal   prometheus.Counter
	diffChanges  *prometheus.CounterVec
	diffDuration prometheus.Histogram

	// Storage metrics
	storageOps      *prometheus.CounterVec
	storageDuration *prometheus.HistogramVec

	startTime time.Time
	registry  *prometheus.Registry
}

// New creates a metrics instance with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		startTime: time.Now(),
		registry:  registry,
	}

	m.initScanMetrics()
	m.initSchedulerMetrics()
	m.initDispatchMetrics()
	m.initDiffMetrics()
	m.initStorageMetrics()
	m.registerMetrics()

	// Standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

func (m *Metrics) initScanMetrics() {
	m.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "total",
			Help:      "Total number of scan executions by profile and status",
		},
		[]string{"profile", "status"},
	)

	m.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "duration_seconds",
			Help:      "Duration of scan executions in seconds",
			Buckets:   []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0},
		},
		[]string{"profile"},
	)

	m.scanErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "errors_total",
			Help:      "Total number of scan errors by profile and error code",
		},
		[]string{"profile", "error_code"},
	)

	m.devicesFound = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "devices_found",
			Help:      "Number of devices found per scan execution",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"profile"},
	)
}

func (m *Metrics) initSchedulerMetrics() {
	m.schedulerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScheduler,
			Name:      "runs_total",
			Help:      "Total number of scheduled runs by status",
		},
		[]string{"status"},
	)

	m.schedulerRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScheduler,
			Name:      "retries_total",
			Help:      "Total number of retry attempts after failed runs",
		},
	)

	m.schedulesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScheduler,
			Name:      "schedules_active",
			Help:      "Number of enabled scheduled scans",
		},
	)
}

func (m *Metrics) initDispatchMetrics() {
	m.dispatchActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemDispatch,
			Name:      "active",
			Help:      "Number of currently admitted scan executions",
		},
	)

	m.dispatchBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemDispatch,
			Name:      "backlog",
			Help:      "Number of scan requests waiting in the backlog",
		},
	)

	m.dispatchRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDispatch,
			Name:      "rejected_total",
			Help:      "Total number of submissions rejected for capacity",
		},
	)
}

func (m *Metrics) initDiffMetrics() {
	m.diffsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiff,
			Name:      "total",
			Help:      "Total number of snapshot diffs computed",
		},
	)

	m.diffChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiff,
			Name:      "changes_total",
			Help:      "Total detected changes by category",
		},
		[]string{"category"},
	)

	m.diffDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDiff,
			Name:      "duration_seconds",
			Help:      "Duration of diff computations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
}

func (m *Metrics) initStorageMetrics() {
	m.storageOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemStorage,
			Name:      "operations_total",
			Help:      "Total snapshot store operations by name and status",
		},
		[]string{"operation", "status"},
	)

	m.storageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemStorage,
			Name:      "operation_duration_seconds",
			Help:      "Duration of snapshot store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.scansTotal,
		m.scanDuration,
		m.scanErrors,
		m.devicesFound,
		m.schedulerRuns,
		m.schedulerRetries,
		m.schedulesActive,
		m.dispatchActive,
		m.dispatchBacklog,
		m.dispatchRejected,
		m.diffsTotal,
		m.diffChanges,
		m.diffDuration,
		m.storageOps,
		m.storageDuration,
	)
}

// Handler returns an HTTP handler serving the metrics in Prometheus format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Uptime returns how long this metrics instance has been alive.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// RecordScan records one scan execution.
func (m *Metrics) RecordScan(profile, status string, duration time.Duration, devicesFound int) {
	m.scansTotal.WithLabelValues(profile, status).Inc()
	m.scanDuration.WithLabelValues(profile).Observe(duration.Seconds())
	m.devicesFound.WithLabelValues(profile).Observe(float64(devicesFound))
}

// RecordScanError records a scan failure by error code.
func (m *Metrics) RecordScanError(profile, errorCode string) {
	m.scanErrors.WithLabelValues(profile, errorCode).Inc()
}

// RecordScheduledRun records a completed or failed scheduled run.
func (m *Metrics) RecordScheduledRun(status string) {
	m.schedulerRuns.WithLabelValues(status).Inc()
}

// RecordRetry records a retry attempt.
func (m *Metrics) RecordRetry() {
	m.schedulerRetries.Inc()
}

// SetActiveSchedules sets the enabled schedule gauge.
func (m *Metrics) SetActiveSchedules(count int) {
	m.schedulesActive.Set(float64(count))
}

// SetQueueStatus updates the dispatch queue gauges.
func (m *Metrics) SetQueueStatus(active, backlog int) {
	m.dispatchActive.Set(float64(active))
	m.dispatchBacklog.Set(float64(backlog))
}

// RecordRejection records a capacity rejection.
func (m *Metrics) RecordRejection() {
	m.dispatchRejected.Inc()
}

// RecordDiff records one computed diff and its per-category change counts.
func (m *Metrics) RecordDiff(duration time.Duration, changesByCategory map[string]int) {
	m.diffsTotal.Inc()
	m.diffDuration.Observe(duration.Seconds())
	for category, count := range changesByCategory {
		m.diffChanges.WithLabelValues(category).Add(float64(count))
	}
}

// RecordStorageOp records a snapshot store operation.
func (m *Metrics) RecordStorageOp(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.storageOps.WithLabelValues(operation, status).Inc()
	m.storageDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions   prometheus.Gauge
	sessionsStarted  prometheus.Counter
	sessionsEnded    *prometheus.CounterVec
	entriesWritten   *prometheus.CounterVec
	bytesWritten     *prometheus.CounterVec
	writeFailures    *prometheus.CounterVec
	appendDuration   prometheus.Histogram
	rotationsTotal   prometheus.Counter
	evictionsTotal   *prometheus.CounterVec
	unresolvedTotal  prometheus.Counter
	sweepDuration    prometheus.Histogram
	sweepsSkipped    *prometheus.CounterVec
	filesReclaimed   *prometheus.CounterVec
	bytesReclaimed   *prometheus.CounterVec
	sweepFailures    *prometheus.CounterVec
	diskUsageBytes   *prometheus.GaugeVec
	diskUsageFiles   *prometheus.GaugeVec
	truncatedEntries *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "request_log_active_sessions",
					Help: "Current number of sessions with a live logger.",
				},
			),
			sessionsStarted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "request_log_sessions_started_total",
					Help: "Total session loggers created.",
				},
			),
			sessionsEnded: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "request_log_sessions_ended_total",
					Help: "Total session loggers ended by reason.",
				},
				[]string{"reason"},
			),
			entriesWritten: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "request_log_entries_written_total",
					Help: "Total log entries written by destination.",
				},
				[]string{"destination"},
			),
			bytesWritten: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "request_log_bytes_written_total",
					Help: "Total bytes written by destination.",
				},
				[]string{"destination"},
			),
			writeFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "request_log_write_failures_total",
					Help: "Total failed log writes by destination.",
				},
				[]string{"destination"},
			),
			appendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "request_log_append_duration_seconds",
					Help:    "Session log append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			rotationsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "request_log_rotations_total",
					Help: "Total session log file rotations.",
				},
			),
			evictionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "request_log_evictions_total",
					Help: "Total session log files evicted on rotation by status.",
				},
				[]string{"status"},
			),
			unresolvedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "request_log_unresolved_total",
					Help: "Total requests that resolved to no session.",
				},
			),
			sweepDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "request_log_sweep_duration_seconds",
					Help:    "Retention sweep duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sweepsSkipped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "request_log_sweeps_skipped_total",
					Help: "Total scheduled jobs skipped because the previous run was still going.",
				},
				[]string{"job"},
			),
			filesReclaimed: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "request_log_files_reclaimed_total",
					Help: "Total files deleted or archived by category and action.",
				},
				[]string{"category", "action"},
			),
			bytesReclaimed: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "request_log_bytes_reclaimed_total",
					Help: "Total bytes deleted or archived by category.",
				},
				[]string{"category"},
			),
			sweepFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "request_log_sweep_failures_total",
					Help: "Total per-file retention failures by category.",
				},
				[]string{"category"},
			),
			diskUsageBytes: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "request_log_disk_usage_bytes",
					Help: "Bytes on disk by log category at the last scan.",
				},
				[]string{"category"},
			),
			diskUsageFiles: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "request_log_disk_usage_files",
					Help: "Files on disk by log category at the last scan.",
				},
				[]string{"category"},
			),
			truncatedEntries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "request_log_truncated_entries_total",
					Help: "Total entries whose content was truncated by field.",
				},
				[]string{"field"},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionsStarted,
			m.sessionsEnded,
			m.entriesWritten,
			m.bytesWritten,
			m.writeFailures,
			m.appendDuration,
			m.rotationsTotal,
			m.evictionsTotal,
			m.unresolvedTotal,
			m.sweepDuration,
			m.sweepsSkipped,
			m.filesReclaimed,
			m.bytesReclaimed,
			m.sweepFailures,
			m.diskUsageBytes,
			m.diskUsageFiles,
			m.truncatedEntries,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionStarted() {
	getMetrics().sessionsStarted.Inc()
}

// RecordSessionEnded counts an ended session; reason is "explicit", "idle" or "shutdown".
func RecordSessionEnded(reason string) {
	getMetrics().sessionsEnded.WithLabelValues(reason).Inc()
}

func RecordWrite(destination string, bytes int, success bool) {
	m := getMetrics()
	if !success {
		m.writeFailures.WithLabelValues(destination).Inc()
		return
	}
	m.entriesWritten.WithLabelValues(destination).Inc()
	m.bytesWritten.WithLabelValues(destination).Add(float64(bytes))
}

func RecordAppend(duration time.Duration) {
	getMetrics().appendDuration.Observe(duration.Seconds())
}

func RecordRotation() {
	getMetrics().rotationsTotal.Inc()
}

func RecordEviction(success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().evictionsTotal.WithLabelValues(status).Inc()
}

func RecordUnresolved() {
	getMetrics().unresolvedTotal.Inc()
}

func RecordTruncation(field string) {
	getMetrics().truncatedEntries.WithLabelValues(field).Inc()
}

func RecordSweep(duration time.Duration) {
	getMetrics().sweepDuration.Observe(duration.Seconds())
}

func RecordSweepSkipped(job string) {
	getMetrics().sweepsSkipped.WithLabelValues(job).Inc()
}

// RecordReclaimed counts one file removed from a category; action is "delete" or "archive".
func RecordReclaimed(category, action string, bytes int64) {
	m := getMetrics()
	m.filesReclaimed.WithLabelValues(category, action).Inc()
	m.bytesReclaimed.WithLabelValues(category).Add(float64(bytes))
}

func RecordSweepFailure(category string) {
	getMetrics().sweepFailures.WithLabelValues(category).Inc()
}

func SetDiskUsage(category string, files int, bytes int64) {
	m := getMetrics()
	m.diskUsageFiles.WithLabelValues(category).Set(float64(files))
	m.diskUsageBytes.WithLabelValues(category).Set(float64(bytes))
}

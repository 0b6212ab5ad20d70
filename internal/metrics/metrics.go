// Package metrics exposes Prometheus metrics for the watcher daemon.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the daemon's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	TrackedProcesses prometheus.Gauge
	ActiveWorkers    prometheus.Gauge
	ScanCyclesTotal  prometheus.Counter
	ScanErrorsTotal  prometheus.Counter

	ErrorLinesTotal     prometheus.Counter
	SuggestionsTotal    *prometheus.CounterVec
	RemediationsTotal   *prometheus.CounterVec
	RemediationDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors on the default registry.
// Registration happens once per process; later calls return the same set.
//
// Metrics:
//   - winmend_tracked_processes - Wine processes in the last snapshot
//   - winmend_active_workers - analysis workers still running
//   - winmend_scan_cycles_total - completed discovery cycles
//   - winmend_scan_errors_total - failed discovery cycles
//   - winmend_error_lines_total - stderr lines carrying the error marker
//   - winmend_suggestions_total{tool} - rule matches reported
//   - winmend_remediations_total{tool,result} - executed plans by outcome
//   - winmend_remediation_duration_seconds{tool} - plan execution time
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			TrackedProcesses: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "winmend_tracked_processes",
				Help: "Number of Wine processes currently tracked",
			}),
			ActiveWorkers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "winmend_active_workers",
				Help: "Number of analysis workers still running",
			}),
			ScanCyclesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "winmend_scan_cycles_total",
				Help: "Total number of discovery cycles",
			}),
			ScanErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "winmend_scan_errors_total",
				Help: "Total number of failed discovery cycles",
			}),
			ErrorLinesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "winmend_error_lines_total",
				Help: "Total number of stderr lines carrying the error marker",
			}),
			SuggestionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "winmend_suggestions_total",
					Help: "Total number of remediation suggestions",
				},
				[]string{"tool"},
			),
			RemediationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "winmend_remediations_total",
					Help: "Total number of executed remediation plans",
				},
				[]string{"tool", "result"}, // "ok" or "failed"
			),
			RemediationDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "winmend_remediation_duration_seconds",
					Help:    "Duration of remediation plans in seconds",
					Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
				},
				[]string{"tool"},
			),
		}
	})
	return globalMetrics
}

// SetTracked records the size of the latest snapshot.
func (m *Metrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.TrackedProcesses.Set(float64(n))
}

// SetActiveWorkers records the number of running workers.
func (m *Metrics) SetActiveWorkers(n int) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Set(float64(n))
}

// ScanCompleted counts one discovery cycle.
func (m *Metrics) ScanCompleted(err error) {
	if m == nil {
		return
	}
	m.ScanCyclesTotal.Inc()
	if err != nil {
		m.ScanErrorsTotal.Inc()
	}
}

// ErrorLine counts one marker-bearing stderr line.
func (m *Metrics) ErrorLine() {
	if m == nil {
		return
	}
	m.ErrorLinesTotal.Inc()
}

// Suggested counts one reported suggestion.
func (m *Metrics) Suggested(tool string) {
	if m == nil {
		return
	}
	m.SuggestionsTotal.WithLabelValues(tool).Inc()
}

// Remediated records an executed plan and how long it took.
func (m *Metrics) Remediated(tool string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.RemediationsTotal.WithLabelValues(tool, result).Inc()
	m.RemediationDuration.WithLabelValues(tool).Observe(took.Seconds())
}

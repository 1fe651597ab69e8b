// Package metrics provides metrics collection and reporting for the
// monitoring agent: cycle throughput, anomaly counts by kind, incident
// counts, alert sink outcomes, RCA call latency, and baseline sample
// counts. Adapted from the teacher's internal/metrics, which tracked
// MCP tool-call counters; the dual atomic-counter + Prometheus
// (promauto) tracking pattern is unchanged.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Prometheus metric labels
const (
	labelKind   = "kind"
	labelSink   = "sink"
	labelResult = "result"
)

// Metrics tracks operational metrics with both internal counters and Prometheus metrics.
type Metrics struct {
	cyclesRun    atomic.Uint64
	cyclesFailed atomic.Uint64

	anomaliesMu     sync.RWMutex
	anomaliesByKind map[string]uint64

	incidentsCreated atomic.Uint64

	alertsMu       sync.RWMutex
	alertSuccesses map[string]uint64
	alertFailures  map[string]uint64

	rcaCalls   atomic.Uint64
	rcaErrors  atomic.Uint64
	rcaLatency atomic.Int64 // total microseconds across all calls

	baselineSamples atomic.Uint64

	logger *zap.Logger

	promCyclesRun       prometheus.Counter
	promCyclesFailed    prometheus.Counter
	promCycleDuration   prometheus.Histogram
	promAnomaliesByKind *prometheus.CounterVec
	promIncidentsTotal  prometheus.Counter
	promAlertResults    *prometheus.CounterVec
	promRCACalls        prometheus.Counter
	promRCALatency      prometheus.Histogram
	promBaselineSamples prometheus.Counter
}

// New creates a new metrics tracker with Prometheus integration under the "observeai" namespace.
func New(logger *zap.Logger) *Metrics {
	const namespace = "observeai"

	return &Metrics{
		anomaliesByKind: make(map[string]uint64),
		alertSuccesses:  make(map[string]uint64),
		alertFailures:   make(map[string]uint64),
		logger:          logger,

		promCyclesRun: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total number of monitoring cycles run",
		}),
		promCyclesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_failed_total",
			Help:      "Total number of monitoring cycles that errored",
		}),
		promCycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Monitoring cycle duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		promAnomaliesByKind: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Total anomalies detected, labeled by kind",
		}, []string{labelKind}),
		promIncidentsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_created_total",
			Help:      "Total incidents synthesized from correlated anomalies",
		}),
		promAlertResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_dispatch_total",
			Help:      "Alert dispatch attempts, labeled by sink and result",
		}, []string{labelSink, labelResult}),
		promRCACalls: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rca_calls_total",
			Help:      "Total RCA client invocations",
		}),
		promRCALatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rca_latency_seconds",
			Help:      "RCA client call latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		promBaselineSamples: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "baseline_samples_total",
			Help:      "Total baseline observations accepted",
		}),
	}
}

// RecordCycle implements scheduler.Recorder: tracks a completed monitoring cycle's duration and outcome.
func (m *Metrics) RecordCycle(duration time.Duration, err error) {
	m.cyclesRun.Add(1)
	m.promCyclesRun.Inc()
	m.promCycleDuration.Observe(duration.Seconds())
	m.baselineSamples.Add(1)
	m.promBaselineSamples.Inc()
	if err != nil {
		m.cyclesFailed.Add(1)
		m.promCyclesFailed.Inc()
	}
}

// RecordAnomaly implements scheduler.Recorder: tracks one detected anomaly, labeled by kind.
func (m *Metrics) RecordAnomaly(kind string) {
	m.anomaliesMu.Lock()
	m.anomaliesByKind[kind]++
	m.anomaliesMu.Unlock()
	m.promAnomaliesByKind.WithLabelValues(kind).Inc()
}

// RecordIncident implements scheduler.Recorder: tracks one synthesized incident.
func (m *Metrics) RecordIncident() {
	m.incidentsCreated.Add(1)
	m.promIncidentsTotal.Inc()
}

// RecordAlert tracks one alert-sink dispatch outcome, labeled by sink name ("slack", "webhook").
func (m *Metrics) RecordAlert(sink string, success bool) {
	m.alertsMu.Lock()
	if success {
		m.alertSuccesses[sink]++
	} else {
		m.alertFailures[sink]++
	}
	m.alertsMu.Unlock()

	result := "failure"
	if success {
		result = "success"
	}
	m.promAlertResults.WithLabelValues(sink, result).Inc()
}

// RecordRCACall tracks one RCA client invocation's latency and outcome.
func (m *Metrics) RecordRCACall(latency time.Duration, err error) {
	m.rcaCalls.Add(1)
	m.promRCACalls.Inc()
	m.promRCALatency.Observe(latency.Seconds())
	m.rcaLatency.Add(latency.Microseconds())
	if err != nil {
		m.rcaErrors.Add(1)
	}
}

// Stats represents current metrics, the payload behind GET /api/stats.
type Stats struct {
	CyclesRun        uint64            `json:"cycles_run"`
	CyclesFailed     uint64            `json:"cycles_failed"`
	AnomaliesByKind  map[string]uint64 `json:"anomalies_by_kind"`
	IncidentsCreated uint64            `json:"incidents_created"`
	AlertSuccesses   map[string]uint64 `json:"alert_successes"`
	AlertFailures    map[string]uint64 `json:"alert_failures"`
	RCACalls         uint64            `json:"rca_calls"`
	RCAErrors        uint64            `json:"rca_errors"`
	RCAAvgLatency    time.Duration     `json:"rca_avg_latency"`
	BaselineSamples  uint64            `json:"baseline_samples"`
}

// GetStats returns a consistent snapshot of current counters.
func (m *Metrics) GetStats() Stats {
	m.anomaliesMu.RLock()
	anomalies := make(map[string]uint64, len(m.anomaliesByKind))
	for k, v := range m.anomaliesByKind {
		anomalies[k] = v
	}
	m.anomaliesMu.RUnlock()

	m.alertsMu.RLock()
	successes := make(map[string]uint64, len(m.alertSuccesses))
	for k, v := range m.alertSuccesses {
		successes[k] = v
	}
	failures := make(map[string]uint64, len(m.alertFailures))
	for k, v := range m.alertFailures {
		failures[k] = v
	}
	m.alertsMu.RUnlock()

	rcaCalls := m.rcaCalls.Load()
	var avgLatency time.Duration
	if rcaCalls > 0 {
		avgLatencyMicros := float64(m.rcaLatency.Load()) / float64(rcaCalls)
		avgLatency = time.Duration(avgLatencyMicros) * time.Microsecond
	}

	return Stats{
		CyclesRun:        m.cyclesRun.Load(),
		CyclesFailed:     m.cyclesFailed.Load(),
		AnomaliesByKind:  anomalies,
		IncidentsCreated: m.incidentsCreated.Load(),
		AlertSuccesses:   successes,
		AlertFailures:    failures,
		RCACalls:         rcaCalls,
		RCAErrors:        m.rcaErrors.Load(),
		RCAAvgLatency:    avgLatency,
		BaselineSamples:  m.baselineSamples.Load(),
	}
}

// LogStats logs current statistics.
func (m *Metrics) LogStats() {
	stats := m.GetStats()

	var cycleFailureRate float64
	if stats.CyclesRun > 0 {
		cycleFailureRate = float64(stats.CyclesFailed) / float64(stats.CyclesRun) * 100
	}

	m.logger.Info("operational metrics",
		zap.Uint64("cycles_run", stats.CyclesRun),
		zap.Uint64("cycles_failed", stats.CyclesFailed),
		zap.Float64("cycle_failure_rate_pct", cycleFailureRate),
		zap.Uint64("incidents_created", stats.IncidentsCreated),
		zap.Uint64("rca_calls", stats.RCACalls),
		zap.Uint64("rca_errors", stats.RCAErrors),
		zap.Duration("rca_avg_latency", stats.RCAAvgLatency),
		zap.Any("anomalies_by_kind", stats.AnomaliesByKind),
		zap.Any("alert_successes", stats.AlertSuccesses),
		zap.Any("alert_failures", stats.AlertFailures),
	)
}

// GetPrometheusRegistry returns the default Prometheus registry.
// This can be used with promhttp.HandlerFor() to serve metrics.
func GetPrometheusRegistry() *prometheus.Registry {
	return prometheus.DefaultRegisterer.(*prometheus.Registry)
}

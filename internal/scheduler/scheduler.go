// Package scheduler implements the monitor scheduler (spec §4.7): the
// single logical driver that ticks on a configured interval, samples the
// façade, runs the detector stack at its per-detector cadence, fuses
// anomalies into an incident, and dispatches RCA and alerts — all while
// owning the only mutable copy of MonitoringState and the incident log
// (spec §5 "Shared state").
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/obs-ai/agent/internal/baseline"
	"github.com/obs-ai/agent/internal/correlation"
	"github.com/obs-ai/agent/internal/facade"
	"github.com/obs-ai/agent/internal/incident"
	"github.com/obs-ai/agent/internal/model"
	"github.com/obs-ai/agent/internal/ruledetector"
	"github.com/obs-ai/agent/internal/timeseries"
	"github.com/obs-ai/agent/internal/tracing"
)

const (
	lookbackWindow    = 5 * time.Minute
	batchLimit        = 500
	timeseriesEvery   = 3
	correlationEvery  = 2
	defaultSensitivity = 2.0
)

// RCAClient is the thin external contract the scheduler calls after
// synthesizing an incident (spec §4.9). Implemented by internal/rca;
// declared here to avoid a scheduler->rca->model import cycle and to keep
// the scheduler's dependency on RCA as narrow as the spec's "external
// collaborator" framing demands.
type RCAClient interface {
	Analyze(ctx context.Context, inc *model.Incident) (*model.RCAAnalysis, error)
}

// AlertDispatcher is the thin external contract for alert fan-out
// (spec §4.10), implemented by internal/alerts.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, inc *model.Incident)
}

// Recorder receives scheduler-cycle telemetry. Implemented by
// internal/metrics; a nil Recorder is replaced with a no-op so the
// scheduler never has to nil-check it.
type Recorder interface {
	RecordCycle(duration time.Duration, err error)
	RecordAnomaly(kind string)
	RecordIncident()
}

type noopRecorder struct{}

func (noopRecorder) RecordCycle(time.Duration, error) {}
func (noopRecorder) RecordAnomaly(string)              {}
func (noopRecorder) RecordIncident()                   {}

// Auditor records a durable trail of the scheduler's own operations
// (spec §9), implemented by internal/audit. A nil Auditor is replaced
// with a no-op so the scheduler never has to nil-check it.
type Auditor interface {
	RecordOperation(ctx context.Context, component, operation, resourceID string, duration time.Duration, err error)
}

type noopAuditor struct{}

func (noopAuditor) RecordOperation(context.Context, string, string, string, time.Duration, error) {}

// Config bundles the scheduler's tunables (spec §4.7, §A.3).
type Config struct {
	CheckInterval       time.Duration
	BaselineSensitivity float64
	IncidentHistoryCap  int
}

// Scheduler is the single-writer owner of MonitoringState and the
// incident log (spec §5). Detector-internal histories (rule, time-series)
// are likewise owned here and never exposed directly to readers.
type Scheduler struct {
	facade     facade.Facade
	baseline   *baseline.Store
	rules      *ruledetector.Detector
	timeseries *timeseries.Detector
	rca        RCAClient
	alerts     AlertDispatcher
	recorder   Recorder
	auditor    Auditor
	logger     *zap.Logger
	cfg        Config

	mu         sync.RWMutex
	state      model.MonitoringState
	incidents  []*model.Incident
	cycleCount int
}

// New builds a scheduler. rca and alerts may be nil (RCA/alerts are
// individually optional per spec §4.9/§4.10's ConfigurationMissing
// policy); recorder and auditor may be nil.
func New(f facade.Facade, b *baseline.Store, rca RCAClient, alerts AlertDispatcher, recorder Recorder, logger *zap.Logger, cfg Config) *Scheduler {
	return NewWithAuditor(f, b, rca, alerts, recorder, nil, logger, cfg)
}

// NewWithAuditor is New plus an Auditor; split out so call sites that
// don't care about the audit trail (most tests) can keep using New.
func NewWithAuditor(f facade.Facade, b *baseline.Store, rca RCAClient, alerts AlertDispatcher, recorder Recorder, auditor Auditor, logger *zap.Logger, cfg Config) *Scheduler {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if auditor == nil {
		auditor = noopAuditor{}
	}
	if cfg.BaselineSensitivity <= 0 {
		cfg.BaselineSensitivity = defaultSensitivity
	}
	return &Scheduler{
		facade:     f,
		baseline:   b,
		rules:      ruledetector.New(),
		timeseries: timeseries.New(),
		rca:        rca,
		alerts:     alerts,
		recorder:   recorder,
		auditor:    auditor,
		logger:     logger,
		cfg:        cfg,
		state:      model.MonitoringState{Status: model.MonitoringInitializing},
	}
}

// Run drives the periodic cycle until ctx is cancelled (spec §4.7,
// §5 "On shutdown..."). It never returns except on cancellation —
// exceptions inside a cycle are logged, degrade monitor status, and the
// loop waits one interval before resuming (spec §4.7 "Backoff on
// exception").
func (s *Scheduler) Run(ctx context.Context) {
	s.setStatus(model.MonitoringHealthy)
	s.logger.Info("monitor scheduler starting", zap.Duration("interval", s.cfg.CheckInterval))

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setStatus(model.MonitoringStopped)
			s.logger.Info("monitor scheduler stopped")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// RunOnce executes exactly one cycle outside the ticker loop, used by the
// POST /api/analyze control-surface endpoint (spec §6) and by tests.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.runCycle(ctx)
}

func (s *Scheduler) runCycle(ctx context.Context) {
	start := time.Now().UTC()
	trace := tracing.NewTraceInfo()
	ctx = tracing.WithTraceInfo(ctx, trace)
	log := trace.Logger(s.logger)

	var cycleErr error
	defer func() {
		s.recorder.RecordCycle(time.Since(start), cycleErr)
		s.auditor.RecordOperation(ctx, "scheduler", "run_cycle", "", time.Since(start), cycleErr)
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic recovered in monitoring cycle", zap.Any("recover", r))
			s.setStatus(model.MonitoringError)
		}
	}()

	s.mu.Lock()
	cycleNumber := s.cycleCount
	s.cycleCount++
	s.mu.Unlock()

	if !s.facade.Healthy(ctx) {
		log.Error("log store unhealthy")
		s.setStatus(model.MonitoringDegraded)
		s.setLastCheck(start)
		return
	}

	query := facade.SinceFilter(start.Add(-lookbackWindow))
	logs, err := s.facade.Search(ctx, "", query, batchLimit, "")
	if err != nil {
		log.Error("failed to query recent logs", zap.Error(err))
		cycleErr = err
		s.setStatus(model.MonitoringError)
		s.setLastCheck(start)
		return
	}

	s.mu.Lock()
	s.state.LogsProcessed += int64(len(logs))
	s.mu.Unlock()

	if len(logs) == 0 {
		log.Debug("no recent logs found")
		s.setStatus(model.MonitoringHealthy)
		s.setLastCheck(start)
		return
	}

	errorCount := countErrors(logs)
	logVolume := len(logs)

	if err := s.baseline.Update(float64(errorCount), float64(logVolume), start); err != nil {
		log.Warn("failed to persist baseline update", zap.Error(err))
	}

	var anomalies []model.Anomaly
	if anomalous, evidence := s.baseline.IsAnomalous(float64(errorCount), float64(logVolume), start, s.cfg.BaselineSensitivity); anomalous {
		severity := baseline.DeviationSeverity(evidence.ZError)
		anomalies = append(anomalies, model.Anomaly{
			Kind:     model.KindAdaptiveBaselineDeviation,
			Severity: model.Severity(severity),
			Score:    clamp01(abs(evidence.ZError) / 3),
			Description: "Deviation from learned baseline",
			DetectedAt: start,
			Metrics: map[string]interface{}{
				"error_rate": map[string]interface{}{
					"current":  evidence.ErrorRate,
					"expected": evidence.ExpectedErrorRate.Mean,
					"std":      evidence.ExpectedErrorRate.Stddev,
					"z_score":  evidence.ZError,
				},
				"log_volume": map[string]interface{}{
					"current":  evidence.LogVolume,
					"expected": evidence.ExpectedLogVolume.Mean,
					"std":      evidence.ExpectedLogVolume.Stddev,
					"z_score":  evidence.ZVolume,
				},
				"baseline_samples": evidence.BaselineSamples,
				"sensitivity":      evidence.Sensitivity,
			},
		})
	}

	s.timeseries.Append(float64(errorCount), float64(logVolume), start)

	anomalies = append(anomalies, s.rules.Detect(logs, start)...)

	if cycleNumber%timeseriesEvery == 0 {
		anomalies = append(anomalies, s.timeseries.Detect(start)...)
	}
	if cycleNumber%correlationEvery == 0 {
		anomalies = append(anomalies, correlation.Detect(logs, start)...)
	}

	for _, a := range anomalies {
		s.recorder.RecordAnomaly(string(a.Kind))
	}
	s.mu.Lock()
	s.state.AnomaliesDetected += int64(len(anomalies))
	s.mu.Unlock()

	inc := incident.Synthesize(logs, anomalies, start, s.baselineContext())
	if inc != nil {
		s.recordIncident(ctx, log, inc)
		s.dispatch(ctx, log, inc)
	}

	s.setStatus(model.MonitoringHealthy)
	s.setLastCheck(start)
}

func (s *Scheduler) baselineContext() incident.BaselineContext {
	summary := s.baseline.GetSummary(time.Now().UTC())
	return incident.BaselineContext{
		Confidence:   summary.Confidence,
		SampleCount:  summary.Expected.ErrorRate.N,
		HoursLearned: summary.HoursWithData,
	}
}

func (s *Scheduler) recordIncident(ctx context.Context, log *zap.Logger, inc *model.Incident) {
	s.mu.Lock()
	s.incidents = append(s.incidents, inc)
	cap := s.cfg.IncidentHistoryCap
	if cap > 0 && len(s.incidents) > cap {
		s.incidents = s.incidents[len(s.incidents)-cap:]
	}
	s.state.IncidentsCreated++
	s.mu.Unlock()
	s.recorder.RecordIncident()
	log.Warn("incident created",
		zap.String("incident_id", inc.ID),
		zap.String("severity", string(inc.Severity)),
		zap.Int("anomaly_count", len(inc.Anomalies)),
	)
	s.auditor.RecordOperation(ctx, "incident", "create", inc.ID, 0, nil)
}

// dispatch hands the incident to RCA and alerts; each failure is logged
// and swallowed, never affecting the incident already recorded
// (spec §4.6 "Each may fail independently"). log carries the cycle's
// trace_id so the RCA call and the alert fan-out it triggers can be
// correlated back to the cycle that produced the incident.
func (s *Scheduler) dispatch(ctx context.Context, log *zap.Logger, inc *model.Incident) {
	if s.rca != nil {
		rcaStart := time.Now()
		analysis, err := s.rca.Analyze(ctx, inc)
		s.auditor.RecordOperation(ctx, "rca", "analyze", inc.ID, time.Since(rcaStart), err)
		if err != nil {
			log.Warn("RCA failed", zap.String("incident_id", inc.ID), zap.Error(err))
		} else if analysis != nil {
			inc.RCAAnalysis = analysis
			inc.RootCause = analysis.RootCause
			inc.Recommendations = analysis.ImmediateActions
		}
	}
	if s.alerts != nil {
		dispatchStart := time.Now()
		s.alerts.Dispatch(ctx, inc)
		s.auditor.RecordOperation(ctx, "alerts", "dispatch", inc.ID, time.Since(dispatchStart), nil)
	}
}

func (s *Scheduler) setStatus(status model.MonitoringStatus) {
	s.mu.Lock()
	s.state.Status = status
	s.mu.Unlock()
}

func (s *Scheduler) setLastCheck(t time.Time) {
	s.mu.Lock()
	s.state.LastCheck = t
	s.mu.Unlock()
}

// State returns a consistent snapshot of the monitoring state
// (spec §5 "readers must observe a consistent snapshot").
func (s *Scheduler) State() model.MonitoringState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Incidents returns up to limit of the newest incidents, newest first.
// limit<=0 returns the full (capped) history.
func (s *Scheduler) Incidents(limit int) []*model.Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.incidents)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*model.Incident, n)
	for i := 0; i < n; i++ {
		out[i] = s.incidents[len(s.incidents)-1-i]
	}
	return out
}

// Incident returns the incident with the given id, if present.
func (s *Scheduler) Incident(id string) (*model.Incident, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.incidents) - 1; i >= 0; i-- {
		if s.incidents[i].ID == id {
			return s.incidents[i], true
		}
	}
	return nil, false
}

// AdvancedTimeseries exposes the time-series detector's raw window
// contents for GET /api/advanced/timeseries (spec §6).
func (s *Scheduler) AdvancedTimeseries() timeseries.Snapshot {
	return s.timeseries.Snapshot()
}

// AdvancedPatterns re-runs the time-series pattern algorithms against the
// current window for GET /api/advanced/patterns (spec §6). Read-only: the
// window is only ever mutated by the cycle's own Append call.
func (s *Scheduler) AdvancedPatterns(now time.Time) []model.Anomaly {
	return s.timeseries.Detect(now)
}

// AdvancedCorrelations re-fetches the current log batch and runs the
// correlation engine fresh, for GET /api/advanced/correlations (spec §6).
// Stateless: unlike the rule detector, correlation.Detect never mutates
// scheduler-owned history, so this is safe to call between cycles.
func (s *Scheduler) AdvancedCorrelations(ctx context.Context, now time.Time) (anomalies []model.Anomaly, logsAnalyzed int, err error) {
	logs, err := s.facade.Search(ctx, "", facade.SinceFilter(now.Add(-lookbackWindow)), batchLimit, "")
	if err != nil {
		return nil, 0, err
	}
	return correlation.Detect(logs, now), len(logs), nil
}

// CheckAnomaly scores (errorRate, logVolume) against the learned baseline
// without recording the observation, for POST /api/ml/check-anomaly
// (spec §6 "scoring probe, no side effects on baseline").
func (s *Scheduler) CheckAnomaly(errorRate, logVolume float64, now time.Time) (bool, *baseline.Evidence) {
	return s.baseline.IsAnomalous(errorRate, logVolume, now, s.cfg.BaselineSensitivity)
}

// Baseline exposes the underlying baseline store for introspection routes
// (GET /api/ml/baseline, /api/ml/hourly-patterns).
func (s *Scheduler) Baseline() *baseline.Store {
	return s.baseline
}

func countErrors(logs []model.LogRecord) int {
	n := 0
	for _, l := range logs {
		if l.IsError() {
			n++
		}
	}
	return n
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

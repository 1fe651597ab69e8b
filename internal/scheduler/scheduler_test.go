package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/obs-ai/agent/internal/baseline"
	"github.com/obs-ai/agent/internal/model"
)

type fakeFacade struct {
	healthy     bool
	logs        []model.LogRecord
	err         error
	lastQuery   string
	searchCalls int
}

func (f *fakeFacade) Healthy(ctx context.Context) bool { return f.healthy }
func (f *fakeFacade) Count(ctx context.Context, index, query string) (int, error) {
	return len(f.logs), nil
}
func (f *fakeFacade) Search(ctx context.Context, index, query string, limit int, sort string) ([]model.LogRecord, error) {
	f.lastQuery = query
	f.searchCalls++
	return f.logs, f.err
}
func (f *fakeFacade) GroupBy(ctx context.Context, index, field, query string, limit int) (map[string]int, error) {
	return nil, nil
}

type fakeRCA struct {
	called int
}

func (r *fakeRCA) Analyze(ctx context.Context, inc *model.Incident) (*model.RCAAnalysis, error) {
	r.called++
	return &model.RCAAnalysis{RootCause: "disk pressure", ImmediateActions: []string{"scale up"}}, nil
}

type fakeAlerts struct {
	dispatched []*model.Incident
}

func (a *fakeAlerts) Dispatch(ctx context.Context, inc *model.Incident) {
	a.dispatched = append(a.dispatched, inc)
}

func newTestScheduler(t *testing.T, f *fakeFacade, rca RCAClient, alerts AlertDispatcher) *Scheduler {
	t.Helper()
	store := baseline.New(filepath.Join(t.TempDir(), "baseline.json"), zap.NewNop())
	return New(f, store, rca, alerts, nil, zap.NewNop(), Config{
		CheckInterval:       time.Second,
		BaselineSensitivity: 2.0,
		IncidentHistoryCap:  10,
	})
}

func errorLogs(n int) []model.LogRecord {
	var out []model.LogRecord
	for i := 0; i < n; i++ {
		out = append(out, model.LogRecord{Level: "ERROR", Message: "boom", Service: "checkout", Timestamp: time.Now().UTC()})
	}
	return out
}

func TestUnhealthyFacadeDegradesWithoutQuerying(t *testing.T) {
	f := &fakeFacade{healthy: false}
	s := newTestScheduler(t, f, nil, nil)
	s.RunOnce(context.Background())

	state := s.State()
	assert.Equal(t, model.MonitoringDegraded, state.Status)
	assert.Zero(t, state.LogsProcessed)
}

func TestEmptyBatchStaysHealthyNoIncident(t *testing.T) {
	f := &fakeFacade{healthy: true, logs: nil}
	s := newTestScheduler(t, f, nil, nil)
	s.RunOnce(context.Background())

	state := s.State()
	assert.Equal(t, model.MonitoringHealthy, state.Status)
	assert.Empty(t, s.Incidents(0))
}

func TestHighErrorRateProducesIncidentAndDispatches(t *testing.T) {
	logs := errorLogs(30)
	f := &fakeFacade{healthy: true, logs: logs}
	rca := &fakeRCA{}
	alerts := &fakeAlerts{}
	s := newTestScheduler(t, f, rca, alerts)
	s.RunOnce(context.Background())

	state := s.State()
	assert.Equal(t, model.MonitoringHealthy, state.Status)
	assert.EqualValues(t, 30, state.LogsProcessed)

	incidents := s.Incidents(0)
	require.Len(t, incidents, 1)
	assert.Equal(t, 1, rca.called)
	require.Len(t, alerts.dispatched, 1)
	assert.Equal(t, "disk pressure", incidents[0].RootCause)
}

// TestRunCycleQueriesWithLookbackWindow pins spec §4.7 step 2: each cycle
// queries the façade with a timestamp floor of now-5m, not an unbounded
// query (the bug the dead lookbackWindow constant used to hide).
func TestRunCycleQueriesWithLookbackWindow(t *testing.T) {
	f := &fakeFacade{healthy: true, logs: errorLogs(1)}
	s := newTestScheduler(t, f, nil, nil)
	s.RunOnce(context.Background())

	require.Equal(t, 1, f.searchCalls)
	assert.Contains(t, f.lastQuery, "timestamp:>=")
}

func TestCycleCounterAdvancesOncePerRun(t *testing.T) {
	logs := errorLogs(30)
	f := &fakeFacade{healthy: true, logs: logs}
	s := newTestScheduler(t, f, nil, nil)

	for i := 0; i < 4; i++ {
		s.RunOnce(context.Background())
	}

	assert.Equal(t, 4, s.cycleCount)
}

func TestFacadeErrorSetsErrorStatus(t *testing.T) {
	f := &fakeFacade{healthy: true, err: assertErr{}}
	s := newTestScheduler(t, f, nil, nil)
	s.RunOnce(context.Background())

	assert.Equal(t, model.MonitoringError, s.State().Status)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestIncidentsNewestFirst(t *testing.T) {
	f := &fakeFacade{healthy: true, logs: errorLogs(30)}
	s := newTestScheduler(t, f, nil, nil)
	s.RunOnce(context.Background())
	time.Sleep(time.Millisecond)
	s.RunOnce(context.Background())

	incidents := s.Incidents(0)
	require.Len(t, incidents, 2)
	assert.True(t, incidents[0].DetectedAt.After(incidents[1].DetectedAt) || incidents[0].DetectedAt.Equal(incidents[1].DetectedAt))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := &fakeFacade{healthy: true}
	s := newTestScheduler(t, f, nil, nil)
	s.cfg.CheckInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
	assert.Equal(t, model.MonitoringStopped, s.State().Status)
}

// dominantPatternLogs reproduces spec §8 scenario 3: one error message
// repeated enough to dominate the batch's error population.
func dominantPatternLogs() []model.LogRecord {
	now := time.Now().UTC()
	var out []model.LogRecord
	for i := 0; i < 10; i++ {
		out = append(out, model.LogRecord{
			Level: "ERROR", Message: "connection refused by upstream", Service: "checkout", Timestamp: now,
		})
	}
	for i := 0; i < 5; i++ {
		out = append(out, model.LogRecord{Level: "INFO", Message: "request handled", Service: "checkout", Timestamp: now})
	}
	return out
}

func TestDominantErrorPatternProducesIncident(t *testing.T) {
	f := &fakeFacade{healthy: true, logs: dominantPatternLogs()}
	s := newTestScheduler(t, f, nil, nil)
	s.RunOnce(context.Background())

	incidents := s.Incidents(0)
	require.Len(t, incidents, 1)
	found := false
	for _, a := range incidents[0].Anomalies {
		if a.Kind == model.KindDominantErrorPattern {
			found = true
		}
	}
	assert.True(t, found, "expected a dominant_error_pattern anomaly among %v", incidents[0].Anomalies)
}

// endpointCorrelationLogs reproduces spec §8 scenario 6: one endpoint with
// an 8/10 (exactly 0.8) error rate, pinned to "critical" by the spec's own
// worked example (see DESIGN.md resolution #4).
func endpointCorrelationLogs() []model.LogRecord {
	now := time.Now().UTC()
	var out []model.LogRecord
	for i := 0; i < 8; i++ {
		out = append(out, model.LogRecord{Level: "ERROR", Message: "GET /api/payments failed: timeout", Service: "payments", Timestamp: now})
	}
	for i := 0; i < 2; i++ {
		out = append(out, model.LogRecord{Level: "INFO", Message: "GET /api/payments ok", Service: "payments", Timestamp: now})
	}
	return out
}

func TestEndpointCorrelationAtExactBoundaryIsCritical(t *testing.T) {
	f := &fakeFacade{healthy: true, logs: endpointCorrelationLogs()}
	s := newTestScheduler(t, f, nil, nil)
	s.RunOnce(context.Background())

	incidents := s.Incidents(0)
	require.Len(t, incidents, 1)
	var found *model.Anomaly
	for i := range incidents[0].Anomalies {
		if incidents[0].Anomalies[i].Kind == model.KindEndpointErrorCorrelation {
			found = &incidents[0].Anomalies[i]
		}
	}
	require.NotNil(t, found, "expected an endpoint_error_correlation anomaly")
	assert.Equal(t, model.SeverityCritical, found.Severity)
}

// cascadeLogs reproduces spec §8 scenario 5: five distinct error types
// within a 30-second window.
func cascadeLogs() []model.LogRecord {
	base := time.Now().UTC()
	messages := []string{
		"disk write failed", "connection reset by peer", "out of memory",
		"timeout waiting for lock", "unexpected EOF",
	}
	var out []model.LogRecord
	for i, msg := range messages {
		out = append(out, model.LogRecord{
			Level: "ERROR", Message: msg, Service: "ledger",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	// Pad past the correlation engine's minimum batch size of 10 logs.
	for i := 0; i < 10; i++ {
		out = append(out, model.LogRecord{Level: "INFO", Message: "heartbeat", Service: "ledger", Timestamp: base})
	}
	return out
}

func TestErrorCascadeProducesIncident(t *testing.T) {
	f := &fakeFacade{healthy: true, logs: cascadeLogs()}
	s := newTestScheduler(t, f, nil, nil)
	s.RunOnce(context.Background())

	incidents := s.Incidents(0)
	require.Len(t, incidents, 1)
	found := false
	for _, a := range incidents[0].Anomalies {
		if a.Kind == model.KindErrorCascade {
			found = true
		}
	}
	assert.True(t, found, "expected an error_cascade anomaly among %v", incidents[0].Anomalies)
}

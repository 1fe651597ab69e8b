package alerts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/obs-ai/agent/internal/model"
)

type fakeGate struct {
	allowed map[string]bool
}

func (g fakeGate) AlertSeverityEnabled(severity string) bool { return g.allowed[severity] }

func sampleIncident() *model.Incident {
	return &model.Incident{
		ID:               "INC-1",
		Title:            "ML-Detected Incident: error_spike",
		Severity:         model.SeverityCritical,
		ErrorCount:       10,
		LogCount:         20,
		AffectedServices: []string{"checkout"},
		Anomalies:        []model.Anomaly{{Kind: model.KindErrorSpike, Severity: model.SeverityCritical, Score: 0.9, Description: "spike"}},
	}
}

func TestDispatchSkipsWhenSeverityNotAllowed(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gate := fakeGate{allowed: map[string]bool{"critical": false}}
	m := New(server.URL, "", gate, zap.NewNop())
	inc := &model.Incident{ID: "INC-1", Severity: model.SeverityCritical}
	m.Dispatch(context.Background(), inc)

	assert.False(t, called)
	stats := m.Stats()
	assert.Zero(t, stats.TotalAlertsSent)
	assert.Zero(t, stats.FailedAlerts)
}

func TestDispatchSlackSuccessOnly200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gate := fakeGate{allowed: map[string]bool{"critical": true}}
	m := New(server.URL, "", gate, zap.NewNop())
	inc := &model.Incident{ID: "INC-1", Severity: model.SeverityCritical, AffectedServices: []string{"checkout"}}
	m.Dispatch(context.Background(), inc)

	stats := m.Stats()
	assert.EqualValues(t, 1, stats.TotalAlertsSent)
	assert.EqualValues(t, 0, stats.FailedAlerts)
	assert.True(t, stats.SlackEnabled)
	assert.False(t, stats.WebhookEnabled)

	history := m.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, "slack", history[0].Sink)
	assert.True(t, history[0].Success)
}

func TestDispatchWebhookAcceptsMultipleStatuses(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusCreated, http.StatusAccepted} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		gate := fakeGate{allowed: map[string]bool{"high": true}}
		m := New("", server.URL, gate, zap.NewNop())
		inc := &model.Incident{ID: "INC-x", Severity: model.SeverityHigh}
		m.Dispatch(context.Background(), inc)

		stats := m.Stats()
		assert.EqualValues(t, 1, stats.TotalAlertsSent, "status %d should count as success", status)
		server.Close()
	}
}

func TestDispatchFailureRecordedWhenSinkRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	gate := fakeGate{allowed: map[string]bool{"high": true}}
	m := New(server.URL, "", gate, zap.NewNop())
	inc := &model.Incident{ID: "INC-2", Severity: model.SeverityHigh}
	m.Dispatch(context.Background(), inc)

	stats := m.Stats()
	assert.EqualValues(t, 0, stats.TotalAlertsSent)
	assert.EqualValues(t, 1, stats.FailedAlerts)

	history := m.History(0)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
}

func TestDispatchNoSinksConfiguredCountsAsFailed(t *testing.T) {
	gate := fakeGate{allowed: map[string]bool{"critical": true}}
	m := New("", "", gate, zap.NewNop())
	inc := &model.Incident{ID: "INC-3", Severity: model.SeverityCritical}
	m.Dispatch(context.Background(), inc)

	stats := m.Stats()
	assert.EqualValues(t, 1, stats.FailedAlerts)
	assert.Empty(t, m.History(0))
}

func TestHistoryCapAt50(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gate := fakeGate{allowed: map[string]bool{"high": true}}
	m := New(server.URL, "", gate, zap.NewNop())
	for i := 0; i < 60; i++ {
		m.Dispatch(context.Background(), &model.Incident{ID: "INC", Severity: model.SeverityHigh})
	}

	assert.Len(t, m.History(0), 50)
}

func TestFormatWebhookPayloadIncludesRCAWhenPresent(t *testing.T) {
	inc := sampleIncident()
	inc.RCAAnalysis = &model.RCAAnalysis{RootCause: "disk full", Confidence: "High"}
	payload := formatWebhookPayload(inc)
	rca, ok := payload["rca"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "disk full", rca["root_cause"])
}

// Package alerts implements incident alert fan-out (spec §4.10): a Slack
// webhook sink and a generic JSON webhook sink, gated by a severity
// allow-list, each sink's success/failure tracked independently and a
// rolling history of the last 50 dispatch attempts kept for introspection.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/obs-ai/agent/internal/model"
)

const (
	historyCapacity = 50
	sinkTimeout     = 10 * time.Second
)

// SeverityGate reports whether alerts should fire for the given severity
// (spec §7 "alert_on_severities").
type SeverityGate interface {
	AlertSeverityEnabled(severity string) bool
}

// Entry records one dispatch attempt against one sink, for introspection
// via GET /api/alerts/history (spec §6).
type Entry struct {
	IncidentID string    `json:"incident_id"`
	Severity   string    `json:"severity"`
	Sink       string    `json:"sink"`
	Success    bool      `json:"success"`
	Timestamp  time.Time `json:"timestamp"`
}

// Manager is the alert fan-out dispatcher. Each sink failure is logged and
// swallowed; Dispatch never returns an error to the scheduler (spec §4.6
// "each may fail independently").
type Manager struct {
	httpClient *http.Client
	slackURL   string
	webhookURL string
	gate       SeverityGate
	logger     *zap.Logger

	mu           sync.Mutex
	history      []Entry
	sentTotal    int64
	failedTotal  int64
	sinkSuccess  map[string]int64
	sinkFailures map[string]int64
}

// New builds an alert manager. Either URL may be empty, disabling that
// sink (spec §7 ConfigurationMissing policy: an unconfigured sink is
// silently skipped, not an error).
func New(slackURL, webhookURL string, gate SeverityGate, logger *zap.Logger) *Manager {
	return &Manager{
		httpClient:   &http.Client{Timeout: sinkTimeout},
		slackURL:     slackURL,
		webhookURL:   webhookURL,
		gate:         gate,
		logger:       logger,
		sinkSuccess:  make(map[string]int64),
		sinkFailures: make(map[string]int64),
	}
}

// Dispatch sends inc to every configured sink whose severity allow-list
// admits it (spec §4.10). No-op when the incident's severity is not in
// the allow-list. A dispatch that reaches no sink (none configured, or
// every configured sink failed) is counted as a failed alert.
func (m *Manager) Dispatch(ctx context.Context, inc *model.Incident) {
	if !m.gate.AlertSeverityEnabled(string(inc.Severity)) {
		m.logger.Debug("skipping alert, severity not in allow-list",
			zap.String("incident_id", inc.ID), zap.String("severity", string(inc.Severity)))
		return
	}

	var anySent bool
	if m.slackURL != "" {
		ok := m.sendSlack(ctx, inc)
		anySent = anySent || ok
		m.recordSink("slack", inc, ok)
	}
	if m.webhookURL != "" {
		ok := m.sendWebhook(ctx, inc)
		anySent = anySent || ok
		m.recordSink("webhook", inc, ok)
	}

	m.mu.Lock()
	if anySent {
		m.sentTotal++
	} else {
		m.failedTotal++
	}
	m.mu.Unlock()
}

func (m *Manager) sendSlack(ctx context.Context, inc *model.Incident) bool {
	payload := formatSlackMessage(inc)
	return m.post(ctx, m.slackURL, payload, func(status int) bool { return status == http.StatusOK }, "slack", inc.ID)
}

func (m *Manager) sendWebhook(ctx context.Context, inc *model.Incident) bool {
	payload := formatWebhookPayload(inc)
	return m.post(ctx, m.webhookURL, payload, func(status int) bool {
		return status == http.StatusOK || status == http.StatusCreated || status == http.StatusAccepted
	}, "webhook", inc.ID)
}

func (m *Manager) post(ctx context.Context, url string, payload interface{}, accept func(int) bool, sink, incidentID string) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("failed to marshal alert payload", zap.String("sink", sink), zap.Error(err))
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		m.logger.Error("failed to build alert request", zap.String("sink", sink), zap.Error(err))
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Error("alert sink exception", zap.String("sink", sink), zap.String("incident_id", incidentID), zap.Error(err))
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if !accept(resp.StatusCode) {
		m.logger.Error("alert sink rejected payload",
			zap.String("sink", sink), zap.String("incident_id", incidentID), zap.Int("status", resp.StatusCode))
		return false
	}

	m.logger.Info("alert sent successfully", zap.String("sink", sink), zap.String("incident_id", incidentID))
	return true
}

func (m *Manager) recordSink(sink string, inc *model.Incident, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if success {
		m.sinkSuccess[sink]++
	} else {
		m.sinkFailures[sink]++
	}

	m.history = append(m.history, Entry{
		IncidentID: inc.ID,
		Severity:   string(inc.Severity),
		Sink:       sink,
		Success:    success,
		Timestamp:  time.Now().UTC(),
	})
	if len(m.history) > historyCapacity {
		m.history = m.history[len(m.history)-historyCapacity:]
	}
}

// Statistics is the payload behind GET /api/alerts/status (spec §6).
type Statistics struct {
	TotalAlertsSent int64            `json:"total_alerts_sent"`
	FailedAlerts    int64            `json:"failed_alerts"`
	SuccessRate     float64          `json:"success_rate"`
	RecentAlerts    int              `json:"recent_alerts"`
	SlackEnabled    bool             `json:"slack_enabled"`
	WebhookEnabled  bool             `json:"webhook_enabled"`
	SinkSuccess     map[string]int64 `json:"sink_success"`
	SinkFailures    map[string]int64 `json:"sink_failures"`
}

// Stats returns a snapshot of dispatch statistics.
func (m *Manager) Stats() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.sentTotal + m.failedTotal
	rate := 0.0
	if total > 0 {
		rate = float64(m.sentTotal) / float64(total)
	}

	successCopy := make(map[string]int64, len(m.sinkSuccess))
	for k, v := range m.sinkSuccess {
		successCopy[k] = v
	}
	failuresCopy := make(map[string]int64, len(m.sinkFailures))
	for k, v := range m.sinkFailures {
		failuresCopy[k] = v
	}

	return Statistics{
		TotalAlertsSent: m.sentTotal,
		FailedAlerts:    m.failedTotal,
		SuccessRate:     rate,
		RecentAlerts:    len(m.history),
		SlackEnabled:    m.slackURL != "",
		WebhookEnabled:  m.webhookURL != "",
		SinkSuccess:     successCopy,
		SinkFailures:    failuresCopy,
	}
}

// History returns up to limit of the most recent alert-dispatch entries,
// newest first.
func (m *Manager) History(limit int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = m.history[len(m.history)-1-i]
	}
	return out
}

var severityEmoji = map[model.Severity]string{
	model.SeverityCritical: "[CRITICAL]",
	model.SeverityHigh:     "[HIGH]",
	model.SeverityMedium:   "[MEDIUM]",
	model.SeverityLow:      "[LOW]",
}

var severityColor = map[model.Severity]string{
	model.SeverityCritical: "#FF0000",
	model.SeverityHigh:     "#FFA500",
	model.SeverityMedium:   "#FFFF00",
	model.SeverityLow:      "#00FF00",
}

func badge(sev model.Severity) string {
	if b, ok := severityEmoji[sev]; ok {
		return b
	}
	return "[INFO]"
}

func color(sev model.Severity) string {
	if c, ok := severityColor[sev]; ok {
		return c
	}
	return "#808080"
}

// formatSlackMessage builds a Slack Block Kit payload (spec §4.10,
// grounded on alert_manager.py::_format_slack_message). Emoji are rendered
// as bracketed severity tags rather than literal Unicode glyphs.
func formatSlackMessage(inc *model.Incident) map[string]interface{} {
	fields := []map[string]interface{}{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Incident ID:*\n%s", inc.ID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:*\n%s", upper(string(inc.Severity)))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Error Rate:*\n%d/%d logs", inc.ErrorCount, inc.LogCount)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Services:*\n%s", joinOrNone(inc.AffectedServices))},
	}

	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]interface{}{"type": "plain_text", "text": fmt.Sprintf("%s %s", badge(inc.Severity), inc.Title), "emoji": true},
		},
		{"type": "section", "fields": fields},
	}

	if inc.RCAAnalysis != nil {
		rootCause := truncate(inc.RCAAnalysis.RootCause, 200)
		blocks = append(blocks, map[string]interface{}{
			"type": "section",
			"text": map[string]interface{}{"type": "mrkdwn", "text": fmt.Sprintf("*AI Root Cause:*\n%s...", rootCause)},
		})

		if len(inc.RCAAnalysis.ImmediateActions) > 0 {
			actions := inc.RCAAnalysis.ImmediateActions
			if len(actions) > 3 {
				actions = actions[:3]
			}
			var lines string
			for i, a := range actions {
				lines += fmt.Sprintf("%d. %s\n", i+1, truncate(a, 80))
			}
			blocks = append(blocks, map[string]interface{}{
				"type": "section",
				"text": map[string]interface{}{"type": "mrkdwn", "text": fmt.Sprintf("*Immediate Actions:*\n%s", lines)},
			})
		}
	}

	blocks = append(blocks, map[string]interface{}{
		"type": "context",
		"elements": []map[string]interface{}{
			{"type": "mrkdwn", "text": fmt.Sprintf("Detected at %s", inc.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"))},
		},
	})

	return map[string]interface{}{
		"text":   fmt.Sprintf("%s Incident: %s", badge(inc.Severity), inc.Title),
		"blocks": blocks,
		"attachments": []map[string]interface{}{
			{"color": color(inc.Severity), "fallback": fmt.Sprintf("Incident %s: %s", inc.ID, inc.Title)},
		},
	}
}

// formatWebhookPayload builds the generic JSON payload (spec §4.10,
// grounded on alert_manager.py::_format_webhook_payload).
func formatWebhookPayload(inc *model.Incident) map[string]interface{} {
	errorRate := 0.0
	if inc.LogCount > 0 {
		errorRate = float64(inc.ErrorCount) / float64(inc.LogCount)
	}

	anomalies := make([]map[string]interface{}, len(inc.Anomalies))
	for i, a := range inc.Anomalies {
		anomalies[i] = map[string]interface{}{
			"type":        a.Kind,
			"severity":    a.Severity,
			"score":       a.Score,
			"description": a.Description,
		}
	}

	payload := map[string]interface{}{
		"incident_id":       inc.ID,
		"title":             inc.Title,
		"description":       inc.Description,
		"severity":          inc.Severity,
		"started_at":        inc.StartedAt.UTC().Format(time.RFC3339),
		"error_count":       inc.ErrorCount,
		"log_count":         inc.LogCount,
		"error_rate":        errorRate,
		"affected_services": inc.AffectedServices,
		"anomalies":         anomalies,
	}

	if inc.RCAAnalysis != nil {
		payload["rca"] = map[string]interface{}{
			"root_cause":        inc.RCAAnalysis.RootCause,
			"impact":            inc.RCAAnalysis.Impact,
			"immediate_actions": inc.RCAAnalysis.ImmediateActions,
			"confidence":        inc.RCAAnalysis.Confidence,
		}
	}

	return payload
}

func upper(s string) string {
	out := []byte(s)
	for i, c := range out {
		if 'a' <= c && c <= 'z' {
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}

func joinOrNone(services []string) string {
	if len(services) == 0 {
		return "none"
	}
	out := services[0]
	for _, s := range services[1:] {
		out += ", " + s
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

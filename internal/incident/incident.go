// Package incident implements the incident synthesizer (spec §4.6): it
// fuses the anomalies detected in a cycle into a single Incident record,
// picks severity, and builds the metric snapshot. The scheduler then hands
// the incident to RCA and alert fan-out — each of which may fail
// independently without affecting incident creation (spec §4.6).
package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/obs-ai/agent/internal/model"
)

const (
	startedAtLookback = 5 * time.Minute
	titleKindLimit    = 3
	descriptionLimit  = 5
	sampleLogLimit    = 5
	sampleLogTruncate = 200
)

// BaselineContext carries the adaptive baseline fields the synthesizer
// needs for the description and metrics snapshot (spec §4.6 steps 4, 6),
// without incident depending directly on the baseline package.
type BaselineContext struct {
	Confidence   float64
	SampleCount  int64
	HoursLearned int
}

// Synthesize fuses anomalies whose severity is high or critical into an
// Incident. Returns nil when none qualify (spec §8 "No incident without
// trigger"). logs is the full cycle batch; anomalies is the union of
// anomalies from every detector for this cycle and may include lower
// severities. Those are dropped: the title, description, anomaly list,
// severity and metrics snapshot are all built from the high/critical
// subset only.
func Synthesize(logs []model.LogRecord, anomalies []model.Anomaly, now time.Time, baseline BaselineContext) *model.Incident {
	triggering := filterHighCritical(anomalies)
	if len(triggering) == 0 {
		return nil
	}

	errorLogs := filterErrors(logs)

	severities := make([]model.Severity, len(triggering))
	for i, a := range triggering {
		severities[i] = a.Severity
	}
	severity := model.MaxSeverity(severities...)

	incident := &model.Incident{
		ID:               fmt.Sprintf("INC-%d", now.Unix()),
		Title:            buildTitle(triggering),
		Description:      buildDescription(triggering, baseline),
		Severity:         severity,
		Status:           model.StatusOpen,
		StartedAt:        now.Add(-startedAtLookback),
		DetectedAt:       now,
		Anomalies:        triggering,
		AffectedServices: affectedServices(errorLogs),
		LogCount:         len(logs),
		ErrorCount:       len(errorLogs),
		SampleLogs:       sampleLogs(errorLogs),
		MetricsSnapshot:  metricsSnapshot(logs, errorLogs, triggering, baseline),
	}
	return incident
}

func filterHighCritical(anomalies []model.Anomaly) []model.Anomaly {
	var out []model.Anomaly
	for _, a := range anomalies {
		if a.Severity == model.SeverityHigh || a.Severity == model.SeverityCritical {
			out = append(out, a)
		}
	}
	return out
}

func filterErrors(logs []model.LogRecord) []model.LogRecord {
	var out []model.LogRecord
	for _, l := range logs {
		if l.IsError() {
			out = append(out, l)
		}
	}
	return out
}

// affectedServices returns distinct service values from the error-log
// subset, in first-seen order (deterministic, unlike the source's
// Python set()).
func affectedServices(errorLogs []model.LogRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range errorLogs {
		service := l.Service
		if service == "" {
			service = l.LabelsApp
		}
		if service == "" || seen[service] {
			continue
		}
		seen[service] = true
		out = append(out, service)
	}
	return out
}

// buildTitle lists up to 3 distinct anomaly kinds in first-seen order,
// with an overflow suffix (spec §4.6 step 3).
func buildTitle(anomalies []model.Anomaly) string {
	kinds := distinctKinds(anomalies)
	shown := kinds
	if len(shown) > titleKindLimit {
		shown = shown[:titleKindLimit]
	}
	title := fmt.Sprintf("ML-Detected Incident: %s", strings.Join(kindsToStrings(shown), ", "))
	if len(kinds) > titleKindLimit {
		title += fmt.Sprintf(" (+%d more)", len(kinds)-titleKindLimit)
	}
	return title
}

func distinctKinds(anomalies []model.Anomaly) []model.AnomalyKind {
	seen := make(map[model.AnomalyKind]bool)
	var out []model.AnomalyKind
	for _, a := range anomalies {
		if seen[a.Kind] {
			continue
		}
		seen[a.Kind] = true
		out = append(out, a.Kind)
	}
	return out
}

func kindsToStrings(kinds []model.AnomalyKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// buildDescription orders a baseline contextualizer line first (if any
// adaptive_baseline_deviation anomaly triggered), then up to 5 additional
// *non-baseline* anomalies, then an overflow suffix (spec §4.6 step 4).
// Excluding baseline anomalies from the secondary loop is the literal
// reading of "additional anomalies" — see DESIGN.md resolved ambiguities
// for why this departs from the source's apparent double-inclusion.
func buildDescription(anomalies []model.Anomaly, baseline BaselineContext) string {
	var lines []string

	hasBaselineDeviation := false
	var others []model.Anomaly
	for _, a := range anomalies {
		if a.Kind == model.KindAdaptiveBaselineDeviation {
			hasBaselineDeviation = true
			continue
		}
		others = append(others, a)
	}

	if hasBaselineDeviation {
		lines = append(lines, fmt.Sprintf(
			"[BASELINE] System deviating from learned normal behavior (confidence: %.0f%%)",
			baseline.Confidence*100,
		))
	}

	shown := others
	if len(shown) > descriptionLimit {
		shown = shown[:descriptionLimit]
	}
	for _, a := range shown {
		lines = append(lines, fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.Description))
	}

	description := strings.Join(lines, "\n")
	if len(others) > descriptionLimit {
		description += fmt.Sprintf("\n\n... and %d more anomalies", len(others)-descriptionLimit)
	}
	return description
}

// sampleLogs takes the first 5 error records, each truncated to 200 chars
// (spec §4.6 step 5, spec §8 "Truncation law").
func sampleLogs(errorLogs []model.LogRecord) []model.LogRecord {
	n := len(errorLogs)
	if n > sampleLogLimit {
		n = sampleLogLimit
	}
	out := make([]model.LogRecord, n)
	for i := 0; i < n; i++ {
		out[i] = errorLogs[i].Truncated(sampleLogTruncate)
	}
	return out
}

// metricsSnapshot builds the fusion evidence (spec §4.6 step 6).
func metricsSnapshot(logs, errorLogs []model.LogRecord, anomalies []model.Anomaly, baseline BaselineContext) map[string]interface{} {
	errorRate := 0.0
	if len(logs) > 0 {
		errorRate = float64(len(errorLogs)) / float64(len(logs))
	}

	breakdown := make(map[string]int)
	methodOrder := make([]string, 0)
	seenMethod := make(map[string]bool)
	for _, a := range anomalies {
		kind := string(a.Kind)
		breakdown[kind]++
		if !seenMethod[kind] {
			seenMethod[kind] = true
			methodOrder = append(methodOrder, kind)
		}
	}
	methods := methodOrder

	return map[string]interface{}{
		"total_logs":  len(logs),
		"error_logs":  len(errorLogs),
		"error_rate":  errorRate,
		"anomaly_breakdown": breakdown,
		"ml_context": map[string]interface{}{
			"baseline_confidence": baseline.Confidence,
			"baseline_samples":    baseline.SampleCount,
			"hours_learned":       baseline.HoursLearned,
			"detection_methods":   methods,
		},
	}
}


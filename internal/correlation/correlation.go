// Package correlation implements the log-content correlation engine
// (spec §4.5): endpoint↔error correlation, hour-of-day↔error correlation,
// error cascade detection, and error clustering by normalized message
// shape. Stateless per invocation — every method operates only on the
// batch passed to it.
package correlation

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/obs-ai/agent/internal/model"
)

var httpVerbs = map[string]bool{"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true}

// Detect runs every correlation algorithm over the batch (spec §4.5,
// grounded on correlation_engine.py::analyze_correlations).
func Detect(logs []model.LogRecord, now time.Time) []model.Anomaly {
	if len(logs) == 0 {
		return nil
	}

	var anomalies []model.Anomaly
	if a := detectEndpointCorrelation(logs, now); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := detectTimeBasedCorrelation(logs, now); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := detectErrorCascade(logs, now); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := detectErrorClustering(logs, now); a != nil {
		anomalies = append(anomalies, *a)
	}
	return anomalies
}

type endpointCounts struct {
	errors int
	total  int
}

// detectEndpointCorrelation flags the worst-offending endpoint by error
// rate (spec §4.5). Severity is the source's bespoke split: critical at
// or above a 0.8 score, high otherwise — overriding §4.8's default table.
// Spec §8 scenario 6 pins the boundary inclusive (error_rate=0.8 ->
// critical), so this uses >= rather than the original source's strict >.
func detectEndpointCorrelation(logs []model.LogRecord, now time.Time) *model.Anomaly {
	counts := make(map[string]*endpointCounts)
	order := make([]string, 0)

	for _, l := range logs {
		endpoint := extractEndpoint(l)
		c, seen := counts[endpoint]
		if !seen {
			c = &endpointCounts{}
			counts[endpoint] = c
			order = append(order, endpoint)
		}
		c.total++
		if l.IsError() {
			c.errors++
		}
	}

	type problem struct {
		endpoint  string
		errors    int
		total     int
		errorRate float64
	}
	var problematic []problem
	for _, endpoint := range order {
		c := counts[endpoint]
		if c.total < 5 {
			continue
		}
		rate := float64(c.errors) / float64(c.total)
		if rate > 0.3 {
			problematic = append(problematic, problem{endpoint, c.errors, c.total, rate})
		}
	}
	if len(problematic) == 0 {
		return nil
	}
	sort.SliceStable(problematic, func(i, j int) bool { return problematic[i].errorRate > problematic[j].errorRate })
	top := problematic[0]

	score := math.Min(1.0, top.errorRate)
	severity := model.SeverityHigh
	if score >= 0.8 {
		severity = model.SeverityCritical
	}

	all := make([]map[string]interface{}, len(problematic))
	for i, p := range problematic {
		all[i] = map[string]interface{}{
			"endpoint":        p.endpoint,
			"error_count":     p.errors,
			"total_requests":  p.total,
			"error_rate":      p.errorRate,
		}
	}

	return &model.Anomaly{
		Kind:        model.KindEndpointErrorCorrelation,
		Severity:    severity,
		Score:       score,
		Description: fmt.Sprintf("Endpoint %q has %.1f%% error rate", top.endpoint, top.errorRate*100),
		DetectedAt:  now,
		Metrics: map[string]interface{}{
			"endpoint":        top.endpoint,
			"error_count":     top.errors,
			"total_requests":  top.total,
			"error_rate":      top.errorRate,
			"all_problematic": all,
		},
	}
}

func extractEndpoint(l model.LogRecord) string {
	parts := strings.Fields(l.Message)
	for i, p := range parts {
		if httpVerbs[p] && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return "unknown"
}

// detectTimeBasedCorrelation flags the hour-of-day with the highest error
// rate, if it exceeds 50% (spec §4.5). Severity is always "medium" in the
// source regardless of score.
func detectTimeBasedCorrelation(logs []model.LogRecord, now time.Time) *model.Anomaly {
	errorsByHour := make(map[int]int)
	totalByHour := make(map[int]int)

	for _, l := range logs {
		if l.Timestamp.IsZero() {
			continue
		}
		hour := l.Timestamp.UTC().Hour()
		totalByHour[hour]++
		if l.IsError() {
			errorsByHour[hour]++
		}
	}
	if len(errorsByHour) == 0 {
		return nil
	}

	maxRate := 0.0
	problemHour := -1
	for hour, errCount := range errorsByHour {
		total := totalByHour[hour]
		if total < 5 {
			continue
		}
		rate := float64(errCount) / float64(total)
		if rate > maxRate {
			maxRate = rate
			problemHour = hour
		}
	}
	if problemHour < 0 || maxRate <= 0.5 {
		return nil
	}

	score := math.Min(1.0, maxRate)
	return &model.Anomaly{
		Kind:        model.KindTimeBasedErrorPattern,
		Severity:    model.SeverityMedium,
		Score:       score,
		Description: fmt.Sprintf("Errors concentrated around hour %d:00 UTC (%.1f%% error rate)", problemHour, maxRate*100),
		DetectedAt:  now,
		Metrics: map[string]interface{}{
			"problem_hour":    problemHour,
			"error_rate":      maxRate,
			"errors_by_hour":  errorsByHour,
			"total_by_hour":   totalByHour,
		},
	}
}

type errorEvent struct {
	at      time.Time
	message string
}

// detectErrorCascade scans 5-event sliding windows of error events sorted
// by time, firing on the first window spanning at most 30 seconds with at
// least 3 distinct messages (spec §4.5). Severity is always "high".
func detectErrorCascade(logs []model.LogRecord, now time.Time) *model.Anomaly {
	if len(logs) < 10 {
		return nil
	}

	var events []errorEvent
	for _, l := range logs {
		if !l.IsError() || l.Timestamp.IsZero() {
			continue
		}
		events = append(events, errorEvent{at: l.Timestamp, message: truncate(l.Message, 100)})
	}
	if len(events) < 5 {
		return nil
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].at.Before(events[j].at) })

	cascadeCount := 0
	var first *struct {
		duration    float64
		uniqueTypes int
	}
	for i := 0; i+4 < len(events); i++ {
		start := events[i].at
		end := events[i+4].at
		duration := end.Sub(start).Seconds()
		if duration > 30 {
			continue
		}
		seen := make(map[string]bool)
		for j := i; j < i+5; j++ {
			seen[events[j].message] = true
		}
		if len(seen) >= 3 {
			cascadeCount++
			if first == nil {
				first = &struct {
					duration    float64
					uniqueTypes int
				}{duration: duration, uniqueTypes: len(seen)}
			}
		}
	}
	if first == nil {
		return nil
	}

	score := math.Min(1.0, float64(first.uniqueTypes)/5)
	return &model.Anomaly{
		Kind:        model.KindErrorCascade,
		Severity:    model.SeverityHigh,
		Score:       score,
		Description: fmt.Sprintf("Error cascade detected: 5 errors (%d types) in %.1fs", first.uniqueTypes, first.duration),
		DetectedAt:  now,
		Metrics: map[string]interface{}{
			"duration_seconds":   first.duration,
			"error_count":        5,
			"unique_error_types": first.uniqueTypes,
			"cascade_count":      cascadeCount,
		},
	}
}

var (
	digitsRun = regexp.MustCompile(`\d+`)
	hexRun    = regexp.MustCompile(`[a-f0-9]{8,}`)
)

func normalizeMessage(message string) string {
	normalized := digitsRun.ReplaceAllString(message, "N")
	normalized = hexRun.ReplaceAllString(normalized, "ID")
	return truncate(normalized, 100)
}

// detectErrorClustering flags when one normalized error shape accounts for
// more than 60% of all errors (spec §4.5). Severity: high above 80%,
// medium otherwise.
func detectErrorClustering(logs []model.LogRecord, now time.Time) *model.Anomaly {
	counts := make(map[string]int)
	order := make([]string, 0)
	total := 0

	for _, l := range logs {
		if !l.IsError() {
			continue
		}
		normalized := normalizeMessage(l.Message)
		if _, seen := counts[normalized]; !seen {
			order = append(order, normalized)
		}
		counts[normalized]++
		total++
	}
	if total < 10 {
		return nil
	}

	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > 3 {
		order = order[:3]
	}

	for _, pattern := range order {
		count := counts[pattern]
		percentage := float64(count) / float64(total) * 100
		if percentage <= 60 {
			continue
		}
		score := math.Min(1.0, percentage/100)
		severity := model.SeverityMedium
		if percentage > 80 {
			severity = model.SeverityHigh
		}

		topPatterns := make([]map[string]interface{}, len(order))
		for i, p := range order {
			topPatterns[i] = map[string]interface{}{"pattern": truncate(p, 50), "count": counts[p]}
		}

		return &model.Anomaly{
			Kind:        model.KindErrorClustering,
			Severity:    severity,
			Score:       score,
			Description: fmt.Sprintf("Error pattern %q accounts for %.1f%% of errors", truncate(pattern, 50), percentage),
			DetectedAt:  now,
			Metrics: map[string]interface{}{
				"dominant_pattern":  truncate(pattern, 100),
				"occurrence_count":  count,
				"percentage":        percentage,
				"total_errors":      total,
				"top_patterns":      topPatterns,
			},
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

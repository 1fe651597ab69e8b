// Package ruledetector implements the stateless-per-cycle rule detector
// (spec §4.3): error spikes, a dominant error pattern, per-service
// degradation, and log-volume spike/drop, each judged against its own
// bounded (last-hour) history of per-cycle totals.
package ruledetector

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/obs-ai/agent/internal/model"
)

const historyWindow = time.Hour

type countSample struct {
	at    time.Time
	count int
}

// Detector holds the rolling per-cycle histories the rule algorithms
// compare each new batch against. It is not safe for concurrent use; the
// scheduler owns one instance and drives it from a single goroutine
// (spec §5 "Detector-internal histories are owned by the scheduler task").
type Detector struct {
	errorCounts []countSample
	volumes     []countSample
}

// New returns an empty rule detector.
func New() *Detector {
	return &Detector{}
}

// Detect runs every rule algorithm over the current batch and returns
// whichever anomalies fired, in a deterministic order (error spike,
// dominant pattern, service degradation, volume spike/drop).
func (d *Detector) Detect(logs []model.LogRecord, now time.Time) []model.Anomaly {
	var anomalies []model.Anomaly

	errorCount := countErrors(logs)

	if a := d.detectErrorSpike(errorCount, now); a != nil {
		anomalies = append(anomalies, *a)
	}
	anomalies = append(anomalies, d.detectDominantErrorPattern(logs, now)...)
	if a := d.detectServiceDegradation(logs, now); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.detectVolume(len(logs), now); a != nil {
		anomalies = append(anomalies, *a)
	}

	return anomalies
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

// detectErrorSpike compares the current cycle's error count against the
// rolling mean/stddev of the previous cycles (spec §4.3).
func (d *Detector) detectErrorSpike(currentErrors int, now time.Time) *model.Anomaly {
	d.errorCounts = pruneOlderThan(append(d.errorCounts, countSample{at: now, count: currentErrors}), now)

	if len(d.errorCounts) < 5 {
		return nil
	}

	previous := d.errorCounts[:len(d.errorCounts)-1]
	avg, std := meanStddev(previous)
	threshold := avg + 2*std

	if float64(currentErrors) > threshold && currentErrors > 10 {
		score := clamp01((float64(currentErrors) - threshold) / (threshold + 1))
		return &model.Anomaly{
			Kind:        model.KindErrorSpike,
			Severity:    model.FromScore(score),
			Score:       score,
			Description: fmt.Sprintf("Error rate spiked to %d (baseline: %.1f)", currentErrors, avg),
			DetectedAt:  now,
			Metrics: map[string]interface{}{
				"current_errors": currentErrors,
				"baseline_avg":   avg,
				"threshold":      threshold,
			},
		}
	}
	return nil
}

// detectDominantErrorPattern flags any identical error message accounting
// for more than 50% of the batch's errors (spec §4.3). Multiple messages
// can each clear the threshold; every one is reported.
func (d *Detector) detectDominantErrorPattern(logs []model.LogRecord, now time.Time) []model.Anomaly {
	counts := make(map[string]int)
	order := make([]string, 0)
	total := 0
	for _, l := range logs {
		if !l.IsError() {
			continue
		}
		if _, seen := counts[l.Message]; !seen {
			order = append(order, l.Message)
		}
		counts[l.Message]++
		total++
	}
	if total == 0 {
		return nil
	}

	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > 5 {
		order = order[:5]
	}

	var anomalies []model.Anomaly
	for _, msg := range order {
		count := counts[msg]
		percentage := float64(count) / float64(total) * 100
		if percentage > 50 && count > 5 {
			score := clamp01(percentage / 100)
			anomalies = append(anomalies, model.Anomaly{
				Kind:        model.KindDominantErrorPattern,
				Severity:    model.FromScore(score),
				Score:       score,
				Description: fmt.Sprintf("Error %q accounts for %.1f%% of errors", truncate(msg, 50), percentage),
				DetectedAt:  now,
				Metrics: map[string]interface{}{
					"error_message": truncate(msg, 100),
					"count":         count,
					"percentage":    percentage,
					"total_errors":  total,
				},
			})
		}
	}
	return anomalies
}

// detectServiceDegradation flags the first service (in batch-encounter
// order) whose error rate exceeds 30% with more than 10 errors
// (spec §4.3).
func (d *Detector) detectServiceDegradation(logs []model.LogRecord, now time.Time) *model.Anomaly {
	errors := make(map[string]int)
	totals := make(map[string]int)
	order := make([]string, 0)

	for _, l := range logs {
		service := serviceKey(l)
		if _, seen := totals[service]; !seen {
			order = append(order, service)
		}
		totals[service]++
		if l.IsError() {
			errors[service]++
		}
	}

	for _, service := range order {
		errorCount := errors[service]
		total := totals[service]
		if total == 0 {
			continue
		}
		rate := float64(errorCount) / float64(total)
		if rate > 0.3 && errorCount > 10 {
			score := clamp01(rate)
			return &model.Anomaly{
				Kind:        model.KindServiceDegradation,
				Severity:    model.FromScore(score),
				Score:       score,
				Description: fmt.Sprintf("Service %q has %.1f%% error rate", service, rate*100),
				DetectedAt:  now,
				Metrics: map[string]interface{}{
					"service":     service,
					"error_count": errorCount,
					"total_logs":  total,
					"error_rate":  rate,
				},
			}
		}
	}
	return nil
}

// serviceKey identifies the service a log belongs to, falling back to the
// Kubernetes labels.app descriptor when service is absent (spec §4.3,
// anomaly_detector.py's
// `log.get("service") or log.get("kubernetes",{}).get("labels",{}).get("app","unknown")`).
func serviceKey(l model.LogRecord) string {
	if l.Service != "" {
		return l.Service
	}
	if l.LabelsApp != "" {
		return l.LabelsApp
	}
	return "unknown"
}

// detectVolume flags an unusual spike or drop in total log count against
// the rolling mean/stddev of the previous cycles (spec §4.3). Severities
// here are the original's bespoke overrides of the universal score
// mapping (§4.8), not the default table.
func (d *Detector) detectVolume(currentVolume int, now time.Time) *model.Anomaly {
	d.volumes = pruneOlderThan(append(d.volumes, countSample{at: now, count: currentVolume}), now)

	if len(d.volumes) < 5 {
		return nil
	}

	previous := d.volumes[:len(d.volumes)-1]
	avg, std := meanStddev(previous)
	upper := avg + 3*std
	lower := math.Max(0, avg-3*std)

	if float64(currentVolume) > upper {
		score := clamp01((float64(currentVolume) - upper) / (upper + 1))
		severity := model.SeverityMedium
		if score >= 0.7 {
			severity = model.SeverityHigh
		}
		return &model.Anomaly{
			Kind:        model.KindLogVolumeSpike,
			Severity:    severity,
			Score:       score,
			Description: fmt.Sprintf("Log volume spiked to %d (baseline: %.1f)", currentVolume, avg),
			DetectedAt:  now,
			Metrics: map[string]interface{}{
				"current_volume": currentVolume,
				"baseline_avg":   avg,
				"threshold":      upper,
			},
		}
	}

	if float64(currentVolume) < lower && avg > 100 {
		score := clamp01((avg - float64(currentVolume)) / (avg + 1))
		severity := model.SeverityMedium
		if score > 0.5 {
			severity = model.SeverityHigh
		}
		return &model.Anomaly{
			Kind:        model.KindLogVolumeDrop,
			Severity:    severity,
			Score:       score,
			Description: fmt.Sprintf("Log volume dropped to %d (baseline: %.1f) - possible service issue", currentVolume, avg),
			DetectedAt:  now,
			Metrics: map[string]interface{}{
				"current_volume": currentVolume,
				"baseline_avg":   avg,
				"threshold":      lower,
			},
		}
	}

	return nil
}

func pruneOlderThan(samples []countSample, now time.Time) []countSample {
	cutoff := now.Add(-historyWindow)
	pruned := samples[:0:0]
	for _, s := range samples {
		if s.at.After(cutoff) {
			pruned = append(pruned, s)
		}
	}
	return pruned
}

func meanStddev(samples []countSample) (mean, stddev float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s.count)
	}
	mean = sum / float64(len(samples))

	if len(samples) < 2 {
		return mean, 0
	}
	var sqDiff float64
	for _, s := range samples {
		d := float64(s.count) - mean
		sqDiff += d * d
	}
	// Sample stddev (n-1 divisor), matching Python's statistics.stdev.
	stddev = math.Sqrt(sqDiff / float64(len(samples)-1))
	return mean, stddev
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

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

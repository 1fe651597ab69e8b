// Package timeseries implements the streaming time-series detector
// (spec §4.4): two bounded FIFOs of recent (error_count, log_volume)
// points, from which an increasing trend, an oscillation, and a sudden
// level change are each detected at most once per cycle.
package timeseries

import (
	"fmt"
	"math"
	"time"

	"github.com/obs-ai/agent/internal/model"
)

const windowCapacity = 12

type point struct {
	at    time.Time
	value float64
}

// Window is a single bounded FIFO of recent (timestamp, value) points,
// oldest evicted on overflow (spec §3).
type Window struct {
	points []point
}

func (w *Window) append(at time.Time, value float64) {
	w.points = append(w.points, point{at: at, value: value})
	if len(w.points) > windowCapacity {
		w.points = w.points[len(w.points)-windowCapacity:]
	}
}

func (w *Window) values() []float64 {
	out := make([]float64, len(w.points))
	for i, p := range w.points {
		out[i] = p.value
	}
	return out
}

// Detector drives the two metric-stream windows (error count, log
// volume). Not safe for concurrent use — the scheduler owns one instance.
type Detector struct {
	errorRate Window
	logVolume Window
}

// New returns an empty time-series detector.
func New() *Detector {
	return &Detector{}
}

// Append records one cycle's (error_count, log_volume) point.
func (d *Detector) Append(errorCount, logVolume float64, now time.Time) {
	d.errorRate.append(now, errorCount)
	d.logVolume.append(now, logVolume)
}

// Snapshot is the read-only view behind GET /api/advanced/timeseries
// (spec §6), mirroring timeseries_analyzer.py's raw history introspection.
type Snapshot struct {
	ErrorRateHistory []float64 `json:"error_rate_history"`
	LogVolumeHistory []float64 `json:"log_volume_history"`
	WindowSize       int       `json:"window_size"`
	DataPoints       int       `json:"data_points"`
}

// Snapshot returns the current window contents without affecting them.
func (d *Detector) Snapshot() Snapshot {
	return Snapshot{
		ErrorRateHistory: d.errorRate.values(),
		LogVolumeHistory: d.logVolume.values(),
		WindowSize:       windowCapacity,
		DataPoints:       len(d.errorRate.points),
	}
}

// Detect runs all three pattern algorithms against the error-rate stream,
// the one the original analyzer wires analyze_patterns() to (spec §4.4,
// grounded on timeseries_analyzer.py::analyze_patterns).
func (d *Detector) Detect(now time.Time) []model.Anomaly {
	var anomalies []model.Anomaly
	if a := detectIncreasingTrend(d.errorRate.values(), now); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := detectOscillation(d.errorRate.values(), now); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := detectSuddenLevelChange(d.errorRate.values(), now); a != nil {
		anomalies = append(anomalies, *a)
	}
	return anomalies
}

// detectIncreasingTrend fits an OLS line to the window and fires when the
// slope is meaningfully positive and the fit is strong (spec §4.4).
// Severity is the source's own bespoke split, not the universal §4.8
// table: "high" above a 0.6 score, "medium" otherwise.
func detectIncreasingTrend(values []float64, now time.Time) *model.Anomaly {
	const minPoints = 5
	n := len(values)
	if n < minPoints {
		return nil
	}

	xMean := float64(n-1) / 2
	var yMean float64
	for _, v := range values {
		yMean += v
	}
	yMean /= float64(n)

	var numerator, denominator float64
	for i, v := range values {
		dx := float64(i) - xMean
		numerator += dx * (v - yMean)
		denominator += dx * dx
	}
	if denominator == 0 {
		return nil
	}
	slope := numerator / denominator
	if slope <= 0.1 {
		return nil
	}

	intercept := yMean - slope*xMean
	var ssTot, ssRes float64
	for i, v := range values {
		pred := slope*float64(i) + intercept
		ssTot += (v - yMean) * (v - yMean)
		ssRes += (v - pred) * (v - pred)
	}
	var rSquared float64
	if ssTot != 0 {
		rSquared = 1 - ssRes/ssTot
	}
	if rSquared <= 0.7 {
		return nil
	}

	score := math.Min(1.0, slope*rSquared)
	severity := model.SeverityMedium
	if score > 0.6 {
		severity = model.SeverityHigh
	}

	return &model.Anomaly{
		Kind:        model.KindIncreasingTrend,
		Severity:    severity,
		Score:       score,
		Description: fmt.Sprintf("Detected upward trend with slope %.2f (R²=%.2f)", slope, rSquared),
		DetectedAt:  now,
		Metrics: map[string]interface{}{
			"slope":       slope,
			"r_squared":   rSquared,
			"data_points": n,
			"start_value": values[0],
			"end_value":   values[n-1],
		},
	}
}

// detectOscillation flags high variance relative to the mean (spec §4.4).
// Severity is always "medium" in the source regardless of score — a
// bespoke override of §4.8.
func detectOscillation(values []float64, now time.Time) *model.Anomaly {
	const minPoints = 6
	n := len(values)
	if n < minPoints {
		return nil
	}

	mean, stddev := sampleMeanStddev(values)
	if mean <= 0 {
		return nil
	}
	cv := stddev / mean
	if cv <= 0.5 || stddev <= 5 {
		return nil
	}

	score := math.Min(1.0, cv)
	return &model.Anomaly{
		Kind:        model.KindOscillation,
		Severity:    model.SeverityMedium,
		Score:       score,
		Description: fmt.Sprintf("Unstable behavior detected (CV=%.2f)", cv),
		DetectedAt:  now,
		Metrics: map[string]interface{}{
			"coefficient_of_variation": cv,
			"mean":                     mean,
			"stdev":                    stddev,
			"data_points":              n,
		},
	}
}

// detectSuddenLevelChange splits the window in half and flags a >2x jump
// in the mean (spec §4.4). Severity is the source's bespoke split: "high"
// above a 0.5 score, "medium" otherwise.
func detectSuddenLevelChange(values []float64, now time.Time) *model.Anomaly {
	const minPoints = 6
	n := len(values)
	if n < minPoints {
		return nil
	}

	mid := n / 2
	firstHalf := values[:mid]
	secondHalf := values[mid:]
	avgFirst := mean(firstHalf)
	avgSecond := mean(secondHalf)

	if avgFirst <= 0 {
		return nil
	}
	ratio := avgSecond / avgFirst
	const thresholdMultiplier = 2.0
	if ratio <= thresholdMultiplier {
		return nil
	}

	score := math.Min(1.0, (ratio-thresholdMultiplier)/thresholdMultiplier)
	severity := model.SeverityMedium
	if score > 0.5 {
		severity = model.SeverityHigh
	}

	return &model.Anomaly{
		Kind:        model.KindSuddenLevelChange,
		Severity:    severity,
		Score:       score,
		Description: fmt.Sprintf("Sudden increase from %.1f to %.1f", avgFirst, avgSecond),
		DetectedAt:  now,
		Metrics: map[string]interface{}{
			"before_avg":  avgFirst,
			"after_avg":   avgSecond,
			"ratio":       ratio,
			"data_points": n,
		},
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func sampleMeanStddev(values []float64) (m, stddev float64) {
	m = mean(values)
	if len(values) < 2 {
		return m, 0
	}
	var sqDiff float64
	for _, v := range values {
		d := v - m
		sqDiff += d * d
	}
	stddev = math.Sqrt(sqDiff / float64(len(values)-1))
	return m, stddev
}

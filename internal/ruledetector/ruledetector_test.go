package ruledetector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obs-ai/agent/internal/model"
)

func errorLogs(n int, message string) []model.LogRecord {
	logs := make([]model.LogRecord, n)
	for i := range logs {
		logs[i] = model.LogRecord{Level: "ERROR", Message: message}
	}
	return logs
}

func TestErrorSpike(t *testing.T) {
	d := New()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		d.Detect(errorLogs(1, "steady"), now.Add(time.Duration(i)*time.Second))
	}

	anomalies := d.Detect(errorLogs(50, "boom"), now.Add(6*time.Second))

	var found *model.Anomaly
	for i := range anomalies {
		if anomalies[i].Kind == model.KindErrorSpike {
			found = &anomalies[i]
		}
	}
	require.NotNil(t, found)
	assert.Contains(t, []model.Severity{model.SeverityHigh, model.SeverityCritical}, found.Severity)
}

func TestDominantErrorPattern(t *testing.T) {
	d := New()
	now := time.Now().UTC()

	logs := errorLogs(15, "DB timeout")
	logs = append(logs, errorLogs(5, "other error")...)

	anomalies := d.Detect(logs, now)

	var found *model.Anomaly
	for i := range anomalies {
		if anomalies[i].Kind == model.KindDominantErrorPattern {
			found = &anomalies[i]
		}
	}
	require.NotNil(t, found)
	assert.InDelta(t, 0.75, found.Score, 1e-9)
	assert.Equal(t, model.SeverityHigh, found.Severity)
}

func TestServiceDegradation(t *testing.T) {
	d := New()
	now := time.Now().UTC()

	var logs []model.LogRecord
	for i := 0; i < 15; i++ {
		logs = append(logs, model.LogRecord{Level: "ERROR", Message: "fail", Service: "checkout"})
	}
	for i := 0; i < 5; i++ {
		logs = append(logs, model.LogRecord{Level: "INFO", Message: "ok", Service: "checkout"})
	}

	anomalies := d.Detect(logs, now)

	var found *model.Anomaly
	for i := range anomalies {
		if anomalies[i].Kind == model.KindServiceDegradation {
			found = &anomalies[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "checkout", found.Metrics["service"])
}

func TestVolumeSpikeAndDropBespokeSeverity(t *testing.T) {
	d := New()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		d.Detect(make([]model.LogRecord, 100), now.Add(time.Duration(i)*time.Second))
	}

	anomalies := d.Detect(make([]model.LogRecord, 1000), now.Add(6*time.Second))
	var spike *model.Anomaly
	for i := range anomalies {
		if anomalies[i].Kind == model.KindLogVolumeSpike {
			spike = &anomalies[i]
		}
	}
	require.NotNil(t, spike)
	assert.Contains(t, []model.Severity{model.SeverityMedium, model.SeverityHigh}, spike.Severity)

	// Drop: steady 200 logs per cycle, then an empty batch. Score is
	// (200-0)/(200+1) > 0.5, so the bespoke rule gives "high".
	d = New()
	for i := 0; i < 5; i++ {
		d.Detect(make([]model.LogRecord, 200), now.Add(time.Duration(i)*time.Second))
	}
	anomalies = d.Detect(nil, now.Add(6*time.Second))
	var drop *model.Anomaly
	for i := range anomalies {
		if anomalies[i].Kind == model.KindLogVolumeDrop {
			drop = &anomalies[i]
		}
	}
	require.NotNil(t, drop)
	assert.Equal(t, model.SeverityHigh, drop.Severity)
}

func TestNoAnomaliesOnEmptyBatch(t *testing.T) {
	d := New()
	anomalies := d.Detect(nil, time.Now().UTC())
	assert.Empty(t, anomalies)
}

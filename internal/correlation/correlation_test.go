package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obs-ai/agent/internal/model"
)

func TestEndpointCorrelation(t *testing.T) {
	now := time.Now().UTC()
	var logs []model.LogRecord
	for i := 0; i < 8; i++ {
		logs = append(logs, model.LogRecord{Level: "ERROR", Message: "GET /api/x failing", Timestamp: now})
	}
	for i := 0; i < 2; i++ {
		logs = append(logs, model.LogRecord{Level: "INFO", Message: "GET /api/x ok", Timestamp: now})
	}
	for i := 0; i < 10; i++ {
		logs = append(logs, model.LogRecord{Level: "INFO", Message: "POST /other ok", Timestamp: now})
	}

	anomalies := Detect(logs, now)
	var found *model.Anomaly
	for i := range anomalies {
		if anomalies[i].Kind == model.KindEndpointErrorCorrelation {
			found = &anomalies[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "/api/x", found.Metrics["endpoint"])
	assert.Equal(t, model.SeverityCritical, found.Severity)
}

func TestErrorCascade(t *testing.T) {
	now := time.Now().UTC()
	var logs []model.LogRecord
	messages := []string{"disk full", "cache miss", "db timeout", "network unreachable", "disk full"}
	for i, msg := range messages {
		logs = append(logs, model.LogRecord{
			Level:     "ERROR",
			Message:   msg,
			Timestamp: now.Add(time.Duration(i) * 2 * time.Second),
		})
	}
	for i := 0; i < 10; i++ {
		logs = append(logs, model.LogRecord{Level: "INFO", Message: "ok", Timestamp: now})
	}

	anomalies := Detect(logs, now)
	var found *model.Anomaly
	for i := range anomalies {
		if anomalies[i].Kind == model.KindErrorCascade {
			found = &anomalies[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, 4, found.Metrics["unique_error_types"])
	assert.Equal(t, model.SeverityHigh, found.Severity)
}

func TestErrorClustering(t *testing.T) {
	now := time.Now().UTC()
	var logs []model.LogRecord
	for i := 0; i < 12; i++ {
		logs = append(logs, model.LogRecord{Level: "ERROR", Message: "timeout connecting to host 10", Timestamp: now})
	}
	for i := 0; i < 3; i++ {
		logs = append(logs, model.LogRecord{Level: "ERROR", Message: "disk full on volume 42", Timestamp: now})
	}

	anomalies := Detect(logs, now)
	var found *model.Anomaly
	for i := range anomalies {
		if anomalies[i].Kind == model.KindErrorClustering {
			found = &anomalies[i]
		}
	}
	require.NotNil(t, found)
}

func TestNoAnomaliesOnEmptyBatch(t *testing.T) {
	assert.Empty(t, Detect(nil, time.Now().UTC()))
}

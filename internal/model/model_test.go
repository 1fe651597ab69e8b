package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFromScoreThresholds pins the universal score->severity mapping
// (spec §4.8) at each of its boundaries: the cutoff itself is inclusive,
// one ULP below falls to the next band down.
func TestFromScoreThresholds(t *testing.T) {
	tests := []struct {
		score float64
		want  Severity
	}{
		{1.0, SeverityCritical},
		{0.8, SeverityCritical},
		{0.7999999, SeverityHigh},
		{0.6, SeverityHigh},
		{0.5999999, SeverityMedium},
		{0.4, SeverityMedium},
		{0.3999999, SeverityLow},
		{0.0, SeverityLow},
		{-1.0, SeverityLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FromScore(tt.score), "FromScore(%v)", tt.score)
	}
}

func TestSeverityRankOrdering(t *testing.T) {
	assert.True(t, SeverityLow.Less(SeverityMedium))
	assert.True(t, SeverityMedium.Less(SeverityHigh))
	assert.True(t, SeverityHigh.Less(SeverityCritical))
	assert.False(t, SeverityCritical.Less(SeverityLow))
	assert.False(t, SeverityHigh.Less(SeverityHigh))
}

func TestMaxSeverityReturnsHighestRanked(t *testing.T) {
	assert.Equal(t, SeverityCritical, MaxSeverity(SeverityLow, SeverityCritical, SeverityMedium))
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityLow, SeverityHigh))
	assert.Equal(t, SeverityLow, MaxSeverity())
	assert.Equal(t, SeverityMedium, MaxSeverity(SeverityMedium))
}

func TestIsErrorMatchesLevelOrMessageSubstring(t *testing.T) {
	assert.True(t, LogRecord{Level: "ERROR", Message: "disk full"}.IsError())
	assert.True(t, LogRecord{Level: "INFO", Message: "an error occurred upstream"}.IsError())
	assert.True(t, LogRecord{Level: "info", Message: "ERROR in pipeline"}.IsError())
	assert.False(t, LogRecord{Level: "INFO", Message: "request handled"}.IsError())
	assert.False(t, LogRecord{Level: "WARN", Message: "disk nearly full"}.IsError())
}

func TestTruncatedCapsMessageLength(t *testing.T) {
	long := LogRecord{Message: "this message is definitely longer than ten characters"}
	got := long.Truncated(10)
	assert.Len(t, got.Message, 10)

	short := LogRecord{Message: "short"}
	assert.Equal(t, short, short.Truncated(10))
}

// TestLogRecordUnmarshalPrefersFlatServiceOverNested mirrors
// log_monitor.py's log.get("service") or log.get("kubernetes", {})...
// fallback chain: an explicit flat field always wins.
func TestLogRecordUnmarshalPrefersFlatServiceOverNested(t *testing.T) {
	raw := `{
		"timestamp": "2026-07-31T00:00:00Z",
		"level": "ERROR",
		"message": "boom",
		"service": "checkout",
		"kubernetes": {"labels": {"app": "checkout-canary"}, "namespace": "prod", "pod": {"name": "checkout-7f9"}}
	}`
	var r LogRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &r))

	assert.Equal(t, "checkout", r.Service)
	assert.Equal(t, "prod", r.Namespace)
	assert.Equal(t, "checkout-7f9", r.Pod)
	assert.Equal(t, "checkout-canary", r.LabelsApp)
}

func TestLogRecordUnmarshalFallsBackToNestedKubernetesDescriptor(t *testing.T) {
	raw := `{
		"timestamp": "2026-07-31T00:00:00Z",
		"level": "ERROR",
		"message": "boom",
		"kubernetes": {"labels": {"app": "checkout"}, "namespace": "prod", "pod": {"name": "checkout-7f9"}}
	}`
	var r LogRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &r))

	assert.Empty(t, r.Service)
	assert.Equal(t, "checkout", r.LabelsApp)
	assert.Equal(t, "prod", r.Namespace)
	assert.Equal(t, "checkout-7f9", r.Pod)
}

func TestLogRecordUnmarshalWithoutKubernetesDescriptor(t *testing.T) {
	raw := `{"timestamp": "2026-07-31T00:00:00Z", "level": "INFO", "message": "ok", "service": "checkout"}`
	var r LogRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &r))

	assert.Equal(t, "checkout", r.Service)
	assert.Empty(t, r.LabelsApp)
	assert.Empty(t, r.Namespace)
	assert.Empty(t, r.Pod)
}

func TestIncidentSetStatusStampsResolvedAtOnce(t *testing.T) {
	inc := &Incident{Status: StatusOpen}
	inc.SetStatus(StatusInvestigating)
	assert.Nil(t, inc.ResolvedAt)

	inc.SetStatus(StatusResolved)
	require.NotNil(t, inc.ResolvedAt)
	first := *inc.ResolvedAt

	inc.SetStatus(StatusResolved)
	assert.Equal(t, first, *inc.ResolvedAt, "ResolvedAt must not be overwritten once set")
}

package baseline

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fixedTime() time.Time {
	// A Wednesday, 10:00 UTC.
	return time.Date(2026, time.July, 29, 10, 0, 0, 0, time.UTC)
}

func TestWelfordCorrectness(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "baseline.json"), zap.NewNop())
	values := []float64{2, 4, 6, 8, 10, 12}
	ts := fixedTime()
	for _, v := range values {
		require.NoError(t, s.Update(v, 100, ts))
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sqDiff float64
	for _, v := range values {
		sqDiff += (v - mean) * (v - mean)
	}
	populationStddev := math.Sqrt(sqDiff / float64(len(values)))

	expected, _ := s.Expected(ts)
	assert.InDelta(t, mean, expected.ErrorRate.Mean, 1e-9)
	assert.InDelta(t, populationStddev, expected.ErrorRate.Stddev, 1e-9)
}

func TestBaselineMonotonicity(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "baseline.json"), zap.NewNop())
	ts := fixedTime()
	var prevN int64
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Update(float64(i), 100, ts.Add(time.Duration(i)*time.Minute)))
		expected, _ := s.Expected(ts.Add(time.Duration(i) * time.Minute))
		assert.Greater(t, expected.ErrorRate.N, prevN)
		prevN = expected.ErrorRate.N
	}
}

func TestZScoreSymmetry(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "baseline.json"), zap.NewNop())
	ts := fixedTime()
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Update(5, 100, ts))
	}
	expected, _ := s.Expected(ts)
	k := 2.5
	above := expected.ErrorRate.Mean + k*expected.ErrorRate.Stddev
	below := expected.ErrorRate.Mean - k*expected.ErrorRate.Stddev

	anomAbove, _ := s.IsAnomalous(above, 100, ts, 2.0)
	anomBelow, _ := s.IsAnomalous(below, 100, ts, 2.0)
	assert.Equal(t, anomAbove, anomBelow)
}

func TestIsAnomalousInsufficientHistory(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "baseline.json"), zap.NewNop())
	ts := fixedTime()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Update(1, 100, ts))
	}
	anomalous, evidence := s.IsAnomalous(1000, 100, ts, 2.0)
	assert.False(t, anomalous)
	assert.Nil(t, evidence)
}

func TestConfidence(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "baseline.json"), zap.NewNop())
	ts := fixedTime()
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Update(1, 100, ts))
	}
	assert.InDelta(t, 0.5, s.Confidence(), 1e-9)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baseline.json")
	s := New(path, zap.NewNop())
	ts := fixedTime()
	for i := 0; i < 25; i++ {
		require.NoError(t, s.Update(float64(i%5), 90+float64(i), ts.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, s.Save())
	_, err := os.Stat(path)
	require.NoError(t, err)

	reloaded := New(path, zap.NewNop())
	reloaded.Load()

	want, _ := s.Expected(ts)
	got, _ := reloaded.Expected(ts)
	assert.InDelta(t, want.ErrorRate.Mean, got.ErrorRate.Mean, 1e-12)
	assert.InDelta(t, want.LogVolume.Mean, got.LogVolume.Mean, 1e-12)
}

func TestLoadMissingFileStartsFresh(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "does-not-exist.json"), zap.NewNop())
	s.Load()
	summary := s.GetSummary(fixedTime())
	assert.Equal(t, 0.0, summary.Confidence)
}

func TestLoadCorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baseline.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	s := New(path, zap.NewNop())
	s.Load()
	summary := s.GetSummary(fixedTime())
	assert.Equal(t, 0.0, summary.Confidence)
}

func TestDeviationSeverity(t *testing.T) {
	assert.Equal(t, "critical", DeviationSeverity(3.5))
	assert.Equal(t, "critical", DeviationSeverity(-3.5))
	assert.Equal(t, "high", DeviationSeverity(2.1))
}

func TestColdStartConfidence(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "baseline.json"), zap.NewNop())
	ts := fixedTime()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Update(0, 100, ts.Add(time.Duration(i)*30*time.Second)))
	}
	assert.InDelta(t, 0.04, s.Confidence(), 1e-9)
	anomalous, _ := s.IsAnomalous(0, 100, ts, 2.0)
	assert.False(t, anomalous)
}

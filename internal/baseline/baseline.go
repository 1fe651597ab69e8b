// Package baseline implements the adaptive per-hour/per-weekday baseline
// (spec §4.2): online Welford statistics for error_rate and log_volume,
// bucketed by hour-of-day, weekday, and overall, persisted to disk via a
// write-rename dance (spec §9 "Persistence").
package baseline

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	errorRateFloor  = 0.1
	logVolumeFloor  = 1.0
	historyCapacity = 2880
	persistEvery    = 10
	minSamplesAnom  = 5
	minSamplesUsed  = 10
)

// Metric is the externally-visible view of one online (mean, stddev, n)
// triple, stddev already floor-clamped.
type Metric struct {
	Mean   float64 `json:"mean"`
	Stddev float64 `json:"stddev"`
	N      int64   `json:"samples"`
}

// stat is the internal Welford accumulator. M2 is the running sum of
// squared deviations from the mean; Stddev is derived on demand rather
// than stored, so floor-clamping never pollutes the recurrence itself.
type stat struct {
	Mean float64
	M2   float64
	N    int64
}

func (s *stat) update(x float64) {
	s.N++
	delta := x - s.Mean
	s.Mean += delta / float64(s.N)
	delta2 := x - s.Mean
	s.M2 += delta * delta2
}

func (s *stat) view(floor float64) Metric {
	if s.N < 2 {
		return Metric{Mean: s.Mean, Stddev: floor, N: s.N}
	}
	variance := s.M2 / float64(s.N)
	sd := math.Sqrt(variance)
	if sd < floor {
		sd = floor
	}
	return Metric{Mean: s.Mean, Stddev: sd, N: s.N}
}

// target bundles the two metric families (error_rate, log_volume) tracked
// for one temporal bucket (an hour, a weekday, or "overall").
type target struct {
	ErrorRate stat
	LogVolume stat
}

func (t *target) update(errorRate, logVolume float64) {
	t.ErrorRate.update(errorRate)
	t.LogVolume.update(logVolume)
}

// Target is the read-only pair of metric views returned by Expected.
type Target struct {
	ErrorRate Metric
	LogVolume Metric
}

func (t target) view() Target {
	return Target{
		ErrorRate: t.ErrorRate.view(errorRateFloor),
		LogVolume: t.LogVolume.view(logVolumeFloor),
	}
}

// Sample is one recorded (timestamp, error_rate, log_volume) observation,
// kept in the two bounded ring buffers for introspection (spec §3).
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	ErrorRate float64   `json:"error_rate"`
	LogVolume float64   `json:"log_volume"`
}

// Evidence is returned by IsAnomalous when the current observation departs
// from its baseline.
type Evidence struct {
	ErrorRate         float64 `json:"error_rate"`
	LogVolume         float64 `json:"log_volume"`
	ExpectedErrorRate Metric  `json:"expected_error_rate"`
	ExpectedLogVolume Metric  `json:"expected_log_volume"`
	ZError            float64 `json:"z_error"`
	ZVolume           float64 `json:"z_volume"`
	BaselineSamples   int64   `json:"baseline_samples"`
	BaselineSource    string  `json:"baseline_source"`
	Sensitivity       float64 `json:"sensitivity"`
}

// Store is the single-writer, multi-reader adaptive baseline (spec §5):
// Update and IsAnomalous must not interleave against each other, and
// persistence writes happen inside the same critical section as the
// triggering update.
type Store struct {
	mu sync.RWMutex

	hourly  [24]target
	weekday [7]target
	overall target

	errorRateHistory []Sample
	logVolumeHistory []Sample

	acceptedUpdates int
	path            string
	logger          *zap.Logger
	lastUpdated     time.Time
}

// New builds an empty baseline store backed by path. Call Load to restore
// any previously-persisted state.
func New(path string, logger *zap.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Update classifies the observation by hour-of-day, weekday (Monday=0),
// and "overall", applying Welford's update to each bucket for both metric
// families, then appends to the ring buffers and persists every 10
// accepted updates (spec §4.2).
//
// The errorRate parameter name mirrors §4.2's signature, but per the
// scheduler's own cadence (§4.7 step 4) callers actually pass a raw error
// *count* here, not a normalized rate — that mismatch originates in the
// source this was distilled from and is preserved verbatim rather than
// silently "fixed", since changing it would change the learned baseline's
// meaning without a specification basis to do so.
func (s *Store) Update(errorRate, logVolume float64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hour := ts.Hour()
	weekday := mondayIndexed(ts.Weekday())

	s.hourly[hour].update(errorRate, logVolume)
	s.weekday[weekday].update(errorRate, logVolume)
	s.overall.update(errorRate, logVolume)

	sample := Sample{Timestamp: ts, ErrorRate: errorRate, LogVolume: logVolume}
	s.errorRateHistory = appendBounded(s.errorRateHistory, sample, historyCapacity)
	s.logVolumeHistory = appendBounded(s.logVolumeHistory, sample, historyCapacity)

	s.lastUpdated = ts
	s.acceptedUpdates++
	if s.acceptedUpdates%persistEvery == 0 {
		if err := s.saveLocked(); err != nil {
			s.logger.Warn("failed to persist baseline", zap.Error(err))
			return err
		}
	}
	return nil
}

func mondayIndexed(w time.Weekday) int {
	return (int(w) + 6) % 7
}

func appendBounded(buf []Sample, s Sample, capacity int) []Sample {
	buf = append(buf, s)
	if len(buf) > capacity {
		buf = buf[len(buf)-capacity:]
	}
	return buf
}

// Expected returns the most specific baseline with at least 10 samples, in
// order hourly -> weekday -> overall (spec §4.2). If none qualifies,
// "overall" is returned regardless of its sample count, since it is the
// broadest bucket available.
func (s *Store) Expected(ts time.Time) (Target, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expectedLocked(ts)
}

func (s *Store) expectedLocked(ts time.Time) (Target, string) {
	hour := s.hourly[ts.Hour()]
	if hour.ErrorRate.N >= minSamplesUsed {
		return hour.view(), "hourly"
	}
	weekday := s.weekday[mondayIndexed(ts.Weekday())]
	if weekday.ErrorRate.N >= minSamplesUsed {
		return weekday.view(), "weekday"
	}
	return s.overall.view(), "overall"
}

// IsAnomalous reports whether (errorRate, logVolume) departs from the
// baseline selected for ts by more than sensitivity standard deviations on
// either metric (spec §4.2). Returns (false, nil) when the selected
// baseline has fewer than 5 samples — too little history to trust a
// z-score.
func (s *Store) IsAnomalous(errorRate, logVolume float64, ts time.Time, sensitivity float64) (bool, *Evidence) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expected, source := s.expectedLocked(ts)
	if expected.ErrorRate.N < minSamplesAnom {
		return false, nil
	}

	zError := (errorRate - expected.ErrorRate.Mean) / expected.ErrorRate.Stddev
	zVolume := (logVolume - expected.LogVolume.Mean) / expected.LogVolume.Stddev

	anomalous := math.Abs(zError) > sensitivity || math.Abs(zVolume) > sensitivity
	if !anomalous {
		return false, nil
	}

	return true, &Evidence{
		ErrorRate:         errorRate,
		LogVolume:         logVolume,
		ExpectedErrorRate: expected.ErrorRate,
		ExpectedLogVolume: expected.LogVolume,
		ZError:            zError,
		ZVolume:           zVolume,
		BaselineSamples:   expected.ErrorRate.N,
		BaselineSource:    source,
		Sensitivity:       sensitivity,
	}
}

// DeviationSeverity derives severity from |z_error| per spec §4.2's caller
// guidance: beyond 3 standard deviations is critical, otherwise high (an
// anomalous z-score, by construction of IsAnomalous, is always at least
// "high").
func DeviationSeverity(zError float64) string {
	if math.Abs(zError) > 3 {
		return "critical"
	}
	return "high"
}

// Confidence returns min(1.0, overall.n/100) (spec §4.2).
func (s *Store) Confidence() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return math.Min(1.0, float64(s.overall.ErrorRate.N)/100.0)
}

// Summary is the payload behind GET /api/ml/baseline (spec §6, enriched per
// SPEC_FULL.md §C.5 with the original's hours_with_data/days_with_data/
// history_size fields).
type Summary struct {
	Confidence     float64 `json:"confidence"`
	Expected       Target  `json:"expected"`
	BaselineSource string  `json:"baseline_source"`
	HoursWithData  int     `json:"hours_with_data"`
	DaysWithData   int     `json:"days_with_data"`
	HistorySize    int     `json:"history_size"`
	LastUpdated    string  `json:"last_updated,omitempty"`
}

// GetSummary builds the baseline introspection payload as of now.
func (s *Store) GetSummary(now time.Time) Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expected, source := s.expectedLocked(now)

	hoursWithData := 0
	for _, h := range s.hourly {
		if h.ErrorRate.N >= minSamplesUsed {
			hoursWithData++
		}
	}
	daysWithData := 0
	for _, d := range s.weekday {
		if d.ErrorRate.N >= minSamplesUsed {
			daysWithData++
		}
	}

	summary := Summary{
		Confidence:     math.Min(1.0, float64(s.overall.ErrorRate.N)/100.0),
		Expected:       expected,
		BaselineSource: source,
		HoursWithData:  hoursWithData,
		DaysWithData:   daysWithData,
		HistorySize:    len(s.errorRateHistory),
	}
	if !s.lastUpdated.IsZero() {
		summary.LastUpdated = s.lastUpdated.UTC().Format(time.RFC3339)
	}
	return summary
}

// HourlyPatterns returns per-hour baselines that have at least 5 samples
// (GET /api/ml/hourly-patterns, spec §6).
func (s *Store) HourlyPatterns() map[int]Target {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int]Target)
	for hour, t := range s.hourly {
		if t.ErrorRate.N >= minSamplesAnom {
			out[hour] = t.view()
		}
	}
	return out
}

// persistedStat is the on-disk shape for one metric family, matching
// spec §6's {mean, std, samples} keys.
type persistedStat struct {
	Mean    float64 `json:"mean"`
	Std     float64 `json:"std"`
	Samples int64   `json:"samples"`
}

type persistedTarget struct {
	ErrorRate persistedStat `json:"error_rate"`
	LogVolume persistedStat `json:"log_volume"`
}

type persistedDocument struct {
	Hourly      map[string]persistedTarget `json:"hourly"`
	Weekday     map[string]persistedTarget `json:"weekday"`
	Overall     persistedTarget            `json:"overall"`
	LastUpdated string                     `json:"last_updated"`
}

func toPersisted(t target) persistedTarget {
	return persistedTarget{
		ErrorRate: persistedStat{Mean: t.ErrorRate.Mean, Std: t.ErrorRate.view(errorRateFloor).Stddev, Samples: t.ErrorRate.N},
		LogVolume: persistedStat{Mean: t.LogVolume.Mean, Std: t.LogVolume.view(logVolumeFloor).Stddev, Samples: t.LogVolume.N},
	}
}

// fromPersisted reconstructs a Welford accumulator from a saved
// {mean, std, samples} triple. M2 is recovered as std^2 * n, which is
// exact for a population that actually produced that std; it is an
// approximation once floor-clamping has been applied, but it keeps the
// recurrence numerically sane across a restart rather than discarding
// history entirely.
func fromPersisted(p persistedStat) stat {
	return stat{Mean: p.Mean, M2: p.Std * p.Std * float64(p.Samples), N: p.Samples}
}

func (t *target) loadFrom(p persistedTarget) {
	t.ErrorRate = fromPersisted(p.ErrorRate)
	t.LogVolume = fromPersisted(p.LogVolume)
}

// saveLocked writes the full baseline document via a write-rename dance
// (spec §9): write to a sibling temp file, fsync is skipped (not exposed
// by the stdlib portably), then rename over the target path, which is
// atomic on the same filesystem and so never leaves a truncated file
// behind on crash.
func (s *Store) saveLocked() error {
	doc := persistedDocument{
		Hourly:      make(map[string]persistedTarget, 24),
		Weekday:     make(map[string]persistedTarget, 7),
		Overall:     toPersisted(s.overall),
		LastUpdated: s.lastUpdated.UTC().Format(time.RFC3339),
	}
	for hour, t := range s.hourly {
		doc.Hourly[fmt.Sprintf("%d", hour)] = toPersisted(t)
	}
	for wd, t := range s.weekday {
		doc.Weekday[fmt.Sprintf("%d", wd)] = toPersisted(t)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create baseline dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".baseline-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp baseline file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp baseline file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp baseline file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename baseline file: %w", err)
	}
	return nil
}

// Save exposes saveLocked for callers (e.g. graceful shutdown) that want
// to force a persist outside the every-10-updates cadence.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// Load restores previously-persisted state. A missing or corrupt file is
// logged, not fatal — the store simply starts fresh (spec §4.2).
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read baseline file, starting fresh", zap.Error(err))
		}
		return
	}

	var doc persistedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("baseline file is corrupt, starting fresh", zap.Error(err))
		return
	}

	for hourStr, p := range doc.Hourly {
		hour, err := parseIndex(hourStr, 23)
		if err != nil {
			continue
		}
		s.hourly[hour].loadFrom(p)
	}
	for wdStr, p := range doc.Weekday {
		wd, err := parseIndex(wdStr, 6)
		if err != nil {
			continue
		}
		s.weekday[wd].loadFrom(p)
	}
	s.overall.loadFrom(doc.Overall)

	if doc.LastUpdated != "" {
		if t, err := time.Parse(time.RFC3339, doc.LastUpdated); err == nil {
			s.lastUpdated = t
		}
	}
}

func parseIndex(s string, max int) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n < 0 || n > max {
		return 0, fmt.Errorf("index %d out of range [0,%d]", n, max)
	}
	return n, nil
}

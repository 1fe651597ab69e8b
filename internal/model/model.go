// Package model holds the core data types shared across the detection and
// incident-synthesis pipeline: log records read from the façade, anomalies
// emitted by detectors, incidents synthesized from them, and the process's
// monitoring state.
package model

import (
	"encoding/json"
	"time"
)

// LogRecord is a single log entry as read from the log-store façade. No
// schema is enforced beyond these field lookups; callers must treat missing
// optional fields as absent rather than erroring.
type LogRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Service   string    `json:"service,omitempty"`
	Pod       string    `json:"pod,omitempty"`
	Namespace string    `json:"namespace,omitempty"`
	// LabelsApp is the Kubernetes descriptor's labels.app (spec §3's nested
	// {pod, namespace, labels.app}), the fallback identity used wherever
	// Service is absent (spec §4.3, anomaly_detector.py's
	// kubernetes.labels.app lookup).
	LabelsApp string `json:"labels_app,omitempty"`
}

// UnmarshalJSON accepts both the flat field names above and the façade's
// original nested Kubernetes descriptor
// ({"kubernetes":{"pod":{"name":...},"namespace":...,"labels":{"app":...}}}),
// mirroring log_monitor.py's log.get("kubernetes", {}).get(...) fallback
// chain: a flat field wins if present, the nested descriptor only fills in
// what's missing.
func (r *LogRecord) UnmarshalJSON(data []byte) error {
	type alias LogRecord
	aux := struct {
		*alias
		Kubernetes *struct {
			Pod *struct {
				Name string `json:"name"`
			} `json:"pod"`
			Namespace string `json:"namespace"`
			Labels    *struct {
				App string `json:"app"`
			} `json:"labels"`
		} `json:"kubernetes"`
	}{alias: (*alias)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Kubernetes != nil {
		if r.Pod == "" && aux.Kubernetes.Pod != nil {
			r.Pod = aux.Kubernetes.Pod.Name
		}
		if r.Namespace == "" {
			r.Namespace = aux.Kubernetes.Namespace
		}
		if r.LabelsApp == "" && aux.Kubernetes.Labels != nil {
			r.LabelsApp = aux.Kubernetes.Labels.App
		}
	}
	return nil
}

// IsError reports whether this record should be counted as an error, using
// the same loose matching the original detectors use: an explicit ERROR
// level, or the literal substring "error" anywhere in the message
// (case-insensitive).
func (r LogRecord) IsError() bool {
	return containsErrorMarker(r.Level, r.Message)
}

// Truncated returns a copy of the record with Message capped at n
// characters, used when building incident sample logs (spec §8 truncation
// law: len(message) <= 200).
func (r LogRecord) Truncated(n int) LogRecord {
	if len(r.Message) > n {
		r.Message = r.Message[:n]
	}
	return r
}

// Severity is the closed severity scale from spec §3, ordered
// low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the severity's position in the total order, used for
// max-severity reductions and the "Severity monotonicity" testable
// property (spec §8).
func (s Severity) Rank() int {
	return severityRank[s]
}

// Less reports whether s ranks strictly below other.
func (s Severity) Less(other Severity) bool {
	return s.Rank() < other.Rank()
}

// MaxSeverity returns the highest-ranked severity among the given values.
// Returns SeverityLow for an empty slice.
func MaxSeverity(values ...Severity) Severity {
	max := SeverityLow
	for _, v := range values {
		if v.Rank() > max.Rank() {
			max = v
		}
	}
	return max
}

// FromScore implements the universal score->severity mapping, spec §4.8:
// >=0.8 critical, >=0.6 high, >=0.4 medium, else low. Individual detectors
// override this default with a bespoke rule where the source specifies one
// (see DESIGN.md "Open Question / ambiguity resolutions").
func FromScore(score float64) Severity {
	switch {
	case score >= 0.8:
		return SeverityCritical
	case score >= 0.6:
		return SeverityHigh
	case score >= 0.4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// AnomalyKind is the closed set of anomaly kinds from spec §3.
type AnomalyKind string

const (
	KindErrorSpike                AnomalyKind = "error_spike"
	KindDominantErrorPattern      AnomalyKind = "dominant_error_pattern"
	KindServiceDegradation        AnomalyKind = "service_degradation"
	KindLogVolumeSpike            AnomalyKind = "log_volume_spike"
	KindLogVolumeDrop             AnomalyKind = "log_volume_drop"
	KindIncreasingTrend           AnomalyKind = "increasing_trend"
	KindOscillation               AnomalyKind = "oscillation"
	KindSuddenLevelChange         AnomalyKind = "sudden_level_change"
	KindEndpointErrorCorrelation  AnomalyKind = "endpoint_error_correlation"
	KindTimeBasedErrorPattern     AnomalyKind = "time_based_error_pattern"
	KindErrorCascade              AnomalyKind = "error_cascade"
	KindErrorClustering           AnomalyKind = "error_clustering"
	KindAdaptiveBaselineDeviation AnomalyKind = "adaptive_baseline_deviation"
)

// Anomaly is a single detector's finding for one cycle. Anomalies are value
// objects: created by detectors, never mutated after creation (spec §3).
type Anomaly struct {
	Kind        AnomalyKind            `json:"anomaly_type"`
	Severity    Severity               `json:"severity"`
	Score       float64                `json:"score"`
	Description string                 `json:"description"`
	DetectedAt  time.Time              `json:"detected_at"`
	Metrics     map[string]interface{} `json:"metrics,omitempty"`
}

// RCAAnalysis is the structured root-cause record produced by the RCA
// client (spec §4.9).
type RCAAnalysis struct {
	RootCause             string   `json:"root_cause"`
	Impact                string   `json:"impact"`
	TechnicalExplanation  string   `json:"technical_explanation"`
	ImmediateActions      []string `json:"immediate_actions"`
	Prevention            []string `json:"prevention"`
	Confidence            string   `json:"confidence"`
	FullAnalysis          string   `json:"full_analysis"`
	AnalyzedAt            time.Time `json:"analyzed_at"`
	IncidentID            string    `json:"incident_id"`
}

// IncidentStatus is the closed status set from spec §3. Spec §9 leaves
// transition logic as an open question; this core never transitions status
// automatically (see DESIGN.md resolution #1) — SetStatus on Incident is
// the only mutator, intended for an operator-driven trigger outside this
// core's scope.
type IncidentStatus string

const (
	StatusOpen          IncidentStatus = "open"
	StatusInvestigating IncidentStatus = "investigating"
	StatusResolved      IncidentStatus = "resolved"
)

// Incident is the synthesized record produced by the incident synthesizer
// (spec §4.6) when at least one high/critical anomaly exists in a cycle.
type Incident struct {
	ID                string                 `json:"id"`
	Title             string                 `json:"title"`
	Description       string                 `json:"description"`
	Severity          Severity               `json:"severity"`
	Status            IncidentStatus         `json:"status"`
	StartedAt         time.Time              `json:"started_at"`
	DetectedAt        time.Time              `json:"detected_at"`
	ResolvedAt        *time.Time             `json:"resolved_at,omitempty"`
	Anomalies         []Anomaly              `json:"anomalies"`
	AffectedServices  []string               `json:"affected_services"`
	LogCount          int                    `json:"log_count"`
	ErrorCount        int                    `json:"error_count"`
	RootCause         string                 `json:"root_cause,omitempty"`
	Recommendations   []string               `json:"recommendations,omitempty"`
	SampleLogs        []LogRecord            `json:"sample_logs"`
	MetricsSnapshot   map[string]interface{} `json:"metrics_snapshot"`
	RCAAnalysis       *RCAAnalysis           `json:"rca_analysis,omitempty"`
}

// SetStatus transitions the incident's status. See DESIGN.md resolution #1:
// no automatic transition logic exists in this core; callers (e.g. a future
// operator endpoint) drive this explicitly.
func (i *Incident) SetStatus(status IncidentStatus) {
	i.Status = status
	if status == StatusResolved && i.ResolvedAt == nil {
		now := time.Now().UTC()
		i.ResolvedAt = &now
	}
}

// MonitoringStatus is the closed status set for MonitoringState (spec §3).
type MonitoringStatus string

const (
	MonitoringInitializing MonitoringStatus = "initializing"
	MonitoringHealthy      MonitoringStatus = "healthy"
	MonitoringDegraded     MonitoringStatus = "degraded"
	MonitoringError        MonitoringStatus = "error"
	MonitoringStopped      MonitoringStatus = "stopped"
)

// MonitoringState is the scheduler's externally-observable state. Counters
// are monotonically non-decreasing over a process lifetime (spec §3).
type MonitoringState struct {
	LastCheck        time.Time        `json:"last_check"`
	LogsProcessed    int64            `json:"logs_processed"`
	AnomaliesDetected int64           `json:"anomalies_detected"`
	IncidentsCreated int64            `json:"incidents_created"`
	Status           MonitoringStatus `json:"status"`
}

func containsErrorMarker(level, message string) bool {
	if indexExact(level, "ERROR") >= 0 {
		return true
	}
	return containsFold(message, "error")
}

func indexExact(s, substr string) int {
	n, m := len(s), len(substr)
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}

// containsFold reports whether substr occurs in s, case-insensitively,
// without allocating via strings.ToLower for the common ASCII case.
func containsFold(s, substr string) bool {
	return indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	n, m := len(s), len(substr)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if equalFold(s[i:i+m], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Package audit keeps a bounded, in-memory trail of the agent's own
// operations — monitor cycles, RCA calls, alert dispatches — so an
// operator can answer "what did the agent do and when" without grepping
// structured logs (spec §9 "Observability of the agent itself"). Adapted
// from the teacher's audit.Logger, which recorded MCP tool-call
// executions; the MCP-specific fields (tool name, resource CRUD
// operation, input hash) are replaced here with the agent's own
// vocabulary of components and operations, but the bounded ring buffer,
// trace-ID enrichment, and stats rollup are kept as the teacher built
// them.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/obs-ai/agent/internal/tracing"
)

// Entry is a single recorded operation.
type Entry struct {
	Timestamp  time.Time     `json:"timestamp"`
	TraceID    string        `json:"trace_id"`
	SpanID     string        `json:"span_id,omitempty"`
	Component  string        `json:"component"` // scheduler, rca, alerts, ...
	Operation  string        `json:"operation"` // run_cycle, analyze, dispatch, ...
	ResourceID string        `json:"resource_id,omitempty"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration_ns"`
	ErrorMsg   string        `json:"error_message,omitempty"`
}

// Logger is a bounded audit trail, mirrored to zap and readable by the
// control HTTP surface (GET /api/audit).
type Logger struct {
	enabled bool
	logger  *zap.Logger

	mu         sync.RWMutex
	entries    []Entry
	maxEntries int
}

// NewLogger creates an audit logger holding up to maxEntries recent
// entries in memory, oldest dropped first.
func NewLogger(logger *zap.Logger, enabled bool, maxEntries int) *Logger {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Logger{
		enabled:    enabled,
		logger:     logger.Named("audit"),
		entries:    make([]Entry, 0, maxEntries),
		maxEntries: maxEntries,
	}
}

// Record appends entry to the trail, enriching it with the trace ID
// carried on ctx (spec §9) if one is present and entry didn't already
// set one explicitly.
func (l *Logger) Record(ctx context.Context, entry Entry) {
	if !l.enabled {
		return
	}

	if entry.TraceID == "" {
		trace := tracing.FromContext(ctx)
		entry.TraceID = trace.TraceID
		entry.SpanID = trace.SpanID
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	fields := []zap.Field{
		zap.Time("timestamp", entry.Timestamp),
		zap.String("trace_id", entry.TraceID),
		zap.String("component", entry.Component),
		zap.String("operation", entry.Operation),
		zap.Bool("success", entry.Success),
		zap.Duration("duration", entry.Duration),
	}
	if entry.ResourceID != "" {
		fields = append(fields, zap.String("resource_id", entry.ResourceID))
	}
	if entry.ErrorMsg != "" {
		fields = append(fields, zap.String("error_message", entry.ErrorMsg))
	}
	l.logger.Info("audit", fields...)

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.maxEntries {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, entry)
}

// RecordOperation is a convenience wrapper around Record for the common
// case of auditing a single component operation with an optional error.
func (l *Logger) RecordOperation(ctx context.Context, component, operation, resourceID string, duration time.Duration, err error) {
	entry := Entry{
		Component:  component,
		Operation:  operation,
		ResourceID: resourceID,
		Success:    err == nil,
		Duration:   duration,
	}
	if err != nil {
		entry.ErrorMsg = err.Error()
	}
	l.Record(ctx, entry)
}

// RecentEntries returns up to limit of the most recent entries, newest
// first. limit<=0 returns the full buffer.
func (l *Logger) RecentEntries(limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	start := len(l.entries) - limit

	result := make([]Entry, limit)
	copy(result, l.entries[start:])
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}

// EntriesByTraceID returns all entries sharing traceID, oldest first —
// used to reconstruct everything a single monitoring cycle or control
// request did.
func (l *Logger) EntriesByTraceID(traceID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Entry
	for _, entry := range l.entries {
		if entry.TraceID == traceID {
			result = append(result, entry)
		}
	}
	return result
}

// Stats summarizes the current buffer.
type Stats struct {
	TotalEntries    int            `json:"total_entries"`
	SuccessRate     float64        `json:"success_rate_pct"`
	AverageDuration time.Duration  `json:"average_duration"`
	ComponentCounts map[string]int `json:"component_counts"`
	OperationCounts map[string]int `json:"operation_counts"`
}

// Stats computes a rollup over the current buffer.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{
		TotalEntries:    len(l.entries),
		ComponentCounts: make(map[string]int),
		OperationCounts: make(map[string]int),
	}

	var successCount int
	var totalDuration time.Duration
	for _, entry := range l.entries {
		stats.ComponentCounts[entry.Component]++
		stats.OperationCounts[entry.Operation]++
		if entry.Success {
			successCount++
		}
		totalDuration += entry.Duration
	}
	if len(l.entries) > 0 {
		stats.SuccessRate = float64(successCount) / float64(len(l.entries)) * 100
		stats.AverageDuration = totalDuration / time.Duration(len(l.entries))
	}
	return stats
}

// ToJSON renders stats as indented JSON, for quick inspection.
func (s Stats) ToJSON() string {
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}

// IsEnabled reports whether this logger records entries.
func (l *Logger) IsEnabled() bool {
	return l.enabled
}

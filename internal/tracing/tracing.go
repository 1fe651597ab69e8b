// Package tracing generates and propagates correlation IDs across a
// monitoring cycle and the control HTTP surface, so the RCA call, the
// alert dispatch, and every log line a single cycle or request produces
// can be tied back together by trace_id (spec §9 "Observability of the
// agent itself"). Adapted from the teacher's hand-rolled propagator;
// the teacher also carried a parallel OpenTelemetry SDK integration
// (otel.go) which is dropped here — no component in this agent exports
// spans to a collector, so the SDK dependency has nothing to serve.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"go.uber.org/zap"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey contextKey = "trace_id"
	// SpanIDKey is the context key for span ID
	SpanIDKey contextKey = "span_id"
	// ParentSpanIDKey is the context key for parent span ID
	ParentSpanIDKey contextKey = "parent_span_id"
)

// HTTP headers for trace propagation
const (
	// TraceIDHeader is the HTTP header for trace ID propagation
	TraceIDHeader = "X-Trace-ID"
	// SpanIDHeader is the HTTP header for span ID
	SpanIDHeader = "X-Span-ID"
	// ParentSpanIDHeader is the HTTP header for parent span ID
	ParentSpanIDHeader = "X-Parent-Span-ID"
	// RequestIDHeader is the standard request ID header
	RequestIDHeader = "X-Request-ID"
)

// TraceInfo contains all trace-related identifiers
type TraceInfo struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// idPool is a pool for reusing byte slices for ID generation
var idPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 16)
	},
}

// GenerateID generates a random 32-character hex ID (128 bits)
func GenerateID() string {
	b := idPool.Get().([]byte)
	defer idPool.Put(b)

	_, err := rand.Read(b)
	if err != nil {
		// Fallback to a simpler ID if crypto/rand fails (should never happen)
		return "00000000000000000000000000000000"
	}
	return hex.EncodeToString(b)
}

// GenerateShortID generates a random 16-character hex ID (64 bits) for span IDs
func GenerateShortID() string {
	b := make([]byte, 8)
	_, err := rand.Read(b)
	if err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}

// NewTraceInfo creates a new trace with generated IDs
func NewTraceInfo() *TraceInfo {
	return &TraceInfo{
		TraceID: GenerateID(),
		SpanID:  GenerateShortID(),
	}
}

// NewSpan creates a new span under the given trace
func (t *TraceInfo) NewSpan() *TraceInfo {
	return &TraceInfo{
		TraceID:      t.TraceID,
		SpanID:       GenerateShortID(),
		ParentSpanID: t.SpanID,
	}
}

// WithTraceInfo adds trace information to a context
func WithTraceInfo(ctx context.Context, info *TraceInfo) context.Context {
	ctx = context.WithValue(ctx, TraceIDKey, info.TraceID)
	ctx = context.WithValue(ctx, SpanIDKey, info.SpanID)
	if info.ParentSpanID != "" {
		ctx = context.WithValue(ctx, ParentSpanIDKey, info.ParentSpanID)
	}
	return ctx
}

// FromContext extracts trace information from a context
func FromContext(ctx context.Context) *TraceInfo {
	info := &TraceInfo{}

	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		info.TraceID = traceID
	}
	if spanID, ok := ctx.Value(SpanIDKey).(string); ok {
		info.SpanID = spanID
	}
	if parentSpanID, ok := ctx.Value(ParentSpanIDKey).(string); ok {
		info.ParentSpanID = parentSpanID
	}

	return info
}

// GetTraceID extracts the trace ID from context, or generates a new one if not present
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		return traceID
	}
	return GenerateID()
}

// GetSpanID extracts the span ID from context, or generates a new one if not present
func GetSpanID(ctx context.Context) string {
	if spanID, ok := ctx.Value(SpanIDKey).(string); ok && spanID != "" {
		return spanID
	}
	return GenerateShortID()
}

// EnsureTraceContext ensures the context has trace information, adding it if missing
func EnsureTraceContext(ctx context.Context) context.Context {
	existing := FromContext(ctx)
	if existing.TraceID == "" {
		return WithTraceInfo(ctx, NewTraceInfo())
	}
	return ctx
}

// Logger scopes base to this trace, tagging every line it produces with
// trace_id (and span_id, once spans are nested) so a monitoring cycle or
// control-surface request can be reassembled from structured logs by
// trace_id alone (spec §9 "Observability of the agent itself"). The
// scheduler and HTTP server both call this instead of building the same
// zap.String pair ad hoc at every call site.
func (t *TraceInfo) Logger(base *zap.Logger) *zap.Logger {
	fields := []zap.Field{zap.String("trace_id", t.TraceID)}
	if t.SpanID != "" {
		fields = append(fields, zap.String("span_id", t.SpanID))
	}
	return base.With(fields...)
}

// CtxLogger is Logger applied to whatever TraceInfo is already attached to
// ctx, falling back to an untagged logger if none was ever set.
func CtxLogger(ctx context.Context, base *zap.Logger) *zap.Logger {
	info := FromContext(ctx)
	if info.TraceID == "" {
		return base
	}
	return info.Logger(base)
}

// Headers returns the trace info as HTTP headers
func (t *TraceInfo) Headers() map[string]string {
	headers := map[string]string{
		TraceIDHeader:   t.TraceID,
		SpanIDHeader:    t.SpanID,
		RequestIDHeader: t.TraceID, // Also set as request ID for compatibility
	}
	if t.ParentSpanID != "" {
		headers[ParentSpanIDHeader] = t.ParentSpanID
	}
	return headers
}

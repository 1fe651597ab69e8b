// Package httpserver implements the control HTTP surface (spec §6):
// read-only introspection over monitoring state, incidents, the façade,
// and each detector, plus a handful of action endpoints (force a cycle,
// test alert sinks). Grounded on the teacher's internal/health/server.go
// http.ServeMux + structured-JSON-response pattern, generalized from a
// three-route health server to the full route set this domain needs;
// the teacher's /ready and /live k8s probe handlers are kept verbatim
// in idiom, now living on this single mux instead of a second server.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/obs-ai/agent/internal/alerts"
	"github.com/obs-ai/agent/internal/apperrors"
	"github.com/obs-ai/agent/internal/audit"
	"github.com/obs-ai/agent/internal/cache"
	"github.com/obs-ai/agent/internal/config"
	"github.com/obs-ai/agent/internal/facade"
	"github.com/obs-ai/agent/internal/health"
	"github.com/obs-ai/agent/internal/metrics"
	"github.com/obs-ai/agent/internal/model"
	"github.com/obs-ai/agent/internal/scheduler"
	"github.com/obs-ai/agent/internal/tracing"
)

const (
	appName        = "observeai-agent"
	appVersion     = "0.1.0"
	defaultLimit   = 10
	readTimeout    = 5 * time.Second
	writeTimeout   = 15 * time.Second
	idleTimeout    = 60 * time.Second
	headerTimeout  = 2 * time.Second
	requestTimeout = 10 * time.Second

	aggregateCacheSize = 64
	aggregateCacheTTL  = 10 * time.Second
)

// Server is the control HTTP surface. It never mutates monitoring state
// except via the two action endpoints (POST /api/analyze, POST
// /api/alerts/test), both of which delegate to the scheduler/alert
// manager's own synchronization rather than holding any lock here.
type Server struct {
	scheduler  *scheduler.Scheduler
	facade     facade.Facade
	alerts     *alerts.Manager
	metrics    *metrics.Metrics
	audit      *audit.Logger
	cfg        *config.Config
	checker    *health.Checker
	logger     *zap.Logger
	httpServer *http.Server
	ready      atomic.Bool

	// aggCache fronts GET /api/stats and /api/logs/aggregate: both can be
	// polled far more often than the log store needs a fresh answer, so
	// their results are cached briefly rather than re-queried every hit.
	// The monitoring cycle itself never reads through this cache.
	aggCache *cache.Cache
}

// New builds the control HTTP server bound to bindAddr:port. metricsEnabled
// gates whether /metrics is registered (spec §A.3 METRICS_ENDPOINT). auditLog
// may be nil, in which case GET /api/audit reports an empty trail.
func New(sched *scheduler.Scheduler, f facade.Facade, am *alerts.Manager, m *metrics.Metrics, auditLog *audit.Logger, cfg *config.Config, logger *zap.Logger, bindAddr string, port int, metricsEnabled bool) *Server {
	if auditLog == nil {
		auditLog = audit.NewLogger(logger, false, 1)
	}
	s := &Server{
		scheduler: sched,
		facade:    f,
		alerts:    am,
		checker:   health.New(f, sched.State, logger),
		metrics:   m,
		audit:     auditLog,
		cfg:       cfg,
		logger:    logger,
		aggCache:  cache.New(aggregateCacheSize, aggregateCacheTTL),
	}

	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/live", s.handleLive)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/incidents", s.handleIncidents)
	mux.HandleFunc("/api/incidents/", s.handleIncidentByID)
	mux.HandleFunc("/api/logs/search", s.handleLogsSearch)
	mux.HandleFunc("/api/logs/errors", s.handleLogsErrors)
	mux.HandleFunc("/api/logs/aggregate", s.handleLogsAggregate)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/analyze", s.handleAnalyze)
	mux.HandleFunc("/api/ml/baseline", s.handleBaseline)
	mux.HandleFunc("/api/ml/hourly-patterns", s.handleHourlyPatterns)
	mux.HandleFunc("/api/ml/check-anomaly", s.handleCheckAnomaly)
	mux.HandleFunc("/api/advanced/timeseries", s.handleAdvancedTimeseries)
	mux.HandleFunc("/api/advanced/patterns", s.handleAdvancedPatterns)
	mux.HandleFunc("/api/advanced/correlations", s.handleAdvancedCorrelations)
	mux.HandleFunc("/api/alerts/test", s.handleAlertsTest)
	mux.HandleFunc("/api/alerts/status", s.handleAlertsStatus)
	mux.HandleFunc("/api/alerts/history", s.handleAlertsHistory)
	mux.HandleFunc("/api/alerts/config", s.handleAlertsConfig)
	mux.HandleFunc("/api/webhook/alertmanager", s.handleAlertmanagerWebhook)
	mux.HandleFunc("/api/audit", s.handleAudit)

	if metricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", bindAddr, port),
		Handler:           withTracing(mux),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: headerTimeout,
	}
	return s
}

// withTracing attaches a trace ID to every request's context, reusing one
// supplied via the X-Trace-ID header (so an upstream proxy's trace
// survives into this agent's own logs) and generating one otherwise. The
// ID is echoed back on the response so a caller can correlate a request
// with whatever this agent subsequently logs for it.
func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := tracing.NewTraceInfo()
		if incoming := r.Header.Get(tracing.TraceIDHeader); incoming != "" {
			info.TraceID = incoming
		}
		w.Header().Set(tracing.TraceIDHeader, info.TraceID)
		next.ServeHTTP(w, r.WithContext(tracing.WithTraceInfo(r.Context(), info)))
	})
}

// Start runs the HTTP server until Shutdown is called or it fails.
func (s *Server) Start() error {
	s.logger.Info("starting control HTTP server", zap.String("addr", s.httpServer.Addr))
	s.ready.Store(true)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control http server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down control HTTP server")
	s.ready.Store(false)
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_ = err // response already committed; nothing more to do
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.Is(err, apperrors.KindTransport):
		status = http.StatusBadGateway
	case apperrors.Is(err, apperrors.KindDeadlineExceeded):
		status = http.StatusGatewayTimeout
	case apperrors.Is(err, apperrors.KindParse):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, method string) {
	http.Error(w, "method not allowed: "+method, http.StatusMethodNotAllowed)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryFloat(r *http.Request, key string, def float64) float64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":   appName,
		"version":   appVersion,
		"status":    "running",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	status, checks := s.checker.CheckAll(ctx)

	code := http.StatusOK
	if status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}

// handleReady is the k8s readiness probe (teacher's internal/health/
// server.go::readyHandler): 200 once Start has run, 503 before or after.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive is the k8s liveness probe: if this handler can respond, the
// process is alive, independent of façade or monitor health.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.State())
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	limit := queryInt(r, "limit", defaultLimit)
	writeJSON(w, http.StatusOK, s.scheduler.Incidents(limit))
}

func (s *Server) handleIncidentByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	id, sub, ok := splitIncidentPath(r.URL.Path)
	if !ok || id == "" {
		http.NotFound(w, r)
		return
	}
	inc, found := s.scheduler.Incident(id)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "incident not found"})
		return
	}
	if sub == "rca" {
		if inc.RCAAnalysis == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"has_rca": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"has_rca": true, "rca": inc.RCAAnalysis})
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// splitIncidentPath parses "/api/incidents/{id}" or "/api/incidents/{id}/rca".
func splitIncidentPath(path string) (id, sub string, ok bool) {
	const prefix = "/api/incidents/"
	if len(path) <= len(prefix) {
		return "", "", false
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], true
		}
	}
	return rest, "", true
}

func (s *Server) handleLogsSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	query := r.URL.Query().Get("query")
	level := r.URL.Query().Get("level")
	service := r.URL.Query().Get("service")
	limit := queryInt(r, "limit", 100)
	minutes := queryInt(r, "minutes", 5)

	since := facade.SinceFilter(time.Now().UTC().Add(-time.Duration(minutes) * time.Minute))
	logs, err := s.facade.Search(ctx, "", combineFilters(since, query, level, service), limit, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(logs),
		"logs":  logs,
		"filters": map[string]interface{}{
			"query": query, "level": level, "service": service, "limit": limit, "minutes": minutes,
		},
	})
}

func combineFilters(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += p
	}
	return out
}

func (s *Server) handleLogsErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	minutes := queryInt(r, "minutes", 5)
	limit := queryInt(r, "limit", 50)

	since := facade.SinceFilter(time.Now().UTC().Add(-time.Duration(minutes) * time.Minute))
	logs, err := s.facade.Search(ctx, "", combineFilters(since, "level:ERROR"), limit, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(logs),
		"time_range": fmt.Sprintf("last %d minutes", minutes),
		"errors":     logs,
	})
}

func (s *Server) handleLogsAggregate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	field := r.URL.Query().Get("field")
	if field == "" {
		field = "level"
	}
	size := queryInt(r, "size", 10)

	cacheKey := fmt.Sprintf("aggregate:%s:%d", field, size)
	buckets, cached := s.aggCache.Get(cacheKey)
	if !cached {
		result, err := s.facade.GroupBy(ctx, "", field, "", size)
		if err != nil {
			writeError(w, err)
			return
		}
		s.aggCache.Set(cacheKey, result)
		buckets = result
	}
	result := buckets.(map[string]int)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"field":         field,
		"aggregation":   result,
		"total_buckets": len(result),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	state := s.scheduler.State()

	const statsCacheKey = "stats:logs"
	logStats, cached := s.aggCache.Get(statsCacheKey)
	if !cached {
		totalLogs, err := s.facade.Count(ctx, "", "")
		if err != nil {
			writeError(w, err)
			return
		}
		last24h := facade.SinceFilter(time.Now().UTC().Add(-24 * time.Hour))
		errorCount, err := s.facade.Count(ctx, "", combineFilters(last24h, "level:ERROR"))
		if err != nil {
			writeError(w, err)
			return
		}
		byLevel, err := s.facade.GroupBy(ctx, "", "level", "", 10)
		if err != nil {
			writeError(w, err)
			return
		}
		logStats = map[string]interface{}{
			"total_count":     totalLogs,
			"error_count_24h": errorCount,
			"by_level":        byLevel,
		}
		s.aggCache.Set(statsCacheKey, logStats)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"monitoring": map[string]interface{}{
			"status":             state.Status,
			"logs_processed":     state.LogsProcessed,
			"anomalies_detected": state.AnomaliesDetected,
			"incidents_created":  state.IncidentsCreated,
			"last_check":         state.LastCheck,
		},
		"logs":        logStats,
		"operational": s.metrics.GetStats(),
		"timestamp":   time.Now().UTC(),
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r.Method)
		return
	}
	go s.scheduler.RunOnce(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "analysis_triggered",
		"message": "log analysis started in background",
	})
}

func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Baseline().GetSummary(time.Now().UTC()))
}

func (s *Server) handleHourlyPatterns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	patterns := s.scheduler.Baseline().HourlyPatterns()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns":     patterns,
		"hours_learned": len(patterns),
		"current_hour": time.Now().UTC().Hour(),
	})
}

func (s *Server) handleCheckAnomaly(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r.Method)
		return
	}
	errorRate := queryFloat(r, "error_rate", 0)
	logVolume := queryFloat(r, "log_volume", 0)

	now := time.Now().UTC()
	isAnomalous, evidence := s.scheduler.CheckAnomaly(errorRate, logVolume, now)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"is_anomalous": isAnomalous,
		"details":      evidence,
		"confidence":   s.scheduler.Baseline().Confidence(),
	})
}

func (s *Server) handleAdvancedTimeseries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.AdvancedTimeseries())
}

func (s *Server) handleAdvancedPatterns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	anomalies := s.scheduler.AdvancedPatterns(time.Now().UTC())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns_detected": len(anomalies),
		"patterns":          anomalies,
	})
}

func (s *Server) handleAdvancedCorrelations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	anomalies, logsAnalyzed, err := s.scheduler.AdvancedCorrelations(ctx, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"correlations_found": len(anomalies),
		"logs_analyzed":      logsAnalyzed,
		"correlations":       anomalies,
	})
}

func (s *Server) handleAlertsTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r.Method)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	inc := cannedTestIncident()
	s.alerts.Dispatch(ctx, inc)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "test_alert_dispatched",
		"incident_id": inc.ID,
	})
}

func cannedTestIncident() *model.Incident {
	now := time.Now().UTC()
	return &model.Incident{
		ID:          "TEST-ALERT",
		Title:       "Test Incident: alert sink verification",
		Description: "Synthesized incident for exercising configured alert sinks.",
		Severity:    model.SeverityHigh,
		Status:      model.StatusOpen,
		StartedAt:   now,
		DetectedAt:  now,
		Anomalies: []model.Anomaly{{
			Kind:        model.KindErrorSpike,
			Severity:    model.SeverityHigh,
			Score:       0.75,
			Description: "Synthetic anomaly for alert sink testing",
			DetectedAt:  now,
		}},
		AffectedServices: []string{"test-service"},
	}
}

func (s *Server) handleAlertsStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	writeJSON(w, http.StatusOK, s.alerts.Stats())
}

func (s *Server) handleAlertsHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	limit := queryInt(r, "limit", 0)
	writeJSON(w, http.StatusOK, s.alerts.History(limit))
}

func (s *Server) handleAlertsConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	stats := s.alerts.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alert_severities": s.cfg.AlertSeverities,
		"slack_enabled":    stats.SlackEnabled,
		"webhook_enabled":  stats.WebhookEnabled,
	})
}

// handleAudit exposes the agent's own operation trail (spec §9): recent
// monitor cycles, RCA calls, and alert dispatches, plus a rollup by
// component/operation.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r.Method)
		return
	}
	limit := queryInt(r, "limit", defaultLimit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": s.audit.RecentEntries(limit),
		"stats":   s.audit.Stats(),
	})
}

func (s *Server) handleAlertmanagerWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r.Method)
		return
	}
	var payload map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&payload)
	tracing.CtxLogger(r.Context(), s.logger).Info("alert received from alertmanager webhook")
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

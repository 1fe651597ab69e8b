// Package agent is the composition root (spec §9 redesign note: replace
// the original's module-level globals with one explicitly-owned
// aggregate). Grounded on the teacher's internal/server.Server: one
// struct built once by New, owning every dependency by reference, with
// a Start(ctx) that runs the long-lived work and a deferred shutdown
// sequence.
package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/obs-ai/agent/internal/alerts"
	"github.com/obs-ai/agent/internal/audit"
	"github.com/obs-ai/agent/internal/baseline"
	"github.com/obs-ai/agent/internal/config"
	"github.com/obs-ai/agent/internal/facade"
	"github.com/obs-ai/agent/internal/httpserver"
	"github.com/obs-ai/agent/internal/metrics"
	"github.com/obs-ai/agent/internal/rca"
	"github.com/obs-ai/agent/internal/scheduler"
)

const auditHistoryCap = 1000

const shutdownGrace = 5 * time.Second

// Agent is the single-writer owner of every long-lived subsystem: the
// log-store façade, the learned baseline, the monitor scheduler (which
// in turn owns the rule and time-series detectors), the alert
// dispatcher, the optional RCA client, metrics, and the control HTTP
// server. No package in this module keeps its own package-level
// singleton; everything is reached by reference from here.
type Agent struct {
	cfg        *config.Config
	logger     *zap.Logger
	facade     facade.Facade
	baseline   *baseline.Store
	scheduler  *scheduler.Scheduler
	alerts     *alerts.Manager
	rcaClient  *rca.Client
	metrics    *metrics.Metrics
	audit      *audit.Logger
	httpServer *httpserver.Server
}

// New builds every dependency in sequence, mirroring the teacher's
// internal/server.New: façade first, then the components that depend on
// it, then the scheduler that ties them together, then the optional
// control HTTP server.
func New(cfg *config.Config, logger *zap.Logger) (*Agent, error) {
	f := facade.New(cfg.LogStoreURL, cfg.LogStoreTimeout, 0, 0, logger)

	baselineStore := baseline.New(cfg.BaselineStatePath, logger)
	baselineStore.Load()

	alertManager := alerts.New(cfg.SlackWebhookURL, cfg.GenericWebhookURL, cfg, logger)
	metricsTracker := metrics.New(logger)
	auditLog := audit.NewLogger(logger, true, auditHistoryCap)

	if !cfg.RCAEnabled() {
		logger.Info("RCA client running in no-op mode: no Anthropic API key configured")
	}
	rcaClient := rca.New("", cfg.AnthropicAPIKey, cfg.RCATimeout, logger)

	sched := scheduler.NewWithAuditor(f, baselineStore, rcaClient, alertManager, metricsTracker, auditLog, logger, scheduler.Config{
		CheckInterval:       cfg.LogCheckInterval,
		BaselineSensitivity: cfg.BaselineSensitivity,
		IncidentHistoryCap:  cfg.IncidentHistoryCap,
	})

	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		facade:    f,
		baseline:  baselineStore,
		scheduler: sched,
		alerts:    alertManager,
		rcaClient: rcaClient,
		metrics:   metricsTracker,
		audit:     auditLog,
	}

	if cfg.HealthPort > 0 {
		a.httpServer = httpserver.New(sched, f, alertManager, metricsTracker, auditLog, cfg, logger,
			cfg.HealthBindAddr, cfg.HealthPort, cfg.MetricsEndpoint)
	}

	return a, nil
}

// Start runs the scheduler loop and control HTTP server until ctx is
// cancelled, then runs the shutdown sequence: persist the learned
// baseline, log final metrics, and stop the HTTP server.
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("starting monitoring agent",
		zap.Duration("check_interval", a.cfg.LogCheckInterval),
		zap.Bool("rca_enabled", a.cfg.RCAEnabled()),
		zap.Int("health_port", a.cfg.HealthPort))

	if a.httpServer != nil {
		go func() {
			if err := a.httpServer.Start(); err != nil {
				a.logger.Error("control http server error", zap.Error(err))
			}
		}()
	}

	defer a.shutdown()

	a.scheduler.Run(ctx)
	return nil
}

func (a *Agent) shutdown() {
	a.logger.Info("shutting down monitoring agent")

	a.metrics.LogStats()

	if err := a.baseline.Save(); err != nil {
		a.logger.Error("failed to persist baseline state", zap.Error(err))
	}

	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("failed to shut down control http server", zap.Error(err))
		}
	}
}

// Metrics exposes the agent's metrics tracker, e.g. for a caller that
// wants to log stats outside the normal shutdown path.
func (a *Agent) Metrics() *metrics.Metrics {
	return a.metrics
}

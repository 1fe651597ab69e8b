// Package main implements the autonomous log-observability agent: a
// periodic monitoring loop that samples a log-store façade, runs a
// rule-based/time-series/correlation/adaptive-baseline detector stack,
// synthesizes incidents, requests root-cause analysis, and fans alerts
// out to configured sinks, all exposed through a control HTTP surface.
//
// Configuration is provided through environment variables; see
// internal/config for the full list. At minimum:
//   - LOG_STORE_URL: the log-store façade's base URL (required)
//   - ENVIRONMENT: set to "production" for production logging
//
// Example usage:
//
//	export LOG_STORE_URL="https://logs.internal.example.com"
//	./observeai-agent
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/obs-ai/agent/internal/agent"
	"github.com/obs-ai/agent/internal/config"
)

// Build information - set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
	builtBy = "manual"
)

func main() {
	_ = godotenv.Load()

	logger, err := initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("starting observability agent",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("built_by", builtBy),
		zap.String("log_store_url", cfg.LogStoreURL),
		zap.Duration("check_interval", cfg.LogCheckInterval),
		zap.Any("redacted_config", cfg.Redact()))

	mon, err := agent.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build agent", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	agentDone := make(chan error, 1)
	go func() {
		agentDone <- mon.Start(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-agentDone:
		if err != nil {
			logger.Error("agent exited with error", zap.Error(err))
		}
		cancel()
		return
	}

	logger.Info("initiating graceful shutdown", zap.Duration("timeout", cfg.ShutdownTimeout))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	select {
	case <-agentDone:
		logger.Info("agent shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, forcing exit", zap.Duration("timeout", cfg.ShutdownTimeout))
	}

	time.Sleep(100 * time.Millisecond)
}

// initLogger returns a production zap logger when ENVIRONMENT=production,
// otherwise a development logger with more verbose output.
func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENVIRONMENT")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

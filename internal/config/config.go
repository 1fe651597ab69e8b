// Package config provides configuration management for the observability
// agent: defaults, optional JSON file overrides, and environment variable
// overrides, in that precedence order (spec §6 "Configuration").
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the agent.
type Config struct {
	// Log-store façade
	LogStoreURL     string        `json:"log_store_url"`
	LogStoreTimeout time.Duration `json:"log_store_timeout"`

	// Scheduler
	LogCheckInterval   time.Duration `json:"log_check_interval"`
	IncidentHistoryCap int           `json:"incident_history_cap"`

	// Adaptive baseline
	BaselineStatePath   string  `json:"baseline_state_path"`
	BaselineSensitivity float64 `json:"baseline_sensitivity"`

	// Alert fan-out
	SlackWebhookURL   string        `json:"slack_webhook_url,omitempty"`
	GenericWebhookURL string        `json:"generic_webhook_url,omitempty"`
	AlertSeverities   []string      `json:"alert_severities"`
	AlertTimeout      time.Duration `json:"alert_timeout"`

	// RCA client
	AnthropicAPIKey string        `json:"anthropic_api_key,omitempty"` // from ANTHROPIC_API_KEY or CONFIG_FILE; masked by Redact
	RCATimeout      time.Duration `json:"rca_timeout"`

	// Health & control-surface HTTP server
	HealthPort      int           `json:"health_port"`
	HealthBindAddr  string        `json:"health_bind_addr"`
	MetricsEndpoint bool          `json:"metrics_endpoint"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	// Logging
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	Environment string `json:"environment"`
}

// Load builds a Config from defaults, an optional CONFIG_FILE, then
// environment variable overrides (highest precedence), mirroring the
// teacher's layered Load().
func Load() (*Config, error) {
	cfg := &Config{
		LogStoreTimeout: 30 * time.Second,

		LogCheckInterval:   30 * time.Second,
		IncidentHistoryCap: 200,

		BaselineStatePath:   "./data/baseline.json",
		BaselineSensitivity: 2.0,

		AlertSeverities: []string{"high", "critical"},
		AlertTimeout:    10 * time.Second,

		RCATimeout: 20 * time.Second,

		HealthPort:      8080,
		HealthBindAddr:  "127.0.0.1",
		MetricsEndpoint: true,
		ShutdownTimeout: 10 * time.Second,

		LogLevel:    "info",
		LogFormat:   "json",
		Environment: "development",
	}

	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("invalid file path: path traversal detected")
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 -- path is validated above
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return json.Unmarshal(data, cfg)
}

func loadFromEnv(cfg *Config) {
	loadStringEnvs(cfg)
	loadDurationEnvs(cfg)
	loadIntEnvs(cfg)
	loadFloatEnvs(cfg)
	loadBoolEnvs(cfg)
	loadListEnvs(cfg)
}

func loadStringEnvs(cfg *Config) {
	set := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set("LOG_STORE_URL", &cfg.LogStoreURL)
	set("BASELINE_STATE_PATH", &cfg.BaselineStatePath)
	set("SLACK_WEBHOOK_URL", &cfg.SlackWebhookURL)
	set("GENERIC_WEBHOOK_URL", &cfg.GenericWebhookURL)
	set("ANTHROPIC_API_KEY", &cfg.AnthropicAPIKey)
	set("HEALTH_BIND_ADDR", &cfg.HealthBindAddr)
	set("LOG_LEVEL", &cfg.LogLevel)
	set("LOG_FORMAT", &cfg.LogFormat)
	set("ENVIRONMENT", &cfg.Environment)
}

func loadDurationEnvs(cfg *Config) {
	set := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	set("LOG_STORE_TIMEOUT", &cfg.LogStoreTimeout)
	set("LOG_CHECK_INTERVAL", &cfg.LogCheckInterval)
	set("ALERT_TIMEOUT", &cfg.AlertTimeout)
	set("RCA_TIMEOUT", &cfg.RCATimeout)
	set("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
}

func loadIntEnvs(cfg *Config) {
	set := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	set("INCIDENT_HISTORY_CAP", &cfg.IncidentHistoryCap)
	set("HEALTH_PORT", &cfg.HealthPort)
}

func loadFloatEnvs(cfg *Config) {
	if v := os.Getenv("BASELINE_SENSITIVITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.BaselineSensitivity = f
		}
	}
}

func loadBoolEnvs(cfg *Config) {
	if v := os.Getenv("METRICS_ENDPOINT"); v != "" {
		cfg.MetricsEndpoint = v == "true" || v == "1"
	}
}

func loadListEnvs(cfg *Config) {
	if v := os.Getenv("ALERT_SEVERITIES"); v != "" {
		parts := strings.Split(v, ",")
		severities := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				severities = append(severities, p)
			}
		}
		if len(severities) > 0 {
			cfg.AlertSeverities = severities
		}
	}
}

// Validate checks that the configuration is usable, matching spec §6
// "Environment/exit": fatal on startup if the log-store URL is missing or
// any duration is non-positive.
func (c *Config) Validate() error {
	if c.LogStoreURL == "" {
		return errors.New("LOG_STORE_URL is required")
	}
	if c.LogStoreTimeout <= 0 {
		return errors.New("log_store_timeout must be positive")
	}
	if c.LogCheckInterval <= 0 {
		return errors.New("log_check_interval must be positive")
	}
	if c.BaselineSensitivity <= 0 {
		return errors.New("baseline_sensitivity must be positive")
	}
	if c.AlertTimeout <= 0 {
		return errors.New("alert_timeout must be positive")
	}
	if c.RCATimeout <= 0 {
		return errors.New("rca_timeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	return nil
}

// Redact returns a copy of the config with sensitive data masked, safe for
// logging at startup.
func (c *Config) Redact() *Config {
	redacted := *c
	redacted.AnthropicAPIKey = MaskSecret(redacted.AnthropicAPIKey)
	return &redacted
}

// MaskSecret returns a masked version of a secret value for safe logging:
// first 4 and last 4 characters, fully masked when too short to do so
// safely.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// RCAEnabled reports whether an LLM API key has been configured. Absence
// is not an error — it downgrades RCA to a no-op per spec §7
// ConfigurationMissing policy.
func (c *Config) RCAEnabled() bool {
	return c.AnthropicAPIKey != ""
}

// AlertSeverityEnabled reports whether the given severity is in the
// configured alert allow-list.
func (c *Config) AlertSeverityEnabled(severity string) bool {
	for _, s := range c.AlertSeverities {
		if strings.EqualFold(s, severity) {
			return true
		}
	}
	return false
}

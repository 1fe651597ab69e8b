package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name: "valid configuration",
			envVars: map[string]string{
				"LOG_STORE_URL":     "https://[your-instance-id].api.us-south.logs.cloud.ibm.com",
				"ANTHROPIC_API_KEY": "test-api-key", // pragma: allowlist secret
			},
			wantErr: false,
		},
		{
			name: "missing log store URL",
			envVars: map[string]string{
				"ANTHROPIC_API_KEY": "test-api-key", // pragma: allowlist secret
			},
			wantErr: true,
		},
		{
			// The API key is optional: without it RCA runs as a no-op.
			name: "missing API key",
			envVars: map[string]string{
				"LOG_STORE_URL": "https://[your-instance-id].api.us-south.logs.cloud.ibm.com",
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear environment
			os.Clearenv()

			// Set test environment variables
			for k, v := range tt.envVars {
				_ = os.Setenv(k, v)
			}

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}

			err = cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	os.Clearenv()
	_ = os.Setenv("LOG_STORE_URL", "https://[your-instance-id].api.us-south.logs.cloud.ibm.com")
	_ = os.Setenv("ANTHROPIC_API_KEY", "test-key") // pragma: allowlist secret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.LogStoreTimeout != 30*time.Second {
		t.Errorf("Expected default log_store_timeout 30s, got %v", cfg.LogStoreTimeout)
	}

	if cfg.IncidentHistoryCap != 200 {
		t.Errorf("Expected default incident_history_cap 200, got %d", cfg.IncidentHistoryCap)
	}

	if cfg.BaselineSensitivity != 2.0 {
		t.Errorf("Expected default baseline_sensitivity 2.0, got %v", cfg.BaselineSensitivity)
	}

	if !cfg.MetricsEndpoint {
		t.Error("Expected MetricsEndpoint to be true by default")
	}

	if cfg.LogCheckInterval != 30*time.Second {
		t.Errorf("Expected default log_check_interval 30s, got %v", cfg.LogCheckInterval)
	}
}

func TestConfigRedact(t *testing.T) {
	cfg := &Config{
		LogStoreURL:     "https://[your-instance-id].api.us-south.logs.cloud.ibm.com",
		AnthropicAPIKey: "secret-key-12345", // pragma: allowlist secret
	}

	redacted := cfg.Redact()

	if redacted.AnthropicAPIKey == cfg.AnthropicAPIKey { // pragma: allowlist secret
		t.Error("API key should be redacted")
	}

	// For keys longer than 8 chars, we show first 4 and last 4 characters
	expectedMasked := "secr...2345"                 // pragma: allowlist secret
	if redacted.AnthropicAPIKey != expectedMasked { // pragma: allowlist secret
		t.Errorf("Expected %s, got %s", expectedMasked, redacted.AnthropicAPIKey)
	}

	if redacted.LogStoreURL != cfg.LogStoreURL {
		t.Error("LogStoreURL should not be changed")
	}
}

func TestConfigRedactShortKey(t *testing.T) {
	cfg := &Config{
		LogStoreURL:     "https://[your-instance-id].api.us-south.logs.cloud.ibm.com",
		AnthropicAPIKey: "short", // pragma: allowlist secret
	}

	redacted := cfg.Redact()

	// Short keys should be fully redacted
	if redacted.AnthropicAPIKey != "***" {
		t.Errorf("Expected ***, got %s", redacted.AnthropicAPIKey)
	}
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"short", "***"},
		{"exactly8", "***"},
		{"secret-key-12345", "secr...2345"}, // pragma: allowlist secret
		{"abcdefghijklmnopqrstuvwxyz", "abcd...wxyz"},
	}

	for _, tt := range tests {
		result := MaskSecret(tt.input)
		if result != tt.expected {
			t.Errorf("MaskSecret(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: Config{
				LogStoreURL:         "https://[your-instance-id].api.us-south.logs.cloud.ibm.com",
				AnthropicAPIKey:     "test-key", // pragma: allowlist secret
				LogStoreTimeout:     30 * time.Second,
				LogCheckInterval:    30 * time.Second,
				BaselineSensitivity: 2.0,
				AlertTimeout:        10 * time.Second,
				RCATimeout:          20 * time.Second,
				ShutdownTimeout:     10 * time.Second,
				LogLevel:            "info",
			},
			wantErr: false,
		},
		{
			name: "invalid timeout",
			config: Config{
				LogStoreURL:     "https://[your-instance-id].api.us-south.logs.cloud.ibm.com",
				AnthropicAPIKey: "test-key", // pragma: allowlist secret
				LogStoreTimeout: 0,
			},
			wantErr: true,
			errMsg:  "timeout must be positive",
		},
		{
			name: "invalid log level",
			config: Config{
				LogStoreURL:         "https://[your-instance-id].api.us-south.logs.cloud.ibm.com",
				AnthropicAPIKey:     "test-key", // pragma: allowlist secret
				LogStoreTimeout:     30 * time.Second,
				LogCheckInterval:    30 * time.Second,
				BaselineSensitivity: 2.0,
				AlertTimeout:        10 * time.Second,
				RCATimeout:          20 * time.Second,
				ShutdownTimeout:     10 * time.Second,
				LogLevel:            "invalid",
			},
			wantErr: true,
			errMsg:  "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

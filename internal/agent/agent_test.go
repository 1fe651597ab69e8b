package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/obs-ai/agent/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		LogStoreURL:         "http://127.0.0.1:0",
		LogStoreTimeout:     time.Second,
		LogCheckInterval:    time.Millisecond,
		IncidentHistoryCap:  10,
		BaselineStatePath:   "",
		BaselineSensitivity: 2.0,
		AlertSeverities:     []string{"high", "critical"},
		RCATimeout:          time.Second,
	}
}

func TestNewBuildsAgentWithoutHTTPServerWhenHealthPortIsZero(t *testing.T) {
	cfg := testConfig()
	cfg.HealthPort = 0

	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, a.httpServer)
}

func TestNewBuildsHTTPServerWhenHealthPortConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.HealthPort = 18080
	cfg.HealthBindAddr = "127.0.0.1"

	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, a.httpServer)
}

func TestStartStopsCleanlyOnContextCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.HealthPort = 0

	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}

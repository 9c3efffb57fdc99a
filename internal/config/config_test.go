package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmbeddedDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Dispatcher.MaxRetries)
	assert.Equal(t, 3, cfg.Dispatcher.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Control.CacheTTL)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.PollInterval)
	require.Len(t, cfg.Relays, 1)
	assert.Equal(t, "relay-main", cfg.Relays[0].Name)
	assert.True(t, cfg.Relays[0].Enabled)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CAMPAIGN_HTTP_ADDR", ":9090")
	t.Setenv("CAMPAIGN_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, TransportWebSocket, cfg.Transport)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.False(t, cfg.DispatchAll)
	assert.True(t, cfg.IdentityCache)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, 100, cfg.PendingThreshold)
	assert.Empty(t, cfg.AllowedEvents)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("NATIVEBRIDGE_TRANSPORT", "rabbitmq")
	t.Setenv("NATIVEBRIDGE_AMQP_URL", "amqp://user:pw@broker:5672/")
	t.Setenv("NATIVEBRIDGE_REQUEST_TIMEOUT", "5s")
	t.Setenv("NATIVEBRIDGE_DISPATCH_ALL_ENTRIES", "true")
	t.Setenv("NATIVEBRIDGE_IDENTITY_CACHE", "false")
	t.Setenv("NATIVEBRIDGE_METRICS_ADDR", ":9100")
	t.Setenv("NATIVEBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("NATIVEBRIDGE_ALLOWED_EVENTS", "ns-ntApi,ns-NodeStoreApi")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, TransportRabbitMQ, cfg.Transport)
	assert.Equal(t, "amqp://user:pw@broker:5672/", cfg.AMQPURL)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.DispatchAll)
	assert.False(t, cfg.IdentityCache)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, []string{"ns-ntApi", "ns-NodeStoreApi"}, cfg.AllowedEvents)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadLeavesValidationToCaller(t *testing.T) {
	t.Setenv("NATIVEBRIDGE_TRANSPORT", "bogus")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "bogus", cfg.Transport)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Error(t, cfg.Validate())

	cfg.Transport = TransportMemory
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("NATIVEBRIDGE_REQUEST_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestValidate(t *testing.T) {
	valid := Config{Transport: TransportMemory, LogLevel: "info"}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"memory needs nothing", func(c *Config) {}, ""},
		{"unknown transport", func(c *Config) { c.Transport = "carrier-pigeon" }, "unknown transport"},
		{"rabbitmq without url", func(c *Config) { c.Transport = TransportRabbitMQ }, "requires an AMQP URL"},
		{"websocket without url", func(c *Config) { c.Transport = TransportWebSocket }, "requires a websocket URL"},
		{"negative timeout", func(c *Config) { c.RequestTimeout = -time.Second }, "must not be negative"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

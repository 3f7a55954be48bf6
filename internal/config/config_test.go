package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, ":3002", cfg.Addr)
	assert.Equal(t, ClusterNone, cfg.ClusterTransport)
	assert.Equal(t, 10, cfg.BatchMaxSize)
	assert.Equal(t, 50*time.Millisecond, cfg.BatchMaxDelay)
	assert.True(t, cfg.AuthAllowLegacy)
	assert.Equal(t, []string{"localhost:19092"}, cfg.KafkaBrokers)
}

func TestParseFromEnvironment(t *testing.T) {
	t.Setenv("CLUSTER_TRANSPORT", "NATS")
	t.Setenv("BATCH_MAX_SIZE", "3")
	t.Setenv("IDLE_TIMEOUT", "2m")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, ClusterNATS, cfg.ClusterTransport)
	assert.Equal(t, 3, cfg.BatchMaxSize)
	assert.Equal(t, 2*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Parse()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"empty addr", func(c *Config) { c.Addr = "" }, "WS_ADDR"},
		{"default secret in production", func(c *Config) { c.Environment = "production" }, "AUTH_SECRET"},
		{"cpu out of range", func(c *Config) { c.CPURejectThreshold = 120 }, "WS_CPU_REJECT_THRESHOLD"},
		{"zero batch size", func(c *Config) { c.BatchMaxSize = 0 }, "BATCH_MAX_SIZE"},
		{"max delay below base", func(c *Config) { c.ReconnectMaxDelay = time.Millisecond }, "RECONNECT_MAX_DELAY"},
		{"unknown transport", func(c *Config) { c.ClusterTransport = "carrier-pigeon" }, "CLUSTER_TRANSPORT"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
		{"idle timeout below sweep", func(c *Config) { c.IdleTimeout = time.Second }, "IDLE_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
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

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// DefaultAuthSecret is only acceptable outside production.
const DefaultAuthSecret = "roomcast-dev-secret"

// Cluster transport choices
const (
	ClusterNone  = "none"
	ClusterNATS  = "nats"
	ClusterRedis = "redis"
	ClusterKafka = "kafka"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"WS_ADDR" envDefault:":3002"`
	InstanceID  string `env:"INSTANCE_ID"` // generated when empty
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Authentication
	AuthSecret       string        `env:"AUTH_SECRET" envDefault:"roomcast-dev-secret"`
	AuthAllowLegacy  bool          `env:"AUTH_ALLOW_LEGACY" envDefault:"true"`       // accept unsigned register {userId}
	AuthFailureGrace time.Duration `env:"AUTH_FAILURE_GRACE" envDefault:"250ms"`     // delay before evicting after auth failure
	AuthTokenTTL     time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"24h"`           // lifetime of minted tokens
	IdleSweep        time.Duration `env:"IDLE_SWEEP_INTERVAL" envDefault:"1m"`       // how often stale sessions are swept
	IdleTimeout      time.Duration `env:"IDLE_TIMEOUT" envDefault:"30m"`             // inactivity before eviction
	ThrottleDelay    time.Duration `env:"THROTTLE_DISCONNECT_DELAY" envDefault:"1s"` // throttled conns are closed after this

	// Batching
	BatchEnabled  bool          `env:"BATCH_ENABLED" envDefault:"true"`
	BatchMaxSize  int           `env:"BATCH_MAX_SIZE" envDefault:"10"`
	BatchMaxDelay time.Duration `env:"BATCH_MAX_DELAY" envDefault:"50ms"`
	BatchMaxBytes int           `env:"BATCH_MAX_BYTES" envDefault:"65536"`

	// Admission control
	//
	// Thresholds are percentages of the whole machine. CPU is normalized across
	// all cores, so 75 means three quarters of total capacity.
	MaxConnections        int     `env:"WS_MAX_CONNECTIONS" envDefault:"5000"`
	CPURejectThreshold    float64 `env:"WS_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	MemoryRejectThreshold float64 `env:"WS_MEMORY_REJECT_THRESHOLD" envDefault:"90.0"`
	MaxGoroutines         int     `env:"WS_MAX_GOROUTINES" envDefault:"50000"`

	// Handshake rate limits
	IPConnRate      float64 `env:"WS_IP_CONN_RATE" envDefault:"1.0"`      // handshakes per second per IP
	IPConnBurst     int     `env:"WS_IP_CONN_BURST" envDefault:"10"`      // per-IP bucket size
	GlobalConnRate  float64 `env:"WS_GLOBAL_CONN_RATE" envDefault:"50.0"` // handshakes per second overall
	GlobalConnBurst int     `env:"WS_GLOBAL_CONN_BURST" envDefault:"300"` // global bucket size

	// Per-connection inbound limits
	MessageRate      float64 `env:"WS_MESSAGE_RATE" envDefault:"20"`  // events per second
	MessageBurst     int     `env:"WS_MESSAGE_BURST" envDefault:"40"` // bucket size
	MaxMessageLength int     `env:"MAX_MESSAGE_LENGTH" envDefault:"4096"`
	HistorySize      int     `env:"HISTORY_SIZE" envDefault:"50"`

	// Reconnection backoff reported to clients
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectFactor      float64       `env:"RECONNECT_FACTOR" envDefault:"2"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"10"`

	// Cluster
	ClusterTransport string        `env:"CLUSTER_TRANSPORT" envDefault:"none"`
	ClusterPrefix    string        `env:"CLUSTER_PREFIX" envDefault:"roomcast"`
	ClusterHeartbeat time.Duration `env:"CLUSTER_HEARTBEAT" envDefault:"5s"`
	NATSURL          string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	RedisAddr        string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	KafkaBrokers     []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
	LogRingSize int    `env:"LOG_RING_SIZE" envDefault:"500"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// Load .env file (optional - OK if it doesn't exist)
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg, err := Parse()
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Parse reads the process environment only, applying defaults and validation.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ClusterTransport = strings.ToLower(cfg.ClusterTransport)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	// Required fields (no sensible defaults)
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required")
	}
	if c.Environment == "production" && c.AuthSecret == DefaultAuthSecret {
		return fmt.Errorf("AUTH_SECRET must be set explicitly in production")
	}

	// Range checks
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("WS_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.MemoryRejectThreshold < 0 || c.MemoryRejectThreshold > 100 {
		return fmt.Errorf("WS_MEMORY_REJECT_THRESHOLD must be 0-100, got %.1f", c.MemoryRejectThreshold)
	}
	if c.MaxGoroutines < 1 {
		return fmt.Errorf("WS_MAX_GOROUTINES must be > 0, got %d", c.MaxGoroutines)
	}
	if c.IPConnRate <= 0 || c.IPConnBurst < 1 || c.GlobalConnRate <= 0 || c.GlobalConnBurst < 1 {
		return fmt.Errorf("WS_IP_CONN_* and WS_GLOBAL_CONN_* must be > 0")
	}
	if c.BatchMaxSize < 1 {
		return fmt.Errorf("BATCH_MAX_SIZE must be > 0, got %d", c.BatchMaxSize)
	}
	if c.BatchMaxDelay <= 0 {
		return fmt.Errorf("BATCH_MAX_DELAY must be > 0, got %s", c.BatchMaxDelay)
	}
	if c.BatchMaxBytes < 1 {
		return fmt.Errorf("BATCH_MAX_BYTES must be > 0, got %d", c.BatchMaxBytes)
	}
	if c.IdleSweep <= 0 || c.IdleTimeout <= 0 {
		return fmt.Errorf("IDLE_SWEEP_INTERVAL and IDLE_TIMEOUT must be > 0")
	}
	if c.MessageRate <= 0 || c.MessageBurst < 1 {
		return fmt.Errorf("WS_MESSAGE_RATE and WS_MESSAGE_BURST must be > 0")
	}
	if c.MaxMessageLength < 1 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be > 0, got %d", c.MaxMessageLength)
	}
	if c.HistorySize < 0 {
		return fmt.Errorf("HISTORY_SIZE must be >= 0, got %d", c.HistorySize)
	}
	if c.ReconnectFactor < 1 {
		return fmt.Errorf("RECONNECT_FACTOR must be >= 1, got %.2f", c.ReconnectFactor)
	}
	if c.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be > 0, got %d", c.ReconnectMaxAttempts)
	}

	// Logical checks
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("RECONNECT_MAX_DELAY (%s) must be >= RECONNECT_BASE_DELAY (%s)",
			c.ReconnectMaxDelay, c.ReconnectBaseDelay)
	}
	if c.IdleTimeout < c.IdleSweep {
		return fmt.Errorf("IDLE_TIMEOUT (%s) must be >= IDLE_SWEEP_INTERVAL (%s)", c.IdleTimeout, c.IdleSweep)
	}

	// Enum checks
	validTransports := map[string]bool{ClusterNone: true, ClusterNATS: true, ClusterRedis: true, ClusterKafka: true}
	if !validTransports[c.ClusterTransport] {
		return fmt.Errorf("CLUSTER_TRANSPORT must be one of: none, nats, redis, kafka (got: %s)", c.ClusterTransport)
	}
	if c.ClusterTransport != ClusterNone && c.ClusterHeartbeat <= 0 {
		return fmt.Errorf("CLUSTER_HEARTBEAT must be > 0 when clustering is enabled")
	}
	if c.ClusterTransport == ClusterKafka && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when CLUSTER_TRANSPORT=kafka")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("instance_id", c.InstanceID).
		Bool("auth_allow_legacy", c.AuthAllowLegacy).
		Dur("idle_timeout", c.IdleTimeout).
		Dur("idle_sweep", c.IdleSweep).
		Bool("batch_enabled", c.BatchEnabled).
		Int("batch_max_size", c.BatchMaxSize).
		Dur("batch_max_delay", c.BatchMaxDelay).
		Int("batch_max_bytes", c.BatchMaxBytes).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("memory_reject_threshold", c.MemoryRejectThreshold).
		Int("max_goroutines", c.MaxGoroutines).
		Float64("ip_conn_rate", c.IPConnRate).
		Float64("global_conn_rate", c.GlobalConnRate).
		Float64("message_rate", c.MessageRate).
		Int("message_burst", c.MessageBurst).
		Int("max_message_length", c.MaxMessageLength).
		Int("history_size", c.HistorySize).
		Str("cluster_transport", c.ClusterTransport).
		Str("cluster_prefix", c.ClusterPrefix).
		Dur("cluster_heartbeat", c.ClusterHeartbeat).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}

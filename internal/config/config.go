// Package config loads and validates the engine's runtime
// configuration from environment variables (and an optional .env
// file), following the reference fleet's env/v11 + godotenv loader.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable the engine reads at startup.
type Config struct {
	// Server basics
	HTTPAddr    string `env:"BROADCAST_HTTP_ADDR" envDefault:":8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Upstream feed (NATS primary, Kafka alternate)
	NATSURL          string `env:"BROADCAST_NATS_URL" envDefault:"nats://localhost:4222"`
	NATSSubjectPrefix string `env:"BROADCAST_NATS_SUBJECT_PREFIX" envDefault:"odin.events"`
	KafkaBrokers     string `env:"BROADCAST_KAFKA_BROKERS" envDefault:""`
	KafkaTopic       string `env:"BROADCAST_KAFKA_TOPIC" envDefault:"odin.events"`
	KafkaConsumerGroup string `env:"BROADCAST_KAFKA_CONSUMER_GROUP" envDefault:"broadcast-engine"`
	FeedSource       string `env:"BROADCAST_FEED_SOURCE" envDefault:"nats"` // nats|kafka

	// Batching (Scalable Broadcaster)
	BatchWindowMS      int `env:"BROADCAST_BATCH_WINDOW_MS" envDefault:"100"`
	MaxBatchSize       int `env:"BROADCAST_MAX_BATCH_SIZE" envDefault:"50"`
	MaxBatchBytes      int `env:"BROADCAST_MAX_BATCH_BYTES" envDefault:"65536"`
	BatchWorkerCount   int `env:"BROADCAST_BATCH_WORKER_COUNT" envDefault:"10"`
	DeliveryWorkerCount int `env:"BROADCAST_DELIVERY_WORKER_COUNT" envDefault:"20"`
	BatchQueueSize     int `env:"BROADCAST_BATCH_QUEUE_SIZE" envDefault:"1000"`
	DeliveryQueueSize  int `env:"BROADCAST_DELIVERY_QUEUE_SIZE" envDefault:"1000"`

	// Rate limiting (per recipient)
	MaxEventsPerUser       int           `env:"BROADCAST_MAX_EVENTS_PER_USER" envDefault:"100"`
	RateLimiterIdleTimeout time.Duration `env:"BROADCAST_RATE_LIMITER_IDLE_TIMEOUT" envDefault:"1h"`

	// Router cache
	CacheSize      int  `env:"BROADCAST_CACHE_SIZE" envDefault:"1000"`
	CacheEnabled   bool `env:"BROADCAST_CACHE_ENABLED" envDefault:"true"`
	CacheThreshold int  `env:"BROADCAST_CACHE_THRESHOLD" envDefault:"5"`

	// Subscription cleanup
	SubscriptionMaxInactive time.Duration `env:"BROADCAST_SUBSCRIPTION_MAX_INACTIVE" envDefault:"24h"`
	OptimizeInterval        time.Duration `env:"BROADCAST_OPTIMIZE_INTERVAL" envDefault:"5m"`

	// Connection admission (transport layer)
	MaxConnections          int     `env:"BROADCAST_MAX_CONNECTIONS" envDefault:"5000"`
	ConnectionAcceptPerSec  float64 `env:"BROADCAST_CONNECTION_ACCEPT_PER_SEC" envDefault:"200"`
	ConnectionAcceptBurst   int     `env:"BROADCAST_CONNECTION_ACCEPT_BURST" envDefault:"50"`
	CPURejectThreshold      float64 `env:"BROADCAST_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	MemoryRejectThreshold   float64 `env:"BROADCAST_MEMORY_REJECT_THRESHOLD" envDefault:"90.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"BROADCAST_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the
// environment. Priority: real env vars > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internally inconsistent or
// out-of-range values.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("BROADCAST_HTTP_ADDR is required")
	}
	if c.BatchWindowMS <= 0 {
		return fmt.Errorf("BROADCAST_BATCH_WINDOW_MS must be > 0, got %d", c.BatchWindowMS)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("BROADCAST_MAX_BATCH_SIZE must be > 0, got %d", c.MaxBatchSize)
	}
	if c.MaxEventsPerUser < 1 {
		return fmt.Errorf("BROADCAST_MAX_EVENTS_PER_USER must be > 0, got %d", c.MaxEventsPerUser)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("BROADCAST_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.MemoryRejectThreshold < 0 || c.MemoryRejectThreshold > 100 {
		return fmt.Errorf("BROADCAST_MEMORY_REJECT_THRESHOLD must be 0-100, got %.1f", c.MemoryRejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}

	validFeeds := map[string]bool{"nats": true, "kafka": true}
	if !validFeeds[c.FeedSource] {
		return fmt.Errorf("BROADCAST_FEED_SOURCE must be one of nats, kafka (got %q)", c.FeedSource)
	}
	if c.FeedSource == "kafka" && strings.TrimSpace(c.KafkaBrokers) == "" {
		return fmt.Errorf("BROADCAST_KAFKA_BROKERS is required when BROADCAST_FEED_SOURCE=kafka")
	}

	return nil
}

// KafkaBrokerList splits the comma-separated broker string.
func (c *Config) KafkaBrokerList() []string {
	out := []string{}
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// BatchWindow renders BatchWindowMS as a Duration.
func (c *Config) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowMS) * time.Millisecond
}

// LogConfig emits the loaded configuration as one structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("http_addr", c.HTTPAddr).
		Str("feed_source", c.FeedSource).
		Str("nats_url", c.NATSURL).
		Int("batch_window_ms", c.BatchWindowMS).
		Int("max_batch_size", c.MaxBatchSize).
		Int("max_batch_bytes", c.MaxBatchBytes).
		Int("batch_worker_count", c.BatchWorkerCount).
		Int("delivery_worker_count", c.DeliveryWorkerCount).
		Int("max_events_per_user", c.MaxEventsPerUser).
		Dur("rate_limiter_idle_timeout", c.RateLimiterIdleTimeout).
		Int("cache_size", c.CacheSize).
		Bool("cache_enabled", c.CacheEnabled).
		Int("cache_threshold", c.CacheThreshold).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("memory_reject_threshold", c.MemoryRejectThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}

// Package config loads process configuration from defaults, an optional
// YAML file, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nexusops/ticketsync/internal/logger"
)

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST"`
	Port int    `yaml:"port" env:"SERVER_PORT"`
}

// UpstreamConfig controls the ServiceNow client.
type UpstreamConfig struct {
	URL      string        `yaml:"url" env:"UPSTREAM_URL"`
	Username string        `yaml:"username" env:"UPSTREAM_USERNAME"`
	Password string        `yaml:"password" env:"UPSTREAM_PASSWORD"`
	Timeout  time.Duration `yaml:"timeout" env:"UPSTREAM_TIMEOUT"`
}

// StoreConfig controls the Postgres-backed EntityRecord store.
type StoreConfig struct {
	DSN             string `yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// QueueConfig controls the Redis-backed durable queue and scheduler lock.
type QueueConfig struct {
	RedisAddr        string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword    string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	QueueDB          int           `yaml:"queue_db" env:"QUEUE_DB_INDEX"`
	SchedulerDB      int           `yaml:"scheduler_db" env:"SCHEDULER_DB_INDEX"`
	LeaseDuration    time.Duration `yaml:"lease_duration" env:"QUEUE_LEASE_DURATION"`
	RetentionWindow  time.Duration `yaml:"retention_window" env:"QUEUE_RETENTION_WINDOW"`
	ReaperInterval   time.Duration `yaml:"reaper_interval" env:"QUEUE_REAPER_INTERVAL"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval" env:"QUEUE_CLEANUP_INTERVAL"`
}

// ChangeLogConfig controls the Redis Streams change-log.
type ChangeLogConfig struct {
	RedisAddr     string `yaml:"redis_addr" env:"CHANGELOG_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"CHANGELOG_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"CHANGELOG_DB_INDEX"`
	StreamPrefix  string `yaml:"stream_prefix" env:"CHANGELOG_STREAM_PREFIX"`
	ConsumerGroup string `yaml:"consumer_group" env:"CHANGELOG_CONSUMER_GROUP"`
}

// WorkerConfig controls the worker pool.
type WorkerConfig struct {
	PoolSize       int           `yaml:"pool_size" env:"WORKER_POOL_SIZE"`
	HandlerTimeout time.Duration `yaml:"handler_timeout" env:"WORKER_HANDLER_TIMEOUT"`
	IdleSleep      time.Duration `yaml:"idle_sleep" env:"WORKER_IDLE_SLEEP"`
}

// StreamConfig tunes the C7 stream processor pipeline.
type StreamConfig struct {
	BatchSize              int     `yaml:"batch_size" env:"STREAM_BATCH_SIZE"`
	BufferSize             int     `yaml:"buffer_size" env:"STREAM_BUFFER_SIZE"`
	MaxConcurrency         int     `yaml:"max_concurrency" env:"STREAM_MAX_CONCURRENCY"`
	BackpressureThreshold  float64 `yaml:"backpressure_threshold" env:"STREAM_BACKPRESSURE_THRESHOLD"`
	BackpressureStrategy   string  `yaml:"backpressure_strategy" env:"STREAM_BACKPRESSURE_STRATEGY"`
	TimeoutMS              int     `yaml:"timeout_ms" env:"STREAM_TIMEOUT_MS"`
	MetricsIntervalMS      int     `yaml:"metrics_interval_ms" env:"STREAM_METRICS_INTERVAL_MS"`
}

// FanoutConfig holds C8 real-time fan-out intervals. The fanout package does
// not read it: its heartbeat (30s) and system-metrics (5s) intervals are
// fixed constants.
type FanoutConfig struct {
	HeartbeatInterval        time.Duration `yaml:"heartbeat_interval" env:"FANOUT_HEARTBEAT_INTERVAL"`
	MetricsBroadcastInterval time.Duration `yaml:"metrics_broadcast_interval" env:"FANOUT_METRICS_INTERVAL"`
}

// Config is the top-level process configuration.
type Config struct {
	Server     ServerConfig
	Upstream   UpstreamConfig
	Store      StoreConfig
	Queue      QueueConfig
	ChangeLog  ChangeLogConfig
	Logging    logger.Config
	Worker     WorkerConfig
	Stream     StreamConfig
	Fanout     FanoutConfig
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Upstream: UpstreamConfig{
			Timeout: 30 * time.Second,
		},
		Store: StoreConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Queue: QueueConfig{
			RedisAddr:       "localhost:6379",
			QueueDB:         0,
			SchedulerDB:     1,
			LeaseDuration:   2 * time.Minute,
			RetentionWindow: 7 * 24 * time.Hour,
			ReaperInterval:  30 * time.Second,
			CleanupInterval: time.Hour,
		},
		ChangeLog: ChangeLogConfig{
			RedisAddr:     "localhost:6379",
			RedisDB:       2,
			StreamPrefix:  "changelog",
			ConsumerGroup: "ticketsync",
		},
		Logging: logger.Config{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "ticketsync",
		},
		Worker: WorkerConfig{
			PoolSize:       8,
			HandlerTimeout: 2 * time.Minute,
			IdleSleep:      200 * time.Millisecond,
		},
		Stream: StreamConfig{
			BatchSize:             50,
			BufferSize:            1000,
			MaxConcurrency:        4,
			BackpressureThreshold: 0.8,
			BackpressureStrategy:  "throttle",
			TimeoutMS:             5000,
			MetricsIntervalMS:     5000,
		},
		Fanout: FanoutConfig{
			HeartbeatInterval:        30 * time.Second,
			MetricsBroadcastInterval: 5 * time.Second,
		},
	}
}

// requiredEnv lists the environment variables whose absence is a
// startup-time failure.
var requiredEnv = []string{
	"UPSTREAM_URL",
	"UPSTREAM_USERNAME",
	"UPSTREAM_PASSWORD",
	"DATABASE_DSN",
	"REDIS_ADDR",
}

// Load loads configuration from an optional YAML file then environment
// overrides, validating that required variables are present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if addr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); addr != "" {
		if cfg.Queue.RedisAddr == "" || cfg.Queue.RedisAddr == "localhost:6379" {
			cfg.Queue.RedisAddr = addr
		}
		if cfg.ChangeLog.RedisAddr == "" || cfg.ChangeLog.RedisAddr == "localhost:6379" {
			cfg.ChangeLog.RedisAddr = addr
		}
	}

	return cfg, Validate(cfg)
}

// Validate checks that every startup-required field is populated.
func Validate(cfg *Config) error {
	var missing []string
	if strings.TrimSpace(cfg.Upstream.URL) == "" {
		missing = append(missing, "UPSTREAM_URL")
	}
	if strings.TrimSpace(cfg.Upstream.Username) == "" {
		missing = append(missing, "UPSTREAM_USERNAME")
	}
	if strings.TrimSpace(cfg.Upstream.Password) == "" {
		missing = append(missing, "UPSTREAM_PASSWORD")
	}
	if strings.TrimSpace(cfg.Store.DSN) == "" {
		missing = append(missing, "DATABASE_DSN")
	}
	if strings.TrimSpace(cfg.Queue.RedisAddr) == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

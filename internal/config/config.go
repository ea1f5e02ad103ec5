// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	TaskQueue   TaskQueueConfig   `mapstructure:"taskqueue"`
	Store       StoreConfig       `mapstructure:"store"`
	Blob        BlobConfig        `mapstructure:"blob"`
	Capture     CaptureConfig     `mapstructure:"capture"`
	Crawler     CrawlerConfig     `mapstructure:"crawler"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CoordinatorConfig sizes the worker pool and its retry budget.
type CoordinatorConfig struct {
	Workers             int `mapstructure:"workers"`
	QueueDepth          int `mapstructure:"queue_depth"`
	MaxAttempts         int `mapstructure:"max_attempts"`
	BackoffInitialMs    int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs        int `mapstructure:"backoff_max_ms"`
	DrainTimeoutSeconds int `mapstructure:"drain_timeout_seconds"`
}

// TaskQueueConfig selects and tunes the durable task queue.
type TaskQueueConfig struct {
	// Backend is "memory" or "redis".
	Backend              string `mapstructure:"backend"`
	MaxAttempts          int    `mapstructure:"max_attempts"`
	SweepIntervalSeconds int    `mapstructure:"sweep_interval_seconds"`
	RedisAddr            string `mapstructure:"redis_addr"`
	RedisDB              int    `mapstructure:"redis_db"`
	RedisPrefix          string `mapstructure:"redis_prefix"`
}

// StoreConfig selects the metadata store.
type StoreConfig struct {
	// Backend is "memory" or "postgres".
	Backend      string `mapstructure:"backend"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// BlobConfig selects the artifact store.
type BlobConfig struct {
	// Backend is "memory", "local", or "gcs".
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// CaptureConfig configures the headless rendering subsystem.
type CaptureConfig struct {
	MaxParallel    int     `mapstructure:"max_parallel"`
	NavTimeoutSec  int     `mapstructure:"nav_timeout_seconds"`
	SettleDelayMs  int     `mapstructure:"settle_delay_ms"`
	ViewportWidth  int     `mapstructure:"viewport_width"`
	ViewportHeight int     `mapstructure:"viewport_height"`
	DomainQPS      float64 `mapstructure:"domain_qps"`
	UserAgent      string  `mapstructure:"user_agent"`
}

// CrawlerConfig governs page discovery.
type CrawlerConfig struct {
	MaxDepth       int      `mapstructure:"max_depth"`
	MaxPages       int      `mapstructure:"max_pages"`
	Concurrency    int      `mapstructure:"concurrency"`
	DelayMs        int      `mapstructure:"delay_ms"`
	UserAgent      string   `mapstructure:"user_agent"`
	IgnorePrefixes []string `mapstructure:"ignore_prefixes"`
}

// WorkerConfig controls the task pump.
type WorkerConfig struct {
	WorkerID        string `mapstructure:"worker_id"`
	PollIntervalMs  int    `mapstructure:"poll_interval_ms"`
	LeaseTTLSeconds int    `mapstructure:"lease_ttl_seconds"`
}

// NotifyConfig selects the release-ready notifier.
type NotifyConfig struct {
	// Backend is "noop" or "pubsub".
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level is the minimum log level; empty keeps the profile default.
	Level string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIXELTRAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("coordinator.workers", 4)
	v.SetDefault("coordinator.queue_depth", 64)
	v.SetDefault("coordinator.max_attempts", 3)
	v.SetDefault("coordinator.backoff_initial_ms", 250)
	v.SetDefault("coordinator.backoff_max_ms", 5000)
	v.SetDefault("coordinator.drain_timeout_seconds", 30)
	v.SetDefault("taskqueue.backend", "memory")
	v.SetDefault("taskqueue.max_attempts", 3)
	v.SetDefault("taskqueue.sweep_interval_seconds", 15)
	v.SetDefault("taskqueue.redis_addr", "")
	v.SetDefault("taskqueue.redis_db", 0)
	v.SetDefault("taskqueue.redis_prefix", "pixeltrail")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_open_conns", 8)
	v.SetDefault("blob.backend", "memory")
	v.SetDefault("blob.base_dir", "")
	v.SetDefault("blob.gcs_bucket", "")
	v.SetDefault("blob.gcs_prefix", "")
	v.SetDefault("capture.max_parallel", 2)
	v.SetDefault("capture.nav_timeout_seconds", 25)
	v.SetDefault("capture.settle_delay_ms", 2000)
	v.SetDefault("capture.viewport_width", 1280)
	v.SetDefault("capture.viewport_height", 1024)
	v.SetDefault("capture.user_agent", "pixeltrail-capture/1.0")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("capture.domain_qps", 0)
	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.max_pages", 200)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.delay_ms", 250)
	v.SetDefault("crawler.user_agent", "pixeltrail-crawler/1.0")
	v.SetDefault("worker.worker_id", "pixeltrail-worker")
	v.SetDefault("worker.poll_interval_ms", 1000)
	v.SetDefault("worker.lease_ttl_seconds", 120)
	v.SetDefault("notify.backend", "noop")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic_id", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Coordinator.Workers <= 0 {
		return fmt.Errorf("coordinator.workers must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.TaskQueue.Backend {
	case "memory":
	case "redis":
		if c.TaskQueue.RedisAddr == "" {
			return fmt.Errorf("taskqueue.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("taskqueue.backend must be memory or redis")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory or postgres")
	}
	switch c.Blob.Backend {
	case "memory":
	case "local":
		if c.Blob.BaseDir == "" {
			return fmt.Errorf("blob.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("blob.backend must be memory, local, or gcs")
	}
	switch c.Notify.Backend {
	case "noop":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.TopicID == "" {
			return fmt.Errorf("notify.project_id and notify.topic_id must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("notify.backend must be noop or pubsub")
	}
	return nil
}

// ServerTimeout is the per-request budget for API handlers.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

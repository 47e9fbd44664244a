// Package config loads the service configuration. It uses Viper to read
// settings from a config file and environment variables, providing one
// unified configuration system.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/feedbackforge/scrape-orchestrator/internal/archive"
	"github.com/feedbackforge/scrape-orchestrator/internal/notify"
	"github.com/feedbackforge/scrape-orchestrator/internal/sources"
)

// Config is the root configuration for the orchestrator service.
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging"`
	Server       ServerConfig       `mapstructure:"server"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	HTTPClient   HTTPClientConfig   `mapstructure:"http_client"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Sources      SourcesConfig      `mapstructure:"sources"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
}

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig selects and configures the durable backend. With Enabled set
// to false the service runs entirely on the in-memory queue and store.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JobsConfig tunes job-level retry behavior.
type JobsConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	PoolSize    int           `mapstructure:"pool_size"`
	DequeueWait time.Duration `mapstructure:"dequeue_wait"`
}

// OrchestratorConfig tunes per-job execution.
type OrchestratorConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	Pacing      time.Duration `mapstructure:"pacing"`
}

// HTTPClientConfig tunes the shared outbound client.
type HTTPClientConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// BreakerConfig tunes the per-source circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
}

// SourcesConfig declares the scraper adapters to register at startup.
type SourcesConfig struct {
	API      []sources.APIConfig      `mapstructure:"api"`
	HTML     []sources.HTMLConfig     `mapstructure:"html"`
	Headless []sources.HeadlessConfig `mapstructure:"headless"`
}

// ArchiveConfig selects the archive backend: "gcs", "local", "memory", or
// empty to disable archiving.
type ArchiveConfig struct {
	Backend string              `mapstructure:"backend"`
	GCS     archive.GCSConfig   `mapstructure:"gcs"`
	Local   archive.LocalConfig `mapstructure:"local"`
}

// PubSubConfig controls lifecycle notifications.
type PubSubConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	notify.PubSubConfig `mapstructure:",squash"`
}

// Load reads configuration from path (optional; empty searches the default
// locations) layered over defaults, with FEEDBACK_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FEEDBACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/feedbackd/")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
			// No file is fine; defaults and environment carry the day.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("jobs.max_attempts", 3)

	v.SetDefault("worker.pool_size", 2)
	v.SetDefault("worker.dequeue_wait", "5s")

	v.SetDefault("orchestrator.concurrency", 3)
	v.SetDefault("orchestrator.task_timeout", "300s")
	v.SetDefault("orchestrator.pacing", "500ms")

	v.SetDefault("http_client.max_retries", 3)
	v.SetDefault("http_client.base_delay", "2s")
	v.SetDefault("http_client.backoff_factor", 2.0)
	v.SetDefault("http_client.max_delay", "60s")
	v.SetDefault("http_client.connect_timeout", "10s")
	v.SetDefault("http_client.request_timeout", "30s")
	v.SetDefault("http_client.user_agent",
		"FeedbackForge-Scraper/1.0 (+https://github.com/feedbackforge/scrape-orchestrator)")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.open_timeout", "60s")
	v.SetDefault("breaker.success_threshold", 2)

	v.SetDefault("archive.backend", "")
	v.SetDefault("archive.local.base_dir", "data/archives")

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic", "feedback-jobs")
}

// Validate rejects configurations that cannot produce a working service.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Jobs.MaxAttempts <= 0 {
		return fmt.Errorf("jobs.max_attempts must be positive")
	}
	switch c.Archive.Backend {
	case "", "memory", "local":
	case "gcs":
		if c.Archive.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown archive backend %q", c.Archive.Backend)
	}
	if c.PubSub.Enabled {
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id is required when pubsub is enabled")
		}
		if c.PubSub.Topic == "" {
			return fmt.Errorf("pubsub.topic is required when pubsub is enabled")
		}
	}

	seen := make(map[string]bool)
	for _, s := range c.Sources.API {
		if err := checkSource(seen, s.Name, s.Endpoint == "", "endpoint"); err != nil {
			return err
		}
	}
	for _, s := range c.Sources.HTML {
		if err := checkSource(seen, s.Name, s.SearchURL == "" || s.ItemSelector == "", "search_url and item_selector"); err != nil {
			return err
		}
	}
	for _, s := range c.Sources.Headless {
		if err := checkSource(seen, s.Name, s.SearchURL == "" || s.ItemSelector == "", "search_url and item_selector"); err != nil {
			return err
		}
	}
	return nil
}

func checkSource(seen map[string]bool, name string, missing bool, fields string) error {
	if name == "" {
		return fmt.Errorf("source name is required")
	}
	if seen[name] {
		return fmt.Errorf("duplicate source name %q", name)
	}
	seen[name] = true
	if missing {
		return fmt.Errorf("source %q: %s required", name, fields)
	}
	return nil
}

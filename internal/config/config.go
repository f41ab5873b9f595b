// Package config loads and validates bridge configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Provider ProviderConfig `mapstructure:"provider"`
	DB       DBConfig       `mapstructure:"db"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles for the proxy surface.
// Webhook deliveries are exempt; the provider signs those separately.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ProviderConfig points at the upstream scraping provider.
type ProviderConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	AutoIndex      bool   `mapstructure:"auto_index"`
}

// DBConfig controls access to the session/metrics database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// QueueConfig selects and configures the indexing work queue backend.
type QueueConfig struct {
	Provider       string       `mapstructure:"provider"` // redis, pubsub, or memory
	TimeoutSeconds int          `mapstructure:"timeout_seconds"`
	Redis          RedisConfig  `mapstructure:"redis"`
	PubSub         PubSubConfig `mapstructure:"pubsub"`
}

// RedisConfig configures the Redis Streams queue and the event deduper.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
}

// PubSubConfig holds metadata for the Pub/Sub queue alternative.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// DedupConfig controls webhook redelivery suppression.
type DedupConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// MetricsConfig tunes the asynchronous operation-metric recorder.
type MetricsConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	MaxBatch      int           `mapstructure:"max_batch"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLBRIDGE")
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
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("provider.base_url", "https://api.firescrape.dev")
	v.SetDefault("provider.timeout_seconds", 30)
	v.SetDefault("provider.auto_index", true)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("queue.provider", "redis")
	v.SetDefault("queue.timeout_seconds", 10)
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.stream", "indexing:documents")
	v.SetDefault("dedup.ttl", 24*time.Hour)
	v.SetDefault("metrics.buffer_size", 4096)
	v.SetDefault("metrics.max_batch", 256)
	v.SetDefault("metrics.flush_interval", 500*time.Millisecond)
	v.SetDefault("logging.development", false)
}

// Validate enforces invariants that defaults alone cannot guarantee.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.enabled requires auth.api_key")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	switch c.Queue.Provider {
	case "redis":
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue.provider is 'redis' but queue.redis.addr is not set")
		}
	case "pubsub":
		if c.Queue.PubSub.ProjectID == "" || c.Queue.PubSub.TopicID == "" {
			return fmt.Errorf("queue.provider is 'pubsub' but project_id or topic_id is not set")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown queue provider: %s", c.Queue.Provider)
	}
	if c.Queue.TimeoutSeconds <= 0 {
		return fmt.Errorf("queue.timeout_seconds must be positive")
	}
	return nil
}

// Package config loads and validates gateway configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Credits     CreditsConfig     `mapstructure:"credits"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Blocklist   BlocklistConfig   `mapstructure:"blocklist"`
	Fetcher     FetcherConfig     `mapstructure:"fetcher"`
	Crawler     CrawlerConfig     `mapstructure:"crawler"`
	DB          DBConfig          `mapstructure:"db"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Storage     StorageConfig     `mapstructure:"storage"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int    `mapstructure:"port"`
	BaseURL               string `mapstructure:"base_url"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	MaxBodyBytes          int64  `mapstructure:"max_body_bytes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Store backends selectable per concern.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// AuthConfig defines API keys and request rate limits.
type AuthConfig struct {
	KeyStore string         `mapstructure:"key_store"`
	APIKeys  []APIKeyConfig `mapstructure:"api_keys"`
	// RateLimits maps a mode (scrape, crawl, map, crawl_status) to requests
	// per minute. PlanRateLimits overrides it per plan. Zero is unlimited.
	RateLimits     map[string]int            `mapstructure:"rate_limits"`
	PlanRateLimits map[string]map[string]int `mapstructure:"plan_rate_limits"`
}

// APIKeyConfig binds a static key to a tenant for the memory key store.
type APIKeyConfig struct {
	Key      string `mapstructure:"key"`
	TenantID string `mapstructure:"tenant_id"`
	Plan     string `mapstructure:"plan"`
}

// CreditsConfig selects the credit balance store.
type CreditsConfig struct {
	Store          string           `mapstructure:"store"`
	DefaultBalance int64            `mapstructure:"default_balance"`
	Balances       map[string]int64 `mapstructure:"balances"`
}

// IdempotencyConfig selects where consumed idempotency keys are recorded.
type IdempotencyConfig struct {
	Store       string `mapstructure:"store"`
	TTLSeconds  int    `mapstructure:"ttl_seconds"`
	RequireUUID bool   `mapstructure:"require_uuid"`
}

// BlocklistConfig lists blocked domains and the keywords that exempt a URL.
type BlocklistConfig struct {
	Domains         []string `mapstructure:"domains"`
	AllowedKeywords []string `mapstructure:"allowed_keywords"`
}

// FetcherConfig configures outbound page fetches.
type FetcherConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RespectRobots  bool    `mapstructure:"respect_robots"`
	HostRPS        float64 `mapstructure:"host_rps"`
}

// CrawlerConfig governs the crawl job queue and worker pool.
type CrawlerConfig struct {
	Concurrency     int `mapstructure:"concurrency"`
	QueueDepth      int `mapstructure:"queue_depth"`
	MaxPagesDefault int `mapstructure:"max_pages_default"`
	MaxRetries      int `mapstructure:"max_retries"`
	RetryBackoffMs  int `mapstructure:"retry_backoff_ms"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisConfig controls access to Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig sets where raw pages are archived. A bucket wins over a local
// directory; with neither set pages stay in memory.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for crawl completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig controls OpenTelemetry span creation.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment. An empty path searches for
// config.yaml in the working directory, /etc/scrape-gateway and
// $HOME/.scrape-gateway; not finding one there is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/scrape-gateway/")
		v.AddConfigPath("$HOME/.scrape-gateway")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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
	v.SetDefault("server.port", 3002)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.max_body_bytes", 10<<20)
	v.SetDefault("logging.development", true)
	v.SetDefault("auth.key_store", StoreMemory)
	v.SetDefault("auth.rate_limits", map[string]int{
		"scrape":       20,
		"crawl":        3,
		"map":          20,
		"crawl_status": 150,
	})
	v.SetDefault("credits.store", StoreMemory)
	v.SetDefault("credits.default_balance", 500)
	v.SetDefault("idempotency.store", StoreMemory)
	v.SetDefault("idempotency.ttl_seconds", 86400)
	v.SetDefault("idempotency.require_uuid", false)
	v.SetDefault("fetcher.user_agent", "scrape-gateway/0.1")
	v.SetDefault("fetcher.timeout_seconds", 30)
	v.SetDefault("fetcher.respect_robots", false)
	v.SetDefault("fetcher.host_rps", 2)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.max_pages_default", 10)
	v.SetDefault("crawler.max_retries", 2)
	v.SetDefault("crawler.retry_backoff_ms", 500)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "scrape-gateway")
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.QueueDepth <= 0 {
		return fmt.Errorf("crawler.queue_depth must be > 0")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	if err := checkStore("auth.key_store", c.Auth.KeyStore, StoreMemory, StorePostgres); err != nil {
		return err
	}
	if err := checkStore("credits.store", c.Credits.Store, StoreMemory, StorePostgres); err != nil {
		return err
	}
	if err := checkStore("idempotency.store", c.Idempotency.Store, StoreMemory, StoreRedis, StorePostgres); err != nil {
		return err
	}
	if c.needsPostgres() && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when a postgres store is selected")
	}
	if c.Idempotency.Store == StoreRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when idempotency.store is redis")
	}
	for i, key := range c.Auth.APIKeys {
		if key.Key == "" || key.TenantID == "" {
			return fmt.Errorf("auth.api_keys[%d] needs key and tenant_id", i)
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

func checkStore(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}

func (c Config) needsPostgres() bool {
	return c.Auth.KeyStore == StorePostgres ||
		c.Credits.Store == StorePostgres ||
		c.Idempotency.Store == StorePostgres
}

// RequestTimeout returns the per-request deadline.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// FetchTimeout returns the outbound fetch deadline.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}

// RetryBackoff returns the first delay between crawl fetch retries.
func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.Crawler.RetryBackoffMs) * time.Millisecond
}

// NeedsPostgres reports whether any store is backed by Postgres.
func (c Config) NeedsPostgres() bool {
	return c.needsPostgres()
}

// IdempotencyTTL returns how long consumed keys are remembered.
func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Idempotency.TTLSeconds) * time.Second
}

// RateLimit resolves the requests-per-minute budget for plan and mode.
func (a AuthConfig) RateLimit(plan, mode string) int {
	if byMode, ok := a.PlanRateLimits[strings.ToLower(plan)]; ok {
		if rpm, ok := byMode[mode]; ok {
			return rpm
		}
	}
	return a.RateLimits[mode]
}

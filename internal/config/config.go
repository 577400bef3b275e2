// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/site-audit-crawler/internal/crawler"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Database backends.
const (
	DBMemory   = "memory"
	DBPostgres = "postgres"
)

// Dispatch backends.
const (
	DispatchMemory = "memory"
	DispatchPubSub = "pubsub"
)

// Process modes. The api mode only accepts and dispatches jobs, the worker
// mode only runs them, and all does both in one process.
const (
	ModeAll    = "all"
	ModeAPI    = "api"
	ModeWorker = "worker"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Render   RenderConfig   `mapstructure:"render"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int    `mapstructure:"port"`
	Mode                  string `mapstructure:"mode"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	ShutdownGraceSeconds  int    `mapstructure:"shutdown_grace_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs job defaults, caps and the in-process execution pool.
type CrawlerConfig struct {
	UserAgent          string `mapstructure:"user_agent"`
	MaxDepthDefault    int    `mapstructure:"max_depth_default"`
	MaxPagesDefault    int    `mapstructure:"max_pages_default"`
	ConcurrencyDefault int    `mapstructure:"concurrency_default"`
	MaxPagesLimit      int    `mapstructure:"max_pages_limit"`
	MaxConcurrency     int    `mapstructure:"max_concurrency"`
	DelayMs            int    `mapstructure:"delay_ms"`
	QueueDepth         int    `mapstructure:"queue_depth"`
	Workers            int    `mapstructure:"workers"`
}

// HTTPConfig configures page fetching.
type HTTPConfig struct {
	TimeoutSeconds int   `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int64 `mapstructure:"max_body_bytes"`
}

// RenderConfig configures headless screenshot capture.
type RenderConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
	ViewportWidth  int  `mapstructure:"viewport_width"`
	ViewportHeight int  `mapstructure:"viewport_height"`
	MaxParallel    int  `mapstructure:"max_parallel"`
}

// StorageConfig selects the screenshot blob store.
type StorageConfig struct {
	Backend          string `mapstructure:"backend"`
	LocalDir         string `mapstructure:"local_dir"`
	GCSBucket        string `mapstructure:"gcs_bucket"`
	ScreenshotPrefix string `mapstructure:"screenshot_prefix"`
	ListPageSize     int    `mapstructure:"list_page_size"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Backend            string `mapstructure:"backend"`
	DSN                string `mapstructure:"dsn"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSec int    `mapstructure:"max_conn_lifetime_seconds"`
	ApplySchema        bool   `mapstructure:"apply_schema"`
}

// DispatchConfig selects how jobs reach the runner.
type DispatchConfig struct {
	Backend         string `mapstructure:"backend"`
	ProjectID       string `mapstructure:"project_id"`
	Topic           string `mapstructure:"topic"`
	Subscription    string `mapstructure:"subscription"`
	MaxExtensionSec int    `mapstructure:"max_extension_seconds"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDITCRAWLER")
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

// Every key gets a default so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", ModeAll)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_grace_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.user_agent", "SiteAuditBot/1.0 (+https://github.com/JakeFAU/site-audit-crawler)")
	v.SetDefault("crawler.max_depth_default", 2)
	v.SetDefault("crawler.max_pages_default", 50)
	v.SetDefault("crawler.concurrency_default", 4)
	v.SetDefault("crawler.max_pages_limit", 1000)
	v.SetDefault("crawler.max_concurrency", 16)
	v.SetDefault("crawler.delay_ms", 250)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.workers", 2)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_body_bytes", 5<<20)
	v.SetDefault("render.enabled", true)
	v.SetDefault("render.timeout_seconds", 25)
	v.SetDefault("render.viewport_width", 1280)
	v.SetDefault("render.viewport_height", 800)
	v.SetDefault("render.max_parallel", 2)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.local_dir", "data/screenshots")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.screenshot_prefix", "screenshots")
	v.SetDefault("storage.list_page_size", 500)
	v.SetDefault("db.backend", DBMemory)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("db.apply_schema", true)
	v.SetDefault("dispatch.backend", DispatchMemory)
	v.SetDefault("dispatch.project_id", "")
	v.SetDefault("dispatch.topic", "crawl-jobs")
	v.SetDefault("dispatch.subscription", "crawl-jobs-worker")
	v.SetDefault("dispatch.max_extension_seconds", 3600)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Server.Mode {
	case ModeAll, ModeAPI, ModeWorker:
	default:
		return fmt.Errorf("server.mode %q is not one of all, api, worker", c.Server.Mode)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if strings.TrimSpace(c.Crawler.UserAgent) == "" {
		return fmt.Errorf("crawler.user_agent is required")
	}
	if c.Crawler.MaxConcurrency <= 0 {
		return fmt.Errorf("crawler.max_concurrency must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.DelayMs < 0 {
		return fmt.Errorf("crawler.delay_ms must be >= 0")
	}
	defaults := c.DefaultLimits()
	if defaults.MaxDepth < 0 || defaults.MaxPages < 1 || defaults.Concurrency < 1 {
		return fmt.Errorf("crawler default limits must be max_depth >= 0, max_pages >= 1, concurrency >= 1")
	}
	if defaults.Concurrency > c.Crawler.MaxConcurrency {
		return fmt.Errorf("crawler.concurrency_default must be <= crawler.max_concurrency")
	}
	if c.Crawler.MaxPagesLimit > 0 && defaults.MaxPages > c.Crawler.MaxPagesLimit {
		return fmt.Errorf("crawler.max_pages_default must be <= crawler.max_pages_limit")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Render.Enabled && c.Render.MaxParallel <= 0 {
		return fmt.Errorf("render.max_parallel must be > 0 when render is enabled")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	switch c.DB.Backend {
	case DBMemory:
	case DBPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("db.backend %q is not one of memory, postgres", c.DB.Backend)
	}
	switch c.Dispatch.Backend {
	case DispatchMemory:
		if c.Server.Mode != ModeAll {
			return fmt.Errorf("server.mode %q needs the pubsub dispatch backend", c.Server.Mode)
		}
	case DispatchPubSub:
		if c.Dispatch.ProjectID == "" || c.Dispatch.Topic == "" {
			return fmt.Errorf("dispatch.project_id and dispatch.topic are required for the pubsub backend")
		}
		if c.DB.Backend == DBMemory {
			return fmt.Errorf("the pubsub dispatch backend needs a shared db backend")
		}
	default:
		return fmt.Errorf("dispatch.backend %q is not one of memory, pubsub", c.Dispatch.Backend)
	}
	return nil
}

// DefaultLimits are applied to submissions that omit a limit.
func (c Config) DefaultLimits() crawler.Limits {
	return crawler.Limits{
		MaxDepth:    c.Crawler.MaxDepthDefault,
		MaxPages:    c.Crawler.MaxPagesDefault,
		Concurrency: c.Crawler.ConcurrencyDefault,
	}
}

// FetchTimeout is the per-page fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// CrawlDelay is the default spacing between requests to one site.
func (c Config) CrawlDelay() time.Duration {
	return time.Duration(c.Crawler.DelayMs) * time.Millisecond
}

// ShutdownGrace bounds how long shutdown waits for the server and running jobs.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownGraceSeconds) * time.Second
}

// RequestTimeout bounds one API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

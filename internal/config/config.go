// Package config provides configuration management for the gospider application.
// It handles loading, validation, and access to configuration values from both
// YAML files and environment variables using viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultDelay           = 1 * time.Second
	DefaultMaxArticles     = 100
	DefaultThreadCount     = 5
	DefaultQueueSize       = 100
	DefaultRequestTimeout  = 10 * time.Second
	DefaultMaxRetries      = 3
	DefaultMaxPages        = 20
	DefaultCheckpointEvery = 10
	DefaultOutputDir       = "data"
	DefaultUserAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

	DefaultProxyFile         = "proxies.json"
	DefaultProxyCheckEvery   = 10 * time.Minute
	DefaultProxyCheckTimeout = 5 * time.Second
	DefaultProxyCheckWorkers = 10

	DefaultStorageBackend = "csv"
)

// Sentinel errors for configuration validation.
var (
	ErrMissingBaseURL = errors.New("config: base_url is required")
	ErrInvalidBaseURL = errors.New("config: base_url is not a valid absolute URL")
	ErrUnknownBackend = errors.New("config: unknown storage backend")
	ErrMissingDSN     = errors.New("config: storage.dsn is required for the postgres backend")
)

// Config represents the application configuration.
type Config struct {
	// Site selects the parser registered for the target site.
	Site string `mapstructure:"site"`
	// BaseURL is the seed listing URL of the target site.
	BaseURL string `mapstructure:"base_url"`
	// Delay is the pause between requests issued by one worker.
	Delay time.Duration `mapstructure:"delay"`
	// MaxArticles caps the number of records collected in one run.
	MaxArticles int `mapstructure:"max_articles"`
	// ThreadCount is the number of concurrent crawl workers.
	ThreadCount int `mapstructure:"thread_count"`
	// QueueSize bounds the pending-URL buffer.
	QueueSize int `mapstructure:"queue_size"`
	// RequestTimeout is the per-request HTTP timeout.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// MaxRetries is the number of fetch attempts before a URL is skipped.
	MaxRetries int `mapstructure:"max_retries"`
	// MaxPages caps how many listing pages seeding paginates through.
	MaxPages int `mapstructure:"max_pages"`
	// CheckpointEvery flushes results and visited state every N records.
	CheckpointEvery int `mapstructure:"checkpoint_every"`
	// Incremental loads prior visited state and skips known URLs.
	Incremental bool `mapstructure:"incremental"`
	// OutputDir holds visited state and the CSV sink.
	OutputDir string `mapstructure:"output_dir"`
	// SameDomainOnly restricts discovered links to the seed domain.
	SameDomainOnly bool `mapstructure:"same_domain_only"`
	// UserAgent is sent on every request.
	UserAgent string `mapstructure:"user_agent"`
	// Debug enables debug logging.
	Debug bool `mapstructure:"debug"`

	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

// ProxyConfig configures the outbound proxy pool.
type ProxyConfig struct {
	// Enabled routes fetches through the pool.
	Enabled bool `mapstructure:"enabled"`
	// File is the JSON persistence path for the pool.
	File string `mapstructure:"file"`
	// CheckInterval is the period of the background health sweep.
	CheckInterval time.Duration `mapstructure:"check_interval"`
	// CheckTimeout is the per-probe timeout.
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
	// CheckWorkers bounds concurrent probes during a sweep.
	CheckWorkers int `mapstructure:"check_workers"`
	// CheckURLs are probed through candidate proxies.
	CheckURLs []string `mapstructure:"check_urls"`
	// Sources are external endpoint lists used for replenishment.
	Sources []ProxySource `mapstructure:"sources"`
}

// ProxySource describes one external proxy list.
type ProxySource struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
	// Format is one of: plain (ip:port lines), jsonl ({host,port,type} lines),
	// html (ip:port pairs scraped from markup).
	Format string `mapstructure:"format"`
}

// StorageConfig selects and configures the article sink.
type StorageConfig struct {
	// Backend is csv or postgres.
	Backend string `mapstructure:"backend"`
	// DSN is the connection string for the postgres backend.
	DSN string `mapstructure:"dsn"`
	// Table is the article table name for the postgres backend.
	Table string `mapstructure:"table"`
}

// ScheduleConfig configures the schedule command.
type ScheduleConfig struct {
	// Cron is a cron expression for periodic incremental crawls.
	Cron string `mapstructure:"cron"`
}

// Validate checks the configuration before a run starts. Configuration
// errors are the only fatal errors in the system, so validation happens
// up front rather than mid-crawl.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return ErrMissingBaseURL
	}

	parsed, err := url.Parse(c.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidBaseURL, c.BaseURL)
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "", "csv":
	case "postgres":
		if c.Storage.DSN == "" {
			return ErrMissingDSN
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Storage.Backend)
	}

	return nil
}

// Load reads configuration from viper's merged file and environment state
// and applies defaults for unset values.
func Load() (*Config, error) {
	cfg := &Config{}

	decode := func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
	if err := viper.Unmarshal(cfg, decode); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// applyDefaults fills zero values with defaults. Negative counts are
// treated as unset rather than rejected.
func applyDefaults(cfg *Config) {
	if cfg.Site == "" {
		cfg.Site = "general"
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.MaxArticles <= 0 {
		cfg.MaxArticles = DefaultMaxArticles
	}
	if cfg.ThreadCount <= 0 {
		cfg.ThreadCount = DefaultThreadCount
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = DefaultCheckpointEvery
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDir
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	if cfg.Proxy.File == "" {
		cfg.Proxy.File = DefaultProxyFile
	}
	if cfg.Proxy.CheckInterval <= 0 {
		cfg.Proxy.CheckInterval = DefaultProxyCheckEvery
	}
	if cfg.Proxy.CheckTimeout <= 0 {
		cfg.Proxy.CheckTimeout = DefaultProxyCheckTimeout
	}
	if cfg.Proxy.CheckWorkers <= 0 {
		cfg.Proxy.CheckWorkers = DefaultProxyCheckWorkers
	}
	if len(cfg.Proxy.CheckURLs) == 0 {
		cfg.Proxy.CheckURLs = []string{
			"https://www.baidu.com",
			"https://www.qq.com",
			"https://www.sina.com.cn",
		}
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultStorageBackend
	}
	if cfg.Storage.Table == "" {
		cfg.Storage.Table = "articles"
	}
}

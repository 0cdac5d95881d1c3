// Package common wires the shared dependencies the subcommands need:
// configuration, logging, the proxy pool, the fetcher and the article sink.
package common

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"github.com/mingzhi-chen/gospider/internal/config"
	"github.com/mingzhi-chen/gospider/internal/engine"
	"github.com/mingzhi-chen/gospider/internal/fetcher"
	"github.com/mingzhi-chen/gospider/internal/frontier"
	"github.com/mingzhi-chen/gospider/internal/logger"
	"github.com/mingzhi-chen/gospider/internal/parser"
	"github.com/mingzhi-chen/gospider/internal/proxypool"
	"github.com/mingzhi-chen/gospider/internal/storage"
)

// Deps bundles the long-lived collaborators built from configuration.
type Deps struct {
	Config *config.Config
	Logger logger.Interface
	// Pool is nil when the proxy pool is disabled.
	Pool    *proxypool.Pool
	Fetcher *fetcher.Fetcher
	Sink    storage.ArticleSink
}

// LoadConfig loads and validates configuration from viper's merged state.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if viper.GetBool("debug") {
		cfg.Debug = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadProxyConfig loads configuration without crawl validation. The proxy
// commands operate on the pool alone and work without a base_url.
func LoadProxyConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if viper.GetBool("debug") {
		cfg.Debug = true
	}

	return cfg, nil
}

// NewLogger builds the application logger for cfg.
func NewLogger(cfg *config.Config) logger.Interface {
	level := "info"
	encoding := "console"
	if cfg.Debug {
		level = "debug"
	}

	return logger.New(logger.Config{
		Level:       level,
		Encoding:    encoding,
		Development: cfg.Debug,
	})
}

// NewPool builds the proxy pool for cfg. It does not start the health loop;
// callers that want background sweeps call Start themselves.
func NewPool(cfg *config.Config, log logger.Interface) *proxypool.Pool {
	sources := make([]proxypool.Source, 0, len(cfg.Proxy.Sources))
	for _, s := range cfg.Proxy.Sources {
		sources = append(sources, proxypool.Source{
			Name:   s.Name,
			URL:    s.URL,
			Format: s.Format,
		})
	}

	return proxypool.New(proxypool.Config{
		File:          cfg.Proxy.File,
		CheckInterval: cfg.Proxy.CheckInterval,
		CheckTimeout:  cfg.Proxy.CheckTimeout,
		CheckWorkers:  cfg.Proxy.CheckWorkers,
		CheckURLs:     cfg.Proxy.CheckURLs,
		Sources:       sources,
		UserAgent:     cfg.UserAgent,
	}, log)
}

// Build constructs the full dependency set for a crawl.
func Build() (*Deps, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	log := NewLogger(cfg)

	var pool *proxypool.Pool
	var provider fetcher.ProxyProvider
	if cfg.Proxy.Enabled {
		pool = NewPool(cfg, log)
		provider = pool
	}

	f := fetcher.New(fetcher.Config{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.Delay,
		Timeout:    cfg.RequestTimeout,
		UserAgent:  cfg.UserAgent,
		CheckProxy: cfg.Proxy.Enabled,
	}, provider, log)

	sink, err := storage.New(storage.Config{
		Backend: cfg.Storage.Backend,
		Dir:     cfg.OutputDir,
		DSN:     cfg.Storage.DSN,
		Table:   cfg.Storage.Table,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("building article sink: %w", err)
	}

	return &Deps{
		Config:  cfg,
		Logger:  log,
		Pool:    pool,
		Fetcher: f,
		Sink:    sink,
	}, nil
}

// NewEngine builds a crawl engine on top of d.
func (d *Deps) NewEngine() (*engine.Engine, error) {
	cfg := d.Config

	front, err := frontier.New(cfg.BaseURL, frontier.Options{
		QueueSize:      cfg.QueueSize,
		SameDomainOnly: cfg.SameDomainOnly,
	}, d.Logger)
	if err != nil {
		return nil, fmt.Errorf("building frontier: %w", err)
	}

	p := parser.Get(cfg.Site, cfg.BaseURL)

	return engine.New(engine.Config{
		BaseURL:         cfg.BaseURL,
		Delay:           cfg.Delay,
		MaxArticles:     cfg.MaxArticles,
		ThreadCount:     cfg.ThreadCount,
		MaxPages:        cfg.MaxPages,
		CheckpointEvery: cfg.CheckpointEvery,
		Incremental:     cfg.Incremental,
		OutputDir:       cfg.OutputDir,
	}, d.Fetcher, p, front, d.Sink, d.Logger)
}

// Close releases the long-lived resources in reverse construction order.
func (d *Deps) Close(ctx context.Context) {
	if d.Sink != nil {
		if err := d.Sink.Close(); err != nil {
			d.Logger.Warn("article sink close failed", "error", err.Error())
		}
	}
	if d.Pool != nil {
		if err := d.Pool.Shutdown(ctx); err != nil {
			d.Logger.Warn("proxy pool shutdown failed", "error", err.Error())
		}
	}
}

// Package storage provides the article result sinks. A sink receives the
// full result aggregate at every checkpoint; incremental runs load prior
// results out of the same sink before crawling.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mingzhi-chen/gospider/internal/domain"
	"github.com/mingzhi-chen/gospider/internal/logger"
)

// ErrUnknownBackend is returned for a backend name with no implementation.
var ErrUnknownBackend = errors.New("storage: unknown backend")

// ArticleSink persists crawled articles.
type ArticleSink interface {
	// Flush writes the complete result set. Called at every checkpoint and
	// once more at the end of a run.
	Flush(ctx context.Context, articles []domain.Article) error
	// Load returns previously persisted articles, or an empty slice on a
	// cold start. Used by incremental runs to merge old and new results.
	Load(ctx context.Context) ([]domain.Article, error)
	// Close releases any held resources.
	Close() error
}

// Config selects and configures a sink backend.
type Config struct {
	// Backend is csv or postgres.
	Backend string
	// Dir is the output directory for the csv backend.
	Dir string
	// DSN is the connection string for the postgres backend.
	DSN string
	// Table is the article table name for the postgres backend.
	Table string
}

// New builds the sink named by cfg.Backend.
func New(cfg Config, log logger.Interface) (ArticleSink, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "csv":
		return NewCSVSink(cfg.Dir, log), nil
	case "postgres":
		return NewPostgresSink(cfg.DSN, cfg.Table, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

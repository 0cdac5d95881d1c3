package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/mingzhi-chen/gospider/internal/domain"
	"github.com/mingzhi-chen/gospider/internal/logger"
)

// PostgresSink upserts articles into a Postgres table keyed by URL, for
// deployments where the downstream analysis pipeline reads from the database
// instead of a CSV drop.
type PostgresSink struct {
	db    *sqlx.DB
	table string
	log   logger.Interface
}

// postgresSchema creates the article table when absent.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS %s (
	url        TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	author     TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL DEFAULT '',
	crawl_time TIMESTAMPTZ NOT NULL
)`

// NewPostgresSink connects to dsn and ensures the article table exists.
func NewPostgresSink(dsn, table string, log logger.Interface) (*PostgresSink, error) {
	if table == "" {
		table = "articles"
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}

	if _, execErr := db.Exec(fmt.Sprintf(postgresSchema, table)); execErr != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ensure table %s: %w", table, execErr)
	}

	return &PostgresSink{db: db, table: table, log: log}, nil
}

// Flush upserts every article by URL. Re-flushing the same aggregate at each
// checkpoint is idempotent.
func (s *PostgresSink) Flush(ctx context.Context, articles []domain.Article) error {
	if len(articles) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (url, title, author, content, crawl_time)
		VALUES (:url, :title, :author, :content, :crawl_time)
		ON CONFLICT (url) DO UPDATE SET
			title      = EXCLUDED.title,
			author     = EXCLUDED.author,
			content    = EXCLUDED.content,
			crawl_time = EXCLUDED.crawl_time`, s.table)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}

	for i := range articles {
		if _, execErr := tx.NamedExecContext(ctx, query, &articles[i]); execErr != nil {
			tx.Rollback()
			return fmt.Errorf("storage: upsert %s: %w", articles[i].URL, execErr)
		}
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("storage: commit: %w", commitErr)
	}

	s.log.Debug("flushed articles", "count", len(articles), "table", s.table)

	return nil
}

// Load returns all persisted articles ordered by crawl time.
func (s *PostgresSink) Load(ctx context.Context) ([]domain.Article, error) {
	query := fmt.Sprintf(
		"SELECT url, title, author, content, crawl_time FROM %s ORDER BY crawl_time", s.table,
	)

	var articles []domain.Article
	if err := s.db.SelectContext(ctx, &articles, query); err != nil {
		return nil, fmt.Errorf("storage: load articles: %w", err)
	}

	return articles, nil
}

// Close closes the database connection.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
